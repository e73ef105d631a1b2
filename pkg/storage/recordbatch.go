// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	recordBatchHeaderMinSize = 61
	recordBatchFrameLen      = 12
	recordBatchMagic         = 2
)

// ErrCorruptBatch is returned for record batches whose framing or checksum is wrong.
var ErrCorruptBatch = errors.New("corrupt record batch")

// NewRecordBatchFromBytes parses the header of a single Kafka v2 record batch.
func NewRecordBatchFromBytes(data []byte) (RecordBatch, error) {
	if len(data) < recordBatchHeaderMinSize {
		return RecordBatch{}, fmt.Errorf("%w: %d bytes", ErrCorruptBatch, len(data))
	}
	return RecordBatch{
		BaseOffset:      int64(binary.BigEndian.Uint64(data[0:8])),
		LastOffsetDelta: int32(binary.BigEndian.Uint32(data[23:27])),
		MessageCount:    int32(binary.BigEndian.Uint32(data[57:61])),
		Bytes:           append([]byte(nil), data...),
	}, nil
}

// ParseRecordSet splits a concatenation of record batches as sent in a
// produce request and verifies each batch's framing, magic and CRC.
func ParseRecordSet(recordSet []byte) ([]RecordBatch, error) {
	var out []RecordBatch
	for offset := 0; offset < len(recordSet); {
		if len(recordSet)-offset < recordBatchHeaderMinSize {
			return nil, fmt.Errorf("%w: truncated batch at byte %d", ErrCorruptBatch, offset)
		}
		batchLen := int(int32(binary.BigEndian.Uint32(recordSet[offset+8 : offset+12])))
		end := offset + recordBatchFrameLen + batchLen
		if batchLen <= 0 || end > len(recordSet) {
			return nil, fmt.Errorf("%w: bad length %d at byte %d", ErrCorruptBatch, batchLen, offset)
		}
		raw := recordSet[offset:end]
		if raw[16] != recordBatchMagic {
			return nil, fmt.Errorf("%w: unsupported magic %d", ErrCorruptBatch, raw[16])
		}
		want := binary.BigEndian.Uint32(raw[17:21])
		if got := crc32.Checksum(raw[21:], crcTable); got != want {
			return nil, fmt.Errorf("%w: crc mismatch (want %08x got %08x)", ErrCorruptBatch, want, got)
		}
		batch, err := NewRecordBatchFromBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
		offset = end
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty record set", ErrCorruptBatch)
	}
	return out, nil
}

// PatchRecordBatchBaseOffset overwrites the base offset field in the batch header.
// The base offset is not covered by the batch CRC.
func PatchRecordBatchBaseOffset(batch *RecordBatch, baseOffset int64) {
	binary.BigEndian.PutUint64(batch.Bytes[0:8], uint64(baseOffset))
	batch.BaseOffset = baseOffset
}

// LastOffset returns the offset of the final record in the batch.
func (b RecordBatch) LastOffset() int64 {
	return b.BaseOffset + int64(b.LastOffsetDelta)
}
