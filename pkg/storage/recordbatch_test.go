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
	"hash/crc32"
	"testing"
)

// makeRecordBatch builds a framed v2 batch with a valid CRC. Only the header
// fields the log reads are meaningful.
func makeRecordBatch(count int32, baseOffset int64) []byte {
	const size = 90
	data := make([]byte, size)
	binary.BigEndian.PutUint64(data[0:8], uint64(baseOffset))
	binary.BigEndian.PutUint32(data[8:12], uint32(size-12))
	data[16] = 2
	binary.BigEndian.PutUint32(data[23:27], uint32(count-1))
	binary.BigEndian.PutUint32(data[57:61], uint32(count))
	binary.BigEndian.PutUint32(data[17:21], crc32.Checksum(data[21:], crc32.MakeTable(crc32.Castagnoli)))
	return data
}

func TestNewRecordBatchFromBytes(t *testing.T) {
	batch, err := NewRecordBatchFromBytes(makeRecordBatch(10, 5))
	if err != nil {
		t.Fatalf("NewRecordBatchFromBytes: %v", err)
	}
	if batch.BaseOffset != 5 || batch.LastOffsetDelta != 9 || batch.MessageCount != 10 {
		t.Fatalf("unexpected batch metadata: %#v", batch)
	}
	if batch.LastOffset() != 14 {
		t.Fatalf("expected last offset 14, got %d", batch.LastOffset())
	}

	PatchRecordBatchBaseOffset(&batch, 100)
	if batch.BaseOffset != 100 || binary.BigEndian.Uint64(batch.Bytes[0:8]) != 100 {
		t.Fatalf("base offset not patched: %#v", batch.BaseOffset)
	}
}

func TestParseRecordSetSplitsBatches(t *testing.T) {
	recordSet := append(makeRecordBatch(5, 0), makeRecordBatch(3, 5)...)
	batches, err := ParseRecordSet(recordSet)
	if err != nil {
		t.Fatalf("ParseRecordSet: %v", err)
	}
	if len(batches) != 2 || batches[0].MessageCount != 5 || batches[1].MessageCount != 3 {
		t.Fatalf("unexpected batches %#v", batches)
	}
}

func TestParseRecordSetRejectsCorruption(t *testing.T) {
	truncated := makeRecordBatch(4, 0)[:40]
	if _, err := ParseRecordSet(truncated); !errors.Is(err, ErrCorruptBatch) {
		t.Fatalf("expected ErrCorruptBatch for truncated set, got %v", err)
	}
	flipped := makeRecordBatch(4, 0)
	flipped[70] ^= 0xff
	if _, err := ParseRecordSet(flipped); !errors.Is(err, ErrCorruptBatch) {
		t.Fatalf("expected ErrCorruptBatch for crc mismatch, got %v", err)
	}
	if _, err := ParseRecordSet(nil); !errors.Is(err, ErrCorruptBatch) {
		t.Fatalf("expected ErrCorruptBatch for empty set, got %v", err)
	}
}
