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
	"fmt"
	"hash/crc32"
	"time"
)

// Segment layout: a 32 byte header, the record batches back to back, then a
// 16 byte footer holding the body CRC32C, the last offset and a magic trailer.
const (
	segmentMagic     = "KAFS"
	footerMagic      = "END!"
	segmentHeaderLen = 32
	segmentFooterLen = 16
	segmentVersion   = 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BuildSegment serializes buffered batches into segment and index bytes.
func BuildSegment(cfg SegmentWriterConfig, batches []RecordBatch, created time.Time) (*SegmentArtifact, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("no batches to serialize")
	}
	size := segmentHeaderLen + segmentFooterLen
	for _, batch := range batches {
		if len(batch.Bytes) == 0 {
			return nil, fmt.Errorf("batch payload empty")
		}
		size += len(batch.Bytes)
	}
	index := NewIndexBuilder(cfg.IndexIntervalMessages)
	lastOffset := batches[len(batches)-1].LastOffset()

	buf := make([]byte, segmentHeaderLen, size)
	var totalMessages int32
	for _, batch := range batches {
		index.MaybeAdd(batch.BaseOffset, int32(len(buf)), batch.MessageCount)
		buf = append(buf, batch.Bytes...)
		totalMessages += batch.MessageCount
	}
	putHeader(buf[:segmentHeaderLen], batches[0].BaseOffset, totalMessages, created)
	crc := crc32.Checksum(buf[segmentHeaderLen:], crcTable)
	buf = binary.BigEndian.AppendUint32(buf, crc)
	buf = binary.BigEndian.AppendUint64(buf, uint64(lastOffset))
	buf = append(buf, footerMagic...)

	indexBytes, err := index.BuildBytes()
	if err != nil {
		return nil, err
	}
	return &SegmentArtifact{
		BaseOffset:    batches[0].BaseOffset,
		LastOffset:    lastOffset,
		MessageCount:  totalMessages,
		CreatedAt:     created,
		SegmentBytes:  buf,
		IndexBytes:    indexBytes,
		RelativeIndex: index.Entries(),
	}, nil
}

func putHeader(dst []byte, baseOffset int64, messageCount int32, created time.Time) {
	copy(dst[0:4], segmentMagic)
	binary.BigEndian.PutUint16(dst[4:6], segmentVersion)
	binary.BigEndian.PutUint16(dst[6:8], 0) // flags
	binary.BigEndian.PutUint64(dst[8:16], uint64(baseOffset))
	binary.BigEndian.PutUint32(dst[16:20], uint32(messageCount))
	binary.BigEndian.PutUint64(dst[20:28], uint64(created.UnixMilli()))
	binary.BigEndian.PutUint32(dst[28:32], 0) // reserved
}

func parseSegmentFooter(data []byte) (crc uint32, lastOffset int64, err error) {
	if len(data) < segmentFooterLen {
		return 0, 0, fmt.Errorf("footer too small")
	}
	footer := data[len(data)-segmentFooterLen:]
	if string(footer[12:16]) != footerMagic {
		return 0, 0, fmt.Errorf("invalid footer magic")
	}
	return binary.BigEndian.Uint32(footer[0:4]), int64(binary.BigEndian.Uint64(footer[4:12])), nil
}

// VerifySegment checks the framing and body checksum of a full segment and
// returns its base and last offsets.
func VerifySegment(data []byte) (baseOffset, lastOffset int64, err error) {
	if len(data) < segmentHeaderLen+segmentFooterLen {
		return 0, 0, fmt.Errorf("segment too small: %d bytes", len(data))
	}
	if string(data[0:4]) != segmentMagic {
		return 0, 0, fmt.Errorf("invalid segment magic")
	}
	crc, last, err := parseSegmentFooter(data)
	if err != nil {
		return 0, 0, err
	}
	body := data[segmentHeaderLen : len(data)-segmentFooterLen]
	if got := crc32.Checksum(body, crcTable); got != crc {
		return 0, 0, fmt.Errorf("segment crc mismatch: want %08x got %08x", crc, got)
	}
	return int64(binary.BigEndian.Uint64(data[8:16])), last, nil
}

// segmentBody returns the record batches of a segment starting at the batch
// that contains offset, capped at maxBytes (always at least one batch).
func segmentBody(data []byte, startPos int64, offset int64, maxBytes int32) ([]byte, error) {
	end := int64(len(data) - segmentFooterLen)
	pos := startPos
	if pos < segmentHeaderLen {
		pos = segmentHeaderLen
	}
	for pos+recordBatchHeaderMinSize <= end {
		base := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		batchLen := int64(binary.BigEndian.Uint32(data[pos+8 : pos+12]))
		lastDelta := int64(int32(binary.BigEndian.Uint32(data[pos+23 : pos+27])))
		if base+lastDelta >= offset {
			break
		}
		pos += recordBatchFrameLen + batchLen
	}
	if pos >= end {
		return nil, ErrOffsetOutOfRange
	}
	return capBatches(data[pos:end], maxBytes), nil
}

// capBatches trims a run of whole batches to maxBytes without splitting the first batch.
func capBatches(batches []byte, maxBytes int32) []byte {
	if maxBytes <= 0 || len(batches) <= int(maxBytes) {
		return append([]byte(nil), batches...)
	}
	cut := 0
	for cut+recordBatchFrameLen <= len(batches) {
		next := cut + recordBatchFrameLen + int(binary.BigEndian.Uint32(batches[cut+8:cut+12]))
		if next > len(batches) || (next > int(maxBytes) && cut > 0) {
			break
		}
		cut = next
	}
	return append([]byte(nil), batches[:cut]...)
}
