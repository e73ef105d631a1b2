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
	"sort"
)

const (
	indexMagic     = "IDX\x00"
	indexHeaderLen = 16
	indexEntryLen  = 12
)

// IndexBuilder records a sparse offset index while a segment is written.
type IndexBuilder struct {
	interval  int32
	sinceLast int32
	entries   []*IndexEntry
}

// NewIndexBuilder creates a builder that emits an entry every interval messages.
func NewIndexBuilder(interval int32) *IndexBuilder {
	if interval <= 0 {
		interval = 1
	}
	return &IndexBuilder{interval: interval}
}

// MaybeAdd records an entry when the interval has elapsed or none exists yet.
func (b *IndexBuilder) MaybeAdd(offset int64, position int32, batchMessages int32) {
	if len(b.entries) == 0 || b.sinceLast >= b.interval {
		b.entries = append(b.entries, &IndexEntry{Offset: offset, Position: position})
		b.sinceLast = 0
	}
	b.sinceLast += batchMessages
}

// Entries returns the recorded entries.
func (b *IndexBuilder) Entries() []*IndexEntry {
	return append([]*IndexEntry(nil), b.entries...)
}

// BuildBytes encodes the index header and entries.
func (b *IndexBuilder) BuildBytes() ([]byte, error) {
	buf := make([]byte, 0, indexHeaderLen+len(b.entries)*indexEntryLen)
	buf = append(buf, indexMagic...)
	buf = binary.BigEndian.AppendUint16(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.entries)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.interval))
	buf = binary.BigEndian.AppendUint16(buf, 0) // reserved
	for _, entry := range b.entries {
		buf = binary.BigEndian.AppendUint64(buf, uint64(entry.Offset))
		buf = binary.BigEndian.AppendUint32(buf, uint32(entry.Position))
	}
	return buf, nil
}

// ParseIndex validates and returns entries from serialized bytes.
func ParseIndex(data []byte) ([]*IndexEntry, error) {
	if len(data) < indexHeaderLen {
		return nil, fmt.Errorf("index too small")
	}
	if string(data[:4]) != indexMagic {
		return nil, fmt.Errorf("invalid index magic")
	}
	if version := binary.BigEndian.Uint16(data[4:6]); version != 1 {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}
	count := int(binary.BigEndian.Uint32(data[6:10]))
	if len(data) < indexHeaderLen+count*indexEntryLen {
		return nil, fmt.Errorf("index truncated: %d entries in %d bytes", count, len(data))
	}
	entries := make([]*IndexEntry, count)
	for i := range entries {
		pos := indexHeaderLen + i*indexEntryLen
		entries[i] = &IndexEntry{
			Offset:   int64(binary.BigEndian.Uint64(data[pos : pos+8])),
			Position: int32(binary.BigEndian.Uint32(data[pos+8 : pos+12])),
		}
	}
	return entries, nil
}

// lookupIndex returns the byte position of the last entry at or before offset.
func lookupIndex(entries []*IndexEntry, offset int64) int64 {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Offset > offset })
	if i == 0 {
		return segmentHeaderLen
	}
	return int64(entries[i-1].Position)
}
