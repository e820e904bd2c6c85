// Copyright 2024 The Quorumkv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filechunk

import (
	"github.com/quorumkv/quorumkv/golibs/container/bytes"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/bloom"
	"github.com/quorumkv/quorumkv/pkg/storage/page"
)

// Source yields the sorted records a memo chunk is serialized from.
type Source interface {
	HasNext() bool
	Next() (key storage.Key, op storage.Op, value storage.Value, ok bool)
}

// Build serializes src (assumed already sorted in ascending key order, the order a memo
// chunk's iterator produces) into a new file chunk backed by buf: data pages split close to
// page.DefaultDataPageSize without splitting a single record, an index page of (firstKey,
// dataPageIndex, fileOffset), an optional bloom page sized per spec, and a header page.
func Build(buf bytes.Buffer, id storage.ChunkID, useBloomFilter bool, maxLogSegID, maxLogCmdID uint64, src Source) error {
	offset := page.Sizeof(0, page.DefaultGranule) // reserve the header page slot

	var bloomOffset int64
	var bf *bloom.Filter
	if useBloomFilter {
		bloomOffset = offset
		// sized below once key count is known; reserve the slot after a first pass instead of
		// double-reading src (Source is a one-pass iterator), so collect entries in memory first.
	}

	var allKeys []storage.Key
	var pages [][]Entry
	var cur []Entry
	curSize := 0
	for src.HasNext() {
		key, op, value, ok := src.Next()
		if !ok {
			break
		}
		e := Entry{Op: op, Key: key, Value: value}
		entrySize := 1 + len(key) + len(value) + 8 // rough varint-length overhead
		if len(cur) > 0 && curSize+entrySize > page.DefaultDataPageSize {
			pages = append(pages, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, e)
		curSize += entrySize
		allKeys = append(allKeys, key)
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}

	if useBloomFilter {
		bf = bloom.New(len(allKeys))
		for _, k := range allKeys {
			bf.Add(k)
		}
		payload := bf.Bytes()
		if err := page.Write(buf, offset, payload, page.DefaultGranule); err != nil {
			return err
		}
		offset += page.Sizeof(len(payload), page.DefaultGranule)
	}

	indexOffset := offset
	indexRecs := make([]indexRecord, 0, len(pages))
	dataOffset := offset // placeholder, fixed up after index size is known

	// the index page must be written before data pages but its own size depends on nothing
	// about the data pages beyond their offsets, so reserve its slot, write placeholder, then
	// come back once data-page offsets are known.
	encodedPages := make([][]byte, len(pages))
	for i, p := range pages {
		encodedPages[i] = encodeDataPage(p)
	}

	dataOffset = indexOffset + page.Sizeof(estimateIndexSize(pages), page.DefaultGranule)
	for i, p := range pages {
		if len(p) == 0 {
			continue
		}
		indexRecs = append(indexRecs, indexRecord{firstKey: p[0].Key, dataPageIndex: i, fileOffset: dataOffset})
		if err := page.Write(buf, dataOffset, encodedPages[i], 1); err != nil {
			return err
		}
		dataOffset += page.Sizeof(len(encodedPages[i]), 1)
	}

	if err := page.Write(buf, indexOffset, encodeIndex(indexRecs), page.DefaultGranule); err != nil {
		return err
	}

	var firstKey, lastKey, midpoint storage.Key
	if len(allKeys) > 0 {
		firstKey = allKeys[0]
		lastKey = allKeys[len(allKeys)-1]
		midpoint = allKeys[len(allKeys)/2]
	}

	hdr := header{
		chunkID:        id,
		useBloomFilter: useBloomFilter,
		bloomOffset:    bloomOffset,
		indexOffset:    indexOffset,
		firstKey:       firstKey,
		lastKey:        lastKey,
		midpoint:       midpoint,
		maxLogSegID:    maxLogSegID,
		maxLogCmdID:    maxLogCmdID,
		numDataPages:   len(pages),
	}
	return page.Write(buf, headerPageOffset, encodeHeader(hdr), page.DefaultGranule)
}

// estimateIndexSize upper-bounds the index page payload size so it can be reserved before
// data pages are placed: one entry per non-empty data page.
func estimateIndexSize(pages [][]Entry) int {
	size := 0
	for _, p := range pages {
		if len(p) == 0 {
			continue
		}
		size += len(p[0].Key) + 2 /*varint len*/ + 4 /*dataPageIndex*/ + 8 /*fileOffset*/
	}
	return size
}
