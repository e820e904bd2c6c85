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

/*
Package filechunk implements the immutable, on-disk chunk format a memo chunk is serialized
into once it reaches its size threshold: a header page, an optional bloom page, an index page,
and a sequence of sorted data pages, all framed per pkg/storage/page. Only the header stays resident
in the file chunk itself; data pages are read per lookup, through the page cache
(pkg/storage/pagecache) when one is attached.
*/
package filechunk

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/container/bytes"
	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/bloom"
	"github.com/quorumkv/quorumkv/pkg/storage/page"
	"github.com/quorumkv/quorumkv/pkg/storage/pagecache"
)

const headerPageOffset = 0

// header is the fixed-field payload of the chunk's header page (offset 0).
type header struct {
	chunkID        storage.ChunkID
	useBloomFilter bool
	bloomOffset    int64
	indexOffset    int64
	firstKey       storage.Key
	lastKey        storage.Key
	midpoint       storage.Key
	maxLogSegID    uint64
	maxLogCmdID    uint64
	numDataPages   int
}

// indexRecord is one entry of the index page: the first key of a data page, the page's
// sparse-array index, and its file offset.
type indexRecord struct {
	firstKey      storage.Key
	dataPageIndex int
	fileOffset    int64
}

// Entry is one (op, key, value) record as stored in a data page.
type Entry struct {
	Op    storage.Op
	Key   storage.Key
	Value storage.Value
}

// Chunk is a read-only handle onto a serialized file chunk. Index and data pages are read on
// demand and may be evicted by an owning page cache; only the header is always resident.
//
// With no page cache attached (the default), each of bloom/index is parsed once and kept
// resident until UnloadBloom/UnloadIndex is called explicitly. With a pagecache.Cache attached
// via SetCache, the raw page bytes live in the shared cache instead and are re-parsed (cheaply)
// on every access; UnloadBloom/UnloadIndex then become no-ops, since the cache's own LRU policy
// is what decides residency.
type Chunk struct {
	buf    bytes.Buffer
	hdr    header
	mu     sync.RWMutex
	index  []indexRecord // nil until loaded; unused once a cache is attached
	bloom  *bloom.Filter // nil until loaded; unused once a cache is attached
	cache  *pagecache.Cache
	onLoad func(dataPageIndex int) // test/instrumentation hook, optional
}

// Open reads the header page of an already-serialized file chunk backed by buf.
func Open(buf bytes.Buffer) (*Chunk, error) {
	payload, err := page.Read(buf, headerPageOffset, page.DefaultGranule)
	if err != nil {
		return nil, fmt.Errorf("filechunk: reading header: %w", err)
	}
	hdr, err := decodeHeader(payload)
	if err != nil {
		return nil, err
	}
	return &Chunk{buf: buf, hdr: hdr}, nil
}

// SetCache attaches a shared page cache: the chunk's bloom, index, and data pages are stored
// there instead of held locally, so the cache's LRU policy bounds residency across every open
// chunk. Call before the first Get. EvictChunk(c.ID()) on the cache should be called when the
// chunk is closed, or its pages stay pinned until naturally evicted by newer traffic.
func (c *Chunk) SetCache(cache *pagecache.Cache) {
	c.cache = cache
}

// ID returns the chunk's identity.
func (c *Chunk) ID() storage.ChunkID { return c.hdr.chunkID }

// FirstKey and LastKey bound every key the chunk contains.
func (c *Chunk) FirstKey() storage.Key { return c.hdr.firstKey }
func (c *Chunk) LastKey() storage.Key  { return c.hdr.lastKey }

// MaxLogPosition returns the (segmentID, commandID) of the newest log record this chunk
// captures.
func (c *Chunk) MaxLogPosition() (segmentID, commandID uint64) {
	return c.hdr.maxLogSegID, c.hdr.maxLogCmdID
}

// Get looks up key, following the read path from spec §4.4: bloom test (if enabled), then
// binary search of the index page, then the located data page. ok=false means the key is
// provably absent from this chunk.
func (c *Chunk) Get(key storage.Key) (value storage.Value, op storage.Op, ok bool, err error) {
	if c.hdr.useBloomFilter {
		bf, err := c.loadBloom()
		if err != nil {
			return nil, 0, false, err
		}
		if !bf.MayContain(key) {
			return nil, 0, false, nil
		}
	}

	idx, err := c.loadIndex()
	if err != nil {
		return nil, 0, false, err
	}
	if len(idx) == 0 {
		return nil, 0, false, nil
	}
	i := sort.Search(len(idx), func(i int) bool {
		return storage.CompareKeys(idx[i].firstKey, key) > 0
	}) - 1
	if i < 0 {
		return nil, 0, false, nil
	}
	rec := idx[i]

	entries, err := c.loadDataPage(rec.dataPageIndex, rec.fileOffset)
	if err != nil {
		return nil, 0, false, err
	}
	j := sort.Search(len(entries), func(j int) bool {
		return storage.CompareKeys(entries[j].Key, key) >= 0
	})
	if j >= len(entries) || storage.CompareKeys(entries[j].Key, key) != 0 {
		return nil, 0, false, nil
	}
	e := entries[j]
	return e.Value, e.Op, true, nil
}

func (c *Chunk) loadBloom() (*bloom.Filter, error) {
	if c.cache != nil {
		raw, err := c.cache.Get(
			pagecache.Key{ChunkID: c.hdr.chunkID, Kind: pagecache.KindBloom},
			func() ([]byte, error) { return page.Read(c.buf, c.hdr.bloomOffset, page.DefaultGranule) },
			func() {},
		)
		if err != nil {
			return nil, fmt.Errorf("filechunk: reading bloom page: %w", err)
		}
		return bloom.Load(raw)
	}

	c.mu.RLock()
	if c.bloom != nil {
		bf := c.bloom
		c.mu.RUnlock()
		return bf, nil
	}
	c.mu.RUnlock()

	payload, err := page.Read(c.buf, c.hdr.bloomOffset, page.DefaultGranule)
	if err != nil {
		return nil, fmt.Errorf("filechunk: reading bloom page: %w", err)
	}
	bf, err := bloom.Load(payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.bloom = bf
	c.mu.Unlock()
	return bf, nil
}

func (c *Chunk) loadIndex() ([]indexRecord, error) {
	if c.cache != nil {
		raw, err := c.cache.Get(
			pagecache.Key{ChunkID: c.hdr.chunkID, Kind: pagecache.KindIndex},
			func() ([]byte, error) { return page.Read(c.buf, c.hdr.indexOffset, page.DefaultGranule) },
			func() {},
		)
		if err != nil {
			return nil, fmt.Errorf("filechunk: reading index page: %w", err)
		}
		return decodeIndex(raw)
	}

	c.mu.RLock()
	if c.index != nil {
		idx := c.index
		c.mu.RUnlock()
		return idx, nil
	}
	c.mu.RUnlock()

	payload, err := page.Read(c.buf, c.hdr.indexOffset, page.DefaultGranule)
	if err != nil {
		return nil, fmt.Errorf("filechunk: reading index page: %w", err)
	}
	idx, err := decodeIndex(payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.index = idx
	c.mu.Unlock()
	return idx, nil
}

func (c *Chunk) loadDataPage(dataPageIndex int, fileOffset int64) ([]Entry, error) {
	if c.onLoad != nil {
		c.onLoad(dataPageIndex)
	}
	if c.cache != nil {
		raw, err := c.cache.Get(
			pagecache.Key{ChunkID: c.hdr.chunkID, Kind: pagecache.KindData, Index: dataPageIndex},
			func() ([]byte, error) { return page.Read(c.buf, fileOffset, 1) },
			func() {},
		)
		if err != nil {
			return nil, fmt.Errorf("filechunk: reading data page %d: %w", dataPageIndex, err)
		}
		return decodeDataPage(raw)
	}
	payload, err := page.Read(c.buf, fileOffset, 1)
	if err != nil {
		return nil, fmt.Errorf("filechunk: reading data page %d: %w", dataPageIndex, err)
	}
	return decodeDataPage(payload)
}

// UnloadIndex and UnloadBloom drop the locally-cached, parsed copies of those pages so a
// subsequent Get re-reads (and re-parses) from buf. They are no-ops once a page cache is
// attached via SetCache: residency is then governed by the cache's own LRU policy, and
// pagecache.Cache.EvictChunk is the equivalent operation.
func (c *Chunk) UnloadIndex() {
	if c.cache != nil {
		return
	}
	c.mu.Lock()
	c.index = nil
	c.mu.Unlock()
}

func (c *Chunk) UnloadBloom() {
	if c.cache != nil {
		return
	}
	c.mu.Lock()
	c.bloom = nil
	c.mu.Unlock()
}

// Close releases the underlying buffer.
func (c *Chunk) Close() error {
	return c.buf.Close()
}

func encodeHeader(h header) []byte {
	buf := make([]byte, 0, 128)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(h.chunkID))
	buf = append(buf, tmp[:]...)
	if h.useBloomFilter {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint64(tmp[:], uint64(h.bloomOffset))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(h.indexOffset))
	buf = append(buf, tmp[:]...)
	buf = appendBytes(buf, h.firstKey)
	buf = appendBytes(buf, h.lastKey)
	buf = appendBytes(buf, h.midpoint)
	binary.LittleEndian.PutUint64(tmp[:], h.maxLogSegID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], h.maxLogCmdID)
	buf = append(buf, tmp[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(h.numDataPages))
	buf = append(buf, tmp4[:]...)
	return buf
}

func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) < 33 {
		return h, fmt.Errorf("filechunk: header too short (%d bytes): %w", len(b), errors.ErrDataLoss)
	}
	h.chunkID = storage.ChunkID(binary.LittleEndian.Uint64(b[0:8]))
	h.useBloomFilter = b[8] != 0
	h.bloomOffset = int64(binary.LittleEndian.Uint64(b[9:17]))
	h.indexOffset = int64(binary.LittleEndian.Uint64(b[17:25]))
	b = b[25:]
	var err error
	h.firstKey, b, err = readBytes(b)
	if err != nil {
		return h, err
	}
	h.lastKey, b, err = readBytes(b)
	if err != nil {
		return h, err
	}
	h.midpoint, b, err = readBytes(b)
	if err != nil {
		return h, err
	}
	if len(b) < 20 {
		return h, fmt.Errorf("filechunk: header trailer too short: %w", errors.ErrDataLoss)
	}
	h.maxLogSegID = binary.LittleEndian.Uint64(b[0:8])
	h.maxLogCmdID = binary.LittleEndian.Uint64(b[8:16])
	h.numDataPages = int(binary.LittleEndian.Uint32(b[16:20]))
	return h, nil
}

func encodeIndex(recs []indexRecord) []byte {
	buf := make([]byte, 0, len(recs)*32)
	for _, r := range recs {
		buf = appendBytes(buf, r.firstKey)
		var tmp [12]byte
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(r.dataPageIndex))
		binary.LittleEndian.PutUint64(tmp[4:12], uint64(r.fileOffset))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeIndex(b []byte) ([]indexRecord, error) {
	var recs []indexRecord
	for len(b) > 0 {
		var key storage.Key
		var err error
		key, b, err = readBytes(b)
		if err != nil {
			return nil, err
		}
		if len(b) < 12 {
			return nil, fmt.Errorf("filechunk: truncated index record: %w", errors.ErrDataLoss)
		}
		recs = append(recs, indexRecord{
			firstKey:      key,
			dataPageIndex: int(binary.LittleEndian.Uint32(b[0:4])),
			fileOffset:    int64(binary.LittleEndian.Uint64(b[4:12])),
		})
		b = b[12:]
	}
	return recs, nil
}

func encodeDataPage(entries []Entry) []byte {
	buf := make([]byte, 0, page.DefaultDataPageSize)
	for _, e := range entries {
		buf = append(buf, byte(e.Op))
		buf = appendBytes(buf, e.Key)
		if e.Op == storage.OpSet {
			buf = appendBytes(buf, e.Value)
		}
	}
	return buf
}

func decodeDataPage(b []byte) ([]Entry, error) {
	var entries []Entry
	for len(b) > 0 {
		op := storage.Op(b[0])
		b = b[1:]
		var key, value storage.Key
		var err error
		key, b, err = readBytes(b)
		if err != nil {
			return nil, err
		}
		if op == storage.OpSet {
			value, b, err = readBytes(b)
			if err != nil {
				return nil, err
			}
		}
		entries = append(entries, Entry{Op: op, Key: key, Value: storage.Value(value)})
	}
	return entries, nil
}

func appendBytes(dst []byte, b []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	dst = append(dst, tmp[:n]...)
	return append(dst, b...)
}

func readBytes(b []byte) (val []byte, rest []byte, err error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, nil, fmt.Errorf("filechunk: invalid length prefix: %w", errors.ErrDataLoss)
	}
	b = b[sz:]
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("filechunk: truncated field: %w", errors.ErrDataLoss)
	}
	return b[:n], b[n:], nil
}
