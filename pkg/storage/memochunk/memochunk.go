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
Package memochunk implements the mutable, in-memory chunk a shard writes to: a sorted map
keyed by the shard's key space, tracking a running byte-size estimate and the range of log
records whose effects it captures. Once it reaches the configured size threshold it is
serialized into an immutable file chunk and replaced by a fresh, empty memo chunk.
*/
package memochunk

import (
	"sort"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/container/iterable"
	"github.com/quorumkv/quorumkv/pkg/storage"
)

// entry is one resident record: a SET carries Value, a DELETE is a tombstone (Value is nil).
type entry struct {
	op    storage.Op
	value storage.Value
}

// sizeOverhead approximates the in-memory bookkeeping cost per entry (map bucket, string
// header, pointers) on top of the raw key/value bytes, so ByteSize tracks real memory
// pressure closely enough to decide when to promote the chunk.
const sizeOverhead = 48

// Chunk is a sorted, in-memory key/value map plus the recovery coordinates of the log records
// it captures. Not safe for concurrent use without external synchronization beyond what's
// documented per-method.
type Chunk struct {
	mu       sync.RWMutex
	id       storage.ChunkID
	entries  map[string]entry
	byteSize int64

	haveMin         bool
	minLogSegmentID uint64
	minLogCommandID uint64
	maxLogSegmentID uint64
	maxLogCommandID uint64
}

// New creates an empty memo chunk with the given ChunkID.
func New(id storage.ChunkID) *Chunk {
	return &Chunk{id: id, entries: make(map[string]entry)}
}

// ID returns the chunk's identity.
func (c *Chunk) ID() storage.ChunkID {
	return c.id
}

// ByteSize returns the current running size estimate in bytes.
func (c *Chunk) ByteSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byteSize
}

// LogRange returns the (minSegmentID, minCommandID, maxSegmentID, maxCommandID) range of log
// records whose effects this chunk's entries capture.
func (c *Chunk) LogRange() (minSeg, minCmd, maxSeg, maxCmd uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minLogSegmentID, c.minLogCommandID, c.maxLogSegmentID, c.maxLogCommandID
}

// Get returns the value for key and whether it is present as a live SET (a DELETE tombstone
// reports ok=true with a zero Value and isDelete=true, so callers can distinguish "absent" from
// "deleted here, keep looking in older chunks is wrong, it's authoritatively gone").
func (c *Chunk) Get(key storage.Key) (value storage.Value, isDelete bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[string(key)]
	if !found {
		return nil, false, false
	}
	return e.value, e.op == storage.OpDelete, true
}

// Set stores value for key, replacing any prior entry, and advances the chunk's log-range
// bookkeeping to (segmentID, commandID).
func (c *Chunk) Set(key storage.Key, value storage.Value, segmentID, commandID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, entry{op: storage.OpSet, value: value}, segmentID, commandID)
}

// Delete records a tombstone for key, masking any value for it in older chunks, and advances
// the chunk's log-range bookkeeping to (segmentID, commandID).
func (c *Chunk) Delete(key storage.Key, segmentID, commandID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, entry{op: storage.OpDelete}, segmentID, commandID)
}

func (c *Chunk) put(key storage.Key, e entry, segmentID, commandID uint64) {
	ks := string(key)
	if old, ok := c.entries[ks]; ok {
		c.byteSize -= entrySize(ks, old)
	} else if !c.haveMin {
		c.minLogSegmentID, c.minLogCommandID, c.haveMin = segmentID, commandID, true
	}
	c.entries[ks] = e
	c.byteSize += entrySize(ks, e)
	c.maxLogSegmentID, c.maxLogCommandID = segmentID, commandID
}

func entrySize(key string, e entry) int64 {
	return int64(len(key)+len(e.value)) + sizeOverhead
}

// RemoveFirst removes the lexicographically smallest key and returns it. Used when the chunk
// is bound to a "log" storage-type shard exceeding its size cap: the chunk behaves as a
// bounded rolling window, dropping its oldest entry to make room.
func (c *Chunk) RemoveFirst() (key storage.Key, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil, false
	}
	var min string
	first := true
	for k := range c.entries {
		if first || k < min {
			min, first = k, false
		}
	}
	c.byteSize -= entrySize(min, c.entries[min])
	delete(c.entries, min)
	return storage.Key(min), true
}

// Len returns the number of resident entries, live and tombstoned.
func (c *Chunk) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// KeyValue is one entry produced while iterating a chunk in key order.
type KeyValue struct {
	Key   storage.Key
	Op    storage.Op
	Value storage.Value
}

// Iterate returns the chunk's entries in ascending key order. The iterator reflects a
// snapshot of the chunk taken at call time.
func (c *Chunk) Iterate() iterable.Iterator[KeyValue] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]KeyValue, len(keys))
	for i, k := range keys {
		e := c.entries[k]
		kvs[i] = KeyValue{Key: storage.Key(k), Op: e.op, Value: e.value}
	}
	return &sliceIterator{kvs: kvs}
}

type sliceIterator struct {
	kvs []KeyValue
	pos int
}

func (it *sliceIterator) HasNext() bool {
	return it.pos < len(it.kvs)
}

func (it *sliceIterator) Next() (KeyValue, bool) {
	if it.pos >= len(it.kvs) {
		return KeyValue{}, false
	}
	kv := it.kvs[it.pos]
	it.pos++
	return kv, true
}

func (it *sliceIterator) Close() error {
	it.kvs = nil
	return nil
}
