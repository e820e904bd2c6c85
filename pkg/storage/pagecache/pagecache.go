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
Package pagecache implements the process-wide, bounded LRU of resident file-chunk pages (C5).
File chunks load their bloom/index/data pages lazily; the cache bounds how many stay resident
across every open file chunk at once, calling back into the owning chunk to unload a page's
parsed form when it is evicted.
*/
package pagecache

import (
	"fmt"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/container/lru"
	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/pkg/storage"
)

// Kind distinguishes the three page roles a file chunk has a cache entry for.
type Kind int

const (
	KindBloom Kind = iota
	KindIndex
	KindData
)

// Key identifies one page of one file chunk.
type Key struct {
	ChunkID storage.ChunkID
	Kind    Kind
	Index   int // data-page index; unused for KindBloom/KindIndex
}

type (
	loadFunc   func() ([]byte, error)
	unloadFunc func()
)

type pageEntry struct {
	bytes  []byte
	unload unloadFunc
}

// Cache is a process-wide bounded cache of resident pages. Create one per process (or per
// storage environment) and share it across every open file chunk.
type Cache struct {
	mu      sync.Mutex
	pending map[Key]pendingOps
	keys    map[storage.ChunkID]map[Key]struct{}
	c       *lru.Cache[Key, pageEntry]
}

type pendingOps struct {
	load   loadFunc
	unload unloadFunc
}

// New creates a cache holding at most maxPages resident pages across all chunks.
func New(maxPages int) (*Cache, error) {
	pc := &Cache{
		pending: make(map[Key]pendingOps),
		keys:    make(map[storage.ChunkID]map[Key]struct{}),
	}
	c, err := lru.NewCache[Key, pageEntry](maxPages, pc.create, pc.evict)
	if err != nil {
		return nil, err
	}
	pc.c = c
	return pc, nil
}

func (pc *Cache) create(k Key) (pageEntry, error) {
	pc.mu.Lock()
	ops, ok := pc.pending[k]
	delete(pc.pending, k)
	if ok {
		if pc.keys[k.ChunkID] == nil {
			pc.keys[k.ChunkID] = make(map[Key]struct{})
		}
		pc.keys[k.ChunkID][k] = struct{}{}
	}
	pc.mu.Unlock()
	if !ok {
		return pageEntry{}, fmt.Errorf("pagecache: no loader registered for %+v: %w", k, errors.ErrInternal)
	}
	b, err := ops.load()
	if err != nil {
		return pageEntry{}, err
	}
	return pageEntry{bytes: b, unload: ops.unload}, nil
}

func (pc *Cache) evict(k Key, e pageEntry) {
	pc.mu.Lock()
	if set := pc.keys[k.ChunkID]; set != nil {
		delete(set, k)
		if len(set) == 0 {
			delete(pc.keys, k.ChunkID)
		}
	}
	pc.mu.Unlock()
	if e.unload != nil {
		e.unload()
	}
}

// Get returns the cached payload for key, calling load to populate it if it is not already
// resident. unload is registered to be called once, exactly when this page is evicted.
func (pc *Cache) Get(key Key, load loadFunc, unload unloadFunc) ([]byte, error) {
	pc.mu.Lock()
	pc.pending[key] = pendingOps{load: load, unload: unload}
	pc.mu.Unlock()
	e, err := pc.c.GetOrCreate(key)
	if err != nil {
		return nil, err
	}
	return e.bytes, nil
}

// EvictChunk evicts every page currently resident for chunkID, calling each one's unload hook.
// Call this when a file chunk is closed or deleted so the cache doesn't keep its pages pinned.
func (pc *Cache) EvictChunk(chunkID storage.ChunkID) {
	pc.mu.Lock()
	keys := make([]Key, 0, len(pc.keys[chunkID]))
	for k := range pc.keys[chunkID] {
		keys = append(keys, k)
	}
	pc.mu.Unlock()
	for _, k := range keys {
		pc.c.Remove(k)
	}
}
