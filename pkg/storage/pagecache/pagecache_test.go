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
package pagecache

import (
	"testing"

	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoadsOnce(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)

	key := Key{ChunkID: storage.ChunkID(1), Kind: KindIndex}
	loads := 0
	load := func() ([]byte, error) {
		loads++
		return []byte("payload"), nil
	}

	b, err := c.Get(key, load, func() {})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	b, err = c.Get(key, load, func() {})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
	assert.Equal(t, 1, loads, "second Get should hit the cache, not reload")
}

func TestEvictionCallsUnload(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	unloaded := make(map[int]bool)
	load := func() ([]byte, error) { return []byte("x"), nil }

	for i := 0; i < 3; i++ {
		i := i
		key := Key{ChunkID: storage.ChunkID(1), Kind: KindData, Index: i}
		_, err := c.Get(key, load, func() { unloaded[i] = true })
		require.NoError(t, err)
	}
	// maxSize=1: pages 0 and 1 must have been evicted by the time page 2 is inserted.
	assert.True(t, unloaded[0])
	assert.True(t, unloaded[1])
	assert.False(t, unloaded[2])
}

func TestEvictChunk(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)

	unloaded := 0
	load := func() ([]byte, error) { return []byte("x"), nil }
	for i := 0; i < 3; i++ {
		key := Key{ChunkID: storage.ChunkID(5), Kind: KindData, Index: i}
		_, err := c.Get(key, load, func() { unloaded++ })
		require.NoError(t, err)
	}
	otherKey := Key{ChunkID: storage.ChunkID(6), Kind: KindIndex}
	_, err = c.Get(otherKey, load, func() {})
	require.NoError(t, err)

	c.EvictChunk(storage.ChunkID(5))
	assert.Equal(t, 3, unloaded)

	// chunk 6's page must survive.
	b, err := c.Get(otherKey, func() ([]byte, error) {
		t.Fatal("should not reload chunk 6's page")
		return nil, nil
	}, func() {})
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
}
