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
package memochunk

import (
	"testing"

	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestGetSetDelete(t *testing.T) {
	c := New(1)
	_, _, ok := c.Get(storage.Key("a"))
	assert.False(t, ok)

	c.Set(storage.Key("a"), storage.Value("1"), 0, 1)
	v, isDel, ok := c.Get(storage.Key("a"))
	assert.True(t, ok)
	assert.False(t, isDel)
	assert.Equal(t, storage.Value("1"), v)

	c.Delete(storage.Key("a"), 0, 2)
	_, isDel, ok = c.Get(storage.Key("a"))
	assert.True(t, ok)
	assert.True(t, isDel)

	minSeg, minCmd, maxSeg, maxCmd := c.LogRange()
	assert.Equal(t, uint64(0), minSeg)
	assert.Equal(t, uint64(1), minCmd)
	assert.Equal(t, uint64(0), maxSeg)
	assert.Equal(t, uint64(2), maxCmd)
}

func TestByteSizeTracksOverwrites(t *testing.T) {
	c := New(1)
	c.Set(storage.Key("a"), storage.Value("12345"), 0, 1)
	sz1 := c.ByteSize()
	c.Set(storage.Key("a"), storage.Value("1"), 0, 2)
	sz2 := c.ByteSize()
	assert.Less(t, sz2, sz1)
	assert.Equal(t, 1, c.Len())
}

func TestIterateKeyOrder(t *testing.T) {
	c := New(1)
	c.Set(storage.Key("c"), storage.Value("3"), 0, 1)
	c.Set(storage.Key("a"), storage.Value("1"), 0, 2)
	c.Set(storage.Key("b"), storage.Value("2"), 0, 3)

	it := c.Iterate()
	defer it.Close()
	var keys []string
	for it.HasNext() {
		kv, ok := it.Next()
		assert.True(t, ok)
		keys = append(keys, string(kv.Key))
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestRemoveFirst(t *testing.T) {
	c := New(1)
	c.Set(storage.Key("c"), storage.Value("3"), 0, 1)
	c.Set(storage.Key("a"), storage.Value("1"), 0, 2)
	c.Set(storage.Key("b"), storage.Value("2"), 0, 3)

	k, ok := c.RemoveFirst()
	assert.True(t, ok)
	assert.Equal(t, storage.Key("a"), k)
	assert.Equal(t, 2, c.Len())

	k, ok = c.RemoveFirst()
	assert.True(t, ok)
	assert.Equal(t, storage.Key("b"), k)

	k, ok = c.RemoveFirst()
	assert.True(t, ok)
	assert.Equal(t, storage.Key("c"), k)

	_, ok = c.RemoveFirst()
	assert.False(t, ok)
}
