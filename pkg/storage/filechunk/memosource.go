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
	"github.com/quorumkv/quorumkv/golibs/container/iterable"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/memochunk"
)

// memoSource adapts a memo chunk's key-ordered iterable.Iterator into the Source the builder
// consumes.
type memoSource struct {
	it iterable.Iterator[memochunk.KeyValue]
}

// NewMemoChunkSource wraps it (as returned by memochunk.Chunk.Iterate) as a Source for Build.
func NewMemoChunkSource(it iterable.Iterator[memochunk.KeyValue]) Source {
	return &memoSource{it: it}
}

func (s *memoSource) HasNext() bool {
	return s.it.HasNext()
}

func (s *memoSource) Next() (key storage.Key, op storage.Op, value storage.Value, ok bool) {
	kv, ok := s.it.Next()
	if !ok {
		return nil, 0, nil, false
	}
	return kv.Key, kv.Op, kv.Value, true
}
