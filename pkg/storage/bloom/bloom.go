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
Package bloom implements the fixed-size, power-of-two-KiB bloom filter used by file chunks
to short-circuit lookups for keys that are definitely not present.
*/
package bloom

import (
	"hash/fnv"

	"github.com/quorumkv/quorumkv/golibs/errors"
)

const (
	// bitsPerKeyFactor sizes the filter at roughly 0.599066 bits-equivalent bytes per key,
	// tuned for a ~1% false-positive rate with the two-hash scheme used here.
	bitsPerKeyFactor = 0.599066
	minSizeBytes     = 1 << 10        // 1 KiB
	maxSizeBytes     = 256 << 10      // 256 KiB cap
	numHashes        = 2
)

// Filter is an in-memory bloom filter backed by a byte slice sized to a power-of-two number
// of KiB, capped at 256 KiB. It is built once (via Add) while serializing a memo chunk into a
// file chunk, then written out as the chunk's bloom page and reloaded read-only afterwards.
type Filter struct {
	bits []byte
}

// SizeFor returns the number of bytes a filter sized for numKeys keys should occupy:
// 0.599066*numKeys bytes, rounded up to the next power-of-two KiB, capped at 256 KiB.
func SizeFor(numKeys int) int {
	if numKeys <= 0 {
		return minSizeBytes
	}
	raw := int(float64(numKeys)*bitsPerKeyFactor) + 1
	if raw < minSizeBytes {
		raw = minSizeBytes
	}
	size := minSizeBytes
	for size < raw && size < maxSizeBytes {
		size <<= 1
	}
	if size > maxSizeBytes {
		size = maxSizeBytes
	}
	return size
}

// New creates an empty filter sized for numKeys keys.
func New(numKeys int) *Filter {
	return &Filter{bits: make([]byte, SizeFor(numKeys))}
}

// Load wraps an existing bloom page payload (as read from disk) as a read-only filter.
func Load(raw []byte) (*Filter, error) {
	if len(raw) == 0 {
		return nil, errors.ErrInvalid
	}
	return &Filter{bits: raw}, nil
}

// Bytes returns the filter's backing storage, ready to be written as a bloom page payload.
func (f *Filter) Bytes() []byte {
	return f.bits
}

// Add registers key as present in the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := hashPair(key)
	nbits := uint64(len(f.bits)) * 8
	for i := 0; i < numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % nbits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key could be present. false is a definitive answer: the key is
// not in the filter. true means the key might be present and a real lookup is required.
func (f *Filter) MayContain(key []byte) bool {
	nbits := uint64(len(f.bits)) * 8
	if nbits == 0 {
		return true
	}
	h1, h2 := hashPair(key)
	for i := 0; i < numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % nbits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

func hashPair(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	s1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	s2 := h2.Sum64()
	if s2 == 0 {
		s2 = 1
	}
	return s1, s2
}
