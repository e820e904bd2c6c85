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
package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeForPowerOfTwoAndCap(t *testing.T) {
	assert.Equal(t, minSizeBytes, SizeFor(0))
	assert.Equal(t, minSizeBytes, SizeFor(1))
	assert.Equal(t, maxSizeBytes, SizeFor(10_000_000))

	for size := SizeFor(100); size > 0; size >>= 1 {
	}
	sz := SizeFor(5000)
	assert.Equal(t, sz&(sz-1), 0, "size must be a power of two")
}

func TestAddAndMayContain(t *testing.T) {
	keys := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%04d", i)))
	}
	f := New(len(keys))
	for _, k := range keys {
		f.Add(k)
	}
	for _, k := range keys {
		assert.True(t, f.MayContain(k))
	}
}

func TestLoadRoundTrip(t *testing.T) {
	f := New(10)
	f.Add([]byte("abc"))
	f2, err := Load(f.Bytes())
	require.NoError(t, err)
	assert.True(t, f2.MayContain([]byte("abc")))
}
