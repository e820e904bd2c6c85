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
package page

import (
	"testing"

	"github.com/quorumkv/quorumkv/golibs/container/bytes"
	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello, page")
	raw := Encode(payload, DefaultGranule)
	assert.Equal(t, int(Sizeof(len(payload), DefaultGranule)), len(raw))

	got, consumed, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, headerLen+len(payload), consumed)
}

func TestDecodeCorrupted(t *testing.T) {
	raw := Encode([]byte("abc"), DefaultGranule)
	raw[headerLen] ^= 0xFF // flip a payload byte
	_, _, err := Decode(raw)
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestDecodeNeverWritten(t *testing.T) {
	raw := make([]byte, DefaultGranule)
	_, _, err := Decode(raw)
	assert.True(t, errors.Is(err, errors.ErrNotExist))
}

func TestWriteReadOnBuffer(t *testing.T) {
	buf := bytes.NewInMemBytes(0)
	require.NoError(t, Write(buf, 0, []byte("first"), DefaultGranule))
	require.NoError(t, Write(buf, DefaultGranule, []byte("second page"), DefaultGranule))

	got, err := Read(buf, 0, DefaultGranule)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = Read(buf, DefaultGranule, DefaultGranule)
	require.NoError(t, err)
	assert.Equal(t, "second page", string(got))
}

func TestReadPastEnd(t *testing.T) {
	buf := bytes.NewInMemBytes(0)
	require.NoError(t, Write(buf, 0, []byte("x"), DefaultGranule))
	_, err := Read(buf, DefaultGranule*4, DefaultGranule)
	assert.True(t, errors.Is(err, errors.ErrNotExist))
}
