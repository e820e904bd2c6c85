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
package toc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTOC() *TOC {
	return &TOC{Entries: []Entry{
		{
			Descriptor: storage.ShardDescriptor{
				ContextID:      1,
				TableID:        2,
				ShardID:        3,
				FirstKey:       storage.Key("aaa"),
				LastKey:        storage.Key("zzz"),
				UseBloomFilter: true,
				StorageType:    storage.StorageNormal,
			},
			TrackID:              3,
			RecoveryLogSegmentID: 5,
			RecoveryLogCommandID: 42,
			ChunkIDs:             []storage.ChunkID{10, 11, 12},
		},
		{
			Descriptor: storage.ShardDescriptor{
				ContextID:   1,
				TableID:     2,
				ShardID:     4,
				StorageType: storage.StorageLog,
			},
			TrackID:  4,
			ChunkIDs: nil,
		},
	}}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sampleTOC()
	raw := Encode(in)
	out, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, out.Entries, 2)

	assert.Equal(t, in.Entries[0].Descriptor, out.Entries[0].Descriptor)
	assert.Equal(t, in.Entries[0].TrackID, out.Entries[0].TrackID)
	assert.Equal(t, in.Entries[0].RecoveryLogSegmentID, out.Entries[0].RecoveryLogSegmentID)
	assert.Equal(t, in.Entries[0].RecoveryLogCommandID, out.Entries[0].RecoveryLogCommandID)
	assert.Equal(t, in.Entries[0].ChunkIDs, out.Entries[0].ChunkIDs)
	assert.Equal(t, storage.ChunkID(13), out.Entries[0].DeriveNextChunkID())

	assert.Empty(t, out.Entries[1].ChunkIDs)
	assert.Equal(t, storage.ChunkID(1), out.Entries[1].DeriveNextChunkID())
}

func TestEncodeDecodeRoundTripWithLargeContextID(t *testing.T) {
	in := &TOC{Entries: []Entry{
		{
			Descriptor: storage.ShardDescriptor{
				ContextID:   1<<40 + 7,
				TableID:     2,
				ShardID:     3,
				StorageType: storage.StorageNormal,
			},
			TrackID:  1,
			ChunkIDs: []storage.ChunkID{1},
		},
	}}
	raw := Encode(in)
	out, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, storage.ContextID(1<<40+7), out.Entries[0].Descriptor.ContextID)
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	raw := Encode(sampleTOC())
	raw[8] = 99 // version field, little-endian low byte
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrFutureVersion)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	raw := Encode(sampleTOC())
	raw[len(raw)-1] ^= 0xFF
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := sampleTOC()
	require.NoError(t, Save(dir, in))

	out, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, in.Entries[0].Descriptor.ShardID, out.Entries[0].Descriptor.ShardID)

	_, err = os.Stat(filepath.Join(dir, NewFileName))
	assert.True(t, os.IsNotExist(err), "toc.new must not survive a successful Save")
}

func TestLoadPrefersTocNewWhenParseable(t *testing.T) {
	dir := t.TempDir()
	old := sampleTOC()
	old.Entries[0].Descriptor.ShardID = 100
	require.NoError(t, Save(dir, old))

	newer := sampleTOC()
	newer.Entries[0].Descriptor.ShardID = 200
	require.NoError(t, os.WriteFile(filepath.Join(dir, NewFileName), Encode(newer), 0o644))

	out, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, storage.ShardID(200), out.Entries[0].Descriptor.ShardID)
}

func TestLoadFallsBackToTocWhenNewIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	in := sampleTOC()
	require.NoError(t, Save(dir, in))
	require.NoError(t, os.WriteFile(filepath.Join(dir, NewFileName), []byte{1, 2, 3}, 0o644))

	out, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, in.Entries[0].Descriptor.ShardID, out.Entries[0].Descriptor.ShardID)
}

func TestLoadMissingReturnsNotExist(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
}
