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
package recovery

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/env"
	"github.com/quorumkv/quorumkv/pkg/storage/pagecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForFileChunk polls until key has at least one file chunk, since memo-chunk promotion
// runs on a background goroutine.
func waitForFileChunk(t *testing.T, e *env.Environment, key storage.ShardKey) {
	t.Helper()
	for i := 0; i < 100; i++ {
		ids, err := e.ChunkIDs(key)
		require.NoError(t, err)
		if len(ids) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for shard %v to gain a file chunk", key)
}

func testDescriptor(shardID storage.ShardID) storage.ShardDescriptor {
	return storage.ShardDescriptor{ContextID: 1, TableID: 1, ShardID: shardID, StorageType: storage.StorageNormal}
}

func mustCommit(t *testing.T, e *env.Environment) {
	var wg sync.WaitGroup
	wg.Add(1)
	var commitErr error
	e.Commit(func(err error) { commitErr = err; wg.Done() })
	wg.Wait()
	require.NoError(t, commitErr)
}

// TestRecoverReplaysUncommittedChunks simulates a crash: records are written and fsynced to the
// log but never serialized into a file chunk (the process dies before that background job runs).
// Recovery, starting from a fresh Environment over the same directory, must replay the log and
// reconstruct the same key/value state.
func TestRecoverReplaysUncommittedChunks(t *testing.T) {
	dir := t.TempDir()
	cache1, err := pagecache.New(64)
	require.NoError(t, err)
	e1, err := env.Open(env.Config{Dir: dir, ChunkSize: env.DefaultChunkSize, PageCache: cache1})
	require.NoError(t, err)

	require.NoError(t, e1.CreateShard(testDescriptor(1), 1))
	key := storage.ShardKey{ContextID: 1, ShardID: 1}
	for i := 0; i < 50; i++ {
		_, _, err := e1.Set(key, storage.Key(fmt.Sprintf("key-%03d", i)), storage.Value(fmt.Sprintf("value-%03d", i)))
		require.NoError(t, err)
	}
	mustCommit(t, e1)
	require.NoError(t, e1.Close()) // simulates process exit without the async serialize job running

	cache2, err := pagecache.New(64)
	require.NoError(t, err)
	e2, err := Recover(env.Config{Dir: dir, ChunkSize: env.DefaultChunkSize, PageCache: cache2})
	require.NoError(t, err)
	defer e2.Close()

	for i := 0; i < 50; i++ {
		v, ok, err := e2.Get(key, storage.Key(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.True(t, ok, "key-%03d missing after recovery", i)
		assert.Equal(t, fmt.Sprintf("value-%03d", i), string(v))
	}
}

// TestRecoverSkipsAlreadyDurableRecords exercises the "already captured by a file chunk" skip
// path: records serialized into a file chunk before the crash must not be double-applied from
// the log (a DELETE that was already durable, for instance, must not un-delete a later SET that
// is also replayed).
func TestRecoverSkipsAlreadyDurableRecords(t *testing.T) {
	dir := t.TempDir()
	cache1, err := pagecache.New(64)
	require.NoError(t, err)
	// A tiny ChunkSize forces the first batch of writes to promote to a file chunk before the
	// second batch is written, so recovery has both a durable chunk and a log tail to replay.
	e1, err := env.Open(env.Config{Dir: dir, ChunkSize: 256, PageCache: cache1})
	require.NoError(t, err)

	require.NoError(t, e1.CreateShard(testDescriptor(1), 1))
	key := storage.ShardKey{ContextID: 1, ShardID: 1}
	for i := 0; i < 40; i++ {
		_, _, err := e1.Set(key, storage.Key(fmt.Sprintf("a-%03d", i)), storage.Value(fmt.Sprintf("v-%03d", i)))
		require.NoError(t, err)
	}
	mustCommit(t, e1)
	waitForFileChunk(t, e1, key)

	for i := 0; i < 10; i++ {
		_, _, err := e1.Set(key, storage.Key(fmt.Sprintf("b-%03d", i)), storage.Value(fmt.Sprintf("w-%03d", i)))
		require.NoError(t, err)
	}
	mustCommit(t, e1)
	require.NoError(t, e1.Close())

	cache2, err := pagecache.New(64)
	require.NoError(t, err)
	e2, err := Recover(env.Config{Dir: dir, ChunkSize: 256, PageCache: cache2})
	require.NoError(t, err)
	defer e2.Close()

	for i := 0; i < 40; i++ {
		v, ok, err := e2.Get(key, storage.Key(fmt.Sprintf("a-%03d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("v-%03d", i), string(v))
	}
	for i := 0; i < 10; i++ {
		v, ok, err := e2.Get(key, storage.Key(fmt.Sprintf("b-%03d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("w-%03d", i), string(v))
	}
}

func TestRecoverPrunesOrphanChunk(t *testing.T) {
	dir := t.TempDir()
	cache1, err := pagecache.New(64)
	require.NoError(t, err)
	e1, err := env.Open(env.Config{Dir: dir, ChunkSize: env.DefaultChunkSize, PageCache: cache1})
	require.NoError(t, err)
	require.NoError(t, e1.CreateShard(testDescriptor(1), 1))
	require.NoError(t, e1.Close())

	// a chunk file with no referencing shard, as if a crash happened between writing it and
	// recording it in the TOC.
	orphanPath := env.ChunksDir(dir) + "/chunk.999"
	require.NoError(t, os.WriteFile(orphanPath, []byte("not a real chunk"), 0o644))

	cache2, err := pagecache.New(64)
	require.NoError(t, err)
	e2, err := Recover(env.Config{Dir: dir, ChunkSize: env.DefaultChunkSize, PageCache: cache2})
	require.NoError(t, err)
	defer e2.Close()

	_, statErr := os.Stat(orphanPath)
	assert.True(t, os.IsNotExist(statErr))
}
