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
Package env implements the storage environment (C6): it owns every shard, the active memo and
file chunks that compose each one, the log segments shards append to, the TOC that makes all of
it durable and recoverable, and the background jobs (serialize, archive) that keep memory
bounded. chunkaccessor.go arbitrates concurrent access to on-disk chunk/segment files between
the environment and the archiver; archiver.go moves sealed log segments to cold storage.
*/
package env

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/golibs/files"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/filechunk"
	"github.com/quorumkv/quorumkv/pkg/storage/logsegment"
	"github.com/quorumkv/quorumkv/pkg/storage/memochunk"
	"github.com/quorumkv/quorumkv/pkg/storage/pagecache"
	"github.com/quorumkv/quorumkv/pkg/storage/toc"
)

const (
	chunksSubdir = "chunks"
	logsSubdir   = "logs"

	// DefaultChunkSize is the memo-chunk promotion threshold (spec.md's worked example uses
	// 64KiB); callers size this to their workload via Config.ChunkSize.
	DefaultChunkSize = 64 << 10
)

// Config controls one Environment instance.
type Config struct {
	// Dir is envPath: the directory holding toc/toc.new, chunks/, and logs/.
	Dir string
	// ChunkSize is the memo-chunk byte-size threshold that triggers promotion to a file chunk.
	ChunkSize int64
	// PageCache is shared across every file chunk this environment opens. Required.
	PageCache *pagecache.Cache
	// Archiver uploads sealed log segments to cold storage. Optional; nil disables archival.
	Archiver *Archiver
	Logger   logging.Logger
}

// LogsDir returns the directory under envPath holding log segment files.
func LogsDir(dir string) string { return filepath.Join(dir, logsSubdir) }

// ChunksDir returns the directory under envPath holding file chunk files.
func ChunksDir(dir string) string { return filepath.Join(dir, chunksSubdir) }

type shardState struct {
	mu    sync.Mutex
	shard storage.Shard
	memo  *memochunk.Chunk
	// sealedMemo is the memo chunk serialize just swapped out of memo, kept reachable here until
	// the file chunk built from it is installed in fileChunks/shard.ChunkIDs. Without this, a Get
	// racing the build/open of that file chunk would find the sealed data in neither memo (already
	// replaced) nor fileChunks (not yet populated).
	sealedMemo *memochunk.Chunk
	// fileChunks holds every open file chunk referenced by shard.ChunkIDs, keyed by ChunkID.
	fileChunks map[storage.ChunkID]*filechunk.Chunk
}

// Environment owns every shard, chunk, and log segment under one envPath, and the TOC that
// makes them durable.
type Environment struct {
	cfg Config

	mu     sync.RWMutex
	shards map[storage.ShardKey]*shardState

	wMu     sync.Mutex
	writers map[uint64]*logsegment.Writer // trackID -> active writer

	cc     *chunkAccessor
	logger logging.Logger
}

// Open creates (if necessary) the on-disk layout under cfg.Dir and recovers whatever TOC is
// present, opening every file chunk it references. An empty (no TOC) directory starts with no
// shards: shards are added with CreateShard.
func Open(cfg Config) (*Environment, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("env: Config.Dir must not be empty: %w", errors.ErrInvalid)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PageCache == nil {
		return nil, fmt.Errorf("env: Config.PageCache must not be nil: %w", errors.ErrInvalid)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("storage.env")
	}
	for _, sub := range []string{chunksSubdir, logsSubdir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("env: creating %s: %w", sub, err)
		}
	}

	e := &Environment{
		cfg:     cfg,
		shards:  make(map[storage.ShardKey]*shardState),
		writers: make(map[uint64]*logsegment.Writer),
		cc:      newChunkAccessor(),
		logger:  cfg.Logger,
	}

	t, err := toc.Load(cfg.Dir)
	if err != nil {
		if errors.Is(err, errors.ErrNotExist) {
			return e, nil
		}
		return nil, fmt.Errorf("env: loading toc: %w", err)
	}
	for _, entry := range t.Entries {
		if err := e.restoreShard(entry); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Environment) restoreShard(te toc.Entry) error {
	st := &shardState{
		shard: storage.Shard{
			Descriptor:           te.Descriptor,
			TrackID:              te.TrackID,
			NextChunkID:          te.DeriveNextChunkID(),
			ChunkIDs:             append([]storage.ChunkID(nil), te.ChunkIDs...),
			RecoveryLogSegmentID: te.RecoveryLogSegmentID,
			RecoveryLogCommandID: te.RecoveryLogCommandID,
		},
		memo:       memochunk.New(te.DeriveNextChunkID()),
		fileChunks: make(map[storage.ChunkID]*filechunk.Chunk),
	}
	st.shard.NextChunkID++ // the memo chunk above just consumed one chunkID

	for _, id := range te.ChunkIDs {
		fc, err := e.openFileChunk(id)
		if err != nil {
			return fmt.Errorf("env: opening chunk %d for shard %v: %w", id, st.shard.Key(), err)
		}
		st.fileChunks[id] = fc
	}

	e.shards[st.shard.Key()] = st
	return nil
}

func (e *Environment) chunkPath(id storage.ChunkID) string {
	return filepath.Join(e.cfg.Dir, chunksSubdir, fmt.Sprintf("chunk.%d", id))
}

func (e *Environment) openFileChunk(id storage.ChunkID) (*filechunk.Chunk, error) {
	buf, err := files.NewMMFile(e.chunkPath(id), -1)
	if err != nil {
		return nil, err
	}
	fc, err := filechunk.Open(buf)
	if err != nil {
		buf.Close()
		return nil, err
	}
	fc.SetCache(e.cfg.PageCache)
	return fc, nil
}

// CreateShard registers a new, empty shard: an empty memo chunk, no file chunks. trackID
// selects the log track the shard's mutations are appended to (see DESIGN.md's Open Question
// decision: a shard not sharing a track with others is simply given trackID == ShardID).
func (e *Environment) CreateShard(desc storage.ShardDescriptor, trackID uint64) error {
	key := storage.ShardKey{ContextID: desc.ContextID, ShardID: desc.ShardID}

	e.mu.Lock()
	if _, exists := e.shards[key]; exists {
		e.mu.Unlock()
		return fmt.Errorf("env: shard %v already exists: %w", key, errors.ErrExist)
	}
	st := &shardState{
		shard: storage.Shard{
			Descriptor:  desc,
			TrackID:     trackID,
			NextChunkID: 2,
		},
		memo:       memochunk.New(1),
		fileChunks: make(map[storage.ChunkID]*filechunk.Chunk),
	}
	e.shards[key] = st
	e.mu.Unlock()

	if err := e.rewriteTOC(); err != nil {
		e.mu.Lock()
		delete(e.shards, key)
		e.mu.Unlock()
		return err
	}
	e.logger.Infof("env: created shard %v on track %d", key, trackID)
	return nil
}

// DeleteShard removes a shard and every file chunk it owns.
func (e *Environment) DeleteShard(key storage.ShardKey) error {
	e.mu.Lock()
	st, ok := e.shards[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("env: shard %v: %w", key, errors.ErrNotExist)
	}
	delete(e.shards, key)
	e.mu.Unlock()

	if err := e.rewriteTOC(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for id, fc := range st.fileChunks {
		e.cfg.PageCache.EvictChunk(id)
		fc.Close()
		if e.cc.setDeleting(fmt.Sprintf("chunk.%d", id)) {
			if err := os.Remove(e.chunkPath(id)); err != nil && !os.IsNotExist(err) {
				e.logger.Warnf("env: removing chunk %d for deleted shard %v: %v", id, key, err)
			}
		}
	}
	e.logger.Infof("env: deleted shard %v", key)
	return nil
}

func (e *Environment) shardState(key storage.ShardKey) (*shardState, error) {
	e.mu.RLock()
	st, ok := e.shards[key]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("env: shard %v: %w", key, errors.ErrNotExist)
	}
	return st, nil
}

// Get resolves key against shard key, checking the active memo chunk first, then file chunks
// from newest to oldest, returning the first match found. A key outside the shard's
// [firstKey, lastKey) range reports errors.ErrWrongShard.
func (e *Environment) Get(key storage.ShardKey, k storage.Key) (storage.Value, bool, error) {
	st, err := e.shardState(key)
	if err != nil {
		return nil, false, err
	}

	st.mu.Lock()
	desc := st.shard.Descriptor
	if !desc.Contains(k) {
		st.mu.Unlock()
		return nil, false, errors.ErrWrongShard
	}
	if v, isDelete, ok := st.memo.Get(k); ok {
		st.mu.Unlock()
		if isDelete {
			return nil, false, nil
		}
		return v, true, nil
	}
	if st.sealedMemo != nil {
		if v, isDelete, ok := st.sealedMemo.Get(k); ok {
			st.mu.Unlock()
			if isDelete {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	ids := append([]storage.ChunkID(nil), st.shard.ChunkIDs...)
	chunks := make(map[storage.ChunkID]*filechunk.Chunk, len(st.fileChunks))
	for id, fc := range st.fileChunks {
		chunks[id] = fc
	}
	st.mu.Unlock()

	sort.Sort(sort.Reverse(chunkIDSlice(ids))) // newest (highest chunkID) first
	for _, id := range ids {
		fc, ok := chunks[id]
		if !ok {
			continue
		}
		v, op, found, err := fc.Get(k)
		if err != nil {
			return nil, false, err
		}
		if found {
			if op == storage.OpDelete {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

type chunkIDSlice []storage.ChunkID

func (s chunkIDSlice) Len() int           { return len(s) }
func (s chunkIDSlice) Less(i, j int) bool { return s[i] < s[j] }
func (s chunkIDSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Set appends a SET record to the shard's log track and applies it to the active memo chunk in
// the same critical section, returning the log position the record was written at. The write
// is not fsynced; call Commit to do that.
func (e *Environment) Set(key storage.ShardKey, k storage.Key, v storage.Value) (segmentID, commandID uint64, err error) {
	return e.apply(key, storage.OpSet, k, v)
}

// Delete appends a DELETE tombstone, analogous to Set.
func (e *Environment) Delete(key storage.ShardKey, k storage.Key) (segmentID, commandID uint64, err error) {
	return e.apply(key, storage.OpDelete, k, nil)
}

func (e *Environment) apply(key storage.ShardKey, op storage.Op, k storage.Key, v storage.Value) (uint64, uint64, error) {
	if err := storage.ValidateKey(k); err != nil {
		return 0, 0, err
	}
	if op == storage.OpSet {
		if err := storage.ValidateValue(v); err != nil {
			return 0, 0, err
		}
	}

	st, err := e.shardState(key)
	if err != nil {
		return 0, 0, err
	}

	st.mu.Lock()
	if !st.shard.Descriptor.Contains(k) {
		st.mu.Unlock()
		return 0, 0, errors.ErrWrongShard
	}
	trackID := st.shard.TrackID
	st.mu.Unlock()

	w, err := e.writerFor(trackID)
	if err != nil {
		return 0, 0, err
	}
	segmentID, commandID, err := w.Append(logsegment.Record{
		ContextID: key.ContextID,
		ShardID:   key.ShardID,
		Op:        op,
		Key:       k,
		Value:     v,
	})
	if err != nil {
		return 0, 0, err
	}

	st.mu.Lock()
	switch op {
	case storage.OpSet:
		st.memo.Set(k, v, segmentID, commandID)
	case storage.OpDelete:
		st.memo.Delete(k, segmentID, commandID)
	}
	needsPromotion := st.memo.ByteSize() > e.cfg.ChunkSize
	st.mu.Unlock()

	if needsPromotion {
		go func() {
			if err := e.serialize(key); err != nil {
				e.logger.Errorf("env: serializing shard %v: %v", key, err)
			}
		}()
	}

	return segmentID, commandID, nil
}

func (e *Environment) writerFor(trackID uint64) (*logsegment.Writer, error) {
	e.wMu.Lock()
	defer e.wMu.Unlock()
	if w, ok := e.writers[trackID]; ok {
		return w, nil
	}
	dir := filepath.Join(e.cfg.Dir, logsSubdir)
	w, err := logsegment.Open(dir, trackID, latestSegmentID(dir, trackID))
	if err != nil {
		return nil, fmt.Errorf("env: opening log track %d: %w", trackID, err)
	}
	e.writers[trackID] = w
	return w, nil
}

// latestSegmentID scans dir for the highest-numbered existing segment of trackID, so a writer
// opened after a restart resumes the track instead of truncating it back to segment 0.
func latestSegmentID(dir string, trackID uint64) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	prefix := fmt.Sprintf("log.%020d.", trackID)
	var max uint64
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		id, err := strconv.ParseUint(name[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		if id > max {
			max = id
		}
	}
	return max
}

// Commit fsyncs every log track with pending writes, then invokes onComplete with the first
// error encountered (nil if every commit succeeded). It corresponds to spec.md's
// "commit(onComplete) — schedules a log-segment commit; onComplete fires after the fsync."
func (e *Environment) Commit(onComplete func(error)) {
	e.wMu.Lock()
	writers := make([]*logsegment.Writer, 0, len(e.writers))
	for _, w := range e.writers {
		writers = append(writers, w)
	}
	e.wMu.Unlock()

	go func() {
		var first error
		for _, w := range writers {
			if err := w.Commit(); err != nil && first == nil {
				first = err
			}
		}
		if onComplete != nil {
			onComplete(first)
		}
	}()
}

// serialize promotes shard's current memo chunk to a file chunk: builds it on disk, opens it,
// appends its ChunkID to the shard, advances recovery coordinates, and rewrites the TOC. Called
// both from the background promotion trigger in apply and synchronously during recovery
// (spec.md §4.7 step 4).
func (e *Environment) serialize(key storage.ShardKey) error {
	st, err := e.shardState(key)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.memo.Len() == 0 {
		st.mu.Unlock()
		return nil
	}
	memo := st.memo
	id := st.shard.NextChunkID
	st.shard.NextChunkID++
	st.memo = memochunk.New(st.shard.NextChunkID)
	st.sealedMemo = memo
	st.shard.NextChunkID++
	useBloom := st.shard.Descriptor.UseBloomFilter
	st.mu.Unlock()

	_, _, maxSeg, maxCmd := memo.LogRange()

	buf, err := files.NewMMFile(e.chunkPath(id), files.BlockSize)
	if err != nil {
		return fmt.Errorf("env: creating chunk %d: %w", id, err)
	}
	if err := filechunk.Build(buf, id, useBloom, maxSeg, maxCmd, filechunk.NewMemoChunkSource(memo.Iterate())); err != nil {
		buf.Close()
		return fmt.Errorf("env: serializing chunk %d: %w", id, err)
	}
	if err := buf.Close(); err != nil {
		return fmt.Errorf("env: closing chunk %d after write: %w", id, err)
	}

	fc, err := e.openFileChunk(id)
	if err != nil {
		return fmt.Errorf("env: reopening freshly-written chunk %d: %w", id, err)
	}

	st.mu.Lock()
	st.fileChunks[id] = fc
	st.shard.ChunkIDs = append(st.shard.ChunkIDs, id)
	sort.Sort(chunkIDSlice(st.shard.ChunkIDs))
	if maxSeg > st.shard.RecoveryLogSegmentID || (maxSeg == st.shard.RecoveryLogSegmentID && maxCmd > st.shard.RecoveryLogCommandID) {
		st.shard.RecoveryLogSegmentID, st.shard.RecoveryLogCommandID = maxSeg, maxCmd
	}
	if st.sealedMemo == memo {
		st.sealedMemo = nil
	}
	st.mu.Unlock()

	if err := e.rewriteTOC(); err != nil {
		return fmt.Errorf("env: recording chunk %d in toc: %w", id, err)
	}
	e.logger.Infof("env: promoted memo chunk to file chunk %d for shard %v", id, key)
	return nil
}

// SplitShard range-splits the shard at key into two: the existing shard keeps [firstKey,
// splitKey) and a new shard, newShardID, owns [splitKey, lastKey). Both start out referencing
// the same file chunks by ID (a physical rewrite that actually separates their data is future
// work — see spec.md §4.6); each gets its own fresh memo chunk.
func (e *Environment) SplitShard(key storage.ShardKey, newShardID storage.ShardID, splitKey storage.Key) error {
	st, err := e.shardState(key)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if !st.shard.Descriptor.Contains(splitKey) {
		st.mu.Unlock()
		return fmt.Errorf("env: split key out of range for shard %v: %w", key, errors.ErrInvalid)
	}
	newDesc := st.shard.Descriptor
	newDesc.ShardID = newShardID
	newDesc.FirstKey = splitKey
	sharedChunks := append([]storage.ChunkID(nil), st.shard.ChunkIDs...)
	nextChunkID := st.shard.NextChunkID
	fileChunks := make(map[storage.ChunkID]*filechunk.Chunk, len(st.fileChunks))
	for id, fc := range st.fileChunks {
		fileChunks[id] = fc
	}
	st.shard.Descriptor.LastKey = splitKey
	st.mu.Unlock()

	newKey := storage.ShardKey{ContextID: newDesc.ContextID, ShardID: newShardID}
	newSt := &shardState{
		shard: storage.Shard{
			Descriptor:  newDesc,
			TrackID:     nextChunkID, // new track avoids colliding with the parent's log track
			NextChunkID: nextChunkID + 1,
			ChunkIDs:    sharedChunks,
		},
		memo:       memochunk.New(nextChunkID),
		fileChunks: fileChunks,
	}

	e.mu.Lock()
	if _, exists := e.shards[newKey]; exists {
		e.mu.Unlock()
		return fmt.Errorf("env: shard %v already exists: %w", newKey, errors.ErrExist)
	}
	e.shards[newKey] = newSt
	e.mu.Unlock()

	if err := e.rewriteTOC(); err != nil {
		e.mu.Lock()
		delete(e.shards, newKey)
		e.mu.Unlock()
		return err
	}
	e.logger.Infof("env: split shard %v at key into new shard %v", key, newKey)
	return nil
}

// Shards returns the keys of every shard currently registered, in no particular order. Used by
// recovery to walk every shard without reaching into Environment's internals.
func (e *Environment) Shards() []storage.ShardKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]storage.ShardKey, 0, len(e.shards))
	for k := range e.shards {
		keys = append(keys, k)
	}
	return keys
}

// ChunkIDs returns the file chunk IDs currently composing shard key, ascending.
func (e *Environment) ChunkIDs(key storage.ShardKey) ([]storage.ChunkID, error) {
	st, err := e.shardState(key)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]storage.ChunkID(nil), st.shard.ChunkIDs...), nil
}

// TrackID returns the log track shard key is assigned to.
func (e *Environment) TrackID(key storage.ShardKey) (uint64, error) {
	st, err := e.shardState(key)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.shard.TrackID, nil
}

// RecomputeRecoveryPosition recomputes shard key's (recoveryLogSegmentID, recoveryLogCommandID)
// as the max over its currently-open file chunks' MaxLogPosition, per spec.md §4.7 step 2, and
// stores the result on the shard (recovery trusts the chunks themselves over whatever the TOC
// happened to have recorded last).
func (e *Environment) RecomputeRecoveryPosition(key storage.ShardKey) (segmentID, commandID uint64, err error) {
	st, err := e.shardState(key)
	if err != nil {
		return 0, 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, fc := range st.fileChunks {
		seg, cmd := fc.MaxLogPosition()
		if seg > segmentID || (seg == segmentID && cmd > commandID) {
			segmentID, commandID = seg, cmd
		}
	}
	st.shard.RecoveryLogSegmentID, st.shard.RecoveryLogCommandID = segmentID, commandID
	return segmentID, commandID, nil
}

// IsDurable reports whether (segmentID, commandID) is already captured by one of key's file
// chunks, per spec.md §4.7 step 3's skip-if-already-durable rule.
func (e *Environment) IsDurable(key storage.ShardKey, segmentID, commandID uint64) (bool, error) {
	st, err := e.shardState(key)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if segmentID < st.shard.RecoveryLogSegmentID {
		return true, nil
	}
	return segmentID == st.shard.RecoveryLogSegmentID && commandID <= st.shard.RecoveryLogCommandID, nil
}

// ApplyRecoveredRecord applies a log record read back from a segment directly to key's active
// memo chunk, without re-appending it to the log (it is already durable there). Used only during
// recovery replay; apply is used for the live write path.
func (e *Environment) ApplyRecoveredRecord(key storage.ShardKey, op storage.Op, k storage.Key, v storage.Value, segmentID, commandID uint64) error {
	st, err := e.shardState(key)
	if err != nil {
		return err
	}
	st.mu.Lock()
	switch op {
	case storage.OpSet:
		st.memo.Set(k, v, segmentID, commandID)
	case storage.OpDelete:
		st.memo.Delete(k, segmentID, commandID)
	}
	st.mu.Unlock()
	return nil
}

// SerializeIfOverThreshold promotes key's active memo chunk to a file chunk if it currently
// exceeds cfg.ChunkSize, synchronously. Recovery calls this between log segments (spec.md §4.7
// step 4) so replay memory stays bounded; the live write path instead dispatches serialize
// asynchronously from apply.
func (e *Environment) SerializeIfOverThreshold(key storage.ShardKey) error {
	st, err := e.shardState(key)
	if err != nil {
		return err
	}
	st.mu.Lock()
	over := st.memo.ByteSize() > e.cfg.ChunkSize
	st.mu.Unlock()
	if !over {
		return nil
	}
	return e.serialize(key)
}

// PruneOrphanChunks removes any chunk.<id> file under envPath/chunks that is not referenced by
// any currently-registered shard, per spec.md §4.7 step 5.
func (e *Environment) PruneOrphanChunks() error {
	referenced := make(map[storage.ChunkID]struct{})
	e.mu.RLock()
	for _, st := range e.shards {
		st.mu.Lock()
		for _, id := range st.shard.ChunkIDs {
			referenced[id] = struct{}{}
		}
		st.mu.Unlock()
	}
	e.mu.RUnlock()

	dir := filepath.Join(e.cfg.Dir, chunksSubdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("env: listing %s: %w", dir, err)
	}
	for _, ent := range entries {
		var id uint64
		if _, err := fmt.Sscanf(ent.Name(), "chunk.%d", &id); err != nil {
			continue
		}
		if _, ok := referenced[storage.ChunkID(id)]; ok {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("env: removing orphan chunk %s: %w", path, err)
		}
		e.logger.Infof("env: pruned orphan chunk %s", ent.Name())
	}
	return nil
}

// SaveTOC rewrites the TOC from the current in-memory shard state. Exported so recovery can
// persist the recomputed recovery positions and replayed chunk lists once replay completes.
func (e *Environment) SaveTOC() error {
	return e.rewriteTOC()
}

// rewriteTOC serializes every shard's current state and atomically rewrites the TOC, per
// spec.md's "on every file-chunk commit-to-TOC event" rule.
func (e *Environment) rewriteTOC() error {
	e.mu.RLock()
	t := &toc.TOC{Entries: make([]toc.Entry, 0, len(e.shards))}
	for _, st := range e.shards {
		st.mu.Lock()
		t.Entries = append(t.Entries, toc.Entry{
			Descriptor:           st.shard.Descriptor,
			TrackID:              st.shard.TrackID,
			RecoveryLogSegmentID: st.shard.RecoveryLogSegmentID,
			RecoveryLogCommandID: st.shard.RecoveryLogCommandID,
			ChunkIDs:             append([]storage.ChunkID(nil), st.shard.ChunkIDs...),
		})
		st.mu.Unlock()
	}
	e.mu.RUnlock()
	return toc.Save(e.cfg.Dir, t)
}

// ArchiveSealedSegments archives every segment of trackID older than the one currently being
// written, once every shard multiplexed onto that track has recorded it as durable (its
// RecoveryLogSegmentID exceeds the candidate), per spec.md's "old log segments are... eligible
// for archival once every shard's maxLogSegmentID exceeds them." A nil Archiver makes this a
// no-op.
func (e *Environment) ArchiveSealedSegments(ctx context.Context, trackID uint64) error {
	if e.cfg.Archiver == nil {
		return nil
	}

	e.wMu.Lock()
	w, ok := e.writers[trackID]
	e.wMu.Unlock()
	if !ok {
		return nil
	}
	current := w.SegmentID()

	e.mu.RLock()
	minRecovery := uint64(math.MaxUint64)
	found := false
	for _, st := range e.shards {
		st.mu.Lock()
		if st.shard.TrackID == trackID {
			found = true
			if st.shard.RecoveryLogSegmentID < minRecovery {
				minRecovery = st.shard.RecoveryLogSegmentID
			}
		}
		st.mu.Unlock()
	}
	e.mu.RUnlock()
	if !found {
		return nil
	}

	dir := filepath.Join(e.cfg.Dir, logsSubdir)
	for segID := uint64(0); segID < current && segID < minRecovery; segID++ {
		path := filepath.Join(dir, logsegment.FileName(trackID, segID))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := e.cfg.Archiver.ArchiveSegment(ctx, trackID, segID); err != nil {
			return fmt.Errorf("env: archiving track %d segment %d: %w", trackID, segID, err)
		}
	}
	return nil
}

// Close flushes and releases every open log writer and file chunk.
func (e *Environment) Close() error {
	e.wMu.Lock()
	for _, w := range e.writers {
		w.Close()
	}
	e.wMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.shards {
		st.mu.Lock()
		for _, fc := range st.fileChunks {
			fc.Close()
		}
		st.mu.Unlock()
	}
	return e.cc.Close()
}
