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
Package storage holds the domain types shared by every storage sub-package: the key/value
model, shard descriptors and the chunk/storage-type vocabulary that pages, log segments,
memo chunks, file chunks, the page cache, the TOC, the storage environment and recovery
all build on.
*/
package storage

import (
	"bytes"
	"fmt"

	"github.com/quorumkv/quorumkv/golibs/errors"
)

const (
	// MaxKeySize is the largest key accepted anywhere in the system (DATABASE_KEY_SIZE).
	MaxKeySize = 1 << 10
	// MaxValueSize is the largest value accepted anywhere in the system (DATABASE_VAL_SIZE).
	MaxValueSize = 16 << 20
	// MaxReplicationSize bounds the size of a single Paxos value (DATABASE_REPLICATION_SIZE).
	MaxReplicationSize = 4 << 20
)

type (
	// ContextID identifies a tenant/context a table belongs to.
	ContextID uint64

	// TableID identifies a table within a context.
	TableID uint64

	// ShardID identifies a shard within a table. Shards are unique per (ContextID, ShardID).
	ShardID uint64

	// ChunkID is a 64-bit monotonically increasing identifier shared by memo chunks and file
	// chunks. Higher chunkID means newer: at lookup time newer chunks override older ones.
	ChunkID uint64

	// Key is a byte string, ordered lexicographically.
	Key []byte

	// Value is a byte string associated with a Key by a SET operation.
	Value []byte

	// Op is the kind of mutation a record represents, either in a log segment block or inside
	// a memo/file chunk.
	Op byte
)

const (
	// OpSet stores or overwrites value for key.
	OpSet Op = iota + 1
	// OpDelete removes key, masking any value for it in older chunks.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", byte(o))
	}
}

// StorageType controls whether a shard's file chunks carry full key/value data ("normal") or
// only operate as a replicated append log without chunk compaction ("log").
type StorageType byte

const (
	// StorageNormal is the default: shard state is compacted into memo/file chunks.
	StorageNormal StorageType = iota
	// StorageLog keeps the shard as a pure log of operations, never compacted into file chunks.
	StorageLog
)

func (st StorageType) String() string {
	switch st {
	case StorageNormal:
		return "normal"
	case StorageLog:
		return "log"
	default:
		return fmt.Sprintf("StorageType(%d)", byte(st))
	}
}

// ShardDescriptor is the shard's identity and key-range as recorded in the TOC and used by
// the control plane to route requests. An empty FirstKey means -inf, an empty LastKey +inf.
type ShardDescriptor struct {
	ContextID      ContextID
	TableID        TableID
	ShardID        ShardID
	FirstKey       Key
	LastKey        Key
	UseBloomFilter bool
	StorageType    StorageType
}

// Contains reports whether key falls within [FirstKey, LastKey).
func (sd ShardDescriptor) Contains(key Key) bool {
	if len(sd.FirstKey) > 0 && CompareKeys(key, sd.FirstKey) < 0 {
		return false
	}
	if len(sd.LastKey) > 0 && CompareKeys(key, sd.LastKey) >= 0 {
		return false
	}
	return true
}

// CompareKeys orders two keys lexicographically by byte value.
func CompareKeys(a, b Key) int {
	return bytes.Compare(a, b)
}

// ValidateKey checks the key satisfies MaxKeySize and is non-empty.
func ValidateKey(k Key) error {
	if len(k) == 0 {
		return fmt.Errorf("key must not be empty: %w", errors.ErrInvalid)
	}
	if len(k) > MaxKeySize {
		return fmt.Errorf("key size=%d exceeds MaxKeySize=%d: %w", len(k), MaxKeySize, errors.ErrInvalid)
	}
	return nil
}

// ValidateValue checks the value satisfies MaxValueSize.
func ValidateValue(v Value) error {
	if len(v) > MaxValueSize {
		return fmt.Errorf("value size=%d exceeds MaxValueSize=%d: %w", len(v), MaxValueSize, errors.ErrInvalid)
	}
	return nil
}

// Record is a single key/value mutation, as stored in a memo chunk, a file chunk data page or
// a log segment block.
type Record struct {
	Op    Op
	Key   Key
	Value Value
}

// Shard bundles a descriptor with the (RecoveryLogSegmentID, RecoveryLogCommandID) recovery
// position: the newest log record whose effects are captured by the shard's current set of
// chunks. Replay must skip any log record at or below that position.
type Shard struct {
	Descriptor ShardDescriptor

	// TrackID selects the log track (the `log.<trackID>.*` file family) this shard's mutations
	// are appended to. One quorum may multiplex several shards onto the same track; absent a
	// control-plane-assigned value, a shard is given its own track equal to its ShardID.
	TrackID uint64

	NextChunkID ChunkID
	ChunkIDs    []ChunkID // ascending, newer overrides older

	RecoveryLogSegmentID uint64
	RecoveryLogCommandID uint64
}

// Key returns the (ContextID, ShardID) pair that uniquely identifies a shard.
func (s *Shard) Key() ShardKey {
	return ShardKey{ContextID: s.Descriptor.ContextID, ShardID: s.Descriptor.ShardID}
}

// ShardKey is the (ContextID, ShardID) identity of a shard: at most one Shard object exists
// for any given ShardKey.
type ShardKey struct {
	ContextID ContextID
	ShardID   ShardID
}

func (sk ShardKey) String() string {
	return fmt.Sprintf("%d/%d", sk.ContextID, sk.ShardID)
}
