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
Package controlplane describes, as interfaces only, the external collaborator spec.md §1 scopes
out of this module: cluster membership, shard placement, and migration/split orchestration. This
core never implements these — it only calls them (ShardDirectory, to resolve which quorum and
nodes own a shard) and is called by them (MigrationNotifier, when placement changes). A real
control plane lives in its own service and satisfies these interfaces from wherever it keeps
cluster state.
*/
package controlplane

import (
	"context"

	"github.com/quorumkv/quorumkv/pkg/paxos"
	"github.com/quorumkv/quorumkv/pkg/storage"
)

// QuorumID identifies one replication quorum — the unit pkg/quorum.Context and pkg/cluster's
// frame routing key on. A shard belongs to exactly one quorum at a time; a split creates a new
// QuorumID for the new shard.
type QuorumID uint64

// Placement is where a control plane currently believes one shard lives: which quorum serves it,
// and which cluster nodes replicate that quorum.
type Placement struct {
	Shard   storage.ShardKey
	Quorum  QuorumID
	Members []paxos.NodeID
}

// ShardDirectory answers "who owns this shard right now". The core consults it to route a
// client's request for a key to the right quorum (and, if it isn't the leader, to know where to
// forward); it never mutates placement itself, only observes it.
type ShardDirectory interface {
	// Lookup resolves the current Placement for shard. Returns storage.ErrNotExist (via
	// golibs/errors) if the shard is unknown to the control plane.
	Lookup(ctx context.Context, shard storage.ShardKey) (Placement, error)

	// Watch streams Placement updates for shard until ctx is canceled: an initial value
	// followed by one update per subsequent change (migration, split, membership change).
	// Implementations close the returned channel when ctx is done or the shard is deleted.
	Watch(ctx context.Context, shard storage.ShardKey) (<-chan Placement, error)
}

// MigrationKind distinguishes the two placement-changing operations a control plane may drive.
type MigrationKind int

const (
	// MigrationMove relocates a whole shard to a different quorum (membership change, rebalance).
	MigrationMove MigrationKind = iota
	// MigrationSplit divides one shard into two at a key, each under its own QuorumID afterward.
	MigrationSplit
)

// MigrationEvent is what a control plane pushes to a running quorum context when it decides to
// move or split one of the shards that context serves.
type MigrationEvent struct {
	Kind   MigrationKind
	Shard  storage.ShardKey
	Target Placement

	// SplitKey is set only for MigrationSplit: storage.ShardDescriptor.Contains(SplitKey) holds
	// for the new (higher) shard, matching pkg/storage/env.Environment.SplitShard's own
	// first-key/split-key convention.
	SplitKey storage.Key
}

// MigrationNotifier is how a control plane tells a running node's quorum contexts to start a
// migration or split. The core only reacts to these calls (draining in-flight writes, handing
// off the lease, calling Environment.SplitShard) — it never decides to migrate or split on its
// own initiative.
type MigrationNotifier interface {
	// NotifyMigration delivers one MigrationEvent. Implementations should treat repeated
	// delivery of the same event (e.g. after a control-plane restart) as idempotent; the core
	// is responsible for ignoring an event that no longer matches its local state.
	NotifyMigration(ctx context.Context, event MigrationEvent) error
}
