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
package quorum

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/pkg/paxos"
	"github.com/quorumkv/quorumkv/pkg/paxoslease"
	"github.com/quorumkv/quorumkv/pkg/replog"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/env"
	"github.com/quorumkv/quorumkv/pkg/storage/logsegment"
	"github.com/quorumkv/quorumkv/pkg/storage/pagecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTransport struct {
	self  paxos.NodeID
	peers []paxos.NodeID
	nodes map[paxos.NodeID]*paxos.Node
}

func (t *memTransport) Peers() []paxos.NodeID { return t.peers }

func (t *memTransport) Send(to paxos.NodeID, msg paxos.Msg) error {
	node := t.nodes[to]
	if node == nil {
		return nil
	}
	go node.Dispatch(msg)
	return nil
}

type replica struct {
	node *paxos.Node
	env  *env.Environment
	ctx  *Context
}

func testDescriptor(shardID storage.ShardID) storage.ShardDescriptor {
	return storage.ShardDescriptor{ContextID: 1, TableID: 1, ShardID: shardID, StorageType: storage.StorageNormal}
}

func newCluster(t *testing.T, n int) ([]*replica, storage.ShardKey) {
	t.Helper()
	peers := make([]paxos.NodeID, n)
	for i := range peers {
		peers[i] = paxos.NodeID(i + 1)
	}
	nodes := make(map[paxos.NodeID]*paxos.Node, n)
	key := storage.ShardKey{ContextID: 1, ShardID: 1}

	replicas := make([]*replica, n)
	for i, id := range peers {
		tr := &memTransport{self: id, peers: peers, nodes: nodes}
		store, err := paxos.OpenStore(paxos.StoreConfig{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		node := paxos.NewNode(id, tr, store, 1)
		nodes[id] = node

		cache, err := pagecache.New(64)
		require.NoError(t, err)
		e, err := env.Open(env.Config{Dir: t.TempDir(), ChunkSize: env.DefaultChunkSize, PageCache: cache})
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		require.NoError(t, e.CreateShard(testDescriptor(1), uint64(id)))

		lease := paxoslease.NewManager(id, node, paxos.PaxosID(0))
		log := replog.New(id, node, lease)
		ctx := New(key, lease, log, e)

		replicas[i] = &replica{node: node, env: e, ctx: ctx}
	}
	return replicas, key
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestAppendWinsElectionThenReplicatesToEveryReplica exercises the whole path: acquire the
// lease, append a Set through the replicated log, and confirm every replica's Environment (not
// just the proposer's) observes the write.
func TestAppendWinsElectionThenReplicatesToEveryReplica(t *testing.T) {
	replicas, key := newCluster(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	leader := replicas[0]
	leaderLease := leader.ctx.lease
	_, err := leaderLease.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)
	waitFor(t, time.Second, leader.ctx.IsLeader)

	require.NoError(t, leader.ctx.Append(ctx, storage.OpSet, storage.Key("k1"), storage.Value("v1")))

	for _, r := range replicas {
		waitFor(t, time.Second, func() bool {
			v, ok, err := r.env.Get(key, storage.Key("k1"))
			return err == nil && ok && string(v) == "v1"
		})
	}
}

// TestAppendRefusesConcurrentWriteOnSameContext ensures a second Append cannot be started while
// one is already in flight for the same context's single pending-write slot.
func TestAppendRefusesConcurrentWriteOnSameContext(t *testing.T) {
	replicas, _ := newCluster(t, 1)
	leader := replicas[0]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := leader.ctx.lease.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)

	leader.ctx.mu.Lock()
	leader.ctx.hasPending = true
	leader.ctx.pendingPaxosID = 0
	leader.ctx.pendingResult = make(chan appendOutcome, 1)
	leader.ctx.mu.Unlock()

	err = leader.ctx.Append(ctx, storage.OpSet, storage.Key("k"), storage.Value("v"))
	assert.Error(t, err)
}

func TestEncodeDecodeWriteRoundTrip(t *testing.T) {
	for i, r := range []struct {
		op    storage.Op
		key   storage.Key
		value storage.Value
	}{
		{storage.OpSet, storage.Key("hello"), storage.Value("world")},
		{storage.OpDelete, storage.Key("gone"), nil},
		{storage.OpSet, storage.Key(""), storage.Value("")},
	} {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			rec := logsegment.Record{ContextID: 1, ShardID: 1, Op: r.op, Key: r.key, Value: r.value}
			encoded := encodeWrite(rec)
			decoded, err := decodeWrite(encoded)
			require.NoError(t, err)
			assert.Equal(t, r.op, decoded.Op)
			assert.Equal(t, r.key, decoded.Key)
			if r.op == storage.OpSet {
				assert.Equal(t, r.value, decoded.Value)
			}
		})
	}
}
