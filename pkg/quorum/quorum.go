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
Package quorum glues one shard group's pkg/paxoslease, pkg/replog and pkg/storage/env together
into the quorum context of spec.md §4.11: the unit that actually owns a shard's replicated
writes. One Context runs per quorum, on every node that replicates it. The node holding the
lease proposes; every node (including the proposer) applies every chosen write to its own
Environment in the order the replicated log delivers them, so all replicas converge.
*/
package quorum

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/pkg/paxos"
	"github.com/quorumkv/quorumkv/pkg/paxoslease"
	"github.com/quorumkv/quorumkv/pkg/replog"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/env"
	"github.com/quorumkv/quorumkv/pkg/storage/logsegment"
)

type appendOutcome struct {
	applied bool
	err     error
}

// Context serves one shard's writes over a replicated log. Readers hit the local Environment
// directly (pkg/storage/env.Environment.Get); only writes flow through here.
type Context struct {
	shard storage.ShardKey
	lease *paxoslease.Manager
	log   *replog.Log
	env   *env.Environment

	logger logging.Logger

	// OnLearnLease/OnLeaseTimeout/OnStartCatchup/OnCatchupComplete let a caller (pkg/cluster,
	// metrics, the control plane) observe this quorum's lifecycle; all are optional.
	OnLearnLease      func(paxoslease.Lease)
	OnLeaseTimeout    func()
	OnStartCatchup    func()
	OnCatchupComplete func(paxos.PaxosID)

	mu              sync.Mutex
	multipaxosReady bool // true once this node's lease is confirmed current AND local storage is caught up
	pendingPaxosID  paxos.PaxosID
	pendingResult   chan appendOutcome
	hasPending      bool
}

// New wires a Context for one shard around an already-constructed lease manager and replicated
// log (both sharing the same underlying paxos.Node) and the Environment writes get applied to.
func New(shard storage.ShardKey, lease *paxoslease.Manager, log *replog.Log, environment *env.Environment) *Context {
	c := &Context{
		shard:  shard,
		lease:  lease,
		log:    log,
		env:    environment,
		logger: logging.NewLogger("quorum.Context"),
	}
	log.OnAppend = c.onAppend
	log.OnStartCatchup = c.onStartCatchup
	log.OnCatchupComplete = c.onCatchupComplete
	lease.OnLearnLease = c.onLearnLease
	lease.OnLeaseTimeout = c.onLeaseTimeout
	return c
}

// IsLeader reports whether this node may serve writes for the shard right now: it must hold the
// lease AND have finished reconciling local storage up to the replicated log's current position.
// A freshly-learned lease does not flip this true until any outstanding catch-up completes, so a
// node that just won an election never serves a fast-path write against stale local state.
func (c *Context) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease.IsLeader() && c.multipaxosReady
}

// Append proposes one application write (Set or Delete) through the replicated log and applies
// it locally once chosen, returning once the write this call proposed has either been durably
// chosen or lost a race to a different writer's value for the same log instance. A second call
// while a write is already pending on this context is refused with an error, mirroring the replicated log's
// own one-instance-at-a-time semantics.
func (c *Context) Append(ctx context.Context, op storage.Op, key storage.Key, value storage.Value) error {
	record := logsegment.Record{ContextID: c.shard.ContextID, ShardID: c.shard.ShardID, Op: op, Key: key, Value: value}
	payload := encodeWrite(record)
	if len(payload) == 0 {
		return fmt.Errorf("quorum: refusing to append an empty write")
	}

	c.mu.Lock()
	if c.hasPending {
		c.mu.Unlock()
		return fmt.Errorf("quorum: shard %v already has a write in flight", c.shard)
	}
	paxosID := c.log.Next()
	result := make(chan appendOutcome, 1)
	c.pendingPaxosID = paxosID
	c.pendingResult = result
	c.hasPending = true
	c.mu.Unlock()

	clearPending := func() {
		c.mu.Lock()
		if c.hasPending && c.pendingPaxosID == paxosID {
			c.hasPending = false
		}
		c.mu.Unlock()
	}

	if err := c.log.Append(ctx, payload); err != nil {
		clearPending()
		return err
	}

	select {
	case outcome := <-result:
		if outcome.err != nil {
			return outcome.err
		}
		if !outcome.applied {
			return fmt.Errorf("quorum: shard %v: a competing write won paxosID=%d", c.shard, paxosID)
		}
		return nil
	case <-ctx.Done():
		clearPending()
		return ctx.Err()
	}
}

// onAppend is the replicated log's per-instance delivery callback: it applies the chosen write
// to every replica's Environment (including the proposer's, so there is exactly one code path
// from "chosen" to "on disk") and wakes up a matching in-flight Append, if any.
func (c *Context) onAppend(paxosID paxos.PaxosID, value paxos.Value, ownAppend bool) {
	record, err := decodeWrite(value)
	if err != nil {
		c.logger.Warnf("shard %v: paxosID=%d: %v", c.shard, paxosID, err)
		c.completePending(paxosID, appendOutcome{err: err})
		return
	}

	var applyErr error
	switch record.Op {
	case storage.OpSet:
		_, _, applyErr = c.env.Set(c.shard, record.Key, record.Value)
	case storage.OpDelete:
		_, _, applyErr = c.env.Delete(c.shard, record.Key)
	default:
		applyErr = fmt.Errorf("quorum: shard %v: paxosID=%d: unrecognized op %v", c.shard, paxosID, record.Op)
	}
	if applyErr != nil {
		c.logger.Warnf("shard %v: paxosID=%d: applying chosen write: %v", c.shard, paxosID, applyErr)
		c.completePending(paxosID, appendOutcome{err: applyErr})
		return
	}

	c.env.Commit(func(err error) {
		if err != nil {
			c.logger.Warnf("shard %v: paxosID=%d: commit: %v", c.shard, paxosID, err)
		}
		c.completePending(paxosID, appendOutcome{applied: ownAppend, err: err})
	})
}

func (c *Context) completePending(paxosID paxos.PaxosID, outcome appendOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasPending && c.pendingPaxosID == paxosID {
		c.pendingResult <- outcome
		c.hasPending = false
	}
}

// onLearnLease fires whenever the lease manager learns a new term (win or loss). Winning does
// not immediately enable the fast path — a pending catch-up must finish first — but losing, or
// learning someone else now owns it, always clears readiness right away.
func (c *Context) onLearnLease(lease paxoslease.Lease) {
	c.mu.Lock()
	if c.lease.IsLeader() && c.log.State() != replog.StateCatchingUp {
		c.multipaxosReady = true
	} else if !c.lease.IsLeader() {
		c.multipaxosReady = false
	}
	c.mu.Unlock()

	if c.OnLearnLease != nil {
		c.OnLearnLease(lease)
	}
}

// onLeaseTimeout fires when this node's own lease expires without having been renewed: every
// write still waiting on this shard is failed transiently (the client should retry once a new
// leader is elected) and the fast path is disabled until the next win.
func (c *Context) onLeaseTimeout() {
	c.mu.Lock()
	c.multipaxosReady = false
	if c.hasPending {
		c.pendingResult <- appendOutcome{err: fmt.Errorf("quorum: shard %v: %w", c.shard, errors.ErrNoService)}
		c.hasPending = false
	}
	c.mu.Unlock()

	if c.OnLeaseTimeout != nil {
		c.OnLeaseTimeout()
	}
}

func (c *Context) onStartCatchup() {
	c.mu.Lock()
	c.multipaxosReady = false
	c.mu.Unlock()

	if c.OnStartCatchup != nil {
		c.OnStartCatchup()
	}
}

func (c *Context) onCatchupComplete(paxosID paxos.PaxosID) {
	c.mu.Lock()
	if c.lease.IsLeader() {
		c.multipaxosReady = true
	}
	c.mu.Unlock()

	if c.OnCatchupComplete != nil {
		c.OnCatchupComplete(paxosID)
	}
}
