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
Package paxoslease implements a time-bounded leader lease layered on the same acceptor set as
pkg/paxos: a candidate runs a Paxos-style two-phase vote over a lease term, and acceptance by a
majority grants it exclusive ownership for a bounded, real-time window. Unlike a replicated log
slot, a lease PaxosID is reused across terms — each election simply proposes a new, disjoint
LeaseTerm.
*/
package paxoslease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/timeout"
	"github.com/quorumkv/quorumkv/pkg/paxos"
)

// SafetyMargin is subtracted from a learned lease's remaining duration before a learner treats
// it as valid, bounding the blast radius of clock drift between nodes (spec.md §4.9).
const SafetyMargin = 500 * time.Millisecond

// LeaseTerm is the value a candidate proposes: which node wants the lease, for how long, and the
// candidate's own local-clock time (unix millis) at the moment it proposed.
type LeaseTerm struct {
	Owner           paxos.NodeID `json:"owner"`
	DurationMS      int64        `json:"durationMs"`
	LocalExpireTime int64        `json:"localExpireTime"` // unix millis, candidate's own clock
}

// Encode/Decode give LeaseTerm a stable byte representation to carry inside paxos.Value.
func (t LeaseTerm) Encode() paxos.Value {
	return paxos.Value(fmt.Sprintf("%d:%d:%d", t.Owner, t.DurationMS, t.LocalExpireTime))
}

// DecodeLeaseTerm parses the Encode format.
func DecodeLeaseTerm(v paxos.Value) (LeaseTerm, error) {
	var t LeaseTerm
	var owner uint16
	n, err := fmt.Sscanf(string(v), "%d:%d:%d", &owner, &t.DurationMS, &t.LocalExpireTime)
	if err != nil || n != 3 {
		return LeaseTerm{}, fmt.Errorf("paxoslease: malformed lease term %q: %w", v, err)
	}
	t.Owner = paxos.NodeID(owner)
	return t, nil
}

// Lease is what a node currently believes about ownership of one PaxosID's lease: who holds it,
// and the absolute wall-clock deadline (already safety-margined) past which it must no longer be
// trusted.
type Lease struct {
	Owner    paxos.NodeID
	ExpireAt time.Time
}

// IsHeldBy reports whether self currently (as of now) holds this lease.
func (l Lease) IsHeldBy(self paxos.NodeID, now time.Time) bool {
	return l.Owner == self && now.Before(l.ExpireAt)
}

// Manager runs lease elections for one PaxosID over a shared paxos.Node, and tracks the
// currently-learned lease so callers (the quorum context, C11) can cheaply ask "do I hold the
// lease right now".
type Manager struct {
	self    paxos.NodeID
	node    *paxos.Node
	paxosID paxos.PaxosID
	logger  logging.Logger

	// OnLearnLease fires every time a new lease term is learned, including the node's own.
	OnLearnLease func(Lease)
	// OnLeaseTimeout fires when a previously-held-by-self lease's safety-margined deadline passes
	// with no newer term learned.
	OnLeaseTimeout func()

	mu          sync.Mutex
	current     Lease
	expireTimer timeout.Future
}

// NewManager creates a lease Manager for paxosID, riding on node's existing Paxos wiring.
func NewManager(self paxos.NodeID, node *paxos.Node, paxosID paxos.PaxosID) *Manager {
	m := &Manager{
		self:    self,
		node:    node,
		paxosID: paxosID,
		logger:  logging.NewLogger("paxoslease.Manager"),
	}
	node.Learner.OnChosen = m.onChosenWrapper(node.Learner.OnChosen)
	return m
}

// onChosenWrapper preserves any previously-registered OnChosen (callers may share one Learner
// across several lease Managers keyed by distinct PaxosIDs; each wraps the last).
func (m *Manager) onChosenWrapper(prev func(paxos.PaxosID, paxos.Value)) func(paxos.PaxosID, paxos.Value) {
	return func(id paxos.PaxosID, value paxos.Value) {
		if prev != nil {
			prev(id, value)
		}
		if id != m.paxosID {
			return
		}
		term, err := DecodeLeaseTerm(value)
		if err != nil {
			m.logger.Warnf("paxosID=%d: %v", id, err)
			return
		}
		m.learn(term)
	}
}

func (m *Manager) learn(term LeaseTerm) {
	// Each learner measures the lease window from its own Now(), not the candidate's
	// LocalExpireTime: trusting a remote clock for the conservative deadline would defeat the
	// safety margin's purpose. The candidate's LocalExpireTime instead anchors the real,
	// quorum-wide expiry used to reason about the no-overlap invariant across nodes.
	now := time.Now()
	expireAt := now.Add(time.Duration(term.DurationMS) * time.Millisecond).Add(-SafetyMargin)

	m.mu.Lock()
	m.current = Lease{Owner: term.Owner, ExpireAt: expireAt}
	if m.expireTimer != nil {
		m.expireTimer.Cancel()
	}
	remaining := expireAt.Sub(now)
	var fired timeout.Future = timeout.VoidFuture
	if term.Owner == m.self && remaining > 0 {
		fired = timeout.Call(m.fireTimeout, remaining)
	}
	m.expireTimer = fired
	m.mu.Unlock()

	m.logger.Infof("paxosID=%d lease learned: owner=%d expireAt=%s", m.paxosID, term.Owner, expireAt)
	if m.OnLearnLease != nil {
		m.OnLearnLease(m.current)
	}
}

func (m *Manager) fireTimeout() {
	m.mu.Lock()
	stillMine := m.current.Owner == m.self
	m.mu.Unlock()
	if stillMine && m.OnLeaseTimeout != nil {
		m.OnLeaseTimeout()
	}
}

// Current returns the lease this node currently believes is in force.
func (m *Manager) Current() Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsLeader reports whether self holds the lease right now.
func (m *Manager) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.IsHeldBy(m.self, time.Now())
}

// Acquire runs a single lease election round for duration, proposing self as owner. It returns
// once the round either wins (this node now holds the lease, until the returned Lease's
// ExpireAt) or some other value was chosen instead (another node holds it). Callers re-vote
// themselves before their own lease's ExpireAt, since leases are never renewed by extension.
func (m *Manager) Acquire(ctx context.Context, duration time.Duration) (Lease, error) {
	term := LeaseTerm{
		Owner:           m.self,
		DurationMS:      duration.Milliseconds(),
		LocalExpireTime: time.Now().UnixMilli(),
	}
	chosenValue, err := m.node.Propose(ctx, m.paxosID, term.Encode())
	if err != nil {
		return Lease{}, fmt.Errorf("paxoslease: election for paxosID=%d failed: %w", m.paxosID, err)
	}
	chosenTerm, err := DecodeLeaseTerm(chosenValue)
	if err != nil {
		return Lease{}, err
	}
	// learn() may already have fired from the LEARN_CHOSEN broadcast this same Propose triggered;
	// re-deriving here keeps Acquire's return value correct even if that race lost.
	m.learn(chosenTerm)
	return m.Current(), nil
}
