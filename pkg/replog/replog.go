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
Package replog sequences proposals through pkg/paxos into one totally ordered, gap-free stream
of chosen values per quorum: the replicated log of spec.md §4.10. One independent Log runs per
quorum (see pkg/quorum), proposing values at successive PaxosIDs starting from 0 and driving
every chosen value to the owning quorum context in strict order.
*/
package replog

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/pkg/paxos"
)

func bytesEqual(a, b paxos.Value) bool {
	return bytes.Equal(a, b)
}

// State is the replicated log's per-quorum state machine (spec.md §4.10).
type State int

const (
	StateIdle State = iota
	StateProposing
	StateWaiting
	StateCatchingUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateProposing:
		return "PROPOSING"
	case StateWaiting:
		return "WAITING"
	case StateCatchingUp:
		return "CATCHING_UP"
	default:
		return "UNKNOWN"
	}
}

// farAheadThreshold bounds how far a chosen value's PaxosID may lead the log's own next index
// before the log gives up trying to catch up one instance at a time and requests a bulk
// snapshot+prefix transfer instead.
const farAheadThreshold = 16

// Leader abstracts the subset of lease ownership the log needs: whether this node may propose
// right now, using the ProposeFast path. *paxoslease.Manager satisfies this directly.
type Leader interface {
	IsLeader() bool
}

// Log drives one quorum's replicated-log state machine over a shared paxos.Node.
type Log struct {
	self   paxos.NodeID
	node   *paxos.Node
	leader Leader
	logger logging.Logger

	// OnAppend fires once per chosen value, in strict paxosID order, exactly as spec.md §4.10
	// requires. ownAppend is true iff this node's own Append call produced the chosen value.
	OnAppend func(paxosID paxos.PaxosID, value paxos.Value, ownAppend bool)
	// OnStartCatchup/OnCatchupComplete bracket a CATCHING_UP excursion.
	OnStartCatchup    func()
	OnCatchupComplete func(paxosID paxos.PaxosID)

	mu        sync.Mutex
	state     State
	next      paxos.PaxosID // next paxosID this log expects to choose
	attempted map[paxos.PaxosID]paxos.Value // value this node itself last proposed, by paxosID
}

// New creates a Log for this node's quorum, starting at paxosID 0 (or wherever recovery left
// off — callers that recover a prior state call SetNext after New returns and before serving
// any Append).
func New(self paxos.NodeID, node *paxos.Node, leader Leader) *Log {
	l := &Log{
		self:      self,
		node:      node,
		leader:    leader,
		logger:    logging.NewLogger("replog.Log"),
		state:     StateIdle,
		attempted: make(map[paxos.PaxosID]paxos.Value),
	}
	node.Learner.OnChosen = l.wrapOnChosen(node.Learner.OnChosen)
	return l
}

func (l *Log) wrapOnChosen(prev func(paxos.PaxosID, paxos.Value)) func(paxos.PaxosID, paxos.Value) {
	return func(paxosID paxos.PaxosID, value paxos.Value) {
		if prev != nil {
			prev(paxosID, value)
		}
		l.onChosen(paxosID, value)
	}
}

// SetNext seeds the log's next-expected paxosID, e.g. after recovering a prior run's position.
func (l *Log) SetNext(next paxos.PaxosID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = next
}

// Next returns the next paxosID this log expects to propose/choose.
func (l *Log) Next() paxos.PaxosID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// State returns the log's current state.
func (l *Log) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Append proposes value for the log's next instance. It is only valid to call while the lease is
// held locally (spec.md §4.11 — the quorum context is responsible for that check before calling
// in); Append blocks until the proposed or a competing value is chosen for that instance.
func (l *Log) Append(ctx context.Context, value paxos.Value) error {
	l.mu.Lock()
	if l.state == StateCatchingUp {
		l.mu.Unlock()
		return fmt.Errorf("replog: cannot append while catching up")
	}
	paxosID := l.next
	l.state = StateProposing
	l.attempted[paxosID] = value
	l.mu.Unlock()

	chosen, err := l.propose(ctx, paxosID, value)
	if err != nil {
		l.mu.Lock()
		if l.state == StateProposing || l.state == StateWaiting {
			l.state = StateIdle
		}
		delete(l.attempted, paxosID)
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	if l.next == paxosID {
		l.state = StateWaiting
	}
	l.mu.Unlock()

	// Deliver the chosen value here too, so OnAppend has run for paxosID by the time Append
	// returns; the Learner callback for the same paxosID then finds it already applied.
	l.onChosen(paxosID, chosen)
	return nil
}

func (l *Log) propose(ctx context.Context, paxosID paxos.PaxosID, value paxos.Value) (paxos.Value, error) {
	if l.leader.IsLeader() {
		chosen, err := l.node.ProposeFast(ctx, paxosID, value, l.node.LeaderProposal())
		if err == nil {
			return chosen, nil
		}
		l.logger.Debugf("paxosID=%d fast-path propose failed, falling back to full Paxos: %v", paxosID, err)
	}
	return l.node.Propose(ctx, paxosID, value)
}

func (l *Log) onChosen(paxosID paxos.PaxosID, value paxos.Value) {
	l.mu.Lock()
	if paxosID < l.next {
		l.mu.Unlock()
		return // already applied (duplicate LEARN_CHOSEN, or a stale catch-up response)
	}
	if paxosID > l.next {
		if paxosID-l.next > farAheadThreshold && l.state != StateCatchingUp {
			l.state = StateCatchingUp
			l.mu.Unlock()
			l.logger.Infof("paxosID=%d far ahead of next=%d, starting catch-up", paxosID, l.next)
			if l.OnStartCatchup != nil {
				l.OnStartCatchup()
			}
			return
		}
		l.mu.Unlock()
		// A near (not "far ahead") gap: request the missing instances one at a time rather than
		// a bulk snapshot transfer.
		l.requestMissing(paxosID)
		return
	}

	attempted, hadAttempt := l.attempted[paxosID]
	ownAppend := hadAttempt && bytesEqual(attempted, value)
	delete(l.attempted, paxosID)
	l.next++
	l.state = StateIdle
	l.mu.Unlock()

	if l.OnAppend != nil {
		l.OnAppend(paxosID, value, ownAppend)
	}
}

// requestMissing asks peers for the chosen values at every instance strictly between this log's
// next-expected paxosID and upTo, applying each via onChosen as the learner answers arrive.
func (l *Log) requestMissing(upTo paxos.PaxosID) {
	l.mu.Lock()
	next := l.next
	l.mu.Unlock()
	for id := next; id < upTo; id++ {
		l.node.Learner.RequestChosen(id)
	}
}

// CompleteCatchup exits CATCHING_UP once the caller (pkg/quorum, driving a snapshot+prefix
// transfer from the current lease owner) has brought local storage up to paxosID exclusive.
func (l *Log) CompleteCatchup(paxosID paxos.PaxosID) {
	l.mu.Lock()
	l.next = paxosID
	l.state = StateIdle
	l.mu.Unlock()

	l.logger.Infof("catch-up complete, next=%d", paxosID)
	if l.OnCatchupComplete != nil {
		l.OnCatchupComplete(paxosID)
	}
}
