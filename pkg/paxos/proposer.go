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
package paxos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/timeout"
)

// DefaultRoundTimeout bounds how long a proposer waits for a majority of PROMISE or ACCEPTED
// replies before giving up on an attempt and retrying with a higher proposalID.
const DefaultRoundTimeout = 300 * time.Millisecond

// proposalRejected signals that an acceptor has already promised a higher proposalID; the
// proposer must adopt a higher one and retry.
type proposalRejected struct {
	observed ProposalID
}

func (e *proposalRejected) Error() string {
	return fmt.Sprintf("paxos: proposal rejected, observed proposalID %d", e.observed)
}

// Proposer drives the proposer role for one node across however many independent PaxosID
// instances are live at once (one per replicated-log slot, or one for a PaxosLease election).
type Proposer struct {
	self      NodeID
	transport Transport
	logger    logging.Logger

	restartCounter uint64
	roundTimeout   time.Duration

	mu       sync.Mutex
	inflight map[PaxosID]chan Msg
}

// NewProposer creates a Proposer for this node. restartCounter must be strictly greater than any
// value this node has used before process start (Store.RestartCounter supplies this).
func NewProposer(self NodeID, transport Transport, restartCounter uint64) *Proposer {
	return &Proposer{
		self:           self,
		transport:      transport,
		logger:         logging.NewLogger("paxos.Proposer"),
		restartCounter: restartCounter,
		roundTimeout:   DefaultRoundTimeout,
		inflight:       make(map[PaxosID]chan Msg),
	}
}

// LeaderProposal returns the proposalID this node would use as the current lease-holding leader:
// stable for the lifetime of the process, so every ProposeFast call made while the lease is held
// uses the same number.
func (p *Proposer) LeaderProposal() ProposalID {
	return NewProposalID(p.restartCounter, p.self)
}

// Deliver routes an incoming PROMISE / PREPARE_REJECTED / ACCEPTED / PROPOSE_REJECTED reply to
// the round awaiting it. Replies for a PaxosID with no in-flight round (stale retries, replies
// to a round that already finished) are silently dropped.
func (p *Proposer) Deliver(msg Msg) {
	p.mu.Lock()
	ch, ok := p.inflight[msg.PaxosID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		// the round's peer-sized buffer is full (a duplicate or very late reply); drop it.
	}
}

// Propose drives paxosID to a chosen value, proposing value if no value was already accepted by
// a majority in an earlier (possibly crashed) round. It returns the value actually chosen, which
// may differ from value if another proposer's value won the race. Propose retries with
// increasing proposalIDs, with randomized backoff between attempts, until ctx is done.
func (p *Proposer) Propose(ctx context.Context, paxosID PaxosID, value Value) (Value, error) {
	proposal := NewProposalID(p.restartCounter, p.self)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chosen, err := p.attempt(ctx, paxosID, proposal, value)
		if err == nil {
			return chosen, nil
		}

		rejected, ok := err.(*proposalRejected)
		if !ok {
			return nil, err
		}
		proposal = Next(rejected.observed, p.self)
		p.logger.Debugf("paxosID=%d rejected, retrying with proposal=%d (attempt %d)", paxosID, proposal, attempt+1)

		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ProposeFast skips phase 1 (PREPARE/PROMISE) entirely and goes straight to PROPOSE/ACCEPTED
// with proposal. This is safe, not just fast, exactly when paxosID has never been proposed for
// before: a fresh acceptor's promisedProposal is the zero value, so any proposal number is
// accepted outright. A caller that already holds the replicated log's leader lease — and is
// therefore the only node that will ever propose a brand-new paxosID — can rely on this instead
// of running phase 1 per instance, which is the "MultiPaxos" optimization of spec.md §4.10. If
// phase 2 is rejected anyway (another proposer reached this paxosID first, e.g. during a lease
// handoff race), ProposeFast returns the rejection for the caller to fall back to full Propose.
func (p *Proposer) ProposeFast(ctx context.Context, paxosID PaxosID, value Value, proposal ProposalID) (Value, error) {
	ch := make(chan Msg, len(p.transport.Peers())+1)
	p.mu.Lock()
	p.inflight[paxosID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, paxosID)
		p.mu.Unlock()
	}()

	if err := p.phase2(ctx, paxosID, proposal, value, ch); err != nil {
		return nil, err
	}
	p.broadcastChosen(paxosID, value)
	return value, nil
}

func (p *Proposer) attempt(ctx context.Context, paxosID PaxosID, proposal ProposalID, value Value) (Value, error) {
	ch := make(chan Msg, len(p.transport.Peers())+1)
	p.mu.Lock()
	p.inflight[paxosID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, paxosID)
		p.mu.Unlock()
	}()

	proposeValue, err := p.phase1(ctx, paxosID, proposal, value, ch)
	if err != nil {
		return nil, err
	}
	if err := p.phase2(ctx, paxosID, proposal, proposeValue, ch); err != nil {
		return nil, err
	}

	p.broadcastChosen(paxosID, proposeValue)
	return proposeValue, nil
}

// phase1 runs PREPARE/PROMISE and returns the value to propose: the highest-numbered already-
// accepted value reported by any acceptor, or value itself if no acceptor had accepted anything.
func (p *Proposer) phase1(ctx context.Context, paxosID PaxosID, proposal ProposalID, value Value, replies chan Msg) (Value, error) {
	peers := p.transport.Peers()
	for _, peer := range peers {
		_ = p.transport.Send(peer, Msg{Kind: MsgPrepare, From: p.self, PaxosID: paxosID, Proposal: proposal})
	}

	timedOut := make(chan struct{})
	deadline := timeout.Call(func() { close(timedOut) }, p.roundTimeout)
	defer deadline.Cancel()

	promises := 0
	needed := Quorum(len(peers))
	best := proposeValueTracker{value: value}

	for {
		select {
		case msg := <-replies:
			switch msg.Kind {
			case MsgPromise:
				if msg.Proposal != proposal {
					continue
				}
				promises++
				if msg.HasAccepted {
					best.consider(msg.AcceptedProposal, msg.AcceptedValue)
				}
				if promises >= needed {
					return best.value, nil
				}
			case MsgPrepareRejected:
				return nil, &proposalRejected{observed: msg.Observed}
			}
		case <-timedOut:
			return nil, &proposalRejected{observed: proposal}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Proposer) phase2(ctx context.Context, paxosID PaxosID, proposal ProposalID, value Value, replies chan Msg) error {
	peers := p.transport.Peers()
	for _, peer := range peers {
		_ = p.transport.Send(peer, Msg{Kind: MsgPropose, From: p.self, PaxosID: paxosID, Proposal: proposal, Value: value})
	}

	timedOut := make(chan struct{})
	deadline := timeout.Call(func() { close(timedOut) }, p.roundTimeout)
	defer deadline.Cancel()

	accepted := 0
	needed := Quorum(len(peers))

	for {
		select {
		case msg := <-replies:
			switch msg.Kind {
			case MsgAccepted:
				if msg.Proposal != proposal {
					continue
				}
				accepted++
				if accepted >= needed {
					return nil
				}
			case MsgProposeRejected:
				return &proposalRejected{observed: msg.Observed}
			}
		case <-timedOut:
			return &proposalRejected{observed: proposal}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Proposer) broadcastChosen(paxosID PaxosID, value Value) {
	for _, peer := range p.transport.Peers() {
		_ = p.transport.Send(peer, Msg{Kind: MsgLearnChosen, From: p.self, PaxosID: paxosID, Value: value})
	}
}

// proposeValueTracker remembers the highest-numbered accepted value seen across PROMISE replies,
// per the Paxos safety rule that a proposer must re-propose that value rather than its own once
// any acceptor reports an earlier acceptance.
type proposeValueTracker struct {
	value    Value
	proposal ProposalID
	has      bool
}

func (t *proposeValueTracker) consider(proposal ProposalID, value Value) {
	if !t.has || proposal > t.proposal {
		t.proposal = proposal
		t.value = value
		t.has = true
	}
}

// backoff returns a randomized retry delay that grows with attempt, capped to keep retries from
// drifting arbitrarily far apart under sustained contention.
func backoff(attempt int) time.Duration {
	base := DefaultRoundTimeout / 2
	capDur := 2 * time.Second
	d := base * time.Duration(1<<min(attempt, 4))
	if d > capDur {
		d = capDur
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}
