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
	"fmt"
	"sync"
)

// Acceptor implements the acceptor role: it promises not to accept any proposal numbered lower
// than the highest PREPARE it has seen, and accepts a PROPOSE only if the proposer still holds
// that promise. Every state transition is persisted via Store before the corresponding reply is
// returned, so a crash between persisting and replying can only cause a lost (never corrupted)
// message, which the proposer's retry-on-timeout handles.
type Acceptor struct {
	self  NodeID
	store *Store

	mu sync.Mutex
}

// NewAcceptor creates an Acceptor for this node, persisting state through store.
func NewAcceptor(self NodeID, store *Store) *Acceptor {
	return &Acceptor{self: self, store: store}
}

// Handle applies one incoming PREPARE or PROPOSE message and returns the reply to send back to
// msg.From. It panics if given a message kind an acceptor does not handle (callers should route
// by Kind before calling Handle).
func (a *Acceptor) Handle(msg Msg) (Msg, error) {
	switch msg.Kind {
	case MsgPrepare:
		return a.handlePrepare(msg)
	case MsgPropose:
		return a.handlePropose(msg)
	default:
		return Msg{}, fmt.Errorf("paxos: acceptor cannot handle message kind %q", msg.Kind)
	}
}

func (a *Acceptor) handlePrepare(msg Msg) (Msg, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.store.Load(msg.PaxosID)
	if err != nil {
		return Msg{}, fmt.Errorf("paxos: loading acceptor state for %d: %w", msg.PaxosID, err)
	}

	if msg.Proposal < st.PromisedProposal || (msg.Proposal == st.PromisedProposal && msg.Proposal.NodeID() < a.self) {
		// Equal-numbered proposals cannot both win: the lower nodeID loses the tie.
		return Msg{Kind: MsgPrepareRejected, From: a.self, PaxosID: msg.PaxosID, Observed: st.PromisedProposal}, nil
	}

	st.PromisedProposal = msg.Proposal
	if err := a.store.Save(msg.PaxosID, st); err != nil {
		return Msg{}, fmt.Errorf("paxos: persisting promise for %d: %w", msg.PaxosID, err)
	}

	return Msg{
		Kind:             MsgPromise,
		From:             a.self,
		PaxosID:          msg.PaxosID,
		Proposal:         msg.Proposal,
		HasAccepted:      st.HasAccepted,
		AcceptedProposal: st.AcceptedProposal,
		AcceptedValue:    st.AcceptedValue,
	}, nil
}

func (a *Acceptor) handlePropose(msg Msg) (Msg, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.store.Load(msg.PaxosID)
	if err != nil {
		return Msg{}, fmt.Errorf("paxos: loading acceptor state for %d: %w", msg.PaxosID, err)
	}

	if msg.Proposal < st.PromisedProposal {
		return Msg{Kind: MsgProposeRejected, From: a.self, PaxosID: msg.PaxosID, Observed: st.PromisedProposal}, nil
	}

	st.PromisedProposal = msg.Proposal
	st.AcceptedProposal = msg.Proposal
	st.AcceptedValue = msg.Value
	st.HasAccepted = true
	if err := a.store.Save(msg.PaxosID, st); err != nil {
		return Msg{}, fmt.Errorf("paxos: persisting acceptance for %d: %w", msg.PaxosID, err)
	}

	return Msg{Kind: MsgAccepted, From: a.self, PaxosID: msg.PaxosID, Proposal: msg.Proposal}, nil
}
