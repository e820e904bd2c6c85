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

	"github.com/quorumkv/quorumkv/golibs/logging"
)

// Node wires one node's Acceptor, Proposer and Learner together behind a single Dispatch entry
// point, which is all pkg/cluster needs to call on every inbound Paxos frame. A node plays all
// three roles at once: any node may propose, every node accepts, every node learns.
type Node struct {
	self      NodeID
	Acceptor  *Acceptor
	Proposer  *Proposer
	Learner   *Learner
	transport Transport
	logger    logging.Logger
}

// NewNode assembles a Node from a persisted Store and the restart counter that Store produced
// at startup.
func NewNode(self NodeID, transport Transport, store *Store, restartCounter uint64) *Node {
	return &Node{
		self:      self,
		Acceptor:  NewAcceptor(self, store),
		Proposer:  NewProposer(self, transport, restartCounter),
		Learner:   NewLearner(self, transport),
		transport: transport,
		logger:    logging.NewLogger("paxos.Node"),
	}
}

// Dispatch routes an inbound message to whichever role handles it, replying over the transport
// for request-shaped messages (PREPARE, PROPOSE, REQUEST_CHOSEN).
func (n *Node) Dispatch(msg Msg) {
	switch msg.Kind {
	case MsgPrepare, MsgPropose:
		reply, err := n.Acceptor.Handle(msg)
		if err != nil {
			n.logger.Warnf("handling %s from node %d for paxosID=%d: %v", msg.Kind, msg.From, msg.PaxosID, err)
			return
		}
		if err := n.transport.Send(msg.From, reply); err != nil {
			n.logger.Debugf("replying %s to node %d for paxosID=%d: %v", reply.Kind, msg.From, msg.PaxosID, err)
		}
	case MsgPromise, MsgPrepareRejected, MsgAccepted, MsgProposeRejected:
		n.Proposer.Deliver(msg)
	case MsgLearnChosen, MsgRequestChosen:
		n.Learner.Deliver(msg)
	default:
		n.logger.Warnf("unrecognized message kind %q from node %d", msg.Kind, msg.From)
	}
}

// Propose is a convenience wrapper around Proposer.Propose.
func (n *Node) Propose(ctx context.Context, paxosID PaxosID, value Value) (Value, error) {
	return n.Proposer.Propose(ctx, paxosID, value)
}

// ProposeFast is a convenience wrapper around Proposer.ProposeFast.
func (n *Node) ProposeFast(ctx context.Context, paxosID PaxosID, value Value, proposal ProposalID) (Value, error) {
	return n.Proposer.ProposeFast(ctx, paxosID, value, proposal)
}

// LeaderProposal is a convenience wrapper around Proposer.LeaderProposal.
func (n *Node) LeaderProposal() ProposalID {
	return n.Proposer.LeaderProposal()
}
