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
	"sync"

	"github.com/quorumkv/quorumkv/golibs/logging"
)

// Learner tracks which value, if any, has been chosen for each PaxosID this node has heard
// about, and notifies OnChosen exactly once per PaxosID. A node that missed the LEARN_CHOSEN
// broadcast (because it was offline, or joined after the fact) asks any peer with
// REQUEST_CHOSEN; pkg/replog uses that path to catch a lagging member up.
type Learner struct {
	self      NodeID
	transport Transport
	logger    logging.Logger

	// OnChosen is invoked once, synchronously, the first time a value is learned for paxosID.
	// It must not block; callers that need to do real work should hand off to a goroutine.
	OnChosen func(paxosID PaxosID, value Value)

	mu     sync.Mutex
	chosen map[PaxosID]Value
}

// NewLearner creates a Learner for this node.
func NewLearner(self NodeID, transport Transport) *Learner {
	return &Learner{
		self:      self,
		transport: transport,
		logger:    logging.NewLogger("paxos.Learner"),
		chosen:    make(map[PaxosID]Value),
	}
}

// Deliver processes an incoming LEARN_CHOSEN or REQUEST_CHOSEN message.
func (l *Learner) Deliver(msg Msg) {
	switch msg.Kind {
	case MsgLearnChosen:
		l.learn(msg.PaxosID, msg.Value)
	case MsgRequestChosen:
		l.mu.Lock()
		value, ok := l.chosen[msg.PaxosID]
		l.mu.Unlock()
		if ok {
			_ = l.transport.Send(msg.From, Msg{Kind: MsgLearnChosen, From: l.self, PaxosID: msg.PaxosID, Value: value})
		}
	}
}

// Value returns the value learned for paxosID, if any.
func (l *Learner) Value(paxosID PaxosID) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.chosen[paxosID]
	return v, ok
}

// RequestChosen asks every peer whether paxosID has a chosen value, for a node that suspects it
// missed the original LEARN_CHOSEN broadcast (e.g. while catching up).
func (l *Learner) RequestChosen(paxosID PaxosID) {
	for _, peer := range l.transport.Peers() {
		if peer == l.self {
			continue
		}
		_ = l.transport.Send(peer, Msg{Kind: MsgRequestChosen, From: l.self, PaxosID: paxosID})
	}
}

func (l *Learner) learn(paxosID PaxosID, value Value) {
	l.mu.Lock()
	_, already := l.chosen[paxosID]
	if !already {
		l.chosen[paxosID] = value
	}
	l.mu.Unlock()

	if already {
		return
	}
	l.logger.Debugf("paxosID=%d chosen", paxosID)
	if l.OnChosen != nil {
		l.OnChosen(paxosID, value)
	}
}
