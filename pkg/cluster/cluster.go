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
Package cluster implements the node-to-node framed transport of spec.md §4.12: one TCP
connection per peer, multiplexing every quorum's Paxos/PaxosLease traffic (tag 'Q', prefixed with
a quorumID) alongside cluster-control frames (tag 'C') over the same wire. A Transport is the one
long-lived object per node; pkg/quorum's per-shard paxos.Node instances each get a thin
paxos.Transport view scoped to their own quorumID via ForQuorum.
*/
package cluster

import (
	"fmt"
	"net"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/container"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/transport"
	"github.com/quorumkv/quorumkv/pkg/paxos"
)

// Config describes one node's place in the cluster: its own listen address and every peer's
// dial address, keyed by the paxos.NodeID that peer's Paxos acceptor set uses.
type Config struct {
	Self   paxos.NodeID
	Listen transport.Config
	Peers  map[paxos.NodeID]transport.Config // must not include Self
}

// ControlHandler receives inbound 'C' cluster-control frames (membership pings, future
// control-plane traffic). Optional; frames are discarded if nil.
type ControlHandler func(from net.Addr, payload []byte)

// Transport is the single cluster-wide network endpoint for one node. It owns one outbound
// dial connection per peer and accepts inbound connections from all of them, routing 'Q' frames
// to whichever quorum registered that quorumID.
type Transport struct {
	self   paxos.NodeID
	logger logging.Logger

	ln net.Listener

	mu     sync.Mutex
	peers  map[paxos.NodeID]*peerConn
	quorum map[uint64]*paxos.Node
	closed bool

	OnControl ControlHandler
}

// NewTransport starts listening on cfg.Listen and begins dialing every configured peer; both
// the listener and every peer connection reconnect/retry independently of this call returning.
func NewTransport(cfg Config) (*Transport, error) {
	ln, err := transport.NewServerListener(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("cluster: listening on %s: %w", cfg.Listen.Addr(), err)
	}

	t := &Transport{
		self:   cfg.Self,
		logger: logging.NewLogger("cluster.Transport"),
		ln:     ln,
		peers:  make(map[paxos.NodeID]*peerConn, len(cfg.Peers)),
		quorum: make(map[uint64]*paxos.Node),
	}
	for id, addr := range cfg.Peers {
		t.peers[id] = newPeerConn(id, addr)
	}
	go t.acceptLoop()
	return t, nil
}

// RegisterQuorum makes node reachable as quorumID: inbound 'Q' frames carrying that quorumID are
// handed to node.Dispatch. One paxos.Node (shared by a replog.Log and, if this quorum elects a
// leader, a paxoslease.Manager) is registered per shard group the node replicates.
func (t *Transport) RegisterQuorum(quorumID uint64, node *paxos.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quorum[quorumID] = node
}

// UnregisterQuorum stops routing quorumID's frames, e.g. after a shard migrates away.
func (t *Transport) UnregisterQuorum(quorumID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.quorum, quorumID)
}

// ForQuorum returns the paxos.Transport view a single quorum's paxos.Node should be constructed
// with: Send prefixes every outbound message with quorumID, Peers lists every cluster peer.
func (t *Transport) ForQuorum(quorumID uint64) paxos.Transport {
	return &quorumTransport{cluster: t, quorumID: quorumID}
}

// Peers lists every other node's NodeID this transport dials — the network peer set configured
// via Config.Peers, which excludes Self. paxos.Transport views built by ForQuorum extend this
// with Self; see quorumTransport.Peers.
func (t *Transport) Peers() []paxos.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return container.Keys(t.peers)
}

// Self returns this transport's own NodeID.
func (t *Transport) Self() paxos.NodeID { return t.self }

// SendControl best-effort broadcasts a 'C' frame to every peer.
func (t *Transport) SendControl(payload []byte) {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		conns = append(conns, p)
	}
	t.mu.Unlock()
	for _, p := range conns {
		p.send(tagControl, payload)
	}
}

func (t *Transport) sendQuorum(quorumID uint64, to paxos.NodeID, payload []byte) error {
	t.mu.Lock()
	p := t.peers[to]
	t.mu.Unlock()
	if p == nil {
		return fmt.Errorf("cluster: node %d is not a configured peer", to)
	}
	p.send(tagQuorum, encodeQuorumPayload(quorumID, payload))
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.logger.Warnf("accept: %v", err)
			continue
		}
		go t.serve(conn)
	}
}

func (t *Transport) serve(conn net.Conn) {
	defer conn.Close()
	for {
		tag, payload, err := readFrame(conn)
		if err != nil {
			return
		}
		switch tag {
		case tagControl:
			if t.OnControl != nil {
				t.OnControl(conn.RemoteAddr(), payload)
			}
		case tagQuorum:
			t.dispatchQuorum(payload)
		default:
			t.logger.Warnf("unrecognized frame tag %q from %s", tag, conn.RemoteAddr())
		}
	}
}

func (t *Transport) dispatchQuorum(payload []byte) {
	quorumID, raw, err := decodeQuorumPayload(payload)
	if err != nil {
		t.logger.Warnf("%v", err)
		return
	}
	msg, err := paxos.Decode(string(raw))
	if err != nil {
		t.logger.Warnf("decoding quorum=%d message: %v", quorumID, err)
		return
	}
	t.mu.Lock()
	node := t.quorum[quorumID]
	t.mu.Unlock()
	if node == nil {
		t.logger.Debugf("no registered quorum=%d for message from node %d", quorumID, msg.From)
		return
	}
	node.Dispatch(msg)
}

// Close shuts down the listener and every peer connection. Registered quorums are left as-is;
// callers that want a clean shutdown should Unregister them first.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	return t.ln.Close()
}

// quorumTransport is the paxos.Transport a single quorum's paxos.Node sees: Send/Peers scoped to
// one quorumID and the cluster's full peer set.
type quorumTransport struct {
	cluster  *Transport
	quorumID uint64
}

// Peers returns every acceptor node participating in this quorum, including this node itself —
// the full-acceptor-set contract paxos.Transport documents (see pkg/paxos/transport.go) and
// proposer.go's Quorum(len(peers)) majority math depends on. cluster.Transport.Peers, by
// contrast, is only the dialed network peer set and deliberately excludes self.
func (q *quorumTransport) Peers() []paxos.NodeID {
	return append(q.cluster.Peers(), q.cluster.self)
}

// Send delivers msg to to. A message addressed to this node is dispatched locally without
// round-tripping through the network, the same way the in-memory test transport's Send hands a
// self-addressed message straight to Dispatch.
func (q *quorumTransport) Send(to paxos.NodeID, msg paxos.Msg) error {
	if to == q.cluster.self {
		q.cluster.mu.Lock()
		node := q.cluster.quorum[q.quorumID]
		q.cluster.mu.Unlock()
		if node == nil {
			return fmt.Errorf("cluster: quorum %d is not registered on this node", q.quorumID)
		}
		go node.Dispatch(msg)
		return nil
	}
	return q.cluster.sendQuorum(q.quorumID, to, []byte(paxos.Encode(msg)))
}
