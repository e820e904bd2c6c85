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

package cluster

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/timeout"
	"github.com/quorumkv/quorumkv/golibs/transport"
	"github.com/quorumkv/quorumkv/pkg/paxos"
)

const (
	baseReconnectDelay = 200 * time.Millisecond
	maxReconnectDelay  = 30 * time.Second
)

// reconnectBackoff returns the delay before the (attempt+1)-th dial attempt: doubling with a
// cap, then drawn at random from [d/2, d] of that capped delay d so a flock of peers reconnecting after a shared network blip don't
// all redial in lockstep.
func reconnectBackoff(attempt int) time.Duration {
	d := baseReconnectDelay * time.Duration(uint64(1)<<uint(min(attempt, 10)))
	if d > maxReconnectDelay || d <= 0 {
		d = maxReconnectDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// peerConn owns the single outbound dial connection this node keeps open to one peer. Inbound
// frames from that peer may arrive on a different, independently-accepted connection (see
// Transport.acceptLoop) — peerConn is write-only from this node's point of view.
type peerConn struct {
	id     paxos.NodeID
	addr   transport.Config
	logger logging.Logger

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	retries timeout.Future
	attempt int
}

func newPeerConn(id paxos.NodeID, addr transport.Config) *peerConn {
	p := &peerConn{id: id, addr: addr, logger: logging.NewLogger("cluster.peerConn")}
	p.dial()
	return p
}

func (p *peerConn) dial() {
	conn, err := net.DialTimeout(addrNetwork(p.addr), p.addr.Addr(), 5*time.Second)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		p.logger.Debugf("dialing node %d at %s: %v", p.id, p.addr.Addr(), err)
		p.scheduleRedialLocked()
		return
	}
	p.conn = conn
	p.attempt = 0
}

func (p *peerConn) scheduleRedialLocked() {
	delay := reconnectBackoff(p.attempt)
	p.attempt++
	p.retries = timeout.Call(p.dial, delay)
}

// send writes one frame to the peer's outbound connection. Per spec.md §4.12 a message is
// simply dropped if there is no live connection right now — Paxos's own round timeout and retry
// already cover the loss, so send never blocks waiting for a reconnect.
func (p *peerConn) send(tag byte, payload []byte) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if err := writeFrame(conn, tag, payload); err != nil {
		p.logger.Debugf("writing to node %d: %v", p.id, err)
		p.handleBroken(conn)
	}
}

func (p *peerConn) handleBroken(broken net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != broken || p.closed {
		return
	}
	_ = p.conn.Close()
	p.conn = nil
	p.scheduleRedialLocked()
}

func (p *peerConn) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.retries != nil {
		p.retries.Cancel()
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func addrNetwork(cfg transport.Config) string {
	if cfg.Network == "" {
		return "tcp"
	}
	return cfg.Network
}
