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
	"context"
	"net"
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/golibs/transport"
	"github.com/quorumkv/quorumkv/pkg/paxos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort grabs an OS-assigned TCP port and releases it immediately, for test setup only —
// there is a small window where another process could steal it, same tradeoff every
// listen-on-:0-then-reuse test helper makes.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestTransportRoundTripsProposeOverTCP(t *testing.T) {
	const quorumID = uint64(1)
	portA, portB := freePort(t), freePort(t)
	addrA := transport.Config{Network: "tcp", Address: "127.0.0.1", Port: portA}
	addrB := transport.Config{Network: "tcp", Address: "127.0.0.1", Port: portB}

	trA, err := NewTransport(Config{
		Self:   1,
		Listen: addrA,
		Peers:  map[paxos.NodeID]transport.Config{2: addrB},
	})
	require.NoError(t, err)
	defer trA.Close()

	trB, err := NewTransport(Config{
		Self:   2,
		Listen: addrB,
		Peers:  map[paxos.NodeID]transport.Config{1: addrA},
	})
	require.NoError(t, err)
	defer trB.Close()

	storeA, err := paxos.OpenStore(paxos.StoreConfig{})
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := paxos.OpenStore(paxos.StoreConfig{})
	require.NoError(t, err)
	defer storeB.Close()

	nodeA := paxos.NewNode(1, trA.ForQuorum(quorumID), storeA, 1)
	nodeB := paxos.NewNode(2, trB.ForQuorum(quorumID), storeB, 1)
	trA.RegisterQuorum(quorumID, nodeA)
	trB.RegisterQuorum(quorumID, nodeB)

	// Outbound dials race the test; give the reconnect loop time to establish both directions.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	chosen, err := nodeA.Propose(ctx, paxos.PaxosID(1), paxos.Value("over-the-wire"))
	require.NoError(t, err)
	assert.Equal(t, paxos.Value("over-the-wire"), chosen)

	// nodeB must independently learn the same chosen value once it requests it.
	nodeB.Learner.RequestChosen(paxos.PaxosID(1))
	require.Eventually(t, func() bool {
		v, ok := nodeB.Learner.Value(paxos.PaxosID(1))
		return ok && string(v) == "over-the-wire"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFrameRoundTrip(t *testing.T) {
	r, w := net.Pipe()
	go func() {
		_ = writeFrame(w, tagQuorum, encodeQuorumPayload(42, []byte("hello")))
		w.Close()
	}()
	tag, payload, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, tagQuorum, tag)
	quorumID, msg, err := decodeQuorumPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), quorumID)
	assert.Equal(t, "hello", string(msg))
}

func TestReconnectBackoffIsBoundedAndJittered(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := reconnectBackoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxReconnectDelay)
	}
}
