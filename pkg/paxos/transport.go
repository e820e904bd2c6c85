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

// Transport moves encoded Paxos messages between nodes. pkg/cluster supplies the real
// network-backed implementation; tests use an in-memory one. Send is best-effort: a dropped or
// undelivered message is recovered by the proposer's own round timeout and retry, never by the
// transport.
type Transport interface {
	// Send delivers msg to the node identified by to. Implementations must not block
	// indefinitely; a disconnected peer should return promptly (or not at all — Paxos's retry
	// loop tolerates silently dropped sends).
	Send(to NodeID, msg Msg) error

	// Peers returns every acceptor node, including self, that participates in this Paxos group.
	Peers() []NodeID
}

// Quorum returns the majority size for n participants.
func Quorum(n int) int {
	return n/2 + 1
}
