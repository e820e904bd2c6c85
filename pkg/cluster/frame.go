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
	"encoding/binary"
	"fmt"
	"io"
)

// Frame tag bytes (spec.md §4.12): 'C' is a cluster-control frame, 'Q' a quorum message. 'Q'
// frames are further prefixed with the quorumID so the receiving node can dispatch to the right
// registered paxos.Node; the payload after that is the same `:`-separated ASCII encoding
// pkg/paxos already uses for PREPARE/PROMISE/.../LEARN_CHOSEN. A single 'Q' tag covers both
// ordinary replicated-log instances and PaxosLease election instances: PaxosLease rides the same
// paxos.Msg shape as the replicated log, distinguished only by PaxosID within one quorum's
// acceptor set, so there is no separate wire shape to tag.
const (
	tagControl byte = 'C'
	tagQuorum  byte = 'Q'
)

// maxFrameLen bounds a single frame's payload, one notch above DATABASE_REPLICATION_SIZE so a
// maximally-sized replicated value (plus its quorum/paxos framing overhead) always fits.
const maxFrameLen = 4<<20 + 4096

// writeFrame writes one length-prefixed frame: tag byte, 4-byte big-endian length, payload.
func writeFrame(w io.Writer, tag byte, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("cluster: frame payload too large (%d bytes)", len(payload))
	}
	hdr := make([]byte, 5)
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame blocks until one full frame is available, or returns the underlying read error
// (including io.EOF when the peer closed the connection).
func readFrame(r io.Reader) (tag byte, payload []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("cluster: peer announced oversized frame (%d bytes)", n)
	}
	payload = make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

func encodeQuorumPayload(quorumID uint64, msg []byte) []byte {
	dst := make([]byte, 8+len(msg))
	binary.BigEndian.PutUint64(dst[0:8], quorumID)
	copy(dst[8:], msg)
	return dst
}

func decodeQuorumPayload(payload []byte) (quorumID uint64, msg []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("cluster: quorum frame too short (%d bytes)", len(payload))
	}
	return binary.BigEndian.Uint64(payload[0:8]), payload[8:], nil
}
