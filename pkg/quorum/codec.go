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

package quorum

import (
	"encoding/binary"
	"fmt"

	"github.com/quorumkv/quorumkv/pkg/paxos"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/storage/logsegment"
)

// encodeWrite turns one application write into the paxos.Value that gets proposed through the
// replicated log. The layout mirrors logsegment's own record encoding (a flags/op byte, fixed
// ContextID/ShardID, then uvarint-length-prefixed key and, for Set, value) rather than the
// page package's framing: a proposal value is never written to disk as a page, so it needs
// neither a CRC nor granule padding.
func encodeWrite(r logsegment.Record) paxos.Value {
	dst := make([]byte, 0, 1+16+len(r.Key)+len(r.Value)+2*binary.MaxVarintLen64)
	dst = append(dst, byte(r.Op))
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[0:8], uint64(r.ContextID))
	binary.LittleEndian.PutUint64(tmp[8:16], uint64(r.ShardID))
	dst = append(dst, tmp[:]...)
	dst = appendUvarintBytes(dst, r.Key)
	if r.Op == storage.OpSet {
		dst = appendUvarintBytes(dst, r.Value)
	}
	return paxos.Value(dst)
}

func appendUvarintBytes(dst []byte, b []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	dst = append(dst, tmp[:n]...)
	return append(dst, b...)
}

// decodeWrite is encodeWrite's inverse, applied by every replica (including the proposer) once
// the replicated log chooses a value.
func decodeWrite(v paxos.Value) (logsegment.Record, error) {
	var r logsegment.Record
	if len(v) < 17 {
		return r, fmt.Errorf("quorum: write payload too short (%d bytes)", len(v))
	}
	r.Op = storage.Op(v[0])
	r.ContextID = storage.ContextID(binary.LittleEndian.Uint64(v[1:9]))
	r.ShardID = storage.ShardID(binary.LittleEndian.Uint64(v[9:17]))
	rest := v[17:]

	key, rest, err := readUvarintBytes(rest)
	if err != nil {
		return r, fmt.Errorf("quorum: decoding key: %w", err)
	}
	r.Key = storage.Key(key)

	if r.Op == storage.OpSet {
		value, _, err := readUvarintBytes(rest)
		if err != nil {
			return r, fmt.Errorf("quorum: decoding value: %w", err)
		}
		r.Value = storage.Value(value)
	}
	return r, nil
}

func readUvarintBytes(src []byte) (data []byte, rest []byte, err error) {
	n, k := binary.Uvarint(src)
	if k <= 0 {
		return nil, nil, fmt.Errorf("malformed uvarint length")
	}
	src = src[k:]
	if uint64(len(src)) < n {
		return nil, nil, fmt.Errorf("truncated payload: want %d bytes, have %d", n, len(src))
	}
	return src[:n], src[n:], nil
}
