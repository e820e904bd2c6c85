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

package logsegment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/pkg/storage"
)

// Entry is one record read back from a segment, tagged with its position for recovery's
// skip-if-already-durable logic.
type Entry struct {
	CommandID uint64
	Record    Record
}

// Reader replays a segment file block by block, record by record, in order.
type Reader struct {
	f         *os.File
	br        *bufio.Reader
	segmentID uint64

	pending   []byte // unparsed bytes of the current block
	commandID uint64
	lastCtx   storage.ContextID
	lastShard storage.ShardID
	havePrev  bool
}

// OpenReader opens an existing segment file for replay, reading and validating its header.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("logsegment: reading header of %s: %w", path, err)
	}
	version := binary.LittleEndian.Uint32(hdr[0:4])
	if version != segmentVersion {
		f.Close()
		return nil, fmt.Errorf("logsegment: %s has unsupported version=%d: %w", path, version, errors.ErrDataLoss)
	}
	segmentID := binary.LittleEndian.Uint64(hdr[4:12])
	return &Reader{f: f, br: bufio.NewReader(f), segmentID: segmentID}, nil
}

// SegmentID returns the segment identifier recorded in the file's header.
func (r *Reader) SegmentID() uint64 {
	return r.segmentID
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Next returns the next entry in the segment, or io.EOF once every committed block has been
// consumed. A block whose CRC does not verify is reported as ErrCorrupted; a truncated tail
// block from a crash mid-commit reads as a short read and is surfaced as io.EOF, so replay
// simply stops there instead of treating it as corruption.
func (r *Reader) Next() (Entry, error) {
	for len(r.pending) == 0 {
		if err := r.fillBlock(); err != nil {
			return Entry{}, err
		}
	}
	return r.consume()
}

func (r *Reader) fillBlock() error {
	hdr := make([]byte, blockHeaderLen)
	if _, err := io.ReadFull(r.br, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	total := binary.LittleEndian.Uint32(hdr[0:4])
	uncompressed := binary.LittleEndian.Uint32(hdr[4:8])
	crc := binary.LittleEndian.Uint32(hdr[8:12])
	if total < blockHeaderLen || total-blockHeaderLen != uncompressed {
		return io.EOF
	}

	payload := make([]byte, uncompressed)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return ErrCorrupted
	}
	r.pending = payload
	return nil
}

func (r *Reader) consume() (Entry, error) {
	if len(r.pending) == 0 {
		return Entry{}, io.EOF
	}
	flags := r.pending[0]
	r.pending = r.pending[1:]
	op := storage.Op(flags >> 1)
	usePrev := flags&1 != 0

	var ctxID storage.ContextID
	var shardID storage.ShardID
	if usePrev && r.havePrev {
		ctxID, shardID = r.lastCtx, r.lastShard
	} else {
		if len(r.pending) < 16 {
			return Entry{}, ErrCorrupted
		}
		ctxID = storage.ContextID(binary.LittleEndian.Uint64(r.pending[0:8]))
		shardID = storage.ShardID(binary.LittleEndian.Uint64(r.pending[8:16]))
		r.pending = r.pending[16:]
	}
	r.lastCtx, r.lastShard, r.havePrev = ctxID, shardID, true

	key, rest, err := readUvarintBytes(r.pending)
	if err != nil {
		return Entry{}, err
	}
	r.pending = rest

	var value []byte
	if op == storage.OpSet {
		value, rest, err = readUvarintBytes(r.pending)
		if err != nil {
			return Entry{}, err
		}
		r.pending = rest
	}

	r.commandID++
	return Entry{
		CommandID: r.commandID,
		Record: Record{
			ContextID: ctxID,
			ShardID:   shardID,
			Op:        op,
			Key:       storage.Key(key),
			Value:     storage.Value(value),
		},
	}, nil
}

func readUvarintBytes(b []byte) (val []byte, rest []byte, err error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, nil, ErrCorrupted
	}
	b = b[sz:]
	if uint64(len(b)) < n {
		return nil, nil, ErrCorrupted
	}
	return b[:n], b[n:], nil
}
