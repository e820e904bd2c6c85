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
Package logsegment implements the append-only log segment files the replicated log and the
storage environment write committed operations to. A segment is a file named
log.<trackID:020u>.<segmentID> holding a small header followed by a sequence of blocks, each
block a self-checksummed batch of records. append buffers records into the current block;
commit fsyncs them durably; rotate closes the segment and opens the next one.
*/
package logsegment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/pkg/storage"
)

const (
	segmentVersion = 1
	headerLen      = 4 + 8 // version + segmentID

	// blockHeaderLen is totalSize(4) + uncompressedLength(4) + crc(4).
	blockHeaderLen = 12
)

var logger = logging.NewLogger("storage/logsegment")

// Record is a single operation appended to a log segment.
type Record struct {
	ContextID storage.ContextID
	ShardID   storage.ShardID
	Op        storage.Op
	Key       storage.Key
	Value     storage.Value
}

// FileName builds the canonical on-disk name for a segment of the given track.
func FileName(trackID uint64, segmentID uint64) string {
	return fmt.Sprintf("log.%020d.%d", trackID, segmentID)
}

// Writer appends records to the currently-open segment of one track (a replicated log or a
// log-type shard), buffering them into blocks and fsyncing on Commit.
type Writer struct {
	dir     string
	trackID uint64

	mu        sync.Mutex
	segmentID uint64
	commandID uint64
	f         *os.File
	buf       *bufio.Writer
	block     []byte // pending record bytes for the current (uncommitted) block

	lastCtx   storage.ContextID
	lastShard storage.ShardID
	havePrev  bool
}

// Open opens (creating if absent) the writer for trackID, positioned at the given segmentID;
// new records are appended to the end of that segment's file.
func Open(dir string, trackID uint64, segmentID uint64) (*Writer, error) {
	w := &Writer{dir: dir, trackID: trackID}
	if err := w.openSegment(segmentID, true); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openSegment(segmentID uint64, appendHeaderIfNew bool) error {
	fn := filepath.Join(w.dir, FileName(w.trackID, segmentID))
	isNew := false
	if _, err := os.Stat(fn); err != nil {
		isNew = true
	}
	f, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("logsegment: could not open %s: %w", fn, err)
	}
	if isNew && appendHeaderIfNew {
		hdr := make([]byte, headerLen)
		binary.LittleEndian.PutUint32(hdr[0:4], segmentVersion)
		binary.LittleEndian.PutUint64(hdr[4:12], segmentID)
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return fmt.Errorf("logsegment: could not write header of %s: %w", fn, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	} else if !isNew {
		if _, err := f.Seek(0, os.SEEK_END); err != nil {
			f.Close()
			return err
		}
	}

	w.f = f
	w.buf = bufio.NewWriter(f)
	w.segmentID = segmentID
	w.commandID = 0
	w.block = w.block[:0]
	w.havePrev = false
	return nil
}

// SegmentID returns the segment currently being written.
func (w *Writer) SegmentID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentID
}

// Append buffers a record into the current (uncommitted) block and returns the
// (segmentID, commandID) coordinate it will have once Commit succeeds.
func (w *Writer) Append(r Record) (segmentID uint64, commandID uint64, err error) {
	if err := storage.ValidateKey(r.Key); err != nil {
		return 0, 0, err
	}
	if r.Op == storage.OpSet {
		if err := storage.ValidateValue(r.Value); err != nil {
			return 0, 0, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	usePrev := w.havePrev && w.lastCtx == r.ContextID && w.lastShard == r.ShardID
	w.block = encodeRecord(w.block, r, usePrev)
	w.lastCtx, w.lastShard, w.havePrev = r.ContextID, r.ShardID, true
	w.commandID++
	return w.segmentID, w.commandID, nil
}

// Commit durably flushes every record appended since the previous Commit: it writes the
// pending block (size, uncompressed length, CRC32, payload) and calls the platform file-sync
// primitive. A crash before Commit returns may lose records appended since the prior commit.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.block) == 0 {
		return nil
	}

	crc := crc32.ChecksumIEEE(w.block)
	hdr := make([]byte, blockHeaderLen)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(blockHeaderLen+len(w.block)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(w.block)))
	binary.LittleEndian.PutUint32(hdr[8:12], crc)

	if _, err := w.buf.Write(hdr); err != nil {
		return fmt.Errorf("logsegment: write block header: %w", err)
	}
	if _, err := w.buf.Write(w.block); err != nil {
		return fmt.Errorf("logsegment: write block payload: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("logsegment: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("logsegment: fsync: %w", err)
	}

	w.block = w.block[:0]
	w.havePrev = false
	return nil
}

// Rotate commits any pending block, closes the current segment and opens segmentID+1.
func (w *Writer) Rotate() (newSegmentID uint64, err error) {
	if err := w.Commit(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Close(); err != nil {
		return 0, err
	}
	next := w.segmentID + 1
	if err := w.openSegment(next, true); err != nil {
		return 0, err
	}
	logger.Debugf("logsegment: trackID=%d rotated to segmentID=%d", w.trackID, next)
	return next, nil
}

// Close flushes any pending committed data and closes the underlying file. Uncommitted
// records in the pending block are not flushed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func encodeRecord(dst []byte, r Record, usePrev bool) []byte {
	var flags byte = byte(r.Op) << 1
	if usePrev {
		flags |= 1
	}
	dst = append(dst, flags)
	if !usePrev {
		var tmp [16]byte
		binary.LittleEndian.PutUint64(tmp[0:8], uint64(r.ContextID))
		binary.LittleEndian.PutUint64(tmp[8:16], uint64(r.ShardID))
		dst = append(dst, tmp[:]...)
	}
	dst = appendUvarintBytes(dst, r.Key)
	if r.Op == storage.OpSet {
		dst = appendUvarintBytes(dst, r.Value)
	}
	return dst
}

func appendUvarintBytes(dst []byte, b []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	dst = append(dst, tmp[:n]...)
	return append(dst, b...)
}

// ErrCorrupted is returned by the Reader when a block's CRC does not match its payload.
var ErrCorrupted = fmt.Errorf("logsegment: corrupted block: %w", errors.ErrDataLoss)
