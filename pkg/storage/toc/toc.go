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
Package toc implements the storage environment's table-of-contents file: the single on-disk
record of every shard and the file chunks that compose it. Rewrites follow the crash-safe
toc.new-then-rename protocol so a crash at any point leaves either the old toc or a fully
written new one, never a half-written file mistaken for valid.
*/
package toc

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/pkg/storage"
)

// Version is the only table-of-contents layout this build understands. A TOC declaring a
// higher version is a fatal error: a newer binary wrote it.
const Version = 1

const fixedHeaderLen = 24 // pageSize:u32 | checksum:u32 | version:u32 | pad:u32 | numShards:u32 | pad:u32

// FileName and NewFileName are the two TOC files under envPath: the stable toc and the
// transient toc.new used while rewriting.
const (
	FileName    = "toc"
	NewFileName = "toc.new"
)

// Entry is one shard's record in the TOC: its descriptor, track, recovery coordinates, and the
// file chunks that currently compose it. NextChunkID is not itself stored on disk (it is
// recovered as one past the highest chunkID present); DeriveNextChunkID recomputes it.
type Entry struct {
	Descriptor           storage.ShardDescriptor
	TrackID              uint64
	RecoveryLogSegmentID uint64
	RecoveryLogCommandID uint64
	ChunkIDs             []storage.ChunkID
}

// DeriveNextChunkID returns one past the highest chunkID in e.ChunkIDs (1 if e has none): the
// value a recovered shard's NextChunkID must be initialized to, per the invariant that
// nextChunkID strictly exceeds every chunkID on disk or in memory.
func (e Entry) DeriveNextChunkID() storage.ChunkID {
	var max storage.ChunkID
	for _, id := range e.ChunkIDs {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// TOC is the decoded table of contents: one Entry per shard.
type TOC struct {
	Entries []Entry
}

// ErrFutureVersion is returned when a TOC declares a version newer than this build understands.
var ErrFutureVersion = fmt.Errorf("toc: version newer than this build understands: %w", errors.ErrInvalid)

// ErrCorrupted is returned when a TOC's checksum does not match its payload.
var ErrCorrupted = fmt.Errorf("toc: checksum mismatch: %w", errors.ErrDataLoss)

// Encode serializes t into the little-endian TOC format of spec §6.
func Encode(t *TOC) []byte {
	body := make([]byte, 0, 256*len(t.Entries))
	for _, e := range t.Entries {
		body = encodeEntry(body, e)
	}

	buf := make([]byte, fixedHeaderLen+len(body))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(t.Entries)))
	copy(buf[fixedHeaderLen:], body)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[8:12], Version)
	checksum := crc32.ChecksumIEEE(buf[8:])
	binary.LittleEndian.PutUint32(buf[4:8], checksum)
	return buf
}

func encodeEntry(dst []byte, e Entry) []byte {
	var u64 [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(u64[:], v)
		dst = append(dst, u64[:]...)
		dst = append(dst, u64[:]...) // pad:u64
	}

	putU64(e.TrackID)
	putU64(uint64(e.Descriptor.ContextID))
	putU64(uint64(e.Descriptor.TableID))
	putU64(uint64(e.Descriptor.ShardID))
	putU64(e.RecoveryLogSegmentID)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(e.RecoveryLogCommandID))
	dst = append(dst, u32[:]...)
	dst = append(dst, u32[:]...) // pad:u32

	dst = appendBytesField(dst, e.Descriptor.FirstKey)
	dst = appendBytesField(dst, e.Descriptor.LastKey)

	if e.Descriptor.UseBloomFilter {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = append(dst, byte(e.Descriptor.StorageType))

	binary.LittleEndian.PutUint32(u32[:], uint32(len(e.ChunkIDs)))
	dst = append(dst, u32[:]...)
	dst = append(dst, u32[:]...) // pad:u32
	for _, id := range e.ChunkIDs {
		binary.LittleEndian.PutUint64(u64[:], uint64(id))
		dst = append(dst, u64[:]...)
		dst = append(dst, u64[:]...) // pad:u64
	}
	return dst
}

func appendBytesField(dst []byte, b []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	dst = append(dst, l[:]...)
	return append(dst, b...)
}

// Decode parses raw (a full TOC file's contents) produced by Encode.
func Decode(raw []byte) (*TOC, error) {
	if len(raw) < fixedHeaderLen {
		return nil, fmt.Errorf("toc: file too short (%d bytes): %w", len(raw), errors.ErrDataLoss)
	}
	pageSize := binary.LittleEndian.Uint32(raw[0:4])
	if int(pageSize) != len(raw) {
		return nil, fmt.Errorf("toc: declared size=%d does not match file size=%d: %w", pageSize, len(raw), errors.ErrDataLoss)
	}
	checksum := binary.LittleEndian.Uint32(raw[4:8])
	version := binary.LittleEndian.Uint32(raw[8:12])
	numShards := binary.LittleEndian.Uint32(raw[16:20])

	if version > Version {
		return nil, ErrFutureVersion
	}
	if got := crc32.ChecksumIEEE(raw[8:]); got != checksum {
		return nil, fmt.Errorf("toc: want=%08x got=%08x: %w", checksum, got, ErrCorrupted)
	}

	body := raw[fixedHeaderLen:]
	t := &TOC{Entries: make([]Entry, 0, numShards)}
	for i := uint32(0); i < numShards; i++ {
		e, rest, err := decodeEntry(body)
		if err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, e)
		body = rest
	}
	return t, nil
}

func decodeEntry(b []byte) (Entry, []byte, error) {
	var e Entry
	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("toc: truncated shard record: %w", errors.ErrDataLoss)
		}
		return nil
	}

	// TrackID:u64+pad | ContextID:u64+pad | TableID:u64+pad | ShardID:u64+pad |
	// RecoveryLogSegmentID:u64+pad | RecoveryLogCommandID:u32+pad = 88 bytes.
	if err := need(88); err != nil {
		return e, nil, err
	}
	e.TrackID = binary.LittleEndian.Uint64(b[0:8])
	e.Descriptor.ContextID = storage.ContextID(binary.LittleEndian.Uint64(b[16:24]))
	e.Descriptor.TableID = storage.TableID(binary.LittleEndian.Uint64(b[32:40]))
	e.Descriptor.ShardID = storage.ShardID(binary.LittleEndian.Uint64(b[48:56]))
	e.RecoveryLogSegmentID = binary.LittleEndian.Uint64(b[64:72])
	e.RecoveryLogCommandID = uint64(binary.LittleEndian.Uint32(b[80:84]))
	b = b[88:]

	var err error
	e.Descriptor.FirstKey, b, err = readBytesField(b)
	if err != nil {
		return e, nil, err
	}
	e.Descriptor.LastKey, b, err = readBytesField(b)
	if err != nil {
		return e, nil, err
	}

	if err := need(2 + 4 + 4); err != nil {
		return e, nil, err
	}
	e.Descriptor.UseBloomFilter = b[0] != 0
	e.Descriptor.StorageType = storage.StorageType(b[1])
	numChunks := binary.LittleEndian.Uint32(b[2:6])
	b = b[10:]

	if uint64(len(b)) < uint64(numChunks)*16 {
		return e, nil, fmt.Errorf("toc: truncated chunk list: %w", errors.ErrDataLoss)
	}
	e.ChunkIDs = make([]storage.ChunkID, numChunks)
	for i := range e.ChunkIDs {
		e.ChunkIDs[i] = storage.ChunkID(binary.LittleEndian.Uint64(b[0:8]))
		b = b[16:]
	}
	return e, b, nil
}

func readBytesField(b []byte) (val []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("toc: truncated length field: %w", errors.ErrDataLoss)
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, fmt.Errorf("toc: truncated field: %w", errors.ErrDataLoss)
	}
	if n == 0 {
		return nil, b, nil
	}
	return b[:n], b[n:], nil
}

// Load reads the TOC from dir, preferring toc.new if it is present and parses cleanly (a crash
// mid-rewrite can leave both files; toc.new, if whole, is the newer of the two). Returns
// errors.ErrNotExist if neither file exists.
func Load(dir string) (*TOC, error) {
	newPath := filepath.Join(dir, NewFileName)
	if raw, err := os.ReadFile(newPath); err == nil {
		if t, derr := Decode(raw); derr == nil {
			return t, nil
		}
		// toc.new exists but is partial/corrupt: a crash happened mid-rewrite. Fall back to toc.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("toc: reading %s: %w", newPath, err)
	}

	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotExist
		}
		return nil, fmt.Errorf("toc: reading %s: %w", path, err)
	}
	return Decode(raw)
}

// Save atomically rewrites dir's TOC to t: write toc.new, fsync, unlink the old toc, rename
// toc.new to toc. A crash at any point leaves either the untouched old toc (steps before the
// rename) or a complete new one (after), never a half-written file passed off as current.
func Save(dir string, t *TOC) error {
	newPath := filepath.Join(dir, NewFileName)
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("toc: creating %s: %w", newPath, err)
	}
	if _, err := f.Write(Encode(t)); err != nil {
		f.Close()
		return fmt.Errorf("toc: writing %s: %w", newPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("toc: fsync %s: %w", newPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("toc: closing %s: %w", newPath, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("toc: removing old %s: %w", path, err)
	}
	if err := os.Rename(newPath, path); err != nil {
		return fmt.Errorf("toc: renaming %s to %s: %w", newPath, path, err)
	}
	return nil
}
