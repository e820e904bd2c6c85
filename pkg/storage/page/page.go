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

// Package page implements the fixed-layout, size+CRC framed pages that back
// every on-disk structure in the module (log segment blocks, file-chunk
// header/bloom/index/data pages). It is built directly on top of
// golibs/container/bytes.Buffer, the same buffer abstraction golibs/files.MMFile
// and golibs/container/bytes.Blocks already implement, generalized from
// "growable blob of same-shaped records" to "size+CRC framed page".
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/quorumkv/quorumkv/golibs/container/bytes"
	"github.com/quorumkv/quorumkv/golibs/errors"
)

const (
	// DefaultGranule is STORAGE_DEFAULT_PAGE_GRAN: the unit pages are aligned and
	// padded to on disk.
	DefaultGranule = 4096

	// DefaultDataPageSize is STORAGE_DEFAULT_DATA_PAGE_SIZE: the target size file-chunk
	// data pages are split at.
	DefaultDataPageSize = 64 * 1024

	// headerLen is the 4-byte page-size field plus the 4-byte CRC field that precede
	// every page's payload.
	headerLen = 8
)

// ErrCorrupted is returned when a page's CRC does not match its payload. Per spec,
// this is fatal at recovery time; cache-miss paths treat it as fatal too, except
// when the mismatch is against an all-zero (never-written) page, which is reported
// as errors.ErrNotExist instead.
var ErrCorrupted = fmt.Errorf("storage/page: corrupted page: %w", errors.ErrDataLoss)

// Sizeof returns the padded, on-disk size of a page carrying payloadLen bytes of
// payload, rounded up to the next multiple of granule.
func Sizeof(payloadLen, granule int) int64 {
	total := headerLen + payloadLen
	if rem := total % granule; rem != 0 {
		total += granule - rem
	}
	return int64(total)
}

// Encode frames payload into a granule-padded page: a 4-byte little-endian page
// size, a 4-byte little-endian CRC-32 (IEEE) of payload, the payload itself, and
// zero padding out to the next multiple of granule.
func Encode(payload []byte, granule int) []byte {
	sz := Sizeof(len(payload), granule)
	buf := make([]byte, sz)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[headerLen:], payload)
	return buf
}

// Decode parses a page previously produced by Encode out of raw (which may be
// longer than the page itself — only the framed prefix is consumed). It returns
// the payload and the total padded length consumed. CRC mismatch is reported as
// ErrCorrupted, except an all-zero header (page size 0, CRC 0, matching the CRC
// of an empty payload) which is reported as errors.ErrNotExist: a page that was
// never written.
func Decode(raw []byte) (payload []byte, consumed int, err error) {
	if len(raw) < headerLen {
		return nil, 0, fmt.Errorf("storage/page: short read, have %d bytes, need at least %d: %w", len(raw), headerLen, errors.ErrInvalid)
	}
	payloadLen := binary.LittleEndian.Uint32(raw[0:4])
	crc := binary.LittleEndian.Uint32(raw[4:8])
	if payloadLen == 0 && crc == 0 {
		return nil, headerLen, errors.ErrNotExist
	}
	if headerLen+int(payloadLen) > len(raw) {
		return nil, 0, fmt.Errorf("storage/page: page claims payload=%d bytes but only %d available: %w", payloadLen, len(raw)-headerLen, ErrCorrupted)
	}
	payload = raw[headerLen : headerLen+int(payloadLen)]
	if got := crc32.ChecksumIEEE(payload); got != crc {
		return nil, 0, fmt.Errorf("storage/page: CRC mismatch, want=%08x got=%08x: %w", crc, got, ErrCorrupted)
	}
	return payload, headerLen + int(payloadLen), nil
}

// Write encodes payload and writes it into buf at offset, growing buf first if
// necessary. granule controls the padding; pass DefaultGranule unless the caller
// has a page-type-specific granule (file-chunk data pages use 1, i.e. unpadded,
// since they are already sized to DefaultDataPageSize by the caller).
func Write(buf bytes.Buffer, offset int64, payload []byte, granule int) error {
	sz := Sizeof(len(payload), granule)
	if need := offset + sz; need > buf.Size() {
		if rem := need % DefaultGranule; rem != 0 {
			need += DefaultGranule - rem
		}
		if err := buf.Grow(need); err != nil {
			return fmt.Errorf("storage/page: could not grow buffer to %d: %w", need, err)
		}
	}
	dst, err := buf.Buffer(offset, int(sz))
	if err != nil {
		return fmt.Errorf("storage/page: could not map region [%d,%d): %w", offset, offset+sz, err)
	}
	copy(dst, Encode(payload, granule))
	return nil
}

// Read reads and decodes the page at offset. It first reads one granule to learn
// the page's real size (a page never exceeds... unless its payload is larger than
// one granule, in which case Read re-reads the full framed length), matching the
// "read one granule to learn pageSize, then read the remainder" discipline of
// spec.md §4.1.
func Read(buf bytes.Buffer, offset int64, granule int) ([]byte, error) {
	if offset >= buf.Size() {
		return nil, errors.ErrNotExist
	}
	probeLen := granule
	if probeLen < headerLen {
		probeLen = headerLen
	}
	head, err := buf.Buffer(offset, probeLen)
	if err != nil {
		return nil, fmt.Errorf("storage/page: could not map granule at %d: %w", offset, err)
	}
	payload, consumed, err := Decode(head)
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, ErrCorrupted) {
		return nil, err
	}
	// the payload may be larger than one granule; re-read with the claimed size if
	// it fits the buffer, otherwise the corruption is genuine.
	if len(head) < headerLen {
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(head[0:4])
	full := headerLen + int(payloadLen)
	if int64(full) > buf.Size()-offset || full <= granule {
		return nil, err
	}
	raw, rerr := buf.Buffer(offset, full)
	if rerr != nil {
		return nil, err
	}
	payload, _, err = Decode(raw)
	_ = consumed
	return payload, err
}
