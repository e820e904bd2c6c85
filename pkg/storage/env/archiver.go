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

package env

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/golibs/files"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/sss"
)

// Archiver controls moving closed log segment files between the local file-system and a remote
// sss.Storage backend. Only segments that are no longer being appended to (they have been rotated
// and serialized into a file chunk, or are kept for recovery purposes) are ever archived.
type Archiver struct {
	cc        *chunkAccessor
	segmentFn func(trackID uint64, segmentID uint64) string
	storage   sss.Storage
	logger    logging.Logger
}

const (
	ArchRemoteDelete = 1
	ArchRemoteSync   = 1 << 1
)

// NewArchiver creates a new Archiver which persists log segments identified by (trackID, segmentID)
// to the given sss.Storage, using segmentFn to resolve the local file path of a segment.
func NewArchiver(storage sss.Storage, segmentFn func(trackID, segmentID uint64) string, logger logging.Logger) *Archiver {
	return &Archiver{cc: newChunkAccessor(), segmentFn: segmentFn, storage: storage, logger: logger}
}

func (a *Archiver) Close() error {
	return a.cc.Close()
}

// ArchiveSegment uploads the log segment identified by (trackID, segmentID) to the remote storage
// under the key /archive/log.<trackID>.<segmentID>
func (a *Archiver) ArchiveSegment(ctx context.Context, trackID, segmentID uint64) error {
	id := segmentKey(trackID, segmentID)
	if err := a.cc.setWriting(ctx, id); err != nil {
		return err
	}
	defer a.cc.setIdle(id)
	return a.zipAndUpload(ctx, trackID, segmentID)
}

// RestoreSegment downloads the log segment identified by (trackID, segmentID) from the remote storage
// to the local FS. ArchRemoteSync forces the download even if the file is already present locally.
func (a *Archiver) RestoreSegment(ctx context.Context, trackID, segmentID uint64, flags int) error {
	id := segmentKey(trackID, segmentID)
	if err := a.cc.setWriting(ctx, id); err != nil {
		return err
	}
	defer a.cc.setIdle(id)

	fn := a.segmentFn(trackID, segmentID)
	if flags&ArchRemoteSync == 0 {
		if _, err := os.Stat(fn); err == nil {
			return nil
		}
	}

	a.logger.Debugf("restoring log segment trackID=%d segmentID=%d from archive", trackID, segmentID)
	zfn := fn + ".zip"
	defer os.Remove(zfn)
	if err := a.downloadZip(ctx, trackID, segmentID, zfn); err != nil {
		return err
	}
	return a.unzip(zfn, fn)
}

// DeleteSegment removes the segment locally and, depending on flags, from the remote archive too.
// ArchRemoteSync uploads the segment before removing it; ArchRemoteDelete removes the remote copy
// as well. The two flags are mutually exclusive.
func (a *Archiver) DeleteSegment(ctx context.Context, trackID, segmentID uint64, flags int) error {
	if flags&ArchRemoteDelete != 0 && flags&ArchRemoteSync != 0 {
		return fmt.Errorf("ArchRemoteDelete and ArchRemoteSync cannot be specified together for trackID=%d segmentID=%d: %w", trackID, segmentID, errors.ErrInvalid)
	}
	id := segmentKey(trackID, segmentID)
	if ok := a.cc.setDeleting(id); !ok {
		return fmt.Errorf("the log segment trackID=%d segmentID=%d is in use and cannot be deleted now: %w", trackID, segmentID, errors.ErrConflict)
	}
	defer a.cc.setIdle(id)

	var resErr error
	if flags&ArchRemoteSync != 0 {
		if err := a.zipAndUpload(ctx, trackID, segmentID); err != nil {
			a.logger.Warnf("error archiving trackID=%d segmentID=%d before delete: %s", trackID, segmentID, err)
			resErr = err
		}
	}

	fn := a.segmentFn(trackID, segmentID)
	if err := os.Remove(fn); err != nil && !errors.Is(err, errors.ErrNotExist) {
		a.logger.Warnf("error deleting local segment trackID=%d segmentID=%d, fn=%s: %s", trackID, segmentID, fn, err)
		resErr = err
	}

	if flags&ArchRemoteDelete != 0 {
		if err := a.storage.Delete(segmentStorageKey(trackID, segmentID)); err != nil {
			a.logger.Warnf("could not delete archived segment trackID=%d segmentID=%d remotely: %s", trackID, segmentID, err)
			resErr = err
		}
	}

	return resErr
}

func (a *Archiver) zipAndUpload(ctx context.Context, trackID, segmentID uint64) error {
	fn := a.segmentFn(trackID, segmentID)
	zfn := fn + ".zip"
	defer os.Remove(zfn)

	name := segmentKey(trackID, segmentID)
	if err := zipSegmentFile(name, fn, zfn); err != nil {
		return err
	}

	zf, err := os.Open(zfn)
	if err != nil {
		return err
	}
	defer zf.Close()

	return a.storage.Put(segmentStorageKey(trackID, segmentID), zf)
}

func zipSegmentFile(name, fn, zfn string) error {
	zw, err := files.NewZipWriter(zfn)
	if err != nil {
		return err
	}
	defer zw.Close()

	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// segmentKey is the log.<trackID:020u>.<segmentID> name used both as the on-disk file base name
// and the entry name inside the archived zip.
func segmentKey(trackID, segmentID uint64) string {
	return fmt.Sprintf("log.%020d.%d", trackID, segmentID)
}

// segmentStorageKey builds the sss.Storage key /archive/log.<trackID>.<segmentID> under which the
// segment is archived remotely.
func segmentStorageKey(trackID, segmentID uint64) string {
	return "/archive/" + segmentKey(trackID, segmentID)
}

func (a *Archiver) downloadZip(ctx context.Context, trackID, segmentID uint64, zfn string) error {
	rdr, err := a.storage.Get(segmentStorageKey(trackID, segmentID))
	if err != nil {
		return err
	}
	defer rdr.Close()

	f, err := os.Create(zfn)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rdr)
	return err
}

func (a *Archiver) unzip(zfn, fn string) error {
	zit, err := files.NewZipIterator(zfn)
	if err != nil {
		return err
	}
	defer zit.Close()

	zf := zit.Next()
	if zf == nil {
		return fmt.Errorf("the archived log segment for file=%s is corrupted: %w", zfn, errors.ErrDataLoss)
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_ = os.Remove(fn)
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return err
}
