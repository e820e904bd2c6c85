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
	"github.com/quorumkv/quorumkv/golibs/cast"
	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/sss/inmem"
	"github.com/quorumkv/quorumkv/golibs/strutil"
	"github.com/stretchr/testify/assert"
	"os"
	"path/filepath"
	"testing"
)

func newTestArchiver(dir string) *Archiver {
	return NewArchiver(inmem.NewStorage(), func(trackID, segmentID uint64) string {
		return filepath.Join(dir, segmentKey(trackID, segmentID))
	}, logging.NewLogger("testArchiver"))
}

func TestArchiver_ArchiveRestore(t *testing.T) {
	dir, err := os.MkdirTemp("", "TestArchiver_ArchiveRestore")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	a := newTestArchiver(dir)
	trackID, segmentID := uint64(7), uint64(1)
	fn := a.segmentFn(trackID, segmentID)
	payload := createRandomSegmentFile(t, fn)
	assert.Nil(t, a.ArchiveSegment(context.Background(), trackID, segmentID))
	os.Remove(fn)

	// held writing, cannot be restored while held deleting
	a.cc.setDeleting(segmentKey(trackID, segmentID))
	assert.NotNil(t, a.RestoreSegment(context.Background(), trackID, segmentID, 0))
	a.cc.setIdle(segmentKey(trackID, segmentID))

	// file is missing locally, gets restored from archive
	assert.Nil(t, a.RestoreSegment(context.Background(), trackID, segmentID, 0))
	buf, err := os.ReadFile(fn)
	assert.Nil(t, err)
	assert.Equal(t, buf, cast.StringToByteArray(payload))

	// local file present and no sync requested: left untouched
	os.Remove(fn)
	createRandomSegmentFile(t, fn)
	assert.Nil(t, a.RestoreSegment(context.Background(), trackID, segmentID, 0))
	buf, err = os.ReadFile(fn)
	assert.Nil(t, err)
	assert.NotEqual(t, buf, cast.StringToByteArray(payload))

	// force sync overwrites with the archived copy
	assert.Nil(t, a.RestoreSegment(context.Background(), trackID, segmentID, ArchRemoteSync))
	buf, err = os.ReadFile(fn)
	assert.Nil(t, err)
	assert.Equal(t, buf, cast.StringToByteArray(payload))

	assert.True(t, errors.Is(a.RestoreSegment(context.Background(), trackID, 999, ArchRemoteSync), errors.ErrNotExist))
}

func TestArchiver_DeleteSegment(t *testing.T) {
	dir, err := os.MkdirTemp("", "TestArchiver_DeleteSegment")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	a := newTestArchiver(dir)
	trackID, segmentID := uint64(3), uint64(5)
	fn := a.segmentFn(trackID, segmentID)
	payload := createRandomSegmentFile(t, fn)
	assert.Nil(t, a.ArchiveSegment(context.Background(), trackID, segmentID))

	id := segmentKey(trackID, segmentID)
	a.cc.openChunk(context.Background(), id)
	assert.NotNil(t, a.DeleteSegment(context.Background(), trackID, segmentID, 0))
	assert.Nil(t, a.cc.closeChunk(id))

	// both flags together rejected
	assert.NotNil(t, a.DeleteSegment(context.Background(), trackID, segmentID, ArchRemoteDelete|ArchRemoteSync))
	_, err = os.Stat(fn)
	assert.Nil(t, err)

	// delete locally, re-upload remotely first
	assert.Nil(t, a.DeleteSegment(context.Background(), trackID, segmentID, ArchRemoteSync))
	_, err = os.Stat(fn)
	assert.True(t, os.IsNotExist(err))
	assert.Nil(t, a.RestoreSegment(context.Background(), trackID, segmentID, 0))
	buf, err := os.ReadFile(fn)
	assert.Nil(t, err)
	assert.Equal(t, buf, cast.StringToByteArray(payload))

	// delete locally only, archive copy remains
	assert.Nil(t, a.DeleteSegment(context.Background(), trackID, segmentID, 0))
	_, err = os.Stat(fn)
	assert.True(t, os.IsNotExist(err))

	// cannot delete what's already gone locally and not re-synced
	assert.NotNil(t, a.DeleteSegment(context.Background(), trackID, segmentID, ArchRemoteSync))

	assert.Nil(t, a.RestoreSegment(context.Background(), trackID, segmentID, 0))
	buf, err = os.ReadFile(fn)
	assert.Nil(t, err)
	assert.Equal(t, buf, cast.StringToByteArray(payload))

	// delete everywhere
	assert.Nil(t, a.DeleteSegment(context.Background(), trackID, segmentID, ArchRemoteDelete))
	assert.NotNil(t, a.RestoreSegment(context.Background(), trackID, segmentID, 0))

	assert.NotNil(t, a.DeleteSegment(context.Background(), trackID, segmentID, ArchRemoteDelete))
}

func createRandomSegmentFile(t *testing.T, fn string) string {
	f, err := os.Create(fn)
	assert.Nil(t, err)
	defer f.Close()
	s := strutil.RandomString(512)
	_, err = f.Write(cast.StringToByteArray(s))
	assert.Nil(t, err)
	return s
}
