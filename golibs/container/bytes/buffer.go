// Copyright 2023 The acquirecloud Authors
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

// Package bytes contains byte-buffer storage abstractions shared by the
// in-memory and memory-mapped-file backed implementations used throughout
// the module (see golibs/files.MMFile for the on-disk one).
package bytes

// Buffer is the common abstraction over a growable region of bytes, whether
// backed by process memory or a memory-mapped file. Implementations must
// support concurrent Buffer() calls for non-overlapping regions, but not
// concurrent calls to Grow or Close with any other method.
type Buffer interface {
	// Close releases the underlying storage. The Buffer must not be used after Close.
	Close() error

	// Size returns the current size, in bytes, of the storage.
	Size() int64

	// Grow extends the storage so that Size() >= newSize. It is an error to
	// request a newSize smaller than the current size.
	Grow(newSize int64) error

	// Buffer returns a byte slice backed directly by the underlying storage,
	// covering [offs, offs+size). The returned slice is valid until the next
	// Grow or Close call.
	Buffer(offs int64, size int) ([]byte, error)
}
