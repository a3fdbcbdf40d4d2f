// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wrappers

import (
	"context"
	"errors"
	"syscall"

	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/internal/fs/handle"
	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
)

func errno(err error) error {
	if err == nil {
		return nil
	}

	// Use existing FS errno
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, inode.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, inode.ErrExists), errors.Is(err, remote.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, inode.ErrNotEmpty), errors.Is(err, remote.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, inode.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, inode.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, inode.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, handle.ErrClosed):
		return syscall.EBADF
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	}

	// Unknown errors, including failed transfers and flushes.
	logger.Debugf("Mapping to EIO: %v", err)
	return syscall.EIO
}

// WithErrorMapping wraps a FileSystem, processing the returned errors, and
// mapping them into syscall.Errno that can be understood by FUSE.
func WithErrorMapping(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return wrap(wrapped, func(ctx context.Context, _ string, _ any, w wrappedCall) error {
		return errno(w(ctx))
	})
}
