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
	"fmt"
	"log/slog"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/internal/logger"
)

// describe renders the arguments of an operation, leaving out data buffers.
func describe(op any) string {
	switch op := op.(type) {
	case *fuseops.LookUpInodeOp:
		return fmt.Sprintf("%v, %q", op.Parent, op.Name)
	case *fuseops.GetInodeAttributesOp:
		return fmt.Sprintf("%v", op.Inode)
	case *fuseops.SetInodeAttributesOp:
		if op.Size != nil {
			return fmt.Sprintf("%v, size=%d", op.Inode, *op.Size)
		}
		return fmt.Sprintf("%v", op.Inode)
	case *fuseops.ForgetInodeOp:
		return fmt.Sprintf("%v, %d", op.Inode, op.N)
	case *fuseops.BatchForgetOp:
		return fmt.Sprintf("%d entries", len(op.Entries))
	case *fuseops.MkDirOp:
		return fmt.Sprintf("%v, %q", op.Parent, op.Name)
	case *fuseops.CreateFileOp:
		return fmt.Sprintf("%v, %q", op.Parent, op.Name)
	case *fuseops.RmDirOp:
		return fmt.Sprintf("%v, %q", op.Parent, op.Name)
	case *fuseops.UnlinkOp:
		return fmt.Sprintf("%v, %q", op.Parent, op.Name)
	case *fuseops.RenameOp:
		return fmt.Sprintf("%v, %q -> %v, %q", op.OldParent, op.OldName, op.NewParent, op.NewName)
	case *fuseops.OpenDirOp:
		return fmt.Sprintf("%v", op.Inode)
	case *fuseops.ReadDirOp:
		return fmt.Sprintf("%v, handle=%v, offset=%d", op.Inode, op.Handle, op.Offset)
	case *fuseops.ReleaseDirHandleOp:
		return fmt.Sprintf("handle=%v", op.Handle)
	case *fuseops.OpenFileOp:
		return fmt.Sprintf("%v", op.Inode)
	case *fuseops.ReadFileOp:
		return fmt.Sprintf("%v, handle=%v, offset=%d, size=%d", op.Inode, op.Handle, op.Offset, len(op.Dst))
	case *fuseops.WriteFileOp:
		return fmt.Sprintf("%v, handle=%v, offset=%d, size=%d", op.Inode, op.Handle, op.Offset, len(op.Data))
	case *fuseops.SyncFileOp:
		return fmt.Sprintf("%v, handle=%v", op.Inode, op.Handle)
	case *fuseops.FlushFileOp:
		return fmt.Sprintf("%v, handle=%v", op.Inode, op.Handle)
	case *fuseops.ReleaseFileHandleOp:
		return fmt.Sprintf("handle=%v", op.Handle)
	}
	return ""
}

// WithDebugLogging wraps a FileSystem, logging every operation with its
// arguments, latency and error.
func WithDebugLogging(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return withDebugLogging(wrapped, logger.NewLogger("debug_fs: "))
}

func withDebugLogging(wrapped fuseutil.FileSystem, l *slog.Logger) fuseutil.FileSystem {
	return wrap(wrapped, func(ctx context.Context, opName string, op any, w wrappedCall) error {
		start := time.Now()
		err := w(ctx)
		l.DebugContext(ctx, fmt.Sprintf("%s(%s)", opName, describe(op)),
			slog.Duration("latency", time.Since(start)),
			slog.Any("error", err))
		return err
	})
}
