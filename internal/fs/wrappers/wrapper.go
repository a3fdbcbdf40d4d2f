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

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/common"
)

const name = "github.com/nodemount/nodemount"

type wrappedCall func(ctx context.Context) error

// An interceptor runs the operation named opName, whose request is op, by
// calling w.
type interceptor func(ctx context.Context, opName string, op any, w wrappedCall) error

// wrapper routes every operation the mount serves through an interceptor.
// Operations it doesn't list go straight to the wrapped file system.
type wrapper struct {
	fuseutil.FileSystem
	invoke interceptor
}

func wrap(fs fuseutil.FileSystem, i interceptor) fuseutil.FileSystem {
	return &wrapper{FileSystem: fs, invoke: i}
}

func (fs *wrapper) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return fs.invoke(ctx, common.OpStatFS, op, func(ctx context.Context) error { return fs.FileSystem.StatFS(ctx, op) })
}

func (fs *wrapper) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	return fs.invoke(ctx, common.OpLookUpInode, op, func(ctx context.Context) error { return fs.FileSystem.LookUpInode(ctx, op) })
}

func (fs *wrapper) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	return fs.invoke(ctx, common.OpGetInodeAttributes, op, func(ctx context.Context) error { return fs.FileSystem.GetInodeAttributes(ctx, op) })
}

func (fs *wrapper) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return fs.invoke(ctx, common.OpSetInodeAttributes, op, func(ctx context.Context) error { return fs.FileSystem.SetInodeAttributes(ctx, op) })
}

func (fs *wrapper) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return fs.invoke(ctx, common.OpForgetInode, op, func(ctx context.Context) error { return fs.FileSystem.ForgetInode(ctx, op) })
}

func (fs *wrapper) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return fs.invoke(ctx, common.OpBatchForget, op, func(ctx context.Context) error { return fs.FileSystem.BatchForget(ctx, op) })
}

func (fs *wrapper) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return fs.invoke(ctx, common.OpMkDir, op, func(ctx context.Context) error { return fs.FileSystem.MkDir(ctx, op) })
}

func (fs *wrapper) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return fs.invoke(ctx, common.OpCreateFile, op, func(ctx context.Context) error { return fs.FileSystem.CreateFile(ctx, op) })
}

func (fs *wrapper) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return fs.invoke(ctx, common.OpRename, op, func(ctx context.Context) error { return fs.FileSystem.Rename(ctx, op) })
}

func (fs *wrapper) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.invoke(ctx, common.OpRmDir, op, func(ctx context.Context) error { return fs.FileSystem.RmDir(ctx, op) })
}

func (fs *wrapper) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.invoke(ctx, common.OpUnlink, op, func(ctx context.Context) error { return fs.FileSystem.Unlink(ctx, op) })
}

func (fs *wrapper) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return fs.invoke(ctx, common.OpOpenDir, op, func(ctx context.Context) error { return fs.FileSystem.OpenDir(ctx, op) })
}

func (fs *wrapper) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	return fs.invoke(ctx, common.OpReadDir, op, func(ctx context.Context) error { return fs.FileSystem.ReadDir(ctx, op) })
}

func (fs *wrapper) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return fs.invoke(ctx, common.OpReleaseDirHandle, op, func(ctx context.Context) error { return fs.FileSystem.ReleaseDirHandle(ctx, op) })
}

func (fs *wrapper) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return fs.invoke(ctx, common.OpOpenFile, op, func(ctx context.Context) error { return fs.FileSystem.OpenFile(ctx, op) })
}

func (fs *wrapper) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	return fs.invoke(ctx, common.OpReadFile, op, func(ctx context.Context) error { return fs.FileSystem.ReadFile(ctx, op) })
}

func (fs *wrapper) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return fs.invoke(ctx, common.OpWriteFile, op, func(ctx context.Context) error { return fs.FileSystem.WriteFile(ctx, op) })
}

func (fs *wrapper) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return fs.invoke(ctx, common.OpSyncFile, op, func(ctx context.Context) error { return fs.FileSystem.SyncFile(ctx, op) })
}

func (fs *wrapper) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return fs.invoke(ctx, common.OpFlushFile, op, func(ctx context.Context) error { return fs.FileSystem.FlushFile(ctx, op) })
}

func (fs *wrapper) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return fs.invoke(ctx, common.OpReleaseFileHandle, op, func(ctx context.Context) error { return fs.FileSystem.ReleaseFileHandle(ctx, op) })
}

func (fs *wrapper) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	return fs.invoke(ctx, common.OpGetXattr, op, func(ctx context.Context) error { return fs.FileSystem.GetXattr(ctx, op) })
}

func (fs *wrapper) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	return fs.invoke(ctx, common.OpListXattr, op, func(ctx context.Context) error { return fs.FileSystem.ListXattr(ctx, op) })
}
