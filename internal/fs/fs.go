// Copyright 2015 Google Inc. All Rights Reserved.
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

package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/fs/handle"
	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/util"
	"golang.org/x/sys/unix"
)

type ServerConfig struct {
	// A clock used for attribute and entry expiration.
	CacheClock timeutil.Clock

	// The live inodes of the mount. The root is fuseops.RootInodeID.
	Inodes *inode.Cache

	// The directory holding cached content. StatFS reports on its volume.
	CacheDir string

	// Reject every modification with EROFS.
	ReadOnly bool

	// How long the kernel may cache attributes and directory entries.
	// Remote changes are only noticed once it expires.
	AttributeTTL time.Duration

	// Let operations run to completion when the kernel interrupts them.
	IgnoreInterrupts bool

	// Log every operation at TRACE level.
	DebugFuse bool

	MetricHandle common.MetricHandle
}

// NewFileSystem returns the file system presenting the inodes of cfg. The
// root inode stays pinned until Destroy.
func NewFileSystem(ctx context.Context, cfg *ServerConfig) (*fileSystem, error) {
	if cfg.Inodes == nil {
		return nil, errors.New("no inode cache")
	}

	clock := cfg.CacheClock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	root, err := cfg.Inodes.Pin(ctx, fuseops.RootInodeID)
	if err != nil {
		return nil, fmt.Errorf("loading root: %w", err)
	}
	if _, ok := root.(*inode.DirInode); !ok {
		cfg.Inodes.Unpin(fuseops.RootInodeID)
		return nil, fmt.Errorf("root inode: %w", inode.ErrNotDir)
	}

	fs := &fileSystem{
		clock:        clock,
		inodes:       cfg.Inodes,
		cacheDir:     cfg.CacheDir,
		readOnly:     cfg.ReadOnly,
		attrTTL:      cfg.AttributeTTL,
		handles:      make(map[fuseops.HandleID]interface{}),
		nextHandleID: 1,
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs, nil
}

////////////////////////////////////////////////////////////////////////
// fileSystem type
////////////////////////////////////////////////////////////////////////

// LOCK ORDERING
//
// Let FS be the file system lock and C the inode cache lock. Define a strict
// partial order < as follows:
//
//  1. For any inode lock I, I < FS and I < C.
//  2. For any handle lock H and inode lock I, H < I.
//
// We follow the rule "acquire A then B only if A < B".
//
// In other words:
//
//   - Don't hold multiple handle locks at the same time.
//   - Don't hold multiple inode locks at the same time.
//   - Don't acquire inode locks before handle locks.
//   - Don't acquire inode locks while holding the file system lock.
//
// Inodes used by an operation are pinned in the cache for its duration, so
// they can't be evicted underneath it.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock  timeutil.Clock
	inodes *inode.Cache

	/////////////////////////
	// Constant data
	/////////////////////////

	cacheDir string
	readOnly bool
	attrTTL  time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	// A lock protecting the handle table. Make sure to see the notes on lock
	// ordering above.
	mu syncutil.InvariantMutex

	// The collection of live handles, keyed by handle ID.
	//
	// INVARIANT: All values are of type *handle.FileHandle or *handle.DirHandle
	//
	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]interface{}

	// The next handle ID to hand out. We assume that this will never overflow.
	//
	// INVARIANT: For all keys k in handles, k < nextHandleID
	//
	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) checkInvariants() {
	for id, h := range fs.handles {
		if id >= fs.nextHandleID {
			panic(fmt.Sprintf("Illegal handle ID: %v", id))
		}

		switch h.(type) {
		case *handle.FileHandle, *handle.DirHandle:
		default:
			panic(fmt.Sprintf("Unexpected handle type: %T", h))
		}
	}
}

func (fs *fileSystem) expiration() time.Time {
	return fs.clock.Now().Add(fs.attrTTL)
}

// Pin the directory with the given id. The caller must unpin it.
func (fs *fileSystem) pinDir(ctx context.Context, id fuseops.InodeID) (*inode.DirInode, error) {
	in, err := fs.inodes.Pin(ctx, id)
	if err != nil {
		return nil, err
	}
	d, ok := in.(*inode.DirInode)
	if !ok {
		fs.inodes.Unpin(id)
		return nil, fmt.Errorf("inode %d: %w", id, inode.ErrNotDir)
	}
	return d, nil
}

// Pin the file with the given id. The caller must unpin it.
func (fs *fileSystem) pinFile(ctx context.Context, id fuseops.InodeID) (*inode.FileInode, error) {
	in, err := fs.inodes.Pin(ctx, id)
	if err != nil {
		return nil, err
	}
	f, ok := in.(*inode.FileInode)
	if !ok {
		fs.inodes.Unpin(id)
		return nil, fmt.Errorf("inode %d: %w", id, inode.ErrIsDir)
	}
	return f, nil
}

// Fill in an entry for the kernel, which from now on remembers the inode
// until it forgets it.
//
// LOCKS_EXCLUDED(in)
func (fs *fileSystem) fillEntry(in inode.Inode, e *fuseops.ChildInodeEntry) {
	in.Lock()
	defer in.Unlock()

	in.IncrementLookupCount()
	e.Child = in.ID()
	e.Attributes = in.Attributes()
	e.AttributesExpiration = fs.expiration()
	e.EntryExpiration = e.AttributesExpiration
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) addHandle(h interface{}) (id fuseops.HandleID) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id = fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = h
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) fileHandle(id fuseops.HandleID) (*handle.FileHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.handles[id].(*handle.FileHandle)
	if !ok {
		return nil, fmt.Errorf("unknown file handle %d: %w", id, unix.EBADF)
	}
	return fh, nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) checkWritable() error {
	if fs.readOnly {
		return inode.ErrReadOnly
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Handle bookkeeping
////////////////////////////////////////////////////////////////////////

// OpenFileHandles returns the number of file handles not yet released.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenFileHandles() (n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, h := range fs.handles {
		if _, ok := h.(*handle.FileHandle); ok {
			n++
		}
	}
	return
}

// ReleaseAll releases every live handle, returning how many file handles
// were still open.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseAll() (files int) {
	fs.mu.Lock()
	handles := fs.handles
	fs.handles = make(map[fuseops.HandleID]interface{})
	fs.mu.Unlock()

	for id, h := range handles {
		if fh, ok := h.(*handle.FileHandle); ok {
			logger.Warnf("Force closing handle %d on inode %d", id, fh.Inode().ID())
			fh.Release()
			files++
		}
	}
	return
}

////////////////////////////////////////////////////////////////////////
// FileSystem methods
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Destroy() {
	fs.ReleaseAll()
	fs.inodes.Unpin(fuseops.RootInodeID)
}

func (fs *fileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) (err error) {
	st, err := util.GetVolumeStats(fs.cacheDir)
	if err != nil {
		return
	}

	op.BlockSize = st.BlockSize
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksAvailable
	op.Inodes = st.Inodes
	op.InodesFree = st.InodesFree

	// Prefer large transfers. This is the largest value that OS X will
	// faithfully pass on, according to fuseops/ops.go.
	op.IoSize = 1 << 20
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) (err error) {
	parent, err := fs.pinDir(ctx, op.Parent)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Parent)

	c, err := parent.LookUpChild(ctx, op.Name)
	if err != nil {
		return
	}

	child, err := fs.inodes.Pin(ctx, c.ID)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(c.ID)

	fs.fillEntry(child, &op.Entry)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) (err error) {
	in, err := fs.inodes.Pin(ctx, op.Inode)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Inode)

	in.Lock()
	op.Attributes = in.Attributes()
	in.Unlock()
	op.AttributesExpiration = fs.expiration()
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) (err error) {
	in, err := fs.inodes.Pin(ctx, op.Inode)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Inode)

	// Truncate files.
	if op.Size != nil {
		if err = fs.checkWritable(); err != nil {
			return
		}
		f, ok := in.(*inode.FileInode)
		if !ok {
			err = fmt.Errorf("truncating inode %d: %w", op.Inode, inode.ErrIsDir)
			return
		}

		f.Lock()
		err = f.Truncate(ctx, *op.Size)
		f.Unlock()
		if err != nil {
			err = fmt.Errorf("Truncate: %w", err)
			return
		}
	}

	// We silently ignore updates to mode, owner and times.

	in.Lock()
	op.Attributes = in.Attributes()
	in.Unlock()
	op.AttributesExpiration = fs.expiration()
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) (err error) {
	fs.inodes.Forget(op.Inode, op.N)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) (err error) {
	for _, e := range op.Entries {
		fs.inodes.Forget(e.Inode, e.N)
	}
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) (err error) {
	if err = fs.checkWritable(); err != nil {
		return
	}

	parent, err := fs.pinDir(ctx, op.Parent)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Parent)

	c, err := parent.CreateChildDir(ctx, op.Name)
	if err != nil {
		return
	}

	child, err := fs.inodes.Pin(ctx, c.ID)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(c.ID)

	fs.fillEntry(child, &op.Entry)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) (err error) {
	if err = fs.checkWritable(); err != nil {
		return
	}

	parent, err := fs.pinDir(ctx, op.Parent)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Parent)

	c, err := parent.CreateChildFile(ctx, op.Name)
	if err != nil {
		return
	}

	child, err := fs.pinFile(ctx, c.ID)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(c.ID)

	fs.fillEntry(child, &op.Entry)
	op.Handle = fs.addHandle(handle.NewFileHandle(child, false))
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) (err error) {
	if err = fs.checkWritable(); err != nil {
		return
	}

	parent, err := fs.pinDir(ctx, op.Parent)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Parent)

	err = parent.DeleteChild(ctx, op.Name, true)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) (err error) {
	if err = fs.checkWritable(); err != nil {
		return
	}

	parent, err := fs.pinDir(ctx, op.Parent)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Parent)

	err = parent.DeleteChild(ctx, op.Name, false)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) (err error) {
	if err = fs.checkWritable(); err != nil {
		return
	}

	oldParent, err := fs.pinDir(ctx, op.OldParent)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.OldParent)

	newParent, err := fs.pinDir(ctx, op.NewParent)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.NewParent)

	err = fs.inodes.Rename(ctx, oldParent, op.OldName, newParent, op.NewName)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) (err error) {
	// The kernel holds a lookup count on the inode while it is open, which
	// keeps it in memory once unpinned.
	d, err := fs.pinDir(ctx, op.Inode)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Inode)

	op.Handle = fs.addHandle(handle.NewDirHandle(d))
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) (err error) {
	// Find the handle.
	fs.mu.Lock()
	dh, ok := fs.handles[op.Handle].(*handle.DirHandle)
	fs.mu.Unlock()
	if !ok {
		err = fmt.Errorf("unknown directory handle %d: %w", op.Handle, unix.EBADF)
		return
	}

	dh.Mu.Lock()
	defer dh.Mu.Unlock()

	// Serve the request.
	err = dh.ReadDir(ctx, op)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Sanity check that this handle exists and is of the correct type.
	if _, ok := fs.handles[op.Handle].(*handle.DirHandle); !ok {
		err = fmt.Errorf("unknown directory handle %d: %w", op.Handle, unix.EBADF)
		return
	}

	// Clear the entry from the map.
	delete(fs.handles, op.Handle)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) (err error) {
	f, err := fs.pinFile(ctx, op.Inode)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Inode)

	op.Handle = fs.addHandle(handle.NewFileHandle(f, fs.readOnly))
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) (err error) {
	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}

	// Serve the read.
	op.BytesRead, err = fh.Read(ctx, op.Dst, op.Offset)

	// As required by fuse, we don't treat EOF as an error.
	if err == io.EOF {
		err = nil
	}
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) (err error) {
	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}

	err = fh.Write(ctx, op.Data, op.Offset)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) (err error) {
	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}

	err = fh.Flush(ctx)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) (err error) {
	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}

	err = fh.Flush(ctx)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) (err error) {
	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*handle.FileHandle)
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()

	if !ok {
		err = fmt.Errorf("unknown file handle %d: %w", op.Handle, unix.EBADF)
		return
	}

	// Destroy the handle.
	fh.Release()
	return
}

// The extended attribute holding the content class of a node, e.g. "photo".
const classXattr = "user.nodemount.class"

// Copy value into dst, or report its size when dst is empty.
func xattrValue(dst []byte, value string) (n int, err error) {
	n = len(value)
	switch {
	case len(dst) == 0:
	case len(dst) < n:
		err = unix.ERANGE
	default:
		copy(dst, value)
	}
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) GetXattr(
	ctx context.Context,
	op *fuseops.GetXattrOp) (err error) {
	in, err := fs.inodes.Pin(ctx, op.Inode)
	if err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Inode)

	if op.Name != classXattr {
		// ENOATTR
		err = unix.ENODATA
		return
	}

	in.Lock()
	class := string(in.Record().Extension)
	in.Unlock()

	op.BytesRead, err = xattrValue(op.Dst, class)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ListXattr(
	ctx context.Context,
	op *fuseops.ListXattrOp) (err error) {
	if _, err = fs.inodes.Pin(ctx, op.Inode); err != nil {
		return
	}
	defer fs.inodes.Unpin(op.Inode)

	op.BytesRead, err = xattrValue(op.Dst, classXattr+"\x00")
	return
}
