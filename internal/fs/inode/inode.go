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

package inode

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/nodemount/nodemount/internal/inodedb"
)

var (
	// ErrNotFound means a directory has no child of the requested name.
	ErrNotFound = errors.New("no such child")

	// ErrExists means a directory already has a child of the requested name.
	ErrExists = errors.New("child already exists")

	// ErrNotEmpty means a directory to be removed still has children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrReadOnly means the mount does not accept modifications.
	ErrReadOnly = errors.New("read-only mount")
)

type Inode interface {
	// Methods below require the lock to be held unless otherwise documented.
	sync.Locker

	// Return the ID assigned to the inode.
	//
	// Does not require the lock to be held.
	ID() fuseops.InodeID

	// Return the catalog record as last known to the inode.
	Record() inodedb.Record

	// Return up to date attributes for this inode.
	Attributes() fuseops.InodeAttributes

	// Increment the lookup count for the inode. For use in fuse operations where
	// the kernel expects us to remember the inode.
	IncrementLookupCount()

	// Decrement the lookup count for the inode by the given amount. Returns
	// true once the count has hit zero.
	DecrementLookupCount(n uint64) (destroy bool)

	// Whether the inode's node has been deleted, locally or remotely.
	IsUnlinked() bool

	// Return the state shared with the cache.
	//
	// Does not require the lock to be held.
	base() *core
}

// Attributes holds the ownership and permission bits shared by every inode
// of a mount.
type Attributes struct {
	Uid      uint32
	Gid      uint32
	FileMode os.FileMode
	DirMode  os.FileMode
}

// State of an inode read by the cache without the inode lock, to decide
// whether the inode may be evicted.
type core struct {
	id fuseops.InodeID

	lc lookupCount

	// Unix nanoseconds of the last time the cache handed the inode out.
	accessed atomic.Int64

	// Open file handles.
	handles atomic.Int32

	// Set while a directory listing is in flight.
	loading atomic.Bool

	// Set while a file holds local content not yet uploaded.
	dirty atomic.Bool

	unlinked atomic.Bool
}

func (c *core) init(id fuseops.InodeID, now time.Time) {
	c.id = id
	c.lc.Init(id)
	c.accessed.Store(now.UnixNano())
}

// Whether nothing besides the cache's own pins keeps the inode in memory.
func (c *core) idle() bool {
	return c.lc.Load() == 0 &&
		c.handles.Load() == 0 &&
		!c.loading.Load() &&
		!c.dirty.Load()
}

func (c *core) touch(now time.Time) {
	c.accessed.Store(now.UnixNano())
}

func (c *core) lastAccess() time.Time {
	return time.Unix(0, c.accessed.Load())
}

func (c *core) ID() fuseops.InodeID {
	return c.id
}

func (c *core) base() *core {
	return c
}

// LOCKS_REQUIRED(inode lock)
func (c *core) IncrementLookupCount() {
	c.lc.Inc()
}

// LOCKS_REQUIRED(inode lock)
func (c *core) DecrementLookupCount(n uint64) (destroy bool) {
	return c.lc.Dec(n)
}

func (c *core) IsUnlinked() bool {
	return c.unlinked.Load()
}

func (c *core) attributes(r inodedb.Record, a Attributes) fuseops.InodeAttributes {
	attrs := fuseops.InodeAttributes{
		Nlink: 1,
		Uid:   a.Uid,
		Gid:   a.Gid,
		Mtime: r.Modified,
		Ctime: r.Modified,
		Atime: r.Modified,
	}
	if c.unlinked.Load() {
		attrs.Nlink = 0
	}
	return attrs
}
