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

package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/remote"
)

// DirHandle is the state required for reading from directories.
type DirHandle struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	in *inode.DirInode

	/////////////////////////
	// Mutable state
	/////////////////////////

	Mu sync.Locker

	// All entries in the directory. Populated the first time we need one.
	//
	// INVARIANT: For each i, entries[i].Offset == i + 1
	//
	// GUARDED_BY(Mu)
	entries []fuseutil.Dirent

	// Has entries yet been populated?
	//
	// INVARIANT: If !entriesValid, then len(entries) == 0
	//
	// GUARDED_BY(Mu)
	entriesValid bool
}

// NewDirHandle creates a directory handle that obtains listings from the
// supplied inode.
func NewDirHandle(in *inode.DirInode) (dh *DirHandle) {
	dh = &DirHandle{
		in: in,
	}
	dh.Mu = locker.New(fmt.Sprintf("DH.%d", in.ID()), dh.checkInvariants)
	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (dh *DirHandle) checkInvariants() {
	// INVARIANT: For each i, entries[i].Offset == i + 1
	for i, e := range dh.entries {
		if e.Offset != fuseops.DirOffset(i+1) {
			panic(fmt.Sprintf("Unexpected offset %v at index %d", e.Offset, i))
		}
	}

	// INVARIANT: If !entriesValid, then len(entries) == 0
	if !dh.entriesValid && len(dh.entries) != 0 {
		panic("Unexpected non-empty entries slice")
	}
}

func direntType(k remote.Kind) fuseutil.DirentType {
	if k == remote.Directory {
		return fuseutil.DT_Directory
	}
	return fuseutil.DT_File
}

// Read all entries for the directory and fill in offset fields. Unlike ids
// minted per listing, inode ids are stable, so the real ones are reported.
//
// LOCKS_EXCLUDED(in)
func readAllEntries(
	ctx context.Context,
	in *inode.DirInode) (entries []fuseutil.Dirent, err error) {
	children, err := in.ReadEntries(ctx)
	if err != nil {
		err = fmt.Errorf("ReadEntries: %w", err)
		return
	}

	entries = make([]fuseutil.Dirent, 0, len(children))
	for i, c := range children {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  c.ID,
			Name:   c.Name,
			Type:   direntType(c.Kind),
		})
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Inode returns the directory being read.
func (dh *DirHandle) Inode() *inode.DirInode {
	return dh.in
}

// ReadDir handles a request to read from the directory, without responding.
//
// Special case: we assume that a zero offset indicates that rewinddir has been
// called (since fuse gives us no way to intercept and know for sure), and
// start the listing process over again.
//
// LOCKS_REQUIRED(dh.Mu)
// LOCKS_EXCLUDED(dh.in)
func (dh *DirHandle) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) (err error) {
	// If the request is for offset zero, we assume that either this is the first
	// call or rewinddir has been called. Reset state.
	if op.Offset == 0 {
		dh.entries = nil
		dh.entriesValid = false
	}

	if !dh.entriesValid {
		var entries []fuseutil.Dirent
		entries, err = readAllEntries(ctx, dh.in)
		if err != nil {
			return
		}
		dh.entries = entries
		dh.entriesValid = true
	}

	// Is the offset past the end of what we have buffered? If so, this must be
	// an invalid seekdir according to posix.
	index := int(op.Offset)
	if index > len(dh.entries) {
		err = fuse.EINVAL
		return
	}

	// We copy out entries until we run out of entries or space.
	for i := index; i < len(dh.entries); i++ {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dh.entries[i])
		if n == 0 {
			break
		}

		op.BytesRead += n
	}

	return
}
