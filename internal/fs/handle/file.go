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
	"errors"
	"fmt"
	"sync"

	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
)

var (
	// ErrClosed means the handle has been released.
	ErrClosed = errors.New("file handle is closed")

	// ErrFlushFailed means an earlier flush through the handle failed. The
	// handle accepts nothing further; the local data is kept.
	ErrFlushFailed = errors.New("flush failed")
)

// State of a FileHandle.
type State int

const (
	Opened State = iota
	Reading
	Writing
	Flushing
	Closed
	FlushFailed
)

func (s State) String() string {
	switch s {
	case Opened:
		return "Opened"
	case Reading:
		return "Reading"
	case Writing:
		return "Writing"
	case Flushing:
		return "Flushing"
	case Closed:
		return "Closed"
	case FlushFailed:
		return "FlushFailed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FileHandle is the I/O context of one open file. Writes and flushes through
// a handle run one at a time, in the order they arrive. Reads run
// concurrently with each other and with writes.
type FileHandle struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	inode    *inode.FileInode
	readOnly bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Locker

	// INVARIANT: state is Opened, Closed or FlushFailed between operations.
	//
	// GUARDED_BY(mu)
	state State

	// The error that sent the handle to FlushFailed.
	//
	// INVARIANT: (flushErr != nil) == (state == FlushFailed)
	//
	// GUARDED_BY(mu)
	flushErr error

	// Reads in flight. Release waits for them before letting go of the inode.
	//
	// GUARDED_BY(mu)
	reads int

	readsWG sync.WaitGroup
}

// NewFileHandle opens a handle on the inode. A read-only handle rejects
// writes.
//
// LOCKS_EXCLUDED(in)
func NewFileHandle(in *inode.FileInode, readOnly bool) (fh *FileHandle) {
	fh = &FileHandle{
		inode:    in,
		readOnly: readOnly,
		state:    Opened,
	}
	fh.mu = locker.New(fmt.Sprintf("FH.%d", in.ID()), fh.checkInvariants)

	in.Lock()
	in.Open()
	in.Unlock()
	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (fh *FileHandle) checkInvariants() {
	switch fh.state {
	case Opened, Closed, FlushFailed:
	default:
		panic(fmt.Sprintf("handle left in state %v", fh.state))
	}

	if (fh.flushErr != nil) != (fh.state == FlushFailed) {
		panic(fmt.Sprintf("flush error %v in state %v", fh.flushErr, fh.state))
	}

	if fh.reads < 0 {
		panic(fmt.Sprintf("%d reads in flight", fh.reads))
	}
}

// Move into the state of an operation, or report why the handle can't.
//
// LOCKS_REQUIRED(fh.mu)
func (fh *FileHandle) begin(s State) error {
	switch fh.state {
	case Closed:
		return ErrClosed
	case FlushFailed:
		return fmt.Errorf("%w: %w", ErrFlushFailed, fh.flushErr)
	}
	fh.state = s
	return nil
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Inode returns the inode backing this handle.
func (fh *FileHandle) Inode() *inode.FileInode {
	return fh.inode
}

// State reports Reading while a read is in flight on an otherwise idle
// handle.
//
// LOCKS_EXCLUDED(fh.mu)
func (fh *FileHandle) State() State {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.state == Opened && fh.reads > 0 {
		return Reading
	}
	return fh.state
}

// Read fills dst from offset off, returning io.EOF at or past the end of the
// file. A read miss waits for the download without holding the handle, so
// reads of cached ranges are not held up by it. Cancelling ctx stops the wait
// but not the download.
//
// LOCKS_EXCLUDED(fh.mu)
// LOCKS_EXCLUDED(fh.inode)
func (fh *FileHandle) Read(ctx context.Context, dst []byte, off int64) (n int, err error) {
	fh.mu.Lock()
	switch fh.state {
	case Closed:
		fh.mu.Unlock()
		return 0, ErrClosed
	case FlushFailed:
		err = fmt.Errorf("%w: %w", ErrFlushFailed, fh.flushErr)
		fh.mu.Unlock()
		return 0, err
	}
	fh.reads++
	fh.readsWG.Add(1)
	fh.mu.Unlock()

	defer func() {
		fh.mu.Lock()
		fh.reads--
		fh.mu.Unlock()
		fh.readsWG.Done()
	}()

	return fh.inode.Read(ctx, dst, off)
}

// Write stores data at offset off. The file becomes dirty until flushed.
//
// LOCKS_EXCLUDED(fh.mu)
// LOCKS_EXCLUDED(fh.inode)
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.readOnly {
		return inode.ErrReadOnly
	}
	if err := fh.begin(Writing); err != nil {
		return err
	}
	defer func() { fh.state = Opened }()

	fh.inode.Lock()
	defer fh.inode.Unlock()
	return fh.inode.Write(ctx, data, off)
}

// Flush uploads local modifications, if any. A failed flush is terminal for
// the handle; the modifications stay in the cache.
//
// LOCKS_EXCLUDED(fh.mu)
// LOCKS_EXCLUDED(fh.inode)
func (fh *FileHandle) Flush(ctx context.Context) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if err := fh.begin(Flushing); err != nil {
		return err
	}

	if err := fh.inode.Sync(ctx); err != nil {
		logger.Errorf("Flushing inode %d: %v", fh.inode.ID(), err)
		fh.state = FlushFailed
		fh.flushErr = err
		return fmt.Errorf("%w: %w", ErrFlushFailed, err)
	}

	fh.state = Opened
	return nil
}

// Release closes the handle. It must not be used again. Reads still in
// flight finish first.
//
// LOCKS_EXCLUDED(fh.mu)
// LOCKS_EXCLUDED(fh.inode)
func (fh *FileHandle) Release() {
	fh.mu.Lock()
	if fh.state == Closed {
		fh.mu.Unlock()
		panic(fmt.Sprintf("FH.%d released twice", fh.inode.ID()))
	}
	fh.state = Closed
	fh.flushErr = nil
	fh.mu.Unlock()

	fh.readsWG.Wait()

	fh.inode.Lock()
	fh.inode.Close()
	fh.inode.Unlock()
}
