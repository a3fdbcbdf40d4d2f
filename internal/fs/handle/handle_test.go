// Copyright 2024 Google Inc. All Rights Reserved.
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
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/internal/cache/file"
	"github.com/nodemount/nodemount/internal/cache/file/downloader"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/inodedb"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/nodemount/nodemount/internal/remote/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type HandleTest struct {
	suite.Suite
	ctx     context.Context
	clock   timeutil.SimulatedClock
	dir     string
	catalog *database.Catalog
	client  *fake.Client
	files   *file.Cache
	jm      *downloader.JobManager
	cache   *inode.Cache
	root    *inode.DirInode
}

func TestHandleSuite(t *testing.T) {
	suite.Run(t, new(HandleTest))
}

func (t *HandleTest) SetupTest() {
	var err error
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local))

	t.dir, err = os.MkdirTemp("", "handle_test")
	require.NoError(t.T(), err)

	t.catalog, err = database.Open(t.ctx, filepath.Join(t.dir, "catalog.db"), database.Options{})
	require.NoError(t.T(), err)

	t.client = fake.NewClient(&t.clock)
	t.files, err = file.New(t.ctx, file.Options{
		CacheDir: filepath.Join(t.dir, "cache"),
		Clock:    &t.clock,
	})
	require.NoError(t.T(), err)

	t.jm = downloader.NewJobManager(t.client, t.files, 4, 2, nil)
	db := inodedb.New(t.catalog, 1, t.files)
	_, err = db.Allocate(t.ctx, 0, remote.Entry{Handle: fake.RootHandle, Kind: remote.Directory})
	require.NoError(t.T(), err)

	t.cache = inode.NewCache(
		inode.Config{
			Attributes:          inode.Attributes{FileMode: 0644, DirMode: 0755},
			MaxEntries:          100,
			CleanerAgeThreshold: time.Hour,
		},
		db,
		t.client,
		inode.Content{Files: t.files, Downloads: t.jm},
		&t.clock)

	in, err := t.cache.Pin(t.ctx, fuseops.RootInodeID)
	require.NoError(t.T(), err)
	t.root = in.(*inode.DirInode)
}

func (t *HandleTest) TearDownTest() {
	t.jm.Wait()
	t.cache.Close()
	t.catalog.Close()
	os.RemoveAll(t.dir)
}

func (t *HandleTest) openFile(name string, readOnly bool) *FileHandle {
	c, err := t.root.LookUpChild(t.ctx, name)
	require.NoError(t.T(), err)
	in, err := t.cache.Pin(t.ctx, c.ID)
	require.NoError(t.T(), err)
	return NewFileHandle(in.(*inode.FileInode), readOnly)
}

func (t *HandleTest) createFile(name string) *FileHandle {
	c, err := t.root.CreateChildFile(t.ctx, name)
	require.NoError(t.T(), err)
	in, err := t.cache.Pin(t.ctx, c.ID)
	require.NoError(t.T(), err)
	return NewFileHandle(in.(*inode.FileInode), false)
}

func (t *HandleTest) readAll(fh *FileHandle) string {
	buf := make([]byte, 64)
	n, err := fh.Read(t.ctx, buf, 0)
	if err != nil {
		require.ErrorIs(t.T(), err, io.EOF)
	}
	return string(buf[:n])
}

type dirent struct {
	ino  uint64
	name string
	typ  uint32
}

// Decode the fuse_dirent records written by fuseutil.WriteDirent.
func parseDirents(b []byte) (out []dirent) {
	for len(b) >= 24 {
		namelen := int(binary.LittleEndian.Uint32(b[16:]))
		out = append(out, dirent{
			ino:  binary.LittleEndian.Uint64(b),
			typ:  binary.LittleEndian.Uint32(b[20:]),
			name: string(b[24 : 24+namelen]),
		})
		size := (24 + namelen + 7) &^ 7
		b = b[size:]
	}
	return
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (t *HandleTest) TestWriteFlushReopenRead() {
	fh := t.createFile("a")
	require.NoError(t.T(), fh.Write(t.ctx, []byte("taco"), 0))
	require.NoError(t.T(), fh.Flush(t.ctx))
	assert.Equal(t.T(), Opened, fh.State())
	fh.Release()
	assert.Equal(t.T(), Closed, fh.State())

	h := t.client.Child(fake.RootHandle, "a")
	assert.Equal(t.T(), "taco", string(t.client.Content(h)))

	fh = t.openFile("a", true)
	defer fh.Release()
	assert.Equal(t.T(), "taco", t.readAll(fh))
	assert.Equal(t.T(), 0, t.client.DownloadCalls())
}

func (t *HandleTest) TestReadPastEnd() {
	t.client.AddFile(fake.RootHandle, "a", []byte("taco"))
	fh := t.openFile("a", true)
	defer fh.Release()

	_, err := fh.Read(t.ctx, make([]byte, 4), 4)
	assert.ErrorIs(t.T(), err, io.EOF)
	assert.Equal(t.T(), Opened, fh.State())
}

func (t *HandleTest) TestGapIsZeroFilled() {
	fh := t.createFile("a")
	defer fh.Release()

	require.NoError(t.T(), fh.Write(t.ctx, []byte("ab"), 0))
	require.NoError(t.T(), fh.Write(t.ctx, []byte("z"), 5))
	assert.Equal(t.T(), "ab\x00\x00\x00z", t.readAll(fh))
}

type readResult struct {
	s   string
	err error
}

func (t *HandleTest) readAsync(ctx context.Context, fh *FileHandle, off int64) <-chan readResult {
	done := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 4)
		n, err := fh.Read(ctx, buf, off)
		done <- readResult{string(buf[:n]), err}
	}()
	return done
}

func (t *HandleTest) awaitRead(done <-chan readResult) readResult {
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		require.FailNow(t.T(), "read did not complete")
		return readResult{}
	}
}

func (t *HandleTest) TestCachedReadDoesNotWaitForMiss() {
	t.client.AddFile(fake.RootHandle, "a", []byte("0123456789abcdef"))
	fh := t.openFile("a", true)
	defer fh.Release()
	assert.Equal(t.T(), "0123", t.awaitRead(t.readAsync(t.ctx, fh, 0)).s)

	parked := make(chan struct{})
	unpark := make(chan struct{})
	t.client.DownloadHook = func(_ remote.Handle, br remote.ByteRange) error {
		if br.Start == 8 {
			close(parked)
			<-unpark
		}
		return nil
	}
	miss := t.readAsync(t.ctx, fh, 8)
	<-parked

	// The cached range is served while the miss is pending.
	hit := t.awaitRead(t.readAsync(t.ctx, fh, 0))
	require.NoError(t.T(), hit.err)
	assert.Equal(t.T(), "0123", hit.s)
	assert.Equal(t.T(), Reading, fh.State())

	// So is a reader that gives up on the same miss.
	ctx, cancel := context.WithCancel(t.ctx)
	cancelled := t.readAsync(ctx, fh, 8)
	cancel()
	assert.ErrorIs(t.T(), t.awaitRead(cancelled).err, context.Canceled)

	close(unpark)
	r := t.awaitRead(miss)
	require.NoError(t.T(), r.err)
	assert.Equal(t.T(), "89ab", r.s)
	assert.Equal(t.T(), Opened, fh.State())
}

func (t *HandleTest) TestReleaseWaitsForReads() {
	t.client.AddFile(fake.RootHandle, "a", []byte("taco"))
	fh := t.openFile("a", true)

	parked := make(chan struct{})
	unpark := make(chan struct{})
	t.client.DownloadHook = func(remote.Handle, remote.ByteRange) error {
		close(parked)
		<-unpark
		return nil
	}
	read := t.readAsync(t.ctx, fh, 0)
	<-parked

	released := make(chan struct{})
	go func() {
		fh.Release()
		close(released)
	}()

	select {
	case <-released:
		assert.Fail(t.T(), "Release returned with a read in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(unpark)
	r := t.awaitRead(read)
	require.NoError(t.T(), r.err)
	assert.Equal(t.T(), "taco", r.s)
	<-released
	assert.Equal(t.T(), Closed, fh.State())
}

func (t *HandleTest) TestFatalDownloadCreatesNoCacheEntry() {
	t.client.DownloadHook = func(remote.Handle, remote.ByteRange) error {
		return &remote.TransferError{Op: "download", Err: errors.New("gone")}
	}
	t.client.AddFile(fake.RootHandle, "a", []byte("taco"))
	fh := t.openFile("a", true)
	defer fh.Release()

	_, err := fh.Read(t.ctx, make([]byte, 4), 0)
	assert.ErrorContains(t.T(), err, "gone")
	assert.Equal(t.T(), uint64(0), t.files.Size())

	// A failed read leaves the handle usable.
	assert.Equal(t.T(), Opened, fh.State())
}

func (t *HandleTest) TestFlushFailureIsTerminal() {
	t.client.UploadHook = func(remote.UploadRequest) error {
		return &remote.TransferError{Op: "upload", Err: errors.New("denied")}
	}
	fh := t.createFile("a")
	require.NoError(t.T(), fh.Write(t.ctx, []byte("taco"), 0))

	err := fh.Flush(t.ctx)
	assert.ErrorIs(t.T(), err, ErrFlushFailed)
	assert.ErrorContains(t.T(), err, "denied")
	assert.Equal(t.T(), FlushFailed, fh.State())

	// Later requests fail without reaching the remote.
	t.client.UploadHook = nil
	assert.ErrorIs(t.T(), fh.Flush(t.ctx), ErrFlushFailed)
	assert.ErrorIs(t.T(), fh.Write(t.ctx, []byte("x"), 0), ErrFlushFailed)
	_, err = fh.Read(t.ctx, make([]byte, 4), 0)
	assert.ErrorIs(t.T(), err, ErrFlushFailed)
	assert.Equal(t.T(), 1, t.client.UploadCalls())

	// The local data survives.
	in := fh.Inode()
	in.Lock()
	assert.True(t.T(), in.Dirty())
	in.Unlock()

	fh.Release()
}

func (t *HandleTest) TestReadOnlyHandleRejectsWrites() {
	t.client.AddFile(fake.RootHandle, "a", []byte("taco"))
	fh := t.openFile("a", true)
	defer fh.Release()

	assert.ErrorIs(t.T(), fh.Write(t.ctx, []byte("x"), 0), inode.ErrReadOnly)
	assert.Equal(t.T(), Opened, fh.State())
}

func (t *HandleTest) TestReleasedHandle() {
	t.client.AddFile(fake.RootHandle, "a", []byte("taco"))
	fh := t.openFile("a", true)
	fh.Release()

	_, err := fh.Read(t.ctx, make([]byte, 4), 0)
	assert.ErrorIs(t.T(), err, ErrClosed)
	assert.Panics(t.T(), fh.Release)
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (t *HandleTest) readDir(dh *DirHandle, off fuseops.DirOffset, size int) ([]dirent, error) {
	op := &fuseops.ReadDirOp{Offset: off, Dst: make([]byte, size)}
	dh.Mu.Lock()
	defer dh.Mu.Unlock()
	err := dh.ReadDir(t.ctx, op)
	return parseDirents(op.Dst[:op.BytesRead]), err
}

func (t *HandleTest) TestReadDir() {
	t.client.AddFile(fake.RootHandle, "b", []byte("taco"))
	t.client.AddDirectory(fake.RootHandle, "a")
	dh := NewDirHandle(t.root)

	entries, err := t.readDir(dh, 0, 4096)
	require.NoError(t.T(), err)
	require.Len(t.T(), entries, 2)
	assert.Equal(t.T(), "a", entries[0].name)
	assert.Equal(t.T(), "b", entries[1].name)
	assert.NotEqual(t.T(), entries[0].ino, entries[1].ino)

	a, err := t.root.LookUpChild(t.ctx, "a")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(a.ID), entries[0].ino)
}

func (t *HandleTest) TestReadDirResumesAtOffset() {
	t.client.AddFile(fake.RootHandle, "a", nil)
	t.client.AddFile(fake.RootHandle, "b", nil)
	t.client.AddFile(fake.RootHandle, "c", nil)
	dh := NewDirHandle(t.root)

	// Room for exactly one record.
	entries, err := t.readDir(dh, 0, 32)
	require.NoError(t.T(), err)
	require.Len(t.T(), entries, 1)
	assert.Equal(t.T(), "a", entries[0].name)

	entries, err = t.readDir(dh, 1, 4096)
	require.NoError(t.T(), err)
	require.Len(t.T(), entries, 2)
	assert.Equal(t.T(), "b", entries[0].name)
	assert.Equal(t.T(), "c", entries[1].name)

	entries, err = t.readDir(dh, 3, 4096)
	require.NoError(t.T(), err)
	assert.Empty(t.T(), entries)
}

func (t *HandleTest) TestReadDirOffsetPastEnd() {
	t.client.AddFile(fake.RootHandle, "a", nil)
	dh := NewDirHandle(t.root)

	_, err := t.readDir(dh, 0, 4096)
	require.NoError(t.T(), err)
	_, err = t.readDir(dh, 5, 4096)
	assert.Equal(t.T(), fuse.EINVAL, err)
}
