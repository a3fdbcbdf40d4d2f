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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/cache/file"
	"github.com/nodemount/nodemount/internal/cache/file/downloader"
	"github.com/nodemount/nodemount/internal/inodedb"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/zeebo/blake3"
)

// Content bundles what file inodes need to move bytes.
type Content struct {
	Files     *file.Cache
	Downloads *downloader.JobManager

	// Defaults to no-op metrics.
	Metrics common.MetricHandle
}

type FileInode struct {
	core

	/////////////////////////
	// Dependencies
	/////////////////////////

	cache *Cache

	/////////////////////////
	// Mutable state
	/////////////////////////

	// A mutex that must be held when calling certain methods. See
	// documentation for each method.
	mu sync.Locker

	// Serializes flushes.
	flushMu sync.Mutex

	// GUARDED_BY(mu)
	rec inodedb.Record

	// The file cache key holding local modifications, and the logical size and
	// mtime they give the file. Meaningful only while dirty.
	//
	// INVARIANT: dirty implies local.Handle != ""
	//
	// GUARDED_BY(mu)
	local      data.FileInfoKey
	localSize  uint64
	localMtime time.Time

	// Whether local is in the file cache index and the catalog names it, so
	// that the modifications survive a restart.
	//
	// GUARDED_BY(mu)
	localSaved bool

	// Bumped by every local modification, so a flush can tell whether it
	// captured the latest one.
	//
	// GUARDED_BY(mu)
	writes uint64

	// The clean key referenced in the file cache on behalf of open handles.
	//
	// INVARIANT: held implies handles > 0
	//
	// GUARDED_BY(mu)
	acquired data.FileInfoKey
	held     bool
}

var _ Inode = &FileInode{}

func newFileInode(c *Cache, rec inodedb.Record) (f *FileInode) {
	f = &FileInode{
		cache: c,
		rec:   rec,
	}
	f.core.init(rec.ID, c.clock.Now())
	f.mu = locker.New(fmt.Sprintf("FileInode(%d)", rec.ID), f.checkInvariants)

	if rec.Local != nil && f.restoreLocal(*rec.Local) {
		return
	}

	// A file that never reached the remote starts out empty and dirty, so
	// that its first flush creates it.
	if rec.Handle == "" {
		f.local = f.newLocalKey("local")
		f.localMtime = rec.Modified
		f.dirty.Store(true)
	}
	return
}

// Pick up modifications a previous process persisted but never uploaded.
// Returns false if their content is gone from the file cache.
func (f *FileInode) restoreLocal(l inodedb.Local) bool {
	key := data.FileInfoKey{Handle: l.Handle, Fingerprint: l.Fingerprint}
	size, _, dirty, ok := f.cache.content.Files.Stat(key)
	if !ok || !dirty {
		logger.Warnf("FileInode(%d): local modifications %v are lost", f.id, key)
		if err := f.cache.db.ClearLocal(context.Background(), f.id); err != nil {
			logger.Warnf("FileInode(%d): %v", f.id, err)
		}
		f.rec.Local = nil
		return false
	}

	f.local = key
	f.localSize = size
	f.localMtime = l.Modified
	f.localSaved = true
	f.dirty.Store(true)
	logger.Infof("FileInode(%d): restored %d bytes of local modifications", f.id, size)
	return true
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (f *FileInode) checkInvariants() {
	if f.dirty.Load() && f.local.Handle == "" {
		panic("dirty file without a local key")
	}
	if f.held && f.handles.Load() <= 0 {
		panic(fmt.Sprintf("clean key held with %d handles", f.handles.Load()))
	}
}

// A file cache key no remote version will ever have.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) newLocalKey(tag string) data.FileInfoKey {
	h := f.rec.Handle
	if h == "" {
		h = remote.Handle(tag + "-" + uuid.NewString())
	}
	return data.FileInfoKey{Handle: h, Fingerprint: tag + "-" + uuid.NewString()}
}

// The key of the remote version. Unbound files have none.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) cleanKey() (data.FileInfoKey, bool) {
	if f.rec.Handle == "" {
		return data.FileInfoKey{}, false
	}
	fp := f.rec.Fingerprint
	if fp == "" {
		fp = "unversioned"
	}
	return data.FileInfoKey{Handle: f.rec.Handle, Fingerprint: fp}, true
}

// Keep the file cache reference in step with the clean key.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) rehold() {
	files := f.cache.content.Files
	key, ok := f.cleanKey()
	want := ok && f.handles.Load() > 0
	if f.held && want && f.acquired == key {
		return
	}
	if want {
		files.Acquire(key)
	}
	if f.held {
		files.Release(f.acquired)
	}
	f.acquired, f.held = key, want
}

// Switch to local content, copying whatever of the clean version is cached.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) ensureDirty() error {
	if f.dirty.Load() {
		return nil
	}

	local := f.newLocalKey("local")
	clean, ok := f.cleanKey()
	if !ok {
		clean = f.newLocalKey("none")
	}
	if err := f.cache.content.Files.Clone(clean, local, f.rec.Size); err != nil {
		return err
	}

	f.local = local
	f.localSize = f.rec.Size
	f.localMtime = f.rec.Modified
	f.localSaved = false
	f.dirty.Store(true)
	return nil
}

// Make the local content and the catalog's pointer to it durable. Files
// unlinked from the catalog have nothing to come back to.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) saveLocal(ctx context.Context) error {
	files := f.cache.content.Files
	if f.IsUnlinked() {
		return nil
	}
	if _, _, _, ok := files.Stat(f.local); !ok {
		// Nothing written yet. An unbound file comes back empty anyway.
		return nil
	}
	if !f.localSaved {
		if err := files.Persist(ctx, f.local); err != nil {
			return err
		}
	}
	err := f.cache.db.SetLocal(ctx, f.id, inodedb.Local{
		Handle:      f.local.Handle,
		Fingerprint: f.local.Fingerprint,
		Modified:    f.localMtime,
	})
	if err != nil {
		return err
	}
	f.localSaved = true
	return nil
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) trySaveLocal(ctx context.Context) {
	if err := f.saveLocal(ctx); err != nil {
		logger.Warnf("FileInode(%d): persisting local modifications: %v", f.id, err)
	}
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) clearLocal(ctx context.Context) {
	if !f.localSaved {
		return
	}
	f.localSaved = false
	f.rec.Local = nil
	if f.IsUnlinked() {
		return
	}
	if err := f.cache.db.ClearLocal(ctx, f.id); err != nil && !errors.Is(err, inodedb.ErrNotFound) {
		logger.Warnf("FileInode(%d): %v", f.id, err)
	}
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) touched() {
	f.localMtime = f.cache.clock.Now()
	f.writes++
}

// Where reads are served from: the key, its logical size and the remote node
// that fills its gaps.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) source() (key data.FileInfoKey, size uint64, src remote.Handle) {
	if f.dirty.Load() {
		return f.local, f.localSize, f.rec.Handle
	}
	key, ok := f.cleanKey()
	if !ok {
		// Unbound and clean only after an abandon; there is nothing to read.
		return f.newLocalKey("none"), 0, ""
	}
	return key, f.rec.Size, f.rec.Handle
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) update(rec inodedb.Record) {
	if f.dirty.Load() {
		// Local content wins until flushed; only the node and position follow.
		f.rec.Parent = rec.Parent
		f.rec.Name = rec.Name
		f.rec.Extension = rec.Extension
		f.rec.Handle = rec.Handle
		return
	}
	f.rec = rec
	f.rehold()
}

func fingerprint(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

func (f *FileInode) Lock() {
	f.mu.Lock()
}

func (f *FileInode) Unlock() {
	f.mu.Unlock()
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Record() inodedb.Record {
	return f.rec
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Dirty() bool {
	return f.dirty.Load()
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Attributes() fuseops.InodeAttributes {
	attrs := f.core.attributes(f.rec, f.cache.attrs)
	attrs.Mode = f.cache.attrs.FileMode
	attrs.Size = f.rec.Size
	if f.dirty.Load() {
		attrs.Size = f.localSize
		attrs.Mtime = f.localMtime
		attrs.Ctime = f.localMtime
	}
	return attrs
}

// Open registers a handle, keeping the clean content cached while any
// handle is open.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Open() {
	f.handles.Add(1)
	f.rehold()
}

// Close unregisters a handle. Once the last handle of an unlinked file is
// gone its local content is dropped.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Close() {
	n := f.handles.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("FileInode(%d): more closes than opens", f.id))
	}
	f.rehold()
	if n == 0 && f.IsUnlinked() {
		f.abandon()
	}
}

// Drop local modifications.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) abandon() {
	if !f.dirty.Load() {
		return
	}
	f.cache.content.Files.Discard(f.local)
	f.clearLocal(context.Background())
	f.local = data.FileInfoKey{}
	f.dirty.Store(false)
}

// Read fills dst from offset off, downloading missing bytes. It returns
// io.EOF at or past the end of the file.
//
// LOCKS_EXCLUDED(f.mu)
func (f *FileInode) Read(ctx context.Context, dst []byte, off int64) (n int, err error) {
	f.mu.Lock()
	key, size, src := f.source()
	f.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if uint64(off) >= size {
		return 0, io.EOF
	}
	want := int(min(uint64(len(dst)), size-uint64(off)))
	if want == 0 {
		return 0, nil
	}

	files := f.cache.content.Files
	metrics := f.cache.content.Metrics
	b, err := files.Read(key, size, off, want)
	if errors.Is(err, file.ErrCacheMiss) && src != "" {
		metrics.FileCacheReadCount(ctx, 1, common.CacheMiss)
		if err = f.cache.content.Downloads.Download(ctx, src, key, size, off, want); err != nil {
			return 0, err
		}
		b, err = files.Read(key, size, off, want)
	} else if err == nil {
		metrics.FileCacheReadCount(ctx, 1, common.CacheHit)
	}
	if err != nil {
		return 0, err
	}

	n = copy(dst, b)
	metrics.FileCacheReadBytesCount(ctx, int64(n))
	return n, nil
}

// Write stores b at offset off in the local content.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Write(ctx context.Context, b []byte, off int64) error {
	if err := f.ensureDirty(); err != nil {
		return err
	}
	if err := f.cache.content.Files.Write(f.local, off, b); err != nil {
		return err
	}

	f.localSize = max(f.localSize, uint64(off)+uint64(len(b)))
	f.touched()
	if !f.localSaved {
		f.trySaveLocal(ctx)
	}
	return nil
}

// Truncate sets the local size of the file.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Truncate(ctx context.Context, size uint64) error {
	if !f.dirty.Load() && size == f.rec.Size {
		return nil
	}
	if err := f.ensureDirty(); err != nil {
		return err
	}
	if err := f.cache.content.Files.Truncate(f.local, size); err != nil {
		return err
	}

	f.localSize = size
	f.touched()
	if !f.localSaved {
		f.trySaveLocal(ctx)
	}
	return nil
}

// Sync uploads local modifications, if any. Writes made while the upload is
// in flight stay pending for the next flush. Unlinked files are not
// uploaded.
//
// LOCKS_EXCLUDED(f.mu)
func (f *FileInode) Sync(ctx context.Context) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.mu.Lock()
	if !f.dirty.Load() || f.IsUnlinked() {
		f.mu.Unlock()
		return nil
	}

	files := f.cache.content.Files
	snapshot := f.newLocalKey("snapshot")
	size, writes, src := f.localSize, f.writes, f.rec.Handle
	parent, name := f.rec.Parent, f.rec.Name
	err := files.Clone(f.local, snapshot, size)
	if err == nil {
		// Keep the modifications if the upload fails and the process goes
		// away before the next flush.
		f.trySaveLocal(ctx)
	}
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("snapshotting inode %d: %w", f.id, err)
	}

	entry, err := f.upload(ctx, snapshot, src, parent, name, size)
	if err != nil {
		files.Discard(snapshot)
		return err
	}

	published := data.FileInfoKey{Handle: entry.Handle, Fingerprint: entry.Fingerprint}
	if err := files.Republish(ctx, snapshot, published); err != nil {
		logger.Warnf("Keeping uploaded content of inode %d: %v", f.id, err)
		files.Discard(snapshot)
	}
	if err := f.cache.db.Bind(ctx, f.id, entry.Handle, entry.Metadata); err != nil {
		return fmt.Errorf("binding inode %d to %q: %w", f.id, entry.Handle, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.rec.Handle = entry.Handle
	f.rec.Metadata = entry.Metadata
	if f.writes == writes {
		files.Discard(f.local)
		f.clearLocal(ctx)
		f.local = data.FileInfoKey{}
		f.dirty.Store(false)
	}
	f.rehold()
	return nil
}

// Fill in whatever of the snapshot was never fetched and upload it.
//
// LOCKS_EXCLUDED(f.mu)
func (f *FileInode) upload(
	ctx context.Context,
	snapshot data.FileInfoKey,
	src remote.Handle,
	parent fuseops.InodeID,
	name string,
	size uint64) (remote.Entry, error) {
	files := f.cache.content.Files
	if src != "" && size > 0 {
		if err := f.cache.content.Downloads.Download(ctx, src, snapshot, size, 0, int(size)); err != nil {
			return remote.Entry{}, fmt.Errorf("filling inode %d: %w", f.id, err)
		}
	}

	p, err := f.cache.db.LookupByID(ctx, parent)
	if err != nil {
		return remote.Entry{}, fmt.Errorf("parent of inode %d: %w", f.id, err)
	}

	r, _, err := files.Reader(snapshot)
	if err != nil {
		return remote.Entry{}, err
	}
	fp, err := fingerprint(r)
	r.Close()
	if err != nil {
		return remote.Entry{}, fmt.Errorf("fingerprinting inode %d: %w", f.id, err)
	}

	if r, _, err = files.Reader(snapshot); err != nil {
		return remote.Entry{}, err
	}
	defer r.Close()

	entry, err := f.cache.client.Upload(ctx, remote.UploadRequest{
		Handle:      src,
		Parent:      p.Handle,
		Name:        name,
		Content:     r,
		Size:        size,
		Fingerprint: fp,
	})
	if err != nil {
		return remote.Entry{}, fmt.Errorf("uploading inode %d: %w", f.id, err)
	}
	f.cache.content.Metrics.UploadBytesCount(ctx, int64(size))

	if entry.Fingerprint == "" {
		entry.Fingerprint = fp
	}

	logger.Debugf("Uploaded inode %d as %q (%d bytes)", f.id, entry.Handle, size)
	return entry, nil
}
