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

package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/cache/lru"
	"github.com/nodemount/nodemount/internal/cache/util"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
	diskutil "github.com/nodemount/nodemount/internal/util"
)

var (
	// ErrCacheMiss means the requested bytes are not all present locally.
	ErrCacheMiss = errors.New("file cache miss")

	ErrEntryNotFound = errors.New("file cache entry not found")
	ErrEntryInUse    = errors.New("file cache entry in use")
)

type Options struct {
	// Directory holding content files.
	CacheDir string

	// Byte quota over unreferenced clean entries. Zero means unlimited.
	MaxSizeBytes uint64

	FilePerm os.FileMode
	DirPerm  os.FileMode

	Clock timeutil.Clock

	// Persistence for the index of clean entries and persisted dirty ones.
	// Optional.
	Index Index
}

// Cache holds byte ranges of remote file content in local files, keyed by
// (handle, fingerprint). Clean entries that are not referenced by an open
// handle compete for a byte quota in LRU order. Dirty entries hold local
// writes that are not uploaded yet and are never evicted.
//
// Lock ordering: entry.mu before Cache.mu. No method holds Cache.mu while
// doing file I/O.
type Cache struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	cacheDir string
	filePerm os.FileMode
	dirPerm  os.FileMode
	clock    timeutil.Clock
	index    Index

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Locker

	// Entries by key string. Values are *entry.
	//
	// GUARDED_BY(mu)
	entries *lru.Cache

	// Open references per key string. A key may be referenced before any
	// content for it exists.
	//
	// INVARIANT: For each k, v: v > 0
	//
	// GUARDED_BY(mu)
	refs map[string]int
}

// An entry's content file. Its bookkeeping fields are guarded by Cache.mu;
// the file itself and the fields noted are guarded by entry.mu.
type entry struct {
	cache  *Cache
	key    data.FileInfoKey
	keyStr string

	// Content file name relative to the cache directory, unique to this
	// entry.
	file string
	path string

	// Set once the file has been deleted.
	//
	// GUARDED_BY(mu)
	removed bool

	mu sync.RWMutex

	// Logical size of the content.
	//
	// GUARDED_BY(cache.mu)
	size uint64

	// Bytes of content present in the file.
	//
	// INVARIANT: ranges lie within [0, size)
	//
	// GUARDED_BY(cache.mu)
	ranges *data.RangeSet

	// GUARDED_BY(cache.mu)
	accessed time.Time

	// GUARDED_BY(cache.mu)
	dirty bool

	// Whether the dirty entry is kept in the index. Cleared once it is
	// republished.
	//
	// INVARIANT: persistent implies dirty
	//
	// GUARDED_BY(cache.mu)
	persistent bool
}

// Size is the number of bytes the entry charges against the quota.
func (e *entry) Size() uint64 {
	return e.ranges.Covered()
}

func (e *entry) Evictable() bool {
	return !e.dirty && e.cache.refs[e.keyStr] == 0
}

// New creates the cache directory if needed and loads the persisted index.
func New(ctx context.Context, opts Options) (c *Cache, err error) {
	if opts.FilePerm == 0 {
		opts.FilePerm = util.DefaultFilePerm
	}
	if opts.DirPerm == 0 {
		opts.DirPerm = util.DefaultDirPerm
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock()
	}
	maxSize := opts.MaxSizeBytes
	if maxSize == 0 {
		maxSize = math.MaxUint64
	}

	if err = util.CreateCacheDirectoryIfNotPresentAt(opts.CacheDir, opts.DirPerm); err != nil {
		err = fmt.Errorf("file cache: %w", err)
		return
	}

	c = &Cache{
		cacheDir: opts.CacheDir,
		filePerm: opts.FilePerm,
		dirPerm:  opts.DirPerm,
		clock:    opts.Clock,
		index:    opts.Index,
		entries:  lru.NewCache(maxSize),
		refs:     make(map[string]int),
	}
	c.mu = locker.New("FileCache", c.checkInvariants)

	if c.index != nil {
		if err = c.load(ctx); err != nil {
			err = fmt.Errorf("file cache: loading index: %w", err)
			c = nil
			return
		}
	}

	return
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) checkInvariants() {
	for k, v := range c.refs {
		if v <= 0 {
			panic(fmt.Sprintf("non-positive ref count %d for %q", v, k))
		}
	}
}

// Restore entries whose content file survived. Dirty ones come back dirty
// and persistent, waiting for RetainDirty or their inode to claim them.
func (c *Cache) load(ctx context.Context) error {
	records, err := c.index.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]bool)
	for _, r := range records {
		keyStr, err := r.Key.Key()
		if err != nil {
			continue
		}

		path := filepath.Join(c.cacheDir, r.File)
		st, err := os.Stat(path)
		if err != nil || uint64(st.Size()) < r.Size {
			logger.Warnf("file cache: dropping index entry %v without content", r.Key)
			continue
		}

		e := &entry{
			cache:      c,
			key:        r.Key,
			keyStr:     keyStr,
			file:       r.File,
			path:       path,
			size:       r.Size,
			ranges:     data.NewRangeSet(r.Ranges...),
			accessed:   r.Accessed,
			dirty:      r.Dirty,
			persistent: r.Dirty,
		}
		e.ranges.Truncate(e.size)
		c.insert(e)
		known[r.File] = true
	}

	c.removeOrphans(known)
	return nil
}

// Delete content files that no entry owns, such as dirty content left by a
// previous process.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) removeOrphans(known map[string]bool) {
	root := filepath.Join(c.cacheDir, util.FileCache)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(c.cacheDir, path)
		if err != nil || known[rel] {
			return err
		}
		return util.RemoveFile(path)
	})
	if err != nil && !os.IsNotExist(err) {
		logger.Warnf("file cache: removing orphaned files: %v", err)
	}
	diskutil.RemoveEmptyDirs(root)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func keyString(key data.FileInfoKey) string {
	s, err := key.Key()
	if err != nil {
		panic(fmt.Sprintf("file cache: bad key %v: %v", key, err))
	}
	return s
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) lookUp(keyStr string) *entry {
	v := c.entries.LookUpWithoutChangingOrder(keyStr)
	if v == nil {
		return nil
	}
	return v.(*entry)
}

// Insert or resize e, and schedule evicted entries for removal.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) insert(e *entry) {
	evicted, err := c.entries.Insert(e.keyStr, e)
	if err != nil {
		panic(err)
	}
	c.dispose(evicted)
}

// Re-account e after its coverage changed. Returns false if e has left the
// index in the meantime.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) resize(e *entry) bool {
	if c.lookUp(e.keyStr) != e {
		return false
	}

	evicted, err := c.entries.Resize(e.keyStr)
	if err != nil {
		panic(err)
	}
	c.dispose(evicted)
	return true
}

// Delete the files of entries that left the index, without holding c.mu.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) dispose(values []lru.ValueType) {
	if len(values) == 0 {
		return
	}

	victims := make([]*entry, 0, len(values))
	for _, v := range values {
		victims = append(victims, v.(*entry))
	}

	go c.removeFiles(victims)
}

// LOCKS_EXCLUDED(c.mu)
func (c *Cache) removeFiles(victims []*entry) {
	for _, e := range victims {
		e.mu.Lock()
		if !e.removed {
			e.removed = true
			if err := util.RemoveFile(e.path); err != nil {
				logger.Warnf("file cache: removing %v: %v", e.key, err)
			}
		}
		e.mu.Unlock()

		if c.index != nil {
			if err := c.index.Delete(context.Background(), e.key, e.file); err != nil {
				logger.Warnf("file cache: deleting index entry %v: %v", e.key, err)
			}
		}
	}
}

// Return the entry for key, creating an empty one with the given logical
// size if there is none.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) getOrCreate(key data.FileInfoKey, keyStr string, size uint64) *entry {
	if e := c.lookUp(keyStr); e != nil {
		return e
	}

	file := c.newFile()
	e := &entry{
		cache:    c,
		key:      key,
		keyStr:   keyStr,
		file:     file,
		path:     filepath.Join(c.cacheDir, file),
		size:     size,
		ranges:   data.NewRangeSet(),
		accessed: c.clock.Now(),
	}
	c.insert(e)
	return e
}

// Write b at off in e's file.
//
// LOCKS_REQUIRED(e.mu)
func (c *Cache) writeFile(e *entry, off int64, b []byte) error {
	f, err := util.CreateFile(data.FileSpec{Path: e.path, FilePerm: c.filePerm, DirPerm: c.dirPerm}, os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.WriteAt(b, off); err != nil {
		return fmt.Errorf("writing %v: %w", e.key, err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Read returns up to n bytes at off of the content under key, whose logical
// size is size. Reads at or past the end return no bytes and no error.
// Returns ErrCacheMiss unless every requested byte is present.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Read(key data.FileInfoKey, size uint64, off int64, n int) ([]byte, error) {
	keyStr := keyString(key)

	c.mu.Lock()
	e := c.lookUp(keyStr)
	if e != nil {
		size = e.size
	}
	if off < 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("file cache: negative offset %d", off)
	}
	if uint64(off) >= size || n <= 0 {
		c.mu.Unlock()
		return []byte{}, nil
	}
	if e == nil {
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}

	end := min(uint64(off)+uint64(n), size)
	if !e.ranges.Contains(uint64(off), end) {
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}

	e.accessed = c.clock.Now()
	c.entries.LookUp(keyStr)
	c.mu.Unlock()

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.removed {
		return nil, ErrCacheMiss
	}

	f, err := os.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("file cache: opening %v: %w", e.key, err)
	}
	defer f.Close()

	b := make([]byte, end-uint64(off))
	nr, err := f.ReadAt(b, off)
	if err == io.EOF && nr == len(b) {
		err = nil
	}
	if err != nil {
		// A sparse tail reads as EOF; the range set says those bytes are zeros.
		if err != io.EOF {
			return nil, fmt.Errorf("file cache: reading %v: %w", e.key, err)
		}
		clear(b[nr:])
	}

	return b, nil
}

// Missing returns the sub-ranges of [off, off+n) clipped to the logical size
// that are not present for key.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Missing(key data.FileInfoKey, size uint64, off int64, n int) []data.ByteRange {
	keyStr := keyString(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookUp(keyStr)
	if e != nil {
		size = e.size
	}
	start := uint64(max(off, 0))
	end := min(start+uint64(max(n, 0)), size)
	if start >= end {
		return nil
	}
	if e == nil {
		return []data.ByteRange{{Start: start, End: end}}
	}

	return e.ranges.Missing(start, end)
}

// Store records downloaded bytes for key, creating a clean entry with the
// given logical size on first use. Only bytes not already present are
// written, so local writes to a dirty entry are never overwritten. Bytes
// beyond the entry's logical size are dropped.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Store(key data.FileInfoKey, size uint64, off int64, b []byte) error {
	keyStr := keyString(key)

	for {
		c.mu.Lock()
		e := c.getOrCreate(key, keyStr, size)
		c.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// Evicted before we got to it; start over.
			e.mu.Unlock()
			continue
		}

		c.mu.Lock()
		end := min(uint64(off)+uint64(len(b)), e.size)
		var missing []data.ByteRange
		if uint64(off) < end {
			missing = e.ranges.Missing(uint64(off), end)
		}
		c.mu.Unlock()

		for _, r := range missing {
			piece := b[r.Start-uint64(off) : r.End-uint64(off)]
			if err := c.writeFile(e, int64(r.Start), piece); err != nil {
				e.mu.Unlock()
				return err
			}
		}

		c.mu.Lock()
		for _, r := range missing {
			e.ranges.Add(r.Start, r.End)
		}
		e.accessed = c.clock.Now()
		ok := c.resize(e)
		c.mu.Unlock()
		e.mu.Unlock()

		if ok {
			return nil
		}
	}
}

// Write applies a local write to a dirty entry, creating it empty if
// needed. Writing past the end extends the content, and the gap reads as
// zeros.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Write(key data.FileInfoKey, off int64, b []byte) error {
	keyStr := keyString(key)

	for {
		c.mu.Lock()
		e := c.getOrCreate(key, keyStr, 0)
		e.dirty = true
		c.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		err := c.writeFile(e, off, b)
		if err == nil {
			c.mu.Lock()
			end := uint64(off) + uint64(len(b))
			if uint64(off) > e.size {
				e.ranges.Add(e.size, uint64(off))
			}
			e.ranges.Add(uint64(off), end)
			e.size = max(e.size, end)
			e.accessed = c.clock.Now()
			c.resize(e)
			c.mu.Unlock()
			c.resave(e)
		}
		e.mu.Unlock()

		return err
	}
}

// Truncate sets the logical size of a dirty entry. Growing fills with zeros.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Truncate(key data.FileInfoKey, size uint64) error {
	keyStr := keyString(key)

	for {
		c.mu.Lock()
		e := c.getOrCreate(key, keyStr, 0)
		e.dirty = true
		c.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		f, err := util.CreateFile(data.FileSpec{Path: e.path, FilePerm: c.filePerm, DirPerm: c.dirPerm}, os.O_RDWR)
		if err == nil {
			err = f.Truncate(int64(size))
			f.Close()
		}
		if err == nil {
			c.mu.Lock()
			if size > e.size {
				e.ranges.Add(e.size, size)
			} else {
				e.ranges.Truncate(size)
			}
			e.size = size
			c.resize(e)
			c.mu.Unlock()
			c.resave(e)
		}
		e.mu.Unlock()

		return err
	}
}

// Every entry gets a fresh file, so that the file of an evicted entry can be
// deleted without coordinating with its successor, and a key can be
// republished without copying.
func (c *Cache) newFile() string {
	path := util.GetDownloadPath(c.cacheDir, uuid.NewString())
	rel, err := filepath.Rel(c.cacheDir, path)
	if err != nil {
		panic(err)
	}
	return rel
}

// Clone copies the content and coverage of src into a new dirty entry under
// dst, whose logical size is size. A missing src yields an empty dst. Any
// existing dst is replaced.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Clone(src, dst data.FileInfoKey, size uint64) error {
	srcStr, dstStr := keyString(src), keyString(dst)

	c.mu.Lock()
	s := c.lookUp(srcStr)
	var ranges *data.RangeSet
	if s != nil {
		ranges = s.ranges.Clone()
	}
	if old := c.entries.Erase(dstStr); old != nil {
		c.dispose([]lru.ValueType{old})
	}
	c.mu.Unlock()

	file := c.newFile()
	path := filepath.Join(c.cacheDir, file)
	spec := data.FileSpec{Path: path, FilePerm: c.filePerm, DirPerm: c.dirPerm}

	if s != nil {
		s.mu.RLock()
		var err error
		if s.removed {
			ranges = nil
		} else {
			err = util.CopyFile(s.path, spec, int64(size))
		}
		s.mu.RUnlock()
		if err != nil {
			return fmt.Errorf("file cache: cloning %v: %w", src, err)
		}
	}

	if ranges == nil {
		ranges = data.NewRangeSet()
		f, err := util.CreateFile(spec, os.O_RDWR|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("file cache: cloning %v: %w", src, err)
		}
		err = f.Truncate(int64(size))
		f.Close()
		if err != nil {
			return fmt.Errorf("file cache: cloning %v: %w", src, err)
		}
	}
	ranges.Truncate(size)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{
		cache:    c,
		key:      dst,
		keyStr:   dstStr,
		file:     file,
		path:     path,
		size:     size,
		ranges:   ranges,
		accessed: c.clock.Now(),
		dirty:    true,
	}
	c.insert(e)

	return nil
}

// Republish moves the content under old to new and marks it clean, making
// it visible to readers of new and evictable once unreferenced. References
// held on old are not transferred.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Republish(ctx context.Context, old, new data.FileInfoKey) error {
	oldStr, newStr := keyString(old), keyString(new)

	c.mu.Lock()
	e := c.lookUp(oldStr)
	if e == nil {
		c.mu.Unlock()
		return fmt.Errorf("Republish %v: %w", old, ErrEntryNotFound)
	}

	c.entries.Erase(oldStr)
	if prev := c.entries.Erase(newStr); prev != nil {
		c.dispose([]lru.ValueType{prev})
	}

	indexed := e.persistent
	e.key = new
	e.keyStr = newStr
	e.dirty = false
	e.persistent = false
	e.accessed = c.clock.Now()
	c.insert(e)
	rec := e.record()
	c.mu.Unlock()

	if indexed && c.index != nil {
		if err := c.index.Delete(ctx, old, rec.File); err != nil {
			return fmt.Errorf("file cache: deleting index entry %v: %w", old, err)
		}
	}
	return c.save(ctx, rec)
}

// Persist adds the dirty entry for key to the index, so that its content
// survives a restart. Later writes keep the indexed record current until
// the entry is discarded or republished.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Persist(ctx context.Context, key data.FileInfoKey) error {
	keyStr := keyString(key)

	c.mu.Lock()
	e := c.lookUp(keyStr)
	if e == nil {
		c.mu.Unlock()
		return fmt.Errorf("Persist %v: %w", key, ErrEntryNotFound)
	}
	if !e.dirty {
		c.mu.Unlock()
		return fmt.Errorf("Persist %v: entry is clean", key)
	}
	e.persistent = true
	rec := e.record()
	c.mu.Unlock()

	return c.save(ctx, rec)
}

// RetainDirty discards the dirty entries for which keep returns false,
// returning how many went. Used after a restart to drop local content that
// no file claims any more.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) RetainDirty(keep func(key data.FileInfoKey) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []lru.ValueType
	for _, v := range c.entries.Values() {
		e := v.(*entry)
		if e.dirty && !keep(e.key) {
			dropped = append(dropped, c.entries.Erase(e.keyStr))
		}
	}
	c.dispose(dropped)

	return len(dropped)
}

// Rewrite the index record of a persistent entry after its content changed.
// Failures leave the older record, and are logged.
//
// LOCKS_REQUIRED(e.mu)
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) resave(e *entry) {
	c.mu.Lock()
	persistent := e.persistent
	rec := e.record()
	c.mu.Unlock()

	if !persistent {
		return
	}
	if err := c.save(context.Background(), rec); err != nil {
		logger.Warnf("%v", err)
	}
}

func (c *Cache) save(ctx context.Context, rec Record) error {
	if c.index == nil {
		return nil
	}
	if err := c.index.Save(ctx, rec); err != nil {
		return fmt.Errorf("file cache: saving index entry %v: %w", rec.Key, err)
	}
	return nil
}

// Acquire registers an open reference on key, which keeps its entry from
// eviction.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Acquire(key data.FileInfoKey) {
	keyStr := keyString(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs[keyStr]++
}

// Release drops a reference taken by Acquire.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Release(key data.FileInfoKey) {
	keyStr := keyString(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.refs[keyStr]
	if n <= 0 {
		panic(fmt.Sprintf("file cache: Release of unreferenced %v", key))
	}
	if n == 1 {
		delete(c.refs, keyStr)
		c.dispose(c.entries.EvictOverflow())
	} else {
		c.refs[keyStr] = n - 1
	}
}

// Evict removes the entry for key. Referenced or dirty entries are kept and
// ErrEntryInUse is returned. Evicting a missing key is a no-op.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Evict(key data.FileInfoKey) error {
	keyStr := keyString(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookUp(keyStr)
	if e == nil {
		return nil
	}
	if !e.Evictable() {
		return fmt.Errorf("Evict %v: %w", key, ErrEntryInUse)
	}

	c.dispose([]lru.ValueType{c.entries.Erase(keyStr)})
	return nil
}

// Discard removes the entry for key regardless of its state. Used for
// provisional content that is no longer wanted.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Discard(key data.FileInfoKey) {
	keyStr := keyString(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if v := c.entries.Erase(keyStr); v != nil {
		c.dispose([]lru.ValueType{v})
	}
}

// InvalidateHandle evicts every evictable entry for h, whatever its
// fingerprint. Returns the number of entries evicted.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) InvalidateHandle(h remote.Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.entries.EvictIf(func(_ string, v lru.ValueType) bool {
		return v.(*entry).key.Handle == h
	})
	c.dispose(evicted)

	return len(evicted)
}

// Reader returns a reader over the logical content of key, which must be
// fully present. The entry should be referenced or dirty for the duration.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Reader(key data.FileInfoKey) (r io.ReadCloser, size uint64, err error) {
	keyStr := keyString(key)

	c.mu.Lock()
	e := c.lookUp(keyStr)
	if e == nil {
		c.mu.Unlock()
		err = fmt.Errorf("Reader %v: %w", key, ErrEntryNotFound)
		return
	}
	size = e.size
	complete := e.ranges.Contains(0, size)
	c.mu.Unlock()

	if !complete {
		err = fmt.Errorf("Reader %v: %w", key, ErrCacheMiss)
		return
	}

	e.mu.RLock()
	if e.removed {
		e.mu.RUnlock()
		err = fmt.Errorf("Reader %v: %w", key, ErrEntryNotFound)
		return
	}

	f, err := os.Open(e.path)
	e.mu.RUnlock()
	if err != nil {
		err = fmt.Errorf("Reader %v: %w", key, err)
		return
	}

	// The sparse tail of the file may be shorter than size.
	r = &sizedReader{
		Reader: io.MultiReader(io.LimitReader(f, int64(size)), zeroReader{}),
		left:   int64(size),
		f:      f,
	}
	return
}

// Stat reports the logical size and present bytes of key.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Stat(key data.FileInfoKey) (size uint64, present uint64, dirty bool, ok bool) {
	keyStr := keyString(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookUp(keyStr)
	if e == nil {
		return
	}
	return e.size, e.ranges.Covered(), e.dirty, true
}

// Size returns the bytes charged against the quota.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Size()
}

// Sync rewrites the persisted index from the current clean and persistent
// entries.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Sync(ctx context.Context) error {
	if c.index == nil {
		return nil
	}

	var records []Record
	c.mu.Lock()
	for _, v := range c.entries.Values() {
		if e := v.(*entry); !e.dirty || e.persistent {
			records = append(records, e.record())
		}
	}
	c.mu.Unlock()

	return c.index.Replace(ctx, records)
}

// LOCKS_REQUIRED(c.mu)
func (e *entry) record() Record {
	return Record{
		Key:      e.key,
		File:     e.file,
		Size:     e.size,
		Accessed: e.accessed,
		Ranges:   e.ranges.Ranges(),
		Dirty:    e.dirty,
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// Exactly left bytes from the underlying reader.
type sizedReader struct {
	io.Reader
	left int64
	f    *os.File
}

func (r *sizedReader) Read(p []byte) (n int, err error) {
	if r.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err = r.Reader.Read(p)
	r.left -= int64(n)
	return
}

func (r *sizedReader) Close() error {
	return r.f.Close()
}
