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

package inode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/cache/lru"
	"github.com/nodemount/nodemount/internal/inodedb"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
)

// Config tunes the in-memory inode cache.
type Config struct {
	Attributes

	// Soft bound on the inodes kept in memory. Inodes in use are never
	// evicted, so the bound may be exceeded.
	MaxEntries int

	// How often the cleaner runs. Zero disables it.
	CleanerInterval time.Duration

	// Idle inodes untouched for this long are evicted by the cleaner even
	// under the bound. Zero disables age-based eviction.
	CleanerAgeThreshold time.Duration

	// Called with the number of inodes evicted, if set.
	OnEvict func(n int)
}

// Cache keeps the live inodes of one mount in memory, loading them from the
// inode catalog on demand and evicting idle ones.
type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	db      *inodedb.DB
	client  remote.Client
	content Content
	clock   timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	attrs        Attributes
	ageThreshold time.Duration
	onEvict      func(n int)

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Innermost lock: no inode lock is acquired while holding it.
	mu sync.Locker

	// Keyed by decimal inode id. Values are *cacheEntry.
	//
	// GUARDED_BY(mu)
	entries *lru.Cache

	// Pins taken by in-flight operations. A pinned inode is never evicted.
	//
	// INVARIANT: For each v, v > 0
	//
	// GUARDED_BY(mu)
	pins map[fuseops.InodeID]int

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	c  *Cache
	in Inode
}

func (e *cacheEntry) Size() uint64 {
	return 1
}

// LOCKS_REQUIRED(e.c.mu)
func (e *cacheEntry) Evictable() bool {
	return e.c.pins[e.in.ID()] == 0 && e.in.base().idle()
}

// NewCache returns a cache over the given catalog, starting the cleaner if
// configured. Call Close to stop it.
func NewCache(
	cfg Config,
	db *inodedb.DB,
	client remote.Client,
	content Content,
	clock timeutil.Clock) (c *Cache) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1
	}
	if content.Metrics == nil {
		content.Metrics = common.NewNoopMetrics()
	}

	c = &Cache{
		db:           db,
		client:       client,
		content:      content,
		clock:        clock,
		attrs:        cfg.Attributes,
		ageThreshold: cfg.CleanerAgeThreshold,
		onEvict:      cfg.OnEvict,
		entries:      lru.NewCache(uint64(maxEntries)),
		pins:         make(map[fuseops.InodeID]int),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	c.mu = locker.New("inode.Cache", c.checkInvariants)

	if cfg.CleanerInterval > 0 {
		go c.cleaner(cfg.CleanerInterval)
	} else {
		close(c.stopped)
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (c *Cache) checkInvariants() {
	for id, n := range c.pins {
		if n <= 0 {
			panic(fmt.Sprintf("inode %d has pin count %d", id, n))
		}
	}
}

func keyOf(id fuseops.InodeID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (c *Cache) newInode(rec inodedb.Record) Inode {
	if rec.Kind == remote.Directory {
		return newDirInode(c, rec)
	}
	return newFileInode(c, rec)
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) lookUp(id fuseops.InodeID) Inode {
	v := c.entries.LookUpWithoutChangingOrder(keyOf(id))
	if v == nil {
		return nil
	}
	return v.(*cacheEntry).in
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) evicted(vs []lru.ValueType) {
	if len(vs) == 0 {
		return
	}
	for _, v := range vs {
		logger.Tracef("Evicted inode %d", v.(*cacheEntry).in.ID())
	}
	if c.onEvict != nil {
		c.onEvict(len(vs))
	}
}

// Return the in-memory inode for id, loading it if needed, optionally
// taking a pin.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) get(ctx context.Context, id fuseops.InodeID, pin bool) (Inode, error) {
	key := keyOf(id)

	c.mu.Lock()
	if v := c.entries.LookUp(key); v != nil {
		in := v.(*cacheEntry).in
		if pin {
			c.pins[id]++
		}
		in.base().touch(c.clock.Now())
		c.mu.Unlock()
		return in, nil
	}
	c.mu.Unlock()

	rec, err := c.db.LookupByID(ctx, id)
	if errors.Is(err, inodedb.ErrNotFound) {
		return nil, fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	loaded := c.newInode(rec)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Someone may have beaten us to it.
	if v := c.entries.LookUp(key); v != nil {
		loaded = v.(*cacheEntry).in
		loaded.base().touch(c.clock.Now())
		if pin {
			c.pins[id]++
		}
		return loaded, nil
	}

	// Pin before inserting so the insert cannot evict the newcomer.
	if pin {
		c.pins[id]++
	}
	evicted, err := c.entries.Insert(key, &cacheEntry{c: c, in: loaded})
	if err != nil {
		panic(err)
	}
	c.evicted(evicted)
	return loaded, nil
}

func (c *Cache) cleaner(interval time.Duration) {
	defer close(c.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Clean(); n > 0 {
				logger.Debugf("Inode cleaner evicted %d inodes", n)
			}
		}
	}
}

// Mark inodes whose records are gone, and drop the ones nothing uses.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) unlinked(removed []inodedb.Record) {
	for _, r := range removed {
		c.mu.Lock()
		in := c.lookUp(r.ID)
		c.mu.Unlock()
		if in == nil {
			continue
		}

		in.base().unlinked.Store(true)
		if f, ok := in.(*FileInode); ok {
			f.Lock()
			if f.handles.Load() == 0 {
				f.abandon()
			}
			f.Unlock()
		}

		c.mu.Lock()
		if v := c.entries.LookUpWithoutChangingOrder(keyOf(r.ID)); v != nil && v.(*cacheEntry).Evictable() {
			c.entries.Erase(keyOf(r.ID))
		}
		c.mu.Unlock()
	}
}

// Bring in-memory inodes in line with a listing just applied to the catalog
// under parent.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) applied(parent fuseops.InodeID, l inodedb.Listing) {
	c.unlinked(l.Removed)

	// Nodes adopted from elsewhere are no longer children of their old
	// parents.
	for _, r := range l.Moved {
		c.mu.Lock()
		old, _ := c.lookUp(r.Parent).(*DirInode)
		c.mu.Unlock()
		if old != nil && r.Parent != parent {
			old.Lock()
			old.forgetChild(r.Name, r.ID)
			old.Unlock()
		}
	}

	for _, r := range l.Children {
		c.refresh(r)
	}
}

// Update the in-memory copy of a record, if the inode is loaded.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) refresh(r inodedb.Record) {
	c.mu.Lock()
	in := c.lookUp(r.ID)
	c.mu.Unlock()

	switch in := in.(type) {
	case *DirInode:
		in.Lock()
		in.update(r)
		in.Unlock()
	case *FileInode:
		in.Lock()
		in.update(r)
		in.Unlock()
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Get returns the inode for id without pinning it. The result is only safe
// to use while something else keeps it in memory, such as a kernel lookup
// count.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Get(ctx context.Context, id fuseops.InodeID) (Inode, error) {
	return c.get(ctx, id, false)
}

// Pin returns the inode for id, keeping it in memory until the matching
// Unpin.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Pin(ctx context.Context, id fuseops.InodeID) (Inode, error) {
	return c.get(ctx, id, true)
}

// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Unpin(id fuseops.InodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.pins[id]
	switch {
	case n <= 0:
		panic(fmt.Sprintf("Unpin of unpinned inode %d", id))
	case n == 1:
		delete(c.pins, id)
		c.evicted(c.entries.EvictOverflow())
	default:
		c.pins[id] = n - 1
	}
}

// Forget drops n kernel references to id. An unlinked inode is removed from
// memory once nothing uses it.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Forget(id fuseops.InodeID, n uint64) {
	c.mu.Lock()
	in := c.lookUp(id)
	c.mu.Unlock()

	if in == nil {
		panic(fmt.Sprintf("Forget of unknown inode %d", id))
	}

	in.Lock()
	destroy := in.DecrementLookupCount(n)
	in.Unlock()
	if !destroy {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.entries.LookUpWithoutChangingOrder(keyOf(id)); v != nil && in.IsUnlinked() && v.(*cacheEntry).Evictable() {
		c.entries.Erase(keyOf(id))
		return
	}
	c.evicted(c.entries.EvictOverflow())
}

// EvictIfPossible evicts the least recently used idle inode, reporting
// whether there was one.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) EvictIfPossible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.entries.EvictOne()
	if v == nil {
		return false
	}
	c.evicted([]lru.ValueType{v})
	return true
}

// Clean evicts idle inodes beyond the bound and idle inodes older than the
// age threshold, returning how many went.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Clean() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.entries.EvictOverflow()
	if c.ageThreshold > 0 {
		now := c.clock.Now()
		evicted = append(evicted, c.entries.EvictIf(func(_ string, v lru.ValueType) bool {
			return now.Sub(v.(*cacheEntry).in.base().lastAccess()) >= c.ageThreshold
		})...)
	}
	c.evicted(evicted)
	return len(evicted)
}

// Len returns the number of inodes in memory.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Loaded reports whether id is in memory, without loading it.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Loaded(id fuseops.InodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookUp(id) != nil
}

// Dirty returns the file inodes holding modifications not yet uploaded.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Dirty() (files []*FileInode) {
	c.mu.Lock()
	vs := c.entries.Values()
	c.mu.Unlock()

	for _, v := range vs {
		if f, ok := v.(*cacheEntry).in.(*FileInode); ok && f.dirty.Load() {
			files = append(files, f)
		}
	}
	return
}

// Restore loads every file whose modifications an earlier process
// persisted without uploading, so that they are flushed like any other
// dirty file. Returns how many came back dirty.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Restore(ctx context.Context) (n int, err error) {
	rs, err := c.db.Modified(ctx)
	if err != nil {
		err = fmt.Errorf("listing modified files: %w", err)
		return
	}

	for _, r := range rs {
		var in Inode
		if in, err = c.get(ctx, r.ID, false); err != nil {
			return
		}
		if f, ok := in.(*FileInode); ok && f.dirty.Load() {
			n++
		}
	}
	return
}

// Close stops the cleaner.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
	<-c.stopped
}
