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
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/nodemount/nodemount/internal/inodedb"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
)

var (
	// ErrIsDir means a file operation was applied to a directory.
	ErrIsDir = errors.New("is a directory")

	// ErrNotDir means a directory operation was applied to a file.
	ErrNotDir = errors.New("not a directory")
)

// ListingState tracks whether a directory's children are known.
type ListingState int

const (
	NotLoaded ListingState = iota
	Loading
	Loaded
	Stale
)

func (s ListingState) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Stale:
		return "Stale"
	default:
		return fmt.Sprintf("ListingState(%d)", int(s))
	}
}

// Child is a directory entry as seen by its parent.
type Child struct {
	ID   fuseops.InodeID
	Name string
	Kind remote.Kind
}

// An in-flight listing, shared by everyone waiting for it.
type listing struct {
	done chan struct{}

	// Written once before done is closed.
	err error
}

type DirInode struct {
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

	// GUARDED_BY(mu)
	rec inodedb.Record

	// GUARDED_BY(mu)
	state ListingState

	// The known children, by normalized name. Meaningful when state is Loaded
	// or Stale.
	//
	// INVARIANT: For each k/v, v.Name == k
	//
	// GUARDED_BY(mu)
	children map[string]Child

	// INVARIANT: (inflight != nil) == (state == Loading)
	//
	// GUARDED_BY(mu)
	inflight *listing

	// Set when a staleness mark arrives while a listing is in flight, so that
	// the result is stale the moment it lands.
	//
	// INVARIANT: staleDuringLoad implies state == Loading
	//
	// GUARDED_BY(mu)
	staleDuringLoad bool
}

var _ Inode = &DirInode{}

func newDirInode(c *Cache, rec inodedb.Record) (d *DirInode) {
	d = &DirInode{
		cache: c,
		rec:   rec,
		state: NotLoaded,
	}
	d.core.init(rec.ID, c.clock.Now())
	d.mu = locker.New(fmt.Sprintf("DirInode(%d)", rec.ID), d.checkInvariants)
	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (d *DirInode) checkInvariants() {
	if (d.inflight != nil) != (d.state == Loading) {
		panic(fmt.Sprintf("inflight listing %v in state %v", d.inflight != nil, d.state))
	}
	if d.staleDuringLoad && d.state != Loading {
		panic(fmt.Sprintf("stale mark pending in state %v", d.state))
	}
	for k, v := range d.children {
		if v.Name != k {
			panic(fmt.Sprintf("child %q filed under %q", v.Name, k))
		}
	}
}

// Start a listing unless one is already in flight, returning it.
//
// LOCKS_REQUIRED(d.mu)
func (d *DirInode) startListing() *listing {
	if d.inflight != nil {
		return d.inflight
	}

	l := &listing{done: make(chan struct{})}
	d.inflight = l
	d.state = Loading
	d.loading.Store(true)

	go d.list(l, d.rec.Handle)
	return l
}

// Run one listing to completion. Nobody's context governs it: callers that
// give up merely stop waiting.
//
// LOCKS_EXCLUDED(d.mu)
func (d *DirInode) list(l *listing, h remote.Handle) {
	ctx := context.Background()

	var result inodedb.Listing
	entries, err := d.cache.client.ListChildren(ctx, h)
	if err == nil {
		result, err = d.cache.db.ApplyListing(ctx, d.id, entries)
	}

	d.mu.Lock()
	d.inflight = nil
	if err != nil {
		logger.Warnf("Listing directory %d (%q): %v", d.id, h, err)
		d.state = NotLoaded
		d.children = nil
	} else {
		d.children = make(map[string]Child, len(result.Children))
		for name, r := range result.Children {
			d.children[name] = Child{ID: r.ID, Name: name, Kind: r.Kind}
		}
		d.state = Loaded
		if d.staleDuringLoad {
			d.state = Stale
		}
	}
	d.staleDuringLoad = false
	d.mu.Unlock()

	if err == nil {
		d.cache.applied(d.id, result)
	}

	l.err = err
	d.loading.Store(false)
	close(l.done)
}

// Make sure the children are known, listing if they are not or if they are
// stale. A listing we waited for is accepted even if marked stale while it
// ran. Returns with d.mu held on success.
//
// LOCKS_EXCLUDED(d.mu)
func (d *DirInode) lockLoaded(ctx context.Context) error {
	waited := false
	for {
		d.mu.Lock()
		if d.state == Loaded || (waited && d.state == Stale) {
			return nil
		}
		l := d.startListing()
		d.mu.Unlock()

		select {
		case <-l.done:
			if l.err != nil {
				return fmt.Errorf("listing directory %d: %w", d.id, l.err)
			}
			waited = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

func (d *DirInode) Lock() {
	d.mu.Lock()
}

func (d *DirInode) Unlock() {
	d.mu.Unlock()
}

// LOCKS_REQUIRED(d.mu)
func (d *DirInode) Record() inodedb.Record {
	return d.rec
}

// LOCKS_REQUIRED(d.mu)
func (d *DirInode) State() ListingState {
	return d.state
}

// LOCKS_REQUIRED(d.mu)
func (d *DirInode) Attributes() fuseops.InodeAttributes {
	attrs := d.core.attributes(d.rec, d.cache.attrs)
	attrs.Mode = os.ModeDir | d.cache.attrs.DirMode
	return attrs
}

// MarkStale records that the remote children may have changed. The next
// lookup or read of the directory lists it again.
//
// LOCKS_REQUIRED(d.mu)
func (d *DirInode) MarkStale() {
	switch d.state {
	case Loaded:
		d.state = Stale
	case Loading:
		d.staleDuringLoad = true
	}
}

// LookUpChild returns the child of the given name, listing the directory
// first if needed. A loaded directory answers ErrNotFound without asking the
// remote.
//
// LOCKS_EXCLUDED(d.mu)
func (d *DirInode) LookUpChild(ctx context.Context, name string) (Child, error) {
	if err := d.lockLoaded(ctx); err != nil {
		return Child{}, err
	}
	defer d.mu.Unlock()

	c, ok := d.children[inodedb.Normalize(name)]
	if !ok {
		return Child{}, ErrNotFound
	}
	return c, nil
}

// ReadEntries returns every child sorted by name.
//
// LOCKS_EXCLUDED(d.mu)
func (d *DirInode) ReadEntries(ctx context.Context) ([]Child, error) {
	if err := d.lockLoaded(ctx); err != nil {
		return nil, err
	}
	defer d.mu.Unlock()

	entries := make([]Child, 0, len(d.children))
	for _, c := range d.children {
		entries = append(entries, c)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// CreateChildDir creates a directory remotely and allocates its inode.
//
// LOCKS_EXCLUDED(d.mu)
func (d *DirInode) CreateChildDir(ctx context.Context, name string) (Child, error) {
	if err := d.lockLoaded(ctx); err != nil {
		return Child{}, err
	}
	defer d.mu.Unlock()

	name = inodedb.Normalize(name)
	if _, ok := d.children[name]; ok {
		return Child{}, ErrExists
	}

	e, err := d.cache.client.MakeDirectory(ctx, d.rec.Handle, name)
	if errors.Is(err, remote.ErrExists) {
		d.state = Stale
		return Child{}, ErrExists
	}
	if err != nil {
		return Child{}, fmt.Errorf("MakeDirectory %q: %w", name, err)
	}
	e.Name = name

	id, err := d.cache.db.Allocate(ctx, d.id, e)
	if err != nil {
		return Child{}, fmt.Errorf("allocating %q: %w", name, err)
	}

	c := Child{ID: id, Name: name, Kind: remote.Directory}
	d.children[name] = c
	return c, nil
}

// CreateChildFile allocates an inode for a new, empty file. The file exists
// only locally until its first flush.
//
// LOCKS_EXCLUDED(d.mu)
func (d *DirInode) CreateChildFile(ctx context.Context, name string) (Child, error) {
	if err := d.lockLoaded(ctx); err != nil {
		return Child{}, err
	}
	defer d.mu.Unlock()

	name = inodedb.Normalize(name)
	if _, ok := d.children[name]; ok {
		return Child{}, ErrExists
	}

	id, err := d.cache.db.Allocate(ctx, d.id, remote.Entry{
		Name:     name,
		Kind:     remote.File,
		Metadata: remote.Metadata{Modified: d.cache.clock.Now()},
	})
	if err != nil {
		return Child{}, fmt.Errorf("allocating %q: %w", name, err)
	}

	c := Child{ID: id, Name: name, Kind: remote.File}
	d.children[name] = c
	return c, nil
}

// DeleteChild removes the named child remotely and forgets its subtree. dir
// says whether the caller expects a directory.
//
// LOCKS_EXCLUDED(d.mu)
func (d *DirInode) DeleteChild(ctx context.Context, name string, dir bool) error {
	if err := d.lockLoaded(ctx); err != nil {
		return err
	}

	removed, err := d.deleteChild(ctx, inodedb.Normalize(name), dir)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.cache.unlinked(removed)
	return nil
}

// LOCKS_REQUIRED(d.mu)
func (d *DirInode) deleteChild(ctx context.Context, name string, dir bool) ([]inodedb.Record, error) {
	c, ok := d.children[name]
	switch {
	case !ok:
		return nil, ErrNotFound
	case dir && c.Kind != remote.Directory:
		return nil, ErrNotDir
	case !dir && c.Kind == remote.Directory:
		return nil, ErrIsDir
	}

	rec, err := d.cache.db.LookupByID(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up %q: %w", name, err)
	}

	if dir {
		known, err := d.cache.db.Children(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if len(known) > 0 {
			return nil, ErrNotEmpty
		}
	}

	if rec.Handle != "" {
		err = d.cache.client.Remove(ctx, rec.Handle)
		switch {
		case errors.Is(err, remote.ErrNotEmpty):
			return nil, ErrNotEmpty
		case errors.Is(err, remote.ErrNotFound):
			logger.Debugf("%q was already gone remotely", name)
		case err != nil:
			return nil, fmt.Errorf("Remove %q: %w", name, err)
		}
	}

	removed, err := d.cache.db.Release(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("releasing %q: %w", name, err)
	}

	delete(d.children, name)
	return removed, nil
}

// Drop the child of the given name if it is the given inode.
//
// LOCKS_REQUIRED(d.mu)
func (d *DirInode) forgetChild(name string, id fuseops.InodeID) {
	if c, ok := d.children[name]; ok && c.ID == id {
		delete(d.children, name)
	}
}

// Record a child placed by a local operation.
//
// LOCKS_REQUIRED(d.mu)
func (d *DirInode) adoptChild(c Child) {
	if d.children != nil {
		d.children[c.Name] = c
	}
}

// LOCKS_REQUIRED(d.mu)
func (d *DirInode) update(rec inodedb.Record) {
	if rec.Handle != d.rec.Handle {
		// Everything we knew was keyed by the old node.
		d.MarkStale()
	}
	d.rec = rec
}
