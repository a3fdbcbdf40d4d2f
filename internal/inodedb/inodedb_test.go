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

package inodedb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/extension"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type recordingInvalidator struct {
	mu      sync.Mutex
	handles []remote.Handle
}

func (ri *recordingInvalidator) InvalidateHandle(h remote.Handle) int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.handles = append(ri.handles, h)
	return 1
}

type InodeDBTest struct {
	suite.Suite
	ctx         context.Context
	catalog     *database.Catalog
	invalidator *recordingInvalidator
	db          *DB
	root        fuseops.InodeID
}

func TestInodeDBSuite(t *testing.T) {
	suite.Run(t, new(InodeDBTest))
}

func (t *InodeDBTest) SetupTest() {
	var err error
	t.ctx = context.Background()
	t.catalog, err = database.Open(t.ctx, filepath.Join(t.T().TempDir(), "catalog.db"), database.Options{})
	require.NoError(t.T(), err)

	t.invalidator = &recordingInvalidator{}
	t.db = New(t.catalog, 1, t.invalidator)
	t.root, err = t.db.Allocate(t.ctx, 0, remote.Entry{Handle: "root", Kind: remote.Directory})
	require.NoError(t.T(), err)
}

func (t *InodeDBTest) TearDownTest() {
	t.catalog.Close()
}

func file(name string, h remote.Handle) remote.Entry {
	return remote.Entry{Name: name, Handle: h, Kind: remote.File, Metadata: remote.Metadata{Size: 3, Fingerprint: "fp-" + string(h)}}
}

func dir(name string, h remote.Handle) remote.Entry {
	return remote.Entry{Name: name, Handle: h, Kind: remote.Directory}
}

func (t *InodeDBTest) allocate(parent fuseops.InodeID, e remote.Entry) fuseops.InodeID {
	id, err := t.db.Allocate(t.ctx, parent, e)
	require.NoError(t.T(), err)
	return id
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *InodeDBTest) TestRootIsFirstAllocation() {
	assert.Equal(t.T(), fuseops.InodeID(fuseops.RootInodeID), t.root)

	r, err := t.db.LookupByID(t.ctx, t.root)
	require.NoError(t.T(), err)
	assert.True(t.T(), r.IsRoot())
	assert.Equal(t.T(), t.root, r.Parent)
	assert.Equal(t.T(), remote.Directory, r.Kind)
}

func (t *InodeDBTest) TestHandleBijection() {
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := file("photo.JPG", "h1")
	e.Modified = mtime
	id := t.allocate(t.root, e)

	byHandle, err := t.db.LookupByHandle(t.ctx, "h1")
	require.NoError(t.T(), err)
	byID, err := t.db.LookupByID(t.ctx, id)
	require.NoError(t.T(), err)

	assert.Equal(t.T(), byID, byHandle)
	assert.Equal(t.T(), id, byHandle.ID)
	assert.Equal(t.T(), mtime, byHandle.Modified)
	assert.Equal(t.T(), extension.Photo, byHandle.Extension)

	_, err = t.db.Allocate(t.ctx, t.root, file("other", "h1"))
	assert.ErrorIs(t.T(), err, ErrDuplicateHandle)
}

func (t *InodeDBTest) TestIDsAreNeverReused() {
	a := t.allocate(t.root, file("a", "h1"))
	_, err := t.db.Release(t.ctx, a)
	require.NoError(t.T(), err)

	b := t.allocate(t.root, file("a", "h1"))
	assert.Greater(t.T(), b, a)
}

func (t *InodeDBTest) TestNameTaken() {
	t.allocate(t.root, file("a", "h1"))

	_, err := t.db.Allocate(t.ctx, t.root, file("a", "h2"))
	assert.ErrorIs(t.T(), err, ErrNameTaken)
}

func (t *InodeDBTest) TestNamesAreNormalized() {
	id := t.allocate(t.root, file("cafe\u0301", "h1"))

	r, err := t.db.LookupChild(t.ctx, t.root, "caf\u00e9")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), id, r.ID)
}

func (t *InodeDBTest) TestUnboundInodes() {
	a := t.allocate(t.root, file("a", ""))
	b := t.allocate(t.root, file("b", ""))
	assert.NotEqual(t.T(), a, b)

	_, err := t.db.LookupByHandle(t.ctx, "")
	assert.ErrorIs(t.T(), err, ErrNotFound)

	require.NoError(t.T(), t.db.Bind(t.ctx, a, "h1", remote.Metadata{Size: 9, Fingerprint: "x"}))
	r, err := t.db.LookupByHandle(t.ctx, "h1")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), a, r.ID)
	assert.Equal(t.T(), uint64(9), r.Size)

	err = t.db.Bind(t.ctx, b, "h1", remote.Metadata{})
	assert.ErrorIs(t.T(), err, ErrDuplicateHandle)
}

func (t *InodeDBTest) TestRebindInvalidatesOldHandle() {
	a := t.allocate(t.root, file("a", "h1"))
	require.NoError(t.T(), t.db.Bind(t.ctx, a, "h2", remote.Metadata{Size: 1}))

	assert.Equal(t.T(), []remote.Handle{"h1"}, t.invalidator.handles)
	_, err := t.db.LookupByHandle(t.ctx, "h1")
	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *InodeDBTest) TestMoveDisplacesTarget() {
	d := t.allocate(t.root, dir("d", "hd"))
	a := t.allocate(t.root, file("a", "ha"))
	b := t.allocate(d, file("b", "hb"))

	displaced, err := t.db.Move(t.ctx, a, d, "b")
	require.NoError(t.T(), err)
	require.Len(t.T(), displaced, 1)
	assert.Equal(t.T(), b, displaced[0].ID)
	assert.Equal(t.T(), []remote.Handle{"hb"}, t.invalidator.handles)

	r, err := t.db.LookupChild(t.ctx, d, "b")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), a, r.ID)

	_, err = t.db.LookupChild(t.ctx, t.root, "a")
	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *InodeDBTest) TestReparentKeepsName() {
	d := t.allocate(t.root, dir("d", "hd"))
	a := t.allocate(t.root, file("a", "ha"))
	require.NoError(t.T(), t.db.Reparent(t.ctx, a, d))

	r, err := t.db.LookupChild(t.ctx, d, "a")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), a, r.ID)
}

func (t *InodeDBTest) TestReleaseRemovesSubtree() {
	d := t.allocate(t.root, dir("d", "hd"))
	e := t.allocate(d, dir("e", "he"))
	t.allocate(e, file("f", "hf"))

	removed, err := t.db.Release(t.ctx, d)
	require.NoError(t.T(), err)
	assert.Len(t.T(), removed, 3)
	assert.Equal(t.T(), []remote.Handle{"hf"}, t.invalidator.handles)

	n, err := t.db.Count(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 1, n)

	_, err = t.db.Release(t.ctx, t.root)
	assert.Error(t.T(), err)
}

func (t *InodeDBTest) TestApplyListing() {
	keep := t.allocate(t.root, file("keep", "h1"))
	gone := t.allocate(t.root, file("gone", "h2"))
	local := t.allocate(t.root, file("local", ""))

	l, err := t.db.ApplyListing(t.ctx, t.root, []remote.Entry{
		file("renamed", "h1"),
		file("new", "h3"),
		file("local", "h4"),
	})
	require.NoError(t.T(), err)

	require.Len(t.T(), l.Children, 3)
	assert.Equal(t.T(), keep, l.Children["renamed"].ID)
	assert.Equal(t.T(), local, l.Children["local"].ID)
	assert.Equal(t.T(), remote.Handle("h3"), l.Children["new"].Handle)
	require.Len(t.T(), l.Removed, 1)
	assert.Equal(t.T(), gone, l.Removed[0].ID)

	children, err := t.db.Children(t.ctx, t.root)
	require.NoError(t.T(), err)
	assert.Len(t.T(), children, 3)

	// Shadowed remote entry got no inode.
	_, err = t.db.LookupByHandle(t.ctx, "h4")
	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *InodeDBTest) TestApplyListingSwapsNames() {
	a := t.allocate(t.root, file("a", "ha"))
	b := t.allocate(t.root, file("b", "hb"))

	l, err := t.db.ApplyListing(t.ctx, t.root, []remote.Entry{file("b", "ha"), file("a", "hb")})
	require.NoError(t.T(), err)

	assert.Equal(t.T(), a, l.Children["b"].ID)
	assert.Equal(t.T(), b, l.Children["a"].ID)
	r, err := t.db.LookupChild(t.ctx, t.root, "a")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), b, r.ID)
}

func (t *InodeDBTest) TestApplyListingRetypeIsDeleteAndCreate() {
	old := t.allocate(t.root, file("x", "hx"))

	l, err := t.db.ApplyListing(t.ctx, t.root, []remote.Entry{dir("x", "hx")})
	require.NoError(t.T(), err)

	assert.NotEqual(t.T(), old, l.Children["x"].ID)
	assert.Equal(t.T(), remote.Directory, l.Children["x"].Kind)
	require.Len(t.T(), l.Removed, 1)
	assert.Equal(t.T(), old, l.Removed[0].ID)
}

func (t *InodeDBTest) TestApplyListingAdoptsMovedNode() {
	d := t.allocate(t.root, dir("d", "hd"))
	f := t.allocate(t.root, file("f", "hf"))

	l, err := t.db.ApplyListing(t.ctx, d, []remote.Entry{file("f", "hf")})
	require.NoError(t.T(), err)

	assert.Equal(t.T(), f, l.Children["f"].ID)
	require.Len(t.T(), l.Moved, 1)
	assert.Equal(t.T(), t.root, l.Moved[0].Parent)

	r, err := t.db.LookupByID(t.ctx, f)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), d, r.Parent)
}

func (t *InodeDBTest) TestMountsAreIsolated() {
	other := New(t.catalog, 2, nil)
	root, err := other.Allocate(t.ctx, 0, dir("", "root"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), fuseops.InodeID(fuseops.RootInodeID), root)

	require.NoError(t.T(), other.Clear(t.ctx))
	_, err = t.db.LookupByID(t.ctx, t.root)
	assert.NoError(t.T(), err)
	_, err = other.LookupByID(t.ctx, root)
	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *InodeDBTest) TestLocalModificationsArePersisted() {
	a := t.allocate(t.root, file("a", "ha"))
	b := t.allocate(t.root, file("b", ""))
	t.allocate(t.root, file("c", "hc"))
	mtime := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t.T(), t.db.SetLocal(t.ctx, a, Local{Handle: "ha", Fingerprint: "local-1", Modified: mtime}))
	require.NoError(t.T(), t.db.SetLocal(t.ctx, b, Local{Handle: "local-x", Fingerprint: "local-2"}))

	r, err := t.db.LookupByID(t.ctx, a)
	require.NoError(t.T(), err)
	require.NotNil(t.T(), r.Local)
	assert.Equal(t.T(), Local{Handle: "ha", Fingerprint: "local-1", Modified: mtime}, *r.Local)

	modified, err := t.db.Modified(t.ctx)
	require.NoError(t.T(), err)
	require.Len(t.T(), modified, 2)
	assert.Equal(t.T(), a, modified[0].ID)
	assert.Equal(t.T(), b, modified[1].ID)

	// A flush that caught up clears the record; the other stays claimed.
	require.NoError(t.T(), t.db.ClearLocal(t.ctx, a))
	r, err = t.db.LookupByID(t.ctx, a)
	require.NoError(t.T(), err)
	assert.Nil(t.T(), r.Local)

	keys, err := LocalKeys(t.ctx, t.catalog)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []Local{{Handle: "local-x", Fingerprint: "local-2"}}, keys)
}

func (t *InodeDBTest) TestLocalKeysSpanMounts() {
	other := New(t.catalog, 2, nil)
	root, err := other.Allocate(t.ctx, 0, dir("", "root"))
	require.NoError(t.T(), err)
	id, err := other.Allocate(t.ctx, root, file("x", "hx"))
	require.NoError(t.T(), err)
	require.NoError(t.T(), other.SetLocal(t.ctx, id, Local{Handle: "hx", Fingerprint: "local-9"}))

	keys, err := LocalKeys(t.ctx, t.catalog)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []Local{{Handle: "hx", Fingerprint: "local-9"}}, keys)

	modified, err := t.db.Modified(t.ctx)
	require.NoError(t.T(), err)
	assert.Empty(t.T(), modified)
}

func (t *InodeDBTest) TestSetLocalOfMissingInode() {
	err := t.db.SetLocal(t.ctx, 999, Local{Handle: "h", Fingerprint: "f"})

	assert.ErrorIs(t.T(), err, ErrNotFound)
}
