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
	"errors"
	"fmt"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
	"zombiezen.com/go/sqlite"
)

// Listing is the outcome of reconciling a directory with a remote listing.
type Listing struct {
	// The directory's children after the listing, keyed by normalized name.
	Children map[string]Record

	// Records deleted because their node vanished or changed kind, including
	// their subtrees.
	Removed []Record

	// Records adopted from another directory, as they were before the move.
	Moved []Record
}

// ApplyListing makes the children of parent match entries, the complete
// remote listing of parent, in one transaction:
//
//   - a known handle keeps its inode id, and is moved and renamed as needed
//     (even if it used to live under another directory);
//   - an unknown handle gets a new inode;
//   - a bound child missing from the listing is deleted with its subtree;
//   - a handle whose kind changed is treated as delete plus create.
//
// Unbound children, which hold local content not uploaded yet, are kept and
// shadow any remote entry of the same name.
func (db *DB) ApplyListing(ctx context.Context, parent fuseops.InodeID, entries []remote.Entry) (l Listing, err error) {
	err = db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		l, err = db.applyListing(conn, parent, entries)
		return err
	})
	if err != nil {
		err = fmt.Errorf("ApplyListing %d: %w", parent, err)
		l = Listing{}
		return
	}

	db.invalidate(l.Removed)
	return
}

func (db *DB) applyListing(conn *sqlite.Conn, parent fuseops.InodeID, entries []remote.Entry) (l Listing, err error) {
	dir, err := db.queryOne(conn, "id = ?", int64(parent))
	if err != nil {
		return
	}
	if dir.Kind != remote.Directory {
		err = fmt.Errorf("inode %d is not a directory", parent)
		return
	}

	current, err := db.queryAll(conn, "parent_id = ? AND id != parent_id", int64(parent))
	if err != nil {
		return
	}

	l.Children = make(map[string]Record)
	unbound := make(map[string]bool)
	for _, r := range current {
		if r.Handle == "" {
			unbound[r.Name] = true
			l.Children[r.Name] = r
		}
	}

	// Decide the wanted state, first entry winning on duplicate names.
	wanted := make(map[remote.Handle]remote.Entry)
	var order []remote.Handle
	names := make(map[string]bool)
	for _, e := range entries {
		e.Name = Normalize(e.Name)
		switch {
		case e.Handle == "" || e.Handle == dir.Handle:
			continue
		case unbound[e.Name]:
			logger.Debugf("inodedb: %q in %d is shadowed by local content", e.Name, parent)
			continue
		case names[e.Name]:
			logger.Warnf("inodedb: duplicate name %q in listing of %d", e.Name, parent)
			continue
		}
		if _, ok := wanted[e.Handle]; ok {
			continue
		}
		names[e.Name] = true
		wanted[e.Handle] = e
		order = append(order, e.Handle)
	}

	// Remove bound children that are gone.
	for _, r := range current {
		if r.Handle == "" {
			continue
		}
		if e, ok := wanted[r.Handle]; ok && e.Kind == r.Kind {
			continue
		}
		var removed []Record
		if removed, err = db.remove(conn, r.ID); err != nil {
			return
		}
		l.Removed = append(l.Removed, removed...)
	}

	// Known handles keep their ids. Park the ones that move under a name no
	// entry can have, so that swaps don't trip the name constraint.
	type move struct {
		r Record
		e remote.Entry
	}
	var moves []move
	var fresh []remote.Entry
	for _, h := range order {
		e := wanted[h]
		r, lerr := db.queryOne(conn, "handle = ?", string(h))
		switch {
		case errors.Is(lerr, ErrNotFound):
			fresh = append(fresh, e)
			continue
		case lerr != nil:
			err = lerr
			return
		}

		if r.Kind != e.Kind {
			// Retyped while living elsewhere.
			var removed []Record
			if removed, err = db.remove(conn, r.ID); err != nil {
				return
			}
			l.Removed = append(l.Removed, removed...)
			fresh = append(fresh, e)
			continue
		}
		if r.ID == parent || r.IsRoot() {
			logger.Warnf("inodedb: listing of %d contains an ancestor %q", parent, h)
			continue
		}

		if r.Parent != parent || r.Name != e.Name {
			if err = db.setPosition(conn, r, r.Parent, fmt.Sprintf("\x00parked-%d", r.ID)); err != nil {
				return
			}
		}
		moves = append(moves, move{r, e})
	}

	// Bound children holding a wanted name under another handle were removed
	// above, so the names are free now.
	for _, m := range moves {
		if m.r.Parent != parent {
			l.Moved = append(l.Moved, m.r)
		}
		if m.r.Parent != parent || m.r.Name != m.e.Name {
			if err = db.setPosition(conn, m.r, parent, m.e.Name); err != nil {
				return
			}
		}
		if err = db.setMetadata(conn, m.r.ID, m.e.Metadata); err != nil {
			return
		}
		r := m.r
		r.Parent = parent
		r.Name = m.e.Name
		r.Metadata = m.e.Metadata
		r.Extension = extensionOf(r.Kind, r.Name)
		l.Children[r.Name] = r
	}

	for _, e := range fresh {
		var id fuseops.InodeID
		if id, err = db.insert(conn, parent, e); err != nil {
			return
		}
		l.Children[e.Name] = Record{
			ID:        id,
			Parent:    parent,
			Entry:     e,
			Extension: extensionOf(e.Kind, e.Name),
		}
	}

	return
}
