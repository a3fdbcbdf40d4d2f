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

	"github.com/nodemount/nodemount/internal/inodedb"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
)

// Rename moves the child oldName of oldParent to newName under newParent,
// replacing any existing target of the same kind. The inode keeps its id.
//
// LOCKS_EXCLUDED(c.mu)
// LOCKS_EXCLUDED(oldParent)
// LOCKS_EXCLUDED(newParent)
func (c *Cache) Rename(
	ctx context.Context,
	oldParent *DirInode,
	oldName string,
	newParent *DirInode,
	newName string) error {
	oldName, newName = inodedb.Normalize(oldName), inodedb.Normalize(newName)

	src, err := oldParent.LookUpChild(ctx, oldName)
	if err != nil {
		return err
	}

	dst, err := newParent.LookUpChild(ctx, newName)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case dst.ID == src.ID:
		return nil
	case src.Kind == remote.Directory && dst.Kind != remote.Directory:
		return ErrNotDir
	case src.Kind != remote.Directory && dst.Kind == remote.Directory:
		return ErrIsDir
	default:
		err = newParent.DeleteChild(ctx, newName, dst.Kind == remote.Directory)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	rec, err := c.db.LookupByID(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("looking up %q: %w", oldName, err)
	}

	newParent.Lock()
	parentHandle := newParent.rec.Handle
	newParent.Unlock()

	moved := remote.Entry{Handle: rec.Handle, Metadata: rec.Metadata}
	if rec.Handle != "" {
		moved, err = c.client.Move(ctx, rec.Handle, parentHandle, newName)
		switch {
		case errors.Is(err, remote.ErrExists):
			return ErrExists
		case errors.Is(err, remote.ErrNotFound):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("Move %q: %w", oldName, err)
		}
	}

	displaced, err := c.db.Move(ctx, src.ID, newParent.ID(), newName)
	if err != nil {
		return fmt.Errorf("moving %q: %w", oldName, err)
	}
	c.unlinked(displaced)

	if moved.Handle != rec.Handle {
		if err := c.rebind(ctx, rec, moved); err != nil {
			return err
		}
	}

	oldParent.Lock()
	oldParent.forgetChild(oldName, src.ID)
	oldParent.Unlock()

	newParent.Lock()
	newParent.adoptChild(Child{ID: src.ID, Name: newName, Kind: src.Kind})
	newParent.Unlock()

	updated, err := c.db.LookupByID(ctx, src.ID)
	if err != nil {
		return err
	}
	c.refresh(updated)
	return nil
}

// Point rec at the node a move produced. Descendants of a directory were
// known by their old nodes, so they are forgotten and listed afresh.
func (c *Cache) rebind(ctx context.Context, rec inodedb.Record, moved remote.Entry) error {
	if rec.Kind == remote.Directory {
		children, err := c.db.Children(ctx, rec.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			removed, err := c.db.Release(ctx, child.ID)
			if err != nil {
				return err
			}
			c.unlinked(removed)
		}
	}

	if err := c.db.Bind(ctx, rec.ID, moved.Handle, moved.Metadata); err != nil {
		return fmt.Errorf("rebinding %q: %w", rec.Name, err)
	}
	return nil
}

// HandleChange applies a remote change notification. Changes to nodes the
// mount has never seen are ignored.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) HandleChange(ctx context.Context, ch remote.Change) error {
	rec, err := c.db.LookupByHandle(ctx, ch.Handle)
	if errors.Is(err, inodedb.ErrNotFound) {
		logger.Tracef("Ignoring %v for unknown node %q", ch.Kind, ch.Handle)
		return nil
	}
	if err != nil {
		return err
	}

	switch ch.Kind {
	case remote.ChildrenChanged:
		c.markStale(rec)

	case remote.ContentChanged:
		e, err := c.client.Stat(ctx, ch.Handle)
		if errors.Is(err, remote.ErrNotFound) {
			return c.removeRemotely(ctx, rec)
		}
		if err != nil {
			return fmt.Errorf("Stat %q: %w", ch.Handle, err)
		}
		if err := c.db.UpdateMetadata(ctx, rec.ID, e.Metadata); err != nil {
			return err
		}
		if e.Fingerprint != rec.Fingerprint {
			c.content.Files.InvalidateHandle(ch.Handle)
		}
		updated, err := c.db.LookupByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		c.refresh(updated)

	case remote.Removed:
		return c.removeRemotely(ctx, rec)

	default:
		return fmt.Errorf("unknown change kind %v", ch.Kind)
	}

	return nil
}

// LOCKS_EXCLUDED(c.mu)
func (c *Cache) markStale(rec inodedb.Record) {
	c.mu.Lock()
	d, _ := c.lookUp(rec.ID).(*DirInode)
	c.mu.Unlock()

	if d != nil {
		d.Lock()
		d.MarkStale()
		d.Unlock()
	}
}

// Forget a node deleted behind our back.
func (c *Cache) removeRemotely(ctx context.Context, rec inodedb.Record) error {
	if rec.IsRoot() {
		logger.Warnf("Root node %q was removed remotely", rec.Handle)
		return nil
	}

	removed, err := c.db.Release(ctx, rec.ID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	parent, _ := c.lookUp(rec.Parent).(*DirInode)
	c.mu.Unlock()
	if parent != nil {
		parent.Lock()
		parent.forgetChild(rec.Name, rec.ID)
		parent.Unlock()
	}

	c.unlinked(removed)
	return nil
}
