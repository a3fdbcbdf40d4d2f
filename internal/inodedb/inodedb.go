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

// Package inodedb is the durable inode table of one mount: the mapping
// between local inode ids, remote handles and positions in the directory
// tree, together with the metadata last seen for each node.
package inodedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/extension"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
	"golang.org/x/text/unicode/norm"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	// ErrDuplicateHandle means the handle is already bound to another inode.
	ErrDuplicateHandle = errors.New("remote handle already has an inode")

	// ErrNotFound means no inode matches.
	ErrNotFound = errors.New("inode not found")

	// ErrNameTaken means the parent already has a child of that name.
	ErrNameTaken = errors.New("name already taken")
)

// Record is the persisted state of one inode. An empty Handle means the
// node was created locally and has not been uploaded yet.
type Record struct {
	ID     fuseops.InodeID
	Parent fuseops.InodeID
	remote.Entry
	Extension extension.Class

	// Set while the file has modifications that are not uploaded yet.
	Local *Local
}

// Local locates the modifications of a file that are not uploaded yet: the
// file cache key holding them and the mtime they give the file.
type Local struct {
	Handle      remote.Handle
	Fingerprint string
	Modified    time.Time
}

func (r Record) IsRoot() bool {
	return r.ID == fuseops.RootInodeID
}

// Invalidator drops cached content for a handle that no longer has an
// inode. Satisfied by the file cache.
type Invalidator interface {
	InvalidateHandle(h remote.Handle) int
}

// DB is the inode table of one mount. Every mutation runs in its own
// catalog transaction. Safe for concurrent use.
type DB struct {
	catalog     *database.Catalog
	mountID     int64
	invalidator Invalidator
}

// New returns the inode table of the given mount. invalidator may be nil.
func New(catalog *database.Catalog, mountID int64, invalidator Invalidator) *DB {
	return &DB{
		catalog:     catalog,
		mountID:     mountID,
		invalidator: invalidator,
	}
}

// Normalize returns the form in which names are stored and compared.
func Normalize(name string) string {
	return norm.NFC.String(name)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

const columns = "id, parent_id, handle, kind, name, size, modified, fingerprint, extension, " +
	"local_handle, local_fingerprint, local_modified"

func scanRecord(stmt *sqlite.Stmt) (r Record) {
	r.ID = fuseops.InodeID(stmt.ColumnInt64(0))
	r.Parent = fuseops.InodeID(stmt.ColumnInt64(1))
	if stmt.ColumnType(2) != sqlite.TypeNull {
		r.Handle = remote.Handle(stmt.ColumnText(2))
	}
	if stmt.ColumnInt64(3) == database.KindDirectory {
		r.Kind = remote.Directory
	} else {
		r.Kind = remote.File
	}
	r.Name = stmt.ColumnText(4)
	r.Size = uint64(stmt.ColumnInt64(5))
	if ns := stmt.ColumnInt64(6); ns != 0 {
		r.Modified = time.Unix(0, ns).UTC()
	}
	r.Fingerprint = stmt.ColumnText(7)
	r.Extension = extension.Class(stmt.ColumnText(8))
	if stmt.ColumnType(9) != sqlite.TypeNull {
		r.Local = &Local{
			Handle:      remote.Handle(stmt.ColumnText(9)),
			Fingerprint: stmt.ColumnText(10),
		}
		if ns := stmt.ColumnInt64(11); ns != 0 {
			r.Local.Modified = time.Unix(0, ns).UTC()
		}
	}
	return
}

func handleArg(h remote.Handle) any {
	if h == "" {
		return nil
	}
	return string(h)
}

func kindArg(k remote.Kind) int64 {
	if k == remote.Directory {
		return database.KindDirectory
	}
	return database.KindFile
}

func modifiedArg(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func extensionOf(kind remote.Kind, name string) extension.Class {
	if kind == remote.Directory {
		return extension.Others
	}
	return extension.Classify(name)
}

func (db *DB) queryOne(conn *sqlite.Conn, where string, args ...any) (r Record, err error) {
	found := false
	err = sqlitex.Execute(conn,
		"SELECT "+columns+" FROM inodes WHERE mount_id = ? AND "+where,
		&sqlitex.ExecOptions{
			Args: append([]any{db.mountID}, args...),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r = scanRecord(stmt)
				found = true
				return nil
			},
		})
	if err == nil && !found {
		err = ErrNotFound
	}
	return
}

func (db *DB) queryAll(conn *sqlite.Conn, where string, args ...any) (rs []Record, err error) {
	err = sqlitex.Execute(conn,
		"SELECT "+columns+" FROM inodes WHERE mount_id = ? AND "+where+" ORDER BY id",
		&sqlitex.ExecOptions{
			Args: append([]any{db.mountID}, args...),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rs = append(rs, scanRecord(stmt))
				return nil
			},
		})
	return
}

// Hand out the next id, creating the counter on the first allocation, which
// gets RootInodeID.
func (db *DB) nextID(conn *sqlite.Conn) (id fuseops.InodeID, err error) {
	var next int64
	found := false
	err = sqlitex.Execute(conn, "SELECT next FROM inode_id WHERE mount_id = ?", &sqlitex.ExecOptions{
		Args: []any{db.mountID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			next = stmt.ColumnInt64(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return
	}

	if !found {
		id = fuseops.RootInodeID
		err = sqlitex.Execute(conn, "INSERT INTO inode_id (mount_id, next) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{db.mountID, int64(id) + 1},
		})
		return
	}

	id = fuseops.InodeID(next)
	err = sqlitex.Execute(conn, "UPDATE inode_id SET next = ? WHERE mount_id = ?", &sqlitex.ExecOptions{
		Args: []any{next + 1, db.mountID},
	})
	return
}

// Classify a failed insert or update of a record.
func (db *DB) conflict(conn *sqlite.Conn, h remote.Handle, err error) error {
	if !database.IsConstraintViolation(err) {
		return err
	}
	if h != "" {
		if _, lerr := db.queryOne(conn, "handle = ?", string(h)); lerr == nil {
			return fmt.Errorf("%w: %q", ErrDuplicateHandle, h)
		}
	}
	return ErrNameTaken
}

func (db *DB) insert(conn *sqlite.Conn, parent fuseops.InodeID, e remote.Entry) (id fuseops.InodeID, err error) {
	e.Name = Normalize(e.Name)
	if e.Handle != "" {
		if _, lerr := db.queryOne(conn, "handle = ?", string(e.Handle)); lerr == nil {
			err = fmt.Errorf("%w: %q", ErrDuplicateHandle, e.Handle)
			return
		}
	}

	id, err = db.nextID(conn)
	if err != nil {
		return
	}
	if id == fuseops.RootInodeID {
		parent = id
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO inodes (mount_id, id, handle, parent_id, kind, name, size, modified, fingerprint, extension) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{
				db.mountID, int64(id), handleArg(e.Handle), int64(parent), kindArg(e.Kind),
				e.Name, int64(e.Size), modifiedArg(e.Modified), e.Fingerprint, string(extensionOf(e.Kind, e.Name)),
			},
		})
	if err != nil {
		err = db.conflict(conn, e.Handle, err)
	}
	return
}

func (db *DB) setMetadata(conn *sqlite.Conn, id fuseops.InodeID, m remote.Metadata) error {
	err := sqlitex.Execute(conn,
		"UPDATE inodes SET size = ?, modified = ?, fingerprint = ? WHERE mount_id = ? AND id = ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(m.Size), modifiedArg(m.Modified), m.Fingerprint, db.mountID, int64(id)},
		})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) setLocal(conn *sqlite.Conn, id fuseops.InodeID, local []any) error {
	err := sqlitex.Execute(conn,
		"UPDATE inodes SET local_handle = ?, local_fingerprint = ?, local_modified = ? WHERE mount_id = ? AND id = ?",
		&sqlitex.ExecOptions{
			Args: append(local, db.mountID, int64(id)),
		})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) setPosition(conn *sqlite.Conn, r Record, parent fuseops.InodeID, name string) error {
	err := sqlitex.Execute(conn,
		"UPDATE inodes SET parent_id = ?, name = ?, extension = ? WHERE mount_id = ? AND id = ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(parent), name, string(extensionOf(r.Kind, name)), db.mountID, int64(r.ID)},
		})
	if err != nil {
		return db.conflict(conn, r.Handle, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// The subtree rooted at id, in id order.
func (db *DB) subtree(conn *sqlite.Conn, id fuseops.InodeID) (rs []Record, err error) {
	err = sqlitex.Execute(conn,
		"WITH RECURSIVE sub(id) AS ("+
			"SELECT ? "+
			"UNION "+
			"SELECT i.id FROM inodes i JOIN sub ON i.parent_id = sub.id "+
			"WHERE i.mount_id = ? AND i.id != i.parent_id) "+
			"SELECT "+columns+" FROM inodes WHERE mount_id = ? AND id IN sub ORDER BY id",
		&sqlitex.ExecOptions{
			Args: []any{int64(id), db.mountID, db.mountID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rs = append(rs, scanRecord(stmt))
				return nil
			},
		})
	return
}

// Delete the subtree rooted at id.
func (db *DB) remove(conn *sqlite.Conn, id fuseops.InodeID) (removed []Record, err error) {
	removed, err = db.subtree(conn, id)
	if err != nil {
		return
	}
	if len(removed) == 0 {
		err = ErrNotFound
		return
	}

	for _, r := range removed {
		err = sqlitex.Execute(conn, "DELETE FROM inodes WHERE mount_id = ? AND id = ?", &sqlitex.ExecOptions{
			Args: []any{db.mountID, int64(r.ID)},
		})
		if err != nil {
			return
		}
	}
	return
}

// Drop cached content of removed file records. Runs after commit.
func (db *DB) invalidate(removed []Record) {
	if db.invalidator == nil {
		return
	}
	for _, r := range removed {
		if r.Kind == remote.File && r.Handle != "" {
			db.invalidator.InvalidateHandle(r.Handle)
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Allocate creates an inode for e under parent and returns its id. The first
// allocation of a mount is its root: it gets RootInodeID and is its own
// parent. An empty e.Handle creates an unbound inode.
func (db *DB) Allocate(ctx context.Context, parent fuseops.InodeID, e remote.Entry) (id fuseops.InodeID, err error) {
	err = db.catalog.Write(ctx, func(conn *sqlite.Conn) (err error) {
		id, err = db.insert(conn, parent, e)
		return
	})
	if err != nil {
		err = fmt.Errorf("Allocate %q: %w", e.Name, err)
	}
	return
}

func (db *DB) LookupByID(ctx context.Context, id fuseops.InodeID) (r Record, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		r, err = db.queryOne(conn, "id = ?", int64(id))
		return
	})
	return
}

func (db *DB) LookupByHandle(ctx context.Context, h remote.Handle) (r Record, err error) {
	if h == "" {
		err = ErrNotFound
		return
	}
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		r, err = db.queryOne(conn, "handle = ?", string(h))
		return
	})
	return
}

func (db *DB) LookupChild(ctx context.Context, parent fuseops.InodeID, name string) (r Record, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		r, err = db.queryOne(conn, "parent_id = ? AND name = ? AND id != parent_id", int64(parent), Normalize(name))
		return
	})
	return
}

// Children returns the records whose parent is parent, in id order.
func (db *DB) Children(ctx context.Context, parent fuseops.InodeID) (rs []Record, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		rs, err = db.queryAll(conn, "parent_id = ? AND id != parent_id", int64(parent))
		return
	})
	return
}

// Count returns the number of inodes of the mount.
func (db *DB) Count(ctx context.Context) (n int, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM inodes WHERE mount_id = ?", &sqlitex.ExecOptions{
			Args: []any{db.mountID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	return
}

func (db *DB) UpdateMetadata(ctx context.Context, id fuseops.InodeID, m remote.Metadata) error {
	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		return db.setMetadata(conn, id, m)
	})
	if err != nil {
		return fmt.Errorf("UpdateMetadata %d: %w", id, err)
	}
	return nil
}

// SetLocal records that the file id has modifications that are not uploaded
// yet, held in the file cache under l.
func (db *DB) SetLocal(ctx context.Context, id fuseops.InodeID, l Local) error {
	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		return db.setLocal(conn, id, []any{string(l.Handle), l.Fingerprint, modifiedArg(l.Modified)})
	})
	if err != nil {
		return fmt.Errorf("SetLocal %d: %w", id, err)
	}
	return nil
}

// ClearLocal records that the file id has no pending modifications.
func (db *DB) ClearLocal(ctx context.Context, id fuseops.InodeID) error {
	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		return db.setLocal(conn, id, []any{nil, nil, 0})
	})
	if err != nil {
		return fmt.Errorf("ClearLocal %d: %w", id, err)
	}
	return nil
}

// Modified returns the records of files with pending modifications, in id
// order.
func (db *DB) Modified(ctx context.Context) (rs []Record, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		rs, err = db.queryAll(conn, "local_handle IS NOT NULL")
		return
	})
	return
}

// LocalKeys returns the pending modifications of every mount in the
// catalog.
func LocalKeys(ctx context.Context, catalog *database.Catalog) (ls []Local, err error) {
	err = catalog.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT local_handle, local_fingerprint, local_modified FROM inodes WHERE local_handle IS NOT NULL",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					l := Local{
						Handle:      remote.Handle(stmt.ColumnText(0)),
						Fingerprint: stmt.ColumnText(1),
					}
					if ns := stmt.ColumnInt64(2); ns != 0 {
						l.Modified = time.Unix(0, ns).UTC()
					}
					ls = append(ls, l)
					return nil
				},
			})
	})
	if err != nil {
		err = fmt.Errorf("LocalKeys: %w", err)
	}
	return
}

// Reparent moves id under newParent, keeping its name.
func (db *DB) Reparent(ctx context.Context, id, newParent fuseops.InodeID) error {
	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		r, err := db.queryOne(conn, "id = ?", int64(id))
		if err != nil {
			return err
		}
		return db.setPosition(conn, r, newParent, r.Name)
	})
	if err != nil {
		return fmt.Errorf("Reparent %d: %w", id, err)
	}
	return nil
}

// Move gives id the position (newParent, newName). An inode already there is
// removed together with its subtree, and the removed records are returned.
func (db *DB) Move(ctx context.Context, id, newParent fuseops.InodeID, newName string) (displaced []Record, err error) {
	newName = Normalize(newName)
	err = db.catalog.Write(ctx, func(conn *sqlite.Conn) (err error) {
		if id == fuseops.RootInodeID {
			return errors.New("cannot move the root")
		}

		r, err := db.queryOne(conn, "id = ?", int64(id))
		if err != nil {
			return
		}

		target, err := db.queryOne(conn, "parent_id = ? AND name = ? AND id != parent_id", int64(newParent), newName)
		switch {
		case err == nil && target.ID == id:
			return nil
		case err == nil:
			if displaced, err = db.remove(conn, target.ID); err != nil {
				return
			}
		case !errors.Is(err, ErrNotFound):
			return
		}

		return db.setPosition(conn, r, newParent, newName)
	})
	if err != nil {
		displaced = nil
		err = fmt.Errorf("Move %d: %w", id, err)
		return
	}

	db.invalidate(displaced)
	return
}

// Bind attaches h to an inode after its first upload, or rebinds it after an
// upload replaced the remote node, and records the uploaded metadata.
func (db *DB) Bind(ctx context.Context, id fuseops.InodeID, h remote.Handle, m remote.Metadata) (err error) {
	var old Record
	err = db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		if old, err = db.queryOne(conn, "id = ?", int64(id)); err != nil {
			return err
		}

		if old.Handle != h {
			err = sqlitex.Execute(conn,
				"UPDATE inodes SET handle = ? WHERE mount_id = ? AND id = ?",
				&sqlitex.ExecOptions{Args: []any{handleArg(h), db.mountID, int64(id)}})
			if err != nil {
				return db.conflict(conn, h, err)
			}
		}
		return db.setMetadata(conn, id, m)
	})
	if err != nil {
		return fmt.Errorf("Bind %d to %q: %w", id, h, err)
	}

	if old.Handle != "" && old.Handle != h {
		db.invalidate([]Record{old})
	}
	return nil
}

// Release deletes id and its subtree and drops the cached content of the
// freed handles. Returns the deleted records.
func (db *DB) Release(ctx context.Context, id fuseops.InodeID) (removed []Record, err error) {
	if id == fuseops.RootInodeID {
		err = fmt.Errorf("Release %d: cannot release the root", id)
		return
	}

	err = db.catalog.Write(ctx, func(conn *sqlite.Conn) (err error) {
		removed, err = db.remove(conn, id)
		return
	})
	if err != nil {
		removed = nil
		err = fmt.Errorf("Release %d: %w", id, err)
		return
	}

	db.invalidate(removed)
	return
}

// Clear drops every inode of the mount and its id counter.
func (db *DB) Clear(ctx context.Context) error {
	var all []Record
	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) (err error) {
		if all, err = db.queryAll(conn, "1"); err != nil {
			return
		}
		err = sqlitex.Execute(conn, "DELETE FROM inodes WHERE mount_id = ?", &sqlitex.ExecOptions{
			Args: []any{db.mountID},
		})
		if err != nil {
			return
		}
		return sqlitex.Execute(conn, "DELETE FROM inode_id WHERE mount_id = ?", &sqlitex.ExecOptions{
			Args: []any{db.mountID},
		})
	})
	if err != nil {
		return fmt.Errorf("Clear mount %d: %w", db.mountID, err)
	}

	db.invalidate(all)
	logger.Debugf("inodedb: cleared %d inodes of mount %d", len(all), db.mountID)
	return nil
}
