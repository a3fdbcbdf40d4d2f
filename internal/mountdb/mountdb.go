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

// Package mountdb persists the configured mounts. Only configuration is
// stored; whether a mount is active is runtime state owned by the service.
package mountdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/remote"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	ErrNotFound      = errors.New("mount not found")
	ErrNoName        = errors.New("mount has no name")
	ErrNameTaken     = errors.New("mount name already taken")
	ErrPathTaken     = errors.New("mount path already taken")
	ErrRemoteUnknown = errors.New("mount root not found remotely")
	ErrRemoteFile    = errors.New("mount root is a file")
	ErrBusy          = errors.New("mount is enabled")
)

// Mount is the stored configuration of one mount.
type Mount struct {
	ID         int64         `yaml:"id"`
	Name       string        `yaml:"name"`
	RootHandle remote.Handle `yaml:"root-handle"`

	// The local presentation root.
	Path string `yaml:"path"`

	EnableAtStartup bool `yaml:"enable-at-startup"`

	// Non-persistent mounts are dropped at shutdown.
	Persistent bool `yaml:"persistent"`

	ReadOnly bool `yaml:"read-only"`
}

// DB is the mount catalog.
type DB struct {
	catalog *database.Catalog
	graph   remote.Graph
}

// New returns the mount catalog. graph is used to validate the root of new
// mounts.
func New(catalog *database.Catalog, graph remote.Graph) *DB {
	return &DB{catalog: catalog, graph: graph}
}

const columns = "id, name, root_handle, path, enable_at_startup, persistent, read_only"

func scanMount(stmt *sqlite.Stmt) Mount {
	return Mount{
		ID:              stmt.ColumnInt64(0),
		Name:            stmt.ColumnText(1),
		RootHandle:      remote.Handle(stmt.ColumnText(2)),
		Path:            stmt.ColumnText(3),
		EnableAtStartup: stmt.ColumnBool(4),
		Persistent:      stmt.ColumnBool(5),
		ReadOnly:        stmt.ColumnBool(6),
	}
}

func (db *DB) query(conn *sqlite.Conn, where string, args ...any) (ms []Mount, err error) {
	err = sqlitex.Execute(conn, "SELECT "+columns+" FROM mounts WHERE "+where+" ORDER BY id", &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ms = append(ms, scanMount(stmt))
			return nil
		},
	})
	return
}

func (db *DB) queryOne(conn *sqlite.Conn, where string, args ...any) (Mount, error) {
	ms, err := db.query(conn, where, args...)
	if err != nil {
		return Mount{}, err
	}
	if len(ms) == 0 {
		return Mount{}, ErrNotFound
	}
	return ms[0], nil
}

// Check the pieces of m that don't need the catalog.
func (db *DB) validate(ctx context.Context, m *Mount) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return ErrNoName
	}
	if m.Path == "" || !filepath.IsAbs(m.Path) {
		return fmt.Errorf("mount path %q must be absolute", m.Path)
	}
	m.Path = filepath.Clean(m.Path)

	e, err := db.graph.Stat(ctx, m.RootHandle)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%w: %q", ErrRemoteUnknown, m.RootHandle)
	case err != nil:
		return fmt.Errorf("looking up %q: %w", m.RootHandle, err)
	case e.Kind != remote.Directory:
		return fmt.Errorf("%w: %q", ErrRemoteFile, m.RootHandle)
	}
	return nil
}

// Add validates and stores a new mount, returning it with its id set.
func (db *DB) Add(ctx context.Context, m Mount) (Mount, error) {
	if err := db.validate(ctx, &m); err != nil {
		return Mount{}, fmt.Errorf("adding mount %q: %w", m.Name, err)
	}

	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		if _, err := db.queryOne(conn, "name = ?", m.Name); err == nil {
			return ErrNameTaken
		}
		if _, err := db.queryOne(conn, "path = ?", m.Path); err == nil {
			return ErrPathTaken
		}

		err := sqlitex.Execute(conn,
			"INSERT INTO mounts (name, root_handle, path, enable_at_startup, persistent, read_only) VALUES (?, ?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{m.Name, string(m.RootHandle), m.Path, m.EnableAtStartup, m.Persistent, m.ReadOnly},
			})
		if err != nil {
			return err
		}
		m.ID = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return Mount{}, fmt.Errorf("adding mount %q: %w", m.Name, err)
	}
	return m, nil
}

func (db *DB) Get(ctx context.Context, name string) (m Mount, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		m, err = db.queryOne(conn, "name = ?", name)
		return
	})
	if err != nil {
		err = fmt.Errorf("mount %q: %w", name, err)
	}
	return
}

func (db *DB) GetByID(ctx context.Context, id int64) (m Mount, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		m, err = db.queryOne(conn, "id = ?", id)
		return
	})
	if err != nil {
		err = fmt.Errorf("mount %d: %w", id, err)
	}
	return
}

// List returns every mount in id order.
func (db *DB) List(ctx context.Context) (ms []Mount, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		ms, err = db.query(conn, "1")
		return
	})
	return
}

// SetEnableAtStartup updates the startup flag of the named mount.
func (db *DB) SetEnableAtStartup(ctx context.Context, name string, enable bool) error {
	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "UPDATE mounts SET enable_at_startup = ? WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{enable, name},
		})
		if err == nil && conn.Changes() == 0 {
			err = ErrNotFound
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("mount %q: %w", name, err)
	}
	return nil
}

// Remove deletes the mount with the given id together with its inode table.
func (db *DB) Remove(ctx context.Context, id int64) error {
	err := db.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM mounts WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		if err = sqlitex.Execute(conn, "DELETE FROM inodes WHERE mount_id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, "DELETE FROM inode_id WHERE mount_id = ?", &sqlitex.ExecOptions{Args: []any{id}})
	})
	if err != nil {
		return fmt.Errorf("removing mount %d: %w", id, err)
	}
	return nil
}

// Transient returns the mounts that don't survive shutdown.
func (db *DB) Transient(ctx context.Context) (ms []Mount, err error) {
	err = db.catalog.Read(ctx, func(conn *sqlite.Conn) (err error) {
		ms, err = db.query(conn, "persistent = 0")
		return
	})
	return
}
