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

// Package database owns the on-disk catalog: a SQLite database holding the
// configured mounts, the inode table of every mount and the file cache index.
// Open creates or migrates the schema before handing the catalog out.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	// ErrSchemaUnreadable means the file is not a catalog, or its version
	// marker can't be read.
	ErrSchemaUnreadable = errors.New("catalog schema unreadable")

	// ErrMigrationFailed means a forward migration failed. The catalog is
	// left at the last version that fully applied.
	ErrMigrationFailed = errors.New("catalog migration failed")

	// ErrUnsupportedSchema means the catalog was written by a newer release.
	ErrUnsupportedSchema = errors.New("catalog schema version unsupported")
)

// Serializes schema inspection and migration across every catalog opened by
// this process. SQLite's write lock covers other processes.
var migrationMu sync.Mutex

type Options struct {
	// Number of pooled connections. Defaults to 4.
	PoolSize int

	// If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Catalog is an open, schema-current catalog database. It is safe for
// concurrent use; every operation borrows its own connection.
type Catalog struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	path    string
	pool    *sqlitex.Pool
	logger  *slog.Logger
	version int
}

// Open opens the catalog at path, creating it if needed, and brings its
// schema to the current version.
func Open(ctx context.Context, path string, opts Options) (c *Catalog, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := newPool(path, opts.PoolSize)
	if err != nil {
		err = fmt.Errorf("%w: opening %s: %v", ErrSchemaUnreadable, path, err)
		return
	}

	c = &Catalog{
		path:   path,
		pool:   pool,
		logger: logger,
	}

	if err = c.build(ctx); err != nil {
		pool.Close()
		c = nil
		return
	}

	logger.Info("catalog opened", "path", path, "version", c.version)
	return
}

// Path returns the file backing the catalog.
func (c *Catalog) Path() string {
	return c.path
}

// Version returns the schema version the catalog is at.
func (c *Catalog) Version() int {
	return c.version
}

// Close closes every pooled connection, waiting for borrowed ones.
func (c *Catalog) Close() error {
	if err := c.pool.Close(); err != nil {
		return fmt.Errorf("closing catalog %s: %w", c.path, err)
	}
	c.logger.Info("catalog closed", "path", c.path)
	return nil
}

// Read runs f on a pooled connection without a transaction.
func (c *Catalog) Read(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("taking catalog connection: %w", err)
	}
	defer c.pool.Put(conn)

	return f(conn)
}

// Write runs f inside one IMMEDIATE transaction. The transaction commits if f
// returns nil and rolls back otherwise.
func (c *Catalog) Write(ctx context.Context, f func(conn *sqlite.Conn) error) (err error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		err = fmt.Errorf("taking catalog connection: %w", err)
		return
	}
	defer c.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		err = fmt.Errorf("beginning transaction: %w", err)
		return
	}
	defer endFn(&err)

	err = f(conn)
	return
}

// IsConstraintViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func IsConstraintViolation(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return true
	}
	return false
}
