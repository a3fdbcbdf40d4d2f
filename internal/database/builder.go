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

package database

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// migration upgrades the schema from version-1 to version.
type migration struct {
	version int
	name    string
	apply   func(conn *sqlite.Conn) error
}

// CurrentVersion is the schema version this build writes.
func CurrentVersion() int {
	return len(migrations)
}

// build inspects the version marker and applies every missing migration,
// each in its own IMMEDIATE transaction.
//
// LOCKS_EXCLUDED(migrationMu)
func (c *Catalog) build(ctx context.Context) error {
	migrationMu.Lock()
	defer migrationMu.Unlock()

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaUnreadable, c.path, err)
	}
	defer c.pool.Put(conn)

	stored, err := storedVersion(conn)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaUnreadable, c.path, err)
	}

	target := CurrentVersion()
	if stored > target {
		return fmt.Errorf("%w: %s is at version %d, newest supported is %d", ErrUnsupportedSchema, c.path, stored, target)
	}

	for _, m := range migrations[stored:] {
		c.logger.Info("upgrading catalog", "path", c.path, "version", m.version, "migration", m.name)
		if err := applyMigration(conn, m); err != nil {
			c.version = m.version - 1
			return fmt.Errorf("%w: version %d (%s): %v", ErrMigrationFailed, m.version, m.name, err)
		}
	}

	c.version = target
	return nil
}

func applyMigration(conn *sqlite.Conn, m migration) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return
	}
	defer endFn(&err)

	if err = m.apply(conn); err != nil {
		return
	}

	err = sqlitex.Execute(conn, "INSERT INTO version (version) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{m.version},
	})
	return
}

// storedVersion returns 0 for a fresh file.
func storedVersion(conn *sqlite.Conn) (version int, err error) {
	exists := false
	err = sqlitex.Execute(conn,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'version'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil || !exists {
		return
	}

	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(version), 0) FROM version",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt(0)
				return nil
			},
		})
	return
}
