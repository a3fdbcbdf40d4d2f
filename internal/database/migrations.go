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
	"github.com/nodemount/nodemount/internal/extension"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Kind values stored in inodes.kind.
const (
	KindDirectory = 0
	KindFile      = 1
)

// migrations[i] brings the schema from version i to version i+1. Released
// migrations are never edited; add a new one instead.
var migrations = []migration{
	{version: 1, name: "create catalog", apply: upgrade01},
	{version: 2, name: "inode extension class", apply: upgrade12},
	{version: 3, name: "file cache index", apply: upgrade23},
	{version: 4, name: "persisted local modifications", apply: upgrade34},
}

func upgrade01(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, `
		CREATE TABLE version (
			version INTEGER NOT NULL PRIMARY KEY
		);

		-- Configured mounts. Transient state is never stored.
		CREATE TABLE mounts (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			name              TEXT    NOT NULL UNIQUE,
			root_handle       TEXT    NOT NULL,
			path              TEXT    NOT NULL UNIQUE,
			enable_at_startup INTEGER NOT NULL DEFAULT 0,
			persistent        INTEGER NOT NULL DEFAULT 1,
			read_only         INTEGER NOT NULL DEFAULT 0
		);

		-- Next inode id to hand out, per mount.
		CREATE TABLE inode_id (
			mount_id INTEGER NOT NULL PRIMARY KEY,
			next     INTEGER NOT NULL
		);

		-- Every inode with local identity. handle is NULL for files created
		-- locally and not uploaded yet.
		CREATE TABLE inodes (
			mount_id    INTEGER NOT NULL,
			id          INTEGER NOT NULL,
			handle      TEXT,
			parent_id   INTEGER NOT NULL,
			kind        INTEGER NOT NULL,
			name        TEXT    NOT NULL,
			size        INTEGER NOT NULL DEFAULT 0,
			modified    INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT    NOT NULL DEFAULT '',
			CONSTRAINT pk_inodes PRIMARY KEY (mount_id, id),
			CONSTRAINT uq_inodes_handle UNIQUE (mount_id, handle),
			CONSTRAINT uq_inodes_name_parent UNIQUE (mount_id, parent_id, name)
		);
	`, nil)
}

func upgrade12(conn *sqlite.Conn) error {
	err := sqlitex.ExecuteTransient(conn,
		"ALTER TABLE inodes ADD COLUMN extension TEXT NOT NULL DEFAULT 'others'", nil)
	if err != nil {
		return err
	}

	type row struct {
		mountID, id int64
		name        string
	}
	var rows []row
	err = sqlitex.Execute(conn,
		"SELECT mount_id, id, name FROM inodes WHERE kind = ?",
		&sqlitex.ExecOptions{
			Args: []any{KindFile},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, row{stmt.ColumnInt64(0), stmt.ColumnInt64(1), stmt.ColumnText(2)})
				return nil
			},
		})
	if err != nil {
		return err
	}

	for _, r := range rows {
		err = sqlitex.Execute(conn,
			"UPDATE inodes SET extension = ? WHERE mount_id = ? AND id = ?",
			&sqlitex.ExecOptions{
				Args: []any{string(extension.Classify(r.name)), r.mountID, r.id},
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func upgrade23(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, `
		-- Clean file cache entries; ranges is a CBOR list of [start, end) pairs
		-- and file the content file's name relative to the cache directory.
		CREATE TABLE cache_entries (
			handle      TEXT    NOT NULL,
			fingerprint TEXT    NOT NULL,
			file        TEXT    NOT NULL,
			size        INTEGER NOT NULL,
			accessed    INTEGER NOT NULL,
			ranges      BLOB    NOT NULL,
			CONSTRAINT pk_cache_entries PRIMARY KEY (handle, fingerprint)
		);
	`, nil)
}

func upgrade34(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, `
		-- The file cache key holding modifications of a file inode that are
		-- not uploaded yet, and the mtime they give it. NULL when clean.
		ALTER TABLE inodes ADD COLUMN local_handle      TEXT;
		ALTER TABLE inodes ADD COLUMN local_fingerprint TEXT;
		ALTER TABLE inodes ADD COLUMN local_modified    INTEGER NOT NULL DEFAULT 0;

		-- Dirty entries are indexed only while an inode claims them.
		ALTER TABLE cache_entries ADD COLUMN dirty INTEGER NOT NULL DEFAULT 0;
	`, nil)
}
