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

package file

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/remote"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Record is the persisted form of a cache entry.
type Record struct {
	Key      data.FileInfoKey
	File     string
	Size     uint64
	Accessed time.Time
	Ranges   []data.ByteRange

	// Local modifications not uploaded yet.
	Dirty bool
}

// Index persists the records of clean entries, and of the dirty entries
// passed to Cache.Persist, across restarts.
type Index interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, r Record) error
	Delete(ctx context.Context, key data.FileInfoKey, file string) error

	// Replace makes the stored records exactly rs.
	Replace(ctx context.Context, rs []Record) error
}

// The ranges column holds a CBOR array of [start, end] pairs.
type encodedRange [2]uint64

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("file cache: CBOR encoder initialization failed: " + err.Error())
	}
}

func encodeRanges(ranges []data.ByteRange) ([]byte, error) {
	enc := make([]encodedRange, len(ranges))
	for i, r := range ranges {
		enc[i] = encodedRange{r.Start, r.End}
	}
	return encMode.Marshal(enc)
}

func decodeRanges(b []byte) ([]data.ByteRange, error) {
	var enc []encodedRange
	if err := cbor.Unmarshal(b, &enc); err != nil {
		return nil, err
	}
	ranges := make([]data.ByteRange, len(enc))
	for i, r := range enc {
		ranges[i] = data.ByteRange{Start: r[0], End: r[1]}
	}
	return ranges, nil
}

// CatalogIndex stores records in the catalog's cache_entries table.
type CatalogIndex struct {
	catalog *database.Catalog
}

var _ Index = &CatalogIndex{}

func NewCatalogIndex(catalog *database.Catalog) *CatalogIndex {
	return &CatalogIndex{catalog: catalog}
}

func (ci *CatalogIndex) Load(ctx context.Context) (records []Record, err error) {
	err = ci.catalog.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT handle, fingerprint, file, size, accessed, ranges, dirty FROM cache_entries",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					blob := make([]byte, stmt.ColumnLen(5))
					stmt.ColumnBytes(5, blob)
					ranges, err := decodeRanges(blob)
					if err != nil {
						return fmt.Errorf("decoding ranges: %w", err)
					}

					records = append(records, Record{
						Key: data.FileInfoKey{
							Handle:      remote.Handle(stmt.ColumnText(0)),
							Fingerprint: stmt.ColumnText(1),
						},
						File:     stmt.ColumnText(2),
						Size:     uint64(stmt.ColumnInt64(3)),
						Accessed: time.Unix(0, stmt.ColumnInt64(4)),
						Ranges:   ranges,
						Dirty:    stmt.ColumnBool(6),
					})
					return nil
				},
			})
	})
	return
}

func saveRecord(conn *sqlite.Conn, r Record) error {
	blob, err := encodeRanges(r.Ranges)
	if err != nil {
		return fmt.Errorf("encoding ranges: %w", err)
	}

	return sqlitex.Execute(conn, `
		INSERT INTO cache_entries (handle, fingerprint, file, size, accessed, ranges, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (handle, fingerprint) DO UPDATE SET
			file = excluded.file,
			size = excluded.size,
			accessed = excluded.accessed,
			ranges = excluded.ranges,
			dirty = excluded.dirty`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(r.Key.Handle),
				r.Key.Fingerprint,
				r.File,
				int64(r.Size),
				r.Accessed.UnixNano(),
				blob,
				r.Dirty,
			},
		})
}

func (ci *CatalogIndex) Save(ctx context.Context, r Record) error {
	return ci.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		return saveRecord(conn, r)
	})
}

func (ci *CatalogIndex) Delete(ctx context.Context, key data.FileInfoKey, file string) error {
	return ci.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"DELETE FROM cache_entries WHERE handle = ? AND fingerprint = ? AND file = ?",
			&sqlitex.ExecOptions{
				Args: []any{string(key.Handle), key.Fingerprint, file},
			})
	})
}

func (ci *CatalogIndex) Replace(ctx context.Context, rs []Record) error {
	return ci.catalog.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteTransient(conn, "DELETE FROM cache_entries", nil); err != nil {
			return err
		}
		for _, r := range rs {
			if err := saveRecord(conn, r); err != nil {
				return err
			}
		}
		return nil
	})
}
