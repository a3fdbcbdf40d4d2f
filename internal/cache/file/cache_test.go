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
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type cacheTest struct {
	suite.Suite
	ctx   context.Context
	dir   string
	clock timeutil.SimulatedClock
	cache *Cache
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(cacheTest))
}

func (t *cacheTest) SetupTest() {
	t.ctx = context.Background()
	t.dir = t.T().TempDir()
	t.clock.SetTime(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	t.cache = t.newCache(30, nil)
}

func (t *cacheTest) newCache(quota uint64, index Index) *Cache {
	c, err := New(t.ctx, Options{
		CacheDir:     t.dir,
		MaxSizeBytes: quota,
		Clock:        &t.clock,
		Index:        index,
	})
	require.NoError(t.T(), err)
	return c
}

func key(h, fp string) data.FileInfoKey {
	return data.FileInfoKey{Handle: remote.Handle("h" + h), Fingerprint: fp}
}

func (t *cacheTest) filePath(k data.FileInfoKey) string {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	e := t.cache.lookUp(keyString(k))
	if e == nil {
		return ""
	}
	return e.path
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *cacheTest) TestReadAtOrPastEndIsEmpty() {
	k := key("1", "a")

	b, err := t.cache.Read(k, 10, 10, 5)
	assert.NoError(t.T(), err)
	assert.Empty(t.T(), b)

	b, err = t.cache.Read(k, 10, 100, 5)
	assert.NoError(t.T(), err)
	assert.Empty(t.T(), b)
}

func (t *cacheTest) TestMissThenStoreThenHit() {
	k := key("1", "a")

	_, err := t.cache.Read(k, 10, 0, 4)
	assert.ErrorIs(t.T(), err, ErrCacheMiss)
	assert.Equal(t.T(), []data.ByteRange{{Start: 0, End: 10}}, t.cache.Missing(k, 10, 0, 100))

	require.NoError(t.T(), t.cache.Store(k, 10, 0, []byte("0123")))

	b, err := t.cache.Read(k, 10, 1, 3)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "123", string(b))

	// Partially present.
	_, err = t.cache.Read(k, 10, 2, 4)
	assert.ErrorIs(t.T(), err, ErrCacheMiss)
	assert.Equal(t.T(), []data.ByteRange{{Start: 4, End: 10}}, t.cache.Missing(k, 10, 0, 100))
}

func (t *cacheTest) TestReadClipsToSize() {
	k := key("1", "a")
	require.NoError(t.T(), t.cache.Store(k, 6, 0, []byte("abcdefXYZ")))

	b, err := t.cache.Read(k, 6, 4, 100)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "ef", string(b))
}

func (t *cacheTest) TestStoreDoesNotOverwriteLocalWrites() {
	k := key("1", "p")
	require.NoError(t.T(), t.cache.Truncate(k, 8))
	require.NoError(t.T(), t.cache.Write(k, 2, []byte("LL")))

	// Truncate made every byte present; clear the rest to simulate a
	// provisional entry that still needs remote content.
	t.cache.mu.Lock()
	e := t.cache.lookUp(keyString(k))
	e.ranges = data.NewRangeSet(data.ByteRange{Start: 2, End: 4})
	t.cache.mu.Unlock()

	require.NoError(t.T(), t.cache.Store(k, 8, 0, []byte("rrrrrrrr")))

	b, err := t.cache.Read(k, 8, 0, 8)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "rrLLrrrr", string(b))
}

func (t *cacheTest) TestWritePastEndZeroFillsGap() {
	k := key("1", "p")
	require.NoError(t.T(), t.cache.Write(k, 0, []byte("ab")))
	require.NoError(t.T(), t.cache.Write(k, 5, []byte("cd")))

	size, present, dirty, ok := t.cache.Stat(k)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint64(7), size)
	assert.Equal(t.T(), uint64(7), present)
	assert.True(t.T(), dirty)

	b, err := t.cache.Read(k, size, 0, 7)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []byte{'a', 'b', 0, 0, 0, 'c', 'd'}, b)
}

func (t *cacheTest) TestTruncateGrowReadsZeros() {
	k := key("1", "p")
	require.NoError(t.T(), t.cache.Write(k, 0, []byte("abc")))
	require.NoError(t.T(), t.cache.Truncate(k, 1))
	require.NoError(t.T(), t.cache.Truncate(k, 4))

	b, err := t.cache.Read(k, 4, 0, 4)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []byte{'a', 0, 0, 0}, b)
}

func (t *cacheTest) TestQuotaEvictsLeastRecentlyUsed() {
	k1, k2, k3 := key("1", "a"), key("2", "a"), key("3", "a")
	require.NoError(t.T(), t.cache.Store(k1, 10, 0, make([]byte, 10)))
	require.NoError(t.T(), t.cache.Store(k2, 10, 0, make([]byte, 10)))
	path1 := t.filePath(k1)

	// Touch k1 so that k2 is the oldest.
	_, err := t.cache.Read(k1, 10, 0, 1)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.cache.Store(k3, 15, 0, make([]byte, 15)))
	path2 := t.filePath(k2)
	assert.Empty(t.T(), path2)

	_, _, _, ok := t.cache.Stat(k2)
	assert.False(t.T(), ok)
	_, _, _, ok = t.cache.Stat(k1)
	assert.True(t.T(), ok)
	assert.LessOrEqual(t.T(), t.cache.Size(), uint64(30))
	assert.FileExists(t.T(), path1)
}

func (t *cacheTest) TestReferencedEntryIsNotEvicted() {
	k1, k2 := key("1", "a"), key("2", "a")
	t.cache.Acquire(k1)
	require.NoError(t.T(), t.cache.Store(k1, 20, 0, make([]byte, 20)))
	require.NoError(t.T(), t.cache.Store(k2, 20, 0, make([]byte, 20)))

	// k2 had to go instead, even though it is newer.
	_, _, _, ok := t.cache.Stat(k1)
	assert.True(t.T(), ok)
	_, _, _, ok = t.cache.Stat(k2)
	assert.False(t.T(), ok)

	assert.ErrorIs(t.T(), t.cache.Evict(k1), ErrEntryInUse)

	// Once released, the overflow is settled.
	require.NoError(t.T(), t.cache.Store(k2, 20, 0, make([]byte, 20)))
	t.cache.Release(k1)
	assert.LessOrEqual(t.T(), t.cache.Size(), uint64(30))
}

func (t *cacheTest) TestDirtyEntryIsNotEvicted() {
	k1, k2 := key("1", "p"), key("2", "a")
	require.NoError(t.T(), t.cache.Write(k1, 0, make([]byte, 25)))
	require.NoError(t.T(), t.cache.Store(k2, 10, 0, make([]byte, 10)))

	_, _, dirty, ok := t.cache.Stat(k1)
	assert.True(t.T(), ok)
	assert.True(t.T(), dirty)
	assert.ErrorIs(t.T(), t.cache.Evict(k1), ErrEntryInUse)
}

func (t *cacheTest) TestEvictDeletesFile() {
	k := key("1", "a")
	require.NoError(t.T(), t.cache.Store(k, 4, 0, []byte("abcd")))
	path := t.filePath(k)
	require.FileExists(t.T(), path)

	require.NoError(t.T(), t.cache.Evict(k))
	assert.Eventually(t.T(), func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)

	// Evicting again is a no-op.
	assert.NoError(t.T(), t.cache.Evict(k))
}

func (t *cacheTest) TestCloneAndRepublish() {
	clean := key("1", "a")
	require.NoError(t.T(), t.cache.Store(clean, 6, 0, []byte("abc")))

	prov := key("1", "provisional")
	require.NoError(t.T(), t.cache.Clone(clean, prov, 6))
	require.NoError(t.T(), t.cache.Write(prov, 0, []byte("X")))

	// The original is untouched.
	b, err := t.cache.Read(clean, 6, 0, 3)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "abc", string(b))

	// The clone carries over coverage.
	assert.Equal(t.T(), []data.ByteRange{{Start: 3, End: 6}}, t.cache.Missing(prov, 6, 0, 6))
	require.NoError(t.T(), t.cache.Store(prov, 6, 3, []byte("def")))

	final := key("1", "b")
	require.NoError(t.T(), t.cache.Republish(t.ctx, prov, final))

	_, _, _, ok := t.cache.Stat(prov)
	assert.False(t.T(), ok)
	_, _, dirty, ok := t.cache.Stat(final)
	require.True(t.T(), ok)
	assert.False(t.T(), dirty)

	r, size, err := t.cache.Reader(final)
	require.NoError(t.T(), err)
	defer r.Close()
	assert.Equal(t.T(), uint64(6), size)
	all, err := io.ReadAll(r)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "Xbcdef", string(all))
}

func (t *cacheTest) TestCloneOfMissingSourceIsEmpty() {
	dst := key("1", "p")
	require.NoError(t.T(), t.cache.Clone(key("1", "a"), dst, 5))

	size, present, dirty, ok := t.cache.Stat(dst)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint64(5), size)
	assert.Equal(t.T(), uint64(0), present)
	assert.True(t.T(), dirty)
}

func (t *cacheTest) TestRepublishMissing() {
	err := t.cache.Republish(t.ctx, key("1", "x"), key("1", "y"))
	assert.ErrorIs(t.T(), err, ErrEntryNotFound)
}

func (t *cacheTest) TestReaderRequiresFullContent() {
	k := key("1", "a")
	require.NoError(t.T(), t.cache.Store(k, 6, 0, []byte("abc")))

	_, _, err := t.cache.Reader(k)
	assert.ErrorIs(t.T(), err, ErrCacheMiss)
}

func (t *cacheTest) TestInvalidateHandle() {
	require.NoError(t.T(), t.cache.Store(key("1", "a"), 2, 0, []byte("ab")))
	require.NoError(t.T(), t.cache.Store(key("1", "b"), 2, 0, []byte("ab")))
	require.NoError(t.T(), t.cache.Store(key("2", "a"), 2, 0, []byte("ab")))
	require.NoError(t.T(), t.cache.Write(key("1", "p"), 0, []byte("ab")))

	assert.Equal(t.T(), 2, t.cache.InvalidateHandle("h1"))

	_, _, _, ok := t.cache.Stat(key("2", "a"))
	assert.True(t.T(), ok)
	_, _, _, ok = t.cache.Stat(key("1", "p"))
	assert.True(t.T(), ok)
}

func (t *cacheTest) TestReleaseOfUnreferencedKeyPanics() {
	assert.Panics(t.T(), func() { t.cache.Release(key("1", "a")) })
}

func (t *cacheTest) TestIndexSurvivesReopen() {
	catalog, err := database.Open(t.ctx, filepath.Join(t.T().TempDir(), "catalog.db"), database.Options{})
	require.NoError(t.T(), err)
	defer catalog.Close()

	c := t.newCache(100, NewCatalogIndex(catalog))
	clean, partial := key("1", "a"), key("2", "a")
	require.NoError(t.T(), c.Write(key("3", "p"), 0, []byte("dirty")))
	require.NoError(t.T(), c.Store(clean, 4, 0, []byte("abcd")))
	require.NoError(t.T(), c.Store(partial, 8, 4, []byte("efgh")))
	require.NoError(t.T(), c.Sync(t.ctx))

	c = t.newCache(100, NewCatalogIndex(catalog))

	b, err := c.Read(clean, 4, 0, 4)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "abcd", string(b))
	assert.Equal(t.T(), []data.ByteRange{{Start: 0, End: 4}}, c.Missing(partial, 8, 0, 8))

	// Dirty content that was never persisted is not restored.
	_, _, _, ok := c.Stat(key("3", "p"))
	assert.False(t.T(), ok)
}

func (t *cacheTest) TestIndexDropsEntriesWithoutContent() {
	catalog, err := database.Open(t.ctx, filepath.Join(t.T().TempDir(), "catalog.db"), database.Options{})
	require.NoError(t.T(), err)
	defer catalog.Close()

	c := t.newCache(100, NewCatalogIndex(catalog))
	k := key("1", "a")
	require.NoError(t.T(), c.Store(k, 4, 0, []byte("abcd")))
	require.NoError(t.T(), c.Sync(t.ctx))
	c.mu.Lock()
	path := c.lookUp(keyString(k)).path
	c.mu.Unlock()
	require.NoError(t.T(), os.Remove(path))

	c = t.newCache(100, NewCatalogIndex(catalog))
	_, _, _, ok := c.Stat(k)
	assert.False(t.T(), ok)
}

func (t *cacheTest) openIndex() *CatalogIndex {
	catalog, err := database.Open(t.ctx, filepath.Join(t.T().TempDir(), "catalog.db"), database.Options{})
	require.NoError(t.T(), err)
	t.T().Cleanup(func() { catalog.Close() })
	return NewCatalogIndex(catalog)
}

func (t *cacheTest) TestPersistedDirtyEntrySurvivesReopen() {
	index := t.openIndex()
	c := t.newCache(100, index)
	k := key("1", "local")
	require.NoError(t.T(), c.Write(k, 0, []byte("prec")))
	require.NoError(t.T(), c.Persist(t.ctx, k))

	// Writes after Persist keep the index current without a Sync.
	require.NoError(t.T(), c.Write(k, 4, []byte("ious")))

	c = t.newCache(100, index)

	size, present, dirty, ok := c.Stat(k)
	require.True(t.T(), ok)
	assert.True(t.T(), dirty)
	assert.Equal(t.T(), uint64(8), size)
	assert.Equal(t.T(), uint64(8), present)
	b, err := c.Read(k, 8, 0, 8)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "precious", string(b))

	// Still dirty, so the quota cannot take it.
	assert.ErrorIs(t.T(), c.Evict(k), ErrEntryInUse)
}

func (t *cacheTest) TestSyncKeepsPersistedDirtyEntries() {
	index := t.openIndex()
	c := t.newCache(100, index)
	k := key("1", "local")
	require.NoError(t.T(), c.Truncate(k, 3))
	require.NoError(t.T(), c.Persist(t.ctx, k))
	require.NoError(t.T(), c.Sync(t.ctx))

	records, err := index.Load(t.ctx)
	require.NoError(t.T(), err)
	require.Len(t.T(), records, 1)
	assert.Equal(t.T(), k, records[0].Key)
	assert.True(t.T(), records[0].Dirty)
	assert.Equal(t.T(), uint64(3), records[0].Size)
}

func (t *cacheTest) TestPersistRejectsCleanAndMissingEntries() {
	c := t.newCache(100, t.openIndex())
	clean := key("1", "a")
	require.NoError(t.T(), c.Store(clean, 4, 0, []byte("abcd")))

	assert.Error(t.T(), c.Persist(t.ctx, clean))
	assert.ErrorIs(t.T(), c.Persist(t.ctx, key("2", "a")), ErrEntryNotFound)
}

func (t *cacheTest) TestRepublishDropsDirtyIndexRecord() {
	index := t.openIndex()
	c := t.newCache(100, index)
	local, final := key("1", "local"), key("1", "v2")
	require.NoError(t.T(), c.Write(local, 0, []byte("abc")))
	require.NoError(t.T(), c.Persist(t.ctx, local))

	require.NoError(t.T(), c.Republish(t.ctx, local, final))

	records, err := index.Load(t.ctx)
	require.NoError(t.T(), err)
	require.Len(t.T(), records, 1)
	assert.Equal(t.T(), final, records[0].Key)
	assert.False(t.T(), records[0].Dirty)
}

func (t *cacheTest) TestRetainDirtyDropsUnclaimedEntries() {
	claimed, unclaimed, clean := key("1", "local"), key("2", "local"), key("3", "a")
	require.NoError(t.T(), t.cache.Write(claimed, 0, []byte("keep")))
	require.NoError(t.T(), t.cache.Write(unclaimed, 0, []byte("drop")))
	require.NoError(t.T(), t.cache.Store(clean, 4, 0, []byte("abcd")))

	n := t.cache.RetainDirty(func(k data.FileInfoKey) bool { return k == claimed })

	assert.Equal(t.T(), 1, n)
	_, _, _, ok := t.cache.Stat(claimed)
	assert.True(t.T(), ok)
	_, _, _, ok = t.cache.Stat(unclaimed)
	assert.False(t.T(), ok)
	_, _, _, ok = t.cache.Stat(clean)
	assert.True(t.T(), ok)
}
