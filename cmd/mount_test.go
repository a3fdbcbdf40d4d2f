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

package cmd

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/internal/mount"
	"github.com/nodemount/nodemount/internal/mountdb"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/nodemount/nodemount/internal/remote/fake"
	"github.com/nodemount/nodemount/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joinable chan struct{}

func (j joinable) Join(ctx context.Context) error {
	select {
	case <-j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeMounter records mounts instead of talking to the kernel.
type fakeMounter struct {
	mu      sync.Mutex
	mounted map[string]joinable
}

func (m *fakeMounter) Mount(dir string, _ fuse.Server, _ *fuse.MountConfig) (mount.MountedFS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := make(joinable)
	m.mounted[dir] = j
	return j, nil
}

func (m *fakeMounter) Unmount(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.mounted[dir]; ok {
		close(j)
		delete(m.mounted, dir)
	}
	return nil
}

func (m *fakeMounter) isMounted(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mounted[dir]
	return ok
}

func testConfig(t *testing.T) *cfg.Config {
	dir := t.TempDir()
	return &cfg.Config{
		Catalog: cfg.CatalogConfig{
			Path:     cfg.ResolvedPath(filepath.Join(dir, "catalog", "catalog.db")),
			PoolSize: 2,
		},
		FileCache: cfg.FileCacheConfig{
			CacheDir:             cfg.ResolvedPath(dir),
			DownloadChunkSizeMb:  1,
			MaxParallelDownloads: 2,
		},
		FileSystem: cfg.FileSystemConfig{
			Uid:      -1,
			Gid:      -1,
			FileMode: 0644,
			DirMode:  0755,
		},
		InodeCache: cfg.InodeCacheConfig{MaxEntries: 100},
		Mount:      cfg.MountConfig{UnmountGracePeriod: 10 * time.Millisecond},
	}
}

// addMount stores a mount of a fresh remote directory and returns its path.
func addMount(t *testing.T, c *cfg.Config, client *fake.Client, name string) string {
	path := filepath.Join(string(c.FileCache.CacheDir), "mnt", name)
	newClient := func(context.Context, *cfg.Config) (remote.Client, error) { return client, nil }
	err := withMountDB(context.Background(), c, newClient, func(db *mountdb.DB) error {
		_, err := db.Add(context.Background(), mountdb.Mount{
			Name:            name,
			RootHandle:      client.AddDirectory(fake.RootHandle, name),
			Path:            path,
			EnableAtStartup: true,
			Persistent:      true,
		})
		return err
	})
	require.NoError(t, err)
	return path
}

func TestRunServiceUntilSignalled(t *testing.T) {
	c := testConfig(t)
	client := fake.NewClient(timeutil.RealClock())
	docs := addMount(t, c, client, "docs")
	photos := addMount(t, c, client, "photos")
	mounter := &fakeMounter{mounted: make(map[string]joinable)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- runService(ctx, c, service.Dependencies{Client: client, Mounter: mounter}, nil)
	}()

	require.Eventually(t, func() bool {
		return mounter.isMounted(docs) && mounter.isMounted(photos)
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runService did not return after cancellation")
	}
	assert.False(t, mounter.isMounted(docs))
	assert.False(t, mounter.isMounted(photos))
}

func TestRunServiceReturnsOnceUnmounted(t *testing.T) {
	c := testConfig(t)
	client := fake.NewClient(timeutil.RealClock())
	docs := addMount(t, c, client, "docs")
	photos := addMount(t, c, client, "photos")
	mounter := &fakeMounter{mounted: make(map[string]joinable)}
	done := make(chan error, 1)

	go func() {
		done <- runService(context.Background(), c, service.Dependencies{Client: client, Mounter: mounter}, []string{"docs"})
	}()

	require.Eventually(t, func() bool { return mounter.isMounted(docs) }, time.Second, 5*time.Millisecond)
	assert.False(t, mounter.isMounted(photos))

	// As if by fusermount -u.
	require.NoError(t, mounter.Unmount(docs))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runService did not return after external unmount")
	}
}

func TestRunServiceUnknownMount(t *testing.T) {
	c := testConfig(t)
	client := fake.NewClient(timeutil.RealClock())
	mounter := &fakeMounter{mounted: make(map[string]joinable)}

	err := runService(context.Background(), c, service.Dependencies{Client: client, Mounter: mounter}, []string{"nope"})

	assert.ErrorIs(t, err, mountdb.ErrNotFound)
	assert.ErrorContains(t, err, UnsuccessfulMountMessagePrefix)
	assert.Empty(t, mounter.mounted)
}

func TestThrottle(t *testing.T) {
	tests := []struct {
		name        string
		opsPerSec   float64
		bytesPerSec float64
		wrapped     bool
	}{
		{name: "no limits", opsPerSec: -1, bytesPerSec: -1, wrapped: false},
		{name: "op limit", opsPerSec: 100, bytesPerSec: -1, wrapped: true},
		{name: "bandwidth limit", opsPerSec: 0, bytesPerSec: 1 << 20, wrapped: true},
		{name: "both", opsPerSec: 100, bytesPerSec: 1 << 20, wrapped: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := fake.NewClient(timeutil.RealClock())

			got, err := throttle(client, tc.opsPerSec, tc.bytesPerSec)

			require.NoError(t, err)
			if tc.wrapped {
				assert.NotSame(t, client, got)
			} else {
				assert.Same(t, client, got)
			}
		})
	}
}

func TestThrottleRejectsTinyBandwidth(t *testing.T) {
	client := fake.NewClient(timeutil.RealClock())

	_, err := throttle(client, -1, 0.001)

	assert.ErrorContains(t, err, "bandwidth limiter")
}

func TestThrottledClientTransfersContent(t *testing.T) {
	client := fake.NewClient(timeutil.RealClock())
	h := client.AddFile(fake.RootHandle, "a", []byte("taco"))

	got, err := throttle(client, 100, 1<<20)
	require.NoError(t, err)
	b, err := got.Download(context.Background(), h, remote.ByteRange{Start: 0, Limit: 4})

	require.NoError(t, err)
	assert.Equal(t, "taco", string(b))
}

func TestNewRemoteClientNeedsBucket(t *testing.T) {
	_, err := newRemoteClient(context.Background(), &cfg.Config{})

	assert.ErrorContains(t, err, "no remote bucket")
}
