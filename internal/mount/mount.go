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

// Package mount binds a remote directory to a local mount point and drives
// the life cycle of that binding.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/cache/file"
	"github.com/nodemount/nodemount/internal/cache/file/downloader"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/fs"
	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/inodedb"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/mountdb"
	"github.com/nodemount/nodemount/internal/remote"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	Unmounted State = iota
	Mounting
	Mounted
	Unmounting
	Failed
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "Unmounted"
	case Mounting:
		return "Mounting"
	case Mounted:
		return "Mounted"
	case Unmounting:
		return "Unmounting"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrInvalidState means the mount is not in a state allowing the request.
var ErrInvalidState = errors.New("invalid mount state")

const (
	handlePollInterval = 10 * time.Millisecond
	maxParallelFlushes = 4
)

// MountedFS is a file system the kernel is serving.
type MountedFS interface {
	// Join blocks until the file system is unmounted.
	Join(ctx context.Context) error
}

// Mounter attaches servers to the kernel.
type Mounter interface {
	Mount(dir string, server fuse.Server, cfg *fuse.MountConfig) (MountedFS, error)
	Unmount(dir string) error
}

type fuseMounter struct{}

func (fuseMounter) Mount(dir string, server fuse.Server, cfg *fuse.MountConfig) (MountedFS, error) {
	return fuse.Mount(dir, server, cfg)
}

func (fuseMounter) Unmount(dir string) error {
	return fuse.Unmount(dir)
}

// NewFuseMounter returns the Mounter backed by the kernel's fuse device.
func NewFuseMounter() Mounter {
	return fuseMounter{}
}

// Dependencies are the process-wide collaborators shared by every mount.
type Dependencies struct {
	Catalog   *database.Catalog
	Client    remote.Client
	Files     *file.Cache
	Downloads *downloader.JobManager
	Clock     timeutil.Clock

	// Defaults to no-op metrics.
	Metrics common.MetricHandle

	// Defaults to the fuse device.
	Mounter Mounter
}

// Report describes the work done by Deactivate.
type Report struct {
	// Dirty files uploaded, and those whose upload failed. Failed files keep
	// their content in the cache.
	Flushed       int
	FlushFailures int

	// File handles still open when the grace period ended.
	ForcedHandles int
}

// Mount is one configured mount and, while mounted, the file system serving
// it.
type Mount struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	rec  mountdb.Mount
	deps Dependencies
	opts Options

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Locker

	// GUARDED_BY(mu)
	state State

	// The error that moved the mount to Failed.
	//
	// GUARDED_BY(mu)
	err error

	// Set while Mounted and Unmounting.
	//
	// GUARDED_BY(mu)
	inodes *inode.Cache

	// GUARDED_BY(mu)
	server *fs.Server

	// Closed once the kernel side has gone away.
	//
	// GUARDED_BY(mu)
	joined chan struct{}
}

// New returns an unmounted Mount for rec.
func New(rec mountdb.Mount, deps Dependencies, opts Options) (m *Mount) {
	if deps.Metrics == nil {
		deps.Metrics = common.NewNoopMetrics()
	}
	if deps.Mounter == nil {
		deps.Mounter = NewFuseMounter()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	m = &Mount{
		rec:   rec,
		deps:  deps,
		opts:  opts,
		state: Unmounted,
	}
	m.mu = locker.New("Mount."+rec.Name, m.checkInvariants)
	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (m *Mount) checkInvariants() {
	live := m.state == Mounted || m.state == Unmounting
	if live != (m.server != nil) {
		panic(fmt.Sprintf("mount %q is %v with server %v", m.rec.Name, m.state, m.server))
	}
	if (m.state == Failed) != (m.err != nil) {
		panic(fmt.Sprintf("mount %q is %v with error %v", m.rec.Name, m.state, m.err))
	}
}

// LOCKS_EXCLUDED(m.mu)
func (m *Mount) transition(from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range from {
		if m.state == s {
			m.state = to
			m.err = nil
			return nil
		}
	}
	return fmt.Errorf("%w: %q is %v", ErrInvalidState, m.rec.Name, m.state)
}

// LOCKS_EXCLUDED(m.mu)
func (m *Mount) fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = Failed
	m.err = err
	logger.Errorf("Mount %q failed: %v", m.rec.Name, err)
	return err
}

// ensureRoot checks that the mount's root is still a remote directory and
// brings its inode up to date, creating it on the first activation.
func (m *Mount) ensureRoot(ctx context.Context, db *inodedb.DB) error {
	root, err := m.deps.Client.Stat(ctx, m.rec.RootHandle)
	if err != nil {
		return fmt.Errorf("Stat root %q: %w", m.rec.RootHandle, err)
	}
	if root.Kind != remote.Directory {
		return fmt.Errorf("root %q: %w", m.rec.RootHandle, mountdb.ErrRemoteFile)
	}

	_, err = db.LookupByID(ctx, fuseops.RootInodeID)
	switch {
	case errors.Is(err, inodedb.ErrNotFound):
		_, err = db.Allocate(ctx, 0, root)
		return err
	case err != nil:
		return err
	}
	return db.UpdateMetadata(ctx, fuseops.RootInodeID, root.Metadata)
}

// serve waits for the kernel side to go away. A mount unmounted behind our
// back ends up Unmounted.
func (m *Mount) serve(mfs MountedFS, server *fs.Server, inodes *inode.Cache, joined chan struct{}) {
	defer close(joined)
	if err := mfs.Join(context.Background()); err != nil {
		logger.Errorf("Mount %q: Join: %v", m.rec.Name, err)
	}

	m.mu.Lock()
	external := m.state == Mounted && m.server == server
	if external {
		m.state = Unmounted
		m.server = nil
		m.inodes = nil
	}
	m.mu.Unlock()

	if external {
		logger.Infof("Mount %q was unmounted externally", m.rec.Name)
		server.ReleaseAll()
		inodes.Close()
	}
}

// flushDirty uploads every file with local modifications.
func flushDirty(ctx context.Context, inodes *inode.Cache) (flushed, failed int) {
	var nFailed atomic.Int64
	dirty := inodes.Dirty()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFlushes)
	for _, f := range dirty {
		g.Go(func() error {
			if err := f.Sync(ctx); err != nil {
				logger.Errorf("Flushing inode %d: %v", f.ID(), err)
				nFailed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	failed = int(nFailed.Load())
	flushed = len(dirty) - failed
	return
}

// awaitHandles waits up to the grace period for the kernel to release every
// open file, returning the number still open.
func (m *Mount) awaitHandles(ctx context.Context, server *fs.Server) int {
	deadline := time.Now().Add(m.opts.GracePeriod)
	ticker := time.NewTicker(handlePollInterval)
	defer ticker.Stop()

	for {
		n := server.OpenFileHandles()
		if n == 0 || !time.Now().Before(deadline) {
			return n
		}

		select {
		case <-ctx.Done():
			return server.OpenFileHandles()
		case <-ticker.C:
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

func (m *Mount) Record() mountdb.Mount {
	return m.rec
}

// LOCKS_EXCLUDED(m.mu)
func (m *Mount) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that moved the mount to Failed, if it is.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Mount) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// FileSystem returns the file system being served, or nil when not mounted.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Mount) FileSystem() fuseutil.FileSystem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.FileSystem()
}

// Activate mounts the file system at the mount's path. On failure the mount
// is left Failed with the error recorded; a failed mount may be activated
// again.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Mount) Activate(ctx context.Context) error {
	if err := m.transition([]State{Unmounted, Failed}, Mounting); err != nil {
		return err
	}
	logger.Infof("Mounting %q at %s", m.rec.Name, m.rec.Path)

	db := inodedb.New(m.deps.Catalog, m.rec.ID, m.deps.Files)
	if err := m.ensureRoot(ctx, db); err != nil {
		return m.fail(fmt.Errorf("preparing root: %w", err))
	}

	inodeCfg := m.opts.Inodes
	inodeCfg.OnEvict = func(n int) {
		m.deps.Metrics.InodeEvictionCount(context.Background(), int64(n))
	}
	inodes := inode.NewCache(
		inodeCfg,
		db,
		m.deps.Client,
		inode.Content{
			Files:     m.deps.Files,
			Downloads: m.deps.Downloads,
			Metrics:   m.deps.Metrics,
		},
		m.deps.Clock)

	restored, err := inodes.Restore(ctx)
	if err != nil {
		inodes.Close()
		return m.fail(fmt.Errorf("restoring local modifications: %w", err))
	}
	if restored > 0 {
		logger.Infof("Mount %q: %d files with local modifications to flush", m.rec.Name, restored)
	}

	server, err := fs.NewServer(ctx, &fs.ServerConfig{
		CacheClock:       m.deps.Clock,
		Inodes:           inodes,
		CacheDir:         m.opts.CacheDir,
		ReadOnly:         m.rec.ReadOnly,
		AttributeTTL:     m.opts.AttributeTTL,
		IgnoreInterrupts: m.opts.IgnoreInterrupts,
		DebugFuse:        m.opts.DebugFuse,
		MetricHandle:     m.deps.Metrics,
	})
	if err != nil {
		inodes.Close()
		return m.fail(err)
	}

	if err := os.MkdirAll(m.rec.Path, 0755); err != nil {
		server.ReleaseAll()
		inodes.Close()
		return m.fail(fmt.Errorf("creating mount point: %w", err))
	}

	mfs, err := m.deps.Mounter.Mount(m.rec.Path, server, getFuseMountConfig(m.rec, m.opts))
	if err != nil {
		server.ReleaseAll()
		inodes.Close()
		return m.fail(fmt.Errorf("mount: %w", err))
	}

	joined := make(chan struct{})

	m.mu.Lock()
	m.state = Mounted
	m.server = server
	m.inodes = inodes
	m.joined = joined
	m.mu.Unlock()

	go m.serve(mfs, server, inodes, joined)

	logger.Infof("Mounted %q", m.rec.Name)
	return nil
}

// Deactivate unmounts the file system. Open files get the grace period to
// close; those still open afterwards are closed by force. Dirty files are
// uploaded before the kernel side is detached. If the kernel refuses the
// unmount the mount stays Mounted.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Mount) Deactivate(ctx context.Context) (report Report, err error) {
	if err = m.transition([]State{Mounted}, Unmounting); err != nil {
		return
	}
	logger.Infof("Unmounting %q", m.rec.Name)

	m.mu.Lock()
	server, inodes, joined := m.server, m.inodes, m.joined
	m.mu.Unlock()

	if n := m.awaitHandles(ctx, server); n > 0 {
		logger.Warnf("Mount %q: closing %d open files after the grace period", m.rec.Name, n)
		report.ForcedHandles = server.ReleaseAll()
	}

	report.Flushed, report.FlushFailures = flushDirty(ctx, inodes)

	if err = m.deps.Mounter.Unmount(m.rec.Path); err != nil {
		select {
		case <-joined:
			// Already gone.
			err = nil
		default:
			m.mu.Lock()
			m.state = Mounted
			m.mu.Unlock()
			err = fmt.Errorf("unmount %s: %w", m.rec.Path, err)
			return
		}
	}

	select {
	case <-joined:
	case <-ctx.Done():
		err = ctx.Err()
		logger.Warnf("Mount %q: gave up waiting for the kernel: %v", m.rec.Name, err)
	}

	server.ReleaseAll()
	inodes.Close()

	m.mu.Lock()
	m.state = Unmounted
	m.server = nil
	m.inodes = nil
	m.mu.Unlock()

	logger.Infof("Unmounted %q: %d flushed, %d failed, %d forced",
		m.rec.Name, report.Flushed, report.FlushFailures, report.ForcedHandles)
	return
}

// HandleChange applies a remote change notification. It is a no-op unless
// the mount is Mounted.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Mount) HandleChange(ctx context.Context, ch remote.Change) error {
	m.mu.Lock()
	inodes := m.inodes
	mounted := m.state == Mounted
	m.mu.Unlock()

	if !mounted {
		return nil
	}
	return inodes.HandleChange(ctx, ch)
}
