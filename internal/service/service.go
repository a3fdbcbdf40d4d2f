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

// Package service owns the process-wide state shared by every mount: the
// catalog, the file cache, the download manager and the set of active
// mounts.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/cache/file"
	"github.com/nodemount/nodemount/internal/cache/file/downloader"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/inodedb"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/mount"
	"github.com/nodemount/nodemount/internal/mountdb"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/nodemount/nodemount/internal/util"
)

const waitPollInterval = 100 * time.Millisecond

// ErrAlreadyEnabled means the mount is already active in this process.
var ErrAlreadyEnabled = errors.New("mount already enabled")

// ErrNotEnabled means the mount is not active in this process.
var ErrNotEnabled = errors.New("mount not enabled")

type Config struct {
	CatalogPath     string
	CatalogPoolSize int

	CacheDir     string
	MaxSizeBytes uint64

	DownloadChunkSize    uint64
	MaxParallelDownloads int64

	Mount mount.Options
}

// NewConfig derives the service configuration from a validated process
// configuration.
func NewConfig(c *cfg.Config) (sc Config, err error) {
	mountOpts, err := mount.OptionsFromConfig(c)
	if err != nil {
		return
	}

	sc = Config{
		CatalogPath:          string(c.Catalog.Path),
		CatalogPoolSize:      int(c.Catalog.PoolSize),
		CacheDir:             string(c.FileCache.CacheDir),
		DownloadChunkSize:    util.MiBsToBytes(uint64(c.FileCache.DownloadChunkSizeMb)),
		MaxParallelDownloads: c.FileCache.MaxParallelDownloads,
		Mount:                mountOpts,
	}
	if c.FileCache.MaxSizeMb > 0 {
		sc.MaxSizeBytes = util.MiBsToBytes(uint64(c.FileCache.MaxSizeMb))
	}
	return
}

type Dependencies struct {
	Client remote.Client

	// Optional source of remote change notifications.
	Notifier remote.Notifier

	// Default to the real clock, no-op metrics and the fuse device.
	Clock   timeutil.Clock
	Metrics common.MetricHandle
	Mounter mount.Mounter
}

// Status is a configured mount and its state in this process.
type Status struct {
	mountdb.Mount `yaml:",inline"`
	State         string `yaml:"state"`
	Error         string `yaml:"error,omitempty"`
}

type Service struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	catalog   *database.Catalog
	files     *file.Cache
	downloads *downloader.JobManager
	mounts    *mountdb.DB
	mountDeps mount.Dependencies
	mountOpts mount.Options

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Locker

	// Active mounts by name. A mount being activated is present.
	//
	// GUARDED_BY(mu)
	active map[string]*mount.Mount

	stop      chan struct{}
	forwarded sync.WaitGroup
	closeOnce sync.Once
}

// Open opens the catalog and the shared caches. Call Start to bring up the
// mounts enabled at startup, and Close when done.
func Open(ctx context.Context, c Config, deps Dependencies) (s *Service, err error) {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = common.NewNoopMetrics()
	}

	if err = os.MkdirAll(filepath.Dir(c.CatalogPath), 0755); err != nil {
		err = fmt.Errorf("creating catalog directory: %w", err)
		return
	}

	catalog, err := database.Open(ctx, c.CatalogPath, database.Options{
		PoolSize: c.CatalogPoolSize,
		Logger:   logger.NewLogger("catalog: "),
	})
	if err != nil {
		err = fmt.Errorf("opening catalog: %w", err)
		return
	}

	files, err := file.New(ctx, file.Options{
		CacheDir:     c.CacheDir,
		MaxSizeBytes: c.MaxSizeBytes,
		Clock:        deps.Clock,
		Index:        file.NewCatalogIndex(catalog),
	})
	if err != nil {
		catalog.Close()
		err = fmt.Errorf("opening file cache: %w", err)
		return
	}

	if err = retainClaimed(ctx, catalog, files); err != nil {
		catalog.Close()
		return
	}

	chunkSize := c.DownloadChunkSize
	if chunkSize == 0 {
		chunkSize = 1 << 20
	}
	downloads := downloader.NewJobManager(deps.Client, files, chunkSize, c.MaxParallelDownloads, deps.Metrics)

	s = &Service{
		catalog:   catalog,
		files:     files,
		downloads: downloads,
		mounts:    mountdb.New(catalog, deps.Client),
		mountDeps: mount.Dependencies{
			Catalog:   catalog,
			Client:    deps.Client,
			Files:     files,
			Downloads: downloads,
			Clock:     deps.Clock,
			Metrics:   deps.Metrics,
			Mounter:   deps.Mounter,
		},
		mountOpts: c.Mount,
		active:    make(map[string]*mount.Mount),
		stop:      make(chan struct{}),
	}
	s.mu = locker.New("Service", s.checkInvariants)

	if deps.Notifier != nil {
		s.forwarded.Add(1)
		go s.forwardChanges(deps.Notifier.Changes())
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (s *Service) checkInvariants() {
	for name, m := range s.active {
		if m.Record().Name != name {
			panic(fmt.Sprintf("mount %q filed under %q", m.Record().Name, name))
		}
	}
}

// retainClaimed drops the dirty file cache content left behind by an
// earlier process that no inode of any mount points at any more.
func retainClaimed(ctx context.Context, catalog *database.Catalog, files *file.Cache) error {
	locals, err := inodedb.LocalKeys(ctx, catalog)
	if err != nil {
		return fmt.Errorf("listing local modifications: %w", err)
	}

	claimed := make(map[data.FileInfoKey]bool, len(locals))
	for _, l := range locals {
		claimed[data.FileInfoKey{Handle: l.Handle, Fingerprint: l.Fingerprint}] = true
	}
	if n := files.RetainDirty(func(k data.FileInfoKey) bool { return claimed[k] }); n > 0 {
		logger.Infof("Dropped %d unclaimed local modifications from the file cache", n)
	}
	return nil
}

// LOCKS_EXCLUDED(s.mu)
func (s *Service) activeMounts() (ms []*mount.Mount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.active {
		ms = append(ms, m)
	}
	return
}

// forwardChanges hands every notification to the active mounts. Only the
// mount that knows the node acts on it.
func (s *Service) forwardChanges(changes <-chan remote.Change) {
	defer s.forwarded.Done()
	ctx := context.Background()

	for {
		select {
		case <-s.stop:
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			for _, m := range s.activeMounts() {
				if err := m.HandleChange(ctx, ch); err != nil {
					logger.Warnf("Mount %q: applying %v for %q: %v", m.Record().Name, ch.Kind, ch.Handle, err)
				}
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Start enables every mount configured to start with the service. A mount
// that fails to come up does not prevent the others.
func (s *Service) Start(ctx context.Context) error {
	ms, err := s.mounts.List(ctx)
	if err != nil {
		return fmt.Errorf("listing mounts: %w", err)
	}

	var errs []error
	for _, m := range ms {
		if !m.EnableAtStartup {
			continue
		}
		if err := s.Enable(ctx, m.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add validates and stores a new mount.
func (s *Service) Add(ctx context.Context, m mountdb.Mount) (mountdb.Mount, error) {
	added, err := s.mounts.Add(ctx, m)
	if err == nil {
		logger.Infof("Added mount %q of %q at %s", added.Name, added.RootHandle, added.Path)
	}
	return added, err
}

// Remove deletes the named mount and its inodes. An enabled mount can't be
// removed.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) Remove(ctx context.Context, name string) error {
	rec, err := s.mounts.Get(ctx, name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, busy := s.active[name]
	s.mu.Unlock()
	if busy {
		return fmt.Errorf("removing mount %q: %w", name, mountdb.ErrBusy)
	}

	if err := s.mounts.Remove(ctx, rec.ID); err != nil {
		return err
	}
	logger.Infof("Removed mount %q", name)
	return nil
}

// SetEnableAtStartup updates whether the named mount comes up with the
// service.
func (s *Service) SetEnableAtStartup(ctx context.Context, name string, enable bool) error {
	return s.mounts.SetEnableAtStartup(ctx, name, enable)
}

// Enable activates the named mount.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) Enable(ctx context.Context, name string) error {
	rec, err := s.mounts.Get(ctx, name)
	if err != nil {
		return err
	}

	m := mount.New(rec, s.mountDeps, s.mountOpts)

	s.mu.Lock()
	if _, ok := s.active[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyEnabled, name)
	}
	s.active[name] = m
	s.mu.Unlock()

	if err := m.Activate(ctx); err != nil {
		s.mu.Lock()
		delete(s.active, name)
		s.mu.Unlock()
		return fmt.Errorf("enabling %q: %w", name, err)
	}
	return nil
}

// Disable deactivates the named mount.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) Disable(ctx context.Context, name string) (mount.Report, error) {
	s.mu.Lock()
	m, ok := s.active[name]
	s.mu.Unlock()
	if !ok {
		return mount.Report{}, fmt.Errorf("%w: %q", ErrNotEnabled, name)
	}

	report, err := m.Deactivate(ctx)
	if err != nil {
		return report, fmt.Errorf("disabling %q: %w", name, err)
	}

	s.mu.Lock()
	if s.active[name] == m {
		delete(s.active, name)
	}
	s.mu.Unlock()
	return report, nil
}

// Mount returns the active mount of that name, or nil.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) Mount(name string) *mount.Mount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[name]
}

// List returns every configured mount with its state in this process.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) List(ctx context.Context) (statuses []Status, err error) {
	ms, err := s.mounts.List(ctx)
	if err != nil {
		return
	}

	for _, rec := range ms {
		st := Status{Mount: rec, State: mount.Unmounted.String()}
		if m := s.Mount(rec.Name); m != nil {
			st.State = m.State().String()
			if err := m.Err(); err != nil {
				st.Error = err.Error()
			}
		}
		statuses = append(statuses, st)
	}
	return
}

// Wait blocks until every active mount has been unmounted, by Disable or
// externally, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	for {
		live := 0
		for _, m := range s.activeMounts() {
			if st := m.State(); st == mount.Mounted || st == mount.Mounting || st == mount.Unmounting {
				live++
			}
		}
		if live == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// Close disables every active mount, drops the mounts that are not
// persistent and closes the catalog.
func (s *Service) Close(ctx context.Context) (err error) {
	s.closeOnce.Do(func() {
		var errs []error
		for _, m := range s.activeMounts() {
			name := m.Record().Name
			if m.State() != mount.Mounted {
				s.mu.Lock()
				delete(s.active, name)
				s.mu.Unlock()
				continue
			}
			if _, err := s.Disable(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}

		close(s.stop)
		s.forwarded.Wait()
		s.downloads.Wait()

		transient, listErr := s.mounts.Transient(ctx)
		if listErr != nil {
			errs = append(errs, listErr)
		}
		for _, m := range transient {
			logger.Infof("Dropping transient mount %q", m.Name)
			if err := s.mounts.Remove(ctx, m.ID); err != nil {
				errs = append(errs, err)
			}
		}

		if err := s.files.Sync(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.catalog.Close(); err != nil {
			errs = append(errs, err)
		}
		err = errors.Join(errs...)
	})
	return
}
