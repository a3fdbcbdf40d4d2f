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

package downloader

import (
	"context"
	"errors"
	"sync"

	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/cache/file"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/remote"
	"golang.org/x/sync/semaphore"
)

// Observer is told about every transfer a job makes.
type Observer interface {
	Downloaded(h remote.Handle, n int, err error)
}

type jobKey struct {
	key   string
	chunk uint64
}

// JobManager is responsible for maintaining, getting and removing download
// jobs. There is at most one job per chunk of a given cache key at a time,
// shared by every reader that needs that chunk.
type JobManager struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	client    remote.Transfer
	cache     *file.Cache
	chunkSize uint64
	sem       *semaphore.Weighted
	observer  Observer

	/////////////////////////
	// Mutable state
	/////////////////////////

	// GUARDED_BY(mu)
	jobs map[jobKey]*Job
	mu   sync.Locker
}

func NewJobManager(
	client remote.Transfer,
	cache *file.Cache,
	chunkSize uint64,
	maxParallelDownloads int64,
	observer Observer) (jm *JobManager) {
	if chunkSize == 0 {
		panic("downloader: chunkSize must be positive")
	}
	if maxParallelDownloads <= 0 {
		maxParallelDownloads = 1
	}

	jm = &JobManager{
		client:    client,
		cache:     cache,
		chunkSize: chunkSize,
		sem:       semaphore.NewWeighted(maxParallelDownloads),
		observer:  observer,
		jobs:      make(map[jobKey]*Job),
	}
	jm.mu = locker.New("JobManager", func() {})
	return
}

// removeJob is passed as a callback to jobs so that a job can remove itself
// after completion or failure.
//
// LOCKS_EXCLUDED(jm.mu)
func (jm *JobManager) removeJob(k jobKey, job *Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.jobs[k] == job {
		delete(jm.jobs, k)
	}
}

// CreateJobIfNotExists returns the running job for the given chunk, starting
// one if there is none. Returns nil if the chunk is already present.
//
// LOCKS_EXCLUDED(jm.mu)
func (jm *JobManager) CreateJobIfNotExists(
	src remote.Handle,
	key data.FileInfoKey,
	size uint64,
	chunk uint64) (job *Job) {
	keyStr, err := key.Key()
	if err != nil {
		panic(err)
	}
	k := jobKey{key: keyStr, chunk: chunk}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if job, ok := jm.jobs[k]; ok {
		return job
	}

	br := data.ByteRange{
		Start: chunk * jm.chunkSize,
		End:   min((chunk+1)*jm.chunkSize, size),
	}

	// A job stores before removing itself, so a chunk with no job is either
	// present or still to be fetched.
	if len(jm.cache.Missing(key, size, int64(br.Start), int(br.Len()))) == 0 {
		return nil
	}
	job = newJob(src, key, size, br, jm.client, jm.cache, jm.sem, nil, jm.observer)
	job.removeJobCallback = func() { jm.removeJob(k, job) }
	jm.jobs[k] = job
	job.start()

	return
}

// GetJob returns the running job for the given chunk, or nil.
//
// LOCKS_EXCLUDED(jm.mu)
func (jm *JobManager) GetJob(key data.FileInfoKey, chunk uint64) *Job {
	keyStr, err := key.Key()
	if err != nil {
		return nil
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.jobs[jobKey{key: keyStr, chunk: chunk}]
}

// Download makes [off, off+n), clipped to size, present in the cache under
// key, fetching whatever is missing from src. It waits for every needed
// chunk, joining jobs already in flight. If ctx is done first the caller is
// detached and the jobs carry on.
//
// LOCKS_EXCLUDED(jm.mu)
func (jm *JobManager) Download(
	ctx context.Context,
	src remote.Handle,
	key data.FileInfoKey,
	size uint64,
	off int64,
	n int) error {
	missing := jm.cache.Missing(key, size, off, n)
	if len(missing) == 0 {
		return nil
	}

	var jobs []*Job
	seen := make(map[uint64]bool)
	for _, r := range missing {
		first := r.Start / jm.chunkSize
		last := (r.End - 1) / jm.chunkSize
		for chunk := first; chunk <= last; chunk++ {
			if seen[chunk] {
				continue
			}
			seen[chunk] = true
			if job := jm.CreateJobIfNotExists(src, key, size, chunk); job != nil {
				jobs = append(jobs, job)
			}
		}
	}

	var errs []error
	for _, job := range jobs {
		if err := job.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Wait blocks until every job currently in flight has finished.
//
// LOCKS_EXCLUDED(jm.mu)
func (jm *JobManager) Wait() {
	jm.mu.Lock()
	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job)
	}
	jm.mu.Unlock()

	for _, job := range jobs {
		<-job.doneCh
	}
}
