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
	"fmt"
	"sync"

	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/cache/file"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
	"golang.org/x/sync/semaphore"
)

type jobStatusName string

const (
	NotStarted  jobStatusName = "NotStarted"
	Downloading jobStatusName = "Downloading"
	Completed   jobStatusName = "Completed"
	Failed      jobStatusName = "Failed"
)

// Job downloads one chunk of a remote file into the file cache. Any number
// of readers may wait on a job; a waiter that gives up does not stop it.
type Job struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	src       remote.Handle
	key       data.FileInfoKey
	size      uint64
	byteRange data.ByteRange
	client    remote.Transfer
	cache     *file.Cache

	// Shared by all the jobs of a manager to bound download parallelism.
	maxParallelismSem *semaphore.Weighted

	// Removes the job from its manager once it has finished.
	removeJobCallback func()

	// Observes the outcome of the transfer. May be nil.
	observer Observer

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Locker

	// GUARDED_BY(mu)
	status JobStatus

	// Closed once status is Completed or Failed.
	doneCh chan struct{}
}

// JobStatus represents the status of job.
type JobStatus struct {
	Name jobStatusName
	Err  error
}

func newJob(
	src remote.Handle,
	key data.FileInfoKey,
	size uint64,
	br data.ByteRange,
	client remote.Transfer,
	cache *file.Cache,
	sem *semaphore.Weighted,
	removeJobCallback func(),
	observer Observer) (job *Job) {
	job = &Job{
		src:               src,
		key:               key,
		size:              size,
		byteRange:         br,
		client:            client,
		cache:             cache,
		maxParallelismSem: sem,
		removeJobCallback: removeJobCallback,
		observer:          observer,
		status:            JobStatus{Name: NotStarted},
		doneCh:            make(chan struct{}),
	}
	job.mu = locker.New(fmt.Sprintf("Job-%v-%v", key, br), func() {})
	return
}

// GetStatus returns the current status of the job.
func (job *Job) GetStatus() JobStatus {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.status
}

// start kicks off the transfer in the background. The transfer does not
// inherit any caller's context, so that no single reader can cancel it.
func (job *Job) start() {
	job.mu.Lock()
	job.status.Name = Downloading
	job.mu.Unlock()

	go job.download()
}

func (job *Job) download() {
	ctx := context.Background()
	err := job.maxParallelismSem.Acquire(ctx, 1)
	if err == nil {
		err = job.transfer(ctx)
		job.maxParallelismSem.Release(1)
	}

	job.mu.Lock()
	if err != nil {
		job.status = JobStatus{Name: Failed, Err: err}
		logger.Debugf("Job %v %v: download failed: %v", job.key, job.byteRange, err)
	} else {
		job.status = JobStatus{Name: Completed}
	}
	job.mu.Unlock()

	job.removeJobCallback()
	close(job.doneCh)
}

// Fetch the range and store it. A failed download stores nothing.
func (job *Job) transfer(ctx context.Context) error {
	br := remote.ByteRange{Start: job.byteRange.Start, Limit: job.byteRange.End}
	b, err := job.client.Download(ctx, job.src, br)
	if job.observer != nil {
		job.observer.Downloaded(job.src, len(b), err)
	}
	if err != nil {
		return err
	}

	if err = job.cache.Store(job.key, job.size, int64(job.byteRange.Start), b); err != nil {
		return fmt.Errorf("storing %v: %w", job.byteRange, err)
	}

	return nil
}

// Wait blocks until the job finishes or ctx is done. Cancellation only
// detaches this waiter.
func (job *Job) Wait(ctx context.Context) error {
	select {
	case <-job.doneCh:
		return job.GetStatus().Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
