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
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/nodemount/nodemount/internal/cache/file"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/nodemount/nodemount/internal/remote/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const chunkSize = 4

type recordingObserver struct {
	mu    sync.Mutex
	bytes int
	errs  int
}

func (o *recordingObserver) Downloaded(_ remote.Handle, n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes += n
	if err != nil {
		o.errs++
	}
}

type downloaderTest struct {
	suite.Suite
	ctx      context.Context
	client   *fake.Client
	cache    *file.Cache
	observer *recordingObserver
	jm       *JobManager

	content []byte
	h       remote.Handle
	key     data.FileInfoKey
}

func TestDownloaderSuite(t *testing.T) {
	suite.Run(t, new(downloaderTest))
}

func (t *downloaderTest) SetupTest() {
	var err error
	t.ctx = context.Background()
	t.client = fake.NewClient(timeutil.RealClock())
	t.cache, err = file.New(t.ctx, file.Options{CacheDir: t.T().TempDir()})
	require.NoError(t.T(), err)
	t.observer = &recordingObserver{}
	t.jm = NewJobManager(t.client, t.cache, chunkSize, 2, t.observer)

	t.content = []byte("0123456789")
	t.h = t.client.AddFile(fake.RootHandle, "f", t.content)
	t.key = data.FileInfoKey{Handle: t.h, Fingerprint: fake.Fingerprint(t.content)}
}

func (t *downloaderTest) size() uint64 {
	return uint64(len(t.content))
}

func (t *downloaderTest) TestDownloadFetchesAlignedChunks() {
	require.NoError(t.T(), t.jm.Download(t.ctx, t.h, t.key, t.size(), 5, 2))

	// Only chunk 1 ([4, 8)) was needed.
	assert.Equal(t.T(), 1, t.client.DownloadCalls())
	b, err := t.cache.Read(t.key, t.size(), 4, 4)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "4567", string(b))
	assert.Equal(t.T(), 4, t.observer.bytes)
}

func (t *downloaderTest) TestDownloadLastChunkIsShort() {
	require.NoError(t.T(), t.jm.Download(t.ctx, t.h, t.key, t.size(), 0, 100))

	assert.Equal(t.T(), 3, t.client.DownloadCalls())
	b, err := t.cache.Read(t.key, t.size(), 0, 100)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), t.content, b)
}

func (t *downloaderTest) TestPresentBytesAreNotDownloadedAgain() {
	require.NoError(t.T(), t.jm.Download(t.ctx, t.h, t.key, t.size(), 0, 4))
	require.NoError(t.T(), t.jm.Download(t.ctx, t.h, t.key, t.size(), 0, 4))

	assert.Equal(t.T(), 1, t.client.DownloadCalls())
}

func (t *downloaderTest) TestEmptyRangeIsNoop() {
	require.NoError(t.T(), t.jm.Download(t.ctx, t.h, t.key, t.size(), 10, 4))
	assert.Equal(t.T(), 0, t.client.DownloadCalls())
}

func (t *downloaderTest) TestConcurrentReadersShareOneJob() {
	release := make(chan struct{})
	var started atomic.Int32
	t.client.DownloadHook = func(remote.Handle, remote.ByteRange) error {
		started.Add(1)
		<-release
		return nil
	}

	const readers = 8
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- t.jm.Download(t.ctx, t.h, t.key, t.size(), 0, 2)
		}()
	}

	assert.Eventually(t.T(), func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t.T(), err)
	}
	assert.Equal(t.T(), 1, t.client.DownloadCalls())
	assert.Nil(t.T(), t.jm.GetJob(t.key, 0))
}

func (t *downloaderTest) TestCancellationDetachesWaiterOnly() {
	release := make(chan struct{})
	t.client.DownloadHook = func(remote.Handle, remote.ByteRange) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	done := make(chan error)
	go func() { done <- t.jm.Download(ctx, t.h, t.key, t.size(), 0, 2) }()

	assert.Eventually(t.T(), func() bool { return t.jm.GetJob(t.key, 0) != nil }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t.T(), <-done, context.Canceled)

	// The transfer carries on and lands in the cache.
	close(release)
	t.jm.Wait()
	b, err := t.cache.Read(t.key, t.size(), 0, 4)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "0123", string(b))
}

func (t *downloaderTest) TestFailedDownloadStoresNothing() {
	fatal := &remote.TransferError{Op: "download", Handle: t.h, Err: errors.New("taco")}
	t.client.DownloadHook = func(remote.Handle, remote.ByteRange) error {
		return fatal
	}

	err := t.jm.Download(t.ctx, t.h, t.key, t.size(), 0, 2)
	var te *remote.TransferError
	require.ErrorAs(t.T(), err, &te)
	assert.False(t.T(), te.Retryable)

	_, _, _, ok := t.cache.Stat(t.key)
	assert.False(t.T(), ok)
	assert.Equal(t.T(), 1, t.observer.errs)

	// A later attempt starts a fresh job.
	t.client.DownloadHook = nil
	require.NoError(t.T(), t.jm.Download(t.ctx, t.h, t.key, t.size(), 0, 2))
}

func (t *downloaderTest) TestJobStatus() {
	job := t.jm.CreateJobIfNotExists(t.h, t.key, t.size(), 2)
	require.NoError(t.T(), job.Wait(t.ctx))

	assert.Equal(t.T(), JobStatus{Name: Completed}, job.GetStatus())
	assert.Equal(t.T(), data.ByteRange{Start: 8, End: 10}, job.byteRange)
}
