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

package common

import (
	"context"
	"errors"

	"github.com/nodemount/nodemount/internal/remote"
)

type ShutdownFn func(ctx context.Context) error

// JoinShutdownFunc combines the provided shutdown functions into a single function.
func JoinShutdownFunc(shutdownFns ...ShutdownFn) ShutdownFn {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFns {
			if fn == nil {
				continue
			}
			err = errors.Join(err, fn(ctx))
		}
		return err
	}
}

type OpsMetricHandle interface {
	OpsCount(ctx context.Context, inc int64, op string)
	// Latency in microseconds.
	OpsLatency(ctx context.Context, value float64, op string)
	OpsErrorCount(ctx context.Context, inc int64, op string, category string)
}

type FileCacheMetricHandle interface {
	FileCacheReadCount(ctx context.Context, inc int64, cacheHit string)
	FileCacheReadBytesCount(ctx context.Context, inc int64)
}

type TransferMetricHandle interface {
	// Downloaded satisfies downloader.Observer.
	Downloaded(h remote.Handle, n int, err error)
	UploadBytesCount(ctx context.Context, inc int64)
}

type InodeMetricHandle interface {
	InodeEvictionCount(ctx context.Context, inc int64)
}

type MetricHandle interface {
	OpsMetricHandle
	FileCacheMetricHandle
	TransferMetricHandle
	InodeMetricHandle
}
