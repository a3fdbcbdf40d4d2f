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

	"github.com/nodemount/nodemount/internal/remote"
)

func NewNoopMetrics() MetricHandle {
	var n noopMetrics
	return &n
}

type noopMetrics struct{}

func (*noopMetrics) OpsCount(_ context.Context, _ int64, _ string)           {}
func (*noopMetrics) OpsLatency(_ context.Context, _ float64, _ string)       {}
func (*noopMetrics) OpsErrorCount(_ context.Context, _ int64, _, _ string)   {}
func (*noopMetrics) FileCacheReadCount(_ context.Context, _ int64, _ string) {}
func (*noopMetrics) FileCacheReadBytesCount(_ context.Context, _ int64)      {}
func (*noopMetrics) Downloaded(_ remote.Handle, _ int, _ error)              {}
func (*noopMetrics) UploadBytesCount(_ context.Context, _ int64)             {}
func (*noopMetrics) InodeEvictionCount(_ context.Context, _ int64)           {}
