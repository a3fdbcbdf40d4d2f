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
	"sync"

	"github.com/nodemount/nodemount/internal/remote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// Attribute Keys
	// fsOpKey specifies the FS operation like LookupInode, ReadFile etc.
	fsOpKey = attribute.Key("fs_op")
	// fsErrCategoryKey specifies the error category. The intention is to reduce the cardinality of FSError by grouping errors together.
	fsErrCategoryKey = attribute.Key("fs_error_category")
	// cacheHitKey specifies whether the read operation from file cache resulted in a cache-hit or miss.
	cacheHitKey = attribute.Key("cache_hit")
	// transferStatusKey tells successful transfers from failed ones.
	transferStatusKey = attribute.Key("status")

	fsOpsOptionCache,
	cacheHitOptionCache,
	fsOpsErrorCategoryOptionCache sync.Map

	defaultLatencyDistribution = metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000)

	statusOK     = metric.WithAttributeSet(attribute.NewSet(transferStatusKey.String("ok")))
	statusFailed = metric.WithAttributeSet(attribute.NewSet(transferStatusKey.String("failed")))
)

type fsOpsErrorCategory struct {
	op       string
	category string
}

func loadOrStoreAttrOption[K comparable](mp *sync.Map, key K, attrSetGenFunc func() attribute.Set) metric.MeasurementOption {
	attrSet, ok := mp.Load(key)
	if ok {
		return attrSet.(metric.MeasurementOption)
	}
	v, _ := mp.LoadOrStore(key, metric.WithAttributeSet(attrSetGenFunc()))
	return v.(metric.MeasurementOption)
}

func fsOpsAttrOption(fsOp string) metric.MeasurementOption {
	return loadOrStoreAttrOption(&fsOpsOptionCache, fsOp,
		func() attribute.Set {
			return attribute.NewSet(fsOpKey.String(fsOp))
		})
}

func fsOpsErrorCategoryAttrOption(attr fsOpsErrorCategory) metric.MeasurementOption {
	return loadOrStoreAttrOption(&fsOpsErrorCategoryOptionCache, attr,
		func() attribute.Set {
			return attribute.NewSet(fsOpKey.String(attr.op), fsErrCategoryKey.String(attr.category))
		})
}

func cacheHitAttrOption(cacheHit string) metric.MeasurementOption {
	return loadOrStoreAttrOption(&cacheHitOptionCache, cacheHit,
		func() attribute.Set {
			return attribute.NewSet(cacheHitKey.String(cacheHit))
		})
}

// otelMetrics maintains the list of all metrics computed in nodemount.
type otelMetrics struct {
	fsOpsCount      metric.Int64Counter
	fsOpsErrorCount metric.Int64Counter
	fsOpsLatency    metric.Float64Histogram

	fileCacheReadCount      metric.Int64Counter
	fileCacheReadBytesCount metric.Int64Counter

	downloadBytesCount metric.Int64Counter
	downloadCount      metric.Int64Counter
	uploadBytesCount   metric.Int64Counter

	inodeEvictionCount metric.Int64Counter
}

func (o *otelMetrics) OpsCount(ctx context.Context, inc int64, fsOp string) {
	o.fsOpsCount.Add(ctx, inc, fsOpsAttrOption(fsOp))
}

func (o *otelMetrics) OpsLatency(ctx context.Context, value float64, fsOp string) {
	o.fsOpsLatency.Record(ctx, value, fsOpsAttrOption(fsOp))
}

func (o *otelMetrics) OpsErrorCount(ctx context.Context, inc int64, fsOp string, category string) {
	o.fsOpsErrorCount.Add(ctx, inc, fsOpsErrorCategoryAttrOption(fsOpsErrorCategory{op: fsOp, category: category}))
}

func (o *otelMetrics) FileCacheReadCount(ctx context.Context, inc int64, cacheHit string) {
	o.fileCacheReadCount.Add(ctx, inc, cacheHitAttrOption(cacheHit))
}

func (o *otelMetrics) FileCacheReadBytesCount(ctx context.Context, inc int64) {
	o.fileCacheReadBytesCount.Add(ctx, inc)
}

func (o *otelMetrics) Downloaded(_ remote.Handle, n int, err error) {
	ctx := context.Background()
	if err != nil {
		o.downloadCount.Add(ctx, 1, statusFailed)
		return
	}
	o.downloadCount.Add(ctx, 1, statusOK)
	o.downloadBytesCount.Add(ctx, int64(n))
}

func (o *otelMetrics) UploadBytesCount(ctx context.Context, inc int64) {
	o.uploadBytesCount.Add(ctx, inc)
}

func (o *otelMetrics) InodeEvictionCount(ctx context.Context, inc int64) {
	o.inodeEvictionCount.Add(ctx, inc)
}

// NewOTelMetrics creates the instruments on the given provider, or on the
// global one if mp is nil.
func NewOTelMetrics(mp metric.MeterProvider) (MetricHandle, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	fsOpsMeter := mp.Meter("fs_op")
	fileCacheMeter := mp.Meter("file_cache")
	remoteMeter := mp.Meter("remote")
	inodeMeter := mp.Meter("inode")

	fsOpsCount, err1 := fsOpsMeter.Int64Counter("fs/ops_count", metric.WithDescription("The cumulative number of ops processed by the file system."))
	fsOpsLatency, err2 := fsOpsMeter.Float64Histogram("fs/ops_latency", metric.WithDescription("The cumulative distribution of file system operation latencies"), metric.WithUnit("us"),
		defaultLatencyDistribution)
	fsOpsErrorCount, err3 := fsOpsMeter.Int64Counter("fs/ops_error_count", metric.WithDescription("The cumulative number of errors generated by file system operations"))

	fileCacheReadCount, err4 := fileCacheMeter.Int64Counter("file_cache/read_count",
		metric.WithDescription("Specifies the number of read requests made via file cache along with cache hit - true/false"))
	fileCacheReadBytesCount, err5 := fileCacheMeter.Int64Counter("file_cache/read_bytes_count",
		metric.WithDescription("The cumulative number of bytes read from file cache"),
		metric.WithUnit("By"))

	downloadCount, err6 := remoteMeter.Int64Counter("remote/download_count",
		metric.WithDescription("The cumulative number of ranged downloads along with status - ok/failed"))
	downloadBytesCount, err7 := remoteMeter.Int64Counter("remote/download_bytes_count",
		metric.WithDescription("The cumulative number of bytes downloaded into the file cache"),
		metric.WithUnit("By"))
	uploadBytesCount, err8 := remoteMeter.Int64Counter("remote/upload_bytes_count",
		metric.WithDescription("The cumulative number of bytes uploaded by flushes"),
		metric.WithUnit("By"))

	inodeEvictionCount, err9 := inodeMeter.Int64Counter("inode/eviction_count",
		metric.WithDescription("The cumulative number of inodes evicted from memory"))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8, err9); err != nil {
		return nil, err
	}

	return &otelMetrics{
		fsOpsCount:              fsOpsCount,
		fsOpsErrorCount:         fsOpsErrorCount,
		fsOpsLatency:            fsOpsLatency,
		fileCacheReadCount:      fileCacheReadCount,
		fileCacheReadBytesCount: fileCacheReadBytesCount,
		downloadBytesCount:      downloadBytesCount,
		downloadCount:           downloadCount,
		uploadBytesCount:        uploadBytesCount,
		inodeEvictionCount:      inodeEvictionCount,
	}, nil
}
