// Copyright 2020 Google LLC
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

package wrappers

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/common"
)

// errnoCategories keeps the cardinality of the fs_error_count metric low.
var errnoCategories = map[syscall.Errno]string{
	syscall.ENOTEMPTY: "DIR_NOT_EMPTY",
	syscall.EEXIST:    "FILE_EXISTS",
	syscall.EBADF:     "FILE_DIR_ERROR",
	syscall.EFBIG:     "FILE_DIR_ERROR",
	syscall.EISDIR:    "FILE_DIR_ERROR",
	syscall.ENOSYS:    "NOT_IMPLEMENTED",
	syscall.ENOTSUP:   "NOT_IMPLEMENTED",
	syscall.EIO:       "IO_ERROR",
	syscall.ECANCELED: "INTERRUPT_ERROR",
	syscall.EINTR:     "INTERRUPT_ERROR",
	syscall.EINVAL:    "INVALID_ARGUMENT",
	syscall.ENOENT:    "NO_FILE_OR_DIR",
	syscall.ENOTDIR:   "NOT_A_DIR",
	syscall.EACCES:    "PERM_ERROR",
	syscall.EPERM:     "PERM_ERROR",
	syscall.EROFS:     "PERM_ERROR",
	syscall.ENOSPC:    "NO_SPACE",
	syscall.EDQUOT:    "NO_SPACE",
	syscall.ESTALE:    "STALE_HANDLE",
}

// categorize names the category of an error that has already been mapped to
// an errno. Anything that is not an errno counts as an I/O error.
func categorize(err error) string {
	if err == nil {
		return ""
	}
	errno := syscall.EIO
	errors.As(err, &errno)
	if c, ok := errnoCategories[errno]; ok {
		return c
	}
	return "MISC_ERROR"
}

// recordOp counts the operation, its failure if any, and its latency in
// microseconds.
func recordOp(ctx context.Context, metricHandle common.MetricHandle, method string, start time.Time, fsErr error) {
	metricHandle.OpsCount(ctx, 1, method)

	if fsErr != nil {
		metricHandle.OpsErrorCount(ctx, 1, method, categorize(fsErr))
	}
	metricHandle.OpsLatency(ctx, float64(time.Since(start).Microseconds()), method)
}

// WithMonitoring takes a FileSystem, returns a FileSystem with monitoring
// on the counts of requests per API.
func WithMonitoring(fs fuseutil.FileSystem, metricHandle common.MetricHandle) fuseutil.FileSystem {
	return wrap(fs, func(ctx context.Context, opName string, _ any, w wrappedCall) error {
		startTime := time.Now()
		err := w(ctx)
		recordOp(ctx, metricHandle, opName, startTime, err)
		return err
	})
}
