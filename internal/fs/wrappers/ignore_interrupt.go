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

package wrappers

import (
	"context"
	"slices"

	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/common"
)

// Add a fuseop to this list if it needs to ignore interrupts
var fsOpsIgnoringInterrupts = []string{
	common.OpLookUpInode,
	common.OpGetInodeAttributes,
	common.OpSetInodeAttributes,
	common.OpMkDir,
	common.OpCreateFile,
	common.OpRmDir,
	common.OpRename,
	common.OpUnlink,
	common.OpReadDir,
	common.OpReadFile,
	common.OpWriteFile,
	common.OpSyncFile,
	common.OpFlushFile,
}

// WithIgnoreInterrupt wraps a FileSystem so that the listed operations keep
// running when the kernel interrupts them. Request-scoped values such as the
// trace span survive.
func WithIgnoreInterrupt(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return wrap(wrapped, func(ctx context.Context, opName string, _ any, w wrappedCall) error {
		if slices.Contains(fsOpsIgnoringInterrupts, opName) {
			ctx = context.WithoutCancel(ctx)
		}
		return w(ctx)
	})
}
