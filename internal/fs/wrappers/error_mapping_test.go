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
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/internal/fs/handle"
	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// fakeFS answers lookups with err and remembers the context it saw.
type fakeFS struct {
	fuseutil.NotImplementedFileSystem
	err error
	ctx context.Context
}

func (fs *fakeFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.ctx = ctx
	return fs.err
}

type ErrorMapping struct {
	suite.Suite
}

func TestWithErrorMapping(testSuite *testing.T) {
	suite.Run(testSuite, new(ErrorMapping))
}

func (testSuite *ErrorMapping) TestNil() {
	assert.NoError(testSuite.T(), errno(nil))
}

func (testSuite *ErrorMapping) TestErrnoPassesThrough() {
	assert.Equal(testSuite.T(), syscall.EBADF, errno(fmt.Errorf("unknown handle: %w", syscall.EBADF)))
}

func (testSuite *ErrorMapping) TestDomainErrors() {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{fmt.Errorf("looking up: %w", inode.ErrNotFound), syscall.ENOENT},
		{remote.ErrNotFound, syscall.ENOENT},
		{inode.ErrExists, syscall.EEXIST},
		{remote.ErrExists, syscall.EEXIST},
		{inode.ErrNotEmpty, syscall.ENOTEMPTY},
		{remote.ErrNotEmpty, syscall.ENOTEMPTY},
		{inode.ErrIsDir, syscall.EISDIR},
		{inode.ErrNotDir, syscall.ENOTDIR},
		{inode.ErrReadOnly, syscall.EROFS},
		{handle.ErrClosed, syscall.EBADF},
		{context.Canceled, syscall.EINTR},
		{fmt.Errorf("%w: denied", handle.ErrFlushFailed), syscall.EIO},
		{errors.New("taco"), syscall.EIO},
	}

	for _, tc := range tests {
		assert.Equal(testSuite.T(), tc.want, errno(tc.err), "%v", tc.err)
	}
}

func (testSuite *ErrorMapping) TestWrapper() {
	inner := &fakeFS{err: inode.ErrNotFound}
	fs := WithErrorMapping(inner)

	err := fs.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{Name: "a"})

	assert.Equal(testSuite.T(), syscall.ENOENT, err)
}

func (testSuite *ErrorMapping) TestUnwrappedOpReachesInner() {
	fs := WithErrorMapping(&fakeFS{})

	err := fs.MkNode(context.Background(), &fuseops.MkNodeOp{})

	assert.Equal(testSuite.T(), syscall.ENOSYS, err)
}
