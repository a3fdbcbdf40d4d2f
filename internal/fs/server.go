// Copyright 2015 Google Inc. All Rights Reserved.
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

package fs

import (
	"context"
	"fmt"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/fs/wrappers"
)

// Server is the fuse server of one mount. Besides serving the kernel it
// reports on the handles the kernel holds.
type Server struct {
	fuse.Server
	fs      *fileSystem
	wrapped fuseutil.FileSystem
}

// FileSystem returns the file system served, wrappers included.
func (s *Server) FileSystem() fuseutil.FileSystem {
	return s.wrapped
}

// OpenFileHandles returns the number of file handles not yet released.
func (s *Server) OpenFileHandles() int {
	return s.fs.OpenFileHandles()
}

// ReleaseAll closes every handle still open, returning how many file
// handles it closed.
func (s *Server) ReleaseAll() int {
	return s.fs.ReleaseAll()
}

// Create a fuse file system server according to the supplied configuration.
func NewServer(ctx context.Context, cfg *ServerConfig) (*Server, error) {
	fs, err := NewFileSystem(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create file system: %w", err)
	}

	metricHandle := cfg.MetricHandle
	if metricHandle == nil {
		metricHandle = common.NewNoopMetrics()
	}

	var wrapped fuseutil.FileSystem = fs
	wrapped = wrappers.WithErrorMapping(wrapped)
	wrapped = wrappers.WithMonitoring(wrapped, metricHandle)
	if cfg.DebugFuse {
		wrapped = wrappers.WithDebugLogging(wrapped)
	}
	wrapped = wrappers.WithTracing(wrapped)
	if cfg.IgnoreInterrupts {
		wrapped = wrappers.WithIgnoreInterrupt(wrapped)
	}

	return &Server{
		Server:  fuseutil.NewFileSystemServer(wrapped),
		fs:      fs,
		wrapped: wrapped,
	}, nil
}
