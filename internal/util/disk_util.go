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

package util

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// VolumeStats describes the file system holding a path.
type VolumeStats struct {
	BlockSize       uint32
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Inodes          uint64
	InodesFree      uint64
}

// GetVolumeStats returns the statfs numbers of the file system containing the
// given path.
func GetVolumeStats(path string) (VolumeStats, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return VolumeStats{}, fmt.Errorf("failed to get stats for path %q: %w", path, err)
	}
	return VolumeStats{
		BlockSize:       uint32(stat.Bsize),
		Blocks:          stat.Blocks,
		BlocksFree:      stat.Bfree,
		BlocksAvailable: stat.Bavail,
		Inodes:          stat.Files,
		InodesFree:      stat.Ffree,
	}, nil
}

// RemoveEmptyDirs recursively removes all empty subdirectories within the given directory.
// It does not remove the given directory itself.
func RemoveEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			fullPath := filepath.Join(dir, entry.Name())
			RemoveEmptyDirs(fullPath)
			_ = os.Remove(fullPath)
		}
	}
}
