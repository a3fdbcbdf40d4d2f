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
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jacobsa/fuse/fsutil"
	"github.com/nodemount/nodemount/internal/cache/data"
	"github.com/zeebo/blake3"
)

const (
	MiB             = 1024 * 1024
	KiB             = 1024
	DefaultFilePerm = os.FileMode(0600)
	DefaultDirPerm  = os.FileMode(0700)
	FileCache       = "file-cache"
)

// CreateFile creates file with given file spec i.e. permissions and returns
// file handle for that file opened with given flag.
//
// Note: If directories in path are not present, they are created with
// directory permissions provided in fileSpec.
func CreateFile(fileSpec data.FileSpec, flag int) (file *os.File, err error) {
	fileDir := filepath.Dir(fileSpec.Path)
	err = os.MkdirAll(fileDir, fileSpec.DirPerm)
	if err != nil {
		err = fmt.Errorf("error in creating directory structure %s: %w", fileDir, err)
		return
	}

	file, err = os.OpenFile(fileSpec.Path, flag|os.O_CREATE, fileSpec.FilePerm)
	if err != nil {
		err = fmt.Errorf("error in creating file %s: %w", fileSpec.Path, err)
		return
	}
	return
}

// GetDownloadPath returns the path inside cacheDir holding the content for
// the given cache key. Files are spread over 256 subdirectories by the first
// byte of the key's BLAKE3 hash.
func GetDownloadPath(cacheDir string, key string) string {
	sum := blake3.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(cacheDir, FileCache, name[:2], name)
}

// CopyFile copies the first n bytes of src into a new file at dst.Path,
// truncating any file already there.
func CopyFile(src string, dst data.FileSpec, n int64) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("CopyFile: %w", err)
	}
	defer in.Close()

	out, err := CreateFile(dst, os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("CopyFile: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("CopyFile: %w", closeErr)
		}
	}()

	if _, err = io.Copy(out, io.LimitReader(in, n)); err != nil {
		return fmt.Errorf("CopyFile: %w", err)
	}

	// Keep the logical size even when the tail of src is a hole.
	return out.Truncate(n)
}

// RemoveFile truncates and then removes the file, so that even if there are
// open file handles and linux doesn't delete the file, it takes no space.
// A missing file is not an error.
func RemoveFile(path string) error {
	if err := os.Truncate(path, 0); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("while truncating file: %s, error: %w", path, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("while deleting file: %s, error: %w", path, err)
	}

	return nil
}

// CreateCacheDirectoryIfNotPresentAt Creates directory at given path with
// provided permissions in case not already present, returns error in case
// unable to create directory or directory is not writable.
func CreateCacheDirectoryIfNotPresentAt(dirPath string, dirPerm os.FileMode) error {
	_, statErr := os.Stat(dirPath)

	if os.IsNotExist(statErr) {
		err := os.MkdirAll(dirPath, dirPerm)
		if err != nil {
			return fmt.Errorf("error in creating directory structure %s: %v", dirPath, err)
		}
	}

	f, err := fsutil.AnonymousFile(dirPath)
	if err != nil {
		return fmt.Errorf(
			"error creating file at directory (%s), error : (%v)", dirPath, err.Error())
	}

	tempFileErr := f.Close()
	if tempFileErr != nil {
		return fmt.Errorf(
			"error closing annonymous temp file, error : (%v)", tempFileErr.Error())
	}

	return nil
}
