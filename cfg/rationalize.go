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

package cfg

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultLogRotateMaxFileSizeMb   = 512
	defaultLogRotateBackupFileCount = 10
	defaultCatalogFileName          = "catalog.db"
)

// Overridden in tests.
var (
	defaultUserCacheDir = os.UserCacheDir
	userCacheDir        = defaultUserCacheDir
)

func resolveCacheDir(c *FileCacheConfig) error {
	if c.CacheDir != "" {
		return nil
	}
	dir, err := userCacheDir()
	if err != nil {
		return fmt.Errorf("resolving user cache dir: %w", err)
	}
	c.CacheDir = ResolvedPath(filepath.Join(dir, "nodemount"))
	return nil
}

func resolveLoggingConfig(c *LoggingConfig) {
	if c.Severity == "" {
		c.Severity = InfoLogSeverity
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.LogRotate.MaxFileSizeMb == 0 {
		c.LogRotate.MaxFileSizeMb = defaultLogRotateMaxFileSizeMb
	}
	if c.LogRotate.BackupFileCount == 0 {
		c.LogRotate.BackupFileCount = defaultLogRotateBackupFileCount
	}
}

// Rationalize updates the config fields based on the values of other fields.
func Rationalize(c *Config) error {
	if err := resolveCacheDir(&c.FileCache); err != nil {
		return err
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = ResolvedPath(filepath.Join(string(c.FileCache.CacheDir), defaultCatalogFileName))
	}

	resolveLoggingConfig(&c.Logging)

	// Mutex diagnostics are emitted at debug level.
	if c.Debug.LogMutex && c.Logging.Severity.Rank() > DebugLogSeverity.Rank() {
		c.Logging.Severity = DebugLogSeverity
	}
	return nil
}
