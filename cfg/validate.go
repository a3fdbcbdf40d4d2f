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
)

const (
	FileCacheMaxSizeMBInvalidValueError   = "the value of max-size-mb for file-cache can't be less than -1"
	DownloadChunkSizeMBInvalidValueError  = "the value of download-chunk-size-mb for file-cache should be at least 1"
	MaxParallelDownloadsInvalidValueError = "the value of max-parallel-downloads for file-cache should be at least 1"
	InodeCacheMaxEntriesInvalidValueError = "the value of max-entries for inode-cache should be at least 1"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidLogFormat(format string) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported log format %q, must be text or json", format)
	}
	return nil
}

func isValidFileCacheConfig(c *FileCacheConfig) error {
	if c.MaxSizeMb < -1 {
		return fmt.Errorf(FileCacheMaxSizeMBInvalidValueError)
	}
	if c.DownloadChunkSizeMb < 1 {
		return fmt.Errorf(DownloadChunkSizeMBInvalidValueError)
	}
	if c.MaxParallelDownloads < 1 {
		return fmt.Errorf(MaxParallelDownloadsInvalidValueError)
	}
	return nil
}

func isValidInodeCacheConfig(c *InodeCacheConfig) error {
	if c.MaxEntries < 1 {
		return fmt.Errorf(InodeCacheMaxEntriesInvalidValueError)
	}
	if c.CleanerInterval < 0 || c.CleanerAgeThreshold < 0 {
		return fmt.Errorf("inode-cache cleaner durations can't be negative")
	}
	return nil
}

func isValidMonitoringConfig(c *MonitoringConfig) error {
	switch c.ExperimentalTracingMode {
	case "", "stdout":
	default:
		return fmt.Errorf("unsupported tracing mode %q", c.ExperimentalTracingMode)
	}
	if c.ExperimentalTracingSamplingRatio < 0 || c.ExperimentalTracingSamplingRatio > 1 {
		return fmt.Errorf("experimental-tracing-sampling-ratio should be within [0, 1]")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err = isValidLogFormat(config.Logging.Format); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}

	if err = isValidFileCacheConfig(&config.FileCache); err != nil {
		return fmt.Errorf("error parsing file-cache config: %w", err)
	}

	if err = isValidInodeCacheConfig(&config.InodeCache); err != nil {
		return fmt.Errorf("error parsing inode-cache config: %w", err)
	}

	if err = isValidMonitoringConfig(&config.Monitoring); err != nil {
		return fmt.Errorf("error parsing monitoring config: %w", err)
	}

	if config.Catalog.PoolSize < 1 {
		return fmt.Errorf("catalog pool-size should be at least 1")
	}

	if config.Metrics.PrometheusPort < 0 || config.Metrics.PrometheusPort > 65535 {
		return fmt.Errorf("prometheus-port %d is out of range", config.Metrics.PrometheusPort)
	}

	if config.Mount.UnmountGracePeriod < 0 {
		return fmt.Errorf("unmount-grace-period can't be negative")
	}

	return nil
}
