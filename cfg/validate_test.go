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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Catalog: CatalogConfig{PoolSize: 4},
		FileCache: FileCacheConfig{
			MaxSizeMb:            1024,
			DownloadChunkSizeMb:  1,
			MaxParallelDownloads: 16,
		},
		InodeCache: InodeCacheConfig{
			MaxEntries:      1000,
			CleanerInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Format:    "json",
			Severity:  InfoLogSeverity,
			LogRotate: LogRotateLoggingConfig{MaxFileSizeMb: 512, BackupFileCount: 10},
		},
		Mount: MountConfig{UnmountGracePeriod: 10 * time.Second},
	}
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unlimited_file_cache", mutate: func(c *Config) { c.FileCache.MaxSizeMb = -1 }},
		{name: "file_cache_too_small", mutate: func(c *Config) { c.FileCache.MaxSizeMb = -2 }, wantErr: true},
		{name: "zero_chunk", mutate: func(c *Config) { c.FileCache.DownloadChunkSizeMb = 0 }, wantErr: true},
		{name: "zero_parallel_downloads", mutate: func(c *Config) { c.FileCache.MaxParallelDownloads = 0 }, wantErr: true},
		{name: "zero_inode_budget", mutate: func(c *Config) { c.InodeCache.MaxEntries = 0 }, wantErr: true},
		{name: "negative_cleaner_interval", mutate: func(c *Config) { c.InodeCache.CleanerInterval = -time.Second }, wantErr: true},
		{name: "bad_log_format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad_log_rotate", mutate: func(c *Config) { c.Logging.LogRotate.MaxFileSizeMb = 0 }, wantErr: true},
		{name: "bad_tracing_mode", mutate: func(c *Config) { c.Monitoring.ExperimentalTracingMode = "gcptrace" }, wantErr: true},
		{name: "bad_sampling_ratio", mutate: func(c *Config) { c.Monitoring.ExperimentalTracingSamplingRatio = 1.5 }, wantErr: true},
		{name: "bad_pool_size", mutate: func(c *Config) { c.Catalog.PoolSize = 0 }, wantErr: true},
		{name: "bad_prometheus_port", mutate: func(c *Config) { c.Metrics.PrometheusPort = 70000 }, wantErr: true},
		{name: "negative_grace_period", mutate: func(c *Config) { c.Mount.UnmountGracePeriod = -time.Second }, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)

			err := ValidateConfig(&c)

			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
