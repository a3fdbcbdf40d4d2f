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
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name"`

	Catalog CatalogConfig `yaml:"catalog"`

	Debug DebugConfig `yaml:"debug"`

	FileCache FileCacheConfig `yaml:"file-cache"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Foreground bool `yaml:"foreground"`

	InodeCache InodeCacheConfig `yaml:"inode-cache"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`

	Monitoring MonitoringConfig `yaml:"monitoring"`

	Mount MountConfig `yaml:"mount"`

	Remote RemoteConfig `yaml:"remote"`
}

type CatalogConfig struct {
	Path ResolvedPath `yaml:"path"`

	PoolSize int64 `yaml:"pool-size"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	Fuse bool `yaml:"fuse"`

	LogMutex bool `yaml:"log-mutex"`
}

type FileCacheConfig struct {
	CacheDir ResolvedPath `yaml:"cache-dir"`

	DownloadChunkSizeMb int64 `yaml:"download-chunk-size-mb"`

	MaxParallelDownloads int64 `yaml:"max-parallel-downloads"`

	MaxSizeMb int64 `yaml:"max-size-mb"`
}

type FileSystemConfig struct {
	DirMode Octal `yaml:"dir-mode"`

	FileMode Octal `yaml:"file-mode"`

	FuseOptions []string `yaml:"fuse-options"`

	Gid int64 `yaml:"gid"`

	IgnoreInterrupts bool `yaml:"ignore-interrupts"`

	KernelAttrTtl time.Duration `yaml:"kernel-attr-ttl"`

	Uid int64 `yaml:"uid"`
}

type InodeCacheConfig struct {
	CleanerAgeThreshold time.Duration `yaml:"cleaner-age-threshold"`

	CleanerInterval time.Duration `yaml:"cleaner-interval"`

	MaxEntries int64 `yaml:"max-entries"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Format string `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`

	Severity LogSeverity `yaml:"severity"`
}

type MetricsConfig struct {
	PrometheusPort int64 `yaml:"prometheus-port"`
}

type MonitoringConfig struct {
	ExperimentalTracingMode string `yaml:"experimental-tracing-mode"`

	ExperimentalTracingSamplingRatio float64 `yaml:"experimental-tracing-sampling-ratio"`
}

type MountConfig struct {
	UnmountGracePeriod time.Duration `yaml:"unmount-grace-period"`
}

type RemoteConfig struct {
	Bucket string `yaml:"bucket"`

	CustomEndpoint string `yaml:"custom-endpoint"`

	KeyFile ResolvedPath `yaml:"key-file"`

	LimitBytesPerSec float64 `yaml:"limit-bytes-per-sec"`

	LimitOpsPerSec float64 `yaml:"limit-ops-per-sec"`

	MaxRetrySleep time.Duration `yaml:"max-retry-sleep"`

	RetryMultiplier float64 `yaml:"retry-multiplier"`
}

func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this process.")

	err = v.BindPFlag("app-name", flagSet.Lookup("app-name"))
	if err != nil {
		return err
	}

	flagSet.StringP("catalog-path", "", "", "Path of the catalog database holding mounts, inodes and cache metadata. Defaults to catalog.db inside the cache directory.")

	err = v.BindPFlag("catalog.path", flagSet.Lookup("catalog-path"))
	if err != nil {
		return err
	}

	flagSet.IntP("catalog-pool-size", "", 4, "Number of pooled connections to the catalog database.")

	err = v.BindPFlag("catalog.pool-size", flagSet.Lookup("catalog-pool-size"))
	if err != nil {
		return err
	}

	flagSet.StringP("cache-dir", "", "", "Directory holding cached file content. Defaults to the user cache directory.")

	err = v.BindPFlag("file-cache.cache-dir", flagSet.Lookup("cache-dir"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	err = v.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_fuse", "", false, "Log every file system operation with its result.")

	err = v.BindPFlag("debug.fuse", flagSet.Lookup("debug_fuse"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	err = v.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	flagSet.StringP("dir-mode", "", "755", "Permissions bits for directories, in octal.")

	err = v.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode"))
	if err != nil {
		return err
	}

	flagSet.IntP("download-chunk-size-mb", "", 1, "Size of each ranged download issued on a cache miss, in MiB.")

	err = v.BindPFlag("file-cache.download-chunk-size-mb", flagSet.Lookup("download-chunk-size-mb"))
	if err != nil {
		return err
	}

	flagSet.StringP("experimental-tracing-mode", "", "", "Experimental: specify tracing mode. Values: '' (off) or 'stdout'.")

	err = v.BindPFlag("monitoring.experimental-tracing-mode", flagSet.Lookup("experimental-tracing-mode"))
	if err != nil {
		return err
	}

	flagSet.Float64P("experimental-tracing-sampling-ratio", "", 0, "Experimental: the fraction of operations that are traced.")

	err = v.BindPFlag("monitoring.experimental-tracing-sampling-ratio", flagSet.Lookup("experimental-tracing-sampling-ratio"))
	if err != nil {
		return err
	}

	flagSet.StringP("file-mode", "", "644", "Permissions bits for files, in octal.")

	err = v.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.IntP("file-cache-max-size-mb", "", 1024, "Maximum size of the file content cache in MiB. -1 means unlimited.")

	err = v.BindPFlag("file-cache.max-size-mb", flagSet.Lookup("file-cache-max-size-mb"))
	if err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")

	err = v.BindPFlag("foreground", flagSet.Lookup("foreground"))
	if err != nil {
		return err
	}

	flagSet.IntP("gid", "", -1, "GID owner of all inodes.")

	err = v.BindPFlag("file-system.gid", flagSet.Lookup("gid"))
	if err != nil {
		return err
	}

	flagSet.BoolP("ignore-interrupts", "", true, "Keep serving file system operations interrupted by the kernel, e.g. by Ctrl-C.")

	err = v.BindPFlag("file-system.ignore-interrupts", flagSet.Lookup("ignore-interrupts"))
	if err != nil {
		return err
	}

	flagSet.DurationP("inode-cache-cleaner-age-threshold", "", 10*time.Minute, "Inodes unused for longer than this are eligible for background eviction.")

	err = v.BindPFlag("inode-cache.cleaner-age-threshold", flagSet.Lookup("inode-cache-cleaner-age-threshold"))
	if err != nil {
		return err
	}

	flagSet.DurationP("inode-cache-cleaner-interval", "", time.Minute, "How often the background inode cache cleaner runs. 0 disables it.")

	err = v.BindPFlag("inode-cache.cleaner-interval", flagSet.Lookup("inode-cache-cleaner-interval"))
	if err != nil {
		return err
	}

	flagSet.IntP("inode-cache-max-entries", "", 100000, "Entry budget of the in-memory inode cache.")

	err = v.BindPFlag("inode-cache.max-entries", flagSet.Lookup("inode-cache-max-entries"))
	if err != nil {
		return err
	}

	flagSet.DurationP("kernel-attr-ttl", "", time.Second, "How long the kernel may cache inode attributes.")

	err = v.BindPFlag("file-system.kernel-attr-ttl", flagSet.Lookup("kernel-attr-ttl"))
	if err != nil {
		return err
	}

	flagSet.StringP("key-file", "", "", "Absolute path to JSON key file for use with the remote. Default is application default credentials.")

	err = v.BindPFlag("remote.key-file", flagSet.Lookup("key-file"))
	if err != nil {
		return err
	}

	flagSet.Float64P("limit-bytes-per-sec", "", -1, "Bandwidth limit for content transferred to and from the remote backend, in bytes per second. -1 means no limit.")

	err = v.BindPFlag("remote.limit-bytes-per-sec", flagSet.Lookup("limit-bytes-per-sec"))
	if err != nil {
		return err
	}

	flagSet.Float64P("limit-ops-per-sec", "", -1, "Operations per second limit against the remote backend. -1 means no limit.")

	err = v.BindPFlag("remote.limit-ops-per-sec", flagSet.Lookup("limit-ops-per-sec"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "The file for storing logs that can be parsed by fluentd. When not provided, logs go to stdout.")

	err = v.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "The format of the log file: 'text' or 'json'.")

	err = v.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Specifies the logging severity expressed as one of [trace, debug, info, warning, error, off]")

	err = v.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.IntP("max-parallel-downloads", "", 16, "Maximum number of ranged downloads in flight at once.")

	err = v.BindPFlag("file-cache.max-parallel-downloads", flagSet.Lookup("max-parallel-downloads"))
	if err != nil {
		return err
	}

	flagSet.DurationP("max-retry-sleep", "", 30*time.Second, "The maximum duration allowed to sleep in a retry loop with exponential backoff.")

	err = v.BindPFlag("remote.max-retry-sleep", flagSet.Lookup("max-retry-sleep"))
	if err != nil {
		return err
	}

	flagSet.StringSliceP("o", "", []string{}, "Additional system-specific mount options.")

	err = v.BindPFlag("file-system.fuse-options", flagSet.Lookup("o"))
	if err != nil {
		return err
	}

	flagSet.IntP("prometheus-port", "", 0, "Expose Prometheus metrics endpoint on this port. 0 disables it.")

	err = v.BindPFlag("metrics.prometheus-port", flagSet.Lookup("prometheus-port"))
	if err != nil {
		return err
	}

	flagSet.StringP("remote-bucket", "", "", "Name of the bucket backing the remote node tree.")

	err = v.BindPFlag("remote.bucket", flagSet.Lookup("remote-bucket"))
	if err != nil {
		return err
	}

	flagSet.StringP("remote-endpoint", "", "", "Alternate endpoint for the remote backend, mostly for testing.")

	err = v.BindPFlag("remote.custom-endpoint", flagSet.Lookup("remote-endpoint"))
	if err != nil {
		return err
	}

	flagSet.Float64P("retry-multiplier", "", 2, "Multiplier of the retry backoff between consecutive attempts.")

	err = v.BindPFlag("remote.retry-multiplier", flagSet.Lookup("retry-multiplier"))
	if err != nil {
		return err
	}

	flagSet.IntP("uid", "", -1, "UID owner of all inodes.")

	err = v.BindPFlag("file-system.uid", flagSet.Lookup("uid"))
	if err != nil {
		return err
	}

	flagSet.DurationP("unmount-grace-period", "", 10*time.Second, "How long deactivation waits for open file handles before closing them forcibly.")

	err = v.BindPFlag("mount.unmount-grace-period", flagSet.Lookup("unmount-grace-period"))
	if err != nil {
		return err
	}

	return nil
}
