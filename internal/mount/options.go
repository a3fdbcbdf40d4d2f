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

package mount

import (
	"log/slog"
	"strings"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/internal/fs/inode"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/mountdb"
	"github.com/nodemount/nodemount/internal/perms"
)

const (
	fsSubtype = "nodemount"

	// DefaultGracePeriod bounds how long Deactivate waits for the kernel to
	// release open files.
	DefaultGracePeriod = 10 * time.Second
)

// Options tune every mount instantiated by one process.
type Options struct {
	Inodes inode.Config

	// How long the kernel may cache attributes and entries.
	AttributeTTL time.Duration

	// Directory whose volume StatFS reports on.
	CacheDir string

	// Extra mount(2) options, as parsed by ParseOptions.
	FuseOptions map[string]string

	GracePeriod      time.Duration
	IgnoreInterrupts bool
	DebugFuse        bool
}

// OptionsFromConfig derives mount options from the process configuration.
func OptionsFromConfig(c *cfg.Config) (Options, error) {
	uid, gid, asRoot, err := perms.ResolveOwner(c.FileSystem.Uid, c.FileSystem.Gid)
	if err != nil {
		return Options{}, err
	}
	if asRoot {
		logger.Warnf("nodemount invoked as root. This will cause all files to be owned by root. " +
			"If this is not what you intended, set --uid or run as the user that will be " +
			"interacting with the file system.")
	}

	// Handle the repeated "-o" flag.
	parsedOptions := make(map[string]string)
	for _, o := range c.FileSystem.FuseOptions {
		ParseOptions(parsedOptions, o)
	}

	return Options{
		Inodes: inode.Config{
			Attributes: inode.Attributes{
				Uid:      uid,
				Gid:      gid,
				FileMode: c.FileSystem.FileMode.Perm(),
				DirMode:  c.FileSystem.DirMode.Perm(),
			},
			MaxEntries:          int(c.InodeCache.MaxEntries),
			CleanerInterval:     c.InodeCache.CleanerInterval,
			CleanerAgeThreshold: c.InodeCache.CleanerAgeThreshold,
		},
		AttributeTTL:     c.FileSystem.KernelAttrTtl,
		CacheDir:         string(c.FileCache.CacheDir),
		FuseOptions:      parsedOptions,
		GracePeriod:      c.Mount.UnmountGracePeriod,
		IgnoreInterrupts: c.FileSystem.IgnoreInterrupts,
		DebugFuse:        c.Debug.Fuse,
	}, nil
}

// ParseOptions parse an option string in the format accepted by mount(8) and
// generated for its external mount helpers.
//
// It is assumed that option name and values do not contain commas, and that
// the first equals sign in an option is the name/value separator. There is no
// support for escaping.
//
// For example, if the input is
//
//	user,foo=bar=baz,qux
//
// then the following will be inserted into the map.
//
//	"user": "",
//	"foo": "bar=baz",
//	"qux": "",
func ParseOptions(m map[string]string, s string) {
	for _, p := range strings.Split(s, ",") {
		var name string
		var value string

		// Split on the first equals sign.
		if equalsIndex := strings.IndexByte(p, '='); equalsIndex != -1 {
			name = p[:equalsIndex]
			value = p[equalsIndex+1:]
		} else {
			name = p
		}

		m[name] = value
	}
}

func getFuseMountConfig(rec mountdb.Mount, opts Options) *fuse.MountConfig {
	options := make(map[string]string, len(opts.FuseOptions))
	for k, v := range opts.FuseOptions {
		options[k] = v
	}

	return &fuse.MountConfig{
		FSName:      rec.Name,
		Subtype:     fsSubtype,
		VolumeName:  rec.Name,
		ReadOnly:    rec.ReadOnly,
		Options:     options,
		ErrorLogger: slog.NewLogLogger(logger.NewLogger("fuse: ").Handler(), slog.LevelError),
	}
}
