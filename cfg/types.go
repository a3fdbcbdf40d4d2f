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
	"slices"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/nodemount/nodemount/internal/util"
)

// DecodeHook converts config file and flag strings into the typed fields of
// Config. Types implementing encoding.TextUnmarshaler decode themselves.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		// fuse-options may be given as "a,b" in yaml as well as repeated flags.
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Octal holds a permission value written in base 8, e.g. file-mode: "640".
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 8, 32)
	if err != nil {
		return fmt.Errorf("%q is not an octal mode: %w", text, err)
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// Perm returns the permission bits of o.
func (o Octal) Perm() os.FileMode {
	return os.FileMode(o).Perm()
}

// LogSeverity is one of TRACE, DEBUG, INFO, WARNING, ERROR or OFF, in
// increasing order of severity.
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severities = []LogSeverity{
	TraceLogSeverity,
	DebugLogSeverity,
	InfoLogSeverity,
	WarningLogSeverity,
	ErrorLogSeverity,
	OffLogSeverity,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(strings.TrimSpace(string(text))))
	if level.Rank() < 0 {
		return fmt.Errorf("invalid log severity level: %s. Must be one of %v", text, severities)
	}
	*l = level
	return nil
}

// Rank orders severities from TRACE (0) to OFF. Unknown severities rank -1.
func (l LogSeverity) Rank() int {
	return slices.Index(severities, l)
}

// ResolvedPath is an absolute path. Relative input is resolved against
// NODEMOUNT_PARENT_PROCESS_DIR when set, so a daemon sees the paths its
// invoking shell meant.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	path, err := util.GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(path)
	return nil
}
