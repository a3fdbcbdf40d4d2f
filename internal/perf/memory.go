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

// Package perf dumps runtime profiles of a running daemon on request.
package perf

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/nodemount/nodemount/internal/logger"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

// Profiles written on signal, keyed by the signal that requests them.
var signalProfiles = map[os.Signal]string{
	syscall.SIGUSR1: "goroutine",
	syscall.SIGUSR2: "heap",
}

// WriteProfile writes the named runtime profile to a fresh file in dir and
// returns its path.
func WriteProfile(dir, name string) (path string, err error) {
	p := pprof.Lookup(name)
	if p == nil {
		err = fmt.Errorf("no profile named %q", name)
		return
	}

	// Collect garbage first so that heap numbers are current.
	if name == "heap" {
		runtime.GC()
	}

	path = filepath.Join(dir, fmt.Sprintf("nodemount-%s-%d.pprof", name, time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		err = fmt.Errorf("Create: %w", err)
		return
	}

	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if err = p.WriteTo(f, 0); err != nil {
		err = fmt.Errorf("WriteTo: %w", err)
		return
	}
	return
}

// HandleProfileSignals writes a goroutine profile into dir on SIGUSR1 and a
// heap profile on SIGUSR2. It does not return.
func HandleProfileSignals(dir string) {
	c := make(chan os.Signal, 1)
	for sig := range signalProfiles {
		signal.Notify(c, sig)
	}

	for sig := range c {
		name := signalProfiles[sig]
		if name == "heap" {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			logger.Infof("Heap allocation: %d MiB", m.Alloc/MiB)
		}

		path, err := WriteProfile(dir, name)
		if err != nil {
			logger.Errorf("Error writing %s profile: %v", name, err)
			continue
		}
		logger.Infof("Wrote %s profile to %s.", name, path)
	}
}
