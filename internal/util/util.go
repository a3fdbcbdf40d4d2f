// Copyright 2023 Google Inc. All Rights Reserved.
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
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// PARENT_PROCESS_DIR is the env var through which the foreground process
// hands its working directory to the daemon.
const PARENT_PROCESS_DIR = "NODEMOUNT_PARENT_PROCESS_DIR"

const MaxMiBsInUint64 uint64 = math.MaxUint64 >> 20

// 1. Returns the same filepath in case of absolute path or empty filename.
// 2. For child process, it resolves relative path like, ./test.txt, test.txt
// ../test.txt etc, with respect to PARENT_PROCESS_DIR because the daemon runs
// from a different directory and input files are given relative to the
// parent.
// 3. For relative path starting with ~, it resolves with respect to home dir.
func GetResolvedPath(filePath string) (resolvedPath string, err error) {
	if filePath == "" || path.IsAbs(filePath) {
		resolvedPath = filePath
		return
	}

	if strings.HasPrefix(filePath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("fetch home dir: %w", err)
		}
		return filepath.Join(homeDir, filePath[2:]), err
	}

	parentProcessDir, _ := os.LookupEnv(PARENT_PROCESS_DIR)
	parentProcessDir = strings.TrimSpace(parentProcessDir)
	if parentProcessDir == "" {
		return filepath.Abs(filePath)
	}
	return filepath.Join(parentProcessDir, filePath), nil
}

// MiBsToBytes returns the bytes equivalent of given no.s of MiBs (Mibi Bytes).
// It panics for inputs above 2^44-1.
func MiBsToBytes(mibs uint64) uint64 {
	if mibs > MaxMiBsInUint64 {
		panic("Inputs above (2^44 - 1) not supported.")
	}
	return mibs << 20
}
