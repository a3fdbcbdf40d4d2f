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

// Mounts directories of a remote node tree as local file systems.
//
// Usage:
//
//	nodemount mounts add NAME ROOT-HANDLE PATH
//	nodemount [flags] mount [NAME...]
package main

import (
	"log"
	"os"
	"runtime/debug"

	"github.com/nodemount/nodemount/cmd"
	"github.com/nodemount/nodemount/internal/logger"
)

func logPanic() {
	if r := recover(); r != nil {
		logger.Errorf("Panic: %v\n%s", r, debug.Stack())
		os.Exit(1)
	}
}

func main() {
	defer logPanic()

	// Make logging output better.
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cmd.Execute()
}
