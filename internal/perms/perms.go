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

// Package perms picks the owner reported for every inode of a mount.
package perms

import (
	"fmt"
	"os"
)

func MyUserAndGroup() (uid, gid uint32, err error) {
	signedUID := os.Getuid()
	signedGID := os.Getgid()

	// The only documented scenario for negative ids is Windows.
	if signedGID < 0 || signedUID < 0 {
		err = fmt.Errorf("failed to get uid/gid. UID = %d, GID = %d", signedUID, signedGID)
		return
	}

	uid = uint32(signedUID)
	gid = uint32(signedGID)
	return
}

// ResolveOwner returns the configured uid and gid, substituting the
// process's own for negative values. asRoot reports that the process runs as
// root and no uid was configured, leaving every inode owned by root.
func ResolveOwner(configuredUID, configuredGID int64) (uid, gid uint32, asRoot bool, err error) {
	uid, gid, err = MyUserAndGroup()
	if err != nil {
		err = fmt.Errorf("MyUserAndGroup: %w", err)
		return
	}

	asRoot = uid == 0 && configuredUID < 0
	if configuredUID >= 0 {
		uid = uint32(configuredUID)
	}
	if configuredGID >= 0 {
		gid = uint32(configuredGID)
	}
	return
}
