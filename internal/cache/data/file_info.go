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

package data

import (
	"errors"
	"os"

	"github.com/nodemount/nodemount/internal/remote"
)

const InvalidKeyAttributes = "key attributes not initialised"

// FileInfoKey identifies one version of one file's content.
type FileInfoKey struct {
	Handle      remote.Handle
	Fingerprint string
}

// Key will return a string, combining all the attributes of FileInfoKey.
// Returns error in case of uninitialized value.
func (fik FileInfoKey) Key() (string, error) {
	if fik.Handle == "" || fik.Fingerprint == "" {
		return "", errors.New(InvalidKeyAttributes)
	}
	return string(fik.Handle) + "\x00" + fik.Fingerprint, nil
}

func (fik FileInfoKey) String() string {
	return string(fik.Handle) + "@" + fik.Fingerprint
}

type FileSpec struct {
	Path     string
	FilePerm os.FileMode
	DirPerm  os.FileMode
}
