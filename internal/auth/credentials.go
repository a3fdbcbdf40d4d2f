// Copyright 2025 Google LLC
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

// Package auth finds the credentials used to reach the remote bucket.
package auth

import (
	"fmt"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
)

type detectFn func(opts *credentials.DetectOptions) (*auth.Credentials, error)

// Mounts write back through the same credentials, so ask for full control.
const scope = storage.ScopeFullControl

// GetCredentials loads the service account key in keyFile, or the
// application default credentials when keyFile is empty.
func GetCredentials(keyFile string) (*auth.Credentials, error) {
	return getCredentials(keyFile, credentials.DetectDefault)
}

func getCredentials(keyFile string, detect detectFn) (*auth.Credentials, error) {
	opts := &credentials.DetectOptions{
		CredentialsFile: keyFile,
		Scopes:          []string{scope},
	}

	creds, err := detect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to detect credentials: %w", err)
	}
	return creds, nil
}
