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

package fake

import (
	"bytes"
	"context"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadReplacingFileAssignsNewHandle(t *testing.T) {
	c := NewClient(timeutil.RealClock())
	old := c.AddFile(RootHandle, "f", []byte("abc"))

	e, err := c.Upload(context.Background(), remote.UploadRequest{
		Handle:  old,
		Content: bytes.NewReader([]byte("defg")),
		Size:    4,
	})

	require.NoError(t, err)
	assert.NotEqual(t, old, e.Handle)
	assert.Equal(t, "f", e.Name)
	assert.Equal(t, Fingerprint([]byte("defg")), e.Fingerprint)
	assert.Nil(t, c.Content(old))
	assert.Equal(t, e.Handle, c.Child(RootHandle, "f"))
}

func TestDownloadTruncatesAtEnd(t *testing.T) {
	c := NewClient(timeutil.RealClock())
	h := c.AddFile(RootHandle, "f", []byte("abc"))

	b, err := c.Download(context.Background(), h, remote.ByteRange{Start: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "bc", string(b))

	b, err = c.Download(context.Background(), h, remote.ByteRange{Start: 5, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestRemoveNonEmptyDirectory(t *testing.T) {
	c := NewClient(timeutil.RealClock())
	d := c.AddDirectory(RootHandle, "d")
	c.AddFile(d, "f", nil)

	err := c.Remove(context.Background(), d)

	assert.ErrorIs(t, err, remote.ErrNotEmpty)
}

func TestListHookFailure(t *testing.T) {
	c := NewClient(timeutil.RealClock())
	c.ListHook = func(remote.Handle) error { return assert.AnError }

	_, err := c.ListChildren(context.Background(), RootHandle)

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, c.ListCalls(RootHandle))
}
