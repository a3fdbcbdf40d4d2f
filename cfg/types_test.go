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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctalUnmarshalText(t *testing.T) {
	var o Octal

	require.NoError(t, o.UnmarshalText([]byte("755")))

	assert.Equal(t, Octal(0755), o)
	text, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "755", string(text))
}

func TestOctalRejectsNonOctal(t *testing.T) {
	var o Octal

	assert.Error(t, o.UnmarshalText([]byte("789")))
}

func TestLogSeverityUnmarshalText(t *testing.T) {
	var l LogSeverity

	require.NoError(t, l.UnmarshalText([]byte("warning")))

	assert.Equal(t, WarningLogSeverity, l)
	assert.Equal(t, 3, l.Rank())
	assert.Error(t, l.UnmarshalText([]byte("verbose")))
	assert.Equal(t, -1, LogSeverity("verbose").Rank())
}

func TestResolvedPathKeepsAbsolutePaths(t *testing.T) {
	var p ResolvedPath

	require.NoError(t, p.UnmarshalText([]byte("/a/b")))

	assert.Equal(t, ResolvedPath("/a/b"), p)
}

func TestOctalPerm(t *testing.T) {
	assert.Equal(t, os.FileMode(0640), Octal(0640).Perm())
	assert.Equal(t, os.FileMode(0755), Octal(04755).Perm())
}
