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

// Package remote declares the narrow interfaces through which the mount
// subsystem talks to the remote node tree. Transport, authentication and the
// sync engine live behind these interfaces.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Handle is an opaque remote node id. The empty handle means "none".
type Handle string

type Kind int

const (
	Directory Kind = iota
	File
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case File:
		return "file"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Metadata is the part of a node's state that is cached locally.
type Metadata struct {
	Size        uint64
	Modified    time.Time
	Fingerprint string
}

// Entry describes one node as seen in a listing or returned by a mutation.
type Entry struct {
	Name   string
	Handle Handle
	Kind   Kind
	Metadata
}

// ByteRange is the half-open interval [Start, Limit).
type ByteRange struct {
	Start uint64
	Limit uint64
}

func (br ByteRange) Len() uint64 {
	if br.Limit <= br.Start {
		return 0
	}
	return br.Limit - br.Start
}

func (br ByteRange) String() string {
	return fmt.Sprintf("[%d, %d)", br.Start, br.Limit)
}

// UploadRequest asks the transfer layer to store new content. When Handle is
// empty a new node is created under Parent; otherwise the content of Handle
// is replaced.
type UploadRequest struct {
	Handle      Handle
	Parent      Handle
	Name        string
	Content     io.Reader
	Size        uint64
	Fingerprint string
}

type Lister interface {
	// ListChildren returns the complete set of children of a directory.
	ListChildren(ctx context.Context, h Handle) ([]Entry, error)
}

type Transfer interface {
	// Download returns the bytes of br. A range extending past the end of the
	// node is truncated. Errors are *TransferError.
	Download(ctx context.Context, h Handle, br ByteRange) ([]byte, error)

	// Upload stores content and returns the resulting node, whose handle may
	// differ from the request's.
	Upload(ctx context.Context, req UploadRequest) (Entry, error)
}

// Graph is the node-graph CRUD surface.
type Graph interface {
	Stat(ctx context.Context, h Handle) (Entry, error)
	MakeDirectory(ctx context.Context, parent Handle, name string) (Entry, error)
	Remove(ctx context.Context, h Handle) error
	Move(ctx context.Context, h Handle, newParent Handle, newName string) (Entry, error)
}

type Client interface {
	Lister
	Transfer
	Graph
}

type ChangeKind int

const (
	ChildrenChanged ChangeKind = iota
	ContentChanged
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case ChildrenChanged:
		return "ChildrenChanged"
	case ContentChanged:
		return "ContentChanged"
	case Removed:
		return "Removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

type Change struct {
	Handle Handle
	Kind   ChangeKind
}

// Notifier delivers remote change notifications. The channel is closed when
// the notifier shuts down.
type Notifier interface {
	Changes() <-chan Change
}

var (
	ErrNotFound = errors.New("remote node not found")
	ErrExists   = errors.New("remote node already exists")
	ErrNotEmpty = errors.New("remote directory not empty")
)

// TransferError reports a failed download or upload.
type TransferError struct {
	Op        string
	Handle    Handle
	Retryable bool
	Err       error
}

func (e *TransferError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Handle, kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a retryable TransferError.
func IsRetryable(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
