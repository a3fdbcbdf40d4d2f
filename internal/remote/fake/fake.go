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

// Package fake provides an in-memory remote.Client for tests. Replacing the
// content of a file produces a new handle, as the real node graph versions
// files on upload.
package fake

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jacobsa/timeutil"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/zeebo/blake3"
)

const RootHandle remote.Handle = "root"

type node struct {
	entry    remote.Entry
	parent   remote.Handle
	content  []byte
	children map[string]remote.Handle
}

// Client is an in-memory node tree. The hooks, when set, run before the
// corresponding operation and outside of the client's lock, so they may
// block. A non-nil error from a hook fails the operation. Hooks must be
// installed before the client is used concurrently.
type Client struct {
	ListHook     func(h remote.Handle) error
	DownloadHook func(h remote.Handle, br remote.ByteRange) error
	UploadHook   func(req remote.UploadRequest) error

	clock   timeutil.Clock
	changes chan remote.Change

	mu sync.Mutex

	// GUARDED_BY(mu)
	nodes map[remote.Handle]*node

	// GUARDED_BY(mu)
	nextID int

	// GUARDED_BY(mu)
	listCalls map[remote.Handle]int

	// GUARDED_BY(mu)
	downloadCalls int

	// GUARDED_BY(mu)
	uploadCalls int
}

var _ remote.Client = &Client{}
var _ remote.Notifier = &Client{}

func NewClient(clock timeutil.Clock) *Client {
	c := &Client{
		clock:     clock,
		changes:   make(chan remote.Change, 64),
		nodes:     make(map[remote.Handle]*node),
		listCalls: make(map[remote.Handle]int),
	}

	c.nodes[RootHandle] = &node{
		entry: remote.Entry{
			Handle:   RootHandle,
			Kind:     remote.Directory,
			Metadata: remote.Metadata{Modified: clock.Now()},
		},
		parent:   RootHandle,
		children: make(map[string]remote.Handle),
	}

	return c
}

func Fingerprint(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

////////////////////////////////////////////////////////////////////////
// Test helpers
////////////////////////////////////////////////////////////////////////

// AddDirectory creates a directory and panics on failure.
func (c *Client) AddDirectory(parent remote.Handle, name string) remote.Handle {
	e, err := c.MakeDirectory(context.Background(), parent, name)
	if err != nil {
		panic(err)
	}
	return e.Handle
}

// AddFile creates a file and panics on failure. It does not count as an
// upload.
func (c *Client) AddFile(parent remote.Handle, name string, content []byte) remote.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.createFileLocked(parent, name, content)
	if err != nil {
		panic(err)
	}
	return e.Handle
}

// SetContent replaces the content of h in place, keeping its handle, as a
// foreign writer would.
func (c *Client) SetContent(h remote.Handle, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h]
	if n == nil || n.entry.Kind != remote.File {
		panic(fmt.Sprintf("SetContent: no file %q", h))
	}
	n.content = append([]byte(nil), content...)
	n.entry.Size = uint64(len(content))
	n.entry.Fingerprint = Fingerprint(content)
	n.entry.Modified = c.clock.Now()
}

// Delete removes h and its subtree without notifying anybody.
func (c *Client) Delete(h remote.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(h)
}

// Content returns a copy of the content of h, or nil if h is unknown.
func (c *Client) Content(h remote.Handle) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h]
	if n == nil {
		return nil
	}
	return append([]byte(nil), n.content...)
}

// Child returns the handle of the named child of parent, or "".
func (c *Client) Child(parent remote.Handle, name string) remote.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[parent]
	if n == nil {
		return ""
	}
	return n.children[name]
}

func (c *Client) ListCalls(h remote.Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls[h]
}

func (c *Client) DownloadCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloadCalls
}

func (c *Client) UploadCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadCalls
}

// Notify queues a change notification.
func (c *Client) Notify(change remote.Change) {
	c.changes <- change
}

// Close closes the notification channel.
func (c *Client) Close() {
	close(c.changes)
}

////////////////////////////////////////////////////////////////////////
// remote.Client
////////////////////////////////////////////////////////////////////////

func (c *Client) Changes() <-chan remote.Change {
	return c.changes
}

func (c *Client) ListChildren(ctx context.Context, h remote.Handle) ([]remote.Entry, error) {
	c.mu.Lock()
	c.listCalls[h]++
	c.mu.Unlock()

	if c.ListHook != nil {
		if err := c.ListHook(h); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h]
	if n == nil {
		return nil, fmt.Errorf("ListChildren %q: %w", h, remote.ErrNotFound)
	}
	if n.entry.Kind != remote.Directory {
		return nil, fmt.Errorf("ListChildren %q: not a directory", h)
	}

	entries := make([]remote.Entry, 0, len(n.children))
	for _, ch := range n.children {
		entries = append(entries, c.nodes[ch].entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries, nil
}

func (c *Client) Download(ctx context.Context, h remote.Handle, br remote.ByteRange) ([]byte, error) {
	c.mu.Lock()
	c.downloadCalls++
	c.mu.Unlock()

	if c.DownloadHook != nil {
		if err := c.DownloadHook(h, br); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h]
	if n == nil || n.entry.Kind != remote.File {
		return nil, &remote.TransferError{Op: "download", Handle: h, Err: remote.ErrNotFound}
	}

	size := uint64(len(n.content))
	start, limit := br.Start, br.Limit
	if limit > size {
		limit = size
	}
	if start >= limit {
		return []byte{}, nil
	}

	return append([]byte(nil), n.content[start:limit]...), nil
}

func (c *Client) Upload(ctx context.Context, req remote.UploadRequest) (remote.Entry, error) {
	c.mu.Lock()
	c.uploadCalls++
	c.mu.Unlock()

	if c.UploadHook != nil {
		if err := c.UploadHook(req); err != nil {
			return remote.Entry{}, err
		}
	}

	content, err := io.ReadAll(req.Content)
	if err != nil {
		return remote.Entry{}, &remote.TransferError{Op: "upload", Handle: req.Handle, Retryable: true, Err: err}
	}

	if uint64(len(content)) != req.Size {
		return remote.Entry{}, &remote.TransferError{
			Op:     "upload",
			Handle: req.Handle,
			Err:    fmt.Errorf("size mismatch: got %d, want %d", len(content), req.Size),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	parent, name := req.Parent, req.Name
	if req.Handle != "" {
		old := c.nodes[req.Handle]
		if old == nil {
			return remote.Entry{}, &remote.TransferError{Op: "upload", Handle: req.Handle, Err: remote.ErrNotFound}
		}
		if parent == "" {
			parent = old.parent
		}
		if name == "" {
			name = old.entry.Name
		}
	}

	p := c.nodes[parent]
	if p == nil || p.entry.Kind != remote.Directory {
		return remote.Entry{}, &remote.TransferError{Op: "upload", Handle: req.Handle, Err: remote.ErrNotFound}
	}

	if existing, ok := p.children[name]; ok {
		if c.nodes[existing].entry.Kind != remote.File {
			return remote.Entry{}, &remote.TransferError{Op: "upload", Handle: req.Handle, Err: remote.ErrExists}
		}
		c.deleteLocked(existing)
	}
	if req.Handle != "" {
		c.deleteLocked(req.Handle)
	}

	return c.createFileLocked(parent, name, content)
}

func (c *Client) Stat(ctx context.Context, h remote.Handle) (remote.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h]
	if n == nil {
		return remote.Entry{}, fmt.Errorf("Stat %q: %w", h, remote.ErrNotFound)
	}
	return n.entry, nil
}

func (c *Client) MakeDirectory(ctx context.Context, parent remote.Handle, name string) (remote.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.nodes[parent]
	if p == nil || p.entry.Kind != remote.Directory {
		return remote.Entry{}, fmt.Errorf("MakeDirectory %q: %w", parent, remote.ErrNotFound)
	}
	if _, ok := p.children[name]; ok {
		return remote.Entry{}, fmt.Errorf("MakeDirectory %q: %w", name, remote.ErrExists)
	}

	h := c.newHandleLocked()
	n := &node{
		entry: remote.Entry{
			Name:     name,
			Handle:   h,
			Kind:     remote.Directory,
			Metadata: remote.Metadata{Modified: c.clock.Now()},
		},
		parent:   parent,
		children: make(map[string]remote.Handle),
	}
	c.nodes[h] = n
	p.children[name] = h

	return n.entry, nil
}

func (c *Client) Remove(ctx context.Context, h remote.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h]
	if n == nil {
		return fmt.Errorf("Remove %q: %w", h, remote.ErrNotFound)
	}
	if len(n.children) != 0 {
		return fmt.Errorf("Remove %q: %w", h, remote.ErrNotEmpty)
	}

	c.deleteLocked(h)
	return nil
}

func (c *Client) Move(ctx context.Context, h remote.Handle, newParent remote.Handle, newName string) (remote.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h]
	if n == nil || h == RootHandle {
		return remote.Entry{}, fmt.Errorf("Move %q: %w", h, remote.ErrNotFound)
	}
	p := c.nodes[newParent]
	if p == nil || p.entry.Kind != remote.Directory {
		return remote.Entry{}, fmt.Errorf("Move to %q: %w", newParent, remote.ErrNotFound)
	}
	if existing, ok := p.children[newName]; ok && existing != h {
		return remote.Entry{}, fmt.Errorf("Move to %q: %w", newName, remote.ErrExists)
	}

	delete(c.nodes[n.parent].children, n.entry.Name)
	n.parent = newParent
	n.entry.Name = newName
	p.children[newName] = h

	return n.entry, nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(c.mu)
func (c *Client) newHandleLocked() remote.Handle {
	c.nextID++
	return remote.Handle(fmt.Sprintf("n%d", c.nextID))
}

// LOCKS_REQUIRED(c.mu)
func (c *Client) createFileLocked(parent remote.Handle, name string, content []byte) (remote.Entry, error) {
	p := c.nodes[parent]
	if p == nil || p.entry.Kind != remote.Directory {
		return remote.Entry{}, fmt.Errorf("create %q: %w", name, remote.ErrNotFound)
	}
	if _, ok := p.children[name]; ok {
		return remote.Entry{}, fmt.Errorf("create %q: %w", name, remote.ErrExists)
	}

	h := c.newHandleLocked()
	n := &node{
		entry: remote.Entry{
			Name:   name,
			Handle: h,
			Kind:   remote.File,
			Metadata: remote.Metadata{
				Size:        uint64(len(content)),
				Modified:    c.clock.Now(),
				Fingerprint: Fingerprint(content),
			},
		},
		parent:  parent,
		content: append([]byte(nil), content...),
	}
	c.nodes[h] = n
	p.children[name] = h

	return n.entry, nil
}

// LOCKS_REQUIRED(c.mu)
func (c *Client) deleteLocked(h remote.Handle) {
	n := c.nodes[h]
	if n == nil {
		return
	}
	for _, ch := range n.children {
		c.deleteLocked(ch)
	}
	if p := c.nodes[n.parent]; p != nil && h != RootHandle {
		delete(p.children, n.entry.Name)
	}
	delete(c.nodes, h)
}
