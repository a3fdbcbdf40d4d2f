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

package ratelimit

import (
	"context"

	"github.com/nodemount/nodemount/internal/remote"
)

// Create a remote client that limits the rate at which it calls the wrapped
// client using opThrottle, and limits the bandwidth of transferred content
// using byteThrottle. Either throttle may be nil.
func NewThrottledClient(
	opThrottle Throttle,
	byteThrottle Throttle,
	wrapped remote.Client) remote.Client {
	return &throttledClient{
		opThrottle:   opThrottle,
		byteThrottle: byteThrottle,
		wrapped:      wrapped,
	}
}

////////////////////////////////////////////////////////////////////////
// throttledClient
////////////////////////////////////////////////////////////////////////

type throttledClient struct {
	opThrottle   Throttle
	byteThrottle Throttle
	wrapped      remote.Client
}

func (c *throttledClient) waitOp(ctx context.Context) error {
	if c.opThrottle == nil {
		return nil
	}
	return c.opThrottle.Wait(ctx, 1)
}

// Consume tokens for n bytes already transferred, in capacity sized bites.
func (c *throttledClient) waitBytes(ctx context.Context, n uint64) error {
	if c.byteThrottle == nil {
		return nil
	}

	capacity := c.byteThrottle.Capacity()
	for n > 0 {
		tokens := min(n, capacity)
		if err := c.byteThrottle.Wait(ctx, tokens); err != nil {
			return err
		}
		n -= tokens
	}

	return nil
}

func (c *throttledClient) ListChildren(
	ctx context.Context,
	h remote.Handle) (entries []remote.Entry, err error) {
	// Wait for permission to call through.
	err = c.waitOp(ctx)
	if err != nil {
		return
	}

	// Call through.
	entries, err = c.wrapped.ListChildren(ctx, h)

	return
}

func (c *throttledClient) Download(
	ctx context.Context,
	h remote.Handle,
	br remote.ByteRange) (b []byte, err error) {
	err = c.waitOp(ctx)
	if err != nil {
		err = &remote.TransferError{Op: "download", Handle: h, Retryable: true, Err: err}
		return
	}

	b, err = c.wrapped.Download(ctx, h, br)
	if err != nil {
		return
	}

	if err = c.waitBytes(ctx, uint64(len(b))); err != nil {
		err = &remote.TransferError{Op: "download", Handle: h, Retryable: true, Err: err}
		b = nil
	}

	return
}

func (c *throttledClient) Upload(
	ctx context.Context,
	req remote.UploadRequest) (e remote.Entry, err error) {
	err = c.waitOp(ctx)
	if err != nil {
		err = &remote.TransferError{Op: "upload", Handle: req.Handle, Retryable: true, Err: err}
		return
	}

	if c.byteThrottle != nil {
		req.Content = ThrottledReader(ctx, req.Content, c.byteThrottle)
	}

	e, err = c.wrapped.Upload(ctx, req)

	return
}

func (c *throttledClient) Stat(
	ctx context.Context,
	h remote.Handle) (e remote.Entry, err error) {
	err = c.waitOp(ctx)
	if err != nil {
		return
	}

	e, err = c.wrapped.Stat(ctx, h)

	return
}

func (c *throttledClient) MakeDirectory(
	ctx context.Context,
	parent remote.Handle,
	name string) (e remote.Entry, err error) {
	err = c.waitOp(ctx)
	if err != nil {
		return
	}

	e, err = c.wrapped.MakeDirectory(ctx, parent, name)

	return
}

func (c *throttledClient) Remove(
	ctx context.Context,
	h remote.Handle) (err error) {
	err = c.waitOp(ctx)
	if err != nil {
		return
	}

	err = c.wrapped.Remove(ctx, h)

	return
}

func (c *throttledClient) Move(
	ctx context.Context,
	h remote.Handle,
	newParent remote.Handle,
	newName string) (e remote.Entry, err error) {
	err = c.waitOp(ctx)
	if err != nil {
		return
	}

	e, err = c.wrapped.Move(ctx, h, newParent, newName)

	return
}
