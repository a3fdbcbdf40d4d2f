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
	"io"
)

// ThrottledReader charges every byte read from r against throttle, waiting
// under ctx. Upload bodies pass through it when a byte limit is configured.
func ThrottledReader(ctx context.Context, r io.Reader, throttle Throttle) io.Reader {
	return &throttledReader{ctx: ctx, r: r, throttle: throttle}
}

type throttledReader struct {
	ctx      context.Context
	r        io.Reader
	throttle Throttle
}

// Read waits for len(p) tokens, capped at the throttle's capacity, and then
// keeps reading until it has used them all or r fails.
func (tr *throttledReader) Read(p []byte) (n int, err error) {
	if limit := tr.throttle.Capacity(); uint64(len(p)) > limit {
		p = p[:limit]
	}

	if err = tr.throttle.Wait(tr.ctx, uint64(len(p))); err != nil {
		return 0, err
	}

	for n < len(p) && err == nil {
		var m int
		m, err = tr.r.Read(p[n:])
		n += m
	}
	return n, err
}
