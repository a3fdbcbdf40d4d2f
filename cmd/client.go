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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/internal/ratelimit"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/nodemount/nodemount/internal/remote/gcsremote"
)

// Window over which the rate limits hold to within a few percent.
const rateLimitWindow = 8 * time.Hour

func newRemoteClient(ctx context.Context, c *cfg.Config) (remote.Client, error) {
	if c.Remote.Bucket == "" {
		return nil, errors.New("no remote bucket configured; set --remote-bucket")
	}

	client, err := gcsremote.NewClient(ctx, gcsremote.ClientConfig{
		Bucket:           c.Remote.Bucket,
		CustomEndpoint:   c.Remote.CustomEndpoint,
		KeyFile:          string(c.Remote.KeyFile),
		MaxRetryDuration: c.Remote.MaxRetrySleep,
		RetryMultiplier:  c.Remote.RetryMultiplier,
	})
	if err != nil {
		return nil, err
	}

	return throttle(client, c.Remote.LimitOpsPerSec, c.Remote.LimitBytesPerSec)
}

// throttle limits the op rate and the content bandwidth of client. A limit
// that is not positive is not applied.
func throttle(client remote.Client, opsPerSec, bytesPerSec float64) (remote.Client, error) {
	opThrottle, err := newThrottle(opsPerSec)
	if err != nil {
		return nil, fmt.Errorf("choosing operation limiter capacity: %w", err)
	}
	byteThrottle, err := newThrottle(bytesPerSec)
	if err != nil {
		return nil, fmt.Errorf("choosing bandwidth limiter capacity: %w", err)
	}

	if opThrottle == nil && byteThrottle == nil {
		return client, nil
	}
	return ratelimit.NewThrottledClient(opThrottle, byteThrottle, client), nil
}

func newThrottle(rateHz float64) (ratelimit.Throttle, error) {
	if rateHz <= 0 {
		return nil, nil
	}
	capacity, err := ratelimit.ChooseLimiterCapacity(rateHz, rateLimitWindow)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewThrottle(rateHz, int(capacity)), nil
}
