// Copyright 2024 Google LLC
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

package wrappers

import (
	"context"

	"github.com/jacobsa/fuse/fuseutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithTracing wraps a FileSystem and starts a root span per operation.
func WithTracing(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	tracer := otel.Tracer(name)
	return wrap(wrapped, func(ctx context.Context, opName string, _ any, w wrappedCall) error {
		// The kernel is the client; the mount serves its requests.
		ctx, span := tracer.Start(ctx, opName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		err := w(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}
