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

package monitor

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const stdoutTracing = "stdout"

func initPropagators() {
	props := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(props)
}

// SetupTracing bootstraps the OpenTelemetry tracing pipeline. It returns nil
// when tracing is off.
func SetupTracing(ctx context.Context, c *cfg.Config) common.ShutdownFn {
	tp, err := newTraceProvider(ctx, c, os.Stdout)
	if err != nil {
		logger.Errorf("error occurred while setting up tracing: %v", err)
		return nil
	}
	if tp == nil {
		return nil
	}

	otel.SetTracerProvider(tp)
	initPropagators()
	return tp.Shutdown
}

func newTraceProvider(ctx context.Context, c *cfg.Config, w io.Writer) (*sdktrace.TracerProvider, error) {
	switch c.Monitoring.ExperimentalTracingMode {
	case "":
		return nil, nil
	case stdoutTracing:
		return newStdoutTraceProvider(ctx, w, c.Monitoring.ExperimentalTracingSamplingRatio)
	default:
		return nil, fmt.Errorf("unknown tracing mode %q", c.Monitoring.ExperimentalTracingMode)
	}
}

func newStdoutTraceProvider(ctx context.Context, w io.Writer, ratio float64) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if res, err := getResource(ctx); err == nil {
		opts = append(opts, sdktrace.WithResource(res))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}
