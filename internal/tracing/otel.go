// Copyright 2025 Tom Barlow
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

// Package tracing sets up the process-wide OpenTelemetry
// TracerProvider that pkg/vm's "vm.Run"/"vm.step" spans and the CLI's
// command spans attach to. aplvm is a short-lived CLI process, not a
// long-running service, so there is no OTLP collector to export to by
// default: the stdout exporter is enough to let an operator pipe trace
// output (enabled by the config's tracing.enabled or
// APLVM_TRACING_ENABLED) into a trace viewer, and Config.Enabled
// lets it be turned off entirely for the common case of a quiet run.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the process-wide tracer provider.
type Config struct {
	// Enabled turns on span export. When false, Setup installs a no-op
	// provider so every otel.Tracer(...) call in pkg/vm is still safe
	// to make, just unrecorded.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// Writer receives the rendered spans when Enabled; nil defaults to
	// os.Stdout via stdouttrace's own default.
	Writer interface {
		Write(p []byte) (int, error)
	}
}

// Setup installs the process-wide TracerProvider per cfg and returns a
// shutdown func the caller must invoke before exit to flush pending
// spans.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	var expOpts []stdouttrace.Option
	if cfg.Writer != nil {
		expOpts = append(expOpts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: build stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
