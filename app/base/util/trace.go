package util

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

// The module name used for unique strings, such as tracing identifiers.
const Module = "github.com/warptools/sciflo"

// newResource is where the identifying keys for the process are added.
func newResource() (*resource.Resource, error) {
	r, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(Module),
		semconv.ServiceVersionKey.String(appbase.VERSION),
	))
	if err != nil {
		return nil, err
	}
	return resource.Merge(r, resource.Environment())
}

// newTracingProvider creates a tracer provider from CLI flags.
// It returns nil when no exporter was asked for.
func newTracingProvider(c *cli.Context) (_ *sdktrace.TracerProvider, retErr error) {
	logger := logging.Ctx(c.Context)
	var exporters []sdktrace.TracerProviderOption

	fileExporter, err := newFileSpanExporter(c.Context, c.String("trace.file"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			fileExporter.Shutdown(c.Context)
		}
	}()
	if fileExporter != nil {
		exporters = append(exporters, sdktrace.WithBatcher(fileExporter))
	}

	if c.Bool("trace.http.enable") {
		var httpOpts []otlptracehttp.Option
		if c.Bool("trace.http.insecure") {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		if ep := c.String("trace.http.endpoint"); ep != "" {
			logger.Debug("", "trace.http.endpoint: %s", ep)
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(ep))
		}
		httpExporter, err := otlptrace.New(c.Context, otlptracehttp.NewClient(httpOpts...))
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, sdktrace.WithBatcher(httpExporter))
	}
	if len(exporters) == 0 {
		return nil, nil
	}

	res, err := newResource()
	if err != nil {
		return nil, err
	}
	opts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, exporters...)
	return sdktrace.NewTracerProvider(opts...), nil
}

// fileSpanExporter closes its file during Shutdown.
type fileSpanExporter struct {
	sdktrace.SpanExporter
	io.Closer
}

// Shutdown flushes the exporter and closes the file.
//
// Errors:
//
//    - sciflo-error-internal -- when an error occurs during tracing shutdown
func (e *fileSpanExporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	defer e.Closer.Close()
	if err := e.SpanExporter.Shutdown(ctx); err != nil {
		return sfapi.ErrorInternal("tracing shutdown failed", err)
	}
	return nil
}

// newFileSpanExporter creates or truncates the named file and exports spans to it as pretty json.
func newFileSpanExporter(ctx context.Context, name string) (*fileSpanExporter, error) {
	if name == "" {
		return nil, nil
	}
	logging.Ctx(ctx).Debug("", "trace file path: %s", name)
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(f),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSpanExporter{exp, f}, nil
}
