// Package tracing wires OpenTelemetry into the application: OTLP export of
// traces and logs, context propagation, and a slog handler that mirrors log
// records to the OTLP exporter next to the console.
package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/opensrp/fhir-gateway/component"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	// Enabled turns on OTLP export. Console logging is configured regardless.
	Enabled bool `koanf:"enabled"`
	// Endpoint is the OTLP HTTP endpoint URL. When empty the exporter
	// defaults apply, including the OTEL_EXPORTER_OTLP_ENDPOINT variable.
	Endpoint string `koanf:"endpoint"`
	// ServiceName identifies this deployment in exported telemetry.
	ServiceName string `koanf:"servicename"`
	// LogLevel sets the minimum console log level (debug, info, warn, error).
	LogLevel string `koanf:"loglevel"`
	// ServiceVersion is set by the application at startup, not through configuration.
	ServiceVersion string `koanf:"-"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "fhir-gateway",
		LogLevel:    "info",
	}
}

var _ component.Lifecycle = (*Component)(nil)

type Component struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
}

func New(config Config) *Component {
	return &Component{config: config}
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
}

func (c *Component) Start() error {
	consoleHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(c.config.LogLevel)})
	if !c.config.Enabled {
		slog.SetDefault(slog.New(consoleHandler))
		return nil
	}

	ctx := context.Background()
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(c.config.ServiceName),
		semconv.ServiceVersion(c.config.ServiceVersion),
	)

	traceOpts := []otlptracehttp.Option{}
	logOpts := []otlploghttp.Option{}
	if c.config.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(c.config.Endpoint))
		logOpts = append(logOpts, otlploghttp.WithEndpointURL(c.config.Endpoint))
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return errors.Wrap(err, "create OTLP trace exporter")
	}
	c.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(c.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return errors.Wrap(err, "create OTLP log exporter")
	}
	c.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(c.loggerProvider)

	otelHandler := otelslog.NewHandler(c.config.ServiceName, otelslog.WithLoggerProvider(c.loggerProvider))
	slog.SetDefault(slog.New(newTeeHandler(consoleHandler, otelHandler)))
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	var result error
	if c.loggerProvider != nil {
		if err := c.loggerProvider.Shutdown(ctx); err != nil {
			result = errors.Wrap(err, "shutdown logger provider")
		}
	}
	if c.tracerProvider != nil {
		if err := c.tracerProvider.Shutdown(ctx); err != nil && result == nil {
			result = errors.Wrap(err, "shutdown tracer provider")
		}
	}
	return result
}

// WrapTransport instruments an HTTP transport so outgoing requests carry
// trace context and produce client spans. A nil base means http.DefaultTransport.
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(base)
}

// NewHTTPClient returns an HTTP client with an instrumented transport.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: WrapTransport(nil)}
}

func parseLevel(level string) slog.Level {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}
