// Package logger owns the process-wide slog logger.
//
// Until Setup runs, Logger writes JSON to stdout at INFO. Setup switches the
// level, the warn/error sampling rate and, optionally, the OpenTelemetry
// export path. Counters below are incremented on every call, sampled or not,
// and are exported by internal/metrics.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Options configures Setup
type Options struct {
	// Level is one of TRACE, DEBUG, INFO, WARN, ERROR, FATAL
	Level string

	// SampleRate keeps 1 of every N Warn/Error records; <= 1 keeps all
	SampleRate int

	// OTEL exports through OTLP/gRPC instead of writing JSON to stdout
	OTEL        bool
	ServiceName string
}

var (
	Logger *slog.Logger

	level      = new(slog.LevelVar)
	sampleRate atomic.Int32
	shutdown   func(context.Context) error
)

// Counters
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total400Errors atomic.Int64
	Total404Errors atomic.Int64
	Total429Errors atomic.Int64
	SlowRequests   atomic.Int64
	CacheDegraded  atomic.Int64
)

func init() {
	sampleRate.Store(1)
	use(newJSONLogger(os.Stdout))
}

func use(l *slog.Logger) {
	Logger = l
	slog.SetDefault(l)
}

func newJSONLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup applies opts to the process logger. When the OTLP exporter cannot
// be created the JSON logger stays in place and the error is returned.
func Setup(ctx context.Context, opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	level.Set(lvl)

	rate := max(opts.SampleRate, 1)
	sampleRate.Store(int32(rate))

	if !opts.OTEL {
		return err
	}

	name := opts.ServiceName
	if name == "" {
		name = "history-server"
	}

	otelLogger, stop, otelErr := newOTELLogger(ctx, name)
	if otelErr != nil {
		return fmt.Errorf("otel logging disabled: %w", otelErr)
	}

	shutdown = stop
	use(otelLogger)
	Logger.Info("opentelemetry logging enabled", "service", name, "sample_rate", rate)
	return err
}

func newOTELLogger(ctx context.Context, serviceName string) (*slog.Logger, func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := &levelHandler{
		level:   level,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	return slog.New(handler), provider.Shutdown, nil
}

// levelHandler applies the process level to a handler that has no level of
// its own
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTLP exporter. It is a no-op for JSON logging.
func Shutdown(ctx context.Context) error {
	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}

// ParseLevel maps a level name to slog.Level. Unknown names yield INFO and
// an error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q, using INFO", name)
	}
}

func shouldSample() bool {
	rate := sampleRate.Load()
	return rate <= 1 || rand.IntN(int(rate)) == 0
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn counts every call and logs a sample
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error counts every call and logs a sample
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs unsampled, flushes the exporter and exits with status 1
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// HTTP counters. The request logger middleware writes the log line itself.

func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 400:
		Total400Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	case 429:
		Total429Errors.Add(1)
	}
}

func WarnSlowRequest() {
	SlowRequests.Add(1)
	TotalWarnings.Add(1)
}

// WarnCacheDegraded records that the result cache fell back to a weaker
// backend, such as Redis being replaced by the in-process cache
func WarnCacheDegraded(msg string, args ...any) {
	CacheDegraded.Add(1)
	Warn(msg, args...)
}

// Component returns Logger tagged with component=name, for injection into
// library packages
func Component(name string) *slog.Logger {
	return Logger.With(slog.String("component", name))
}
