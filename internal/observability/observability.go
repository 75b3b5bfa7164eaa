// Package observability configures the process-wide slog logger.
//
// Plain formats (text, json) write to stderr. The OpenTelemetry formats route
// slog records through the otelslog bridge into a log SDK provider, filtered
// by a minimum-severity processor so the configured level still applies.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Log formats understood by Instrument.
const (
	FormatText       = "text"
	FormatJSON       = "json"
	FormatOTLP       = "otlp"
	FormatOTelStdout = "otel-stdout"
)

// instrumentationName identifies log records emitted through the bridge.
const instrumentationName = "github.com/learntrack/ltsession"

// ShutdownFunc flushes and stops exporters.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger for level and format. The
// returned ShutdownFunc must be called before exit to flush exported records.
func Instrument(level slog.Level, format string) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	switch format {
	case FormatText, "":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return noop, nil
	case FormatJSON:
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return noop, nil
	case FormatOTLP, FormatOTelStdout:
		return instrumentOTel(level, format)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func instrumentOTel(level slog.Level, format string) (ShutdownFunc, error) {
	processor, err := newProcessor(context.Background(), format)
	if err != nil {
		return nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(level))),
	)
	global.SetLoggerProvider(provider)

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))
	return provider.Shutdown, nil
}

func newProcessor(ctx context.Context, format string) (sdklog.Processor, error) {
	if format == FormatOTelStdout {
		exporter, err := stdoutlog.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		return sdklog.NewSimpleProcessor(exporter), nil
	}

	// Exporter endpoints and headers come from the standard OTEL_EXPORTER_OTLP_* variables.
	var (
		exporter sdklog.Exporter
		err      error
	)
	switch otlpProtocol() {
	case "grpc":
		exporter, err = otlploggrpc.New(ctx)
	default:
		exporter, err = otlploghttp.New(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("creating otlp log exporter: %w", err)
	}
	return sdklog.NewBatchProcessor(exporter), nil
}

func otlpProtocol() string {
	for _, name := range []string{"OTEL_EXPORTER_OTLP_LOGS_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL"} {
		if v := os.Getenv(name); v != "" {
			return strings.ToLower(v)
		}
	}
	return "http/protobuf"
}

// severity maps a slog level to the matching OpenTelemetry minimum severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
