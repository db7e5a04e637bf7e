// Package obs wires the logging and tracing backbone shared by every
// broker component: a slog.Logger bridged to OpenTelemetry, and a
// tracer provider every Device/Manager call is expected to derive spans
// from.
package obs

import (
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/noop"

	"github.com/webitel/tpm-broker/config"
)

// level backs every slog.Logger ProvideLogger hands out. slog.LevelVar is
// the standard library's own mechanism for a log level that can change
// after the handler is built, which is what lets SetLevel take effect on
// a logger that has already been constructed and handed to every fx
// consumer.
var level = new(slog.LevelVar)

// ProvideLogger builds the process-wide slog.Logger. Records always go to
// stderr as structured text; when tracing is enabled an otelslog handler
// also receives them, backed by a no-op OTel LoggerProvider, so no OTel
// log record is exported.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	level.Set(parseLevel(cfg.Log.Level))

	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if !cfg.Tracing.Enabled {
		return slog.New(textHandler)
	}

	bridge := otelslog.NewHandler("tpm-broker", otelslog.WithLoggerProvider(noop.NewLoggerProvider()))
	return slog.New(fanoutHandler{textHandler, bridge})
}

// SetLevel changes the level of every logger ProvideLogger has already
// handed out, the one Config field config.Watch can safely apply to a
// running broker without re-plumbing the fx graph: the resource manager's
// capacity limits are read once at construction and would need their own
// reload path through every consumer, but the log level is read on every
// call through the shared LevelVar.
func SetLevel(logLevel string) {
	level.Set(parseLevel(logLevel))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
