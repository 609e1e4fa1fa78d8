// Package logging provides the two logging surfaces the server uses:
// runtime.Logger for anything inside an RPC/hook invocation (which already
// carries Nakama's per-request correlation), and a zerolog.Logger for
// code running outside any request — the scheduler drain loop and the
// timer handlers it runs (maintenance sweep, event publishing) — which
// has no per-request logger to inherit.
package logging

import (
	"context"
	"os"

	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/rs/zerolog"
)

// WithUser logs message at level, attaching the caller's user ID from ctx
// (if present) and any extra fields.
func WithUser(ctx context.Context, logger runtime.Logger, level, message string, fields map[string]interface{}) {
	userID := ""
	if uid, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string); ok {
		userID = uid
	}
	if userID != "" {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		fields["user"] = userID
	}

	if len(fields) > 0 {
		l := logger.WithFields(fields)
		logLevel(l, level, message)
		return
	}
	logLevel(logger, level, message)
}

func logLevel(logger runtime.Logger, level, message string) {
	switch level {
	case "debug":
		logger.Debug(message)
	case "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}
}

// Error logs an error with its message.
func Error(ctx context.Context, logger runtime.Logger, message string, err error) {
	fields := map[string]interface{}{}
	if err != nil {
		fields["error"] = err.Error()
	}
	WithUser(ctx, logger, "error", message, fields)
}

// Info logs an informational message with no extra fields.
func Info(ctx context.Context, logger runtime.Logger, message string) {
	WithUser(ctx, logger, "info", message, nil)
}

// Warn logs a warning with no extra fields.
func Warn(ctx context.Context, logger runtime.Logger, message string) {
	WithUser(ctx, logger, "warn", message, nil)
}

// Background builds the zerolog.Logger used by code that runs outside
// any single RPC call: the scheduler drain loop, the maintenance sweep
// (which includes the outbox TTL sweep), and the events publisher.
// component tags every line so operators can grep by subsystem.
func Background(component string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
