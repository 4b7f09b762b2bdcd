package logger

import (
	"log/slog"
	"time"
)

// LogEvent logs one processed event with the standard attribute set
func LogEvent(eventID, eventType, userID, status, reason string, duration time.Duration) {
	slog.Info("Event processed",
		slog.String("type", "cmd"),
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("user_id", userID),
		slog.String("status", status),
		slog.String("reason_code", reason),
		slog.Duration("took", duration))
}

// LogQuery logs database operations
func LogQuery(operation, query string, duration time.Duration, err error, attrs ...any) {
	base := []any{
		slog.String("type", "db"),
		slog.String("operation", operation),
		slog.String("query", query),
		slog.Duration("took", duration),
	}

	if err != nil {
		slog.Error("Query failed", append(base, slog.Any("error", err))...)
		return
	}
	slog.Debug("Query executed", append(base, attrs...)...)
}

// LogSystem logs system events
func LogSystem(msg string, attrs ...any) {
	baseAttrs := []any{slog.String("type", "sys")}
	slog.Info(msg, append(baseAttrs, attrs...)...)
}

// LogError logs error events
func LogError(msg string, err error, attrs ...any) {
	baseAttrs := []any{
		slog.String("type", "error"),
		slog.Any("error", err),
	}
	slog.Error(msg, append(baseAttrs, attrs...)...)
}
