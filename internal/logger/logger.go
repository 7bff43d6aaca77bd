package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

// Init installs a JSON logger on stdout at the given level
// ("debug", "info", "warn", "error"; anything else means info).
func Init(level string) {
	InitWithWriter(os.Stdout, level)
}

// InitWithWriter is Init with an explicit destination. Tests use it to
// capture output.
func InitWithWriter(w io.Writer, level string) {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	current.Store(l)
	slog.SetDefault(l)
	l.Info("logger initialized")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// L returns the process logger for callers that want slog directly.
func L() *slog.Logger {
	return current.Load()
}

func Debug(msg string, fields map[string]any) {
	L().Debug(msg, attrs(fields)...)
}

func Info(msg string, fields map[string]any) {
	L().Info(msg, attrs(fields)...)
}

func Warn(msg string, fields map[string]any) {
	L().Warn(msg, attrs(fields)...)
}

func Error(msg string, fields map[string]any) {
	L().Error(msg, attrs(fields)...)
}

func Fatal(msg string, fields map[string]any) {
	L().Error(msg, append(attrs(fields), "fatal", true)...)
	os.Exit(1)
}

func attrs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out = append(out, k, v)
	}
	return out
}
