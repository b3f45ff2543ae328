// Package log is a thin structured-logging wrapper, matching the
// msg-plus-key/value call shape used throughout the node.
package log

import (
	"log/slog"
	"os"
)

var base = slog.New(slog.NewTextHandler(os.Stderr, nil))

func SetDefault(l *slog.Logger) { base = l }

func Debug(msg string, kv ...any) { base.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { base.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { base.Warn(msg, kv...) }
func Error(msg string, kv ...any) { base.Error(msg, kv...) }

// New returns a scoped logger with the given component name attached, for
// packages that want every line tagged (e.g. log.New("forkdb")).
func New(component string) *slog.Logger {
	return base.With("component", component)
}
