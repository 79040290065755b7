// Package log is the relayer's structured logging entry point. It wraps
// luxfi/log the same way this codebase's teacher wraps it for go-ethereum
// call sites, trimmed to the handful of calls the relayer actually makes.
package log

import (
	"log/slog"

	luxlog "github.com/luxfi/log"
)

// Logger is the logging handle threaded through the relayer's components.
type Logger = luxlog.Logger

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Root returns the process-wide default logger.
func Root() Logger { return luxlog.Root() }

// SetDefault installs l as the process-wide default logger.
func SetDefault(l Logger) { luxlog.SetDefault(l) }

// New returns a logger with ctx key/value pairs bound to every record.
func New(ctx ...interface{}) Logger { return luxlog.New(ctx...) }

func Debug(msg string, ctx ...interface{}) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root().Error(msg, ctx...) }
