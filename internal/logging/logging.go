// Package logging provides runtime.Logger implementations for code running
// outside the Nakama server, where no runtime logger is handed in.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/rs/zerolog"
)

// Options configure New.
type Options struct {
	Level   string    // zerolog level name, info when empty or unknown
	Console bool      // human-readable output instead of JSON lines
	Out     io.Writer // os.Stderr when nil
}

// New builds a zerolog-backed runtime.Logger.
func New(opts Options) runtime.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &zerologLogger{zl: zl, fields: map[string]interface{}{}}
}

// FromEnv reads LOG_LEVEL and ENV the way the server binaries do: console
// output unless ENV is production.
func FromEnv() runtime.Logger {
	return New(Options{
		Level:   os.Getenv("LOG_LEVEL"),
		Console: os.Getenv("ENV") != "production",
	})
}

type zerologLogger struct {
	zl     zerolog.Logger
	fields map[string]interface{}
}

func (l *zerologLogger) Debug(format string, v ...interface{}) {
	l.zl.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l *zerologLogger) Info(format string, v ...interface{}) {
	l.zl.Info().Msg(fmt.Sprintf(format, v...))
}

func (l *zerologLogger) Warn(format string, v ...interface{}) {
	l.zl.Warn().Msg(fmt.Sprintf(format, v...))
}

func (l *zerologLogger) Error(format string, v ...interface{}) {
	l.zl.Error().Msg(fmt.Sprintf(format, v...))
}

func (l *zerologLogger) WithField(key string, v interface{}) runtime.Logger {
	return l.WithFields(map[string]interface{}{key: v})
}

func (l *zerologLogger) WithFields(fields map[string]interface{}) runtime.Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &zerologLogger{zl: l.zl.With().Fields(fields).Logger(), fields: merged}
}

func (l *zerologLogger) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Nop returns a logger that discards everything.
func Nop() runtime.Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func (nopLogger) WithField(string, interface{}) runtime.Logger { return nopLogger{} }

func (nopLogger) WithFields(map[string]interface{}) runtime.Logger { return nopLogger{} }

func (nopLogger) Fields() map[string]interface{} { return nil }
