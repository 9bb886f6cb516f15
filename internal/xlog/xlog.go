// Package xlog is the logging collaborator named as out-of-scope-but-
// narrow-interface in spec.md §1 ("logging ... treated as external
// collaborators with narrow interfaces"). Call sites use the same shape as
// github.com/grailbio/base/log (Printf, Error.Printf, Debug.Printf), which
// is how the teacher package logs (see exec/bigmachine.go's log.Printf and
// log.Error.Printf calls). Underneath, xlog.Init wires a zerolog sink in the
// style of cuemby-warren/pkg/log, so the console/JSON output selection and
// per-field child loggers (With, WithNode, WithWorker) come from zerolog while
// the call shape stays the teacher's.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level selects the minimum severity that is emitted.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global sink.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var base zerolog.Logger

// Init installs the global logger. Safe to call once at process startup;
// later calls replace the sink (used by tests that want a buffer).
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.JSONOutput {
		base = zerolog.New(out).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

func init() {
	Init(Config{Level: InfoLevel})
}

// sink is the narrow severity-scoped logger used by the Printf-shaped
// package vars below, mirroring grailbio/base/log's Logger type (a
// severity has its own Printf).
type sink struct {
	level zerolog.Level
}

func (s sink) Printf(format string, args ...interface{}) {
	base.WithLevel(s.level).Msgf(format, args...)
}

// Debug, Error and the package-level Printf give the same three call
// shapes the teacher package uses: log.Printf(...), log.Error.Printf(...),
// log.Debug.Printf(...).
var (
	Debug = sink{level: zerolog.DebugLevel}
	Error = sink{level: zerolog.ErrorLevel}
	Warn  = sink{level: zerolog.WarnLevel}
)

// Printf logs at info level, matching grailbio/base/log.Printf.
func Printf(format string, args ...interface{}) {
	base.Info().Msgf(format, args...)
}

// With returns a child logger with a named component field attached,
// for subsystems (worker, helper, comm, handle, ...) to tag their output.
func With(component string) Logger {
	return Logger{l: base.With().Str("component", component).Logger()}
}

// Logger is a component-scoped logger returned by With.
type Logger struct{ l zerolog.Logger }

func (lg Logger) Printf(format string, args ...interface{})      { lg.l.Info().Msgf(format, args...) }
func (lg Logger) Debugf(format string, args ...interface{})      { lg.l.Debug().Msgf(format, args...) }
func (lg Logger) Warnf(format string, args ...interface{})       { lg.l.Warn().Msgf(format, args...) }
func (lg Logger) Errorf(format string, args ...interface{})      { lg.l.Error().Msgf(format, args...) }
func (lg Logger) WithNode(node int) Logger {
	return Logger{l: lg.l.With().Int("node", node).Logger()}
}
func (lg Logger) WithWorker(worker int) Logger {
	return Logger{l: lg.l.With().Int("worker", worker).Logger()}
}
