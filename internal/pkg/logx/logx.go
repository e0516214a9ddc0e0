/*
Package logx provides a structured logging wrapper based on zerolog.

It initializes the global logger for both the chat server and the terminal client, picks the output
format (console or JSON) from the environment, and offers helpers for leveled logging and
component-scoped child loggers.
*/
package logx

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls how the global logger is built.
type Options struct {
	// Development switches to the human-readable console writer and Debug level.
	Development bool

	// Level overrides the default level ("debug", "info", "warn", "error"). Empty keeps the default.
	Level string

	// Out is the destination writer. Defaults to stderr in development and stdout otherwise.
	Out io.Writer
}

// InitGlobalLogger initializes the global zerolog instance.
// Development: Debug level, ConsoleWriter. Production: Info level, JSON.
// All entries carry a Unix timestamp and caller information.
func InitGlobalLogger(opts Options) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out := opts.Out
	if out == nil {
		out = os.Stdout
		if opts.Development {
			out = os.Stderr
		}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()

	level := zerolog.InfoLevel
	if opts.Development {
		logger = logger.Output(zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    false,
			TimeFormat: time.RFC3339,
		})
		level = zerolog.DebugLevel
	}

	if parsed, ok := ParseLevel(opts.Level); ok {
		level = parsed
	}

	log.Logger = logger.Level(level).With().Caller().Logger()
}

// ParseLevel maps a textual level to zerolog. The second result is false for blank or unknown input.
func ParseLevel(s string) (zerolog.Level, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.NoLevel, false
	}

	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, false
	}

	return level, true
}

// Logger returns a pointer to the global zerolog.Logger instance.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// Ctx returns the request-scoped logger that RequestLogger stored in ctx, carrying the request id,
// or the global logger outside a request.
func Ctx(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return Logger()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// checkFields validates that the variadic fields parameter has an even number (key-value pairs).
// If the count is odd, it logs a warning and returns nil to prevent zerolog from panicking.
func checkFields(level string, fields []any) []any {
	if len(fields)%2 != 0 {
		Logger().Warn().
			Int("fields_count", len(fields)).
			Str("log_level", level).
			Msgf("Logx call (%s) received odd number of fields: %v. Fields ignored.", level, fields)
		return nil
	}
	return fields
}

// Debug records a log message at the Debug level.
func Debug(msg string, fields ...any) {
	fields = checkFields("Debug", fields)

	Logger().Debug().
		Fields(fields).
		CallerSkipFrame(1).
		Msg(msg)
}

// Info records a log message at the Info level.
// It accepts a message string and an optional key-value field list.
func Info(msg string, fields ...any) {
	fields = checkFields("Info", fields)

	Logger().Info().
		Fields(fields).
		CallerSkipFrame(1).
		Msg(msg)
}

// Warn records a log message at the Warn level.
func Warn(msg string, fields ...any) {
	fields = checkFields("Warn", fields)

	Logger().Warn().
		Fields(fields).
		CallerSkipFrame(1).
		Msg(msg)
}

// Error records a log message at the Error level.
// It accepts an error object, a message string, and an optional key-value field list.
func Error(err error, msg string, fields ...any) {
	fields = checkFields("Error", fields)

	Logger().Error().
		Err(err).
		Fields(fields).
		CallerSkipFrame(1).
		Msg(msg)
}

// Fatal records a log message at the Fatal level and then calls os.Exit(1).
func Fatal(err error, msg string, fields ...any) {
	fields = checkFields("Fatal", fields)

	Logger().Fatal().
		Err(err).
		Fields(fields).
		CallerSkipFrame(1).
		Msg(msg)
}
