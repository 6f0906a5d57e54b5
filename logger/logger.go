package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options selects the log output.
type Options struct {
	// File is the log file path. Empty means stdout (or stderr when Stderr is set).
	File string
	// Pretty uses zerolog's ConsoleWriter. Ignored when File is set.
	Pretty bool
	// Stderr sends console output to stderr, keeping stdout free for command output.
	Stderr bool
	// Level overrides LOG_LEVEL when non-empty.
	Level string
}

// InitWithOptions initializes the logger with the specified file and format.
// If logFile is empty, logs to stdout. If pretty is true, uses ConsoleWriter.
func InitWithOptions(logFile string, pretty bool) (zerolog.Logger, error) {
	return New(Options{File: logFile, Pretty: pretty})
}

// New builds a root logger from opts.
func New(opts Options) (zerolog.Logger, error) {
	levelName := opts.Level
	if levelName == "" {
		levelName = os.Getenv("LOG_LEVEL")
	}
	level := parseLogLevel(levelName)

	var (
		output      io.Writer
		description string
	)
	console := io.Writer(os.Stdout)
	consoleName := "stdout"
	if opts.Stderr {
		console, consoleName = os.Stderr, "stderr"
	}

	switch {
	case opts.File != "":
		//nolint:gosec // G304: User-specified log file path is intentional
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		output, description = file, opts.File
	case opts.Pretty:
		output, description = zerolog.ConsoleWriter{Out: console}, consoleName+" (pretty)"
	default:
		output, description = console, consoleName
	}

	log := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Debug().Str("output", description).Str("level", level.String()).Msg("Logger initialized")
	return log, nil
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
