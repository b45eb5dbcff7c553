// Package logging builds the zerolog loggers used across the simulator and
// holds the structured events shared by several packages.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	NoColor    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Output     io.Writer
}

// DefaultLogConfig logs to the console and, when enabled, to a rotated
// file under the config directory.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "vtrader", "logs", "vtrader.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
	}
}

// NewLoggerWithConfig creates a logger writing to the console, the log
// file, or both. A log directory that cannot be created disables the file.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(out, cfg.NoColor))
	}
	if cfg.File && cfg.FilePath != "" {
		if w, err := rotatingFile(cfg); err == nil {
			writers = append(writers, w)
		}
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = out
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	return zerolog.New(w).With().Timestamp().Logger()
}

var levelLabels = map[string]string{
	zerolog.LevelDebugValue: "\033[36mDBG\033[0m",
	zerolog.LevelInfoValue:  "\033[32mINF\033[0m",
	zerolog.LevelWarnValue:  "\033[33mWRN\033[0m",
	zerolog.LevelErrorValue: "\033[31mERR\033[0m",
}

func consoleWriter(out io.Writer, noColor bool) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    noColor,
		TimeFormat: time.TimeOnly,
	}
	if !noColor {
		cw.FormatLevel = func(i interface{}) string {
			s, _ := i.(string)
			if label, ok := levelLabels[s]; ok {
				return label
			}
			return strings.ToUpper(s)
		}
	}
	return cw
}

func rotatingFile(cfg LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}, nil
}

// ParseLevel maps a config level name to a zerolog level. Unknown names
// log at info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithComponent tags the logger with a component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// ============================================================================
// Shared events
// ============================================================================

// LogTrade logs a trade being opened or closed.
func LogTrade(logger zerolog.Logger, tradeID, symbol, direction, status string, volume, price, pnl float64) {
	logger.Info().
		Str("event", "trade").
		Str("trade_id", tradeID).
		Str("symbol", symbol).
		Str("direction", direction).
		Str("status", status).
		Float64("volume", volume).
		Float64("price", price).
		Float64("pnl", pnl).
		Msg("Trade update")
}

// LogSync logs the outcome of one outbox attempt. Failures are warnings;
// successes are only visible at debug.
func LogSync(logger zerolog.Logger, opID, kind, table string, attempt int, err error) {
	ev := logger.Debug()
	msg := "Background persistence applied"
	if err != nil {
		ev = logger.Warn().Err(err)
		msg = "Background persistence failed"
	}
	ev.Str("event", "sync").
		Str("op_id", opID).
		Str("kind", kind).
		Str("table", table).
		Int("attempt", attempt).
		Msg(msg)
}

// LogAPICall logs a served request.
func LogAPICall(logger zerolog.Logger, method, endpoint string, status int, duration time.Duration) {
	ev := logger.Debug()
	if status >= 500 {
		ev = logger.Warn()
	}
	ev.Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", status).
		Dur("duration", duration).
		Msg("API call completed")
}
