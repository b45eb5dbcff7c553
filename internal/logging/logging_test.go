package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer, level string) zerolog.Logger {
	return NewLoggerWithConfig(LogConfig{Level: level, Output: buf})
}

func lastEvent(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &ev), buf.String())
	return ev
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"loud":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogSync(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")

	LogSync(logger, "op1", "insert", "trades", 1, nil)
	assert.Empty(t, buf.String(), "successes are debug only")

	LogSync(logger, "op1", "insert", "trades", 3, errors.New("connection refused"))
	ev := lastEvent(t, &buf)
	assert.Equal(t, "warn", ev["level"])
	assert.Equal(t, "trades", ev["table"])
	assert.Equal(t, float64(3), ev["attempt"])
	assert.Equal(t, "connection refused", ev["error"])
}

func TestLogTradeAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(jsonLogger(&buf, "info"), "session")

	LogTrade(logger, "t1", "BTCUSD", "BUY", "OPEN", 0.5, 43000, 0)
	ev := lastEvent(t, &buf)
	assert.Equal(t, "session", ev["component"])
	assert.Equal(t, "BTCUSD", ev["symbol"])
	assert.Equal(t, 0.5, ev["volume"])
}

func TestLogAPICall_ServerErrorsAreWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")

	LogAPICall(logger, "GET", "/api/portfolio", 200, time.Millisecond)
	assert.Empty(t, buf.String())

	LogAPICall(logger, "GET", "/api/portfolio", 503, time.Millisecond)
	assert.Equal(t, "warn", lastEvent(t, &buf)["level"])
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vtrader.log")
	cfg := DefaultLogConfig()
	cfg.Console = false
	cfg.FilePath = path

	logger := NewLoggerWithConfig(cfg)
	logger.Info().Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestConsoleWriterNoColor(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithConfig(LogConfig{Level: "info", Console: true, NoColor: true, Output: &buf})
	logger.Warn().Msg("careful")

	assert.Contains(t, buf.String(), "WRN")
	assert.NotContains(t, buf.String(), "\033[")
}
