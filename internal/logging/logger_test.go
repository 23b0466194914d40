package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestNamedJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithSink(Config{Level: "info"}, nil, zapcore.AddSync(&buf))

	log.Named("acquisition").Info("connected")
	log.Debug("filtered")
	require.NoError(t, log.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "acquisition", entry["logger"])
	assert.Equal(t, "connected", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driverio.log")
	log, err := New(Config{Level: "debug", Format: "console", File: FileConfig{Filename: path, MaxSizeMB: 1}})
	require.NoError(t, err)
	log.Debug("hello")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestBootLoggerUsable(t *testing.T) {
	log, err := New(Config{Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.NotNil(t, log.Named("config"))
}
