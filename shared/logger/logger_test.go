package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{level: "debug", want: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{level: "info", want: []string{"INFO", "WARN", "ERROR"}},
		{level: "WARN", want: []string{"WARN", "ERROR"}},
		{level: "error", want: []string{"ERROR"}},
		{level: "bogus", want: []string{"INFO", "WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			logger.Debug("segment uploaded")
			logger.Info("segment transcribed")
			logger.Warn("segment failed, continuing")
			logger.Error("transcription failed")

			var levels []string
			for _, e := range decodeLines(t, output) {
				levels = append(levels, e["level"].(string))
			}
			assert.Equal(t, tt.want, levels)
		})
	}
}

func TestNew_ServiceAttribute(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", Service: "worker-service", writer: output})
	require.NoError(t, err)

	logger.Info("Job claimed", slog.String("job_id", "abc"))

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker-service", entries[0]["service"])
	assert.Equal(t, "abc", entries[0]["job_id"])
}

func TestNew_Console(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Format: "console", NoColor: true, writer: output})
	require.NoError(t, err)

	logger.Info("console test", slog.Int("segments", 3))

	// tint abbreviates levels
	assert.Contains(t, output.String(), "INF")
	assert.Contains(t, output.String(), "console test")
	assert.Contains(t, output.String(), "segments=3")
	assert.NotContains(t, output.String(), "\x1b[")
}

func TestNew_Source(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	logger.Info("message with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	logger, err := New(&Config{Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNew_FileOutputError(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.ErrorContains(t, err, "failed to open log file")
}

func TestLogger_WithGroupAndWith(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", writer: output})
	require.NoError(t, err)

	logger.With(slog.String("job_id", "j1")).WithGroup("engine").Info("upload", slog.String("file", "files/1"))

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "j1", entries[0]["job_id"])
	group, ok := entries[0]["engine"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "files/1", group["file"])
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NoError(t, logger.Close())
}
