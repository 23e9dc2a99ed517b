package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggedLoggerPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(WithWriter(&buf), WithRunID("run-1"))
	require.NoError(t, err)

	logger.Tagged(TagDeploy).Info("push complete")

	line := buf.String()
	assert.Contains(t, line, "DEPLOY")
	assert.Contains(t, line, "push complete")
	assert.Contains(t, line, "run-1")
}

func TestNewGeneratesRunID(t *testing.T) {
	logger, err := New(WithWriter(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.Len(t, logger.RunID(), 36)
}

func TestJSONFormatterEmitsOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(WithWriter(&buf), WithFormat(" JSON "), WithRunID("run-2"))
	require.NoError(t, err)

	logger.Tagged(TagRun).Info("client initialized", "model", "sonnet")

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "client initialized", record["msg"])
	assert.Equal(t, "run-2", record["run_id"])
	assert.Equal(t, "sonnet", record["model"])
}

func TestLogFileReceivesCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lilo.log")
	logger, err := New(WithWriter(&bytes.Buffer{}), WithLogFile(path))
	require.NoError(t, err)

	logger.Logger.Warn("session write failed")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "session write failed"))
	assert.Equal(t, path, logger.Path())
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(WithWriter(&buf), WithLevel("warn"))
	require.NoError(t, err)

	logger.Logger.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestTextFormatIsDefault(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(WithWriter(&buf), WithFormat("text"))
	require.NoError(t, err)

	logger.Logger.Info("ready")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	assert.Contains(t, buf.String(), "ready")
}

func TestUnknownFormatFails(t *testing.T) {
	_, err := New(WithFormat("xml"))
	require.Error(t, err)
}

func TestInvalidLevelFails(t *testing.T) {
	_, err := New(WithLevel("loud"))
	require.Error(t, err)
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	var logger *RuntimeLogger
	assert.NotNil(t, logger.Tagged(TagRun))
	assert.Empty(t, logger.RunID())
	assert.NoError(t, logger.Close())
}
