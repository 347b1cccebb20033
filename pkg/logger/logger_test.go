package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestInitAndWithContext(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, Init(Config{Level: "debug", OutputPaths: []string{out}}))

	ctx := WithRunID(context.Background(), "run-1")
	WithContext(ctx).Info("extracting")
	WithContext(context.Background()).Debug("no run")
	_ = Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"run_id":"run-1"`)
	assert.Contains(t, lines[0], `"message":"extracting"`)
	assert.NotContains(t, lines[1], "run_id")
}
