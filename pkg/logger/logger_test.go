package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orgkeeper.log")

	logger := NewLogger(Options{Path: path})
	testMessage := "Test message"
	logger.Printf("%s", testMessage)
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	assert.Contains(t, lines[len(lines)-1], testMessage)
}

func TestWithPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orgkeeper.log")

	logger := NewLogger(Options{Path: path})
	WithPrefix(logger, "[push] ").Printf("pushed %d entries", 3)
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "[push] pushed 3 entries")
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().Printf("dropped %s", "message")
	})
}
