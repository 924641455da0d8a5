package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDataDir_EnvOverride(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/chat-home")
	assert.Equal(t, "/tmp/chat-home", DefaultDataDir())
}

func TestStorePath_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	p, err := StorePath(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chat.db"), p)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
