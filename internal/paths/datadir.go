package paths

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the data directory.
const EnvHome = "DHT_CHAT_HOME"

const dbFile = "chat.db"

// DefaultDataDir returns the per-user directory for node state: $DHT_CHAT_HOME,
// then os.UserConfigDir, then a directory under the working directory.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "dht-chat")
	}
	return ".dht-chat"
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// StorePath creates dir if needed and returns the database path inside it.
func StorePath(dir string) (string, error) {
	dir, err := EnsureDir(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dbFile), nil
}
