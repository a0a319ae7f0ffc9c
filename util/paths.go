package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("AQUAFLUSH_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".aquaflush-data")
}

// GetDebugDir returns the directory where operation traces are written
func GetDebugDir() string {
	debugDir := filepath.Join(GetDataDir(), "debug")
	// Ensure the directory exists
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		panic(err)
	}
	return debugDir
}

// ShortID returns up to the first 8 characters of an id for log prefixes
func ShortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
