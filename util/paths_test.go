package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDataDir_Env(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AQUAFLUSH_DIR", dir)

	if got := GetDataDir(); got != dir {
		t.Errorf("Expected %s, got %s", dir, got)
	}

	debugDir := GetDebugDir()
	if debugDir != filepath.Join(dir, "debug") {
		t.Errorf("Unexpected debug dir %s", debugDir)
	}
	if _, err := os.Stat(debugDir); err != nil {
		t.Errorf("Debug dir not created: %v", err)
	}
}

func TestShortID(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"abc":               "abc",
		"ESP32_MOCK_DEVICE": "ESP32_MO",
	}
	for in, want := range tests {
		if got := ShortID(in); got != want {
			t.Errorf("ShortID(%q) = %q, want %q", in, got, want)
		}
	}
}
