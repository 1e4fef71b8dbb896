package global

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigDir_UsesOverride(t *testing.T) {
	t.Setenv("NEXUS_CONFIG_DIR", "/tmp/nexus-config-test")
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir returned error: %v", err)
	}
	if got != "/tmp/nexus-config-test" {
		t.Fatalf("expected override path, got %q", got)
	}
}

func TestDefaultConfigDir_UnderHome(t *testing.T) {
	t.Setenv("NEXUS_CONFIG_DIR", "")
	got, err := DefaultConfigDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if !strings.HasSuffix(got, filepath.Join(".config", "nexus")) {
		t.Fatalf("unexpected default dir %q", got)
	}
}
