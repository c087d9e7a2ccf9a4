package home_test

import (
	"os"
	"path/filepath"
	"testing"

	"hat/internal/home"
)

func TestDefaultDBPath(t *testing.T) {
	d := home.New("/data/hat")
	if got, want := d.DefaultDBPath(), filepath.Join("/data/hat", "syslog.db"); got != want {
		t.Errorf("DefaultDBPath() = %s, want %s", got, want)
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "hat")
	d := home.New(root)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists (idempotent): %v", err)
	}
}
