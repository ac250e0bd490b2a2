package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteDefaultFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := WriteDefaultFile(path); err != nil {
		t.Fatalf("WriteDefaultFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}
}

func TestDefaultsAreUsable(t *testing.T) {
	c := Defaults()
	if c.Node.DataDir == "" {
		t.Fatalf("expected a non-empty data dir default")
	}
	if c.Storage.ModuleCacheSize <= 0 {
		t.Fatalf("expected a positive module cache size default")
	}
	if c.Runtime.GasLimit == 0 {
		t.Fatalf("expected a non-zero gas limit default")
	}
	if c.Sync.SessionTimeoutMS <= 0 {
		t.Fatalf("expected a positive sync session timeout default")
	}
}
