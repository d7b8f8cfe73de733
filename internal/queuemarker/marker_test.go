package queuemarker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileMarker_TouchAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "udev", "queue")
	m, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("marker file missing after Touch: %v", err)
	}

	if err := m.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("marker file still present after Remove")
	}
}

func TestFileMarker_RemoveIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	m, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Remove(); err != nil {
		t.Fatalf("Remove on a never-touched marker must not error: %v", err)
	}
}
