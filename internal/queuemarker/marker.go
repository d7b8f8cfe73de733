// Package queuemarker implements the queue.Marker side effect: a
// filesystem marker touched while the event queue is non-empty and
// removed once it drains, letting udevadm settle (an external
// collaborator) poll queue state without a socket round-trip (spec §6).
package queuemarker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coredevd/eventd/internal/interfaces"
)

// FileMarker implements queue.Marker against a real path.
type FileMarker struct {
	path   string
	logger interfaces.Logger
}

// New creates a FileMarker at path, creating its parent directory if
// needed.
func New(path string, logger interfaces.Logger) (*FileMarker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queuemarker: mkdir %s: %w", filepath.Dir(path), err)
	}
	return &FileMarker{path: path, logger: logger}, nil
}

// Touch creates the marker file if it does not already exist.
func (m *FileMarker) Touch() error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("queuemarker: touch %s: %w", m.path, err)
	}
	if m.logger != nil {
		m.logger.Debug("queue marker created", "path", m.path)
	}
	return f.Close()
}

// Remove deletes the marker file; a missing file is not an error, since
// a crash-restart cycle may already have cleaned it up.
func (m *FileMarker) Remove() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queuemarker: remove %s: %w", m.path, err)
	}
	if m.logger != nil {
		m.logger.Debug("queue marker removed", "path", m.path)
	}
	return nil
}
