// Package workspace manages the host directories mounted into local units.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager creates one directory per unit under a base directory.
type Manager struct {
	base string
}

// New creates a Manager rooted at base, creating it if needed.
func New(base string) (*Manager, error) {
	if base == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	return &Manager{base: abs}, nil
}

// Base returns the base directory.
func (m *Manager) Base() string {
	return m.base
}

// Path returns the directory of a unit without creating it.
func (m *Manager) Path(unitID string) (string, error) {
	if unitID == "" || strings.ContainsAny(unitID, `/\`) || unitID == "." || unitID == ".." {
		return "", fmt.Errorf("invalid unit ID %q", unitID)
	}
	return filepath.Join(m.base, unitID), nil
}

// Prepare creates the unit's directory. Units may run as any user, so the
// directory is world-writable.
func (m *Manager) Prepare(unitID string) (string, error) {
	dir, err := m.Path(unitID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0777); err != nil {
		return "", fmt.Errorf("chmod workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Remove deletes the unit's directory and everything in it.
func (m *Manager) Remove(unitID string) error {
	dir, err := m.Path(unitID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
