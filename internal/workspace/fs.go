// Package workspace is the file surface of the project directory. Agents
// read originals through it and merged branches write through it; nothing
// else in the system touches the working tree.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape indicates a path would resolve outside the project root.
var ErrPathEscape = errors.New("path escapes the workspace")

// FS reads and writes files under one project root. All paths are
// relative to the root; anything resolving outside it is rejected.
type FS struct {
	root     string
	debugLog func(format string, args ...interface{})
}

// NewFS creates a workspace over the given project root.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &FS{
		root:     abs,
		debugLog: func(format string, args ...interface{}) {},
	}, nil
}

// SetDebugLog sets the debug logging function.
func (f *FS) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		f.debugLog = fn
	}
}

// Root returns the absolute project root.
func (f *FS) Root() string { return f.root }

// resolve joins a relative path onto the root and rejects escapes.
func (f *FS) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%s: %w", path, ErrPathEscape)
	}
	full := filepath.Join(f.root, filepath.Clean(path))
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrPathEscape)
	}
	return full, nil
}

// Exists reports whether a file or directory exists at the path.
func (f *FS) Exists(path string) bool {
	full, err := f.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// ReadFile returns the content of a file.
func (f *FS) ReadFile(path string) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes a file, creating parent directories as needed.
func (f *FS) WriteFile(path, content string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	f.debugLog("[workspace] wrote %s (%d bytes)", path, len(content))
	return nil
}

// MkdirAll creates a directory and any missing parents.
func (f *FS) MkdirAll(path string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// Delete removes a file. A path that is already gone is not an error.
func (f *FS) Delete(path string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	f.debugLog("[workspace] deleted %s", path)
	return nil
}
