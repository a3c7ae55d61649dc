package marker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes <dir>/<label>.yaml. The file is replaced atomically so a
// reader never sees a half-written marker.
type FileSink struct {
	dir string
}

// NewFileSink returns a sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: filepath.Clean(dir)}
}

func (f *FileSink) Name() string { return "file" }

// Path returns the marker file for label.
func (f *FileSink) Path(label string) (string, error) {
	return containedPath(f.dir, label+".yaml")
}

// Report writes the marker file.
func (f *FileSink) Report(_ context.Context, m Marker) error {
	target, err := f.Path(m.Label)
	if err != nil {
		return err
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+m.Label+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod marker: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace marker: %w", err)
	}
	return nil
}

// Read loads the marker for label.
func (f *FileSink) Read(label string) (Marker, error) {
	target, err := f.Path(label)
	if err != nil {
		return Marker{}, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return Marker{}, err
	}
	return Decode(data)
}

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrustedPath string) (string, error) {
	if basePath == "" || basePath == "." {
		return "", errors.New("marker directory is required")
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, untrustedPath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside %q", untrustedPath, absBase)
	}
	return absJoined, nil
}
