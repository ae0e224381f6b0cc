// Package security provides path and size guards for camplug.
package security

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrLimitExceeded is returned by LimitedReader once its budget is spent.
var ErrLimitExceeded = errors.New("read size limit exceeded")

// ValidateModulePath ensures a module binary lies within the module directory.
func ValidateModulePath(modulePath, baseDir string) error {
	if modulePath == "" {
		return fmt.Errorf("empty module path")
	}

	absModulePath, err := filepath.Abs(filepath.Clean(modulePath))
	if err != nil {
		return fmt.Errorf("invalid module path: %w", err)
	}
	absBaseDir, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return fmt.Errorf("invalid module directory: %w", err)
	}

	if !strings.HasPrefix(absModulePath, absBaseDir+string(filepath.Separator)) {
		return fmt.Errorf("module path %s is outside %s", modulePath, baseDir)
	}
	return nil
}

// LimitedReader wraps an io.Reader and fails once more than Remaining bytes
// are requested. It bounds decompressed recordings.
type LimitedReader struct {
	R         io.Reader
	Remaining int64
}

// Read implements io.Reader with size limits.
func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.Remaining <= 0 {
		return 0, ErrLimitExceeded
	}
	if int64(len(p)) > l.Remaining {
		p = p[:l.Remaining]
	}
	n, err := l.R.Read(p)
	l.Remaining -= int64(n)
	return n, err
}

// NewLimitedReader creates a new LimitedReader with the specified size limit.
func NewLimitedReader(r io.Reader, maxBytes int64) *LimitedReader {
	return &LimitedReader{R: r, Remaining: maxBytes}
}
