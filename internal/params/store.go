// Package params implements the named string parameters a module exposes.
package params

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Store holds named string parameters. Values are read with a two-call
// length query: a first Get with a nil buffer returns the required length.
type Store struct {
	mu       sync.RWMutex
	values   map[string]string
	readOnly map[string]bool
}

// New creates a store with the reserved names defined. vendor and version
// fill the read-only vendor string and version parameters.
func New(vendor, version string) *Store {
	return &Store{
		values: map[string]string{
			plugin.ParamConfigPath:      "",
			plugin.ParamDataPath:        "",
			plugin.ParamCalibrationPath: "",
			plugin.ParamVendorString:    vendor,
			plugin.ParamVersion:         version,
		},
		readOnly: map[string]bool{
			plugin.ParamVendorString: true,
			plugin.ParamVersion:      true,
		},
	}
}

// Get copies the value of name into dst and returns the full value length.
// With a nil dst only the length is returned; a short dst receives a
// truncated copy.
func (s *Store) Get(name string, dst []byte) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty parameter name", plugin.ErrInvalidParam)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown parameter %q", plugin.ErrInvalidParam, name)
	}
	copy(dst, v)
	return len(v), nil
}

// Value returns the value of name.
func (s *Store) Value(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Set stores value under name. Read-only names are rejected.
func (s *Store) Set(name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: empty parameter name", plugin.ErrInvalidParam)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly[name] {
		return fmt.Errorf("%w: parameter %q is read-only", plugin.ErrInvalidParam, name)
	}
	s.values[name] = value
	return nil
}

// Names returns every defined parameter name, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for n := range s.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
