package security

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateModulePath(t *testing.T) {
	base := filepath.Join(t.TempDir(), "modules")

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside", filepath.Join(base, "synthetic"), false},
		{"nested", filepath.Join(base, "vendor", "cam"), false},
		{"empty", "", true},
		{"base itself", base, true},
		{"traversal", filepath.Join(base, "..", "evil"), true},
		{"sibling prefix", base + "-other/cam", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModulePath(tt.path, base)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModulePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestLimitedReader(t *testing.T) {
	r := NewLimitedReader(strings.NewReader("0123456789"), 4)
	buf := make([]byte, 8)

	n, err := r.Read(buf)
	if err != nil || n != 4 || string(buf[:n]) != "0123" {
		t.Fatalf("Read() = %d %q, %v", n, buf[:n], err)
	}
	if _, err := r.Read(buf); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("Read() past limit error = %v, want ErrLimitExceeded", err)
	}

	all, err := io.ReadAll(NewLimitedReader(strings.NewReader("abc"), 10))
	if err != nil || string(all) != "abc" {
		t.Errorf("ReadAll() = %q, %v", all, err)
	}
}
