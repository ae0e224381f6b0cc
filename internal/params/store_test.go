package params

import (
	"errors"
	"testing"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

func TestGetLengthQuery(t *testing.T) {
	s := New("acme", "1.2.0")

	n, err := s.Get(plugin.ParamVendorString, nil)
	if err != nil {
		t.Fatalf("Get(nil) error = %v", err)
	}
	if n != 4 {
		t.Fatalf("Get(nil) = %d, want 4", n)
	}

	dst := make([]byte, n)
	if _, err := s.Get(plugin.ParamVendorString, dst); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(dst) != "acme" {
		t.Errorf("Get() = %q, want acme", dst)
	}

	short := make([]byte, 2)
	n, err = s.Get(plugin.ParamVendorString, short)
	if err != nil {
		t.Fatalf("Get(short) error = %v", err)
	}
	if n != 4 || string(short) != "ac" {
		t.Errorf("Get(short) = %d %q, want 4 \"ac\"", n, short)
	}
}

func TestSet(t *testing.T) {
	tests := []struct {
		name    string
		param   string
		value   string
		wantErr error
	}{
		{"config path", plugin.ParamConfigPath, "/etc/cam.yaml", nil},
		{"custom", "exposure-mode", "auto", nil},
		{"empty name", "", "x", plugin.ErrInvalidParam},
		{"vendor read-only", plugin.ParamVendorString, "evil", plugin.ErrInvalidParam},
		{"version read-only", plugin.ParamVersion, "9", plugin.ErrInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("acme", "1")
			err := s.Set(tt.param, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Set() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				if v, _ := s.Value(tt.param); v != tt.value {
					t.Errorf("Value() = %q, want %q", v, tt.value)
				}
			}
		})
	}
}

func TestGetUnknown(t *testing.T) {
	s := New("acme", "1")
	if _, err := s.Get("nope", nil); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("Get(unknown) error = %v, want ErrInvalidParam", err)
	}
	if _, err := s.Get("", nil); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("Get(\"\") error = %v, want ErrInvalidParam", err)
	}
	if len(s.Names()) != 5 {
		t.Errorf("Names() = %v, want the 5 reserved names", s.Names())
	}
}
