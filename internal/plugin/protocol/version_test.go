package protocol

import (
	"strings"
	"testing"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

func TestParse(t *testing.T) {
	tests := []struct {
		version     string
		expectError bool
		want        plugin.APIVersion
	}{
		{"1", false, plugin.APIVersion1},
		{"v3", false, plugin.APIVersion3},
		{" 4 ", false, plugin.APIVersion4},
		{"12", false, plugin.APIVersion(12)},
		{"0", true, plugin.APIVersionInvalid},
		{"-1", true, plugin.APIVersionInvalid},
		{"invalid", true, plugin.APIVersionInvalid},
		{"1.2", true, plugin.APIVersionInvalid},
	}

	for _, tt := range tests {
		v, err := Parse(tt.version)
		if tt.expectError {
			if err == nil {
				t.Errorf("Parse(%q) expected error but got none", tt.version)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.version, err)
		}
		if v != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.version, v, tt.want)
		}
	}
}

func TestIsCompatible(t *testing.T) {
	tests := []struct {
		version       plugin.APIVersion
		compatible    bool
		errorContains string
	}{
		{plugin.APIVersion1, true, ""},
		{plugin.APIVersion4, true, ""},

		// Newer than this host - compatible (forward compatible)
		{plugin.APIVersion(7), true, ""},

		{plugin.APIVersionInvalid, false, "too old"},
		{plugin.APIVersion(-2), false, "too old"},
	}

	for _, tt := range tests {
		compatible, err := IsCompatible(tt.version)

		if !tt.compatible {
			if compatible {
				t.Errorf("IsCompatible(%v) = true, want false", tt.version)
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("IsCompatible(%v) error = %v, want error containing %q",
					tt.version, err, tt.errorContains)
			}
			continue
		}

		if !compatible {
			t.Errorf("IsCompatible(%v) = false, want true", tt.version)
		}
		if err != nil {
			t.Errorf("IsCompatible(%v) unexpected error: %v", tt.version, err)
		}
	}
}

func TestEffective(t *testing.T) {
	if got := Effective(plugin.APIVersion2); got != plugin.APIVersion2 {
		t.Errorf("Effective(v2) = %v, want v2", got)
	}
	if got := Effective(plugin.APIVersion(9)); got != plugin.CurrentAPIVersion {
		t.Errorf("Effective(v9) = %v, want %v", got, plugin.CurrentAPIVersion)
	}
}

func TestDecodeModuleInfo(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"valid", `{"name":"synthetic","version":"1.0.0","api_version":3}`, ""},
		{"future level", `{"name":"next","api_version":9}`, ""},
		{"no name", `{"api_version":3}`, "no name"},
		{"too old", `{"name":"old","api_version":0}`, "too old"},
		{"garbage", `not json`, "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DecodeModuleInfo([]byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("DecodeModuleInfo() error = %v", err)
				}
				if info.Name == "" {
					t.Error("DecodeModuleInfo() returned empty name")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("DecodeModuleInfo() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
