// Package protocol implements API level negotiation and version-gated dispatch.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Parse parses an API level written as "3" or "v3".
func Parse(version string) (plugin.APIVersion, error) {
	s := strings.TrimPrefix(strings.TrimSpace(version), "v")
	n, err := strconv.Atoi(s)
	if err != nil {
		return plugin.APIVersionInvalid, fmt.Errorf("invalid API version: %s (expected N or vN)", version)
	}
	if n <= 0 {
		return plugin.APIVersionInvalid, fmt.Errorf("invalid API version: %s (must be positive)", version)
	}
	return plugin.APIVersion(n), nil
}

// IsCompatible checks if a module API level can be loaded by this host.
// Rules:
// - Levels below MinAPIVersion are rejected.
// - Levels above CurrentAPIVersion are accepted; the host only calls operations it knows.
func IsCompatible(v plugin.APIVersion) (bool, error) {
	if v < plugin.MinAPIVersion {
		return false, fmt.Errorf(
			"module API version %s is too old, minimum required is %s",
			v, plugin.MinAPIVersion,
		)
	}
	return true, nil
}

// Effective returns the API level the host speaks with a module declaring v.
func Effective(v plugin.APIVersion) plugin.APIVersion {
	return min(v, plugin.CurrentAPIVersion)
}
