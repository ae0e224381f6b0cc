// Package plugin provides the public API for camplug modules.
// External modules should import this package instead of internal packages.
package plugin

// ModuleInfo contains metadata about a module.
// External modules print it as JSON when started with --plugin-info.
type ModuleInfo struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Vendor      string     `json:"vendor,omitempty"`
	APIVersion  APIVersion `json:"api_version"`
	Description string     `json:"description"`
}
