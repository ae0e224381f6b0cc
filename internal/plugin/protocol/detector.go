package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// InfoFlag is the argument that makes a module binary print its ModuleInfo and exit.
const InfoFlag = "--plugin-info"

// DecodeModuleInfo parses the --plugin-info output of a module and checks
// that its API level can be loaded.
func DecodeModuleInfo(data []byte) (*plugin.ModuleInfo, error) {
	var info plugin.ModuleInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse module info: %w", err)
	}
	if strings.TrimSpace(info.Name) == "" {
		return nil, fmt.Errorf("module info has no name")
	}
	if _, err := IsCompatible(info.APIVersion); err != nil {
		return nil, fmt.Errorf("module %s: %w", info.Name, err)
	}
	return &info, nil
}
