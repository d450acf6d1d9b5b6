package engine

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed prelude.js
var preludeSource string

// PreludeURL is the source URL engines report for the prelude.
const PreludeURL = "jsbridge://prelude.js"

// Prelude returns the script that installs the bridge runtime.
func Prelude() string {
	return preludeSource
}

// ConfigScript returns a statement assigning cfg to
// globalThis.__fbBatchedBridgeConfig. It must run before Prelude. A
// top-level var is not a global under qjs -e.
func ConfigScript(cfg map[string]any) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode module config: %w", err)
	}
	return "globalThis.__fbBatchedBridgeConfig = " + string(data) + ";\n", nil
}
