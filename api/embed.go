// Package api embeds the tool contract for the opsgate service.
package api

import _ "embed"

// ToolsContract contains the raw tool contract YAML served at
// /api/tools.yaml and parsed into the registry at boot.
//
//go:embed tools.yaml
var ToolsContract []byte
