// Package defaults provides embedded copies of the example configuration
// and persona files.
package defaults

import _ "embed"

// ConfigYAML is the embedded example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaMD is the embedded example persona file.
//
//go:embed persona.example.md
var PersonaMD []byte
