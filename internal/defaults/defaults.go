// Package defaults provides the embedded example configuration written
// by the hearth init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented starting configuration. It parses and
// validates as is.
//
//go:embed config.example.yaml
var ConfigYAML []byte
