// Package defaults provides the embedded default configuration for the
// deckforge init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
