// Package defaults provides embedded copies of the example files written
// by the espresense init subcommand.
package defaults

import _ "embed"

//go:generate sh -c "cp ../../examples/config.example.yaml . && cp ../../examples/devices.example.jsonc ."

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed devices.example.jsonc
var DevicesJSONC []byte
