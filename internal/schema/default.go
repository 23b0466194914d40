package schema

import _ "embed"

//go:embed default_format.yaml
var defaultFormat []byte

// Default is the built-in SC2 status frame, used in demo mode when no
// format file is installed.
func Default() *Schema {
	s, err := Parse(defaultFormat)
	if err != nil {
		panic("schema: built-in format: " + err.Error())
	}
	return s
}

// DefaultFormat returns the YAML behind Default, for writing out a starting
// format file.
func DefaultFormat() []byte { return append([]byte(nil), defaultFormat...) }
