package workflow

import (
	"bytes"

	_ "embed"
)

// defaultDocument is the workflow shipped with the daemon. It covers the
// standard transfer, identification, normalization, and packaging chains
// with decision links for every processing configuration switch.
//
//go:embed default.json
var defaultDocument []byte

// Default parses the embedded workflow document.
func Default() (*Graph, error) {
	return Parse(bytes.NewReader(defaultDocument))
}
