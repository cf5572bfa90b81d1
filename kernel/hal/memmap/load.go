package memmap

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to the environment variables that override
	// the scalar layout settings, e.g. CONTFRAME_TOTAL_FRAMES.
	EnvPrefix = "CONTFRAME"

	// LayoutFileEnv names the environment variable holding the path of the
	// layout file used when none is given explicitly.
	LayoutFileEnv = EnvPrefix + "_LAYOUT"
)

// Load reads the layout description at path, applies environment overrides
// and validates the result. An empty path selects LayoutFileEnv and, if that
// is unset too, the Default layout.
func Load(path string) (*Layout, error) {
	if path == "" {
		path = os.Getenv(LayoutFileEnv)
	}

	var l *Layout
	if path == "" {
		l = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading layout file: %w", err)
		}

		if l, err = Decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("decoding layout file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, l); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}

	return l, nil
}

// Decode parses a YAML layout description. Unknown fields are rejected.
func Decode(r io.Reader) (*Layout, error) {
	var l Layout

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&l); err != nil {
		return nil, err
	}

	return &l, nil
}

// Encode writes l as YAML.
func Encode(w io.Writer, l *Layout) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(l); err != nil {
		return err
	}
	return enc.Close()
}
