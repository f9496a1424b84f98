package am

import (
	"io"

	"github.com/BurntSushi/toml"

	"github.com/teranos/pulseline/errors"
)

// WriteTOML renders the effective configuration as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	enc := toml.NewEncoder(w)
	enc.Indent = "  "
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return nil
}
