// Package configfeed loads a broker.Config from a TOML or YAML file, with
// environment-variable overrides for fields that carry an `env` struct tag,
// calling golobby/config/v3's own feeders directly rather than wrapping them
// in a renamed copy. broker.Config declares no `env` tags, so its values come
// from the file alone.
package configfeed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golobby/config/v3/pkg/feeder"
	"gopkg.in/yaml.v3"

	"github.com/relaybroker/broker"
)

// Load reads path (dispatching on its extension: .toml or .yaml/.yml) into
// cfg, then applies environment variable overrides via struct `env` tags.
func Load(path string, cfg any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := (feeder.Toml{Path: path}).Feed(cfg); err != nil {
			return fmt.Errorf("configfeed: feed toml: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("configfeed: read yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("configfeed: feed yaml: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", broker.ErrUnsupportedConfigFormat, ext)
	}

	if err := (feeder.Env{}).Feed(cfg); err != nil {
		return fmt.Errorf("configfeed: feed env overrides: %w", err)
	}
	return nil
}
