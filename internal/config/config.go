package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ErrConfiguration marks a bad run configuration: no engines, malformed base
// URLs, or scenario references to unknown engine identifiers. Fatal for the
// run; nothing is executed.
var ErrConfiguration = errors.New("configuration error")

// Config names the engines under test and any substitution variables
// available to fixtures. It is supplied externally, never parsed from
// scenario files.
type Config struct {
	Engines map[string]string `json:"engines"` // identifier -> base URL
	Vars    map[string]string `json:"vars,omitempty"`
}

// LoadFiles merges one or more JSON config files, later files winning.
func LoadFiles(paths []string) (*Config, error) {
	cfg := &Config{Engines: map[string]string{}, Vars: map[string]string{}}
	for _, p := range paths {
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, p, err)
		}
		var in Config
		if err := json.Unmarshal(b, &in); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, p, err)
		}
		for k, v := range in.Engines {
			cfg.Engines[k] = v
		}
		for k, v := range in.Vars {
			cfg.Vars[k] = v
		}
	}
	return cfg, nil
}

// AddEnginePairs merges "name=url" pairs from the command line, overriding
// file-sourced entries.
func (c *Config) AddEnginePairs(pairs []string) error {
	for _, p := range pairs {
		if p == "" {
			continue
		}
		name, base, ok := strings.Cut(p, "=")
		if !ok || name == "" || base == "" {
			return fmt.Errorf("%w: engine %q is not name=url", ErrConfiguration, p)
		}
		c.Engines[name] = base
	}
	return nil
}

// Validate checks that at least one engine is configured and every base URL
// is absolute.
func (c *Config) Validate() error {
	if len(c.Engines) == 0 {
		return fmt.Errorf("%w: no engines configured", ErrConfiguration)
	}
	for name, base := range c.Engines {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: engine %s has invalid base URL %q", ErrConfiguration, name, base)
		}
	}
	return nil
}
