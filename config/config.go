// Package config holds runtime configuration: named environment profiles
// with their fallback chains, storage settings and log redaction.
package config

import (
	"encoding/json"
	"os"
)

// Profile is a named execution-environment policy. Selectors is the default
// strategy try order for steps that do not declare their own.
type Profile struct {
	TimeoutMs int      `json:"timeoutMs"`
	Retry     int      `json:"retry"`
	Fallback  []string `json:"fallback,omitempty"`
	Selectors []string `json:"selectors,omitempty"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type LogConfig struct {
	Level string `json:"level"`
	// Redact forces the named log fields to the mask token regardless of
	// their content.
	Redact []string `json:"redact,omitempty"`
}

type Config struct {
	DefaultProfile string             `json:"defaultProfile"`
	Profiles       map[string]Profile `json:"profiles"`
	// VDIMode reverses the selector base order so pixel-based strategies are
	// tried before accessibility-tree ones.
	VDIMode bool          `json:"vdiMode,omitempty"`
	Storage StorageConfig `json:"storage"`
	Log     LogConfig     `json:"log"`
}

// LoadConfig reads a JSON config file from path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg := Default()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProfileChain returns the ordered, de-duplicated closure of start and its
// transitive fallbacks, depth-first with first-seen order preserved. An
// unknown start falls back to the configured default profile.
func (c *Config) ProfileChain(start string) []string {
	seen := map[string]bool{}
	var order []string
	var add func(name string)
	add = func(name string) {
		if seen[name] {
			return
		}
		p, ok := c.Profiles[name]
		if !ok {
			return
		}
		seen[name] = true
		order = append(order, name)
		for _, fb := range p.Fallback {
			add(fb)
		}
	}
	if _, ok := c.Profiles[start]; !ok {
		start = c.DefaultProfile
	}
	add(start)
	return order
}

// Profile returns the named profile, falling back to the default profile for
// unknown names.
func (c *Config) Profile(name string) Profile {
	if p, ok := c.Profiles[name]; ok {
		return p
	}
	return c.Profiles[c.DefaultProfile]
}
