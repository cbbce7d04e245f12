package config

// DefaultConfigPath is where the CLI looks for its config file.
const DefaultConfigPath = "rpaflow.config.json"

// Default returns the built-in configuration: a physical-desktop profile
// that falls back to a virtual-desktop profile where pixel-based selector
// strategies lead.
func Default() *Config {
	return &Config{
		DefaultProfile: "physical",
		Profiles: map[string]Profile{
			"physical": {
				TimeoutMs: 10000,
				Retry:     0,
				Fallback:  []string{"vdi"},
				Selectors: []string{"uia", "anchor", "image", "coordinate"},
			},
			"vdi": {
				TimeoutMs: 20000,
				Retry:     0,
				Selectors: []string{"image", "coordinate", "uia", "anchor"},
			},
		},
		Storage: StorageConfig{Driver: "memory"},
		Log:     LogConfig{Level: "info"},
	}
}
