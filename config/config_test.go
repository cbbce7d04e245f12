package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "physical", cfg.DefaultProfile)
	assert.Equal(t, []string{"vdi"}, cfg.Profiles["physical"].Fallback)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestProfileChain(t *testing.T) {
	cfg := &Config{
		DefaultProfile: "a",
		Profiles: map[string]Profile{
			"a": {Fallback: []string{"b", "c"}},
			"b": {Fallback: []string{"c"}},
			"c": {Fallback: []string{"a"}},
		},
	}

	// depth-first, first-seen order, cycles broken
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ProfileChain("a"))
	assert.Equal(t, []string{"b", "c", "a"}, cfg.ProfileChain("b"))

	// unknown start falls back to the default profile
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ProfileChain("nope"))
}

func TestProfileChainDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"physical", "vdi"}, cfg.ProfileChain("physical"))
	assert.Equal(t, []string{"vdi"}, cfg.ProfileChain("vdi"))
}

func TestProfileLookup(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 20000, cfg.Profile("vdi").TimeoutMs)
	assert.Equal(t, 10000, cfg.Profile("unknown").TimeoutMs)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpaflow.config.json")
	doc := `{
		"defaultProfile": "kiosk",
		"profiles": {
			"kiosk": {"timeoutMs": 3000, "retry": 2, "selectors": ["image"]}
		},
		"vdiMode": true,
		"storage": {"driver": "sqlite", "dsn": "state.db"},
		"log": {"redact": ["password"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "kiosk", cfg.DefaultProfile)
	assert.Equal(t, 3000, cfg.Profiles["kiosk"].TimeoutMs)
	assert.True(t, cfg.VDIMode)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, []string{"password"}, cfg.Log.Redact)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
