package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_config(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "example.conf")

	err := generateConfig(configFile)
	assert.NoError(t, err)

	cfg, err := Load(configFile, "0.0.0")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0", cfg.ServerVersion())
	assert.Equal(t, ":53", cfg.Bind)
	assert.Equal(t, 8, cfg.MaxCNAMEChain)
	assert.Equal(t, 168*time.Hour, cfg.DNSSEC.Validity.Duration)
	assert.Equal(t, StrategyForward, cfg.Recursion.Strategy)
	assert.NotEmpty(t, cfg.CookieSecret)
}

func Test_configGenerate(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "new.conf")

	_, err := Load(configFile, "0.0.0")
	assert.NoError(t, err)

	_, err = os.Stat(configFile)
	assert.NoError(t, err)
}

func Test_configError(t *testing.T) {
	const configFile = ""

	_, err := Load(configFile, "0.0.0")
	assert.Error(t, err)
}

func Test_configZones(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "zones.conf")

	data := `
version = "1.0.0"

[tsig."key1."]
algorithm = "hmac-sha256."
secret = "c2VjcmV0"

[[zone]]
name = "Example.COM"
file = "example.com.zone"
updatetsig = ["key1."]

[[zone]]
name = "corp."
type = "forward"
upstreams = ["10.0.0.1:53"]
`
	require.NoError(t, os.WriteFile(configFile, []byte(data), 0o600))

	cfg, err := Load(configFile, "0.0.0")
	require.NoError(t, err)
	require.Len(t, cfg.Zones, 2)

	assert.Equal(t, "example.com.", cfg.Zones[0].Name)
	assert.Equal(t, ZonePrimary, cfg.Zones[0].Type)
	assert.Equal(t, StorageMemory, cfg.Zones[0].Storage)
	assert.Equal(t, StrategyForward, cfg.Zones[1].Strategy)
	assert.Equal(t, map[string]string{"key1.": "c2VjcmV0"}, cfg.TSIGSecrets())
}

func Test_configValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty name", Config{Zones: []Zone{{Type: ZonePrimary, File: "x"}}}},
		{"duplicate", Config{Zones: []Zone{
			{Name: "a.", Type: ZonePrimary, Storage: StorageMemory, File: "x"},
			{Name: "a.", Type: ZonePrimary, Storage: StorageMemory, File: "y"},
		}}},
		{"no source", Config{Zones: []Zone{{Name: "a.", Type: ZonePrimary, Storage: StorageMemory}}}},
		{"forward without upstream", Config{Zones: []Zone{{Name: "a.", Type: ZoneForward, Strategy: StrategyForward, Storage: StorageMemory}}}},
		{"dnssec without keys", Config{Zones: []Zone{{Name: "a.", Type: ZonePrimary, Storage: StorageMemory, File: "x", DNSSEC: true}}}},
		{"unknown tsig", Config{Zones: []Zone{{Name: "a.", Type: ZonePrimary, Storage: StorageMemory, File: "x", UpdateTSIG: []string{"k."}}}}},
		{"bad type", Config{Zones: []Zone{{Name: "a.", Type: "stub", Storage: StorageMemory}}}},
		{"recursion upstreams", Config{Recursion: Recursion{Enabled: true, Strategy: StrategyForward}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}

	ok := Config{Zones: []Zone{{Name: "a.", Type: ZonePrimary, Storage: StorageBstore}}}
	assert.NoError(t, ok.Validate())
}

func Test_configPath(t *testing.T) {
	cfg := &Config{Directory: "/var/lib/authdns"}

	assert.Equal(t, "/var/lib/authdns/example.zone", cfg.Path("example.zone"))
	assert.Equal(t, "/etc/example.zone", cfg.Path("/etc/example.zone"))
	assert.Equal(t, "", cfg.Path(""))
}
