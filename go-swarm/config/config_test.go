package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestBytesRoundTrip(t *testing.T) {
	cfg := Default()
	data, err := cfg.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), `RequestTimeout = "1m0s"`)

	decoded := &Config{}
	require.NoError(t, FromBytes(data, decoded))
	assert.Equal(t, cfg, decoded)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[Net]
ListenAddr = "127.0.0.1:7000"
Transport = "quic"

[Exchange]
Strategy = "sequential"
RequestTimeout = "30s"

[DHT]
Bootstrap = ["10.0.0.1:6881"]
`), 0644))
	t.Setenv("THOR_EXCHANGE_MAXINFLIGHTPERPEER", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Net.ListenAddr)
	assert.Equal(t, "quic", cfg.Net.Transport)
	assert.Equal(t, "sequential", cfg.Exchange.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Exchange.RequestTimeout.Std())
	assert.Equal(t, 9, cfg.Exchange.MaxInFlightPerPeer)
	assert.Equal(t, []string{"10.0.0.1:6881"}, cfg.DHT.Bootstrap)
	assert.Equal(t, 4, cfg.Exchange.EndgameThreshold, "unset keys keep their default")
	assert.NotEqual(t, byte('~'), cfg.Node.DataDir[0], "home is expanded")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Net.ListenAddr, cfg.Net.ListenAddr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Exchange]\nMaxInFlightPerPeer = 0\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[Net]\nTransport = \"udp\"\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[Exchange]\nRequestTimeout = \"soon\"\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}
