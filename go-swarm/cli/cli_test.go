package cli

import (
	"bytes"
	"testing"

	"github.com/iohzrd/thor/go-swarm/config"
	"github.com/iohzrd/thor/go-swarm/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefault(t *testing.T) {
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"config", "default"})
	require.NoError(t, rootCmd.Execute())

	cfg := &config.Config{}
	require.NoError(t, config.FromBytes(out.Bytes(), cfg))
	assert.Equal(t, config.Default(), cfg)
}

func TestDHTPingRejectsBadAddress(t *testing.T) {
	rootCmd.SetArgs([]string{"dht", "ping", "not-an-address"})
	assert.Error(t, rootCmd.Execute())
}

func TestDescribe(t *testing.T) {
	s := exchange.Snapshot{PeerCount: 3, UploadBytesPerSec: 512}
	assert.Equal(t, "file [3 peers, 512 B/s up]", describe("file", s))
}
