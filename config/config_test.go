package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := Load(home)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Global, cfg.Global)
	require.Empty(t, cfg.Chains)
	require.Equal(t, ConfigPathOf(home), cfg.ConfigPath)

	timeout, err := cfg.Global.GetTimeout()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, timeout)
	interval, err := cfg.Global.GetRelayInterval()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, interval)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	home := t.TempDir()

	cfg := DefaultConfig()
	cfg.ConfigPath = ConfigPathOf(home)
	cfg.Global.LogLevel = "DEBUG"
	cfg.Global.Workers = 8
	cfg.Chains = append(cfg.Chains, ChainEntry{
		Type:   "tendermint",
		Config: json.RawMessage(`{"chain_id":"testnet-1","rpc_addr":"http://localhost:26657","store_name":"relay"}`),
	})
	require.NoError(t, cfg.Save())

	loaded, err := Load(home)
	require.NoError(t, err)
	require.Equal(t, "DEBUG", loaded.Global.LogLevel)
	require.Equal(t, 8, loaded.Global.Workers)
	require.Len(t, loaded.Chains, 1)
	require.Equal(t, "tendermint", loaded.Chains[0].Type)

	// the module blob survives untouched
	var blob map[string]any
	require.NoError(t, json.Unmarshal(loaded.Chains[0].Config, &blob))
	require.Equal(t, "testnet-1", blob["chain_id"])
	require.Equal(t, "http://localhost:26657", blob["rpc_addr"])
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	home := t.TempDir()
	path := ConfigPathOf(home)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(home)
	require.Error(t, err)
}

func TestGetTimeoutRejectsGarbage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global.Timeout = "soon"
	_, err := cfg.Global.GetTimeout()
	require.Error(t, err)
}
