package tendermint

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/core"
)

const defaultRPCTimeoutSeconds = 10

// ChainConfig configures one CometBFT endpoint.
type ChainConfig struct {
	Chain             string `json:"chain_id" yaml:"chain_id"`
	RPCAddr           string `json:"rpc_addr" yaml:"rpc_addr"`
	StoreName         string `json:"store_name" yaml:"store_name"`
	RPCTimeoutSeconds uint   `json:"rpc_timeout_seconds,omitempty" yaml:"rpc_timeout_seconds"`
}

var _ core.ChainConfig = ChainConfig{}

func (c ChainConfig) ChainID() string { return c.Chain }

func (c ChainConfig) Validate() error {
	if c.Chain == "" {
		return fmt.Errorf("chain_id must not be empty")
	}
	if c.RPCAddr == "" {
		return fmt.Errorf("rpc_addr must not be empty")
	}
	if c.StoreName == "" {
		return fmt.Errorf("store_name must not be empty")
	}
	return nil
}

func (c ChainConfig) Build() (core.Chain, error) {
	return NewChain(c)
}

func (c ChainConfig) rpcTimeoutSeconds() uint {
	if c.RPCTimeoutSeconds == 0 {
		return defaultRPCTimeoutSeconds
	}
	return c.RPCTimeoutSeconds
}

// Module registers the tendermint chain type.
type Module struct{}

var _ config.ModuleI = Module{}

func (Module) Name() string { return "tendermint" }

func (Module) ParseConfig(raw json.RawMessage) (core.ChainConfig, error) {
	var cfg ChainConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (Module) GetCmd(ctx *config.Context) *cobra.Command { return nil }
