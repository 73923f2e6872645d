package mock

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/core"
)

// ChainConfig configures one in-memory chain.
type ChainConfig struct {
	Chain string `json:"chain_id" yaml:"chain_id"`
}

var _ core.ChainConfig = ChainConfig{}

func (c ChainConfig) ChainID() string { return c.Chain }

func (c ChainConfig) Validate() error {
	if c.Chain == "" {
		return fmt.Errorf("chain_id must not be empty")
	}
	return nil
}

func (c ChainConfig) Build() (core.Chain, error) {
	return New(c.Chain), nil
}

// Module registers the mock chain type.
type Module struct{}

var _ config.ModuleI = Module{}

func (Module) Name() string { return "mock" }

func (Module) ParseConfig(raw json.RawMessage) (core.ChainConfig, error) {
	var cfg ChainConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (Module) GetCmd(ctx *config.Context) *cobra.Command { return nil }
