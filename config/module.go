package config

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/core"
)

// ModuleI defines an interface of a chain module
type ModuleI interface {
	// Name returns the config type tag of the module
	Name() string

	// ParseConfig decodes a chain entry's config blob
	ParseConfig(raw json.RawMessage) (core.ChainConfig, error)

	// GetCmd returns the module's extra command, or nil
	GetCmd(ctx *Context) *cobra.Command
}
