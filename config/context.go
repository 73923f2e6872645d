package config

import (
	"context"
	"fmt"

	"github.com/mosaicxc/aggrelayer/clients/aggrelite"
	"github.com/mosaicxc/aggrelayer/clients/tendermint"
	"github.com/mosaicxc/aggrelayer/core"
	"github.com/mosaicxc/aggrelayer/store"
)

// Context is the assembled runtime every command operates on.
type Context struct {
	Modules []ModuleI
	Home    string
	Config  *Config

	Store       *store.Store
	Registry    *core.ChainRegistry
	Clients     *core.ClientManager
	Connections *core.ConnectionHandshaker
	Channels    *core.ChannelHandshaker
	Pool        *core.ChannelPool
}

// Module returns the module registered under the config type tag.
func (ctx *Context) Module(name string) (ModuleI, error) {
	for _, m := range ctx.Modules {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no module registered for chain type %q", name)
}

// ParseChainConfig decodes one chain entry through its module.
func (ctx *Context) ParseChainConfig(entry ChainEntry) (core.ChainConfig, error) {
	m, err := ctx.Module(entry.Type)
	if err != nil {
		return nil, err
	}
	return m.ParseConfig(entry.Config)
}

// Init opens the state store, builds every configured chain, and restores
// the managers from persisted state. It is idempotent per process.
func (ctx *Context) Init() error {
	if ctx.Registry != nil {
		return nil
	}

	st, err := store.New(ctx.Home)
	if err != nil {
		return err
	}
	ctx.Store = st

	ctx.Registry = core.NewChainRegistry()
	for _, entry := range ctx.Config.Chains {
		cfg, err := ctx.ParseChainConfig(entry)
		if err != nil {
			return err
		}
		if _, err := ctx.Registry.Register(cfg); err != nil {
			return err
		}
	}

	ctx.Clients = core.NewClientManager(ctx.Registry, st)
	ctx.Clients.RegisterVerifier(tendermint.NewVerifier())
	ctx.Clients.RegisterVerifier(aggrelite.NewVerifier())

	ctx.Pool = core.NewChannelPool()
	ctx.Connections = core.NewConnectionHandshaker(ctx.Registry, ctx.Clients, st)
	ctx.Channels = core.NewChannelHandshaker(ctx.Registry, ctx.Clients, ctx.Connections, ctx.Pool, st)

	if err := ctx.Clients.Restore(); err != nil {
		return err
	}
	if err := ctx.Connections.Restore(); err != nil {
		return err
	}
	return ctx.Channels.Restore()
}

// Teardown closes chain handles and the store.
func (ctx *Context) Teardown(c context.Context) error {
	if ctx.Registry != nil {
		if err := ctx.Registry.Close(c); err != nil {
			return err
		}
	}
	if ctx.Store != nil {
		return ctx.Store.Close()
	}
	return nil
}
