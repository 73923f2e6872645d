package core

import (
	"context"
	"sort"
	"sync"

	"github.com/mosaicxc/aggrelayer/log"
)

// ChainRegistry owns the capability handle of every registered chain. It is
// initialized once at startup and explicitly torn down on shutdown; all
// other components hold a reference to it and never own handles themselves.
type ChainRegistry struct {
	mu     sync.RWMutex
	chains map[string]Chain
	closed bool
}

func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{
		chains: make(map[string]Chain),
	}
}

// Register validates cfg, builds the chain handle and adds it to the
// registry. A malformed config or duplicate chain identity fails with
// ErrConfigInvalid.
func (r *ChainRegistry) Register(cfg ChainConfig) (Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ErrConfigInvalid.Wrapf("chain config: %v", err)
	}
	if err := ValidateID(cfg.ChainID()); err != nil {
		return nil, ErrConfigInvalid.Wrapf("chain id: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrConfigInvalid.Wrap("registry is closed")
	}
	if _, ok := r.chains[cfg.ChainID()]; ok {
		return nil, ErrConfigInvalid.Wrapf("chain %s already registered", cfg.ChainID())
	}

	chain, err := cfg.Build()
	if err != nil {
		return nil, ErrConfigInvalid.Wrapf("build chain %s: %v", cfg.ChainID(), err)
	}
	r.chains[chain.ChainID()] = chain

	log.GetLogger().WithModule("core.registry").Info("chain registered", "chain_id", chain.ChainID())
	return chain, nil
}

// Get returns the handle for chainID or ErrChainNotRegistered.
func (r *ChainRegistry) Get(chainID string) (Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain, ok := r.chains[chainID]
	if !ok {
		return nil, ErrChainNotRegistered.Wrap(chainID)
	}
	return chain, nil
}

// ChainIDs returns the registered chain IDs in lexical order.
func (r *ChainRegistry) ChainIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every handle. The registry rejects registrations
// afterwards.
func (r *ChainRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	logger := log.GetLogger().WithModule("core.registry")
	var firstErr error
	for id, chain := range r.chains {
		if err := chain.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close chain handle", err, "chain_id", id)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
