package core

import (
	"fmt"
	"sort"
	"sync"
)

// ChannelInfo is the routing view of one channel end, enough for the
// scheduler and workers to resolve a packet's verifying client and target
// chain without touching the handshake state machine.
type ChannelInfo struct {
	ChainID               string
	PortID                string
	ChannelID             string
	CounterpartyChainID   string
	CounterpartyPortID    string
	CounterpartyChannelID string
	ConnectionID          string
	ClientID              string
	Ordering              ChannelOrdering
	State                 ChannelState
}

// ChannelKey identifies a channel end on a chain.
type ChannelKey struct {
	ChainID   string
	PortID    string
	ChannelID string
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ChainID, k.PortID, k.ChannelID)
}

// ChannelPool indexes open channels in both directions so an observed
// send-packet event can be routed to its destination chain.
type ChannelPool struct {
	mu       sync.RWMutex
	channels map[ChannelKey]ChannelInfo
}

func NewChannelPool() *ChannelPool {
	return &ChannelPool{channels: make(map[ChannelKey]ChannelInfo)}
}

// Add registers or refreshes one channel end. Callers register each side
// separately; the pool does not synthesize the flipped entry because the
// counterparty end carries its own connection and client ids.
func (p *ChannelPool) Add(info ChannelInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[ChannelKey{ChainID: info.ChainID, PortID: info.PortID, ChannelID: info.ChannelID}] = info
}

// Lookup returns the entry for a channel end.
func (p *ChannelPool) Lookup(key ChannelKey) (ChannelInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.channels[key]
	return info, ok
}

// RouteForPacket resolves the channel a packet was sent on. The packet's
// source port and channel are interpreted on the given chain.
func (p *ChannelPool) RouteForPacket(sourceChainID string, packet Packet) (ChannelInfo, error) {
	info, ok := p.Lookup(ChannelKey{ChainID: sourceChainID, PortID: packet.SourcePort, ChannelID: packet.SourceChannel})
	if !ok {
		return ChannelInfo{}, fmt.Errorf("no channel %s/%s registered on chain %s",
			packet.SourcePort, packet.SourceChannel, sourceChainID)
	}
	if info.State != ChannelOpen {
		return ChannelInfo{}, fmt.Errorf("channel %s/%s on chain %s is %s, not OPEN",
			packet.SourcePort, packet.SourceChannel, sourceChainID, info.State)
	}
	return info, nil
}

// List returns all entries sorted by key, for status reporting.
func (p *ChannelPool) List() []ChannelInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(p.channels))
	for _, info := range p.channels {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		if out[i].PortID != out[j].PortID {
			return out[i].PortID < out[j].PortID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}
