package core

import (
	"fmt"
	"time"
)

// TransactionIntent is one observed cross-chain transfer waiting to be
// proven and submitted to its target chain.
type TransactionIntent struct {
	SourceChain string
	TargetChain string
	PortID      string
	ChannelID   string
	Ordering    ChannelOrdering
	Packet      Packet
	ObservedAt  time.Time

	attempts int
}

// ID is a stable identity for logging and dedup: the packet sequence is
// unique per channel end.
func (i *TransactionIntent) ID() string {
	return fmt.Sprintf("%s/%s/%s/%d", i.SourceChain, i.PortID, i.ChannelID, i.Packet.Sequence)
}

// ChannelKey returns the source-side channel key the intent belongs to.
func (i *TransactionIntent) ChannelKey() ChannelKey {
	return ChannelKey{ChainID: i.SourceChain, PortID: i.PortID, ChannelID: i.ChannelID}
}

// Attempts reports how many times the intent has been dispatched.
func (i *TransactionIntent) Attempts() int { return i.attempts }

// Group is a set of intents dispatched to one worker in one cycle.
type Group struct {
	Intents []*TransactionIntent
}

// Size returns the number of intents in the group.
func (g Group) Size() int { return len(g.Intents) }
