package core

import (
	"context"
	"time"
)

// Chain is the capability handle the registry hands out for a registered
// chain. Implementations own the low-level RPC plumbing; the core only
// relies on this contract.
type Chain interface {
	// ChainID returns the ID of the chain.
	ChainID() string

	// LatestHeight returns the current height of the chain.
	LatestHeight(ctx context.Context) (Height, error)

	// Timestamp returns the block time at the given height.
	Timestamp(ctx context.Context, h Height) (time.Time, error)

	// FetchHeader returns a header at height h suitable for a client
	// update against trustedHeight. A zero trustedHeight requests an
	// initial header for client creation.
	FetchHeader(ctx context.Context, h, trustedHeight Height) (Header, error)

	// ProveState returns the value committed under path at height h
	// together with its commitment proof.
	ProveState(ctx context.Context, path string, h Height) (value, proof []byte, err error)

	// WriteState commits value under path into the chain's state and
	// returns the height from which it is provable.
	WriteState(ctx context.Context, path string, value []byte) (Height, error)

	// Submit broadcasts one relay submission and waits for inclusion.
	Submit(ctx context.Context, sub *Submission) (*TxResult, error)

	// Subscribe returns a channel of chain events. The channel is closed
	// when ctx is cancelled or the chain handle is closed.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// Close tears down the handle.
	Close() error
}

// ChainConfig builds a chain handle from validated configuration.
type ChainConfig interface {
	ChainID() string
	Validate() error
	Build() (Chain, error)
}

// Packet is an application-level cross-chain message. Data is opaque to the
// relayer.
type Packet struct {
	Sequence           uint64 `json:"sequence"`
	SourcePort         string `json:"source_port"`
	SourceChannel      string `json:"source_channel"`
	DestinationPort    string `json:"destination_port"`
	DestinationChannel string `json:"destination_channel"`
	Data               []byte `json:"data"`
	TimeoutHeight      Height `json:"timeout_height"`
}

// PacketSubmission pairs a packet with the commitment proof relayed to the
// target chain.
type PacketSubmission struct {
	Packet      Packet `json:"packet"`
	Proof       []byte `json:"proof"`
	ProofHeight Height `json:"proof_height"`
}

// Submission is one target-chain transaction carrying one or more proven
// packets from the same channel.
type Submission struct {
	SourceChain string             `json:"source_chain"`
	PortID      string             `json:"port_id"`
	ChannelID   string             `json:"channel_id"`
	Packets     []PacketSubmission `json:"packets"`
}

// TxResult reports an included submission.
type TxResult struct {
	Hash    string `json:"hash"`
	Height  Height `json:"height"`
	GasUsed int64  `json:"gas_used"`
}

// Event is a chain subscription event.
type Event interface {
	eventType() string
}

// NewBlockEvent signals a new committed block.
type NewBlockEvent struct {
	Height Height
}

func (NewBlockEvent) eventType() string { return "new_block" }

// SendPacketEvent signals an outbound packet committed on the chain.
type SendPacketEvent struct {
	Packet Packet
	Height Height
}

func (SendPacketEvent) eventType() string { return "send_packet" }

// KV is the durable table contract managers persist through. The store
// package provides the production implementation.
type KV interface {
	Put(key string, v any) error
	Get(key string, v any) (bool, error)
	Delete(key string) error
	List(prefix string, fn func(key string, raw []byte) error) error
}
