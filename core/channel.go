package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/mosaicxc/aggrelayer/log"
	"github.com/mosaicxc/aggrelayer/metrics"
	"go.opentelemetry.io/otel/codes"
)

// ChannelOrdering selects the delivery discipline of a channel.
type ChannelOrdering string

const (
	Ordered   ChannelOrdering = "ORDERED"
	Unordered ChannelOrdering = "UNORDERED"
)

// ParseOrdering maps the CLI spelling to a ChannelOrdering.
func ParseOrdering(s string) (ChannelOrdering, error) {
	switch ChannelOrdering(s) {
	case Ordered, "ordered":
		return Ordered, nil
	case Unordered, "unordered":
		return Unordered, nil
	default:
		return "", fmt.Errorf("unknown channel ordering %q", s)
	}
}

// ChannelState is the explicit finite state of a channel end.
type ChannelState string

const (
	ChannelUninitialized ChannelState = ""
	ChannelInit          ChannelState = "INIT"
	ChannelTryOpen       ChannelState = "TRYOPEN"
	ChannelOpen          ChannelState = "OPEN"
	ChannelClosed        ChannelState = "CLOSED"
	ChannelFailed        ChannelState = "FAILED"
)

// ChannelEnd is one side's row of a channel. It is bound to exactly one
// OPEN connection.
type ChannelEnd struct {
	ChannelID             string          `json:"channel_id"`
	PortID                string          `json:"port_id"`
	ChainID               string          `json:"chain_id"`
	ConnectionID          string          `json:"connection_id"`
	CounterpartyPortID    string          `json:"counterparty_port_id"`
	CounterpartyChannelID string          `json:"counterparty_channel_id,omitempty"`
	Version               string          `json:"version"`
	Ordering              ChannelOrdering `json:"ordering"`
	State                 ChannelState    `json:"state"`
	LastVerifiedHeight    Height          `json:"last_verified_height"`
}

// ChanSide names one side of a channel handshake.
type ChanSide struct {
	ChainID      string
	ClientID     string
	ConnectionID string
	PortID       string
	Version      string
	Ordering     ChannelOrdering
}

type chanEntry struct {
	mu  sync.Mutex
	end ChannelEnd
}

// ChannelHandshaker drives the four-step channel-open protocol over
// already-OPEN connections, negotiating version and ordering.
type ChannelHandshaker struct {
	registry    *ChainRegistry
	clients     *ClientManager
	connections *ConnectionHandshaker
	pool        *ChannelPool
	kv          KV

	mu      sync.RWMutex
	ends    map[string]*chanEntry // chainID + "/" + portID + "/" + channelID
	nextSeq uint64
}

func NewChannelHandshaker(registry *ChainRegistry, clients *ClientManager, connections *ConnectionHandshaker, pool *ChannelPool, kv KV) *ChannelHandshaker {
	return &ChannelHandshaker{
		registry:    registry,
		clients:     clients,
		connections: connections,
		pool:        pool,
		kv:          kv,
		ends:        make(map[string]*chanEntry),
	}
}

func chanMapKey(chainID, portID, channelID string) string {
	return chainID + "/" + portID + "/" + channelID
}

// Restore loads persisted channel ends and re-registers OPEN channels into
// the pool.
func (h *ChannelHandshaker) Restore() error {
	return h.kv.List("channels/", func(key string, raw []byte) error {
		var end ChannelEnd
		if err := json.Unmarshal(raw, &end); err != nil {
			return err
		}
		h.ends[chanMapKey(end.ChainID, end.PortID, end.ChannelID)] = &chanEntry{end: end}
		var n uint64
		if _, err := fmt.Sscanf(end.ChannelID, "channel-%d", &n); err == nil && n >= h.nextSeq {
			h.nextSeq = n + 1
		}
		if end.State == ChannelOpen {
			h.registerToPool(end)
		}
		return nil
	})
}

// Channel returns a copy of the channel end.
func (h *ChannelHandshaker) Channel(chainID, portID, channelID string) (ChannelEnd, error) {
	entry, err := h.entry(chainID, portID, channelID)
	if err != nil {
		return ChannelEnd{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.end, nil
}

func (h *ChannelHandshaker) entry(chainID, portID, channelID string) (*chanEntry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.ends[chanMapKey(chainID, portID, channelID)]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s/%s on chain %s", portID, channelID, chainID)
	}
	return entry, nil
}

// openConnection returns the OPEN connection the side binds to, or
// ErrInvalidHandshakeState.
func (h *ChannelHandshaker) openConnection(chainID, connectionID string) (ConnectionEnd, error) {
	conn, err := h.connections.Connection(chainID, connectionID)
	if err != nil {
		return ConnectionEnd{}, err
	}
	if conn.State != ConnectionOpen {
		return ConnectionEnd{}, ErrInvalidHandshakeState.Wrapf(
			"connection %s on chain %s is in state %s, channels require OPEN", connectionID, chainID, conn.State)
	}
	return conn, nil
}

func (h *ChannelHandshaker) commit(ctx context.Context, end ChannelEnd) error {
	raw, err := json.Marshal(end)
	if err != nil {
		return err
	}
	chain, err := h.registry.Get(end.ChainID)
	if err != nil {
		return err
	}
	if _, err := chain.WriteState(ctx, ChannelPath(end.PortID, end.ChannelID), raw); err != nil {
		return err
	}
	return h.kv.Put("channels/"+chanMapKey(end.ChainID, end.PortID, end.ChannelID), &end)
}

func (h *ChannelHandshaker) registerToPool(end ChannelEnd) {
	conn, err := h.connections.Connection(end.ChainID, end.ConnectionID)
	if err != nil {
		return
	}
	client, err := h.clients.Client(conn.ClientID)
	if err != nil {
		return
	}
	h.pool.Add(ChannelInfo{
		ChainID:               end.ChainID,
		PortID:                end.PortID,
		ChannelID:             end.ChannelID,
		CounterpartyChainID:   client.TargetChain,
		CounterpartyPortID:    end.CounterpartyPortID,
		CounterpartyChannelID: end.CounterpartyChannelID,
		ConnectionID:          end.ConnectionID,
		ClientID:              conn.ClientID,
		Ordering:              end.Ordering,
		State:                 end.State,
	})
}

// ChanOpenInit creates a channel end in INIT over an OPEN connection.
func (h *ChannelHandshaker) ChanOpenInit(ctx context.Context, local ChanSide, counterpartyPortID string) (ChannelEnd, error) {
	if _, err := h.openConnection(local.ChainID, local.ConnectionID); err != nil {
		return ChannelEnd{}, err
	}
	if err := ValidateID(local.PortID); err != nil {
		return ChannelEnd{}, ErrConfigInvalid.Wrapf("port id: %v", err)
	}

	h.mu.Lock()
	end := ChannelEnd{
		ChannelID:          fmt.Sprintf("channel-%d", h.nextSeq),
		PortID:             local.PortID,
		ChainID:            local.ChainID,
		ConnectionID:       local.ConnectionID,
		CounterpartyPortID: counterpartyPortID,
		Version:            local.Version,
		Ordering:           local.Ordering,
		State:              ChannelInit,
	}
	h.nextSeq++
	entry := &chanEntry{end: end}
	h.ends[chanMapKey(end.ChainID, end.PortID, end.ChannelID)] = entry
	h.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := h.commit(ctx, end); err != nil {
		return ChannelEnd{}, err
	}
	metrics.HandshakeSteps.WithLabelValues("channel", "init").Inc()
	return end, nil
}

// ChanOpenTry verifies the initiator's channel is INIT, negotiates ordering
// and version, and creates the responder's end in TRYOPEN. Mismatched
// ordering is terminal.
func (h *ChannelHandshaker) ChanOpenTry(
	ctx context.Context,
	local ChanSide,
	counterpartyPortID, counterpartyChannelID string,
	proof StateProof,
) (ChannelEnd, error) {
	conn, err := h.openConnection(local.ChainID, local.ConnectionID)
	if err != nil {
		return ChannelEnd{}, err
	}

	counterparty, err := h.verifyCounterpartyChannel(conn.ClientID, counterpartyPortID, counterpartyChannelID, proof)
	if err != nil {
		return ChannelEnd{}, err
	}
	if counterparty.State != ChannelInit {
		return ChannelEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty channel %s/%s is in state %s, want INIT", counterpartyPortID, counterpartyChannelID, counterparty.State)
	}
	if counterparty.CounterpartyPortID != local.PortID {
		return ChannelEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty channel expects port %s, not %s", counterparty.CounterpartyPortID, local.PortID)
	}
	if counterparty.Ordering != local.Ordering {
		return ChannelEnd{}, ErrConfigMismatch.Wrapf(
			"ordering mismatch: counterparty proposes %s, local side is configured %s",
			counterparty.Ordering, local.Ordering)
	}

	// the responder may confirm the proposed version or select its own
	version := local.Version
	if version == "" {
		version = counterparty.Version
	}

	h.mu.Lock()
	end := ChannelEnd{
		ChannelID:             fmt.Sprintf("channel-%d", h.nextSeq),
		PortID:                local.PortID,
		ChainID:               local.ChainID,
		ConnectionID:          local.ConnectionID,
		CounterpartyPortID:    counterpartyPortID,
		CounterpartyChannelID: counterpartyChannelID,
		Version:               version,
		Ordering:              local.Ordering,
		State:                 ChannelTryOpen,
		LastVerifiedHeight:    proof.Height,
	}
	h.nextSeq++
	entry := &chanEntry{end: end}
	h.ends[chanMapKey(end.ChainID, end.PortID, end.ChannelID)] = entry
	h.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := h.commit(ctx, end); err != nil {
		return ChannelEnd{}, err
	}
	metrics.HandshakeSteps.WithLabelValues("channel", "try").Inc()
	return end, nil
}

// ChanOpenAck moves the initiator's end from INIT to OPEN, adopting the
// version the responder selected.
func (h *ChannelHandshaker) ChanOpenAck(ctx context.Context, chainID, portID, channelID, counterpartyChannelID string, proof StateProof) (ChannelEnd, error) {
	entry, err := h.entry(chainID, portID, channelID)
	if err != nil {
		return ChannelEnd{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.end.State != ChannelInit {
		return ChannelEnd{}, ErrInvalidHandshakeState.Wrapf(
			"channel %s/%s is in state %s, ChanOpenAck requires INIT", portID, channelID, entry.end.State)
	}

	conn, err := h.openConnection(chainID, entry.end.ConnectionID)
	if err != nil {
		return ChannelEnd{}, err
	}
	counterparty, err := h.verifyCounterpartyChannel(conn.ClientID, entry.end.CounterpartyPortID, counterpartyChannelID, proof)
	if err != nil {
		return ChannelEnd{}, err
	}
	if counterparty.State != ChannelTryOpen {
		return ChannelEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty channel is in state %s, want TRYOPEN", counterparty.State)
	}
	if counterparty.CounterpartyChannelID != channelID {
		entry.end.State = ChannelFailed
		if err := h.commit(ctx, entry.end); err != nil {
			return ChannelEnd{}, err
		}
		return ChannelEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty channel references back to %s, not %s; channel marked FAILED",
			counterparty.CounterpartyChannelID, channelID)
	}

	updated := entry.end
	updated.State = ChannelOpen
	updated.CounterpartyChannelID = counterpartyChannelID
	updated.Version = counterparty.Version
	updated.LastVerifiedHeight = proof.Height
	if err := h.commit(ctx, updated); err != nil {
		return ChannelEnd{}, err
	}
	entry.end = updated
	h.registerToPool(updated)
	metrics.HandshakeSteps.WithLabelValues("channel", "ack").Inc()
	return updated, nil
}

// ChanOpenConfirm moves the responder's end from TRYOPEN to OPEN.
func (h *ChannelHandshaker) ChanOpenConfirm(ctx context.Context, chainID, portID, channelID string, proof StateProof) (ChannelEnd, error) {
	entry, err := h.entry(chainID, portID, channelID)
	if err != nil {
		return ChannelEnd{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.end.State != ChannelTryOpen {
		return ChannelEnd{}, ErrInvalidHandshakeState.Wrapf(
			"channel %s/%s is in state %s, ChanOpenConfirm requires TRYOPEN", portID, channelID, entry.end.State)
	}

	conn, err := h.openConnection(chainID, entry.end.ConnectionID)
	if err != nil {
		return ChannelEnd{}, err
	}
	counterparty, err := h.verifyCounterpartyChannel(conn.ClientID, entry.end.CounterpartyPortID, entry.end.CounterpartyChannelID, proof)
	if err != nil {
		return ChannelEnd{}, err
	}
	if counterparty.State != ChannelOpen {
		return ChannelEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty channel is in state %s, want OPEN", counterparty.State)
	}

	updated := entry.end
	updated.State = ChannelOpen
	updated.LastVerifiedHeight = proof.Height
	if err := h.commit(ctx, updated); err != nil {
		return ChannelEnd{}, err
	}
	entry.end = updated
	h.registerToPool(updated)
	metrics.HandshakeSteps.WithLabelValues("channel", "confirm").Inc()
	return updated, nil
}

// Close marks a channel end CLOSED. Pending intents on the channel fail
// permanently from then on.
func (h *ChannelHandshaker) Close(ctx context.Context, chainID, portID, channelID string) error {
	entry, err := h.entry(chainID, portID, channelID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.end.State != ChannelOpen {
		return ErrInvalidHandshakeState.Wrapf("channel %s/%s is in state %s, close requires OPEN", portID, channelID, entry.end.State)
	}
	updated := entry.end
	updated.State = ChannelClosed
	if err := h.commit(ctx, updated); err != nil {
		return err
	}
	entry.end = updated
	h.registerToPool(updated)
	return nil
}

func (h *ChannelHandshaker) verifyCounterpartyChannel(clientID, counterpartyPortID, counterpartyChannelID string, proof StateProof) (ChannelEnd, error) {
	path := ChannelPath(counterpartyPortID, counterpartyChannelID)
	if err := h.clients.VerifyProof(clientID, path, proof.Value, proof.Proof, proof.Height); err != nil {
		return ChannelEnd{}, ErrHandshakeVerificationFailed.Wrapf("prove %s: %v", path, err)
	}
	var end ChannelEnd
	if err := json.Unmarshal(proof.Value, &end); err != nil {
		return ChannelEnd{}, ErrHandshakeVerificationFailed.Wrapf("decode counterparty channel: %v", err)
	}
	return end, nil
}

// CreateChannel drives the full four-step channel handshake until both ends
// are OPEN, or fails on the first terminal error.
func (h *ChannelHandshaker) CreateChannel(ctx context.Context, src, dst ChanSide) (srcEnd, dstEnd ChannelEnd, err error) {
	ctx, span := tracer.Start(ctx, "CreateChannel",
		withChannelAttributes(src.ChainID, src.PortID, "", dst.ChainID, dst.PortID, ""))
	defer span.End()

	logger := log.GetLogger().
		WithChannelPair(src.ChainID, src.PortID, "", dst.ChainID, dst.PortID, "").
		WithModule("core.channel")
	defer logger.TimeTrackContext(ctx, time.Now(), "CreateChannel")

	fail := func(step string, stepErr error) (ChannelEnd, ChannelEnd, error) {
		span.SetStatus(codes.Error, stepErr.Error())
		logger.ErrorContext(ctx, "channel handshake step failed", stepErr, "step", step)
		return srcEnd, dstEnd, fmt.Errorf("%s: %w", step, stepErr)
	}

	srcEnd, err = h.ChanOpenInit(ctx, src, dst.PortID)
	if err != nil {
		return fail("ChanOpenInit", err)
	}

	if err = retry.Do(func() error {
		proof, perr := h.proveChannel(ctx, src.ChainID, dst.ClientID, srcEnd.PortID, srcEnd.ChannelID)
		if perr != nil {
			return perr
		}
		dstEnd, perr = h.ChanOpenTry(ctx, dst, srcEnd.PortID, srcEnd.ChannelID, proof)
		return perr
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx), retry.RetryIf(func(err error) bool {
		// a negotiation mismatch cannot be healed by retrying
		return !errors.Is(err, ErrConfigMismatch)
	})); err != nil {
		return fail("ChanOpenTry", err)
	}

	if err = retry.Do(func() error {
		proof, perr := h.proveChannel(ctx, dst.ChainID, src.ClientID, dstEnd.PortID, dstEnd.ChannelID)
		if perr != nil {
			return perr
		}
		srcEnd, perr = h.ChanOpenAck(ctx, src.ChainID, srcEnd.PortID, srcEnd.ChannelID, dstEnd.ChannelID, proof)
		return perr
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		return fail("ChanOpenAck", err)
	}

	if err = retry.Do(func() error {
		proof, perr := h.proveChannel(ctx, src.ChainID, dst.ClientID, srcEnd.PortID, srcEnd.ChannelID)
		if perr != nil {
			return perr
		}
		dstEnd, perr = h.ChanOpenConfirm(ctx, dst.ChainID, dstEnd.PortID, dstEnd.ChannelID, proof)
		return perr
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		return fail("ChanOpenConfirm", err)
	}

	logger.InfoContext(ctx, "★ Channel created",
		"src_channel_id", srcEnd.ChannelID,
		"dst_channel_id", dstEnd.ChannelID,
		"version", srcEnd.Version,
		"ordering", string(srcEnd.Ordering),
	)
	return srcEnd, dstEnd, nil
}

func (h *ChannelHandshaker) proveChannel(ctx context.Context, counterpartyChainID, verifyingClientID, counterpartyPortID, counterpartyChannelID string) (StateProof, error) {
	return h.connections.proveState(ctx, counterpartyChainID, verifyingClientID, ChannelPath(counterpartyPortID, counterpartyChannelID))
}
