package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/mosaicxc/aggrelayer/log"
	"github.com/mosaicxc/aggrelayer/metrics"
	"go.opentelemetry.io/otel/codes"
)

var (
	rtyAttNum = uint(5)
	rtyAtt    = retry.Attempts(rtyAttNum)
	rtyDel    = retry.Delay(time.Millisecond * 400)
	rtyErr    = retry.LastErrorOnly(true)
)

// ConnectionState is the explicit finite state of a connection end. All
// transitions are forward-only; a step attempted out of order fails with
// ErrInvalidHandshakeState.
type ConnectionState string

const (
	ConnectionUninitialized ConnectionState = ""
	ConnectionInit          ConnectionState = "INIT"
	ConnectionTryOpen       ConnectionState = "TRYOPEN"
	ConnectionOpen          ConnectionState = "OPEN"
	ConnectionFailed        ConnectionState = "FAILED"
)

// ConnectionEnd is one side's row of a connection. It binds exactly one
// local client to one counterparty client.
type ConnectionEnd struct {
	ConnectionID             string          `json:"connection_id"`
	ChainID                  string          `json:"chain_id"`
	ClientID                 string          `json:"client_id"`
	CounterpartyClientID     string          `json:"counterparty_client_id"`
	CounterpartyConnectionID string          `json:"counterparty_connection_id,omitempty"`
	State                    ConnectionState `json:"state"`
	LastVerifiedHeight       Height          `json:"last_verified_height"`
}

// StateProof carries a committed value, its commitment proof and the height
// the proof was taken at.
type StateProof struct {
	Value  []byte
	Proof  []byte
	Height Height
}

// ConnSide names one side of a connection handshake.
type ConnSide struct {
	ChainID  string
	ClientID string
}

type connEntry struct {
	mu  sync.Mutex
	end ConnectionEnd
}

// ConnectionHandshaker drives the four-step connection-open protocol and
// owns the connection tables of both sides. A given connection end is
// mutated by at most one in-flight step; different connections handshake in
// parallel.
type ConnectionHandshaker struct {
	registry *ChainRegistry
	clients  *ClientManager
	kv       KV

	mu      sync.RWMutex
	ends    map[string]*connEntry // chainID + "/" + connectionID
	nextSeq uint64
}

func NewConnectionHandshaker(registry *ChainRegistry, clients *ClientManager, kv KV) *ConnectionHandshaker {
	h := &ConnectionHandshaker{
		registry: registry,
		clients:  clients,
		kv:       kv,
		ends:     make(map[string]*connEntry),
	}
	clients.SetUsageChecker(h.ReferencesClient)
	return h
}

func connKey(chainID, connectionID string) string {
	return chainID + "/" + connectionID
}

// Restore loads persisted connection ends so in-flight handshakes can be
// resumed after a restart.
func (h *ConnectionHandshaker) Restore() error {
	return h.kv.List("connections/", func(key string, raw []byte) error {
		var end ConnectionEnd
		if err := json.Unmarshal(raw, &end); err != nil {
			return err
		}
		h.ends[connKey(end.ChainID, end.ConnectionID)] = &connEntry{end: end}
		var n uint64
		if _, err := fmt.Sscanf(end.ConnectionID, "connection-%d", &n); err == nil && n >= h.nextSeq {
			h.nextSeq = n + 1
		}
		return nil
	})
}

// Connection returns a copy of the connection end for (chainID,
// connectionID).
func (h *ConnectionHandshaker) Connection(chainID, connectionID string) (ConnectionEnd, error) {
	entry, err := h.entry(chainID, connectionID)
	if err != nil {
		return ConnectionEnd{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.end, nil
}

// ReferencesClient reports whether any connection end references clientID.
func (h *ConnectionHandshaker) ReferencesClient(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, entry := range h.ends {
		if entry.end.ClientID == clientID {
			return true
		}
	}
	return false
}

func (h *ConnectionHandshaker) entry(chainID, connectionID string) (*connEntry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.ends[connKey(chainID, connectionID)]
	if !ok {
		return nil, fmt.Errorf("unknown connection %s on chain %s", connectionID, chainID)
	}
	return entry, nil
}

// commit persists the end and mirrors it into the chain state so the
// counterparty can prove it.
func (h *ConnectionHandshaker) commit(ctx context.Context, end ConnectionEnd) (Height, error) {
	raw, err := json.Marshal(end)
	if err != nil {
		return Height{}, err
	}
	chain, err := h.registry.Get(end.ChainID)
	if err != nil {
		return Height{}, err
	}
	height, err := chain.WriteState(ctx, ConnectionPath(end.ConnectionID), raw)
	if err != nil {
		return Height{}, err
	}
	if err := h.kv.Put("connections/"+connKey(end.ChainID, end.ConnectionID), &end); err != nil {
		return Height{}, err
	}
	return height, nil
}

// ConnOpenInit creates a connection end in INIT on the local chain. No
// counterparty interaction happens yet.
func (h *ConnectionHandshaker) ConnOpenInit(ctx context.Context, local ConnSide, counterpartyClientID string) (ConnectionEnd, error) {
	client, err := h.clients.Client(local.ClientID)
	if err != nil {
		return ConnectionEnd{}, err
	}
	if client.SourceChain != local.ChainID {
		return ConnectionEnd{}, ErrConfigInvalid.Wrapf("client %s does not belong to chain %s", local.ClientID, local.ChainID)
	}

	h.mu.Lock()
	end := ConnectionEnd{
		ConnectionID:         fmt.Sprintf("connection-%d", h.nextSeq),
		ChainID:              local.ChainID,
		ClientID:             local.ClientID,
		CounterpartyClientID: counterpartyClientID,
		State:                ConnectionInit,
	}
	h.nextSeq++
	entry := &connEntry{end: end}
	h.ends[connKey(end.ChainID, end.ConnectionID)] = entry
	h.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, err := h.commit(ctx, end); err != nil {
		return ConnectionEnd{}, err
	}
	metrics.HandshakeSteps.WithLabelValues("connection", "init").Inc()
	return end, nil
}

// ConnOpenTry verifies that the initiator's connection exists in INIT and
// creates the responder's end in TRYOPEN.
func (h *ConnectionHandshaker) ConnOpenTry(
	ctx context.Context,
	local ConnSide,
	counterpartyClientID, counterpartyConnectionID string,
	proof StateProof,
) (ConnectionEnd, error) {
	counterparty, err := h.verifyCounterpartyConnection(local.ClientID, counterpartyConnectionID, proof)
	if err != nil {
		return ConnectionEnd{}, err
	}

	if counterparty.State != ConnectionInit {
		return ConnectionEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty connection %s is in state %s, want INIT", counterpartyConnectionID, counterparty.State)
	}
	if counterparty.CounterpartyClientID != local.ClientID {
		return ConnectionEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty connection %s references client %s, not %s",
			counterpartyConnectionID, counterparty.CounterpartyClientID, local.ClientID)
	}

	h.mu.Lock()
	end := ConnectionEnd{
		ConnectionID:             fmt.Sprintf("connection-%d", h.nextSeq),
		ChainID:                  local.ChainID,
		ClientID:                 local.ClientID,
		CounterpartyClientID:     counterpartyClientID,
		CounterpartyConnectionID: counterpartyConnectionID,
		State:                    ConnectionTryOpen,
		LastVerifiedHeight:       proof.Height,
	}
	h.nextSeq++
	entry := &connEntry{end: end}
	h.ends[connKey(end.ChainID, end.ConnectionID)] = entry
	h.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, err := h.commit(ctx, end); err != nil {
		return ConnectionEnd{}, err
	}
	metrics.HandshakeSteps.WithLabelValues("connection", "try").Inc()
	return end, nil
}

// ConnOpenAck moves the initiator's end from INIT to OPEN after verifying
// the counterparty reached TRYOPEN and references back to it.
func (h *ConnectionHandshaker) ConnOpenAck(ctx context.Context, chainID, connectionID, counterpartyConnectionID string, proof StateProof) (ConnectionEnd, error) {
	entry, err := h.entry(chainID, connectionID)
	if err != nil {
		return ConnectionEnd{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.end.State != ConnectionInit {
		return ConnectionEnd{}, ErrInvalidHandshakeState.Wrapf(
			"connection %s is in state %s, ConnOpenAck requires INIT", connectionID, entry.end.State)
	}

	counterparty, err := h.verifyCounterpartyConnection(entry.end.ClientID, counterpartyConnectionID, proof)
	if err != nil {
		return ConnectionEnd{}, err
	}
	if counterparty.State != ConnectionTryOpen {
		return ConnectionEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty connection %s is in state %s, want TRYOPEN", counterpartyConnectionID, counterparty.State)
	}
	if counterparty.CounterpartyConnectionID != connectionID {
		// the counterparty bound itself to a different connection; this
		// cannot be healed by a fresher client update
		entry.end.State = ConnectionFailed
		if _, err := h.commit(ctx, entry.end); err != nil {
			return ConnectionEnd{}, err
		}
		return ConnectionEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty connection %s references back to %s, not %s; connection marked FAILED",
			counterpartyConnectionID, counterparty.CounterpartyConnectionID, connectionID)
	}

	updated := entry.end
	updated.State = ConnectionOpen
	updated.CounterpartyConnectionID = counterpartyConnectionID
	updated.LastVerifiedHeight = proof.Height
	if _, err := h.commit(ctx, updated); err != nil {
		return ConnectionEnd{}, err
	}
	entry.end = updated
	metrics.HandshakeSteps.WithLabelValues("connection", "ack").Inc()
	return updated, nil
}

// ConnOpenConfirm moves the responder's end from TRYOPEN to OPEN after
// verifying the initiator's end is OPEN.
func (h *ConnectionHandshaker) ConnOpenConfirm(ctx context.Context, chainID, connectionID string, proof StateProof) (ConnectionEnd, error) {
	entry, err := h.entry(chainID, connectionID)
	if err != nil {
		return ConnectionEnd{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.end.State != ConnectionTryOpen {
		return ConnectionEnd{}, ErrInvalidHandshakeState.Wrapf(
			"connection %s is in state %s, ConnOpenConfirm requires TRYOPEN", connectionID, entry.end.State)
	}

	counterparty, err := h.verifyCounterpartyConnection(entry.end.ClientID, entry.end.CounterpartyConnectionID, proof)
	if err != nil {
		return ConnectionEnd{}, err
	}
	if counterparty.State != ConnectionOpen {
		return ConnectionEnd{}, ErrHandshakeVerificationFailed.Wrapf(
			"counterparty connection %s is in state %s, want OPEN", entry.end.CounterpartyConnectionID, counterparty.State)
	}

	updated := entry.end
	updated.State = ConnectionOpen
	updated.LastVerifiedHeight = proof.Height
	if _, err := h.commit(ctx, updated); err != nil {
		return ConnectionEnd{}, err
	}
	entry.end = updated
	metrics.HandshakeSteps.WithLabelValues("connection", "confirm").Inc()
	return updated, nil
}

// verifyCounterpartyConnection proves the counterparty's committed row via
// the local client and decodes it.
func (h *ConnectionHandshaker) verifyCounterpartyConnection(clientID, counterpartyConnectionID string, proof StateProof) (ConnectionEnd, error) {
	path := ConnectionPath(counterpartyConnectionID)
	if err := h.clients.VerifyProof(clientID, path, proof.Value, proof.Proof, proof.Height); err != nil {
		return ConnectionEnd{}, ErrHandshakeVerificationFailed.Wrapf("prove %s: %v", path, err)
	}
	var end ConnectionEnd
	if err := json.Unmarshal(proof.Value, &end); err != nil {
		return ConnectionEnd{}, ErrHandshakeVerificationFailed.Wrapf("decode counterparty connection: %v", err)
	}
	return end, nil
}

// CreateConnection drives the full four-step handshake between src and dst
// until both ends are OPEN or a step fails beyond retry.
func (h *ConnectionHandshaker) CreateConnection(ctx context.Context, src, dst ConnSide) (srcEnd, dstEnd ConnectionEnd, err error) {
	ctx, span := tracer.Start(ctx, "CreateConnection",
		withConnectionAttributes(src.ChainID, "", dst.ChainID, ""))
	defer span.End()

	logger := log.GetLogger().
		WithClientPair(src.ChainID, src.ClientID, dst.ChainID, dst.ClientID).
		WithModule("core.connection")
	defer logger.TimeTrackContext(ctx, time.Now(), "CreateConnection")

	fail := func(step string, stepErr error) (ConnectionEnd, ConnectionEnd, error) {
		span.SetStatus(codes.Error, stepErr.Error())
		logger.ErrorContext(ctx, "connection handshake step failed", stepErr, "step", step)
		return srcEnd, dstEnd, fmt.Errorf("%s: %w", step, stepErr)
	}

	srcEnd, err = h.ConnOpenInit(ctx, src, dst.ClientID)
	if err != nil {
		return fail("ConnOpenInit", err)
	}
	logConnectionStates(ctx, logger, srcEnd, dstEnd)

	if err = retry.Do(func() error {
		proof, perr := h.proveConnection(ctx, src.ChainID, dst.ClientID, srcEnd.ConnectionID)
		if perr != nil {
			return perr
		}
		dstEnd, perr = h.ConnOpenTry(ctx, dst, src.ClientID, srcEnd.ConnectionID, proof)
		return perr
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		return fail("ConnOpenTry", err)
	}
	logConnectionStates(ctx, logger, srcEnd, dstEnd)

	if err = retry.Do(func() error {
		proof, perr := h.proveConnection(ctx, dst.ChainID, src.ClientID, dstEnd.ConnectionID)
		if perr != nil {
			return perr
		}
		srcEnd, perr = h.ConnOpenAck(ctx, src.ChainID, srcEnd.ConnectionID, dstEnd.ConnectionID, proof)
		return perr
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		return fail("ConnOpenAck", err)
	}
	logConnectionStates(ctx, logger, srcEnd, dstEnd)

	if err = retry.Do(func() error {
		proof, perr := h.proveConnection(ctx, src.ChainID, dst.ClientID, srcEnd.ConnectionID)
		if perr != nil {
			return perr
		}
		dstEnd, perr = h.ConnOpenConfirm(ctx, dst.ChainID, dstEnd.ConnectionID, proof)
		return perr
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		return fail("ConnOpenConfirm", err)
	}

	logger.InfoContext(ctx, "★ Connection created",
		"src_connection_id", srcEnd.ConnectionID,
		"dst_connection_id", dstEnd.ConnectionID,
	)
	return srcEnd, dstEnd, nil
}

// proveConnection refreshes the verifying client to the counterparty
// chain's latest height and returns the proof of the counterparty's
// connection row at that height.
func (h *ConnectionHandshaker) proveConnection(ctx context.Context, counterpartyChainID, verifyingClientID, counterpartyConnectionID string) (StateProof, error) {
	return h.proveState(ctx, counterpartyChainID, verifyingClientID, ConnectionPath(counterpartyConnectionID))
}

func (h *ConnectionHandshaker) proveState(ctx context.Context, counterpartyChainID, verifyingClientID, path string) (StateProof, error) {
	chain, err := h.registry.Get(counterpartyChainID)
	if err != nil {
		return StateProof{}, err
	}
	client, err := h.clients.Client(verifyingClientID)
	if err != nil {
		return StateProof{}, err
	}

	latest, err := chain.LatestHeight(ctx)
	if err != nil {
		return StateProof{}, err
	}
	if latest.GT(client.TrustedHeight) {
		header, err := chain.FetchHeader(ctx, latest, client.TrustedHeight)
		if err != nil {
			return StateProof{}, err
		}
		if _, err := h.clients.UpdateClient(ctx, verifyingClientID, header); err != nil {
			return StateProof{}, err
		}
	}

	value, proof, err := chain.ProveState(ctx, path, latest)
	if err != nil {
		return StateProof{}, err
	}
	return StateProof{Value: value, Proof: proof, Height: latest}, nil
}

func logConnectionStates(ctx context.Context, logger *log.RelayLogger, src, dst ConnectionEnd) {
	logger.InfoContext(ctx, "connection states",
		"src_state", string(src.State),
		"dst_state", string(dst.State),
	)
}
