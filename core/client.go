package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mosaicxc/aggrelayer/log"
	"github.com/mosaicxc/aggrelayer/metrics"
)

// ClientType tags the verification rule a light client applies. The variant
// set is closed: adding a client type means adding a tag and registering one
// Verifier for it.
type ClientType string

const (
	Tendermint ClientType = "tendermint"
	Aggrelite  ClientType = "aggrelite"
)

// ParseClientType maps the CLI spelling to a ClientType.
func ParseClientType(s string) (ClientType, error) {
	switch ClientType(s) {
	case Tendermint:
		return Tendermint, nil
	case Aggrelite:
		return Aggrelite, nil
	default:
		return "", fmt.Errorf("unknown client type %q", s)
	}
}

// ConsensusState is the trusted view of a counterparty chain at one height.
// Root is the commitment root proofs verify against; NextValidatorsHash
// chains the following header's signer set (for Aggrelite, the hash of the
// next aggregate public key).
type ConsensusState struct {
	Timestamp          time.Time `json:"timestamp"`
	Root               []byte    `json:"root"`
	NextValidatorsHash []byte    `json:"next_validators_hash"`
}

// Header is a client-type-specific consensus header or proof carried into
// client creation and updates.
type Header interface {
	ClientType() ClientType
	Height() Height
}

// ClientInfo is the verifier-visible slice of a client's state.
type ClientInfo struct {
	ClientID       string        `json:"client_id"`
	SourceChain    string        `json:"source_chain"`
	TargetChain    string        `json:"target_chain"`
	Type           ClientType    `json:"type"`
	TrustingPeriod time.Duration `json:"trusting_period"`
}

// Verifier implements the verification rule of one client type.
type Verifier interface {
	ClientType() ClientType

	// ValidateInitialHeader checks the header's self-consistency and
	// returns the consensus state it commits to.
	ValidateInitialHeader(info ClientInfo, h Header) (ConsensusState, error)

	// VerifyHeader verifies h against the trusted state and returns the
	// consensus state to adopt on success.
	VerifyHeader(info ClientInfo, trustedHeight Height, trusted ConsensusState, h Header) (ConsensusState, error)

	// VerifyMembership verifies a commitment proof of value under path
	// against root.
	VerifyMembership(root []byte, path string, value, proof []byte) error
}

// Client is one verified, monotonic view of a counterparty chain. Mutation
// goes through the ClientManager only.
type Client struct {
	ClientInfo
	TrustedHeight         Height                    `json:"trusted_height"`
	TrustedConsensusState ConsensusState            `json:"trusted_consensus_state"`
	ConsensusStates       map[string]ConsensusState `json:"consensus_states"`

	mu sync.Mutex
}

func (c *Client) consensusStateAt(h Height) (ConsensusState, bool) {
	cs, ok := c.ConsensusStates[h.String()]
	return cs, ok
}

// ClientManager maintains one Client per client ID and applies the
// client-type-specific verification rules. A given client is mutated by at
// most one in-flight operation; reads are safe concurrently.
type ClientManager struct {
	registry  *ChainRegistry
	kv        KV
	verifiers map[ClientType]Verifier

	mu      sync.RWMutex
	clients map[string]*Client
	nextSeq map[ClientType]uint64

	// inUse reports whether a connection still references the client;
	// wired by the connection handshaker so deregistration cannot leave
	// dangling handshake state.
	inUse func(clientID string) bool
}

func NewClientManager(registry *ChainRegistry, kv KV) *ClientManager {
	return &ClientManager{
		registry:  registry,
		kv:        kv,
		verifiers: make(map[ClientType]Verifier),
		clients:   make(map[string]*Client),
		nextSeq:   make(map[ClientType]uint64),
	}
}

// RegisterVerifier adds the verification strategy for one client type.
func (cm *ClientManager) RegisterVerifier(v Verifier) {
	cm.verifiers[v.ClientType()] = v
}

// SetUsageChecker wires the connection-table reference check used by
// RemoveClient.
func (cm *ClientManager) SetUsageChecker(inUse func(clientID string) bool) {
	cm.inUse = inUse
}

func (cm *ClientManager) verifier(t ClientType) (Verifier, error) {
	v, ok := cm.verifiers[t]
	if !ok {
		return nil, fmt.Errorf("no verifier registered for client type %q", t)
	}
	return v, nil
}

func clientKey(id string) string { return "clients/" + id }

// Restore loads persisted clients. Called once at startup.
func (cm *ClientManager) Restore() error {
	return cm.kv.List("clients/", func(key string, raw []byte) error {
		var c Client
		if _, err := cm.kv.Get(key, &c); err != nil {
			return err
		}
		cm.clients[c.ClientID] = &c
		seq := cm.nextSeq[c.Type]
		var n uint64
		if _, err := fmt.Sscanf(c.ClientID, string(c.Type)+"-%d", &n); err == nil && n >= seq {
			cm.nextSeq[c.Type] = n + 1
		}
		return nil
	})
}

// CreateClient validates the initial header and creates a client tracking
// targetChain on behalf of sourceChain.
func (cm *ClientManager) CreateClient(ctx context.Context, sourceChain, targetChain string, clientType ClientType, initial Header, trustingPeriod time.Duration) (*Client, error) {
	logger := log.GetLogger().WithChainPair(sourceChain, targetChain).WithModule("core.client")
	defer logger.TimeTrackContext(ctx, time.Now(), "CreateClient")

	if _, err := cm.registry.Get(sourceChain); err != nil {
		return nil, err
	}
	if _, err := cm.registry.Get(targetChain); err != nil {
		return nil, err
	}
	verifier, err := cm.verifier(clientType)
	if err != nil {
		return nil, ErrInvalidInitialState.Wrap(err.Error())
	}
	if initial.ClientType() != clientType {
		return nil, ErrInvalidInitialState.Wrapf("header type %q does not match client type %q", initial.ClientType(), clientType)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	info := ClientInfo{
		ClientID:       fmt.Sprintf("%s-%d", clientType, cm.nextSeq[clientType]),
		SourceChain:    sourceChain,
		TargetChain:    targetChain,
		Type:           clientType,
		TrustingPeriod: trustingPeriod,
	}
	cons, err := verifier.ValidateInitialHeader(info, initial)
	if err != nil {
		return nil, ErrInvalidInitialState.Wrap(err.Error())
	}

	client := &Client{
		ClientInfo:            info,
		TrustedHeight:         initial.Height(),
		TrustedConsensusState: cons,
		ConsensusStates: map[string]ConsensusState{
			initial.Height().String(): cons,
		},
	}
	if err := cm.kv.Put(clientKey(client.ClientID), client); err != nil {
		return nil, err
	}
	cm.nextSeq[clientType]++
	cm.clients[client.ClientID] = client

	logger.InfoContext(ctx, "client created",
		"client_id", client.ClientID,
		"client_type", string(clientType),
		"trusted_height", client.TrustedHeight.String(),
	)
	return snapshot(client), nil
}

// UpdateClient verifies h against the client's trusted state and, on
// success, advances the trusted height. On failure the client is left
// unchanged.
func (cm *ClientManager) UpdateClient(ctx context.Context, clientID string, h Header) (*Client, error) {
	client, err := cm.get(clientID)
	if err != nil {
		return nil, err
	}
	verifier, err := cm.verifier(client.Type)
	if err != nil {
		return nil, ErrVerificationFailed.Wrap(err.Error())
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	if !h.Height().GT(client.TrustedHeight) {
		return nil, ErrVerificationFailed.Wrapf(
			"header height %s does not exceed trusted height %s",
			h.Height(), client.TrustedHeight,
		)
	}

	// verify fully before any mutation
	cons, err := verifier.VerifyHeader(client.ClientInfo, client.TrustedHeight, client.TrustedConsensusState, h)
	if err != nil {
		return nil, ErrVerificationFailed.Wrap(err.Error())
	}

	updated := snapshot(client)
	updated.TrustedHeight = h.Height()
	updated.TrustedConsensusState = cons
	updated.ConsensusStates[h.Height().String()] = cons
	if err := cm.kv.Put(clientKey(clientID), updated); err != nil {
		return nil, err
	}

	client.TrustedHeight = updated.TrustedHeight
	client.TrustedConsensusState = cons
	client.ConsensusStates[h.Height().String()] = cons
	metrics.ClientUpdates.WithLabelValues(client.TargetChain, string(client.Type)).Inc()

	log.GetLogger().WithModule("core.client").InfoContext(ctx, "client updated",
		"client_id", clientID,
		"trusted_height", client.TrustedHeight.String(),
	)
	return updated, nil
}

// VerifyProof verifies a commitment proof of value under path against the
// client's trusted root at height. The height must not exceed the trusted
// height.
func (cm *ClientManager) VerifyProof(clientID, path string, value, proof []byte, height Height) error {
	client, err := cm.get(clientID)
	if err != nil {
		return err
	}
	verifier, err := cm.verifier(client.Type)
	if err != nil {
		return ErrVerificationFailed.Wrap(err.Error())
	}

	client.mu.Lock()
	if height.GT(client.TrustedHeight) {
		trusted := client.TrustedHeight
		client.mu.Unlock()
		return ErrHeightNotAvailable.Wrapf("height %s exceeds trusted height %s", height, trusted)
	}
	cons, ok := client.consensusStateAt(height)
	client.mu.Unlock()
	if !ok {
		return ErrHeightNotAvailable.Wrapf("no consensus state recorded at height %s", height)
	}

	if err := verifier.VerifyMembership(cons.Root, path, value, proof); err != nil {
		return ErrVerificationFailed.Wrapf("path %s at height %s: %v", path, height, err)
	}
	return nil
}

// Client returns a snapshot of the client.
func (cm *ClientManager) Client(clientID string) (*Client, error) {
	client, err := cm.get(clientID)
	if err != nil {
		return nil, err
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	return snapshot(client), nil
}

// ClientsTracking returns snapshots of all clients whose target is chainID.
func (cm *ClientManager) ClientsTracking(chainID string) []*Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var out []*Client
	for _, c := range cm.clients {
		if c.TargetChain == chainID {
			c.mu.Lock()
			out = append(out, snapshot(c))
			c.mu.Unlock()
		}
	}
	return out
}

// RemoveClient deregisters a client. It refuses while a connection still
// references the client.
func (cm *ClientManager) RemoveClient(clientID string) error {
	if cm.inUse != nil && cm.inUse(clientID) {
		return ErrConfigInvalid.Wrapf("client %s is referenced by a connection", clientID)
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.clients[clientID]; !ok {
		return fmt.Errorf("unknown client %s", clientID)
	}
	if err := cm.kv.Delete(clientKey(clientID)); err != nil {
		return err
	}
	delete(cm.clients, clientID)
	return nil
}

func (cm *ClientManager) get(clientID string) (*Client, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	client, ok := cm.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("unknown client %s", clientID)
	}
	return client, nil
}

func snapshot(c *Client) *Client {
	states := make(map[string]ConsensusState, len(c.ConsensusStates))
	for k, v := range c.ConsensusStates {
		states[k] = v
	}
	return &Client{
		ClientInfo:            c.ClientInfo,
		TrustedHeight:         c.TrustedHeight,
		TrustedConsensusState: c.TrustedConsensusState,
		ConsensusStates:       states,
	}
}
