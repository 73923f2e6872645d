package aggrelite

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/crypto/tmhash"

	"github.com/mosaicxc/aggrelayer/clients/commitment"
	"github.com/mosaicxc/aggrelayer/core"
)

// Verifier verifies aggrelite headers: one ed25519 check over the header's
// sign bytes, with the aggregate key chained to the previous trusted state
// through its hash.
type Verifier struct {
	// Now is overridable for tests.
	Now func() time.Time
}

var _ core.Verifier = (*Verifier)(nil)

func NewVerifier() *Verifier {
	return &Verifier{Now: time.Now}
}

func (v *Verifier) ClientType() core.ClientType { return core.Aggrelite }

func (v *Verifier) ValidateInitialHeader(info core.ClientInfo, h core.Header) (core.ConsensusState, error) {
	header, err := asHeader(h)
	if err != nil {
		return core.ConsensusState{}, err
	}
	if header.ChainID != info.TargetChain {
		return core.ConsensusState{}, fmt.Errorf("header is for chain %s, client tracks %s", header.ChainID, info.TargetChain)
	}
	if header.Number == 0 {
		return core.ConsensusState{}, fmt.Errorf("header height must be positive")
	}
	if err := verifySignature(header); err != nil {
		return core.ConsensusState{}, err
	}
	return consensusStateOf(header), nil
}

func (v *Verifier) VerifyHeader(info core.ClientInfo, trustedHeight core.Height, trusted core.ConsensusState, h core.Header) (core.ConsensusState, error) {
	header, err := asHeader(h)
	if err != nil {
		return core.ConsensusState{}, err
	}
	if header.ChainID != info.TargetChain {
		return core.ConsensusState{}, fmt.Errorf("header is for chain %s, client tracks %s", header.ChainID, info.TargetChain)
	}
	if info.TrustingPeriod > 0 && v.Now().Sub(trusted.Timestamp) > info.TrustingPeriod {
		return core.ConsensusState{}, fmt.Errorf("trusted state from %s is outside the trusting period", trusted.Timestamp)
	}
	if !header.Time.After(trusted.Timestamp) {
		return core.ConsensusState{}, fmt.Errorf("header time %s does not advance past trusted time %s", header.Time, trusted.Timestamp)
	}
	if !bytes.Equal(tmhash.Sum(header.AggregatePubKey), trusted.NextValidatorsHash) {
		return core.ConsensusState{}, fmt.Errorf("aggregate key does not hash to the pinned next key hash")
	}
	if err := verifySignature(header); err != nil {
		return core.ConsensusState{}, err
	}
	return consensusStateOf(header), nil
}

func (v *Verifier) VerifyMembership(root []byte, path string, value, proof []byte) error {
	return commitment.VerifyMembership(root, path, value, proof)
}

func verifySignature(h *Header) error {
	if len(h.AggregatePubKey) != ed25519.PubKeySize {
		return fmt.Errorf("aggregate public key has size %d, want %d", len(h.AggregatePubKey), ed25519.PubKeySize)
	}
	pub := ed25519.PubKey(h.AggregatePubKey)
	if !pub.VerifySignature(h.SignBytes(), h.Signature) {
		return fmt.Errorf("aggregate signature verification failed")
	}
	return nil
}

func asHeader(h core.Header) (*Header, error) {
	header, ok := h.(*Header)
	if !ok {
		return nil, fmt.Errorf("unexpected header type %T", h)
	}
	return header, nil
}

func consensusStateOf(h *Header) core.ConsensusState {
	return core.ConsensusState{
		Timestamp:          h.Time,
		Root:               h.StateRoot,
		NextValidatorsHash: h.NextAggregateKeyHash,
	}
}
