package tendermint

import (
	"bytes"
	"fmt"
	"time"

	cmtmath "github.com/cometbft/cometbft/libs/math"
	"github.com/cometbft/cometbft/light"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/mosaicxc/aggrelayer/clients/commitment"
	"github.com/mosaicxc/aggrelayer/core"
)

const defaultMaxClockDrift = 10 * time.Second

// Verifier verifies CometBFT headers with the light package's adjacent and
// non-adjacent rules.
type Verifier struct {
	// TrustLevel is the voting-power fraction the trusted validator set
	// must have signed on a non-adjacent header.
	TrustLevel cmtmath.Fraction
	// Now is overridable for tests.
	Now func() time.Time
}

var _ core.Verifier = (*Verifier)(nil)

func NewVerifier() *Verifier {
	return &Verifier{
		TrustLevel: light.DefaultTrustLevel,
		Now:        time.Now,
	}
}

func (v *Verifier) ClientType() core.ClientType { return core.Tendermint }

func (v *Verifier) ValidateInitialHeader(info core.ClientInfo, h core.Header) (core.ConsensusState, error) {
	header, err := asHeader(h)
	if err != nil {
		return core.ConsensusState{}, err
	}
	if header.SignedHeader.Header.ChainID != info.TargetChain {
		return core.ConsensusState{}, fmt.Errorf("header is for chain %s, client tracks %s",
			header.SignedHeader.Header.ChainID, info.TargetChain)
	}
	if err := header.SignedHeader.ValidateBasic(info.TargetChain); err != nil {
		return core.ConsensusState{}, fmt.Errorf("invalid signed header: %w", err)
	}
	if !bytes.Equal(header.ValidatorSet.Hash(), header.SignedHeader.Header.ValidatorsHash) {
		return core.ConsensusState{}, fmt.Errorf("validator set does not hash to the header's validators hash")
	}
	if err := header.ValidatorSet.VerifyCommitLight(
		info.TargetChain,
		header.SignedHeader.Commit.BlockID,
		header.SignedHeader.Header.Height,
		header.SignedHeader.Commit,
	); err != nil {
		return core.ConsensusState{}, fmt.Errorf("commit verification: %w", err)
	}
	return consensusStateOf(header), nil
}

func (v *Verifier) VerifyHeader(info core.ClientInfo, trustedHeight core.Height, trusted core.ConsensusState, h core.Header) (core.ConsensusState, error) {
	header, err := asHeader(h)
	if err != nil {
		return core.ConsensusState{}, err
	}
	if header.TrustedValidators == nil {
		return core.ConsensusState{}, fmt.Errorf("header carries no trusted validator set")
	}
	if !bytes.Equal(header.TrustedValidators.Hash(), trusted.NextValidatorsHash) {
		return core.ConsensusState{}, fmt.Errorf("trusted validators do not hash to the trusted next validators hash")
	}

	// reconstruct the trusted header from the consensus state; only the
	// fields the light rules read are populated
	trustedSigned := reconstructTrusted(info.TargetChain, trustedHeight, trusted)

	if err := light.Verify(
		trustedSigned,
		header.TrustedValidators,
		header.SignedHeader,
		header.ValidatorSet,
		info.TrustingPeriod,
		v.Now(),
		defaultMaxClockDrift,
		v.TrustLevel,
	); err != nil {
		return core.ConsensusState{}, fmt.Errorf("light verification: %w", err)
	}
	return consensusStateOf(header), nil
}

func (v *Verifier) VerifyMembership(root []byte, path string, value, proof []byte) error {
	return commitment.VerifyMembership(root, path, value, proof)
}

func asHeader(h core.Header) (*Header, error) {
	header, ok := h.(*Header)
	if !ok {
		return nil, fmt.Errorf("unexpected header type %T", h)
	}
	if header.SignedHeader == nil || header.ValidatorSet == nil {
		return nil, fmt.Errorf("incomplete header")
	}
	return header, nil
}

func reconstructTrusted(chainID string, trustedHeight core.Height, trusted core.ConsensusState) *cmttypes.SignedHeader {
	return &cmttypes.SignedHeader{
		Header: &cmttypes.Header{
			ChainID:            chainID,
			Height:             int64(trustedHeight.RevisionHeight),
			Time:               trusted.Timestamp,
			NextValidatorsHash: trusted.NextValidatorsHash,
		},
	}
}

func consensusStateOf(h *Header) core.ConsensusState {
	return core.ConsensusState{
		Timestamp:          h.SignedHeader.Header.Time,
		Root:               h.SignedHeader.Header.AppHash,
		NextValidatorsHash: h.SignedHeader.Header.NextValidatorsHash,
	}
}
