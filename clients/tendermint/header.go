// Package tendermint implements light-client verification for CometBFT
// chains: header chaining via the light package's bisection rules and
// membership proofs via ics23.
package tendermint

import (
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/mosaicxc/aggrelayer/core"
)

// Header is a CometBFT signed header together with the validator sets
// needed to verify it. TrustedValidators is the set whose hash equals the
// trusted consensus state's NextValidatorsHash; it is nil on initial
// headers.
type Header struct {
	SignedHeader      *cmttypes.SignedHeader
	ValidatorSet      *cmttypes.ValidatorSet
	TrustedValidators *cmttypes.ValidatorSet
}

var _ core.Header = (*Header)(nil)

func (h *Header) ClientType() core.ClientType { return core.Tendermint }

func (h *Header) Height() core.Height {
	return core.NewHeight(
		core.ParseChainRevision(h.SignedHeader.Header.ChainID),
		uint64(h.SignedHeader.Header.Height),
	)
}
