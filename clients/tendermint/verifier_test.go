package tendermint

import (
	"fmt"
	"testing"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"
	cmtproto "github.com/cometbft/cometbft/proto/tendermint/types"
	cmtversion "github.com/cometbft/cometbft/proto/tendermint/version"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/cometbft/cometbft/version"
	"github.com/stretchr/testify/require"

	"github.com/mosaicxc/aggrelayer/core"
)

const testChainID = "testnet-1"

var tmTestInfo = core.ClientInfo{
	ClientID:       "tendermint-0",
	Type:           core.Tendermint,
	SourceChain:    "hub",
	TargetChain:    testChainID,
	TrustingPeriod: time.Hour,
}

// testChain holds a fixed validator set and its signers, ordered the way
// the set orders them.
type testChain struct {
	vals  *cmttypes.ValidatorSet
	privs []cmttypes.PrivValidator
}

func newTestChain(t *testing.T, n int) *testChain {
	t.Helper()
	validators := make([]*cmttypes.Validator, 0, n)
	byAddress := make(map[string]cmttypes.PrivValidator, n)
	for i := 0; i < n; i++ {
		pv := cmttypes.NewMockPV()
		pub, err := pv.GetPubKey()
		require.NoError(t, err)
		validators = append(validators, cmttypes.NewValidator(pub, 10))
		byAddress[string(pub.Address())] = pv
	}
	vals := cmttypes.NewValidatorSet(validators)
	privs := make([]cmttypes.PrivValidator, 0, n)
	for _, val := range vals.Validators {
		privs = append(privs, byAddress[string(val.Address)])
	}
	return &testChain{vals: vals, privs: privs}
}

// signedHeader builds a header at the given height, signed by the whole
// validator set.
func (tc *testChain) signedHeader(t *testing.T, height int64, at time.Time) *cmttypes.SignedHeader {
	t.Helper()
	header := &cmttypes.Header{
		Version:            cmtversion.Consensus{Block: version.BlockProtocol},
		ChainID:            testChainID,
		Height:             height,
		Time:               at,
		LastCommitHash:     tmhash.Sum([]byte("last_commit")),
		DataHash:           tmhash.Sum([]byte("data")),
		ValidatorsHash:     tc.vals.Hash(),
		NextValidatorsHash: tc.vals.Hash(),
		ConsensusHash:      tmhash.Sum([]byte("consensus")),
		AppHash:            tmhash.Sum([]byte(fmt.Sprintf("app_%d", height))),
		LastResultsHash:    tmhash.Sum([]byte("results")),
		EvidenceHash:       tmhash.Sum([]byte("evidence")),
		ProposerAddress:    tc.vals.Proposer.Address,
	}
	blockID := cmttypes.BlockID{
		Hash:          header.Hash(),
		PartSetHeader: cmttypes.PartSetHeader{Total: 1, Hash: tmhash.Sum([]byte("parts"))},
	}
	voteSet := cmttypes.NewVoteSet(testChainID, height, 0, cmtproto.PrecommitType, tc.vals)
	extCommit, err := cmttypes.MakeExtCommit(blockID, height, 0, voteSet, tc.privs, at, false)
	require.NoError(t, err)
	return &cmttypes.SignedHeader{Header: header, Commit: extCommit.ToCommit()}
}

func (tc *testChain) header(t *testing.T, height int64, at time.Time, trusted *cmttypes.ValidatorSet) *Header {
	t.Helper()
	return &Header{
		SignedHeader:      tc.signedHeader(t, height, at),
		ValidatorSet:      tc.vals,
		TrustedValidators: trusted,
	}
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier()
	v.Now = func() time.Time { return now }
	return v
}

func TestValidateInitialHeader(t *testing.T) {
	tc := newTestChain(t, 4)
	now := time.Now()
	header := tc.header(t, 10, now.Add(-time.Minute), nil)

	cs, err := fixedVerifier(now).ValidateInitialHeader(tmTestInfo, header)
	require.NoError(t, err)
	require.Equal(t, []byte(header.SignedHeader.Header.AppHash), cs.Root)
	require.Equal(t, []byte(tc.vals.Hash()), cs.NextValidatorsHash)
	require.Equal(t, core.NewHeight(1, 10), header.Height())
}

func TestValidateInitialHeaderRejectsForeignValidatorSet(t *testing.T) {
	tc := newTestChain(t, 4)
	other := newTestChain(t, 4)
	now := time.Now()
	header := tc.header(t, 10, now.Add(-time.Minute), nil)
	header.ValidatorSet = other.vals

	_, err := fixedVerifier(now).ValidateInitialHeader(tmTestInfo, header)
	require.ErrorContains(t, err, "validator set does not hash")
}

func TestValidateInitialHeaderRejectsWrongChain(t *testing.T) {
	tc := newTestChain(t, 4)
	now := time.Now()
	header := tc.header(t, 10, now.Add(-time.Minute), nil)
	info := tmTestInfo
	info.TargetChain = "othernet-1"

	_, err := fixedVerifier(now).ValidateInitialHeader(info, header)
	require.ErrorContains(t, err, "client tracks")
}

func TestVerifyHeaderAdjacent(t *testing.T) {
	tc := newTestChain(t, 4)
	now := time.Now()
	v := fixedVerifier(now)

	initial := tc.header(t, 10, now.Add(-2*time.Minute), nil)
	trusted, err := v.ValidateInitialHeader(tmTestInfo, initial)
	require.NoError(t, err)

	next := tc.header(t, 11, now.Add(-time.Minute), tc.vals)
	cs, err := v.VerifyHeader(tmTestInfo, initial.Height(), trusted, next)
	require.NoError(t, err)
	require.Equal(t, []byte(next.SignedHeader.Header.AppHash), cs.Root)
}

func TestVerifyHeaderNonAdjacent(t *testing.T) {
	tc := newTestChain(t, 4)
	now := time.Now()
	v := fixedVerifier(now)

	initial := tc.header(t, 10, now.Add(-2*time.Minute), nil)
	trusted, err := v.ValidateInitialHeader(tmTestInfo, initial)
	require.NoError(t, err)

	skipped := tc.header(t, 42, now.Add(-time.Minute), tc.vals)
	_, err = v.VerifyHeader(tmTestInfo, initial.Height(), trusted, skipped)
	require.NoError(t, err)
}

func TestVerifyHeaderRequiresTrustedValidators(t *testing.T) {
	tc := newTestChain(t, 4)
	now := time.Now()
	v := fixedVerifier(now)

	initial := tc.header(t, 10, now.Add(-2*time.Minute), nil)
	trusted, err := v.ValidateInitialHeader(tmTestInfo, initial)
	require.NoError(t, err)

	next := tc.header(t, 11, now.Add(-time.Minute), nil)
	_, err = v.VerifyHeader(tmTestInfo, initial.Height(), trusted, next)
	require.ErrorContains(t, err, "no trusted validator set")
}

func TestVerifyHeaderRejectsMismatchedTrustedValidators(t *testing.T) {
	tc := newTestChain(t, 4)
	other := newTestChain(t, 4)
	now := time.Now()
	v := fixedVerifier(now)

	initial := tc.header(t, 10, now.Add(-2*time.Minute), nil)
	trusted, err := v.ValidateInitialHeader(tmTestInfo, initial)
	require.NoError(t, err)

	next := tc.header(t, 11, now.Add(-time.Minute), other.vals)
	_, err = v.VerifyHeader(tmTestInfo, initial.Height(), trusted, next)
	require.ErrorContains(t, err, "trusted validators do not hash")
}

func TestVerifyHeaderRejectsExpiredTrustedState(t *testing.T) {
	tc := newTestChain(t, 4)
	now := time.Now()
	v := fixedVerifier(now)

	initial := tc.header(t, 10, now.Add(-2*time.Hour), nil)
	trusted, err := fixedVerifier(now.Add(-2*time.Hour)).ValidateInitialHeader(tmTestInfo, initial)
	require.NoError(t, err)

	next := tc.header(t, 11, now.Add(-time.Minute), tc.vals)
	_, err = v.VerifyHeader(tmTestInfo, initial.Height(), trusted, next)
	require.ErrorContains(t, err, "light verification")
}
