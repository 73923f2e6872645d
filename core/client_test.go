package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaicxc/aggrelayer/core"
)

func TestCreateClientSetsInitialTrust(t *testing.T) {
	tb := newTestbed(t)
	ctx := context.Background()

	latest, err := tb.chainB.LatestHeight(ctx)
	require.NoError(t, err)
	initial, err := tb.chainB.FetchHeader(ctx, latest, core.Height{})
	require.NoError(t, err)

	client, err := tb.clients.CreateClient(ctx, "alpha", "bravo", core.Aggrelite, initial, testTrustingPeriod)
	require.NoError(t, err)
	require.Equal(t, latest, client.TrustedHeight)
	require.Equal(t, "alpha", client.SourceChain)
	require.Equal(t, "bravo", client.TargetChain)
}

func TestCreateClientUnknownChain(t *testing.T) {
	tb := newTestbed(t)
	ctx := context.Background()

	latest, err := tb.chainB.LatestHeight(ctx)
	require.NoError(t, err)
	initial, err := tb.chainB.FetchHeader(ctx, latest, core.Height{})
	require.NoError(t, err)

	_, err = tb.clients.CreateClient(ctx, "alpha", "unknown", core.Aggrelite, initial, testTrustingPeriod)
	require.ErrorIs(t, err, core.ErrChainNotRegistered)
}

func TestCreateClientRejectsTamperedHeader(t *testing.T) {
	tb := newTestbed(t)
	ctx := context.Background()

	latest, err := tb.chainB.LatestHeight(ctx)
	require.NoError(t, err)
	initial, err := tb.chainB.FetchHeader(ctx, latest, core.Height{})
	require.NoError(t, err)

	// a header for a different chain id fails the self-consistency check
	_, err = tb.clients.CreateClient(ctx, "bravo", "alpha", core.Aggrelite, initial, testTrustingPeriod)
	require.ErrorIs(t, err, core.ErrInvalidInitialState)
}

func TestUpdateClientAdvancesTrust(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	ctx := context.Background()

	before, err := tb.clients.Client(tb.clientA)
	require.NoError(t, err)

	// advance the tracked chain
	_, err = tb.chainB.WriteState(ctx, "demo/key", []byte("value"))
	require.NoError(t, err)

	latest, err := tb.chainB.LatestHeight(ctx)
	require.NoError(t, err)
	header, err := tb.chainB.FetchHeader(ctx, latest, before.TrustedHeight)
	require.NoError(t, err)

	updated, err := tb.clients.UpdateClient(ctx, tb.clientA, header)
	require.NoError(t, err)
	require.True(t, updated.TrustedHeight.GT(before.TrustedHeight))
}

func TestUpdateClientRejectsStaleHeader(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	ctx := context.Background()

	client, err := tb.clients.Client(tb.clientA)
	require.NoError(t, err)
	stale, err := tb.chainB.FetchHeader(ctx, client.TrustedHeight, core.Height{})
	require.NoError(t, err)

	_, err = tb.clients.UpdateClient(ctx, tb.clientA, stale)
	require.ErrorIs(t, err, core.ErrVerificationFailed)

	// trusted state is unchanged
	after, err := tb.clients.Client(tb.clientA)
	require.NoError(t, err)
	require.Equal(t, client.TrustedHeight, after.TrustedHeight)
}

func TestVerifyProofBeyondTrustedHeight(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	ctx := context.Background()

	height, err := tb.chainB.WriteState(ctx, "demo/key", []byte("value"))
	require.NoError(t, err)
	value, proof, err := tb.chainB.ProveState(ctx, "demo/key", height)
	require.NoError(t, err)

	// the client has not been updated to the writing height yet
	err = tb.clients.VerifyProof(tb.clientA, "demo/key", value, proof, height)
	require.ErrorIs(t, err, core.ErrHeightNotAvailable)
}

func TestVerifyProofEndToEnd(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	ctx := context.Background()

	height, err := tb.chainB.WriteState(ctx, "demo/key", []byte("value"))
	require.NoError(t, err)
	value, proof, err := tb.chainB.ProveState(ctx, "demo/key", height)
	require.NoError(t, err)

	client, err := tb.clients.Client(tb.clientA)
	require.NoError(t, err)
	header, err := tb.chainB.FetchHeader(ctx, height, client.TrustedHeight)
	require.NoError(t, err)
	_, err = tb.clients.UpdateClient(ctx, tb.clientA, header)
	require.NoError(t, err)

	require.NoError(t, tb.clients.VerifyProof(tb.clientA, "demo/key", value, proof, height))

	// a forged value fails against the same proof
	err = tb.clients.VerifyProof(tb.clientA, "demo/key", []byte("forged"), proof, height)
	require.ErrorIs(t, err, core.ErrVerificationFailed)
}

func TestRemoveClientRefusesWhileReferenced(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	tb.openConnection(t)

	err := tb.clients.RemoveClient(tb.clientA)
	require.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestClientRestoreFromStore(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)

	restored := core.NewClientManager(tb.registry, tb.kv)
	require.NoError(t, restored.Restore())

	orig, err := tb.clients.Client(tb.clientA)
	require.NoError(t, err)
	got, err := restored.Client(tb.clientA)
	require.NoError(t, err)
	require.Equal(t, orig.TrustedHeight, got.TrustedHeight)
	require.Equal(t, orig.TrustedConsensusState, got.TrustedConsensusState)
}
