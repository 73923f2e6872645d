package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosaicxc/aggrelayer/chains/mock"
	"github.com/mosaicxc/aggrelayer/clients/aggrelite"
	"github.com/mosaicxc/aggrelayer/core"
	"github.com/mosaicxc/aggrelayer/store"
)

const testTrustingPeriod = time.Hour

// testbed wires two mock chains with the full manager stack, the way the
// aggregator command assembles it.
type testbed struct {
	kv       *store.Store
	registry *core.ChainRegistry
	clients  *core.ClientManager
	pool     *core.ChannelPool
	conns    *core.ConnectionHandshaker
	chans    *core.ChannelHandshaker

	chainA *mock.Chain
	chainB *mock.Chain

	clientA string // hosted on A, tracks B
	clientB string // hosted on B, tracks A
}

func newTestbed(t *testing.T) *testbed {
	t.Helper()
	kv := store.NewMem()
	registry := core.NewChainRegistry()

	a, err := registry.Register(mock.ChainConfig{Chain: "alpha"})
	require.NoError(t, err)
	b, err := registry.Register(mock.ChainConfig{Chain: "bravo"})
	require.NoError(t, err)

	clients := core.NewClientManager(registry, kv)
	clients.RegisterVerifier(aggrelite.NewVerifier())

	pool := core.NewChannelPool()
	conns := core.NewConnectionHandshaker(registry, clients, kv)
	chans := core.NewChannelHandshaker(registry, clients, conns, pool, kv)

	return &testbed{
		kv:       kv,
		registry: registry,
		clients:  clients,
		pool:     pool,
		conns:    conns,
		chans:    chans,
		chainA:   a.(*mock.Chain),
		chainB:   b.(*mock.Chain),
	}
}

func (tb *testbed) createClient(t *testing.T, source, target string) string {
	t.Helper()
	ctx := context.Background()
	targetChain, err := tb.registry.Get(target)
	require.NoError(t, err)
	latest, err := targetChain.LatestHeight(ctx)
	require.NoError(t, err)
	initial, err := targetChain.FetchHeader(ctx, latest, core.Height{})
	require.NoError(t, err)
	client, err := tb.clients.CreateClient(ctx, source, target, core.Aggrelite, initial, testTrustingPeriod)
	require.NoError(t, err)
	return client.ClientID
}

func (tb *testbed) createClients(t *testing.T) {
	t.Helper()
	tb.clientA = tb.createClient(t, "alpha", "bravo")
	tb.clientB = tb.createClient(t, "bravo", "alpha")
}

func (tb *testbed) openConnection(t *testing.T) (src, dst core.ConnectionEnd) {
	t.Helper()
	src, dst, err := tb.conns.CreateConnection(context.Background(),
		core.ConnSide{ChainID: "alpha", ClientID: tb.clientA},
		core.ConnSide{ChainID: "bravo", ClientID: tb.clientB},
	)
	require.NoError(t, err)
	return src, dst
}

func (tb *testbed) openChannel(t *testing.T, srcConn, dstConn core.ConnectionEnd, ordering core.ChannelOrdering, version string) (src, dst core.ChannelEnd) {
	t.Helper()
	src, dst, err := tb.chans.CreateChannel(context.Background(),
		core.ChanSide{
			ChainID:      "alpha",
			ClientID:     tb.clientA,
			ConnectionID: srcConn.ConnectionID,
			PortID:       "transfer",
			Version:      version,
			Ordering:     ordering,
		},
		core.ChanSide{
			ChainID:      "bravo",
			ClientID:     tb.clientB,
			ConnectionID: dstConn.ConnectionID,
			PortID:       "transfer",
			Ordering:     ordering,
		},
	)
	require.NoError(t, err)
	return src, dst
}
