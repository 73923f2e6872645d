package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaicxc/aggrelayer/core"
)

func TestCreateChannelOpensBothEnds(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)

	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "ics20-1")

	require.Equal(t, core.ChannelOpen, src.State)
	require.Equal(t, core.ChannelOpen, dst.State)
	require.Equal(t, dst.ChannelID, src.CounterpartyChannelID)
	require.Equal(t, src.ChannelID, dst.CounterpartyChannelID)
	require.Equal(t, "ics20-1", src.Version)
	require.Equal(t, "ics20-1", dst.Version)

	// both directions are routable in the pool
	srcInfo, ok := tb.pool.Lookup(core.ChannelKey{ChainID: "alpha", PortID: "transfer", ChannelID: src.ChannelID})
	require.True(t, ok)
	require.Equal(t, "bravo", srcInfo.CounterpartyChainID)
	dstInfo, ok := tb.pool.Lookup(core.ChannelKey{ChainID: "bravo", PortID: "transfer", ChannelID: dst.ChannelID})
	require.True(t, ok)
	require.Equal(t, "alpha", dstInfo.CounterpartyChainID)
}

func TestCreateOrderedChannel(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)

	src, dst := tb.openChannel(t, srcConn, dstConn, core.Ordered, "")
	require.Equal(t, core.Ordered, src.Ordering)
	require.Equal(t, core.Ordered, dst.Ordering)
}

func TestChannelOrderingMismatchIsTerminal(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)

	_, _, err := tb.chans.CreateChannel(context.Background(),
		core.ChanSide{
			ChainID:      "alpha",
			ClientID:     tb.clientA,
			ConnectionID: srcConn.ConnectionID,
			PortID:       "transfer",
			Ordering:     core.Ordered,
		},
		core.ChanSide{
			ChainID:      "bravo",
			ClientID:     tb.clientB,
			ConnectionID: dstConn.ConnectionID,
			PortID:       "transfer",
			Ordering:     core.Unordered,
		},
	)
	require.ErrorIs(t, err, core.ErrConfigMismatch)
}

func TestChanOpenInitRequiresOpenConnection(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	ctx := context.Background()

	// connection exists but has only reached INIT
	conn, err := tb.conns.ConnOpenInit(ctx,
		core.ConnSide{ChainID: "alpha", ClientID: tb.clientA}, tb.clientB)
	require.NoError(t, err)

	_, err = tb.chans.ChanOpenInit(ctx, core.ChanSide{
		ChainID:      "alpha",
		ClientID:     tb.clientA,
		ConnectionID: conn.ConnectionID,
		PortID:       "transfer",
		Ordering:     core.Unordered,
	}, "transfer")
	require.ErrorIs(t, err, core.ErrInvalidHandshakeState)
}

func TestChannelVersionNegotiation(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)

	// responder has no version preference and confirms the proposal
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "transfer-v2")
	require.Equal(t, "transfer-v2", src.Version)
	require.Equal(t, "transfer-v2", dst.Version)
}

func TestChannelCloseStopsRouting(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, _ := tb.openChannel(t, srcConn, dstConn, core.Unordered, "")

	require.NoError(t, tb.chans.Close(context.Background(), "alpha", "transfer", src.ChannelID))

	_, err := tb.pool.RouteForPacket("alpha", core.Packet{
		SourcePort:    "transfer",
		SourceChannel: src.ChannelID,
	})
	require.Error(t, err)
}

func TestChannelRestoreRepopulatesPool(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, _ := tb.openChannel(t, srcConn, dstConn, core.Unordered, "")

	pool := core.NewChannelPool()
	restored := core.NewChannelHandshaker(tb.registry, tb.clients, tb.conns, pool, tb.kv)
	require.NoError(t, restored.Restore())

	info, ok := pool.Lookup(core.ChannelKey{ChainID: "alpha", PortID: "transfer", ChannelID: src.ChannelID})
	require.True(t, ok)
	require.Equal(t, core.ChannelOpen, info.State)
	require.Equal(t, "bravo", info.CounterpartyChainID)
}
