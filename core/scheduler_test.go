package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mosaicxc/aggrelayer/core"
)

func testSchedulerConfig() core.SchedulerConfig {
	return core.SchedulerConfig{
		Mode:         core.RelayModeMosaicXC,
		GroupingType: core.ClusterRandom,
		Workers:      2,
		MaxGroupSize: 100,
		Interval:     20 * time.Millisecond,
		MaxAttempts:  3,
		Seed:         1,
	}
}

// startAggregator runs the scheduler, and optionally the monitor, until the
// test ends.
func startAggregator(t *testing.T, tb *testbed, cfg core.SchedulerConfig, withMonitor bool) *core.Scheduler {
	t.Helper()
	relayer := core.NewRelayer(tb.registry, tb.clients, tb.pool)
	sched, err := core.NewScheduler(relayer, tb.kv, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sched.Start(ctx) })
	if withMonitor {
		monitor := core.NewMonitor(tb.registry, tb.clients, tb.pool, sched)
		eg.Go(func() error { return monitor.Start(ctx) })
	}
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})

	if withMonitor {
		require.Eventually(t, func() bool {
			return tb.chainA.SubscriberCount() > 0 && tb.chainB.SubscriberCount() > 0
		}, 2*time.Second, 5*time.Millisecond, "monitor did not subscribe")
	}
	return sched
}

func TestSchedulerRelaysObservedPacket(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "ics20-1")

	startAggregator(t, tb, testSchedulerConfig(), true)

	sent, err := tb.chainA.SendPacket(context.Background(),
		src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte("transfer 10untoken"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(tb.chainB.Received(dst.PortID, dst.ChannelID)) == 1
	}, 10*time.Second, 10*time.Millisecond)

	got := tb.chainB.Received(dst.PortID, dst.ChannelID)
	require.Equal(t, sent.Sequence, got[0].Sequence)
	require.Equal(t, sent.Data, got[0].Data)

	require.Eventually(t, func() bool {
		status, err := core.ReadSchedulerStatus(tb.kv)
		return err == nil && status.Relayed == 1
	}, 5*time.Second, 10*time.Millisecond)
	status, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)
	require.Equal(t, uint64(1), status.Submissions)
	require.Zero(t, status.Dropped)
	require.NotZero(t, status.TotalGasUsed)
	require.NotZero(t, status.Cycles)
}

func TestSchedulerKeepsOrderedChannelInOrder(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Ordered, "ics20-1")

	startAggregator(t, tb, testSchedulerConfig(), true)

	ctx := context.Background()
	for _, data := range []string{"first", "second", "third"} {
		_, err := tb.chainA.SendPacket(ctx, src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte(data))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(tb.chainB.Received(dst.PortID, dst.ChannelID)) == 3
	}, 10*time.Second, 10*time.Millisecond)

	got := tb.chainB.Received(dst.PortID, dst.ChannelID)
	for i, pkt := range got {
		require.Equal(t, uint64(i+1), pkt.Sequence)
	}
	require.Equal(t, []byte("first"), got[0].Data)
	require.Equal(t, []byte("third"), got[2].Data)
}

func TestSchedulerSkipsReplayedOrderedSequences(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Ordered, "ics20-1")

	startAggregator(t, tb, testSchedulerConfig(), true)

	ctx := context.Background()
	sent, err := tb.chainA.SendPacket(ctx, src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte("once"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(tb.chainB.Received(dst.PortID, dst.ChannelID)) == 1
	}, 10*time.Second, 10*time.Millisecond)

	// a fresh scheduler over the same store restores the channel cursor and
	// drops the replayed event instead of relaying the packet twice
	sched := startAggregator(t, tb, testSchedulerConfig(), false)
	replay := &core.TransactionIntent{
		SourceChain: "alpha",
		TargetChain: "bravo",
		PortID:      src.PortID,
		ChannelID:   src.ChannelID,
		Ordering:    core.Ordered,
		Packet:      sent,
		ObservedAt:  time.Now(),
	}
	require.NoError(t, sched.Enqueue(ctx, replay))

	time.Sleep(150 * time.Millisecond)
	require.Len(t, tb.chainB.Received(dst.PortID, dst.ChannelID), 1)
}

func TestSchedulerBatchesChannelPackets(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "ics20-1")

	cfg := testSchedulerConfig()
	cfg.Interval = 250 * time.Millisecond
	sched := startAggregator(t, tb, cfg, false)

	ctx := context.Background()
	intents := make([]*core.TransactionIntent, 0, 2)
	for _, data := range []string{"a", "b"} {
		pkt, err := tb.chainA.SendPacket(ctx, src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte(data))
		require.NoError(t, err)
		intents = append(intents, &core.TransactionIntent{
			SourceChain: "alpha",
			TargetChain: "bravo",
			PortID:      src.PortID,
			ChannelID:   src.ChannelID,
			Ordering:    core.Unordered,
			Packet:      pkt,
			ObservedAt:  time.Now(),
		})
	}
	for _, intent := range intents {
		require.NoError(t, sched.Enqueue(ctx, intent))
	}
	// duplicate observations are absorbed before grouping
	require.NoError(t, sched.Enqueue(ctx, intents[0]))

	require.Eventually(t, func() bool {
		return len(tb.chainB.Received(dst.PortID, dst.ChannelID)) == 2
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, err := core.ReadSchedulerStatus(tb.kv)
		return err == nil && status.Relayed == 2
	}, 5*time.Second, 10*time.Millisecond)
	status, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)
	// one submission carried both packets
	require.Equal(t, uint64(1), status.Submissions)
	require.Equal(t, uint64(70000), status.TotalGasUsed)
}

func TestSchedulerRetriesTransientSubmitError(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "ics20-1")

	tb.chainB.QueueSubmitError(core.RetryableSubmission(errors.New("mempool is full")))
	startAggregator(t, tb, testSchedulerConfig(), true)

	_, err := tb.chainA.SendPacket(context.Background(),
		src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte("persist"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(tb.chainB.Received(dst.PortID, dst.ChannelID)) == 1
	}, 15*time.Second, 20*time.Millisecond)

	status, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)
	require.Zero(t, status.Dropped)
}

func TestSchedulerDropsPermanentSubmitError(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "ics20-1")

	tb.chainB.QueueSubmitError(core.PermanentSubmission(errors.New("unknown channel")))
	startAggregator(t, tb, testSchedulerConfig(), true)

	_, err := tb.chainA.SendPacket(context.Background(),
		src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte("lost"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := core.ReadSchedulerStatus(tb.kv)
		return err == nil && status.Dropped == 1
	}, 10*time.Second, 10*time.Millisecond)

	require.Empty(t, tb.chainB.Received(dst.PortID, dst.ChannelID))
	status, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)
	require.Zero(t, status.Relayed)
}

func TestSchedulerStatusSurvivesRestart(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "ics20-1")

	startAggregator(t, tb, testSchedulerConfig(), true)
	_, err := tb.chainA.SendPacket(context.Background(),
		src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte("counted"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, err := core.ReadSchedulerStatus(tb.kv)
		return err == nil && status.Relayed == 1
	}, 10*time.Second, 10*time.Millisecond)

	before, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)

	// a status query does not need a running aggregator
	after, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)
	require.Equal(t, before.Relayed, after.Relayed)
	require.Equal(t, before.TotalGasUsed, after.TotalGasUsed)
}

func TestOrderedChannelRecoversInOrderAfterSubmitFailure(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Ordered, "ics20-1")

	// enough transient failures to exhaust one full submit retry cycle,
	// so the first sequence fails its dispatch and the rest are held
	for i := 0; i < 5; i++ {
		tb.chainB.QueueSubmitError(core.RetryableSubmission(errors.New("mempool is full")))
	}

	cfg := testSchedulerConfig()
	cfg.Mode = core.RelayModeCosmosIBC
	startAggregator(t, tb, cfg, true)

	ctx := context.Background()
	for _, data := range []string{"first", "second", "third"} {
		_, err := tb.chainA.SendPacket(ctx, src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte(data))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(tb.chainB.Received(dst.PortID, dst.ChannelID)) == 3
	}, 30*time.Second, 20*time.Millisecond)

	got := tb.chainB.Received(dst.PortID, dst.ChannelID)
	for i, pkt := range got {
		require.Equal(t, uint64(i+1), pkt.Sequence)
	}

	status, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)
	require.Zero(t, status.Dropped)
}

func TestSchedulerDefersGroupsBeyondWorkerCapacity(t *testing.T) {
	tb := newTestbed(t)
	tb.createClients(t)
	srcConn, dstConn := tb.openConnection(t)
	src, dst := tb.openChannel(t, srcConn, dstConn, core.Unordered, "ics20-1")

	// one worker and singleton groups: a cycle produces more groups than
	// the dispatch channel holds, so most wait for a later cycle
	cfg := testSchedulerConfig()
	cfg.Workers = 1
	cfg.GroupingType = core.NonGrouping
	cfg.Interval = 10 * time.Millisecond
	sched := startAggregator(t, tb, cfg, false)

	ctx := context.Background()
	const packets = 8
	for i := 0; i < packets; i++ {
		pkt, err := tb.chainA.SendPacket(ctx, src.PortID, src.ChannelID, dst.PortID, dst.ChannelID, []byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, sched.Enqueue(ctx, &core.TransactionIntent{
			SourceChain: "alpha",
			TargetChain: "bravo",
			PortID:      src.PortID,
			ChannelID:   src.ChannelID,
			Ordering:    core.Unordered,
			Packet:      pkt,
			ObservedAt:  time.Now(),
		}))
	}

	require.Eventually(t, func() bool {
		return len(tb.chainB.Received(dst.PortID, dst.ChannelID)) == packets
	}, 15*time.Second, 10*time.Millisecond)

	seen := make(map[uint64]int)
	for _, pkt := range tb.chainB.Received(dst.PortID, dst.ChannelID) {
		seen[pkt.Sequence]++
	}
	require.Len(t, seen, packets)
	for seq, n := range seen {
		require.Equal(t, 1, n, "sequence %d relayed %d times", seq, n)
	}

	require.Eventually(t, func() bool {
		status, err := core.ReadSchedulerStatus(tb.kv)
		return err == nil && status.Relayed == packets
	}, 5*time.Second, 10*time.Millisecond)
	status, err := core.ReadSchedulerStatus(tb.kv)
	require.NoError(t, err)
	require.Zero(t, status.Dropped)
}

func TestParseRelayMode(t *testing.T) {
	for _, s := range []string{"mosaicxc", "cosmosibc"} {
		mode, err := core.ParseRelayMode(s)
		require.NoError(t, err)
		require.Equal(t, core.RelayMode(s), mode)
	}
	_, err := core.ParseRelayMode("turbo")
	require.Error(t, err)
}
