package core

import (
	"context"
	"time"

	"github.com/mosaicxc/aggrelayer/log"
	"golang.org/x/sync/errgroup"
)

// Monitor watches every registered chain's event stream, turns send-packet
// events into transaction intents, and keeps the clients tracking each
// chain fresh as blocks land.
type Monitor struct {
	registry  *ChainRegistry
	clients   *ClientManager
	pool      *ChannelPool
	scheduler *Scheduler
}

func NewMonitor(registry *ChainRegistry, clients *ClientManager, pool *ChannelPool, scheduler *Scheduler) *Monitor {
	return &Monitor{registry: registry, clients: clients, pool: pool, scheduler: scheduler}
}

// Start launches one watcher per registered chain and blocks until ctx is
// canceled or a subscription fails.
func (m *Monitor) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, chainID := range m.registry.ChainIDs() {
		chainID := chainID
		eg.Go(func() error { return m.watch(ctx, chainID) })
	}
	err := eg.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	return err
}

func (m *Monitor) watch(ctx context.Context, chainID string) error {
	logger := log.GetLogger().With("chain_id", chainID).WithModule("core.monitor")

	chain, err := m.registry.Get(chainID)
	if err != nil {
		return err
	}
	events, err := chain.Subscribe(ctx)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "watching chain events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				logger.Info("event stream closed")
				return nil
			}
			switch ev := ev.(type) {
			case SendPacketEvent:
				m.handleSendPacket(ctx, logger, chainID, ev)
			case NewBlockEvent:
				m.handleNewBlock(ctx, logger, chain, chainID, ev)
			}
		}
	}
}

func (m *Monitor) handleSendPacket(ctx context.Context, logger *log.RelayLogger, chainID string, ev SendPacketEvent) {
	route, err := m.pool.RouteForPacket(chainID, ev.Packet)
	if err != nil {
		// packet on a channel this relayer does not serve
		logger.DebugContext(ctx, "ignoring packet", "reason", err.Error(),
			"port_id", ev.Packet.SourcePort, "channel_id", ev.Packet.SourceChannel)
		return
	}
	intent := &TransactionIntent{
		SourceChain: chainID,
		TargetChain: route.CounterpartyChainID,
		PortID:      ev.Packet.SourcePort,
		ChannelID:   ev.Packet.SourceChannel,
		Ordering:    route.Ordering,
		Packet:      ev.Packet,
		ObservedAt:  time.Now(),
	}
	if err := m.scheduler.Enqueue(ctx, intent); err != nil {
		logger.ErrorContext(ctx, "failed to enqueue intent", err, "intent", intent.ID())
	}
}

// handleNewBlock advances every client tracking the chain to the new
// height. Update failures are logged and retried on the next block.
func (m *Monitor) handleNewBlock(ctx context.Context, logger *log.RelayLogger, chain Chain, chainID string, ev NewBlockEvent) {
	for _, client := range m.clients.ClientsTracking(chainID) {
		if !ev.Height.GT(client.TrustedHeight) {
			continue
		}
		header, err := chain.FetchHeader(ctx, ev.Height, client.TrustedHeight)
		if err != nil {
			logger.ErrorContext(ctx, "failed to fetch header", err,
				"client_id", client.ClientID, "height", ev.Height.String())
			continue
		}
		if _, err := m.clients.UpdateClient(ctx, client.ClientID, header); err != nil {
			logger.ErrorContext(ctx, "failed to update client", err,
				"client_id", client.ClientID, "height", ev.Height.String())
		}
	}
}
