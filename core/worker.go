package core

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/mosaicxc/aggrelayer/log"
)

// ErrOrderDeferred marks intents held back because an earlier sequence on
// their ordered channel was not confirmed submitted. The scheduler requeues
// them without charging an attempt.
var ErrOrderDeferred = errors.New("awaiting confirmation of an earlier sequence")

// Relayer proves and submits dispatched groups. It is safe for concurrent
// use by the scheduler's worker pool.
type Relayer struct {
	registry *ChainRegistry
	clients  *ClientManager
	pool     *ChannelPool

	// Now is overridable for tests.
	Now func() time.Time
}

func NewRelayer(registry *ChainRegistry, clients *ClientManager, pool *ChannelPool) *Relayer {
	return &Relayer{registry: registry, clients: clients, pool: pool, Now: time.Now}
}

// relayUnit is one target submission in the making: all of a group's
// packets that travel the same channel.
type relayUnit struct {
	route     ChannelInfo // source end
	verifying ChannelInfo // target end, its client tracks the source chain
	intents   []*TransactionIntent
}

// RelayGroup proves every packet in the group on its source chain and
// submits to the target. In mosaicxc mode packets sharing a channel ride
// one submission; in cosmosibc mode each packet is its own submission.
func (r *Relayer) RelayGroup(ctx context.Context, mode RelayMode, group Group) []IntentResult {
	logger := log.GetLogger().WithModule("core.worker")

	units, failed := r.resolveUnits(group)
	results := failed
	for _, unit := range units {
		switch mode {
		case RelayModeCosmosIBC:
			for i, intent := range unit.intents {
				single := relayUnit{route: unit.route, verifying: unit.verifying, intents: []*TransactionIntent{intent}}
				res := r.relayUnit(ctx, logger, single)
				results = append(results, res...)
				// an ordered unit arrives sequence-sorted; a later sequence
				// must not be submitted once an earlier one fails
				if intent.Ordering == Ordered && res[0].Err != nil {
					for _, held := range unit.intents[i+1:] {
						results = append(results, IntentResult{Intent: held, Err: ErrOrderDeferred})
					}
					break
				}
			}
		default:
			results = append(results, r.relayUnit(ctx, logger, unit)...)
		}
	}
	return results
}

// resolveUnits partitions a group by source channel and resolves both pool
// entries per channel. Intents whose route cannot be resolved fail
// permanently.
func (r *Relayer) resolveUnits(group Group) ([]relayUnit, []IntentResult) {
	var failed []IntentResult
	byChannel := make(map[ChannelKey]*relayUnit)
	var order []ChannelKey
	for _, intent := range group.Intents {
		key := intent.ChannelKey()
		if unit, ok := byChannel[key]; ok {
			unit.intents = append(unit.intents, intent)
			continue
		}
		route, err := r.pool.RouteForPacket(intent.SourceChain, intent.Packet)
		if err != nil {
			failed = append(failed, IntentResult{Intent: intent, Err: PermanentSubmission(err)})
			continue
		}
		verifying, ok := r.pool.Lookup(ChannelKey{
			ChainID:   route.CounterpartyChainID,
			PortID:    route.CounterpartyPortID,
			ChannelID: route.CounterpartyChannelID,
		})
		if !ok {
			failed = append(failed, IntentResult{Intent: intent, Err: PermanentSubmission(
				ErrSubmissionFailed.Wrapf("counterparty channel %s/%s not registered on chain %s",
					route.CounterpartyPortID, route.CounterpartyChannelID, route.CounterpartyChainID))})
			continue
		}
		unit := &relayUnit{route: route, verifying: verifying, intents: []*TransactionIntent{intent}}
		byChannel[key] = unit
		order = append(order, key)
	}
	units := make([]relayUnit, 0, len(order))
	for _, key := range order {
		units = append(units, *byChannel[key])
	}
	return units, failed
}

func (r *Relayer) relayUnit(ctx context.Context, logger *log.RelayLogger, unit relayUnit) []IntentResult {
	fail := func(err error) []IntentResult {
		results := make([]IntentResult, 0, len(unit.intents))
		for _, intent := range unit.intents {
			results = append(results, IntentResult{Intent: intent, Err: err})
		}
		return results
	}

	source, err := r.registry.Get(unit.route.ChainID)
	if err != nil {
		return fail(PermanentSubmission(err))
	}
	target, err := r.registry.Get(unit.verifying.ChainID)
	if err != nil {
		return fail(PermanentSubmission(err))
	}

	height, err := r.syncClient(ctx, source, unit.verifying.ClientID)
	if err != nil {
		return fail(err)
	}

	packets := make([]PacketSubmission, 0, len(unit.intents))
	for _, intent := range unit.intents {
		path := PacketCommitmentPath(intent.PortID, intent.ChannelID, intent.Packet.Sequence)
		value, proof, err := source.ProveState(ctx, path, height)
		if err != nil {
			return fail(err)
		}
		if err := r.clients.VerifyProof(unit.verifying.ClientID, path, value, proof, height); err != nil {
			return fail(err)
		}
		packets = append(packets, PacketSubmission{
			Packet:      intent.Packet,
			Proof:       proof,
			ProofHeight: height,
		})
	}

	submission := &Submission{
		SourceChain: unit.route.ChainID,
		PortID:      unit.verifying.PortID,
		ChannelID:   unit.verifying.ChannelID,
		Packets:     packets,
	}

	var txRes *TxResult
	err = retry.Do(func() error {
		var serr error
		txRes, serr = target.Submit(ctx, submission)
		return serr
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx), retry.RetryIf(func(err error) bool {
		return !IsPermanentSubmission(err)
	}))
	if err != nil {
		logger.WithChannel(unit.route.ChainID, unit.route.PortID, unit.route.ChannelID).
			ErrorContext(ctx, "submission failed", err,
				"target_chain", unit.verifying.ChainID,
				"packets", len(packets),
			)
		return fail(err)
	}

	logger.WithChannel(unit.route.ChainID, unit.route.PortID, unit.route.ChannelID).
		InfoContext(ctx, "submission confirmed",
			"target_chain", unit.verifying.ChainID,
			"tx_hash", txRes.Hash,
			"tx_height", txRes.Height.String(),
			"gas_used", txRes.GasUsed,
			"packets", len(packets),
		)

	results := make([]IntentResult, 0, len(unit.intents))
	for _, intent := range unit.intents {
		results = append(results, IntentResult{Intent: intent, Result: txRes})
	}
	return results
}

// syncClient brings the verifying client up to the source chain's latest
// height and returns the proving height. The proving height's block time
// must still be inside the client's trusting period.
func (r *Relayer) syncClient(ctx context.Context, source Chain, clientID string) (Height, error) {
	client, err := r.clients.Client(clientID)
	if err != nil {
		return Height{}, err
	}
	latest, err := source.LatestHeight(ctx)
	if err != nil {
		return Height{}, err
	}
	height := client.TrustedHeight
	if latest.GT(client.TrustedHeight) {
		header, err := source.FetchHeader(ctx, latest, client.TrustedHeight)
		if err != nil {
			return Height{}, err
		}
		if _, err := r.clients.UpdateClient(ctx, clientID, header); err != nil {
			return Height{}, err
		}
		height = latest
	}
	ts, err := source.Timestamp(ctx, height)
	if err != nil {
		return Height{}, err
	}
	if client.TrustingPeriod > 0 && r.Now().Sub(ts) > client.TrustingPeriod {
		return Height{}, RetryableSubmission(ErrSubmissionFailed.Wrapf(
			"proving state at height %s from %s is outside the %s trusting period",
			height.String(), ts, client.TrustingPeriod))
	}
	return height, nil
}
