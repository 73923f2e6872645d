package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/mosaicxc/aggrelayer/log"
	"github.com/mosaicxc/aggrelayer/metrics"
	"golang.org/x/sync/errgroup"
)

// RelayMode selects how worker groups are turned into target-chain
// submissions.
type RelayMode string

const (
	// RelayModeMosaicXC batches a group's packets per target channel into
	// one submission.
	RelayModeMosaicXC RelayMode = "mosaicxc"
	// RelayModeCosmosIBC submits every packet individually.
	RelayModeCosmosIBC RelayMode = "cosmosibc"
)

// ParseRelayMode maps the --mode flag to a RelayMode.
func ParseRelayMode(s string) (RelayMode, error) {
	switch RelayMode(s) {
	case RelayModeMosaicXC, RelayModeCosmosIBC:
		return RelayMode(s), nil
	default:
		return "", fmt.Errorf("unknown relay mode %q", s)
	}
}

const (
	DefaultWorkers      = 4
	DefaultMaxGroupSize = 100
	DefaultInterval     = 3 * time.Second
	DefaultMaxAttempts  = 5
)

// SchedulerConfig carries the aggregator's runtime knobs.
type SchedulerConfig struct {
	Mode         RelayMode
	GroupingType GroupingType
	Workers      int
	MaxGroupSize int
	Interval     time.Duration
	MaxAttempts  int
	// Seed fixes the grouping RNG; zero seeds from the clock.
	Seed int64
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxGroupSize <= 0 {
		c.MaxGroupSize = DefaultMaxGroupSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Mode == "" {
		c.Mode = RelayModeMosaicXC
	}
}

// SchedulerStatus is the aggregator's cumulative accounting, persisted so a
// status query can read it after the process restarts.
type SchedulerStatus struct {
	Pending      int       `json:"pending"`
	InFlight     int       `json:"in_flight"`
	Relayed      uint64    `json:"relayed"`
	Dropped      uint64    `json:"dropped"`
	Submissions  uint64    `json:"submissions"`
	TotalGasUsed uint64    `json:"total_gas_used"`
	Cycles       uint64    `json:"cycles"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const schedulerStatusKey = "scheduler/status"

// IntentResult is one intent's outcome from a dispatched group.
type IntentResult struct {
	Intent *TransactionIntent
	Result *TxResult
	Err    error
}

type groupReport struct {
	group   Group
	results []IntentResult
}

// Scheduler accumulates transaction intents, partitions them into groups
// each cycle, and hands the groups to a fixed worker pool. Ordered channels
// bypass the configured strategy: their dispatchable intents always travel
// in one sequence-sorted group and never overlap an in-flight group for the
// same channel.
type Scheduler struct {
	relayer  *Relayer
	kv       KV
	cfg      SchedulerConfig
	strategy GroupingStrategy
	rng      *rand.Rand

	intentCh chan *TransactionIntent
	groupCh  chan Group
	resultCh chan groupReport

	// loop-owned state, touched only from run()
	pending         map[string]*TransactionIntent
	inFlight        int
	orderedInFlight map[ChannelKey]bool
	orderedCursor   map[ChannelKey]uint64
	status          SchedulerStatus
}

func NewScheduler(relayer *Relayer, kv KV, cfg SchedulerConfig) (*Scheduler, error) {
	cfg.applyDefaults()
	strategy, err := GetStrategy(cfg.GroupingType)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Scheduler{
		relayer:         relayer,
		kv:              kv,
		cfg:             cfg,
		strategy:        strategy,
		rng:             rand.New(rand.NewSource(seed)),
		intentCh:        make(chan *TransactionIntent),
		groupCh:         make(chan Group, cfg.Workers),
		resultCh:        make(chan groupReport, cfg.Workers),
		pending:         make(map[string]*TransactionIntent),
		orderedInFlight: make(map[ChannelKey]bool),
		orderedCursor:   make(map[ChannelKey]uint64),
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) restore() error {
	if _, err := s.kv.Get(schedulerStatusKey, &s.status); err != nil {
		return err
	}
	return s.kv.List("ordered_cursors/", func(key string, raw []byte) error {
		var cursor struct {
			ChainID   string `json:"chain_id"`
			PortID    string `json:"port_id"`
			ChannelID string `json:"channel_id"`
			Next      uint64 `json:"next"`
		}
		if _, err := s.kv.Get(key, &cursor); err != nil {
			return err
		}
		s.orderedCursor[ChannelKey{ChainID: cursor.ChainID, PortID: cursor.PortID, ChannelID: cursor.ChannelID}] = cursor.Next
		return nil
	})
}

func (s *Scheduler) persistCursor(key ChannelKey, next uint64) {
	_ = s.kv.Put("ordered_cursors/"+key.String(), map[string]any{
		"chain_id":   key.ChainID,
		"port_id":    key.PortID,
		"channel_id": key.ChannelID,
		"next":       next,
	})
}

func (s *Scheduler) persistStatus() {
	s.status.Pending = len(s.pending)
	s.status.InFlight = s.inFlight
	s.status.UpdatedAt = time.Now()
	_ = s.kv.Put(schedulerStatusKey, &s.status)
}

// Enqueue hands an observed intent to the scheduling loop. It blocks only
// while the loop is mid-cycle.
func (s *Scheduler) Enqueue(ctx context.Context, intent *TransactionIntent) error {
	select {
	case s.intentCh <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the persisted accounting snapshot.
func ReadSchedulerStatus(kv KV) (SchedulerStatus, error) {
	var status SchedulerStatus
	if _, err := kv.Get(schedulerStatusKey, &status); err != nil {
		return SchedulerStatus{}, err
	}
	return status, nil
}

// Start runs the worker pool and the scheduling loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := log.GetLogger().WithModule("core.scheduler")
	logger.InfoContext(ctx, "scheduler starting",
		"mode", string(s.cfg.Mode),
		"strategy", s.strategy.Name(),
		"workers", s.cfg.Workers,
		"max_group_size", s.cfg.MaxGroupSize,
		"interval", s.cfg.Interval.String(),
	)

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		eg.Go(func() error { return s.workerLoop(ctx) })
	}
	eg.Go(func() error { return s.run(ctx, logger) })
	err := eg.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case group := <-s.groupCh:
			results := s.relayer.RelayGroup(ctx, s.cfg.Mode, group)
			select {
			case s.resultCh <- groupReport{group: group, results: results}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, logger *log.RelayLogger) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent := <-s.intentCh:
			s.ingest(ctx, logger, intent)
		case report := <-s.resultCh:
			s.handleReport(ctx, logger, report)
		case <-ticker.C:
			s.runCycle(ctx, logger)
		}
	}
}

func (s *Scheduler) ingest(ctx context.Context, logger *log.RelayLogger, intent *TransactionIntent) {
	if _, ok := s.pending[intent.ID()]; ok {
		return
	}
	if intent.Ordering == Ordered {
		key := intent.ChannelKey()
		if next, ok := s.orderedCursor[key]; ok && intent.Packet.Sequence < next {
			// already relayed, a restart replayed the event
			return
		}
	}
	s.pending[intent.ID()] = intent
	metrics.PendingIntents.Set(float64(len(s.pending)))
	logger.DebugContext(ctx, "intent queued", "intent", intent.ID(), "target", intent.TargetChain)
}

// runCycle partitions everything dispatchable and hands groups to workers.
// Groups that exceed worker capacity stay pending for the next cycle.
func (s *Scheduler) runCycle(ctx context.Context, logger *log.RelayLogger) {
	start := time.Now()
	s.status.Cycles++
	metrics.SchedulerCycles.Inc()
	defer func() {
		metrics.SchedulerCycleSeconds.Observe(time.Since(start).Seconds())
		metrics.PendingIntents.Set(float64(len(s.pending)))
		s.persistStatus()
	}()

	if len(s.pending) == 0 {
		return
	}

	ordered := make(map[ChannelKey][]*TransactionIntent)
	var unordered []*TransactionIntent
	for _, intent := range s.pending {
		if intent.Ordering == Ordered {
			key := intent.ChannelKey()
			ordered[key] = append(ordered[key], intent)
		} else {
			unordered = append(unordered, intent)
		}
	}
	// visit order is deterministic; intents inside a group are not, except
	// on ordered channels
	sort.Slice(unordered, func(i, j int) bool { return unordered[i].ID() < unordered[j].ID() })

	var groups []Group
	orderedKeys := make([]ChannelKey, 0, len(ordered))
	for key := range ordered {
		orderedKeys = append(orderedKeys, key)
	}
	sort.Slice(orderedKeys, func(i, j int) bool { return orderedKeys[i].String() < orderedKeys[j].String() })
	for _, key := range orderedKeys {
		if group, ok := s.orderedGroup(key, ordered[key]); ok {
			groups = append(groups, group)
		}
	}
	groups = append(groups, s.strategy.Group(unordered, s.cfg.Workers, s.cfg.MaxGroupSize, s.rng)...)

	dispatched := 0
	for _, group := range groups {
		select {
		case s.groupCh <- group:
		default:
			// worker capacity exhausted, the rest waits for the next cycle
			logger.DebugContext(ctx, "deferring groups to next cycle",
				"deferred", len(groups)-dispatched)
			return
		}
		dispatched++
		s.inFlight += group.Size()
		for _, intent := range group.Intents {
			delete(s.pending, intent.ID())
			if intent.Ordering == Ordered {
				s.orderedInFlight[intent.ChannelKey()] = true
			}
		}
	}
}

// orderedGroup builds the single dispatchable group for an ordered channel:
// the contiguous sequence run starting at the channel's cursor, sorted
// ascending, only when nothing for the channel is already in flight.
func (s *Scheduler) orderedGroup(key ChannelKey, intents []*TransactionIntent) (Group, bool) {
	if s.orderedInFlight[key] {
		return Group{}, false
	}
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].Packet.Sequence < intents[j].Packet.Sequence
	})
	next, ok := s.orderedCursor[key]
	if !ok {
		next = intents[0].Packet.Sequence
	}
	var run []*TransactionIntent
	for _, intent := range intents {
		if intent.Packet.Sequence != next {
			break
		}
		run = append(run, intent)
		next++
		if s.cfg.MaxGroupSize > 0 && len(run) >= s.cfg.MaxGroupSize {
			break
		}
	}
	if len(run) == 0 {
		return Group{}, false
	}
	return Group{Intents: run}, true
}

func (s *Scheduler) handleReport(ctx context.Context, logger *log.RelayLogger, report groupReport) {
	s.inFlight -= report.group.Size()
	for _, intent := range report.group.Intents {
		if intent.Ordering == Ordered {
			delete(s.orderedInFlight, intent.ChannelKey())
		}
	}

	// batched intents share one TxResult, count the submission once
	counted := make(map[*TxResult]bool)
	confirmed := make(map[ChannelKey][]uint64)
	for _, res := range report.results {
		intent := res.Intent
		switch {
		case res.Err == nil:
			s.status.Relayed++
			if res.Result != nil && !counted[res.Result] {
				counted[res.Result] = true
				s.status.Submissions++
				if res.Result.GasUsed > 0 {
					s.status.TotalGasUsed += uint64(res.Result.GasUsed)
				}
			}
			metrics.IntentsRelayed.WithLabelValues(intent.TargetChain).Inc()
			if intent.Ordering == Ordered {
				key := intent.ChannelKey()
				confirmed[key] = append(confirmed[key], intent.Packet.Sequence)
			}
			logger.InfoContext(ctx, "intent relayed",
				"intent", intent.ID(),
				"target", intent.TargetChain,
				"attempts", intent.Attempts(),
			)
		case errors.Is(res.Err, ErrOrderDeferred):
			// never submitted, so no attempt is charged
			s.pending[intent.ID()] = intent
			logger.DebugContext(ctx, "intent held for an earlier sequence", "intent", intent.ID())
		case IsPermanentSubmission(res.Err):
			s.status.Dropped++
			metrics.IntentsDropped.WithLabelValues(intent.TargetChain, "permanent").Inc()
			logger.ErrorContext(ctx, "intent dropped", res.Err, "intent", intent.ID())
		default:
			intent.attempts++
			if intent.attempts >= s.cfg.MaxAttempts {
				s.status.Dropped++
				metrics.IntentsDropped.WithLabelValues(intent.TargetChain, "max_attempts").Inc()
				logger.ErrorContext(ctx, "intent dropped after max attempts", res.Err,
					"intent", intent.ID(), "attempts", intent.attempts)
				continue
			}
			s.pending[intent.ID()] = intent
			logger.WarnContext(ctx, "intent requeued",
				"intent", intent.ID(),
				"attempts", intent.attempts,
				"error", res.Err.Error(),
			)
		}
	}
	s.advanceCursors(confirmed)
	metrics.PendingIntents.Set(float64(len(s.pending)))
	s.persistStatus()
}

// advanceCursors moves each ordered channel's cursor over the contiguous
// confirmed prefix only. A gap left by a failed earlier sequence keeps the
// cursor in place so the failed intent stays dispatchable.
func (s *Scheduler) advanceCursors(confirmed map[ChannelKey][]uint64) {
	for key, seqs := range confirmed {
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		next, ok := s.orderedCursor[key]
		if !ok {
			next = seqs[0]
		}
		advanced := false
		for _, seq := range seqs {
			if seq != next {
				break
			}
			next = seq + 1
			advanced = true
		}
		if advanced {
			s.orderedCursor[key] = next
			s.persistCursor(key, next)
		}
	}
}
