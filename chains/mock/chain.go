// Package mock provides an in-memory chain whose headers are signed with a
// real ed25519 key and whose state proofs are genuine ics23 merkle proofs.
// It backs tests and local end-to-end runs without external nodes.
package mock

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/crypto/tmhash"

	"github.com/mosaicxc/aggrelayer/clients/aggrelite"
	"github.com/mosaicxc/aggrelayer/core"
)

const (
	submitBaseGas      = 50000
	submitPerPacketGas = 10000
	eventBuffer        = 256
)

type block struct {
	height uint64
	time   time.Time
	root   []byte
	state  map[string][]byte
}

// Chain is one simulated chain. All mutation commits a new block signed by
// the chain's aggregate key.
type Chain struct {
	chainID  string
	revision uint64
	priv     ed25519.PrivKey

	mu       sync.Mutex
	state    map[string][]byte
	blocks   map[uint64]*block
	latest   uint64
	lastTime time.Time
	nextSeq  map[string]uint64
	received map[string][]core.Packet
	subs     map[int]chan core.Event
	nextSub  int
	closed   bool

	// queued Submit failures, consumed in order
	submitErrs []error
}

var _ core.Chain = (*Chain)(nil)

// New creates a chain with one committed empty block.
func New(chainID string) *Chain {
	c := &Chain{
		chainID:  chainID,
		revision: core.ParseChainRevision(chainID),
		priv:     ed25519.GenPrivKey(),
		state:    make(map[string][]byte),
		blocks:   make(map[uint64]*block),
		nextSeq:  make(map[string]uint64),
		received: make(map[string][]core.Packet),
		subs:     make(map[int]chan core.Event),
	}
	c.mu.Lock()
	c.commitLocked()
	c.mu.Unlock()
	return c
}

func (c *Chain) ChainID() string { return c.chainID }

func (c *Chain) LatestHeight(ctx context.Context) (core.Height, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.Height{}, fmt.Errorf("chain %s: handle closed", c.chainID)
	}
	return core.NewHeight(c.revision, c.latest), nil
}

func (c *Chain) Timestamp(ctx context.Context, h core.Height) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, err := c.blockAtLocked(h)
	if err != nil {
		return time.Time{}, err
	}
	return blk.time, nil
}

func (c *Chain) FetchHeader(ctx context.Context, h, trustedHeight core.Height) (core.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, err := c.blockAtLocked(h)
	if err != nil {
		return nil, err
	}
	pub := c.priv.PubKey().Bytes()
	header := &aggrelite.Header{
		ChainID:              c.chainID,
		Number:               blk.height,
		StateRoot:            blk.root,
		Time:                 blk.time,
		AggregatePubKey:      pub,
		NextAggregateKeyHash: tmhash.Sum(pub),
	}
	header.Signature, err = c.priv.Sign(header.SignBytes())
	if err != nil {
		return nil, err
	}
	return header, nil
}

func (c *Chain) ProveState(ctx context.Context, path string, h core.Height) (value, proof []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, err := c.blockAtLocked(h)
	if err != nil {
		return nil, nil, err
	}
	value, ok := blk.state[path]
	if !ok {
		return nil, nil, fmt.Errorf("chain %s: nothing committed under %s at height %d", c.chainID, path, blk.height)
	}
	proof, err = proveMembership(blk.state, path)
	if err != nil {
		return nil, nil, err
	}
	return value, proof, nil
}

func (c *Chain) WriteState(ctx context.Context, path string, value []byte) (core.Height, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.Height{}, fmt.Errorf("chain %s: handle closed", c.chainID)
	}
	c.state[path] = append([]byte(nil), value...)
	blk := c.commitLocked()
	return core.NewHeight(c.revision, blk.height), nil
}

func (c *Chain) Submit(ctx context.Context, sub *core.Submission) (*core.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.PermanentSubmission(fmt.Errorf("chain %s: handle closed", c.chainID))
	}
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		return nil, err
	}
	if len(sub.Packets) == 0 {
		return nil, core.PermanentSubmission(fmt.Errorf("empty submission"))
	}

	key := sub.PortID + "/" + sub.ChannelID
	for _, ps := range sub.Packets {
		c.received[key] = append(c.received[key], ps.Packet)
		receipt, err := json.Marshal(ps.Packet)
		if err != nil {
			return nil, err
		}
		c.state["receipts/"+key+fmt.Sprintf("/sequences/%d", ps.Packet.Sequence)] = receipt
	}
	blk := c.commitLocked()
	return &core.TxResult{
		Hash:    txHash(sub),
		Height:  core.NewHeight(c.revision, blk.height),
		GasUsed: int64(submitBaseGas + submitPerPacketGas*len(sub.Packets)),
	}, nil
}

// SendPacket commits an outbound packet on the chain and announces it to
// subscribers. Sequences are per channel end, starting at 1.
func (c *Chain) SendPacket(ctx context.Context, sourcePort, sourceChannel, destPort, destChannel string, data []byte) (core.Packet, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.Packet{}, fmt.Errorf("chain %s: handle closed", c.chainID)
	}
	key := sourcePort + "/" + sourceChannel
	c.nextSeq[key]++
	packet := core.Packet{
		Sequence:           c.nextSeq[key],
		SourcePort:         sourcePort,
		SourceChannel:      sourceChannel,
		DestinationPort:    destPort,
		DestinationChannel: destChannel,
		Data:               append([]byte(nil), data...),
	}
	raw, err := json.Marshal(packet)
	if err != nil {
		c.mu.Unlock()
		return core.Packet{}, err
	}
	c.state[core.PacketCommitmentPath(sourcePort, sourceChannel, packet.Sequence)] = raw
	blk := c.commitLocked()
	c.notifyLocked(core.SendPacketEvent{Packet: packet, Height: core.NewHeight(c.revision, blk.height)})
	c.mu.Unlock()
	return packet, nil
}

// QueueSubmitError makes the next Submit call fail with err.
func (c *Chain) QueueSubmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErrs = append(c.submitErrs, err)
}

// Received returns the packets delivered to a channel end, in delivery
// order.
func (c *Chain) Received(portID, channelID string) []core.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	pkts := c.received[portID+"/"+channelID]
	out := make([]core.Packet, len(pkts))
	copy(out, pkts)
	return out
}

// SubscriberCount reports how many event subscriptions are live.
func (c *Chain) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Chain) Subscribe(ctx context.Context) (<-chan core.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("chain %s: handle closed", c.chainID)
	}
	id := c.nextSub
	c.nextSub++
	ch := make(chan core.Event, eventBuffer)
	c.subs[id] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.mu.Unlock()
	}()
	return ch, nil
}

func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
	return nil
}

func (c *Chain) blockAtLocked(h core.Height) (*block, error) {
	if h.RevisionNumber != c.revision {
		return nil, fmt.Errorf("chain %s: unknown revision %d", c.chainID, h.RevisionNumber)
	}
	blk, ok := c.blocks[h.RevisionHeight]
	if !ok {
		return nil, fmt.Errorf("chain %s: no block at height %d", c.chainID, h.RevisionHeight)
	}
	return blk, nil
}

// commitLocked snapshots the working state into a new signed block.
func (c *Chain) commitLocked() *block {
	snapshot := make(map[string][]byte, len(c.state))
	for k, v := range c.state {
		snapshot[k] = v
	}
	now := time.Now()
	if !now.After(c.lastTime) {
		now = c.lastTime.Add(time.Millisecond)
	}
	c.lastTime = now
	c.latest++
	blk := &block{
		height: c.latest,
		time:   now,
		root:   computeRoot(snapshot),
		state:  snapshot,
	}
	c.blocks[blk.height] = blk
	c.notifyLocked(core.NewBlockEvent{Height: core.NewHeight(c.revision, blk.height)})
	return blk
}

// notifyLocked delivers without blocking; slow subscribers lose events.
func (c *Chain) notifyLocked(ev core.Event) {
	for _, sub := range c.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func txHash(sub *core.Submission) string {
	raw, _ := json.Marshal(sub)
	return hex.EncodeToString(tmhash.Sum(raw))
}
