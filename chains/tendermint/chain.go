// Package tendermint adapts a CometBFT node to the relayer's chain
// contract over the node's RPC and websocket interfaces.
package tendermint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/libs/bytes"
	rpcclient "github.com/cometbft/cometbft/rpc/client"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"

	tmclient "github.com/mosaicxc/aggrelayer/clients/tendermint"
	"github.com/mosaicxc/aggrelayer/core"
)

const (
	subscriberName  = "aggrelayer"
	validatorsPage  = 1
	validatorsLimit = 1000
)

// Chain is a handle to one CometBFT node.
type Chain struct {
	config   ChainConfig
	revision uint64
	client   *rpchttp.HTTP
}

var _ core.Chain = (*Chain)(nil)

// NewChain dials the configured RPC endpoint. The websocket transport is
// started lazily by Subscribe.
func NewChain(cfg ChainConfig) (*Chain, error) {
	client, err := rpchttp.NewWithTimeout(cfg.RPCAddr, "/websocket", cfg.rpcTimeoutSeconds())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCAddr, err)
	}
	return &Chain{
		config:   cfg,
		revision: core.ParseChainRevision(cfg.Chain),
		client:   client,
	}, nil
}

func (c *Chain) ChainID() string { return c.config.Chain }

func (c *Chain) LatestHeight(ctx context.Context) (core.Height, error) {
	status, err := c.client.Status(ctx)
	if err != nil {
		return core.Height{}, err
	}
	return core.NewHeight(c.revision, uint64(status.SyncInfo.LatestBlockHeight)), nil
}

func (c *Chain) Timestamp(ctx context.Context, h core.Height) (time.Time, error) {
	height := int64(h.RevisionHeight)
	block, err := c.client.Block(ctx, &height)
	if err != nil {
		return time.Time{}, err
	}
	return block.Block.Time, nil
}

// FetchHeader assembles a light header at h. For updates it also carries
// the validator set matching the trusted consensus state, queried at the
// height right after trustedHeight.
func (c *Chain) FetchHeader(ctx context.Context, h, trustedHeight core.Height) (core.Header, error) {
	signed, vals, err := c.signedHeaderAndVals(ctx, int64(h.RevisionHeight))
	if err != nil {
		return nil, err
	}
	header := &tmclient.Header{
		SignedHeader: signed,
		ValidatorSet: vals,
	}
	if !trustedHeight.IsZero() {
		_, trustedVals, err := c.signedHeaderAndVals(ctx, int64(trustedHeight.RevisionHeight)+1)
		if err != nil {
			return nil, err
		}
		header.TrustedValidators = trustedVals
	}
	return header, nil
}

func (c *Chain) signedHeaderAndVals(ctx context.Context, height int64) (*cmttypes.SignedHeader, *cmttypes.ValidatorSet, error) {
	commit, err := c.client.Commit(ctx, &height)
	if err != nil {
		return nil, nil, err
	}
	page, perPage := validatorsPage, validatorsLimit
	vals, err := c.client.Validators(ctx, &height, &page, &perPage)
	if err != nil {
		return nil, nil, err
	}
	return &commit.SignedHeader, cmttypes.NewValidatorSet(vals.Validators), nil
}

// ProveState queries the node's application store with proof.
func (c *Chain) ProveState(ctx context.Context, path string, h core.Height) (value, proof []byte, err error) {
	res, err := c.client.ABCIQueryWithOptions(ctx,
		fmt.Sprintf("/store/%s/key", c.config.StoreName),
		bytes.HexBytes(path),
		rpcclient.ABCIQueryOptions{Height: int64(h.RevisionHeight), Prove: true},
	)
	if err != nil {
		return nil, nil, err
	}
	if res.Response.IsErr() {
		return nil, nil, fmt.Errorf("abci query failed: %s", res.Response.Log)
	}
	if res.Response.ProofOps == nil || len(res.Response.ProofOps.Ops) == 0 {
		return nil, nil, fmt.Errorf("abci query returned no proof for %s", path)
	}
	return res.Response.Value, res.Response.ProofOps.Ops[0].Data, nil
}

// WriteState broadcasts a state-write transaction understood by the
// counterpart application module.
func (c *Chain) WriteState(ctx context.Context, path string, value []byte) (core.Height, error) {
	tx, err := json.Marshal(stateWriteTx{Path: path, Value: value})
	if err != nil {
		return core.Height{}, err
	}
	res, err := c.client.BroadcastTxCommit(ctx, tx)
	if err != nil {
		return core.Height{}, err
	}
	if res.CheckTx.IsErr() {
		return core.Height{}, fmt.Errorf("state write rejected: %s", res.CheckTx.Log)
	}
	if res.TxResult.IsErr() {
		return core.Height{}, fmt.Errorf("state write failed: %s", res.TxResult.Log)
	}
	return core.NewHeight(c.revision, uint64(res.Height)), nil
}

type stateWriteTx struct {
	Path  string `json:"path"`
	Value []byte `json:"value"`
}

func (c *Chain) Submit(ctx context.Context, sub *core.Submission) (*core.TxResult, error) {
	tx, err := json.Marshal(sub)
	if err != nil {
		return nil, core.PermanentSubmission(err)
	}
	res, err := c.client.BroadcastTxCommit(ctx, tx)
	if err != nil {
		return nil, core.RetryableSubmission(err)
	}
	if res.CheckTx.IsErr() {
		// rejected before execution, resubmitting the same bytes cannot
		// succeed
		return nil, core.PermanentSubmission(fmt.Errorf("checktx code %d: %s", res.CheckTx.Code, res.CheckTx.Log))
	}
	if res.TxResult.IsErr() {
		return nil, core.RetryableSubmission(fmt.Errorf("deliver code %d: %s", res.TxResult.Code, res.TxResult.Log))
	}
	return &core.TxResult{
		Hash:    res.Hash.String(),
		Height:  core.NewHeight(c.revision, uint64(res.Height)),
		GasUsed: res.TxResult.GasUsed,
	}, nil
}

// Subscribe follows new blocks. Send-packet events are extracted from the
// block results' ABCI events.
func (c *Chain) Subscribe(ctx context.Context) (<-chan core.Event, error) {
	if !c.client.IsRunning() {
		if err := c.client.Start(); err != nil {
			return nil, err
		}
	}
	blocks, err := c.client.Subscribe(ctx, subscriberName, cmttypes.EventQueryNewBlock.String())
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-blocks:
				if !ok {
					return
				}
				c.forward(ctx, ev, out)
			}
		}
	}()
	return out, nil
}

func (c *Chain) forward(ctx context.Context, ev ctypes.ResultEvent, out chan<- core.Event) {
	data, ok := ev.Data.(cmttypes.EventDataNewBlock)
	if !ok {
		return
	}
	height := core.NewHeight(c.revision, uint64(data.Block.Height))
	for _, packet := range packetsFromEvents(ev.Events, height) {
		select {
		case out <- packet:
		case <-ctx.Done():
			return
		}
	}
	select {
	case out <- core.NewBlockEvent{Height: height}:
	case <-ctx.Done():
	}
}

func (c *Chain) Close() error {
	if c.client.IsRunning() {
		return c.client.Stop()
	}
	return nil
}
