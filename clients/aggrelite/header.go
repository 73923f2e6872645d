// Package aggrelite implements the aggregate-signature light client: each
// header commits a state root and is signed by one aggregate key whose
// hash was pinned in the previous trusted state.
package aggrelite

import (
	"encoding/json"
	"time"

	"github.com/mosaicxc/aggrelayer/core"
)

// Header is one aggrelite consensus header. NextAggregateKeyHash pins the
// key that must sign the following header; Signature covers SignBytes with
// AggregatePubKey.
type Header struct {
	ChainID              string    `json:"chain_id"`
	Number               uint64    `json:"number"`
	StateRoot            []byte    `json:"state_root"`
	Time                 time.Time `json:"time"`
	AggregatePubKey      []byte    `json:"aggregate_pub_key"`
	NextAggregateKeyHash []byte    `json:"next_aggregate_key_hash"`
	Signature            []byte    `json:"signature"`
}

var _ core.Header = (*Header)(nil)

func (h *Header) ClientType() core.ClientType { return core.Aggrelite }

func (h *Header) Height() core.Height {
	return core.NewHeight(core.ParseChainRevision(h.ChainID), h.Number)
}

// SignBytes is the deterministic signing payload: the header without its
// signature, canonically JSON-encoded.
func (h *Header) SignBytes() []byte {
	doc := struct {
		ChainID              string `json:"chain_id"`
		Number               uint64 `json:"number"`
		StateRoot            []byte `json:"state_root"`
		TimeUnixNano         int64  `json:"time_unix_nano"`
		AggregatePubKey      []byte `json:"aggregate_pub_key"`
		NextAggregateKeyHash []byte `json:"next_aggregate_key_hash"`
	}{
		ChainID:              h.ChainID,
		Number:               h.Number,
		StateRoot:            h.StateRoot,
		TimeUnixNano:         h.Time.UnixNano(),
		AggregatePubKey:      h.AggregatePubKey,
		NextAggregateKeyHash: h.NextAggregateKeyHash,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		// the doc contains only scalars and byte slices
		panic(err)
	}
	return raw
}
