package mock

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cometbft/cometbft/crypto/tmhash"
	ics23 "github.com/cosmos/ics23/go"
)

// The state tree is a balanced binary merkle tree over the sorted key set,
// hashed in the iavl leaf/inner layout so the proofs it emits satisfy
// ics23's Tendermint proof spec.

func sortedKeys(state map[string][]byte) []string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func computeRoot(state map[string][]byte) []byte {
	return subtreeHash(sortedKeys(state), state)
}

func subtreeHash(keys []string, state map[string][]byte) []byte {
	switch len(keys) {
	case 0:
		return tmhash.Sum(nil)
	case 1:
		return leafHash(keys[0], state[keys[0]])
	default:
		k := splitPoint(len(keys))
		return innerHash(subtreeHash(keys[:k], state), subtreeHash(keys[k:], state))
	}
}

// splitPoint is the largest power of two strictly less than n.
func splitPoint(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}

func leafHash(key string, value []byte) []byte {
	hv := tmhash.Sum(value)
	buf := []byte{0}
	buf = appendVarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = appendVarint(buf, uint64(len(hv)))
	buf = append(buf, hv...)
	return tmhash.Sum(buf)
}

func innerHash(left, right []byte) []byte {
	buf := make([]byte, 0, 1+len(left)+len(right))
	buf = append(buf, 1)
	buf = append(buf, left...)
	buf = append(buf, right...)
	return tmhash.Sum(buf)
}

func appendVarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	return append(buf, tmp[:binary.PutUvarint(tmp[:], n)]...)
}

// proveMembership builds the existence proof of key in state, encoded as a
// proto CommitmentProof.
func proveMembership(state map[string][]byte, key string) ([]byte, error) {
	value, ok := state[key]
	if !ok {
		return nil, fmt.Errorf("key %q not in state", key)
	}
	keys := sortedKeys(state)
	idx := sort.SearchStrings(keys, key)

	exist := &ics23.ExistenceProof{
		Key:   []byte(key),
		Value: value,
		Leaf: &ics23.LeafOp{
			Hash:         ics23.HashOp_SHA256,
			PrehashKey:   ics23.HashOp_NO_HASH,
			PrehashValue: ics23.HashOp_SHA256,
			Length:       ics23.LengthOp_VAR_PROTO,
			Prefix:       []byte{0},
		},
		Path: innerPath(keys, state, idx),
	}
	proof := &ics23.CommitmentProof{
		Proof: &ics23.CommitmentProof_Exist{Exist: exist},
	}
	return proof.Marshal()
}

// innerPath collects the sibling hashes from the leaf up to the root.
func innerPath(keys []string, state map[string][]byte, idx int) []*ics23.InnerOp {
	if len(keys) <= 1 {
		return nil
	}
	k := splitPoint(len(keys))
	if idx < k {
		path := innerPath(keys[:k], state, idx)
		return append(path, &ics23.InnerOp{
			Hash:   ics23.HashOp_SHA256,
			Prefix: []byte{1},
			Suffix: subtreeHash(keys[k:], state),
		})
	}
	path := innerPath(keys[k:], state, idx-k)
	return append(path, &ics23.InnerOp{
		Hash:   ics23.HashOp_SHA256,
		Prefix: append([]byte{1}, subtreeHash(keys[:k], state)...),
	})
}
