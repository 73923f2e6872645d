package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Height is a revision-aware block height. Revisions order before heights so
// that a chain upgrade resets the height counter without breaking
// monotonicity.
type Height struct {
	RevisionNumber uint64 `json:"revision_number"`
	RevisionHeight uint64 `json:"revision_height"`
}

func NewHeight(revisionNumber, revisionHeight uint64) Height {
	return Height{RevisionNumber: revisionNumber, RevisionHeight: revisionHeight}
}

func (h Height) IsZero() bool {
	return h.RevisionNumber == 0 && h.RevisionHeight == 0
}

func (h Height) GT(other Height) bool {
	if h.RevisionNumber != other.RevisionNumber {
		return h.RevisionNumber > other.RevisionNumber
	}
	return h.RevisionHeight > other.RevisionHeight
}

func (h Height) GTE(other Height) bool {
	return h == other || h.GT(other)
}

func (h Height) LT(other Height) bool {
	return !h.GTE(other)
}

func (h Height) LTE(other Height) bool {
	return !h.GT(other)
}

func (h Height) Increment() Height {
	return Height{RevisionNumber: h.RevisionNumber, RevisionHeight: h.RevisionHeight + 1}
}

func (h Height) String() string {
	return fmt.Sprintf("%d-%d", h.RevisionNumber, h.RevisionHeight)
}

// ParseHeight parses the "revision-height" form produced by String.
func ParseHeight(s string) (Height, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Height{}, fmt.Errorf("malformed height %q: expected {revision}-{height}", s)
	}
	revision, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Height{}, fmt.Errorf("malformed height %q: %w", s, err)
	}
	height, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Height{}, fmt.Errorf("malformed height %q: %w", s, err)
	}
	return NewHeight(revision, height), nil
}

// ParseChainRevision extracts the revision number from chain IDs of the form
// "name-N". Chain IDs without a numeric suffix are revision 0.
func ParseChainRevision(chainID string) uint64 {
	i := strings.LastIndex(chainID, "-")
	if i < 0 {
		return 0
	}
	revision, err := strconv.ParseUint(chainID[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return revision
}
