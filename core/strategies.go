package core

import (
	"fmt"
	"math/rand"
	"sort"
)

// GroupingType selects how the scheduler partitions pending intents into
// worker groups.
type GroupingType int

const (
	NonGrouping   GroupingType = 0
	RandomGroup   GroupingType = 1
	ClusterRandom GroupingType = 2
)

// ParseGroupingType maps the --gtype flag to a GroupingType.
func ParseGroupingType(n int) (GroupingType, error) {
	switch GroupingType(n) {
	case NonGrouping, RandomGroup, ClusterRandom:
		return GroupingType(n), nil
	default:
		return 0, fmt.Errorf("unknown grouping type %d", n)
	}
}

// GroupingStrategy partitions a cycle's dispatchable intents into groups.
// Every intent appears in exactly one group and no group exceeds
// maxGroupSize.
type GroupingStrategy interface {
	GetType() GroupingType
	Name() string
	Group(intents []*TransactionIntent, workers, maxGroupSize int, rng *rand.Rand) []Group
}

// GetStrategy returns the strategy implementing a grouping type.
func GetStrategy(t GroupingType) (GroupingStrategy, error) {
	switch t {
	case NonGrouping:
		return &nonGroupingStrategy{}, nil
	case RandomGroup:
		return &randomStrategy{}, nil
	case ClusterRandom:
		return &clusterRandomStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown grouping type %d", t)
	}
}

// nonGroupingStrategy dispatches every intent alone.
type nonGroupingStrategy struct{}

func (s *nonGroupingStrategy) GetType() GroupingType { return NonGrouping }
func (s *nonGroupingStrategy) Name() string          { return "non-grouping" }

func (s *nonGroupingStrategy) Group(intents []*TransactionIntent, workers, maxGroupSize int, rng *rand.Rand) []Group {
	groups := make([]Group, 0, len(intents))
	for _, intent := range intents {
		groups = append(groups, Group{Intents: []*TransactionIntent{intent}})
	}
	return groups
}

// randomStrategy shuffles the pending intents and splits them into up to
// `workers` near-equal partitions.
type randomStrategy struct{}

func (s *randomStrategy) GetType() GroupingType { return RandomGroup }
func (s *randomStrategy) Name() string          { return "random" }

func (s *randomStrategy) Group(intents []*TransactionIntent, workers, maxGroupSize int, rng *rand.Rand) []Group {
	if len(intents) == 0 {
		return nil
	}
	shuffled := make([]*TransactionIntent, len(intents))
	copy(shuffled, intents)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return partition(shuffled, workers, maxGroupSize)
}

// clusterRandomStrategy first clusters intents by (source, target, channel)
// so each group's packets share one target submission, then randomly splits
// oversized clusters.
type clusterRandomStrategy struct{}

func (s *clusterRandomStrategy) GetType() GroupingType { return ClusterRandom }
func (s *clusterRandomStrategy) Name() string          { return "cluster-random" }

func (s *clusterRandomStrategy) Group(intents []*TransactionIntent, workers, maxGroupSize int, rng *rand.Rand) []Group {
	if len(intents) == 0 {
		return nil
	}
	clusters := make(map[ChannelKey][]*TransactionIntent)
	keys := make([]ChannelKey, 0)
	for _, intent := range intents {
		key := intent.ChannelKey()
		if _, ok := clusters[key]; !ok {
			keys = append(keys, key)
		}
		clusters[key] = append(clusters[key], intent)
	}
	// deterministic cluster visit order, random partitioning within
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var groups []Group
	for _, key := range keys {
		cluster := clusters[key]
		rng.Shuffle(len(cluster), func(i, j int) {
			cluster[i], cluster[j] = cluster[j], cluster[i]
		})
		for len(cluster) > 0 {
			n := maxGroupSize
			if n <= 0 || n > len(cluster) {
				n = len(cluster)
			}
			groups = append(groups, Group{Intents: cluster[:n]})
			cluster = cluster[n:]
		}
	}
	return groups
}

// partition splits intents into up to `workers` contiguous groups of
// near-equal size, further split when a group would exceed maxGroupSize.
func partition(intents []*TransactionIntent, workers, maxGroupSize int) []Group {
	if workers < 1 {
		workers = 1
	}
	n := len(intents)
	parts := workers
	if parts > n {
		parts = n
	}
	var groups []Group
	base := n / parts
	rem := n % parts
	idx := 0
	for p := 0; p < parts; p++ {
		size := base
		if p < rem {
			size++
		}
		chunk := intents[idx : idx+size]
		idx += size
		for len(chunk) > 0 {
			m := maxGroupSize
			if m <= 0 || m > len(chunk) {
				m = len(chunk)
			}
			groups = append(groups, Group{Intents: chunk[:m]})
			chunk = chunk[m:]
		}
	}
	return groups
}
