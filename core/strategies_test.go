package core

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeIntents(n int, channels int) []*TransactionIntent {
	intents := make([]*TransactionIntent, 0, n)
	for i := 0; i < n; i++ {
		ch := fmt.Sprintf("channel-%d", i%channels)
		intents = append(intents, &TransactionIntent{
			SourceChain: "alpha",
			TargetChain: "bravo",
			PortID:      "transfer",
			ChannelID:   ch,
			Packet:      Packet{Sequence: uint64(i/channels + 1), SourcePort: "transfer", SourceChannel: ch},
		})
	}
	return intents
}

// every strategy must place each intent in exactly one group and respect
// the group size bound
func assertPartition(t *testing.T, intents []*TransactionIntent, groups []Group, maxGroupSize int) {
	t.Helper()
	seen := make(map[string]int)
	for _, g := range groups {
		require.LessOrEqual(t, g.Size(), maxGroupSize)
		require.Greater(t, g.Size(), 0)
		for _, intent := range g.Intents {
			seen[intent.ID()]++
		}
	}
	require.Len(t, seen, len(intents))
	for _, intent := range intents {
		require.Equal(t, 1, seen[intent.ID()], "intent %s", intent.ID())
	}
}

func TestGetStrategy(t *testing.T) {
	for gtype, name := range map[GroupingType]string{
		NonGrouping:   "non-grouping",
		RandomGroup:   "random",
		ClusterRandom: "cluster-random",
	} {
		s, err := GetStrategy(gtype)
		require.NoError(t, err)
		require.Equal(t, gtype, s.GetType())
		require.Equal(t, name, s.Name())
	}
	_, err := GetStrategy(GroupingType(9))
	require.Error(t, err)

	_, err = ParseGroupingType(3)
	require.Error(t, err)
}

func TestNonGroupingDispatchesSingletons(t *testing.T) {
	s := &nonGroupingStrategy{}
	intents := makeIntents(7, 2)
	groups := s.Group(intents, 4, 100, rand.New(rand.NewSource(1)))
	require.Len(t, groups, 7)
	assertPartition(t, intents, groups, 1)
}

func TestRandomGroupingCoversAllIntents(t *testing.T) {
	s := &randomStrategy{}
	rng := rand.New(rand.NewSource(42))
	intents := makeIntents(23, 3)

	groups := s.Group(intents, 4, 100, rng)
	require.Len(t, groups, 4)
	assertPartition(t, intents, groups, 100)

	// near-equal split: sizes differ by at most one
	min, max := groups[0].Size(), groups[0].Size()
	for _, g := range groups {
		if g.Size() < min {
			min = g.Size()
		}
		if g.Size() > max {
			max = g.Size()
		}
	}
	require.LessOrEqual(t, max-min, 1)
}

func TestRandomGroupingRespectsMaxGroupSize(t *testing.T) {
	s := &randomStrategy{}
	intents := makeIntents(50, 1)
	groups := s.Group(intents, 1, 8, rand.New(rand.NewSource(7)))
	assertPartition(t, intents, groups, 8)
}

func TestRandomGroupingFewerIntentsThanWorkers(t *testing.T) {
	s := &randomStrategy{}
	intents := makeIntents(2, 1)
	groups := s.Group(intents, 8, 100, rand.New(rand.NewSource(7)))
	require.Len(t, groups, 2)
	assertPartition(t, intents, groups, 100)
}

func TestClusterRandomGroupsByChannel(t *testing.T) {
	s := &clusterRandomStrategy{}
	intents := makeIntents(30, 3)
	groups := s.Group(intents, 4, 100, rand.New(rand.NewSource(11)))

	assertPartition(t, intents, groups, 100)
	// each group stays within one channel cluster
	for _, g := range groups {
		key := g.Intents[0].ChannelKey()
		for _, intent := range g.Intents {
			require.Equal(t, key, intent.ChannelKey())
		}
	}
	require.Len(t, groups, 3)
}

func TestClusterRandomSplitsOversizedClusters(t *testing.T) {
	s := &clusterRandomStrategy{}
	intents := makeIntents(25, 1)
	groups := s.Group(intents, 4, 10, rand.New(rand.NewSource(11)))
	assertPartition(t, intents, groups, 10)
	require.Len(t, groups, 3)
}

func TestEmptyInput(t *testing.T) {
	for _, gtype := range []GroupingType{NonGrouping, RandomGroup, ClusterRandom} {
		s, err := GetStrategy(gtype)
		require.NoError(t, err)
		require.Empty(t, s.Group(nil, 4, 100, rand.New(rand.NewSource(1))))
	}
}
