package leaderboard_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mathraid-server/config"
	"mathraid-server/leaderboard"
	"mathraid-server/mathfacts"
	"mathraid-server/player"
	"mathraid-server/store"
)

func masterFact(t *testing.T, ctx context.Context, kv store.KV, playerID string, f mathfacts.Fact) {
	t.Helper()
	m, _, err := player.GetMastery(ctx, kv, playerID, f.Key())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		m.RecordAttempt(500, true, int64(i+1), 2)
	}
	_, err = player.SaveMastery(ctx, kv, m, "")
	require.NoError(t, err)
}

func TestRebuildRanksPlayersByMasteryThenSpeed(t *testing.T) {
	ctx := context.Background()
	mathfacts.Load()
	kv := store.NewMemKV()

	facts := mathfacts.FactsFor(2, "ALL")
	require.NotEmpty(t, facts)

	top, _, err := player.GetOrCreate(ctx, kv, "top", "Top")
	require.NoError(t, err)
	top.Grade = 2
	_, err = player.Save(ctx, kv, top, "")
	require.NoError(t, err)
	for _, f := range facts {
		masterFact(t, ctx, kv, "top", f)
	}

	low, _, err := player.GetOrCreate(ctx, kv, "low", "Low")
	require.NoError(t, err)
	low.Grade = 2
	_, err = player.Save(ctx, kv, low, "")
	require.NoError(t, err)

	require.NoError(t, leaderboard.Rebuild(ctx, kv, 2))

	entries, err := leaderboard.List(ctx, kv, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "top", entries[0].PlayerID)
	require.Equal(t, 1, entries[0].Position)
	require.Equal(t, player.RankLegendary, entries[0].Rank)

	updatedLow, _, err := player.Get(ctx, kv, "low")
	require.NoError(t, err)
	require.Equal(t, player.RankBronze, updatedLow.Rank)
}

func TestRebuildIsIdempotentAndClearsStaleRows(t *testing.T) {
	ctx := context.Background()
	mathfacts.Load()
	kv := store.NewMemKV()

	_, _, err := player.GetOrCreate(ctx, kv, "only", "Only")
	require.NoError(t, err)
	p, rec, err := player.Get(ctx, kv, "only")
	require.NoError(t, err)
	p.Grade = 1
	_, err = player.Save(ctx, kv, p, rec.Version)
	require.NoError(t, err)

	require.NoError(t, leaderboard.Rebuild(ctx, kv, 1))
	require.NoError(t, leaderboard.Rebuild(ctx, kv, 1))

	entries, err := leaderboard.List(ctx, kv, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestNewCacheNilWhenUnconfigured(t *testing.T) {
	require.Nil(t, leaderboard.NewCache(config.CacheConfig{}))
}
