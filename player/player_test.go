package player

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	raiderrors "mathraid-server/errors"
	"mathraid-server/store"
)

func TestGetOrCreateCreatesFreshPlayer(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()

	p, _, err := GetOrCreate(ctx, kv, "p1", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.DisplayName)
	assert.Equal(t, BestResponseSentinel, p.BestResponseMs)
	assert.Equal(t, RankBronze, p.Rank)

	again, _, err := GetOrCreate(ctx, kv, "p1", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.DisplayName, "second call should not overwrite")
}

func TestGetMissingPlayer(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	_, _, err := Get(ctx, kv, "nope")
	assert.ErrorIs(t, err, raiderrors.ErrPlayerNotFound)
}

func TestClampGrade(t *testing.T) {
	assert.Equal(t, 0, ClampGrade(-3))
	assert.Equal(t, 5, ClampGrade(9))
	assert.Equal(t, 3, ClampGrade(3))
}

func TestMasteryLevelLastThreeAttempts(t *testing.T) {
	grade := 3 // T = 2000ms
	mk := func(ms int, correct bool) RecentAttempt { return RecentAttempt{TimeMs: ms, Correct: correct} }

	// 2+ correct <= T -> level 5
	assert.Equal(t, 5, computeMasteryLevel([]RecentAttempt{mk(1000, true), mk(1500, true), mk(5000, false)}, grade))

	// any correct <= 2T (but not 2 fast) -> level 4
	assert.Equal(t, 4, computeMasteryLevel([]RecentAttempt{mk(3500, true), mk(9000, false), mk(9000, false)}, grade))

	// any correct <= 3T -> level 3
	assert.Equal(t, 3, computeMasteryLevel([]RecentAttempt{mk(5500, true), mk(9000, false), mk(9000, false)}, grade))

	// >= 2 correct (slower than 3T) -> level 2
	assert.Equal(t, 2, computeMasteryLevel([]RecentAttempt{mk(9000, true), mk(9000, true), mk(9000, false)}, grade))

	// >= 1 correct -> level 1
	assert.Equal(t, 1, computeMasteryLevel([]RecentAttempt{mk(9000, true), mk(9000, false)}, grade))

	// none correct -> level 0
	assert.Equal(t, 0, computeMasteryLevel([]RecentAttempt{mk(9000, false)}, grade))

	// only last three matter, even with a longer history
	long := []RecentAttempt{mk(500, true), mk(500, true), mk(500, true), mk(9000, false), mk(9000, false), mk(9000, false)}
	assert.Equal(t, 0, computeMasteryLevel(long, grade))
}

func TestRecordAttemptCapsRecentAttemptsAt100(t *testing.T) {
	m := NewFactMastery("p1", "3+4")
	for i := 0; i < 150; i++ {
		m.RecordAttempt(1000, true, int64(i), 3)
	}
	assert.Len(t, m.RecentAttempts, 100)
	assert.Equal(t, 150, m.TotalAttempts)
}

func TestRankForPercentThresholds(t *testing.T) {
	assert.Equal(t, RankLegendary, RankForPercent(95))
	assert.Equal(t, RankDiamond, RankForPercent(80))
	assert.Equal(t, RankGold, RankForPercent(60))
	assert.Equal(t, RankSilver, RankForPercent(30))
	assert.Equal(t, RankBronze, RankForPercent(10))
}

func TestRankEntriesTieAwarePositions(t *testing.T) {
	entries := []RankedEntry{
		{PlayerID: "b", MasteryPct: 90, SpeedPct: 50},
		{PlayerID: "a", MasteryPct: 90, SpeedPct: 50},
		{PlayerID: "c", MasteryPct: 80, SpeedPct: 50},
	}
	ranked := RankEntries(entries)
	// a and b tie (same mastery/speed), player_id asc breaks the tie for ordering only
	assert.Equal(t, "a", ranked[0].PlayerID)
	assert.Equal(t, "b", ranked[1].PlayerID)
	assert.Equal(t, 1, ranked[0].Position)
	assert.Equal(t, 1, ranked[1].Position)
	assert.Equal(t, "c", ranked[2].PlayerID)
	assert.Equal(t, 3, ranked[2].Position, "position after a tie group jumps by the group size")
}

func TestApplyConnectResetsDailyQuestsAcrossBoundary(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	p := NewPlayer("p1", "Ada")
	p.Quests["daily_problems"] = 10
	p.Quests["daily_streak"] = 3
	p.Quests["weekly_raids"] = 2

	day1 := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	p.LastPlayed = day1.UnixMicro()
	p.LastRaid = "r1"

	day2 := day1.Add(24 * time.Hour) // crosses the next 08:00 UTC boundary
	_, err := ApplyConnect(ctx, kv, p, ConnectInput{}, day2)
	require.NoError(t, err)

	assert.Equal(t, 0, p.Quests["daily_problems"])
	assert.Equal(t, 3, p.Quests["daily_streak"], "single-day gap preserves streak")
	assert.Equal(t, 2, p.Quests["weekly_raids"], "same week, not reset")
}

func TestApplyConnectResetsStreakAfterGap(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	p := NewPlayer("p1", "Ada")
	p.Quests["daily_streak"] = 5
	p.LastRaid = "r1"

	start := time.Date(2026, 7, 20, 9, 0, 0, 0, time.UTC)
	p.LastPlayed = start.UnixMicro()

	later := start.Add(72 * time.Hour) // multi-day gap
	_, err := ApplyConnect(ctx, kv, p, ConnectInput{}, later)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Quests["daily_streak"])
}

func TestApplyConnectUpdatesGradeAndRank(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	p := NewPlayer("p1", "Ada")
	p.Grade = 1

	newGrade := 3
	change, err := ApplyConnect(ctx, kv, p, ConnectInput{Grade: &newGrade, Name: "Ada B"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, p.Grade)
	assert.Equal(t, "Ada B", p.DisplayName)
	require.NotNil(t, change, "grade move must be reported for leaderboard rebuild")
	assert.Equal(t, 1, change.Old)
	assert.Equal(t, 3, change.New)
}

func TestResetProfileWipesStatsButKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()

	p, rec, err := GetOrCreate(ctx, kv, "p1", "Ada")
	require.NoError(t, err)
	p.Grade = 2
	p.ExternalID = "ext-1"
	p.TotalProblems = 40
	p.TotalAP = 500
	p.Quests["daily_streak"] = 3
	_, err = Save(ctx, kv, p, rec.Version)
	require.NoError(t, err)

	m := NewFactMastery("p1", "add:2:3")
	m.RecordAttempt(900, true, time.Now().UnixMicro(), 2)
	_, err = SaveMastery(ctx, kv, m, "")
	require.NoError(t, err)

	require.NoError(t, ResetProfile(ctx, kv, "p1"))

	after, _, err := Get(ctx, kv, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", after.DisplayName)
	assert.Equal(t, 2, after.Grade)
	assert.Equal(t, "ext-1", after.ExternalID)
	assert.Equal(t, 0, after.TotalProblems)
	assert.Equal(t, 0, after.TotalAP)
	assert.Empty(t, after.Quests)

	rows, err := ListMastery(ctx, kv, "p1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
