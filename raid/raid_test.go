package raid_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mathraid-server/config"
	raiderrors "mathraid-server/errors"
	"mathraid-server/mathfacts"
	"mathraid-server/player"
	"mathraid-server/raid"
	"mathraid-server/scheduler"
	"mathraid-server/store"
)

func testTiming() config.TimingConfig {
	return config.TimingConfig{
		CountdownDuration: 4 * time.Second,
		FixedTimeout:      120 * time.Second,
		AdaptiveTimeout:   150 * time.Second,
		SafetyNetTimeout:  180 * time.Second,
		CleanupInterval:   30 * time.Second,
	}
}

func newPlayer(t *testing.T, ctx context.Context, kv store.KV, id string, grade int) *player.Player {
	t.Helper()
	p, rec, err := player.GetOrCreate(ctx, kv, id, id)
	require.NoError(t, err)
	p.Grade = grade
	_, err = player.Save(ctx, kv, p, rec.Version)
	require.NoError(t, err)
	return p
}

func TestCreateSoloRaidEntersCountdownWithAutoReadyLeader(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	leader := newPlayer(t, ctx, kv, "p1", 2)

	r, err := raid.CreateSoloRaid(ctx, kv, sched, testTiming(), "raid-1", leader, 0, time.Now())
	require.NoError(t, err)
	require.Equal(t, raid.StateCountdown, r.State)
	require.Greater(t, r.BossMaxHP, 0)

	m, _, err := raid.GetMember(ctx, kv, "raid-1", "p1")
	require.NoError(t, err)
	require.True(t, m.IsLeader)
	require.True(t, m.IsReady)
}

func TestPrivateRoomJoinAndManualStart(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	leader := newPlayer(t, ctx, kv, "leader", 3)
	r, err := raid.CreatePrivateRoom(ctx, kv, "raid-2", leader, 1, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, r.RoomCode)

	joiner := newPlayer(t, ctx, kv, "joiner", 3)
	_, err = raid.JoinPrivateRoom(ctx, kv, r.RoomCode, joiner)
	require.NoError(t, err)

	err = raid.StartRaidManual(ctx, kv, sched, testTiming(), "raid-2", "leader", now)
	require.ErrorIs(t, err, raiderrors.ErrNotAllReady)

	require.NoError(t, raid.ToggleReady(ctx, kv, "raid-2", "leader"))
	require.NoError(t, raid.ToggleReady(ctx, kv, "raid-2", "joiner"))

	require.NoError(t, raid.StartRaidManual(ctx, kv, sched, testTiming(), "raid-2", "leader", now))

	updated, _, err := raid.GetRaid(ctx, kv, "raid-2")
	require.NoError(t, err)
	require.Equal(t, raid.StateCountdown, updated.State)
}

func TestCountdownCompleteGeneratesProblemsAndSchedulesTimeout(t *testing.T) {
	ctx := context.Background()
	mathfacts.Load()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	leader := newPlayer(t, ctx, kv, "p1", 2)
	_, err := raid.CreateSoloRaid(ctx, kv, sched, testTiming(), "raid-3", leader, 0, now)
	require.NoError(t, err)

	err = raid.CountdownComplete(ctx, kv, sched, testTiming(), "raid-3", now.Add(4*time.Second))
	require.NoError(t, err)

	r, _, err := raid.GetRaid(ctx, kv, "raid-3")
	require.NoError(t, err)
	require.Equal(t, raid.StateInProgress, r.State)

	p, err := raid.GetProblem(ctx, kv, "raid-3", "p1:0")
	require.NoError(t, err)
	require.Equal(t, "p1", p.PlayerID)
}

func TestCountdownCompleteIsNoOpIfStateChanged(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	leader := newPlayer(t, ctx, kv, "p1", 2)
	r, err := raid.CreateSoloRaid(ctx, kv, sched, testTiming(), "raid-4", leader, 0, now)
	require.NoError(t, err)
	r.State = raid.StateVictory
	_, err = raid.SaveRaid(ctx, kv, r, "")
	require.NoError(t, err)

	require.NoError(t, raid.CountdownComplete(ctx, kv, sched, testTiming(), "raid-4", now.Add(4*time.Second)))

	unchanged, _, err := raid.GetRaid(ctx, kv, "raid-4")
	require.NoError(t, err)
	require.Equal(t, raid.StateVictory, unchanged.State)
}

func startedSoloRaid(t *testing.T, ctx context.Context, kv store.KV, sched *scheduler.Engine, raidID, playerID string, grade, bossLevel int, now time.Time) *player.Player {
	t.Helper()
	p := newPlayer(t, ctx, kv, playerID, grade)
	_, err := raid.CreateSoloRaid(ctx, kv, sched, testTiming(), raidID, p, bossLevel, now)
	require.NoError(t, err)
	require.NoError(t, raid.CountdownComplete(ctx, kv, sched, testTiming(), raidID, now.Add(4*time.Second)))
	return p
}

func TestSubmitAnswerCorrectDealsDamageAndUpdatesAggregates(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-5", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)

	p, err := raid.GetProblem(ctx, kv, "raid-5", "p1:0")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	result, err := raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-5", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer, ResponseMs: 500,
	}, rng, inProgressAt.Add(time.Second))
	require.NoError(t, err)
	require.True(t, result.Correct)
	require.Greater(t, result.Damage, 0)

	m, _, err := raid.GetMember(ctx, kv, "raid-5", "p1")
	require.NoError(t, err)
	require.Equal(t, 1, m.ProblemsAnswered)
	require.Equal(t, 1, m.CorrectAnswers)
	require.Equal(t, result.Damage, m.DamageDealt)

	pl, _, err := player.Get(ctx, kv, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, pl.TotalProblems)
	require.Equal(t, 1, pl.TotalCorrect)
}

func TestSubmitAnswerWrongThenRetryDealsTwoThirdsDamage(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-6", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)

	p, err := raid.GetProblem(ctx, kv, "raid-6", "p1:0")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	first, err := raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-6", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer + 1, ResponseMs: 500,
	}, rng, inProgressAt.Add(time.Second))
	require.NoError(t, err)
	require.False(t, first.Correct)
	require.Equal(t, 0, first.Damage)

	retry, err := raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-6", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer, ResponseMs: 500,
	}, rng, inProgressAt.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, retry.Correct)
	require.Greater(t, retry.Damage, 0)

	full := raid.FirstAttemptDamage(500, 2, rand.New(rand.NewSource(2)))
	require.LessOrEqual(t, retry.Damage, full)

	m, _, err := raid.GetMember(ctx, kv, "raid-6", "p1")
	require.NoError(t, err)
	require.Equal(t, 1, m.ProblemsAnswered, "only the first attempt counts; retry must not increment problems_answered")
	require.Equal(t, 0, m.CorrectAnswers, "retry must not increment correct_answers")
	require.Equal(t, retry.Damage, m.DamageDealt)

	pl, _, err := player.Get(ctx, kv, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, pl.TotalProblems)
	require.Equal(t, 0, pl.TotalCorrect)

	mastery, _, err := player.GetMastery(ctx, kv, "p1", p.FactKey())
	require.NoError(t, err)
	require.Equal(t, 1, mastery.TotalAttempts, "only the first attempt is recorded; retry must not touch fact mastery")
}

func TestSubmitAnswerWrongThenWrongRetryIsTotalNoOp(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-6b", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)

	p, err := raid.GetProblem(ctx, kv, "raid-6b", "p1:0")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	first, err := raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-6b", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer + 1, ResponseMs: 500,
	}, rng, inProgressAt.Add(time.Second))
	require.NoError(t, err)
	require.False(t, first.Correct)

	again, err := raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-6b", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer + 2, ResponseMs: 600,
	}, rng, inProgressAt.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, again.Correct)
	require.Equal(t, 0, again.Damage)

	m, _, err := raid.GetMember(ctx, kv, "raid-6b", "p1")
	require.NoError(t, err)
	require.Equal(t, 1, m.ProblemsAnswered)
	require.Equal(t, 0, m.CorrectAnswers)
	require.Equal(t, 0, m.DamageDealt)

	pl, _, err := player.Get(ctx, kv, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, pl.TotalProblems)
}

func TestSubmitAnswerDuplicateCorrectIsRejected(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-7", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)
	p, err := raid.GetProblem(ctx, kv, "raid-7", "p1:0")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	_, err = raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-7", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer, ResponseMs: 500,
	}, rng, inProgressAt)
	require.NoError(t, err)

	_, err = raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-7", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer, ResponseMs: 500,
	}, rng, inProgressAt)
	require.Error(t, err)
}

func TestSubmitAnswerClampsOverkillAndDeclaresVictory(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-8", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)

	r, rrec, err := raid.GetRaid(ctx, kv, "raid-8")
	require.NoError(t, err)
	r.BossHP = 10
	_, err = raid.SaveRaid(ctx, kv, r, rrec.Version)
	require.NoError(t, err)

	p, err := raid.GetProblem(ctx, kv, "raid-8", "p1:0")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(4))
	result, err := raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-8", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer, ResponseMs: 300,
	}, rng, inProgressAt)
	require.NoError(t, err)
	require.Equal(t, 10, result.Damage)
	require.True(t, result.BossDefeated)
	require.Equal(t, 0, result.BossHP)

	final, _, err := raid.GetRaid(ctx, kv, "raid-8")
	require.NoError(t, err)
	require.Equal(t, raid.StateVictory, final.State)
}

func TestSubmitAnswerPastSafetyNetFailsRaidInstead(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-8b", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)

	p, err := raid.GetProblem(ctx, kv, "raid-8b", "p1:0")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	pastSafetyNet := inProgressAt.Add(testTiming().SafetyNetTimeout + time.Second)
	_, err = raid.SubmitAnswer(ctx, kv, testTiming(), raid.SubmitAnswerInput{
		RaidID: "raid-8b", PlayerID: "p1", ProblemID: p.ID,
		Submitted: p.Answer, ResponseMs: 300,
	}, rng, pastSafetyNet)
	require.ErrorIs(t, err, raiderrors.ErrRaidNotInProgress)

	final, _, err := raid.GetRaid(ctx, kv, "raid-8b")
	require.NoError(t, err)
	require.Equal(t, raid.StateFailed, final.State)
}

func TestDisconnectPausesSoloRaidAndResumeShiftsTimeout(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-9", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)

	require.NoError(t, raid.Disconnect(ctx, kv, sched, "raid-9", "p1", inProgressAt.Add(time.Second)))
	paused, _, err := raid.GetRaid(ctx, kv, "raid-9")
	require.NoError(t, err)
	require.Equal(t, raid.StatePaused, paused.State)

	resumeAt := inProgressAt.Add(10 * time.Second)
	require.NoError(t, raid.Resume(ctx, kv, sched, testTiming(), "raid-9", "p1", resumeAt))

	resumed, _, err := raid.GetRaid(ctx, kv, "raid-9")
	require.NoError(t, err)
	require.Equal(t, raid.StateInProgress, resumed.State)
	require.Greater(t, resumed.StartedAt, paused.StartedAt)
}

func TestCheckRaidTimeoutFailsInProgressRaid(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-10", "p1", 2, 1, now)
	inProgressAt := now.Add(4 * time.Second)

	require.NoError(t, raid.CheckRaidTimeout(ctx, kv, "raid-10", inProgressAt.Add(200*time.Second)))
	r, _, err := raid.GetRaid(ctx, kv, "raid-10")
	require.NoError(t, err)
	require.Equal(t, raid.StateFailed, r.State)
}

func TestRaidAgainAndStartRematchCreatesFreshRaid(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	leader := newPlayer(t, ctx, kv, "leader", 2)
	joiner := newPlayer(t, ctx, kv, "joiner", 2)
	r, err := raid.CreatePrivateRoom(ctx, kv, "raid-11", leader, 1, time.Now())
	require.NoError(t, err)
	_, err = raid.JoinPrivateRoom(ctx, kv, r.RoomCode, joiner)
	require.NoError(t, err)
	require.NoError(t, raid.ToggleReady(ctx, kv, "raid-11", "leader"))
	require.NoError(t, raid.ToggleReady(ctx, kv, "raid-11", "joiner"))
	require.NoError(t, raid.StartRaidManual(ctx, kv, sched, testTiming(), "raid-11", "leader", now))

	rr, rrec, err := raid.GetRaid(ctx, kv, "raid-11")
	require.NoError(t, err)
	rr.State = raid.StateVictory
	_, err = raid.SaveRaid(ctx, kv, rr, rrec.Version)
	require.NoError(t, err)

	require.NoError(t, raid.RaidAgain(ctx, kv, "raid-11"))
	require.NoError(t, raid.ToggleReady(ctx, kv, "raid-11", "leader"))
	require.NoError(t, raid.ToggleReady(ctx, kv, "raid-11", "joiner"))

	newR, err := raid.StartRematch(ctx, kv, sched, testTiming(), "raid-11", "raid-11-b", "leader", now)
	require.NoError(t, err)
	require.Equal(t, raid.StateCountdown, newR.State)
	require.Equal(t, r.RoomCode, newR.RoomCode)

	m, _, err := raid.GetMember(ctx, kv, "raid-11-b", "leader")
	require.NoError(t, err)
	require.True(t, m.IsActive)
}

func TestLeaveCompletedRaidCleansUpWhenEmpty(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	sched := scheduler.New(kv, zerolog.Nop())
	now := time.Now()

	startedSoloRaid(t, ctx, kv, sched, "raid-12", "p1", 2, 1, now)
	r, rrec, err := raid.GetRaid(ctx, kv, "raid-12")
	require.NoError(t, err)
	r.State = raid.StateVictory
	_, err = raid.SaveRaid(ctx, kv, r, rrec.Version)
	require.NoError(t, err)

	require.NoError(t, raid.LeaveCompletedRaid(ctx, kv, "raid-12", "p1"))

	_, _, err = raid.GetRaid(ctx, kv, "raid-12")
	require.Error(t, err)
}

func TestGenerateRoomCodeExcludesAmbiguousCharacters(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemKV()
	code, err := raid.GenerateRoomCode(ctx, kv, "raid-13", 10)
	require.NoError(t, err)
	for _, c := range code {
		require.NotContains(t, "IO01", string(c))
	}
}

func TestFixedTierHPScalesByActiveMembers(t *testing.T) {
	require.Equal(t, 1750, raid.FixedTierHP(2, 1))
	require.Equal(t, 3500, raid.FixedTierHP(2, 2))
	require.Equal(t, 0, raid.FixedTierHP(0, 1))
}

func TestClampDamageToBossHPPreventsOverkill(t *testing.T) {
	require.Equal(t, 10, raid.ClampDamageToBossHP(75, 10))
	require.Equal(t, 50, raid.ClampDamageToBossHP(50, 100))
}

func TestClampResponseMsEnforcesBounds(t *testing.T) {
	require.Equal(t, 200, raid.ClampResponseMs(50))
	require.Equal(t, 60_000, raid.ClampResponseMs(999_999))
	require.Equal(t, 5000, raid.ClampResponseMs(5000))
}
