package raid

import (
	"context"
	"fmt"
	"time"

	"mathraid-server/config"
	raiderrors "mathraid-server/errors"
	"mathraid-server/mathfacts"
	"mathraid-server/player"
	"mathraid-server/problem"
	"mathraid-server/scheduler"
	"mathraid-server/store"
)

func newMember(raidID string, p *player.Player, isLeader, isReady bool) *RaidPlayer {
	return &RaidPlayer{
		ID:              membershipID(raidID, p.PlayerID),
		PlayerID:        p.PlayerID,
		RaidID:          raidID,
		PlayerName:      p.DisplayName,
		Grade:           p.Grade,
		Rank:            string(p.Rank),
		Division:        string(p.Division),
		IsActive:        true,
		FastestAnswerMs: 0,
		IsReady:         isReady,
		IsLeader:        isLeader,
	}
}

// CreateSoloRaid starts a single-player raid, skipping Matchmaking and
// entering Countdown directly with one auto-ready leader.
func CreateSoloRaid(ctx context.Context, kv store.KV, sched *scheduler.Engine, cfg config.TimingConfig, raidID string, leader *player.Player, bossLevel int, now time.Time) (*Raid, error) {
	member := newMember(raidID, leader, true, true)
	bossMaxHP, err := BossMaxHP(ctx, kv, bossLevel, []*RaidPlayer{member})
	if err != nil {
		return nil, err
	}

	r := &Raid{
		RaidID:             raidID,
		BossHP:             bossMaxHP,
		BossMaxHP:          bossMaxHP,
		State:              StateCountdown,
		BossLevel:          bossLevel,
		CountdownStartedAt: now.UnixMicro(),
		CreatedAt:          now.UnixMicro(),
	}
	if _, err := SaveRaid(ctx, kv, r, ""); err != nil {
		return nil, err
	}
	if _, err := SaveMember(ctx, kv, member, ""); err != nil {
		return nil, err
	}
	if err := sched.Schedule(ctx, scheduler.Timer{Kind: scheduler.KindCountdown, RaidID: raidID, FireAt: now.Add(cfg.CountdownDuration).UnixMicro()}); err != nil {
		return nil, err
	}
	return r, nil
}

// CreatePrivateRoom opens a Matchmaking raid with a fresh room code; the
// creator becomes leader, not yet ready.
func CreatePrivateRoom(ctx context.Context, kv store.KV, raidID string, leader *player.Player, bossLevel int, now time.Time) (*Raid, error) {
	code, err := GenerateRoomCode(ctx, kv, raidID, 25)
	if err != nil {
		return nil, err
	}
	r := &Raid{RaidID: raidID, State: StateMatchmaking, BossLevel: bossLevel, RoomCode: code, CreatedAt: now.UnixMicro()}
	if _, err := SaveRaid(ctx, kv, r, ""); err != nil {
		return nil, err
	}
	member := newMember(raidID, leader, true, false)
	if _, err := SaveMember(ctx, kv, member, ""); err != nil {
		return nil, err
	}
	return r, nil
}

// JoinPrivateRoom adds joiner to the Matchmaking raid identified by code.
func JoinPrivateRoom(ctx context.Context, kv store.KV, code string, joiner *player.Player) (*Raid, error) {
	raidID, ok, err := LookupRoomCode(ctx, kv, NormalizeRoomCode(code))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, raiderrors.ErrInvalidRoomCode
	}
	r, _, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return nil, err
	}
	if r.State != StateMatchmaking {
		return nil, raiderrors.ErrRaidNotWaiting
	}

	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return nil, err
	}
	if len(ActiveMembers(members)) >= MaxSquadSize {
		return nil, raiderrors.ErrInvalidInput
	}

	member := newMember(raidID, joiner, false, false)
	if _, err := SaveMember(ctx, kv, member, ""); err != nil {
		return nil, err
	}
	return r, nil
}

// ToggleReady flips a member's is_ready flag.
func ToggleReady(ctx context.Context, kv store.KV, raidID, playerID string) error {
	m, rec, err := GetMember(ctx, kv, raidID, playerID)
	if err != nil {
		return err
	}
	m.IsReady = !m.IsReady
	_, err = SaveMember(ctx, kv, m, rec.Version)
	return err
}

func allActiveReady(members []*RaidPlayer) bool {
	active := ActiveMembers(members)
	if len(active) < 2 {
		return false
	}
	for _, m := range active {
		if !m.IsReady {
			return false
		}
	}
	return true
}

// StartRaidManual transitions Matchmaking -> Countdown. Only the leader
// may call it, and only once >= 2 active members are all ready.
func StartRaidManual(ctx context.Context, kv store.KV, sched *scheduler.Engine, cfg config.TimingConfig, raidID, callerID string, now time.Time) error {
	r, rrec, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return err
	}
	if r.State != StateMatchmaking {
		return raiderrors.ErrRaidNotWaiting
	}
	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return err
	}
	caller, err := findMember(members, callerID)
	if err != nil {
		return err
	}
	if !caller.IsLeader {
		return raiderrors.ErrNotRaidLeader
	}
	if !allActiveReady(members) {
		return raiderrors.ErrNotAllReady
	}

	r.State = StateCountdown
	r.CountdownStartedAt = now.UnixMicro()
	if _, err := SaveRaid(ctx, kv, r, rrec.Version); err != nil {
		return err
	}
	return sched.Schedule(ctx, scheduler.Timer{Kind: scheduler.KindCountdown, RaidID: raidID, FireAt: now.Add(cfg.CountdownDuration).UnixMicro()})
}

func findMember(members []*RaidPlayer, playerID string) (*RaidPlayer, error) {
	for _, m := range members {
		if m.PlayerID == playerID {
			return m, nil
		}
	}
	return nil, raiderrors.ErrNotInRaid
}

// CountdownComplete is the scheduled handler for KindCountdown: it
// overwrites started_at with the fire time, clears countdown_started_at,
// schedules the RaidTimeoutSchedule, and pre-generates problem batches
// for every active member. A no-op if the raid is no longer in Countdown
// (e.g. the timer fired against stale state after a replay).
func CountdownComplete(ctx context.Context, kv store.KV, sched *scheduler.Engine, cfg config.TimingConfig, raidID string, fireAt time.Time) error {
	r, rrec, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		if err == raiderrors.ErrRaidNotFound {
			return nil
		}
		return err
	}
	if r.State != StateCountdown {
		return nil
	}

	r.State = StateInProgress
	r.StartedAt = fireAt.UnixMicro()
	r.CountdownStartedAt = 0
	if _, err := SaveRaid(ctx, kv, r, rrec.Version); err != nil {
		return err
	}

	timeout := cfg.TimeoutFor(r.BossLevel)
	if err := sched.Schedule(ctx, scheduler.Timer{Kind: scheduler.KindTimeout, RaidID: raidID, FireAt: fireAt.Add(timeout).UnixMicro()}); err != nil {
		return err
	}

	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return err
	}
	for _, m := range ActiveMembers(members) {
		if err := generateBatch(ctx, kv, r, m, fireAt); err != nil {
			return fmt.Errorf("raid: generate batch for %s: %w", m.PlayerID, err)
		}
	}
	return nil
}

// generateBatch pre-generates problem.ProblemsPerPlayer problems for one
// member in deterministic per-player sequence.
func generateBatch(ctx context.Context, kv store.KV, r *Raid, m *RaidPlayer, issuedAt time.Time) error {
	facts := allowedFacts(m.Grade, m.Track)
	if len(facts) == 0 {
		return nil
	}

	masteryRows, err := player.ListMastery(ctx, kv, m.PlayerID)
	if err != nil {
		return err
	}
	byKey := make(map[string]*player.FactMastery, len(masteryRows))
	for _, row := range masteryRows {
		byKey[row.FactKey] = row
	}

	issuedMicros := issuedAt.UnixMicro()
	window := m.RecentWindow()

	for seq := 0; seq < problem.ProblemsPerPlayer; seq++ {
		fact, newWindow, ok := problem.NextFact(facts, byKey, window, issuedMicros, seq)
		if !ok {
			break
		}
		window = newWindow

		p := &Problem{
			ID:        problemID(m.PlayerID, seq),
			RaidID:    r.RaidID,
			PlayerID:  m.PlayerID,
			Left:      fact.A,
			Right:     fact.B,
			Operation: fact.Op,
			Answer:    fact.Answer(),
			IssuedAt:  issuedMicros,
			Sequence:  seq,
		}
		if err := SaveProblem(ctx, kv, p); err != nil {
			return err
		}
	}

	m.SetRecentWindow(window)
	_, err = SaveMember(ctx, kv, m, "")
	return err
}

// CheckRaidTimeout is the scheduled handler for KindTimeout: InProgress
// -> Failed. A no-op if the raid is no longer InProgress.
func CheckRaidTimeout(ctx context.Context, kv store.KV, raidID string, now time.Time) error {
	r, rrec, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		if err == raiderrors.ErrRaidNotFound {
			return nil
		}
		return err
	}
	if r.State != StateInProgress {
		return nil
	}
	return failRaid(ctx, kv, r, rrec.Version, now)
}

func failRaid(ctx context.Context, kv store.KV, r *Raid, expectedVersion string, now time.Time) error {
	elapsed := now.Sub(time.UnixMicro(r.StartedAt))
	r.State = StateFailed
	r.DurationSeconds = max(1, int(elapsed.Seconds()))
	_, err := SaveRaid(ctx, kv, r, expectedVersion)
	return err
}

// Disconnect marks playerID's membership inactive and applies the
// lifecycle consequences: removal during Matchmaking, pause when the
// active count hits zero during InProgress, and leadership transfer.
func Disconnect(ctx context.Context, kv store.KV, sched *scheduler.Engine, raidID, playerID string, now time.Time) error {
	r, rrec, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return err
	}
	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return err
	}
	m, err := findMember(members, playerID)
	if err != nil {
		return err
	}

	if r.State == StateMatchmaking {
		if err := DeleteMember(ctx, kv, raidID, playerID); err != nil {
			return err
		}
		return transferLeadershipIfNeeded(ctx, kv, r, members, playerID)
	}

	m.IsActive = false
	if _, err := SaveMember(ctx, kv, m, ""); err != nil {
		return err
	}
	if r.State == StateRematch {
		return transferLeadershipIfNeeded(ctx, kv, r, members, playerID)
	}

	if r.State != StateInProgress {
		return nil
	}
	stillActive := 0
	for _, other := range members {
		if other.PlayerID != playerID && other.IsActive {
			stillActive++
		}
	}
	if stillActive > 0 {
		return nil
	}

	if err := sched.Cancel(ctx, scheduler.KindTimeout, raidID); err != nil {
		return err
	}
	r.State = StatePaused
	r.PauseStartedAt = now.UnixMicro()
	_, err = SaveRaid(ctx, kv, r, rrec.Version)
	return err
}

func transferLeadershipIfNeeded(ctx context.Context, kv store.KV, r *Raid, members []*RaidPlayer, departedID string) error {
	var departedWasLeader bool
	for _, m := range members {
		if m.PlayerID == departedID && m.IsLeader {
			departedWasLeader = true
		}
	}
	if !departedWasLeader {
		return nil
	}
	for _, m := range members {
		if m.PlayerID == departedID || !m.IsActive {
			continue
		}
		m.IsLeader = true
		_, err := SaveMember(ctx, kv, m, "")
		return err
	}
	return nil
}

// Resume handles Paused -> InProgress on reconnect: shifts started_at
// forward by the pause duration, reschedules the timeout, and
// transitions straight to Failed if no time remains.
func Resume(ctx context.Context, kv store.KV, sched *scheduler.Engine, cfg config.TimingConfig, raidID, playerID string, now time.Time) error {
	r, rrec, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return err
	}
	m, mrec, err := GetMember(ctx, kv, raidID, playerID)
	if err != nil {
		return err
	}
	m.IsActive = true
	if r.State == StateRematch {
		m.IsReady = false
	}
	if _, err := SaveMember(ctx, kv, m, mrec.Version); err != nil {
		return err
	}

	if r.State != StatePaused {
		return nil
	}

	pauseDuration := now.Sub(time.UnixMicro(r.PauseStartedAt))
	r.StartedAt += pauseDuration.Microseconds()
	r.PauseStartedAt = 0

	timeout := cfg.TimeoutFor(r.BossLevel)
	elapsedSinceShiftedStart := now.Sub(time.UnixMicro(r.StartedAt))
	remaining := timeout - elapsedSinceShiftedStart
	if remaining <= 0 {
		return failRaid(ctx, kv, r, rrec.Version, now)
	}

	r.State = StateInProgress
	if _, err := SaveRaid(ctx, kv, r, rrec.Version); err != nil {
		return err
	}
	return sched.Schedule(ctx, scheduler.Timer{Kind: scheduler.KindTimeout, RaidID: raidID, FireAt: now.Add(remaining).UnixMicro()})
}

// RaidAgain transitions Victory/Failed -> Rematch and resets every
// active member's is_ready flag.
func RaidAgain(ctx context.Context, kv store.KV, raidID string) error {
	r, rrec, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return err
	}
	if r.State != StateVictory && r.State != StateFailed {
		return raiderrors.ErrRaidNotCompleted
	}
	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return err
	}
	for _, m := range ActiveMembers(members) {
		m.IsReady = false
		if _, err := SaveMember(ctx, kv, m, ""); err != nil {
			return err
		}
	}
	r.State = StateRematch
	_, err = SaveRaid(ctx, kv, r, rrec.Version)
	return err
}

// StartRematch creates a NEW raid row preserving boss_level and
// room_code, marks old memberships inactive, and gives each active
// member a fresh membership in the new raid, entering Countdown.
func StartRematch(ctx context.Context, kv store.KV, sched *scheduler.Engine, cfg config.TimingConfig, oldRaidID, newRaidID, callerID string, now time.Time) (*Raid, error) {
	old, _, err := GetRaid(ctx, kv, oldRaidID)
	if err != nil {
		return nil, err
	}
	if old.State != StateRematch {
		return nil, raiderrors.ErrRaidNotCompleted
	}
	members, err := ListMembers(ctx, kv, oldRaidID)
	if err != nil {
		return nil, err
	}
	active := ActiveMembers(members)
	if len(active) < 2 {
		return nil, raiderrors.ErrNotAllReady
	}
	for _, m := range active {
		if !m.IsReady {
			return nil, raiderrors.ErrNotAllReady
		}
	}

	newR := &Raid{
		RaidID:             newRaidID,
		State:              StateCountdown,
		BossLevel:          old.BossLevel,
		RoomCode:           old.RoomCode,
		CountdownStartedAt: now.UnixMicro(),
		CreatedAt:          now.UnixMicro(),
	}

	var newMembers []*RaidPlayer
	for _, m := range active {
		m.IsActive = false
		if _, err := SaveMember(ctx, kv, m, ""); err != nil {
			return nil, err
		}
		fresh := &RaidPlayer{
			ID: membershipID(newRaidID, m.PlayerID), PlayerID: m.PlayerID, RaidID: newRaidID,
			PlayerName: m.PlayerName, Grade: m.Grade, Rank: m.Rank, Division: m.Division,
			IsActive: true, IsLeader: m.IsLeader, IsReady: true, Track: m.Track,
		}
		newMembers = append(newMembers, fresh)
	}

	bossMaxHP, err := BossMaxHP(ctx, kv, newR.BossLevel, newMembers)
	if err != nil {
		return nil, err
	}
	newR.BossMaxHP = bossMaxHP
	newR.BossHP = bossMaxHP

	if _, err := SaveRaid(ctx, kv, newR, ""); err != nil {
		return nil, err
	}
	for _, m := range newMembers {
		if _, err := SaveMember(ctx, kv, m, ""); err != nil {
			return nil, err
		}
	}
	if old.RoomCode != "" {
		if err := ReserveRoomCode(ctx, kv, old.RoomCode, newRaidID); err != nil {
			return nil, err
		}
	}
	if err := sched.Schedule(ctx, scheduler.Timer{Kind: scheduler.KindCountdown, RaidID: newRaidID, FireAt: now.Add(cfg.CountdownDuration).UnixMicro()}); err != nil {
		return nil, err
	}
	return newR, nil
}

// SetBossVisual sets the visual-only adaptive encoding (100+visual).
// Leader-only, Matchmaking/Rematch only.
func SetBossVisual(ctx context.Context, kv store.KV, raidID, callerID string, visual int) error {
	return setBossLevel(ctx, kv, raidID, callerID, 100+visual)
}

// SetMasteryBoss switches the raid to pure adaptive mode (random
// visual, boss_level 0). Leader-only.
func SetMasteryBoss(ctx context.Context, kv store.KV, raidID, callerID string) error {
	return setBossLevel(ctx, kv, raidID, callerID, 0)
}

func setBossLevel(ctx context.Context, kv store.KV, raidID, callerID string, bossLevel int) error {
	r, rrec, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return err
	}
	if r.State != StateMatchmaking && r.State != StateRematch {
		return raiderrors.ErrRaidNotWaiting
	}
	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return err
	}
	caller, err := findMember(members, callerID)
	if err != nil {
		return err
	}
	if !caller.IsLeader {
		return raiderrors.ErrNotRaidLeader
	}
	r.BossLevel = bossLevel
	_, err = SaveRaid(ctx, kv, r, rrec.Version)
	return err
}

func allowedFacts(grade int, track string) []mathfacts.Fact {
	return mathfacts.FactsFor(grade, track)
}
