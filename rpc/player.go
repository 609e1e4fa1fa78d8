package rpc

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"

	raiderrors "mathraid-server/errors"
	"mathraid-server/leaderboard"
	"mathraid-server/notify"
	"mathraid-server/player"
	"mathraid-server/raid"
	"mathraid-server/settlement"
	"mathraid-server/store"
)

// Player handlers run on behalf of the session's authenticated user,
// extracted from ctx. Each builds its own store.NakamaKV since nk is
// request-scoped; e (the Env) only carries the process-lifetime deps
// (scheduler, config, event publisher, leaderboard cache).

type connectReq struct {
	Name       string `json:"name,omitempty"`
	Grade      *int   `json:"grade,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Email      string `json:"email,omitempty"`
}

type connectResp struct {
	Player *player.Player `json:"player"`
}

// Connect runs the per-session maintenance pass (quest boundary resets,
// grade/rank updates) and, if the player was mid-raid, resumes their
// membership.
func (e *Env) Connect(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[connectReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	now := time.Now()

	p, rec, err := player.GetOrCreate(ctx, kv, uid, req.Name)
	if err != nil {
		return "", err
	}
	in := player.ConnectInput{Name: req.Name, Grade: req.Grade, ExternalID: req.ExternalID, Email: req.Email}
	change, err := player.ApplyConnect(ctx, kv, p, in, now)
	if err != nil {
		return "", err
	}
	if change != nil {
		if err := rebuildLeaderboards(ctx, kv, change); err != nil {
			return "", err
		}
	}

	if p.InRaidID != "" {
		if err := raid.Resume(ctx, kv, e.Sched, e.Cfg.Timing, p.InRaidID, uid, now); err != nil {
			if err == raiderrors.ErrRaidNotFound || err == raiderrors.ErrNotInRaid {
				p.InRaidID = ""
			} else {
				return "", err
			}
		}
	}

	if _, err := player.Save(ctx, kv, p, rec.Version); err != nil {
		return "", err
	}
	return encode(connectResp{Player: p})
}

type setGradeReq struct {
	Grade int `json:"grade"`
}

// SetGrade updates the caller's grade outside of connect(), recomputing
// mastery/rank the same way a grade change during connect does.
func (e *Env) SetGrade(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[setGradeReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	p, rec, err := player.Get(ctx, kv, uid)
	if err != nil {
		return "", err
	}
	grade := req.Grade
	change, err := player.ApplyConnect(ctx, kv, p, player.ConnectInput{Grade: &grade}, time.Now())
	if err != nil {
		return "", err
	}
	if change != nil {
		if err := rebuildLeaderboards(ctx, kv, change); err != nil {
			return "", err
		}
	}
	if _, err := player.Save(ctx, kv, p, rec.Version); err != nil {
		return "", err
	}
	return encode(connectResp{Player: p})
}

// rebuildLeaderboards rebuilds both the old and new grade's ranked
// projections after a grade change, per the spec's connect()/set_grade
// rank-affecting-event rule.
func rebuildLeaderboards(ctx context.Context, kv store.KV, change *player.GradeChange) error {
	if err := leaderboard.Rebuild(ctx, kv, change.Old); err != nil {
		return err
	}
	return leaderboard.Rebuild(ctx, kv, change.New)
}

type createPrivateRoomReq struct {
	BossLevel int `json:"boss_level"`
}

type raidResp struct {
	Raid *raid.Raid `json:"raid"`
}

// CreatePrivateRoom mints a fresh raid in Matchmaking with the caller as
// leader and a freshly reserved room code.
func (e *Env) CreatePrivateRoom(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[createPrivateRoomReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	leader, lrec, err := player.Get(ctx, kv, uid)
	if err != nil {
		return "", err
	}
	r, err := raid.CreatePrivateRoom(ctx, kv, newRaidID(), leader, req.BossLevel, time.Now())
	if err != nil {
		return "", err
	}
	leader.InRaidID = r.RaidID
	if _, err := player.Save(ctx, kv, leader, lrec.Version); err != nil {
		return "", err
	}
	return encode(raidResp{Raid: r})
}

type joinPrivateRoomReq struct {
	Code string `json:"code"`
}

// JoinPrivateRoom adds the caller to the raid behind a room code.
func (e *Env) JoinPrivateRoom(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[joinPrivateRoomReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	joiner, jrec, err := player.Get(ctx, kv, uid)
	if err != nil {
		return "", err
	}
	r, err := raid.JoinPrivateRoom(ctx, kv, req.Code, joiner)
	if err != nil {
		return "", err
	}
	joiner.InRaidID = r.RaidID
	if _, err := player.Save(ctx, kv, joiner, jrec.Version); err != nil {
		return "", err
	}
	return encode(raidResp{Raid: r})
}

type startSoloRaidReq struct {
	BossLevel int `json:"boss_level"`
}

// StartSoloRaid creates and immediately starts a single-player raid
// (skips the matchmaking ready-check entirely).
func (e *Env) StartSoloRaid(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[startSoloRaidReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	leader, lrec, err := player.Get(ctx, kv, uid)
	if err != nil {
		return "", err
	}
	r, err := raid.CreateSoloRaid(ctx, kv, e.Sched, e.Cfg.Timing, newRaidID(), leader, req.BossLevel, time.Now())
	if err != nil {
		return "", err
	}
	leader.InRaidID = r.RaidID
	if _, err := player.Save(ctx, kv, leader, lrec.Version); err != nil {
		return "", err
	}
	return encode(raidResp{Raid: r})
}

type raidIDReq struct {
	RaidID string `json:"raid_id"`
}

// SetBossVisual picks the boss's cosmetic appearance (leader-only, lobby
// only).
func (e *Env) SetBossVisual(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[struct {
		RaidID string `json:"raid_id"`
		Visual int    `json:"visual"`
	}](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := raid.SetBossVisual(ctx, kv, req.RaidID, uid, req.Visual); err != nil {
		return "", err
	}
	return "{}", nil
}

// SetMasteryBoss switches the lobby's boss to adaptive mastery mode
// (leader-only, lobby only).
func (e *Env) SetMasteryBoss(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[raidIDReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := raid.SetMasteryBoss(ctx, kv, req.RaidID, uid); err != nil {
		return "", err
	}
	return "{}", nil
}

// ToggleReady flips the caller's ready flag in the lobby.
func (e *Env) ToggleReady(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[raidIDReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := raid.ToggleReady(ctx, kv, req.RaidID, uid); err != nil {
		return "", err
	}
	return "{}", nil
}

// StartRaidManual lets the leader start the countdown early once every
// member is ready.
func (e *Env) StartRaidManual(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[raidIDReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := raid.StartRaidManual(ctx, kv, e.Sched, e.Cfg.Timing, req.RaidID, uid, time.Now()); err != nil {
		return "", err
	}
	return "{}", nil
}

type submitAnswerReq struct {
	RaidID     string `json:"raid_id"`
	ProblemID  string `json:"problem_id"`
	Submitted  int    `json:"submitted"`
	ResponseMs int    `json:"response_ms"`
}

type submitAnswerResp struct {
	Correct      bool                `json:"correct"`
	Damage       int                 `json:"damage"`
	BossHP       int                 `json:"boss_hp"`
	BossDefeated bool                `json:"boss_defeated"`
	Settlement   []settlement.Result `json:"settlement,omitempty"`
}

// SubmitAnswer runs the full damage pipeline for one answer and, if it
// defeats the boss, immediately settles the raid.
func (e *Env) SubmitAnswer(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[submitAnswerReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	now := time.Now()
	in := raid.SubmitAnswerInput{
		RaidID:     req.RaidID,
		PlayerID:   uid,
		ProblemID:  req.ProblemID,
		Submitted:  req.Submitted,
		ResponseMs: req.ResponseMs,
	}
	result, err := raid.SubmitAnswer(ctx, kv, e.Cfg.Timing, in, rng(), now)
	if err != nil {
		return "", err
	}
	resp := submitAnswerResp{
		Correct:      result.Correct,
		Damage:       result.Damage,
		BossHP:       result.BossHP,
		BossDefeated: result.BossDefeated,
	}
	if result.BossDefeated {
		settled, err := settlement.Settle(ctx, kv, req.RaidID, rand.New(rand.NewSource(now.UnixNano())), now, e.Cfg.Outbox.XPBlocklistSet())
		if err != nil {
			return "", err
		}
		resp.Settlement = settled
		if e.Cache != nil {
			member, _, memErr := raid.GetMember(ctx, kv, req.RaidID, uid)
			if memErr == nil {
				_ = e.Cache.Invalidate(ctx, member.Grade)
			}
		}
		for _, s := range settled {
			if s.TrackMaster {
				e.Pub.TrackMaster(s.TrackMasterEvent.PlayerID, s.TrackMasterEvent.Grade, s.TrackMasterEvent.Boss)
			}
			if notifyErr := notify.SendSettlement(ctx, nk, req.RaidID, true, s); notifyErr != nil {
				logger.Warn("settlement notification failed for %s: %v", s.PlayerID, notifyErr)
			}
		}
		if r, _, rErr := raid.GetRaid(ctx, kv, req.RaidID); rErr == nil {
			e.Pub.RaidEnded(req.RaidID, true, r.BossLevel, len(settled))
		}
	}
	return encode(resp)
}

type requestProblemReq struct {
	RaidID string `json:"raid_id"`
}

type requestProblemResp struct {
	Problem *raid.Problem `json:"problem"`
}

// RequestProblem returns the caller's lowest-sequence not-yet-correctly
// answered pre-generated problem. Problems are batch-generated at
// countdown_complete, so this is a read, not a new draw.
func (e *Env) RequestProblem(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[requestProblemReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	p, err := raid.NextProblem(ctx, kv, req.RaidID, uid)
	if err != nil {
		return "", err
	}
	return encode(requestProblemResp{Problem: p})
}

// LeaveRaid removes the caller from a raid still in Matchmaking, or
// marks them inactive otherwise, and always clears their in_raid_id
// pointer (unlike a network disconnect, which preserves it for resume).
func (e *Env) LeaveRaid(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[raidIDReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := raid.Disconnect(ctx, kv, e.Sched, req.RaidID, uid, time.Now()); err != nil {
		if err != raiderrors.ErrRaidNotFound && err != raiderrors.ErrNotInRaid {
			return "", err
		}
	}
	p, rec, err := player.Get(ctx, kv, uid)
	if err != nil {
		return "", err
	}
	if p.InRaidID == req.RaidID {
		p.InRaidID = ""
		if _, err := player.Save(ctx, kv, p, rec.Version); err != nil {
			return "", err
		}
	}
	return "{}", nil
}

// RaidAgain moves a completed raid (Victory/Failed) into Rematch and
// clears every active member's ready flag; the squad then readies up
// with toggle_ready and start_rematch launches the new raid.
func (e *Env) RaidAgain(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if _, err := requireUser(ctx); err != nil {
		return "", err
	}
	req, err := decode[raidIDReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := raid.RaidAgain(ctx, kv, req.RaidID); err != nil {
		return "", err
	}
	return "{}", nil
}

type startRematchReq struct {
	OldRaidID string `json:"old_raid_id"`
}

// StartRematch spins up a fresh raid carrying over the squad from a
// multiplayer raid in Rematch once at least two active members are
// ready. Any member may call it; there is no leader check.
func (e *Env) StartRematch(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[startRematchReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	r, err := raid.StartRematch(ctx, kv, e.Sched, e.Cfg.Timing, req.OldRaidID, newRaidID(), uid, time.Now())
	if err != nil {
		return "", err
	}
	return encode(raidResp{Raid: r})
}

type soloAgainReq struct {
	OldRaidID string `json:"old_raid_id"`
	BossLevel *int   `json:"boss_level,omitempty"`
}

// SoloAgain starts a fresh solo raid against the same or a new boss
// level, replacing a completed solo raid's dangling in_raid_id pointer.
func (e *Env) SoloAgain(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[soloAgainReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)

	old, _, err := raid.GetRaid(ctx, kv, req.OldRaidID)
	if err != nil {
		return "", err
	}
	if old.State != raid.StateVictory && old.State != raid.StateFailed {
		return "", raiderrors.ErrRaidNotCompleted
	}
	members, err := raid.ListMembers(ctx, kv, req.OldRaidID)
	if err != nil {
		return "", err
	}
	if len(members) != 1 || members[0].PlayerID != uid {
		return "", raiderrors.ErrNotInRaid
	}

	bossLevel := old.BossLevel
	if req.BossLevel != nil {
		bossLevel = *req.BossLevel
	}

	leader, lrec, err := player.Get(ctx, kv, uid)
	if err != nil {
		return "", err
	}
	now := time.Now()
	r, err := raid.CreateSoloRaid(ctx, kv, e.Sched, e.Cfg.Timing, newRaidID(), leader, bossLevel, now)
	if err != nil {
		return "", err
	}
	if err := raid.Cleanup(ctx, kv, req.OldRaidID); err != nil {
		return "", err
	}
	leader.InRaidID = r.RaidID
	if _, err := player.Save(ctx, kv, leader, lrec.Version); err != nil {
		return "", err
	}
	return encode(raidResp{Raid: r})
}

type openLootChestReq struct {
	RaidID string `json:"raid_id"`
}

type openLootChestResp struct {
	Roll int `json:"roll"`
}

// OpenLootChest resolves the caller's pending post-raid chest roll.
func (e *Env) OpenLootChest(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[openLootChestReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	roll, err := settlement.OpenLootChest(ctx, kv, req.RaidID, uid)
	if err != nil {
		return "", err
	}
	return encode(openLootChestResp{Roll: roll})
}

type getLeaderboardReq struct {
	Grade int `json:"grade"`
}

type getLeaderboardResp struct {
	Entries []*leaderboard.Entry `json:"entries"`
}

// GetLeaderboard returns the current ranked projection for one grade,
// read through the optional Redis cache when configured.
func (e *Env) GetLeaderboard(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if _, err := requireUser(ctx); err != nil {
		return "", err
	}
	req, err := decode[getLeaderboardReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	entries, err := leaderboard.ListCached(ctx, kv, e.Cache, req.Grade)
	if err != nil {
		return "", err
	}
	return encode(getLeaderboardResp{Entries: entries})
}

// LeaveCompletedRaid marks the caller's membership in a completed raid
// inactive once they've collected their loot and seen the results
// screen (the raid's rows are removed when no active member remains),
// and clears their in_raid_id pointer.
func (e *Env) LeaveCompletedRaid(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return "", err
	}
	req, err := decode[raidIDReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := raid.LeaveCompletedRaid(ctx, kv, req.RaidID, uid); err != nil {
		return "", err
	}
	p, rec, err := player.Get(ctx, kv, uid)
	if err != nil {
		return "", err
	}
	if p.InRaidID == req.RaidID {
		p.InRaidID = ""
		if _, err := player.Save(ctx, kv, p, rec.Version); err != nil {
			return "", err
		}
	}
	return "{}", nil
}
