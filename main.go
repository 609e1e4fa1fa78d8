package main

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"

	"mathraid-server/config"
	"mathraid-server/events"
	"mathraid-server/leaderboard"
	"mathraid-server/logging"
	"mathraid-server/maintenance"
	"mathraid-server/mathfacts"
	"mathraid-server/raid"
	"mathraid-server/rpc"
	"mathraid-server/scheduler"
	"mathraid-server/settlement"
	"mathraid-server/store"
)

// InitModule is Nakama's plugin entry point: load the fact catalog, wire
// the scheduler/store/events/cache dependencies into an rpc.Env, register
// every handler, and start the scheduler's drain loop in the background.
func InitModule(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, initializer runtime.Initializer) error {
	initStart := time.Now()

	if err := mathfacts.Load(); err != nil {
		logger.Error("failed to load math fact catalog: %v", err)
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config: %v", err)
		return err
	}

	kv := store.NewNakamaKV(nk)
	schedLog := logging.Background("scheduler")
	sched := scheduler.New(kv, schedLog)

	eventsLog := logging.Background("events")
	pub := events.New(cfg.Events, eventsLog)

	var cache *leaderboard.Cache
	if cfg.Cache.RedisAddr != "" {
		cache = leaderboard.NewCache(cfg.Cache)
	}

	sched.Register(scheduler.KindCountdown, func(ctx context.Context, t scheduler.Timer) error {
		return raid.CountdownComplete(ctx, kv, sched, cfg.Timing, t.RaidID, time.UnixMicro(t.FireAt))
	})
	sched.Register(scheduler.KindTimeout, func(ctx context.Context, t scheduler.Timer) error {
		now := time.Now()
		if err := raid.CheckRaidTimeout(ctx, kv, t.RaidID, now); err != nil {
			return err
		}
		r, _, err := raid.GetRaid(ctx, kv, t.RaidID)
		if err != nil {
			return err
		}
		if r.State != raid.StateFailed {
			return nil
		}
		settled, err := settlement.Settle(ctx, kv, t.RaidID, rand.New(rand.NewSource(now.UnixNano())), now, cfg.Outbox.XPBlocklistSet())
		if err != nil {
			return err
		}
		for _, s := range settled {
			if s.TrackMaster {
				pub.TrackMaster(s.TrackMasterEvent.PlayerID, s.TrackMasterEvent.Grade, s.TrackMasterEvent.Boss)
			}
		}
		pub.RaidEnded(t.RaidID, false, r.BossLevel, len(settled))
		return nil
	})
	maintLog := logging.Background("maintenance")
	sched.Register(scheduler.KindCleanup, maintenance.Handler(kv, sched, cfg, maintLog))

	if err := sched.LoadFromStore(ctx); err != nil {
		logger.Error("failed to load persisted timers: %v", err)
		return err
	}
	if cfg.Timing.CleanupInterval > 0 {
		if err := sched.Schedule(ctx, scheduler.Timer{
			Kind:     scheduler.KindCleanup,
			FireAt:   time.Now().Add(cfg.Timing.CleanupInterval).UnixMicro(),
			Interval: cfg.Timing.CleanupInterval.Microseconds(),
		}); err != nil {
			logger.Error("failed to schedule initial cleanup timer: %v", err)
			return err
		}
	}

	runCtx := context.Background()
	go sched.Run(runCtx)

	env := &rpc.Env{Cfg: cfg, Sched: sched, Pub: pub, Cache: cache}

	privileged := map[string]func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error){
		"create_session":                    env.CreateSession,
		"disconnect":                        env.Disconnect,
		"admin_reset_player":                env.AdminResetPlayer,
		"set_timeback_id":                   env.SetTimebackID,
		"mark_event_sent":                   env.MarkEventSent,
		"test_create_timeback_event":        env.TestCreateTimebackEvent,
		"bulk_restore_player":               env.BulkRestorePlayer,
		"bulk_restore_fact_mastery":         env.BulkRestoreFactMastery,
		"bulk_restore_performance_snapshot": env.BulkRestorePerformanceSnapshot,
		"run_maintenance_sweep":             env.RunMaintenanceSweep,
	}
	playerHandlers := map[string]func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error){
		"connect":              env.Connect,
		"set_grade":            env.SetGrade,
		"create_private_room":  env.CreatePrivateRoom,
		"join_private_room":    env.JoinPrivateRoom,
		"start_solo_raid":      env.StartSoloRaid,
		"set_boss_visual":      env.SetBossVisual,
		"set_mastery_boss":     env.SetMasteryBoss,
		"toggle_ready":         env.ToggleReady,
		"start_raid_manual":    env.StartRaidManual,
		"submit_answer":        env.SubmitAnswer,
		"request_problem":      env.RequestProblem,
		"leave_raid":           env.LeaveRaid,
		"raid_again":           env.RaidAgain,
		"start_rematch":        env.StartRematch,
		"solo_again":           env.SoloAgain,
		"open_loot_chest":      env.OpenLootChest,
		"leave_completed_raid": env.LeaveCompletedRaid,
		"get_leaderboard":      env.GetLeaderboard,
	}

	for name, handler := range privileged {
		if err := initializer.RegisterRpc(name, handler); err != nil {
			logger.Error("unable to register %s: %v", name, err)
			return err
		}
	}
	for name, handler := range playerHandlers {
		if err := initializer.RegisterRpc(name, handler); err != nil {
			logger.Error("unable to register %s: %v", name, err)
			return err
		}
	}

	logger.Info("math raid server loaded in %d msec", time.Since(initStart).Milliseconds())
	return nil
}
