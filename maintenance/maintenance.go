// Package maintenance runs the periodic housekeeping sweep: reaping
// raids abandoned by every member, clearing the dangling in_raid_id
// pointers they leave on player rows, and aging out the outbox. It
// backs both the scheduler's recurring KindCleanup timer and
// cmd/raidctl's manual invocation.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mathraid-server/config"
	raiderrors "mathraid-server/errors"
	"mathraid-server/outbox"
	"mathraid-server/player"
	"mathraid-server/raid"
	"mathraid-server/scheduler"
	"mathraid-server/store"
)

// abandonedAfter is how long a raid with zero active members is left in
// place before being reaped, giving a disconnected player's reconnect
// window (session resume) a chance to land first.
const abandonedAfter = 8 * time.Minute

// Report summarizes one sweep, for logging and for cmd/raidctl output.
type Report struct {
	RaidsReaped     int
	PlayersCleared  int
	OutboxDeadLetters int
}

// Sweep reaps abandoned raids and ages out the outbox. Safe to call
// concurrently with normal traffic: every mutation it makes goes
// through the same store.KV writes as the rest of the server, so a
// raid that regains an active member between listing and reaping is
// simply skipped (Cleanup on a raid with live members is never called
// here).
func Sweep(ctx context.Context, kv store.KV, sched *scheduler.Engine, cfg *config.Config, log zerolog.Logger, now time.Time) (Report, error) {
	var rep Report

	raids, err := raid.ListAllRaids(ctx, kv)
	if err != nil {
		return rep, fmt.Errorf("maintenance: list raids: %w", err)
	}

	for _, r := range raids {
		if now.Sub(time.UnixMicro(r.CreatedAt)) < abandonedAfter {
			continue
		}
		members, err := raid.ListMembers(ctx, kv, r.RaidID)
		if err != nil {
			return rep, fmt.Errorf("maintenance: list members of %s: %w", r.RaidID, err)
		}
		if len(raid.ActiveMembers(members)) > 0 {
			continue
		}

		for _, m := range members {
			if err := clearDanglingPointer(ctx, kv, m.PlayerID, r.RaidID); err != nil {
				return rep, err
			}
			rep.PlayersCleared++
		}

		if err := sched.Cancel(ctx, scheduler.KindCountdown, r.RaidID); err != nil {
			return rep, fmt.Errorf("maintenance: cancel countdown for %s: %w", r.RaidID, err)
		}
		if err := sched.Cancel(ctx, scheduler.KindTimeout, r.RaidID); err != nil {
			return rep, fmt.Errorf("maintenance: cancel timeout for %s: %w", r.RaidID, err)
		}
		if err := raid.Cleanup(ctx, kv, r.RaidID); err != nil {
			return rep, fmt.Errorf("maintenance: cleanup raid %s: %w", r.RaidID, err)
		}
		log.Info().Str("raid_id", r.RaidID).Msg("reaped abandoned raid")
		rep.RaidsReaped++
	}

	deadLetters := 0
	onDeadLetter := func(e *outbox.Event) {
		deadLetters++
		log.Warn().Str("event_id", e.ID).Str("player_id", e.PlayerID).Int("attempts", e.Attempts).
			Msg("outbox event dead-lettered by ttl sweep")
	}
	if err := outbox.SweepTTL(ctx, kv, cfg.Outbox, onDeadLetter, now); err != nil {
		return rep, fmt.Errorf("maintenance: outbox sweep: %w", err)
	}
	rep.OutboxDeadLetters = deadLetters

	return rep, nil
}

// clearDanglingPointer clears p.InRaidID if it still points at the raid
// being reaped (a player may have already started a new raid between
// the listing and the reap, in which case their pointer is left alone).
func clearDanglingPointer(ctx context.Context, kv store.KV, playerID, raidID string) error {
	p, rec, err := player.Get(ctx, kv, playerID)
	if err == raiderrors.ErrPlayerNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("maintenance: get player %s: %w", playerID, err)
	}
	if p.InRaidID != raidID {
		return nil
	}
	p.InRaidID = ""
	if _, err := player.Save(ctx, kv, p, rec.Version); err != nil {
		return fmt.Errorf("maintenance: clear in_raid_id for %s: %w", playerID, err)
	}
	return nil
}

// Handler adapts Sweep to the scheduler's recurring KindCleanup timer.
func Handler(kv store.KV, sched *scheduler.Engine, cfg *config.Config, log zerolog.Logger) scheduler.HandlerFunc {
	return func(ctx context.Context, t scheduler.Timer) error {
		_, err := Sweep(ctx, kv, sched, cfg, log, time.Now())
		return err
	}
}
