package rpc

import (
	"context"
	"database/sql"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"

	"mathraid-server/logging"
	"mathraid-server/maintenance"
	"mathraid-server/outbox"
	"mathraid-server/player"
	"mathraid-server/session"
	"mathraid-server/store"
)

// Privileged handlers are invoked either by the Nakama server itself (auth
// hooks) or by a trusted external worker process — never directly by a
// game client. Every one gates on requireWorker before touching storage.

type createSessionReq struct {
	ConnectionID string `json:"connection_id"`
	PlayerID     string `json:"player_id"`
}

// CreateSession backs an AfterAuthenticate hook: mint the Session row
// linking a connection to a stable player ID.
func (e *Env) CreateSession(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[createSessionReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	s, err := session.CreateSession(ctx, kv, true, req.ConnectionID, req.PlayerID, time.Now().UnixMicro())
	if err != nil {
		return "", err
	}
	return encode(s)
}

type disconnectReq struct {
	ConnectionID string `json:"connection_id"`
}

// Disconnect backs a connection-closed hook: drop the Session row and,
// if the player was in an active raid, mark their membership inactive.
func (e *Env) Disconnect(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[disconnectReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := session.Disconnect(ctx, kv, e.Sched, req.ConnectionID, time.Now().UnixMicro()); err != nil {
		return "", err
	}
	return "{}", nil
}

type adminResetPlayerReq struct {
	PlayerID string `json:"player_id"`
}

// AdminResetPlayer wipes a player's stats/quests/mastery for QA/support,
// preserving identity fields.
func (e *Env) AdminResetPlayer(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[adminResetPlayerReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := player.ResetProfile(ctx, kv, req.PlayerID); err != nil {
		return "", err
	}
	return "{}", nil
}

type setTimebackIDReq struct {
	PlayerID   string `json:"player_id"`
	TimebackID string `json:"timeback_id"`
}

// SetTimebackID updates the external ID used to key outbox XP events for
// a player, e.g. after a late account link.
func (e *Env) SetTimebackID(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[setTimebackIDReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	p, rec, err := player.Get(ctx, kv, req.PlayerID)
	if err != nil {
		return "", err
	}
	p.ExternalID = req.TimebackID
	if _, err := player.Save(ctx, kv, p, rec.Version); err != nil {
		return "", err
	}
	return "{}", nil
}

type markEventSentReq struct {
	EventID string `json:"event_id"`
	Failure string `json:"failure,omitempty"`
}

// MarkEventSent is the external worker's acknowledgement (success or
// failure-with-retry) for one outbox event.
func (e *Env) MarkEventSent(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[markEventSentReq](payload)
	if err != nil {
		return "", err
	}
	uid, _ := userID(ctx)
	kv := store.NewNakamaKV(nk)
	if err := outbox.MarkEventSent(ctx, kv, e.Cfg.Worker, uid, req.EventID, req.Failure, time.Now()); err != nil {
		return "", err
	}
	return "{}", nil
}

type testCreateTimebackEventReq struct {
	PlayerID string         `json:"player_id"`
	RaidID   string         `json:"raid_id"`
	Payload  outbox.Payload `json:"payload"`
}

// TestCreateTimebackEvent lets QA enqueue a synthetic outbox event
// without having to play a full raid to completion, to exercise the
// external-worker delivery path end to end.
func (e *Env) TestCreateTimebackEvent(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[testCreateTimebackEventReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	if err := outbox.Enqueue(ctx, kv, req.PlayerID, req.RaidID, req.Payload, time.Now()); err != nil {
		return "", err
	}
	return "{}", nil
}

type bulkRestorePlayerReq struct {
	Rows string `json:"rows"`
}

type bulkRestorePlayerResp struct {
	Restored int `json:"restored"`
}

// BulkRestorePlayer replays an admin-panel export of Player rows
// verbatim, for disaster recovery.
func (e *Env) BulkRestorePlayer(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[bulkRestorePlayerReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	n, err := session.BulkRestorePlayer(ctx, kv, true, req.Rows)
	if err != nil {
		return "", err
	}
	return encode(bulkRestorePlayerResp{Restored: n})
}

type bulkRestoreFactMasteryReq struct {
	Rows string `json:"rows"`
}

// BulkRestoreFactMastery replays an admin-panel export of FactMastery
// rows verbatim, for disaster recovery.
func (e *Env) BulkRestoreFactMastery(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[bulkRestoreFactMasteryReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	n, err := player.BulkRestoreFactMastery(ctx, kv, true, req.Rows)
	if err != nil {
		return "", err
	}
	return encode(bulkRestorePlayerResp{Restored: n})
}

type bulkRestorePerformanceSnapshotReq struct {
	Rows string `json:"rows"`
}

// BulkRestorePerformanceSnapshot replays an admin-panel export of
// PerformanceSnapshot rows verbatim, for disaster recovery.
func (e *Env) BulkRestorePerformanceSnapshot(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	req, err := decode[bulkRestorePerformanceSnapshotReq](payload)
	if err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	n, err := player.BulkRestorePerformanceSnapshot(ctx, kv, true, req.Rows)
	if err != nil {
		return "", err
	}
	return encode(bulkRestorePlayerResp{Restored: n})
}

// RunMaintenanceSweep runs the abandoned-raid/outbox-TTL sweep on demand,
// for operator use via cmd/raidctl outside the regular cleanup interval.
func (e *Env) RunMaintenanceSweep(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	if err := requireWorker(ctx, e.Cfg, payload); err != nil {
		return "", err
	}
	kv := store.NewNakamaKV(nk)
	rep, err := maintenance.Sweep(ctx, kv, e.Sched, e.Cfg, logging.Background("maintenance"), time.Now())
	if err != nil {
		return "", err
	}
	return encode(rep)
}

