// Package session owns the Session table (§4.1): mapping ephemeral
// connection identities to stable player IDs, and the disconnect path
// that hands off to raid.Disconnect. Session creation and disconnect are
// both privileged operations, gated the same way as every other
// system-only call in this server: config.WorkerConfig.IsAuthorizedWorker.
package session

import (
	"context"
	"fmt"
	"time"

	raiderrors "mathraid-server/errors"
	"mathraid-server/player"
	"mathraid-server/raid"
	"mathraid-server/scheduler"
	"mathraid-server/store"
)

const collectionSessions = "sessions"

// Session maps one connection to the player it authenticated as.
type Session struct {
	ConnectionID string `json:"connection_id"`
	PlayerID     string `json:"player_id"`
	ConnectedAt  int64  `json:"connected_at"` // unix micros
}

func get(ctx context.Context, kv store.KV, connectionID string) (*Session, store.Record, error) {
	s, rec, err := store.GetJSON[Session](ctx, kv, collectionSessions, connectionID, store.System)
	if err == store.ErrNotFound {
		return nil, store.Record{}, raiderrors.ErrNoSession
	}
	if err != nil {
		return nil, store.Record{}, fmt.Errorf("session: get %s: %w", connectionID, err)
	}
	return s, rec, nil
}

// byPlayer finds the session row owned by playerID, if any (linear scan
// over the system-owned collection — session volume is bounded by
// concurrently connected players, never large enough to need an index).
func byPlayer(ctx context.Context, kv store.KV, playerID string) (*Session, error) {
	rows, err := store.ListJSON[Session](ctx, kv, collectionSessions, store.System)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	for _, s := range rows {
		if s.PlayerID == playerID {
			return s, nil
		}
	}
	return nil, nil
}

// CreateSession deletes any stale session for the same player_id or the
// same connection_id, then inserts a fresh row. Privileged: authorized
// must be true, i.e. the caller passed cfg.IsAuthorizedWorker.
func CreateSession(ctx context.Context, kv store.KV, authorized bool, connectionID, playerID string, now int64) (*Session, error) {
	if !authorized {
		return nil, raiderrors.ErrNotAuthorizedWorker
	}
	if existing, err := byPlayer(ctx, kv, playerID); err != nil {
		return nil, err
	} else if existing != nil {
		if err := kv.Delete(ctx, collectionSessions, existing.ConnectionID, store.System); err != nil {
			return nil, fmt.Errorf("session: delete stale player session: %w", err)
		}
	}
	if _, _, err := get(ctx, kv, connectionID); err == nil {
		if err := kv.Delete(ctx, collectionSessions, connectionID, store.System); err != nil {
			return nil, fmt.Errorf("session: delete stale connection session: %w", err)
		}
	}

	s := &Session{ConnectionID: connectionID, PlayerID: playerID, ConnectedAt: now}
	if _, err := store.PutJSON(ctx, kv, collectionSessions, connectionID, store.System, s, ""); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return s, nil
}

// PlayerID resolves the stable player ID behind an active connection.
func PlayerID(ctx context.Context, kv store.KV, connectionID string) (string, error) {
	s, _, err := get(ctx, kv, connectionID)
	if err != nil {
		return "", err
	}
	return s.PlayerID, nil
}

// Disconnect deletes the session row and, if the player was in an
// active raid, marks their membership inactive (preserving in_raid_id
// so a later connect() can resume). Disconnecting from a raid still in
// Matchmaking removes the player from it entirely, per raid.Disconnect.
func Disconnect(ctx context.Context, kv store.KV, sched *scheduler.Engine, connectionID string, now int64) error {
	s, _, err := get(ctx, kv, connectionID)
	if err == raiderrors.ErrNoSession {
		return nil
	}
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, collectionSessions, connectionID, store.System); err != nil {
		return fmt.Errorf("session: delete on disconnect: %w", err)
	}

	p, _, err := player.Get(ctx, kv, s.PlayerID)
	if err == raiderrors.ErrPlayerNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if p.InRaidID == "" {
		return nil
	}
	if err := raid.Disconnect(ctx, kv, sched, p.InRaidID, p.PlayerID, time.UnixMicro(now)); err != nil {
		if err == raiderrors.ErrRaidNotFound || err == raiderrors.ErrNotInRaid {
			return nil
		}
		return err
	}
	return nil
}
