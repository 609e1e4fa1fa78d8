// Bulk restore reducers for disaster recovery: bulk_restore_fact_mastery
// and bulk_restore_performance_snapshot accept a JSON array in the
// admin-panel export shape (camelCase keys, SDK timestamp wrapper) and
// insert rows verbatim, bypassing OCC, mirroring session.BulkRestorePlayer.
package player

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	raiderrors "mathraid-server/errors"
	"mathraid-server/store"
)

// restoreTimestamp unwraps the SpacetimeDB SDK's JSON timestamp shape:
// {"__timestamp_micros_since_unix_epoch__": "123456"}.
type restoreTimestamp struct {
	MicrosStr string `json:"__timestamp_micros_since_unix_epoch__"`
}

func (t restoreTimestamp) micros() int64 {
	v, _ := strconv.ParseInt(t.MicrosStr, 10, 64)
	return v
}

type restoreRecentAttempt struct {
	TimeMs    int              `json:"timeMs"`
	Correct   bool             `json:"correct"`
	Timestamp restoreTimestamp `json:"timestamp"`
}

type restoreFactMastery struct {
	ID             string                 `json:"id"`
	PlayerID       string                 `json:"playerId"`
	FactKey        string                 `json:"factKey"`
	TotalAttempts  int                    `json:"totalAttempts"`
	TotalCorrect   int                    `json:"totalCorrect"`
	LastSeen       restoreTimestamp       `json:"lastSeen"`
	AvgResponseMs  float64                `json:"avgResponseMs"`
	FastestMs      int                    `json:"fastestMs"`
	RecentAttempts []restoreRecentAttempt `json:"recentAttempts"`
	MasteryLevel   int                    `json:"masteryLevel"`
}

// BulkRestoreFactMastery inserts a JSON array of exported FactMastery
// rows verbatim, overwriting any existing row with the same ID.
// Privileged: callers must check cfg.IsAuthorizedWorker before invoking
// this.
func BulkRestoreFactMastery(ctx context.Context, kv store.KV, authorized bool, jsonData string) (int, error) {
	if !authorized {
		return 0, raiderrors.ErrNotAuthorizedWorker
	}
	var rows []restoreFactMastery
	if err := json.Unmarshal([]byte(jsonData), &rows); err != nil {
		return 0, fmt.Errorf("player: bulk_restore_fact_mastery: invalid json: %w", err)
	}

	count := 0
	for i, r := range rows {
		if r.ID == "" || r.PlayerID == "" {
			return count, fmt.Errorf("player: bulk_restore_fact_mastery: row %d: missing id/playerId", i)
		}
		attempts := make([]RecentAttempt, len(r.RecentAttempts))
		for j, a := range r.RecentAttempts {
			attempts[j] = RecentAttempt{TimeMs: a.TimeMs, Correct: a.Correct, Timestamp: a.Timestamp.micros()}
		}
		m := &FactMastery{
			ID:             r.ID,
			PlayerID:       r.PlayerID,
			FactKey:        r.FactKey,
			TotalAttempts:  r.TotalAttempts,
			TotalCorrect:   r.TotalCorrect,
			LastSeen:       r.LastSeen.micros(),
			AvgResponseMs:  r.AvgResponseMs,
			FastestMs:      r.FastestMs,
			RecentAttempts: attempts,
			MasteryLevel:   r.MasteryLevel,
		}
		if _, err := SaveMastery(ctx, kv, m, ""); err != nil {
			return count, fmt.Errorf("player: bulk_restore_fact_mastery: row %d: %w", i, err)
		}
		count++
	}
	return count, nil
}

type restorePerformanceSnapshot struct {
	ID                string           `json:"id"`
	PlayerID          string           `json:"playerId"`
	RaidID            string           `json:"raidId"`
	Grade             int              `json:"grade"`
	Track             string           `json:"track"`
	Rank              string           `json:"rank"`
	Division          string           `json:"division"`
	FactsMastered     int              `json:"factsMastered"`
	FactsTotal        int              `json:"factsTotal"`
	ProblemsAttempted int              `json:"problemsAttempted"`
	ProblemsCorrect   int              `json:"problemsCorrect"`
	SessionSeconds    int              `json:"sessionSeconds"`
	Damage            int              `json:"damage"`
	RaidType          string           `json:"raidType"`
	BossLevel         int              `json:"bossLevel"`
	Victory           bool             `json:"victory"`
	CommutativeUnits  int              `json:"commutativeUnits"`
	CreatedAt         restoreTimestamp `json:"createdAt"`
}

// BulkRestorePerformanceSnapshot inserts a JSON array of exported
// PerformanceSnapshot rows verbatim. Snapshots are immutable once
// created, so restored rows are written unconditionally. Privileged:
// callers must check cfg.IsAuthorizedWorker before invoking this.
func BulkRestorePerformanceSnapshot(ctx context.Context, kv store.KV, authorized bool, jsonData string) (int, error) {
	if !authorized {
		return 0, raiderrors.ErrNotAuthorizedWorker
	}
	var rows []restorePerformanceSnapshot
	if err := json.Unmarshal([]byte(jsonData), &rows); err != nil {
		return 0, fmt.Errorf("player: bulk_restore_performance_snapshot: invalid json: %w", err)
	}

	count := 0
	for i, r := range rows {
		if r.ID == "" || r.PlayerID == "" {
			return count, fmt.Errorf("player: bulk_restore_performance_snapshot: row %d: missing id/playerId", i)
		}
		snap := &PerformanceSnapshot{
			ID:                r.ID,
			PlayerID:          r.PlayerID,
			RaidID:            r.RaidID,
			Grade:             r.Grade,
			Track:             r.Track,
			Rank:              Rank(r.Rank),
			Division:          Division(r.Division),
			FactsMastered:     r.FactsMastered,
			FactsTotal:        r.FactsTotal,
			ProblemsAttempted: r.ProblemsAttempted,
			ProblemsCorrect:   r.ProblemsCorrect,
			SessionSeconds:    r.SessionSeconds,
			Damage:            r.Damage,
			RaidType:          RaidType(r.RaidType),
			BossLevel:         r.BossLevel,
			Victory:           r.Victory,
			CommutativeUnits:  r.CommutativeUnits,
			CreatedAt:         r.CreatedAt.micros(),
		}
		if err := SaveSnapshot(ctx, kv, snap); err != nil {
			return count, fmt.Errorf("player: bulk_restore_performance_snapshot: row %d: %w", i, err)
		}
		count++
	}
	return count, nil
}
