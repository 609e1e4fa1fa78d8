package player

import (
	"context"
	"fmt"
	"sort"

	"mathraid-server/store"
)

const collectionSnapshots = "performance_snapshots"

// RaidType distinguishes solo from squad encounters for reporting.
type RaidType string

const (
	RaidTypeSolo         RaidType = "solo"
	RaidTypeMultiplayer  RaidType = "multiplayer"
)

// PerformanceSnapshot is an immutable per-raid, per-player record written
// at settlement, used both for external reporting and to blend adaptive
// boss HP for this player's future raids.
type PerformanceSnapshot struct {
	ID                string   `json:"id"`
	PlayerID          string   `json:"player_id"`
	RaidID            string   `json:"raid_id"`
	Grade             int      `json:"grade"`
	Track             string   `json:"track,omitempty"`
	Rank              Rank     `json:"rank"`
	Division          Division `json:"division"`
	FactsMastered     int      `json:"facts_mastered"`
	FactsTotal        int      `json:"facts_total"`
	ProblemsAttempted int      `json:"problems_attempted"`
	ProblemsCorrect   int      `json:"problems_correct"`
	SessionSeconds    int      `json:"session_seconds"`
	Damage            int      `json:"damage"`
	RaidType          RaidType `json:"raid_type"`
	BossLevel         int      `json:"boss_level"`
	Victory           bool     `json:"victory"`
	CommutativeUnits  int      `json:"commutative_units"`
	CreatedAt         int64    `json:"created_at"` // unix micros
}

// DamagePerMinute is the adaptive-HP blend's input metric.
func (s *PerformanceSnapshot) DamagePerMinute() float64 {
	if s.SessionSeconds <= 0 {
		return 0
	}
	return float64(s.Damage) / (float64(s.SessionSeconds) / 60.0)
}

func snapshotID(raidID, playerID string) string {
	return raidID + ":" + playerID
}

// SaveSnapshot persists an immutable PerformanceSnapshot. Snapshots are
// never updated after creation, so no OCC version is threaded through.
func SaveSnapshot(ctx context.Context, kv store.KV, s *PerformanceSnapshot) error {
	if s.ID == "" {
		s.ID = snapshotID(s.RaidID, s.PlayerID)
	}
	if _, err := store.PutJSON(ctx, kv, collectionSnapshots, s.ID, s.PlayerID, s, ""); err != nil {
		return fmt.Errorf("player: save snapshot %s: %w", s.ID, err)
	}
	return nil
}

// RecentSnapshotsForGrade returns up to limit of the player's most
// recent PerformanceSnapshots matching grade (and track, when track is
// non-empty), newest first.
func RecentSnapshotsForGrade(ctx context.Context, kv store.KV, playerID string, grade int, track string, limit int) ([]*PerformanceSnapshot, error) {
	all, err := store.ListJSON[PerformanceSnapshot](ctx, kv, collectionSnapshots, playerID)
	if err != nil {
		return nil, fmt.Errorf("player: list snapshots for %s: %w", playerID, err)
	}

	var matched []*PerformanceSnapshot
	for _, s := range all {
		if s.Grade != grade {
			continue
		}
		if track != "" && s.Track != track {
			continue
		}
		matched = append(matched, s)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
