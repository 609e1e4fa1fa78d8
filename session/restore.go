// Bulk restore reducer for disaster recovery: bulk_restore_player accepts
// a JSON array in the admin-panel export shape (camelCase keys, SDK
// timestamp wrapper) and inserts Player rows verbatim, bypassing OCC.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	raiderrors "mathraid-server/errors"
	"mathraid-server/player"
	"mathraid-server/store"
)

// sdkTimestamp unwraps the SpacetimeDB SDK's JSON timestamp shape:
// {"__timestamp_micros_since_unix_epoch__": "123456"}.
type sdkTimestamp struct {
	MicrosStr string `json:"__timestamp_micros_since_unix_epoch__"`
}

func (t sdkTimestamp) micros() int64 {
	v, _ := strconv.ParseInt(t.MicrosStr, 10, 64)
	return v
}

type restorePlayer struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Grade           int          `json:"grade"`
	Rank            string       `json:"rank"`
	TotalProblems   int          `json:"totalProblems"`
	TotalCorrect    int          `json:"totalCorrect"`
	AvgResponseMs   float64      `json:"avgResponseMs"`
	BestResponseMs  int          `json:"bestResponseMs"`
	TotalRaids      int          `json:"totalRaids"`
	Quests          string       `json:"quests"` // JSON-encoded map[string]int
	LastPlayed      sdkTimestamp `json:"lastPlayed"`
	LastWeeklyReset sdkTimestamp `json:"lastWeeklyReset"`
	TotalAP         int          `json:"totalAp"`
	InRaidID        string       `json:"inRaidId"`
	TimebackID      string       `json:"timebackId"`
	Email           string       `json:"email"`
}

// BulkRestorePlayer inserts a JSON array of exported player rows
// verbatim, overwriting any existing row with the same ID. Privileged:
// callers must check cfg.IsAuthorizedWorker before invoking this.
func BulkRestorePlayer(ctx context.Context, kv store.KV, authorized bool, jsonData string) (int, error) {
	if !authorized {
		return 0, raiderrors.ErrNotAuthorizedWorker
	}
	var rows []restorePlayer
	if err := json.Unmarshal([]byte(jsonData), &rows); err != nil {
		return 0, fmt.Errorf("session: bulk_restore_player: invalid json: %w", err)
	}

	count := 0
	for i, r := range rows {
		if r.ID == "" {
			return count, fmt.Errorf("session: bulk_restore_player: row %d: missing id", i)
		}
		quests := make(map[string]int)
		if r.Quests != "" {
			if err := json.Unmarshal([]byte(r.Quests), &quests); err != nil {
				return count, fmt.Errorf("session: bulk_restore_player: row %d: invalid quests: %w", i, err)
			}
		}
		p := &player.Player{
			PlayerID:        r.ID,
			DisplayName:     r.Name,
			Grade:           r.Grade,
			Rank:            player.Rank(r.Rank),
			TotalProblems:   r.TotalProblems,
			TotalCorrect:    r.TotalCorrect,
			AvgResponseMs:   r.AvgResponseMs,
			BestResponseMs:  r.BestResponseMs,
			TotalRaids:      r.TotalRaids,
			Quests:          quests,
			LastPlayed:      r.LastPlayed.micros(),
			LastWeeklyReset: r.LastWeeklyReset.micros(),
			TotalAP:         r.TotalAP,
			InRaidID:        r.InRaidID,
			ExternalID:      r.TimebackID,
			Email:           r.Email,
		}
		if _, err := player.Save(ctx, kv, p, ""); err != nil {
			return count, fmt.Errorf("session: bulk_restore_player: row %d: %w", i, err)
		}
		count++
	}
	return count, nil
}
