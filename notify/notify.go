// Package notify provides unified notification types and helpers for
// server-to-client communication, following the teacher's
// NotificationSend-wrapper idiom (one typed payload struct per concern,
// marshaled to a map[string]interface{} and shipped through
// runtime.NakamaModule.NotificationSend).
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heroiclabs/nakama-common/runtime"

	"mathraid-server/settlement"
)

// Notification codes for the client's notification dispatcher.
const (
	CodeToast         = 1 // Simple toast notifications
	CodeRaidSettled   = 2 // End-of-raid settlement summary
	CodeCenterMessage = 3 // Center flyout message
	CodeMatchmaking   = 6 // Matchmaking/lobby events (countdown, boss defeated)
	CodeAnnouncement  = 8 // Maintenance/server announcements
)

// SettlementPayload is the client-facing shape of one settlement.Result,
// sent to each member once Settle returns.
type SettlementPayload struct {
	RaidID      string `json:"raid_id"`
	Victory     bool   `json:"victory"`
	Points      int    `json:"points"`
	ChestBonus  int    `json:"chest_bonus,omitempty"`
	TrackMaster bool   `json:"track_master"`
	XPEnqueued  bool   `json:"xp_enqueued"`
}

// SendSettlement notifies one player of their settlement.Result.
func SendSettlement(ctx context.Context, nk runtime.NakamaModule, raidID string, victory bool, res settlement.Result) error {
	payload := SettlementPayload{
		RaidID:      raidID,
		Victory:     victory,
		Points:      res.Points,
		ChestBonus:  res.ChestRoll,
		TrackMaster: res.TrackMaster,
		XPEnqueued:  res.XPEnqueued,
	}
	content, err := toContent(payload)
	if err != nil {
		return err
	}
	title := "Raid complete"
	return nk.NotificationSend(ctx, res.PlayerID, title, content, CodeRaidSettled, "", true)
}

// SendToast sends a simple toast notification.
func SendToast(ctx context.Context, nk runtime.NakamaModule, userID, message string) error {
	content := map[string]interface{}{"message": message}
	return nk.NotificationSend(ctx, userID, message, content, CodeToast, "", false)
}

// SendCenterMessage sends a center flyout message, e.g. countdown ticks
// or "boss defeated" call-outs during an active raid.
func SendCenterMessage(ctx context.Context, nk runtime.NakamaModule, userID, message string, duration float64) error {
	content := map[string]interface{}{
		"message":  message,
		"duration": duration,
	}
	return nk.NotificationSend(ctx, userID, message, content, CodeCenterMessage, "", false)
}

// SendAnnouncement sends a persistent server announcement (e.g. a
// maintenance window affecting the raid queue).
func SendAnnouncement(ctx context.Context, nk runtime.NakamaModule, userID, title, body string) error {
	content := map[string]interface{}{
		"title": title,
		"body":  body,
	}
	return nk.NotificationSend(ctx, userID, title, content, CodeAnnouncement, "", true)
}

func toContent(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal: %w", err)
	}
	var content map[string]interface{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("notify: unmarshal: %w", err)
	}
	return content, nil
}
