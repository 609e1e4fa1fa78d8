// Package outbox implements the external-XP delivery queue (spec §4.8):
// events are enqueued at raid settlement, pulled and acknowledged by an
// external worker via mark_event_sent, and swept on a TTL once they are
// too old to matter either way.
package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mathraid-server/config"
	raiderrors "mathraid-server/errors"
	"mathraid-server/store"
)

const collectionEvents = "outbox_events"

// Payload is the external-XP event body, matching the spec's field names
// and casing exactly since it's serialized as-is for the external worker.
type Payload struct {
	TimebackID          string  `json:"timebackId"`
	Email               string  `json:"email"`
	Grade               int     `json:"grade"`
	ResourceID          string  `json:"resourceId"`
	RaidEndTime         string  `json:"raidEndTime"`
	RaidDurationMinutes float64 `json:"raidDurationMinutes"`
	XPEarned            float64 `json:"xpEarned"`
	TotalQuestions      int     `json:"totalQuestions"`
	CorrectQuestions    int     `json:"correctQuestions"`
	MasteredUnits       int     `json:"masteredUnits"`
	Process             bool    `json:"process"`
	Attempt             string  `json:"attempt"`
}

// Event is one outbox row.
type Event struct {
	ID          string  `json:"id"`
	PlayerID    string  `json:"player_id"`
	RaidID      string  `json:"raid_id"`
	Payload     Payload `json:"payload"`
	CreatedAt   int64   `json:"created_at"` // unix micros
	Sent        bool    `json:"sent"`
	SentAt      int64   `json:"sent_at,omitempty"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error,omitempty"`
	NextRetryAt int64   `json:"next_retry_at,omitempty"`
}

// FormatTimestamp renders t per the spec's exact-three-fractional-digits,
// trailing-Z requirement.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func eventID(raidID, playerID string) string {
	return raidID + ":" + playerID
}

// Enqueue writes a new, unsent event. Events are always enqueued even
// when xp is 0, so external accuracy tracking is preserved.
func Enqueue(ctx context.Context, kv store.KV, playerID, raidID string, payload Payload, now time.Time) error {
	e := &Event{
		ID:        eventID(raidID, playerID),
		PlayerID:  playerID,
		RaidID:    raidID,
		Payload:   payload,
		CreatedAt: now.UnixMicro(),
	}
	if _, err := store.PutJSON(ctx, kv, collectionEvents, e.ID, playerID, e, ""); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", e.ID, err)
	}
	return nil
}

func get(ctx context.Context, kv store.KV, eventID string) (*Event, store.Record, error) {
	e, rec, err := store.GetJSON[Event](ctx, kv, collectionEvents, eventID, store.System)
	if err == store.ErrNotFound {
		return nil, store.Record{}, raiderrors.ErrEventNotFound
	}
	if err != nil {
		return nil, store.Record{}, fmt.Errorf("outbox: get %s: %w", eventID, err)
	}
	return e, rec, nil
}

// ListUnsent returns every unsent event, oldest created_at first, for an
// external worker to pull.
func ListUnsent(ctx context.Context, kv store.KV) ([]*Event, error) {
	all, err := store.ListJSON[Event](ctx, kv, collectionEvents, store.System)
	if err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	var unsent []*Event
	for _, e := range all {
		if !e.Sent {
			unsent = append(unsent, e)
		}
	}
	sort.Slice(unsent, func(i, j int) bool { return unsent[i].CreatedAt < unsent[j].CreatedAt })
	return unsent, nil
}

// MarkEventSent is the privileged mark_event_sent handler body: gated on
// callerID being an authorized worker, it records success or failure per
// the spec's retry/dead-letter rule.
func MarkEventSent(ctx context.Context, kv store.KV, cfg config.WorkerConfig, callerID, eventID string, failure string, now time.Time) error {
	if !cfg.IsAuthorizedWorker(callerID) {
		return raiderrors.ErrNotAuthorizedWorker
	}

	e, rec, err := get(ctx, kv, eventID)
	if err != nil {
		return err
	}

	if failure == "" {
		e.Sent = true
		e.SentAt = now.UnixMicro()
		e.LastError = ""
	} else {
		e.Attempts++
		e.LastError = failure
		if e.Attempts >= 5 {
			e.Sent = true
			e.SentAt = now.UnixMicro()
		} else {
			backoff := time.Duration(1<<min(e.Attempts, 4)) * time.Minute
			e.NextRetryAt = now.Add(backoff).UnixMicro()
		}
	}

	if _, err := store.PutJSON(ctx, kv, collectionEvents, e.ID, e.PlayerID, e, rec.Version); err != nil {
		return fmt.Errorf("outbox: mark sent %s: %w", eventID, err)
	}
	return nil
}

// DeadLetterLogger receives the full payload of an unsent event that aged
// out past its TTL, for a structured error log (and optionally an
// external fan-out) before it is deleted.
type DeadLetterLogger func(e *Event)

// SweepTTL deletes sent events older than cfg.SentTTL past sent_at, and
// deletes unsent events older than cfg.UnsentTTL past created_at after
// handing each to onDeadLetter.
func SweepTTL(ctx context.Context, kv store.KV, cfg config.OutboxConfig, onDeadLetter DeadLetterLogger, now time.Time) error {
	all, err := store.ListJSON[Event](ctx, kv, collectionEvents, store.System)
	if err != nil {
		return fmt.Errorf("outbox: sweep list: %w", err)
	}

	for _, e := range all {
		switch {
		case e.Sent && e.SentAt > 0 && now.Sub(time.UnixMicro(e.SentAt)) > cfg.SentTTL:
			if err := kv.Delete(ctx, collectionEvents, e.ID, e.PlayerID); err != nil {
				return fmt.Errorf("outbox: sweep delete sent %s: %w", e.ID, err)
			}
		case !e.Sent && now.Sub(time.UnixMicro(e.CreatedAt)) > cfg.UnsentTTL:
			if onDeadLetter != nil {
				onDeadLetter(e)
			}
			if err := kv.Delete(ctx, collectionEvents, e.ID, e.PlayerID); err != nil {
				return fmt.Errorf("outbox: sweep delete unsent %s: %w", e.ID, err)
			}
		}
	}
	return nil
}
