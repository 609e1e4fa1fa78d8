// Package events publishes structured, operator-facing milestone and
// failure notices — Track Master unlocks, outbox dead-letters — as JSON
// lines to a zerolog.Logger and, when config.EventsConfig.NATSURL is set,
// fans the same payload out over NATS for any downstream subscriber.
// Publishing a nil *Publisher (unconfigured NATS) still logs; only the
// fan-out is skipped.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"mathraid-server/config"
)

// Kind identifies the category of a published event.
type Kind string

const (
	KindTrackMaster  Kind = "track_master"
	KindDeadLetter   Kind = "outbox_dead_letter"
	KindRaidVictory  Kind = "raid_victory"
	KindRaidFailed   Kind = "raid_failed"
)

// Event is the wire/log shape for every published notice.
type Event struct {
	Kind      Kind                   `json:"kind"`
	PlayerID  string                 `json:"player_id,omitempty"`
	RaidID    string                 `json:"raid_id,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher logs every event and, when configured, also publishes it to
// a NATS subject. The zero value is unusable; build one with New.
type Publisher struct {
	logger  zerolog.Logger
	nc      *nats.Conn
	subject string
}

// New connects to NATS when cfg.NATSURL is set. A connection failure is
// logged and degrades to log-only, matching the rest of the server's
// "optional infra, never fatal at boot" posture for Redis and NATS.
func New(cfg config.EventsConfig, logger zerolog.Logger) *Publisher {
	p := &Publisher{logger: logger, subject: cfg.Subject}
	if cfg.NATSURL == "" {
		return p
	}
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("events: nats connect failed, falling back to log-only")
		return p
	}
	p.nc = nc
	return p
}

// Close releases the underlying NATS connection, if any.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

func (p *Publisher) publish(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	logLine := p.logger.Info()
	if e.PlayerID != "" {
		logLine = logLine.Str("player", e.PlayerID)
	}
	if e.RaidID != "" {
		logLine = logLine.Str("raid", e.RaidID)
	}
	for k, v := range e.Data {
		logLine = logLine.Interface(k, v)
	}
	logLine.Str("kind", string(e.Kind)).Msg("event")

	if p.nc == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn().Err(err).Msg("events: marshal for nats publish failed")
		return
	}
	if err := p.nc.Publish(p.subject, raw); err != nil {
		p.logger.Warn().Err(err).Msg("events: nats publish failed")
	}
}

// TrackMaster reports a player reaching the Track Master milestone on a
// grade's goal boss.
func (p *Publisher) TrackMaster(playerID string, grade, boss int) {
	if p == nil {
		return
	}
	p.publish(Event{
		Kind:     KindTrackMaster,
		PlayerID: playerID,
		Data:     map[string]interface{}{"grade": grade, "boss": boss},
	})
}

// DeadLetter reports an outbox event dropped after exhausting its retry
// budget.
func (p *Publisher) DeadLetter(eventID, playerID, raidID, lastError string, attempts int) {
	if p == nil {
		return
	}
	p.publish(Event{
		Kind:     KindDeadLetter,
		PlayerID: playerID,
		RaidID:   raidID,
		Data:     map[string]interface{}{"event_id": eventID, "attempts": attempts, "last_error": lastError},
	})
}

// RaidEnded reports a raid reaching Victory or Failed, for operator
// dashboards that want raid-level volume without per-player noise.
func (p *Publisher) RaidEnded(raidID string, victory bool, bossLevel, memberCount int) {
	if p == nil {
		return
	}
	kind := KindRaidFailed
	if victory {
		kind = KindRaidVictory
	}
	p.publish(Event{
		Kind:   kind,
		RaidID: raidID,
		Data:   map[string]interface{}{"boss_level": bossLevel, "members": memberCount},
	})
}
