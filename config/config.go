// Package config loads server configuration from environment variables and
// defaults using viper, the way rodd-oss-ai-zombie-defense's server does it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Worker  WorkerConfig
	Timing  TimingConfig
	Outbox  OutboxConfig
	Cache   CacheConfig
	Events  EventsConfig
}

// WorkerConfig controls which identities may call privileged, system-only
// RPCs (scheduled handlers, bulk restore, mark_event_sent).
type WorkerConfig struct {
	// AuthorizedUserIDs is the set of Nakama user IDs allowed to invoke
	// privileged RPCs. Empty means only the system caller (userID == "")
	// is trusted, which is the default for scheduled handler invocations.
	AuthorizedUserIDs []string
	JWTSecret         string
}

// TimingConfig holds every duration the raid state machine depends on.
type TimingConfig struct {
	CountdownDuration    time.Duration
	FixedTimeout         time.Duration
	AdaptiveTimeout      time.Duration
	SafetyNetTimeout     time.Duration
	CleanupInterval      time.Duration
	DayBoundaryHourUTC   int
}

// OutboxConfig controls external-XP delivery retry/backoff/TTL behavior.
type OutboxConfig struct {
	MaxAttempts    int
	BackoffUnit    time.Duration
	SentTTL        time.Duration
	UnsentTTL      time.Duration
	// XPBlocklist lists player IDs settlement must never enqueue an
	// external-XP OutboxEvent for (QA/demo accounts with a real
	// external_id+email that should still not post XP upstream).
	XPBlocklist []string
}

// XPBlocklistSet returns o.XPBlocklist as a lookup set for settlement.Settle.
func (o OutboxConfig) XPBlocklistSet() map[string]bool {
	set := make(map[string]bool, len(o.XPBlocklist))
	for _, id := range o.XPBlocklist {
		set[id] = true
	}
	return set
}

// CacheConfig controls the optional Redis-backed leaderboard cache.
type CacheConfig struct {
	RedisAddr string
	TTL       time.Duration
}

// EventsConfig controls the optional NATS structured-event fan-out.
type EventsConfig struct {
	NATSURL string
	Subject string
}

// Load reads configuration from environment variables and defaults.
// Environment variables are uppercase with underscores, e.g. WORKER_JWT_SECRET.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Worker: WorkerConfig{
			AuthorizedUserIDs: v.GetStringSlice("worker_authorized_user_ids"),
			JWTSecret:         v.GetString("worker_jwt_secret"),
		},
		Timing: TimingConfig{
			CountdownDuration:  v.GetDuration("timing_countdown_duration"),
			FixedTimeout:       v.GetDuration("timing_fixed_timeout"),
			AdaptiveTimeout:    v.GetDuration("timing_adaptive_timeout"),
			SafetyNetTimeout:   v.GetDuration("timing_safety_net_timeout"),
			CleanupInterval:    v.GetDuration("timing_cleanup_interval"),
			DayBoundaryHourUTC: v.GetInt("timing_day_boundary_hour_utc"),
		},
		Outbox: OutboxConfig{
			MaxAttempts: v.GetInt("outbox_max_attempts"),
			BackoffUnit: v.GetDuration("outbox_backoff_unit"),
			SentTTL:     v.GetDuration("outbox_sent_ttl"),
			UnsentTTL:   v.GetDuration("outbox_unsent_ttl"),
			XPBlocklist: v.GetStringSlice("outbox_xp_blocklist"),
		},
		Cache: CacheConfig{
			RedisAddr: v.GetString("cache_redis_addr"),
			TTL:       v.GetDuration("cache_ttl"),
		},
		Events: EventsConfig{
			NATSURL: v.GetString("events_nats_url"),
			Subject: v.GetString("events_subject"),
		},
	}

	if path := v.GetString("worker_authorized_users_file"); path != "" {
		ids, err := loadAuthorizedUsersFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Worker.AuthorizedUserIDs = append(cfg.Worker.AuthorizedUserIDs, ids...)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// authorizedUsersFile is the on-disk shape of an optional YAML override
// for the worker allowlist, editable by operators without touching the
// env-var deployment manifest.
type authorizedUsersFile struct {
	AuthorizedUserIDs []string `yaml:"authorized_user_ids"`
}

// loadAuthorizedUsersFile reads and parses an optional YAML file of
// additional authorized worker user IDs, merged on top of
// WORKER_AUTHORIZED_USER_IDS. Absent-file is not an error; callers set
// WORKER_AUTHORIZED_USERS_FILE only when they want this layer.
func loadAuthorizedUsersFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read authorized users file %s: %w", path, err)
	}
	var parsed authorizedUsersFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config: parse authorized users file %s: %w", path, err)
	}
	return parsed.AuthorizedUserIDs, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timing_countdown_duration", 4*time.Second)
	v.SetDefault("timing_fixed_timeout", 120*time.Second)
	v.SetDefault("timing_adaptive_timeout", 150*time.Second)
	v.SetDefault("timing_safety_net_timeout", 180*time.Second)
	v.SetDefault("timing_cleanup_interval", 30*time.Second)
	v.SetDefault("timing_day_boundary_hour_utc", 8)

	v.SetDefault("outbox_max_attempts", 5)
	v.SetDefault("outbox_backoff_unit", time.Minute)
	v.SetDefault("outbox_sent_ttl", 7*24*time.Hour)
	v.SetDefault("outbox_unsent_ttl", 7*24*time.Hour)

	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("events_subject", "mathraid.events")
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("worker_authorized_user_ids", "WORKER_AUTHORIZED_USER_IDS")
	_ = v.BindEnv("worker_authorized_users_file", "WORKER_AUTHORIZED_USERS_FILE")
	_ = v.BindEnv("worker_jwt_secret", "WORKER_JWT_SECRET")

	_ = v.BindEnv("timing_countdown_duration", "TIMING_COUNTDOWN_DURATION")
	_ = v.BindEnv("timing_fixed_timeout", "TIMING_FIXED_TIMEOUT")
	_ = v.BindEnv("timing_adaptive_timeout", "TIMING_ADAPTIVE_TIMEOUT")
	_ = v.BindEnv("timing_safety_net_timeout", "TIMING_SAFETY_NET_TIMEOUT")
	_ = v.BindEnv("timing_cleanup_interval", "TIMING_CLEANUP_INTERVAL")
	_ = v.BindEnv("timing_day_boundary_hour_utc", "TIMING_DAY_BOUNDARY_HOUR_UTC")

	_ = v.BindEnv("outbox_max_attempts", "OUTBOX_MAX_ATTEMPTS")
	_ = v.BindEnv("outbox_backoff_unit", "OUTBOX_BACKOFF_UNIT")
	_ = v.BindEnv("outbox_sent_ttl", "OUTBOX_SENT_TTL")
	_ = v.BindEnv("outbox_unsent_ttl", "OUTBOX_UNSENT_TTL")
	_ = v.BindEnv("outbox_xp_blocklist", "OUTBOX_XP_BLOCKLIST")

	_ = v.BindEnv("cache_redis_addr", "CACHE_REDIS_ADDR")
	_ = v.BindEnv("cache_ttl", "CACHE_TTL")

	_ = v.BindEnv("events_nats_url", "EVENTS_NATS_URL")
	_ = v.BindEnv("events_subject", "EVENTS_SUBJECT")
}

func validate(cfg *Config) error {
	if cfg.Timing.CountdownDuration <= 0 {
		return fmt.Errorf("config: timing_countdown_duration must be positive")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("config: outbox_max_attempts must be positive")
	}
	return nil
}

// TimeoutFor returns the InProgress timeout for the given boss level.
// Adaptive bosses (level 0 or >= 100) get the longer timeout.
func (t TimingConfig) TimeoutFor(bossLevel int) time.Duration {
	if bossLevel == 0 || bossLevel >= 100 {
		return t.AdaptiveTimeout
	}
	return t.FixedTimeout
}

// IsAuthorizedWorker reports whether userID may invoke privileged RPCs.
// The system caller (empty userID, used by scheduled handler invocations)
// is always authorized; otherwise userID must be in AuthorizedUserIDs.
func (w WorkerConfig) IsAuthorizedWorker(userID string) bool {
	if userID == "" {
		return true
	}
	for _, id := range w.AuthorizedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
