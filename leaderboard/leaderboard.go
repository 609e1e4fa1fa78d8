// Package leaderboard rebuilds the per-grade ranked view (spec §4.9):
// every player in a grade sorted by mastery desc, speed desc, player_id
// asc, with tie-aware positions, plus an optional Redis read-through
// cache for the hot read path.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"mathraid-server/config"
	"mathraid-server/mathfacts"
	"mathraid-server/player"
	"mathraid-server/store"
)

const collectionEntries = "leaderboard"

func gradeOwner(grade int) string {
	return "grade-" + strconv.Itoa(grade)
}

// Entry is one persisted leaderboard row.
type Entry struct {
	Grade      int             `json:"grade"`
	PlayerID   string          `json:"player_id"`
	PlayerName string          `json:"player_name"`
	MasteryPct float64         `json:"mastery_pct"`
	SpeedPct   float64         `json:"speed_pct"`
	Position   int             `json:"position"`
	Rank       player.Rank     `json:"rank"`
	Division   player.Division `json:"division"`
}

// speedPercent is the fraction of p's last-three attempts per grade fact
// that were both correct and at or under the grade's speed threshold,
// averaged across every fact the grade defines (unattempted facts count
// as 0 contribution, matching the spec's "averaged over grade-appropriate
// facts" wording).
func speedPercent(grade int, mastery map[string]*player.FactMastery) float64 {
	facts := mathfacts.FactsFor(grade, "ALL")
	if len(facts) == 0 {
		return 0
	}
	t := player.SpeedThresholdMs(grade)

	total := 0.0
	for _, f := range facts {
		m, ok := mastery[f.Key()]
		if !ok {
			continue
		}
		attempts := m.RecentAttempts
		if len(attempts) > 3 {
			attempts = attempts[len(attempts)-3:]
		}
		if len(attempts) == 0 {
			continue
		}
		fast := 0
		for _, a := range attempts {
			if a.Correct && a.TimeMs <= t {
				fast++
			}
		}
		total += float64(fast) / float64(len(attempts))
	}
	return 100 * total / float64(len(facts))
}

// Rebuild deletes every existing leaderboard row for grade and recomputes
// it from scratch over every player currently in that grade, also
// writing each player's Rank (from their mastery percentage) and
// Division (from their position within that rank band) back to the
// player row.
func Rebuild(ctx context.Context, kv store.KV, grade int) error {
	owner := gradeOwner(grade)
	existing, err := kv.List(ctx, collectionEntries, owner)
	if err != nil {
		return fmt.Errorf("leaderboard: list existing grade %d: %w", grade, err)
	}
	for _, rec := range existing {
		if err := kv.Delete(ctx, collectionEntries, rec.Key, owner); err != nil {
			return fmt.Errorf("leaderboard: delete stale %s: %w", rec.Key, err)
		}
	}

	all, err := player.ListAll(ctx, kv)
	if err != nil {
		return err
	}

	type enriched struct {
		entry    player.RankedEntry
		p        *player.Player
		rec      store.Record
		masteryM map[string]*player.FactMastery
	}
	var rows []enriched
	for _, p := range all {
		if p.Grade != grade {
			continue
		}
		masteryRows, err := player.ListMastery(ctx, kv, p.PlayerID)
		if err != nil {
			return err
		}
		byKey := make(map[string]*player.FactMastery, len(masteryRows))
		for _, m := range masteryRows {
			byKey[m.FactKey] = m
		}
		counts, err := player.CountMastery(ctx, kv, p.PlayerID, grade)
		if err != nil {
			return err
		}
		_, rec, err := player.Get(ctx, kv, p.PlayerID)
		if err != nil {
			return err
		}
		rows = append(rows, enriched{
			entry: player.RankedEntry{
				PlayerID:   p.PlayerID,
				MasteryPct: counts.Percent(),
				SpeedPct:   speedPercent(grade, byKey),
			},
			p: p, rec: rec, masteryM: byKey,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	ranked := make([]player.RankedEntry, len(rows))
	for i, r := range rows {
		ranked[i] = r.entry
	}
	ranked = player.RankEntries(ranked)

	rankOf := make(map[string]player.Rank, len(rows))
	for i := range rows {
		rankOf[ranked[i].PlayerID] = player.RankForPercent(ranked[i].MasteryPct)
	}
	bandSize := make(map[player.Rank]int)
	for _, rk := range rankOf {
		bandSize[rk]++
	}
	seenInBand := make(map[player.Rank]int)

	for i, re := range ranked {
		var row enriched
		for _, r := range rows {
			if r.p.PlayerID == re.PlayerID {
				row = r
				break
			}
		}
		rk := rankOf[re.PlayerID]
		position := seenInBand[rk]
		division := player.DivisionForPosition(rk, position, bandSize[rk])
		seenInBand[rk]++

		row.p.Rank = rk
		row.p.Division = division
		if _, err := player.Save(ctx, kv, row.p, row.rec.Version); err != nil {
			return err
		}

		entry := Entry{
			Grade: grade, PlayerID: re.PlayerID, PlayerName: row.p.DisplayName,
			MasteryPct: re.MasteryPct, SpeedPct: re.SpeedPct, Position: ranked[i].Position,
			Rank: rk, Division: division,
		}
		if _, err := store.PutJSON(ctx, kv, collectionEntries, re.PlayerID, owner, entry, ""); err != nil {
			return fmt.Errorf("leaderboard: save entry %s: %w", re.PlayerID, err)
		}
	}
	return nil
}

// List returns the persisted leaderboard for grade, ordered by position.
func List(ctx context.Context, kv store.KV, grade int) ([]*Entry, error) {
	rows, err := store.ListJSON[Entry](ctx, kv, collectionEntries, gradeOwner(grade))
	if err != nil {
		return nil, fmt.Errorf("leaderboard: list grade %d: %w", grade, err)
	}
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			if rows[j].Position < rows[i].Position {
				rows[i], rows[j] = rows[j], rows[i]
			}
		}
	}
	return rows, nil
}

// Cache is an optional Redis read-through cache in front of List, used
// when config.CacheConfig.RedisAddr is set; falls back to direct store
// reads when nil or unconfigured.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache constructs a Cache from config, or returns nil if RedisAddr
// is unset (callers should treat a nil *Cache as "go straight to List").
func NewCache(cfg config.CacheConfig) *Cache {
	if cfg.RedisAddr == "" {
		return nil
	}
	return &Cache{
		rdb: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		ttl: cfg.TTL,
	}
}

func cacheKey(grade int) string {
	return "leaderboard:grade:" + strconv.Itoa(grade)
}

// Get returns the cached leaderboard for grade, or (nil, false) on a
// miss or when the cache is unconfigured.
func (c *Cache) Get(ctx context.Context, grade int) ([]*Entry, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, cacheKey(grade)).Bytes()
	if err != nil {
		return nil, false
	}
	var entries []*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

// Set populates the cache for grade. A no-op on a nil Cache.
func (c *Cache) Set(ctx context.Context, grade int, entries []*Entry) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("leaderboard: encode cache entry: %w", err)
	}
	return c.rdb.Set(ctx, cacheKey(grade), raw, c.ttl).Err()
}

// Invalidate drops the cached leaderboard for grade, called after Rebuild.
func (c *Cache) Invalidate(ctx context.Context, grade int) error {
	if c == nil {
		return nil
	}
	return c.rdb.Del(ctx, cacheKey(grade)).Err()
}

// ListCached reads through Cache before falling back to List, populating
// the cache on a miss.
func ListCached(ctx context.Context, kv store.KV, cache *Cache, grade int) ([]*Entry, error) {
	if entries, ok := cache.Get(ctx, grade); ok {
		return entries, nil
	}
	entries, err := List(ctx, kv, grade)
	if err != nil {
		return nil, err
	}
	_ = cache.Set(ctx, grade, entries)
	return entries, nil
}
