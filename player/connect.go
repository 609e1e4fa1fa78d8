package player

import (
	"context"
	"strings"
	"time"

	"mathraid-server/store"
)

// dayBoundaryHour is the UTC hour at which a new "day" begins for quest
// reset purposes (08:00 UTC, per the spec).
const dayBoundaryHour = 8

// dayBucket returns the integer day index for t under the 08:00 UTC
// boundary: timestamps before 08:00 UTC belong to the previous day.
func dayBucket(t time.Time) int64 {
	shifted := t.UTC().Add(-dayBoundaryHour * time.Hour)
	return shifted.Unix() / int64((24 * time.Hour).Seconds())
}

// weekBucket returns the integer week index for t under the Monday
// 08:00 UTC boundary.
func weekBucket(t time.Time) int64 {
	shifted := t.UTC().Add(-dayBoundaryHour * time.Hour)
	// Anchor to a known Monday (1970-01-05 is a Monday) so integer
	// division yields a stable week index.
	anchor := time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)
	days := shifted.Sub(anchor).Hours() / 24
	return int64(days) / 7
}

// daysSince returns the whole number of day-buckets between from and to.
func daysSince(from, to time.Time) int64 {
	return dayBucket(to) - dayBucket(from)
}

// IsNewDay reports whether now falls in a later day-bucket than the
// unix-micros timestamp lastMicros (0 counts as a new day).
func IsNewDay(lastMicros int64, now time.Time) bool {
	if lastMicros == 0 {
		return true
	}
	return dayBucket(now) != dayBucket(time.UnixMicro(lastMicros))
}

// ConnectInput carries the optional fields a connect() call may supply.
type ConnectInput struct {
	Name       string
	Grade      *int
	ExternalID string
	Email      string
}

// GradeChange reports a player's grade moving from Old to New, so the
// caller can rebuild the leaderboards for both grades (ApplyConnect
// itself never touches the leaderboard package, to avoid an import
// cycle with raid).
type GradeChange struct {
	Old int
	New int
}

// ApplyConnect runs the per-session maintenance steps from the spec's
// connect() handler: quest boundary resets, grade change + rank
// recompute, and identity field updates. It does not touch raid
// membership — callers handle that separately since it needs the raid
// package, which would create an import cycle if pulled in here.
// Returns a non-nil GradeChange when the player's grade moved, so the
// caller can rebuild the affected leaderboards.
func ApplyConnect(ctx context.Context, kv store.KV, p *Player, in ConnectInput, now time.Time) (*GradeChange, error) {
	last := time.UnixMicro(p.LastPlayed)
	if p.LastPlayed == 0 {
		last = now
	}

	if dayBucket(now) != dayBucket(last) {
		resetDailyQuests(p)
		if p.LastRaid != "" && daysSince(last, now) > 1 {
			p.Quests["daily_streak"] = 0
		}
	}

	lastWeekly := time.UnixMicro(p.LastWeeklyReset)
	if p.LastWeeklyReset == 0 {
		lastWeekly = now
	}
	if weekBucket(now) != weekBucket(lastWeekly) {
		resetWeeklyQuests(p)
		p.LastWeeklyReset = now.UnixMicro()
	}

	var change *GradeChange
	if in.Grade != nil {
		newGrade := ClampGrade(*in.Grade)
		if newGrade != p.Grade {
			oldGrade := p.Grade
			p.Grade = newGrade
			if err := recomputeMasteryForGradeChange(ctx, kv, p, oldGrade); err != nil {
				return nil, err
			}
			if err := RecomputeRank(ctx, kv, p); err != nil {
				return nil, err
			}
			change = &GradeChange{Old: oldGrade, New: newGrade}
		}
	}

	if in.Name != "" {
		p.DisplayName = in.Name
	}
	if in.ExternalID != "" {
		p.ExternalID = in.ExternalID
	}
	if in.Email != "" {
		p.Email = in.Email
	}

	p.LastPlayed = now.UnixMicro()
	return change, nil
}

// resetDailyQuests zeroes every quest counter whose key starts with
// "daily_", except keys containing "streak" (daily_streak survives a
// plain day rollover; it's only cleared by the > 1 day gap rule above).
func resetDailyQuests(p *Player) {
	for k := range p.Quests {
		if strings.HasPrefix(k, "daily_") && !strings.Contains(k, "streak") {
			p.Quests[k] = 0
		}
	}
}

func resetWeeklyQuests(p *Player) {
	for k := range p.Quests {
		if strings.HasPrefix(k, "weekly_") {
			p.Quests[k] = 0
		}
	}
}

// recomputeMasteryForGradeChange recalculates mastery_level for every
// fact mastery row the player owns, since the speed threshold T is
// grade-dependent. It makes a single pass using the new grade's T;
// oldGrade is not used in the computation.
func recomputeMasteryForGradeChange(ctx context.Context, kv store.KV, p *Player, oldGrade int) error {
	rows, err := ListMastery(ctx, kv, p.PlayerID)
	if err != nil {
		return err
	}
	for _, m := range rows {
		recomputed := computeMasteryLevel(m.RecentAttempts, p.Grade)
		if recomputed == m.MasteryLevel {
			continue
		}
		m.MasteryLevel = recomputed
		if _, err := SaveMastery(ctx, kv, m, ""); err != nil {
			return err
		}
	}
	_ = oldGrade // threshold recompute only depends on the new grade; old grade is informational
	return nil
}
