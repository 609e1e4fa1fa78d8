// Package player owns the Player and FactMastery tables: long-lived
// per-player stats, per-fact mastery records, and the rank/division
// projection computed from them.
package player


const (
	collectionPlayers = "players"
	collectionMastery = "fact_mastery"

	// BestResponseSentinel is the initial value of Player.BestResponseMs
	// before any answer has been recorded, per the spec's "sentinel
	// maximum" invariant.
	BestResponseSentinel = 60_000
)

// Rank is the player's current tier, driven off mastery percentage.
type Rank string

const (
	RankNone      Rank = ""
	RankBronze    Rank = "bronze"
	RankSilver    Rank = "silver"
	RankGold      Rank = "gold"
	RankDiamond   Rank = "diamond"
	RankLegendary Rank = "legendary"
)

// Division subdivides a rank band; skipped entirely for legendary.
type Division string

const (
	DivisionNone Division = ""
	DivisionI    Division = "I"
	DivisionII   Division = "II"
	DivisionIII  Division = "III"
	DivisionIV   Division = "IV"
)

// Player is the long-lived per-player profile row.
type Player struct {
	PlayerID        string         `json:"player_id"`
	DisplayName     string         `json:"display_name"`
	Grade           int            `json:"grade"`
	Rank            Rank           `json:"rank"`
	Division        Division       `json:"division"`
	TotalProblems   int            `json:"total_problems"`
	TotalCorrect    int            `json:"total_correct"`
	AvgResponseMs   float64        `json:"avg_response_ms"`
	BestResponseMs  int            `json:"best_response_ms"`
	TotalRaids      int            `json:"total_raids"`
	Quests          map[string]int `json:"quests"`
	LastPlayed      int64          `json:"last_played"` // unix micros
	LastRaid        string         `json:"last_raid,omitempty"`
	LastRaidAt      int64          `json:"last_raid_at,omitempty"` // unix micros, set at settlement
	LastWeeklyReset int64          `json:"last_weekly_reset"`
	TotalAP         int            `json:"total_ap"`
	InRaidID        string         `json:"in_raid_id,omitempty"`
	ExternalID      string         `json:"external_id,omitempty"`
	Email           string         `json:"email,omitempty"`
}

// NewPlayer constructs a fresh profile with spec-mandated defaults.
func NewPlayer(playerID, displayName string) *Player {
	return &Player{
		PlayerID:       playerID,
		DisplayName:    displayName,
		Grade:          0,
		Rank:           RankBronze,
		BestResponseMs: BestResponseSentinel,
		Quests:         make(map[string]int),
	}
}

// ClampGrade enforces the [0,5] invariant.
func ClampGrade(grade int) int {
	if grade < 0 {
		return 0
	}
	if grade > 5 {
		return 5
	}
	return grade
}

// RecentAttempt is one entry in a FactMastery's rolling attempt history.
type RecentAttempt struct {
	TimeMs    int   `json:"time_ms"`
	Correct   bool  `json:"correct"`
	Timestamp int64 `json:"timestamp"` // unix micros
}

// FactMastery is the server-authoritative mastery cache for one
// (player, fact_key) pair.
type FactMastery struct {
	ID             string          `json:"id"`
	PlayerID       string          `json:"player_id"`
	FactKey        string          `json:"fact_key"`
	TotalAttempts  int             `json:"total_attempts"`
	TotalCorrect   int             `json:"total_correct"`
	LastSeen       int64           `json:"last_seen"` // unix micros
	AvgResponseMs  float64         `json:"avg_response_ms"`
	FastestMs      int             `json:"fastest_ms"`
	RecentAttempts []RecentAttempt `json:"recent_attempts"`
	MasteryLevel   int             `json:"mastery_level"`
}

const maxRecentAttempts = 100

// MasteryID builds the FactMastery primary key for a (player, fact) pair.
func MasteryID(playerID, factKey string) string {
	return playerID + ":" + factKey
}

// NewFactMastery constructs a zero-state mastery row.
func NewFactMastery(playerID, factKey string) *FactMastery {
	return &FactMastery{
		ID:       MasteryID(playerID, factKey),
		PlayerID: playerID,
		FactKey:  factKey,
	}
}

// speedThresholdMs returns the grade-dependent response threshold T used
// by both the damage speed curve and the mastery-level calculation.
func speedThresholdMs(grade int) int {
	switch {
	case grade <= 0:
		return 3000
	case grade <= 3:
		return 2000
	case grade == 4:
		return 1700
	default:
		return 1500
	}
}

// SpeedThresholdMs exports the grade-dependent response threshold T.
func SpeedThresholdMs(grade int) int {
	return speedThresholdMs(grade)
}

// RecordAttempt appends an attempt to the rolling history (capped at 100,
// oldest evicted first), updates the running aggregates, and recomputes
// mastery_level from the last three entries per the grade's threshold.
func (m *FactMastery) RecordAttempt(responseMs int, correct bool, timestamp int64, grade int) {
	m.TotalAttempts++
	if correct {
		m.TotalCorrect++
	}
	m.LastSeen = timestamp

	if correct && (m.FastestMs == 0 || responseMs < m.FastestMs) {
		m.FastestMs = responseMs
	}

	// Running average over all attempts, rebuilt from the previous
	// average and total_attempts; if the new value comes out NaN or of
	// absurd magnitude, the previous average is kept.
	if m.TotalAttempts > 0 {
		prevSum := m.AvgResponseMs * float64(m.TotalAttempts-1)
		newSum := prevSum + float64(responseMs)
		avg := newSum / float64(m.TotalAttempts)
		if !isOverflow(avg) {
			m.AvgResponseMs = avg
		}
	}

	m.RecentAttempts = append(m.RecentAttempts, RecentAttempt{
		TimeMs: responseMs, Correct: correct, Timestamp: timestamp,
	})
	if len(m.RecentAttempts) > maxRecentAttempts {
		m.RecentAttempts = m.RecentAttempts[len(m.RecentAttempts)-maxRecentAttempts:]
	}

	m.MasteryLevel = computeMasteryLevel(m.RecentAttempts, grade)
}

func isOverflow(f float64) bool {
	return f != f || f > 1e15 || f < -1e15 // NaN or absurd magnitude
}

// computeMasteryLevel implements the spec's last-three-attempts rule.
func computeMasteryLevel(attempts []RecentAttempt, grade int) int {
	t := speedThresholdMs(grade)
	last := attempts
	if len(last) > 3 {
		last = last[len(last)-3:]
	}

	fastCorrect := 0  // correct and <= T
	within2T := false // any correct <= 2T
	within3T := false // any correct <= 3T
	correctCount := 0

	for _, a := range last {
		if !a.Correct {
			continue
		}
		correctCount++
		if a.TimeMs <= t {
			fastCorrect++
		}
		if a.TimeMs <= 2*t {
			within2T = true
		}
		if a.TimeMs <= 3*t {
			within3T = true
		}
	}

	switch {
	case fastCorrect >= 2:
		return 5
	case within2T:
		return 4
	case within3T:
		return 3
	case correctCount >= 2:
		return 2
	case correctCount >= 1:
		return 1
	default:
		return 0
	}
}

// Mastered reports whether this fact is considered mastered (level 5).
func (m *FactMastery) Mastered() bool {
	return m.MasteryLevel >= 5
}
