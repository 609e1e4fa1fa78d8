package player

import (
	"context"
	"sort"

	"mathraid-server/mathfacts"
	"mathraid-server/store"
)

// MasteryCounts is (mastered, total) over the facts belonging to a grade.
type MasteryCounts struct {
	Mastered int
	Total    int
}

// Percent returns the mastery percentage in [0,100], 0 when Total is 0.
func (c MasteryCounts) Percent() float64 {
	if c.Total == 0 {
		return 0
	}
	return 100 * float64(c.Mastered) / float64(c.Total)
}

// CountMastery computes (mastered, total) for playerID over the given
// grade's full fact set, consulting the player's FactMastery rows for
// facts they've attempted and treating unattempted facts as unmastered.
func CountMastery(ctx context.Context, kv store.KV, playerID string, grade int) (MasteryCounts, error) {
	facts := mathfacts.FactsFor(grade, "ALL")
	if len(facts) == 0 {
		return MasteryCounts{}, nil
	}
	rows, err := ListMastery(ctx, kv, playerID)
	if err != nil {
		return MasteryCounts{}, err
	}
	byKey := make(map[string]*FactMastery, len(rows))
	for _, r := range rows {
		byKey[r.FactKey] = r
	}

	counts := MasteryCounts{Total: len(facts)}
	for _, f := range facts {
		if m, ok := byKey[f.Key()]; ok && m.Mastered() {
			counts.Mastered++
		}
	}
	return counts, nil
}

// RankForPercent maps a mastery percentage to a rank per the spec's
// threshold table.
func RankForPercent(pct float64) Rank {
	switch {
	case pct >= 90:
		return RankLegendary
	case pct >= 75:
		return RankDiamond
	case pct >= 50:
		return RankGold
	case pct >= 25:
		return RankSilver
	default:
		return RankBronze
	}
}

// DivisionForPosition maps a player's position (0-indexed, best first)
// within their rank band of size bandSize to a division at the
// 75/50/25 quartile boundaries. Legendary has no division.
func DivisionForPosition(rank Rank, position, bandSize int) Division {
	if rank == RankLegendary || bandSize <= 1 {
		return DivisionNone
	}
	// fraction from the top of the band: 0 = best in band.
	frac := float64(position) / float64(bandSize)
	switch {
	case frac < 0.25:
		return DivisionI
	case frac < 0.50:
		return DivisionII
	case frac < 0.75:
		return DivisionIII
	default:
		return DivisionIV
	}
}

// RecomputeRank updates p.Rank and p.Division in place from its current
// mastery counts for p.Grade. Division requires knowing the player's
// position among rank-mates, which the leaderboard rebuild supplies;
// called in isolation (e.g. on connect) it sets rank only and clears
// division, leaving the next leaderboard rebuild to fill it back in.
func RecomputeRank(ctx context.Context, kv store.KV, p *Player) error {
	counts, err := CountMastery(ctx, kv, p.PlayerID, p.Grade)
	if err != nil {
		return err
	}
	p.Rank = RankForPercent(counts.Percent())
	p.Division = DivisionNone
	return nil
}

// RankedEntry is one row of a grade's ranked view, used to compute
// tie-aware leaderboard positions.
type RankedEntry struct {
	PlayerID   string
	MasteryPct float64
	SpeedPct   float64
	Position   int
}

// RankEntries sorts by mastery desc, speed desc, player_id asc and
// assigns tie-aware positions: tied entries share a position, and the
// position after a tie group jumps by the group's size (standard
// competition ranking, e.g. 1, 1, 3).
func RankEntries(entries []RankedEntry) []RankedEntry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].MasteryPct != entries[j].MasteryPct {
			return entries[i].MasteryPct > entries[j].MasteryPct
		}
		if entries[i].SpeedPct != entries[j].SpeedPct {
			return entries[i].SpeedPct > entries[j].SpeedPct
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})

	pos := 1
	for i := range entries {
		if i > 0 && entries[i].MasteryPct == entries[i-1].MasteryPct && entries[i].SpeedPct == entries[i-1].SpeedPct {
			entries[i].Position = entries[i-1].Position
		} else {
			entries[i].Position = pos
		}
		pos++
	}
	return entries
}
