// Package settlement runs the end-of-raid pipeline (spec §4.7): rank and
// division recompute, PerformanceSnapshot capture, points and loot-chest
// rolls, external-XP outbox enqueue, Track Master milestone detection,
// and the triggering leaderboard rebuild.
package settlement

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"mathraid-server/leaderboard"
	"mathraid-server/mathfacts"
	"mathraid-server/outbox"
	"mathraid-server/player"
	"mathraid-server/raid"
	"mathraid-server/store"
)

// goalBoss maps a grade to its Track Master goal boss level.
func goalBoss(grade int) int {
	switch {
	case grade <= 0:
		return 4
	case grade <= 3:
		return 6
	case grade == 4:
		return 7
	default:
		return 8
	}
}

func trackMasterQuestKey(bossLevel int) string {
	return fmt.Sprintf("solo_victories_boss_%d", bossLevel)
}

// TrackMasterEvent is the structured log payload for the milestone.
type TrackMasterEvent struct {
	PlayerID string
	Grade    int
	Boss     int
}

// VictoryPoints computes victory in-game points per the spec formula.
func VictoryPoints(damageDealt int, accuracy float64, multiplayer bool) int {
	points := 50 + min(damageDealt/10, 100)
	switch {
	case accuracy >= 0.90:
		points += 50
	case accuracy >= 0.80:
		points += 25
	}
	if multiplayer {
		points += 25
	}
	return points
}

// DefeatPoints computes defeat in-game points per the spec formula.
func DefeatPoints(problemsAnswered int, multiplayer bool) int {
	points := 25 + min(problemsAnswered*3, 50)
	if multiplayer {
		points += 25
	}
	return points
}

var lootChestWeights = []struct {
	amount int
	weight int
}{
	{25, 65}, {50, 20}, {75, 10}, {150, 4}, {300, 1},
}

// RollLootChest draws a bonus from the spec's loot-chest weight table.
func RollLootChest(rng *rand.Rand) int {
	total := 0
	for _, w := range lootChestWeights {
		total += w.weight
	}
	draw := rng.Intn(total)
	running := 0
	for _, w := range lootChestWeights {
		running += w.weight
		if draw < running {
			return w.amount
		}
	}
	return lootChestWeights[len(lootChestWeights)-1].amount
}

// OpenLootChest claims a member's pending chest bonus exactly once,
// adding it to the player's AP and clearing the slot.
func OpenLootChest(ctx context.Context, kv store.KV, raidID, playerID string) (int, error) {
	m, mrec, err := raid.GetMember(ctx, kv, raidID, playerID)
	if err != nil {
		return 0, err
	}
	bonus := m.PendingChestBonus
	if bonus == 0 {
		return 0, nil
	}
	m.PendingChestBonus = 0
	if _, err := raid.SaveMember(ctx, kv, m, mrec.Version); err != nil {
		return 0, err
	}

	p, prec, err := player.Get(ctx, kv, playerID)
	if err != nil {
		return 0, err
	}
	p.TotalAP += bonus
	if _, err := player.Save(ctx, kv, p, prec.Version); err != nil {
		return 0, err
	}
	return bonus, nil
}

// commutativeUnits counts, per the spec, each asymmetric commutative
// fact (A != B, op commutative) as 2 units and every other fact as 1,
// summed over every problem the player was presented in this raid.
func commutativeUnits(problems []*raid.Problem, playerID string) int {
	units := 0
	for _, p := range problems {
		if p.PlayerID != playerID {
			continue
		}
		f := mathfacts.Fact{Op: p.Operation, A: p.Left, B: p.Right}
		if f.Op.Commutative() && f.A != f.B {
			units += 2
		} else {
			units++
		}
	}
	return units
}

// accuracyRatio returns correct/total, 0 when total is 0.
func accuracyRatio(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

func activeDurationSeconds(m *raid.RaidPlayer, raidDuration int) int {
	if m.IsActive {
		return raidDuration
	}
	return m.ProblemsAnswered * 10
}

// engagement implements the spec's session-cqpm-vs-historical-best
// ratio, clipped to [0,1] with a 0.3 floor-cutoff.
func engagement(sessionCqpm, bestCqpm float64) float64 {
	denom := bestCqpm * 0.25
	if denom < 2.0 {
		denom = 2.0
	}
	ratio := sessionCqpm / denom
	if ratio < 0.3 {
		return 0
	}
	if ratio > 1.0 {
		return 1.0
	}
	return ratio
}

func bestHistoricalCqpm(snapshots []*player.PerformanceSnapshot, fallback float64) float64 {
	best := 0.0
	for _, s := range snapshots {
		minutes := float64(s.SessionSeconds) / 60.0
		if minutes <= 0 {
			continue
		}
		cqpm := float64(s.ProblemsCorrect) / minutes
		if cqpm > best {
			best = cqpm
		}
	}
	if best == 0 {
		return fallback
	}
	return best
}

// Result reports one settled member's outcome, for the caller to push
// client-facing notifications (points, chest roll, milestone, XP).
type Result struct {
	PlayerID         string
	Points           int
	ChestRoll        int
	TrackMaster      bool
	TrackMasterEvent TrackMasterEvent
	XPEnqueued       bool
}

// Settle runs the full end-of-raid pipeline for a raid already
// transitioned to Victory or Failed (by raid.SubmitAnswer or
// raid.CheckRaidTimeout). It is itself not idempotent against a second
// call for the same raid — callers invoke it exactly once, immediately
// after the state transition that ended the encounter.
func Settle(ctx context.Context, kv store.KV, raidID string, rng *rand.Rand, now time.Time, xpBlocklist map[string]bool) ([]Result, error) {
	r, _, err := raid.GetRaid(ctx, kv, raidID)
	if err != nil {
		return nil, err
	}
	victory := r.State == raid.StateVictory
	if !victory && r.State != raid.StateFailed {
		return nil, fmt.Errorf("settlement: raid %s is not settled (state=%s)", raidID, r.State)
	}

	members, err := raid.ListMembers(ctx, kv, raidID)
	if err != nil {
		return nil, err
	}
	multiplayer := len(members) > 1
	raidType := player.RaidTypeSolo
	if multiplayer {
		raidType = player.RaidTypeMultiplayer
	}

	problems, err := raid.ListProblems(ctx, kv, raidID)
	if err != nil {
		return nil, err
	}

	gradesToRebuild := make(map[int]bool)
	var results []Result

	for _, m := range members {
		if m.DamageDealt <= 0 && m.ProblemsAnswered <= 0 {
			continue
		}

		pl, plrec, err := player.Get(ctx, kv, m.PlayerID)
		if err != nil {
			return nil, err
		}

		sessionSeconds := activeDurationSeconds(m, r.DurationSeconds)

		if err := player.RecomputeRank(ctx, kv, pl); err != nil {
			return nil, err
		}

		counts, err := player.CountMastery(ctx, kv, pl.PlayerID, pl.Grade)
		if err != nil {
			return nil, err
		}

		priorMastered := 0
		if priorSnaps, err := player.RecentSnapshotsForGrade(ctx, kv, pl.PlayerID, pl.Grade, "", 1); err != nil {
			return nil, err
		} else if len(priorSnaps) > 0 {
			priorMastered = priorSnaps[0].FactsMastered
		}
		masteredDelta := counts.Mastered - priorMastered

		snap := &player.PerformanceSnapshot{
			PlayerID:          pl.PlayerID,
			RaidID:            raidID,
			Grade:             pl.Grade,
			Track:             m.Track,
			Rank:              pl.Rank,
			Division:          pl.Division,
			FactsMastered:     counts.Mastered,
			FactsTotal:        counts.Total,
			ProblemsAttempted: m.ProblemsAnswered,
			ProblemsCorrect:   m.CorrectAnswers,
			SessionSeconds:    sessionSeconds,
			Damage:            m.DamageDealt,
			RaidType:          raidType,
			BossLevel:         r.BossLevel,
			Victory:           victory,
			CommutativeUnits:  commutativeUnits(problems, pl.PlayerID),
			CreatedAt:         now.UnixMicro(),
		}
		if err := player.SaveSnapshot(ctx, kv, snap); err != nil {
			return nil, err
		}

		pl.TotalRaids++
		if player.IsNewDay(pl.LastRaidAt, now) {
			if pl.Quests == nil {
				pl.Quests = make(map[string]int)
			}
			pl.Quests["daily_streak"]++
		}
		pl.LastRaid = raidID
		pl.LastRaidAt = now.UnixMicro()

		accuracy := accuracyRatio(m.CorrectAnswers, m.ProblemsAnswered)
		var points int
		if victory {
			points = VictoryPoints(m.DamageDealt, accuracy, multiplayer)
		} else {
			points = DefeatPoints(m.ProblemsAnswered, multiplayer)
		}
		pl.TotalAP += points

		chestRoll := RollLootChest(rng)
		m.PendingChestBonus = chestRoll

		var trackMaster bool
		var tmEvent TrackMasterEvent
		if victory && !multiplayer && r.BossLevel == goalBoss(pl.Grade) {
			if pl.Quests == nil {
				pl.Quests = make(map[string]int)
			}
			key := trackMasterQuestKey(r.BossLevel)
			pl.Quests[key]++
			trackMaster = pl.Quests[key] == 3
			if trackMaster {
				tmEvent = TrackMasterEvent{PlayerID: pl.PlayerID, Grade: pl.Grade, Boss: r.BossLevel}
			}
		}

		if _, err := player.Save(ctx, kv, pl, plrec.Version); err != nil {
			return nil, err
		}
		if _, err := raid.SaveMember(ctx, kv, m, ""); err != nil {
			return nil, err
		}

		xpEnqueued := false
		if pl.ExternalID != "" && pl.Email != "" && !xpBlocklist[pl.PlayerID] {
			xp := 0.0
			if accuracy >= 0.80 {
				snapshots, err := player.RecentSnapshotsForGrade(ctx, kv, pl.PlayerID, pl.Grade, m.Track, 5)
				if err != nil {
					return nil, err
				}
				minutes := float64(sessionSeconds) / 60.0
				if minutes > 0 {
					sessionCqpm := float64(m.CorrectAnswers) / minutes
					eng := engagement(sessionCqpm, bestHistoricalCqpm(snapshots, sessionCqpm))
					if eng > 0 {
						activeMinutes := minutes
						if activeMinutes > 2.5 {
							activeMinutes = 2.5
						}
						xp = activeMinutes * eng
					}
				}
			}

			payload := outbox.Payload{
				TimebackID:          pl.ExternalID,
				Email:               pl.Email,
				Grade:               pl.Grade,
				ResourceID:          fmt.Sprintf("math-raiders-grade-%d-component-resource", pl.Grade),
				RaidEndTime:         outbox.FormatTimestamp(now),
				RaidDurationMinutes: float64(sessionSeconds) / 60.0,
				XPEarned:            xp,
				TotalQuestions:      m.ProblemsAnswered,
				CorrectQuestions:    m.CorrectAnswers,
				MasteredUnits:       masteredDelta,
				Process:             true,
				Attempt:             raidID,
			}
			if err := outbox.Enqueue(ctx, kv, pl.PlayerID, raidID, payload, now); err != nil {
				return nil, err
			}
			xpEnqueued = true
		}

		gradesToRebuild[pl.Grade] = true
		results = append(results, Result{
			PlayerID: pl.PlayerID, Points: points, ChestRoll: chestRoll,
			TrackMaster: trackMaster, TrackMasterEvent: tmEvent, XPEnqueued: xpEnqueued,
		})
	}

	for g := range gradesToRebuild {
		if err := leaderboard.Rebuild(ctx, kv, g); err != nil {
			return nil, err
		}
	}
	return results, nil
}
