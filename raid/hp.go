package raid

import (
	"context"

	"mathraid-server/player"
	"mathraid-server/store"
)

// gradeDefaultHP is the single-player HP baseline for a fresh adaptive
// boss, keyed by grade.
var gradeDefaultHP = map[int]int{
	0: 225, // K
	1: 350,
	2: 500,
	3: 550,
	4: 600,
	5: 900,
}

// fixedTierHP is the fixed-tier HP ladder indexed by boss_level 0..8.
// Index 0 is unused (level 0 is adaptive); scaled by active-member count.
var fixedTierHP = []int{0, 900, 1750, 2600, 3500, 4200, 5000, 5500, 6000}

const (
	adaptiveBlendMultiplier = 2.25
	adaptiveHPFloor         = 75
	adaptiveConfidenceCap   = 5
)

// AdaptiveMemberHP blends a player's recent damage-per-minute with the
// grade default, weighted by confidence = samples/5 until 5 samples
// accumulate, floored at 75.
func AdaptiveMemberHP(ctx context.Context, kv store.KV, playerID string, grade int, track string) (int, error) {
	snapshots, err := player.RecentSnapshotsForGrade(ctx, kv, playerID, grade, track, adaptiveConfidenceCap)
	if err != nil {
		return 0, err
	}

	def := gradeDefaultHP[player.ClampGrade(grade)]
	if len(snapshots) == 0 {
		return max(def, adaptiveHPFloor), nil
	}

	sum := 0.0
	for _, s := range snapshots {
		sum += s.DamagePerMinute()
	}
	avgDPM := sum / float64(len(snapshots))
	fromHistory := avgDPM * adaptiveBlendMultiplier

	confidence := float64(len(snapshots)) / float64(adaptiveConfidenceCap)
	if confidence > 1 {
		confidence = 1
	}
	blended := confidence*fromHistory + (1-confidence)*float64(def)

	hp := int(blended)
	if hp < adaptiveHPFloor {
		hp = adaptiveHPFloor
	}
	return hp, nil
}

// SquadAdaptiveHP sums each active member's adaptive contribution.
func SquadAdaptiveHP(ctx context.Context, kv store.KV, members []*RaidPlayer) (int, error) {
	total := 0
	for _, m := range members {
		if !m.IsActive {
			continue
		}
		hp, err := AdaptiveMemberHP(ctx, kv, m.PlayerID, m.Grade, m.Track)
		if err != nil {
			return 0, err
		}
		total += hp
	}
	return total, nil
}

// FixedTierHP returns the fixed-tier HP for bossLevel (1..8), scaled by
// the number of active members.
func FixedTierHP(bossLevel, activeMembers int) int {
	if bossLevel < 1 || bossLevel >= len(fixedTierHP) {
		return 0
	}
	if activeMembers < 1 {
		activeMembers = 1
	}
	return fixedTierHP[bossLevel] * activeMembers
}

// BossMaxHP computes boss_max_hp for a raid at creation/rematch time,
// dispatching to adaptive or fixed-tier HP per the boss_level encoding.
func BossMaxHP(ctx context.Context, kv store.KV, bossLevel int, members []*RaidPlayer) (int, error) {
	if bossLevel == 0 || bossLevel >= 100 {
		return SquadAdaptiveHP(ctx, kv, members)
	}
	return FixedTierHP(bossLevel, len(ActiveMembers(members))), nil
}
