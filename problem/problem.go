// Package problem implements the adaptive weighted fact sampler: given a
// player's mastery state and recent-problem history, it draws the next
// arithmetic fact to present, favoring facts the player struggles with
// (the "ZPD" - zone of proximal development - band) while still mixing
// in mastered and never-seen facts, and applying spaced-repetition
// boosts plus anti-repeat exclusions against the last ten facts shown.
package problem

import (
	"mathraid-server/mathfacts"
	"mathraid-server/player"
)

// RecentWindowSize is the number of most-recently-presented fact keys
// tracked per player per raid for anti-repeat purposes.
const RecentWindowSize = 10

// ProblemsPerPlayer is the exact batch size generated at Countdown ->
// InProgress for each active raid member.
const ProblemsPerPlayer = 150

// Candidate is one fact in contention for selection, along with its
// final sampling weight.
type Candidate struct {
	Fact   mathfacts.Fact
	Weight int
}

// masteryBucketWeight implements the 10:70:20 hard/ZPD/mastered ratio.
func masteryBucketWeight(level int, attempted bool) int {
	if !attempted {
		return 10
	}
	switch {
	case level <= 1:
		return 10
	case level <= 4:
		return 70
	default: // level 5
		return 20
	}
}

// spacedRepetitionMultiplier boosts facts that haven't been seen in a
// while, keyed off elapsed wall time since last_seen.
func spacedRepetitionMultiplier(elapsedMs int64) float64 {
	const hour = int64(3_600_000)
	switch {
	case elapsedMs >= 72*hour:
		return 2.0
	case elapsedMs >= 24*hour:
		return 1.5
	case elapsedMs >= 8*hour:
		return 1.2
	default:
		return 1.0
	}
}

// sharesOperand reports whether a and b share either operand (order
// independent), used by the anti-repeat operand-overlap rule.
func sharesOperand(a, b mathfacts.Fact) bool {
	return a.A == b.A || a.A == b.B || a.B == b.A || a.B == b.B
}

// BuildCandidates assembles the weighted candidate list for one draw in
// two phases, per the spec: first the player's FactMastery rows
// intersected with the allowed set (step 2-3), then any allowed fact
// absent from that list injected at the unattempted weight (step 4) —
// the two phases apply different window rules, so they can't be merged
// into one loop.
func BuildCandidates(allowed []mathfacts.Fact, mastery map[string]*player.FactMastery, recentWindow []string, nowMicros int64) []Candidate {
	lastKey := ""
	if len(recentWindow) > 0 {
		lastKey = recentWindow[len(recentWindow)-1]
	}
	inWindow := make(map[string]bool, len(recentWindow))
	for _, k := range recentWindow {
		inWindow[k] = true
	}

	allowedByKey := make(map[string]mathfacts.Fact, len(allowed))
	for _, f := range allowed {
		allowedByKey[f.Key()] = f
	}
	var lastFact mathfacts.Fact
	var haveLastFact bool
	if lastKey != "" {
		if f, ok := allowedByKey[lastKey]; ok {
			lastFact, haveLastFact = f, true
		}
	}

	candidates := make([]Candidate, 0, len(allowed))
	placed := make(map[string]bool, len(allowed))

	// Phase 1: FactMastery rows intersected with the allowed set. Both
	// phases walk allowed in catalog order so a given seed always draws
	// the same fact.
	for _, f := range allowed {
		key := f.Key()
		if placed[key] {
			continue
		}
		m, attempted := mastery[key]
		if !attempted {
			continue
		}
		var elapsed int64
		if m.LastSeen > 0 {
			elapsed = nowMicros/1000 - m.LastSeen/1000
		}
		weight := float64(masteryBucketWeight(m.MasteryLevel, true)) * spacedRepetitionMultiplier(elapsed)
		weight = applyExactAndOperandExclusion(weight, f, lastKey, haveLastFact, lastFact)
		if inWindow[key] {
			weight *= 0.1
		}
		candidates = append(candidates, Candidate{Fact: f, Weight: int(weight)})
		placed[key] = true
	}

	// Phase 2: inject allowed facts absent from the mastery-based list,
	// at the unattempted weight. Keys already in the recent window are
	// skipped entirely rather than down-weighted.
	for _, f := range allowed {
		key := f.Key()
		if placed[key] || inWindow[key] {
			continue
		}
		weight := float64(masteryBucketWeight(0, false))
		weight = applyExactAndOperandExclusion(weight, f, lastKey, haveLastFact, lastFact)
		candidates = append(candidates, Candidate{Fact: f, Weight: int(weight)})
		placed[key] = true
	}

	return candidates
}

// applyExactAndOperandExclusion zeroes weight for the exact last fact key
// and for any fact sharing an operand with it.
func applyExactAndOperandExclusion(weight float64, f mathfacts.Fact, lastKey string, haveLastFact bool, lastFact mathfacts.Fact) float64 {
	if f.Key() == lastKey {
		return 0
	}
	if haveLastFact && sharesOperand(f, lastFact) {
		return 0
	}
	return weight
}

// knuthHash applies Knuth's multiplicative hash and reduces to [0, 10000).
func knuthHash(seed int64) int64 {
	const multiplier = int64(2654435761)
	h := seed * multiplier
	if h < 0 {
		h = -h
	}
	return h % 10000
}

// Draw selects one fact from the weighted candidates using the seeded
// Knuth-hash draw described in the spec: hash(seed) mod totalWeight
// picks a point, and the first candidate whose running weight prefix
// sum reaches that point wins. If every weight is zero, falls back to
// a uniform pick by seed modulo list length.
func Draw(candidates []Candidate, seed int64) (mathfacts.Fact, bool) {
	if len(candidates) == 0 {
		return mathfacts.Fact{}, false
	}

	total := 0
	for _, c := range candidates {
		total += c.Weight
	}

	if total == 0 {
		idx := int(uint64(seed) % uint64(len(candidates)))
		if idx < 0 {
			idx = 0
		}
		return candidates[idx].Fact, true
	}

	draw := knuthHash(seed) % int64(total)
	running := int64(0)
	for _, c := range candidates {
		running += int64(c.Weight)
		if running > draw {
			return c.Fact, true
		}
	}
	return candidates[len(candidates)-1].Fact, true
}

// OrientOperands applies the commutative coin-flip (probability 1/2,
// driven by seed parity) for Add/Mul facts; non-commutative facts keep
// the operand order the catalog assigned them.
func OrientOperands(f mathfacts.Fact, seed int64) mathfacts.Fact {
	if !f.Op.Commutative() {
		return f
	}
	if seed%2 != 0 {
		f.A, f.B = f.B, f.A
	}
	return f
}

// PushWindow appends key to the rolling recent-window, evicting the
// oldest entry once the window exceeds RecentWindowSize.
func PushWindow(window []string, key string) []string {
	window = append(window, key)
	if len(window) > RecentWindowSize {
		window = window[len(window)-RecentWindowSize:]
	}
	return window
}

// Seed computes the draw seed for the nth problem in a sequence, given
// the issuing transaction's timestamp in microseconds.
func Seed(issueTimestampMicros int64, sequence int) int64 {
	return issueTimestampMicros + int64(sequence)
}

// NextFact runs one full selection (steps 1-7 of the generator): builds
// candidates from the allowed set and mastery map, draws one, orients
// its operands, and returns the updated recent-window.
func NextFact(allowed []mathfacts.Fact, mastery map[string]*player.FactMastery, window []string, issueTimestampMicros int64, sequence int) (mathfacts.Fact, []string, bool) {
	candidates := BuildCandidates(allowed, mastery, window, issueTimestampMicros)
	seed := Seed(issueTimestampMicros, sequence)
	f, ok := Draw(candidates, seed)
	if !ok {
		return mathfacts.Fact{}, window, false
	}
	f = OrientOperands(f, seed)
	window = PushWindow(window, f.Key())
	return f, window, true
}
