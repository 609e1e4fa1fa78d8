package raid

import (
	"math/rand"

	"mathraid-server/player"
)

// FirstAttemptDamage computes damage for a correct first attempt using
// the grade-agnostic speed curve (thresholds are grade-dependent via T,
// the base damage values are not), with a 15% crit chance doubling the
// fast-band (<= T) value. rng is injected so callers can pin it for
// deterministic tests; production callers pass a seeded *rand.Rand.
func FirstAttemptDamage(responseMs, grade int, rng *rand.Rand) int {
	t := player.SpeedThresholdMs(grade)
	switch {
	case responseMs <= t:
		if rng.Float64() < 0.15 {
			return 150
		}
		return 75
	case responseMs <= t+1000:
		return 60
	case responseMs <= t+2000:
		return 45
	case responseMs <= t+3000:
		return 30
	case responseMs <= t+5000:
		return 23
	default:
		return 15
	}
}

// RetryDamage is 2/3 of what the first-attempt damage would have been.
func RetryDamage(responseMs, grade int, rng *rand.Rand) int {
	return FirstAttemptDamage(responseMs, grade, rng) * 2 / 3
}

// ClampResponseMs enforces the [200, 60000] invariant on submitted
// response times.
func ClampResponseMs(ms int) int {
	if ms < 200 {
		return 200
	}
	if ms > 60_000 {
		return 60_000
	}
	return ms
}

// ClampDamageToBossHP prevents overkill on the killing blow.
func ClampDamageToBossHP(damage, bossHP int) int {
	if damage > bossHP {
		return bossHP
	}
	return damage
}
