package raid

import (
	"context"
	"math/rand"
	"time"

	"mathraid-server/config"
	raiderrors "mathraid-server/errors"
	"mathraid-server/player"
	"mathraid-server/store"
)

// SubmitAnswerInput is one client submission against a pre-generated
// Problem.
type SubmitAnswerInput struct {
	RaidID     string
	PlayerID   string
	ProblemID  string
	Submitted  int
	ResponseMs int
}

// SubmitAnswerResult reports the outcome so the RPC layer can push the
// right client events.
type SubmitAnswerResult struct {
	Correct      bool
	Damage       int
	BossHP       int
	BossDefeated bool
}

// SubmitAnswer runs the full answer pipeline (spec step 1-10): state
// check, safety-net timeout check, problem lookup and ownership, retry
// detection, response clamping, damage computation, player/member
// aggregate updates, and boss_hp decrement with victory detection. rng
// should be a caller-seeded *rand.Rand so the crit roll is reproducible
// in tests; the rpc handler seeds a fresh one from the wall clock on
// every call.
func SubmitAnswer(ctx context.Context, kv store.KV, cfg config.TimingConfig, in SubmitAnswerInput, rng *rand.Rand, now time.Time) (SubmitAnswerResult, error) {
	var result SubmitAnswerResult

	r, rrec, err := GetRaid(ctx, kv, in.RaidID)
	if err != nil {
		return result, err
	}
	if r.State != StateInProgress {
		return result, raiderrors.ErrRaidNotInProgress
	}
	if now.Sub(time.UnixMicro(r.StartedAt)) >= cfg.SafetyNetTimeout {
		if err := failRaid(ctx, kv, r, rrec.Version, now); err != nil {
			return result, err
		}
		return result, raiderrors.ErrRaidNotInProgress
	}

	m, mrec, err := GetMember(ctx, kv, in.RaidID, in.PlayerID)
	if err != nil {
		return result, err
	}
	if !m.IsActive {
		m.IsActive = true
	}

	p, err := GetProblem(ctx, kv, in.RaidID, in.ProblemID)
	if err != nil {
		return result, err
	}
	if p.PlayerID != in.PlayerID {
		return result, raiderrors.ErrNotInRaid
	}

	existing, err := GetAnswer(ctx, kv, in.RaidID, in.ProblemID)
	if err != nil {
		return result, err
	}
	isRetry := existing != nil
	if isRetry && existing.IsCorrect {
		return result, raiderrors.ErrDuplicateAnswer
	}

	responseMs := ClampResponseMs(in.ResponseMs)
	correct := in.Submitted == p.Answer
	result.Correct = correct

	// A second wrong submission against the same problem is a pure retry
	// with nothing new to record: the original wrong attempt already
	// captured the struggle for mastery purposes, and no counter moves.
	if isRetry && !correct {
		result.BossHP = r.BossHP
		return result, nil
	}

	grade := m.Grade
	damage := 0
	if correct {
		if isRetry {
			damage = RetryDamage(responseMs, grade, rng)
		} else {
			damage = FirstAttemptDamage(responseMs, grade, rng)
		}
		damage = ClampDamageToBossHP(damage, r.BossHP)
	}

	answer := &PlayerAnswer{
		ID:         in.RaidID + ":" + in.ProblemID,
		ProblemID:  in.ProblemID,
		PlayerID:   in.PlayerID,
		ResponseMs: responseMs,
		IsCorrect:  correct,
		Damage:     damage,
	}
	if err := SaveAnswer(ctx, kv, in.RaidID, answer); err != nil {
		return result, err
	}

	if !isRetry {
		m.ProblemsAnswered++
	}
	if correct {
		if !isRetry {
			m.CorrectAnswers++
		}
		m.DamageDealt += damage
		if m.FastestAnswerMs == 0 || responseMs < m.FastestAnswerMs {
			m.FastestAnswerMs = responseMs
		}
	}
	if _, err := SaveMember(ctx, kv, m, mrec.Version); err != nil {
		return result, err
	}

	pl, plrec, err := player.Get(ctx, kv, in.PlayerID)
	if err != nil {
		return result, err
	}
	if !isRetry {
		pl.TotalProblems++
		if correct {
			pl.TotalCorrect++
		}
		if pl.TotalProblems > 0 {
			prevSum := pl.AvgResponseMs * float64(pl.TotalProblems-1)
			pl.AvgResponseMs = (prevSum + float64(responseMs)) / float64(pl.TotalProblems)
		}
	}
	if correct && responseMs < pl.BestResponseMs {
		pl.BestResponseMs = responseMs
	}
	if _, err := player.Save(ctx, kv, pl, plrec.Version); err != nil {
		return result, err
	}

	// Fact mastery is not updated for retries: the original wrong attempt
	// already captured the struggle.
	if !isRetry {
		mastery, mastRec, err := player.GetMastery(ctx, kv, in.PlayerID, p.FactKey())
		if err != nil {
			return result, err
		}
		mastery.RecordAttempt(responseMs, correct, now.UnixMicro(), grade)
		if _, err := player.SaveMastery(ctx, kv, mastery, mastRec.Version); err != nil {
			return result, err
		}
	}

	result.Damage = damage
	result.BossHP = r.BossHP
	if damage > 0 {
		r.BossHP -= damage
		if r.BossHP <= 0 {
			r.BossHP = 0
			r.State = StateVictory
			r.DurationSeconds = max(1, int(now.Sub(time.UnixMicro(r.StartedAt)).Seconds()))
			result.BossDefeated = true
		}
		if _, err := SaveRaid(ctx, kv, r, rrec.Version); err != nil {
			return result, err
		}
		result.BossHP = r.BossHP
	}

	return result, nil
}
