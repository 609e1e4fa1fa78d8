package raid

import (
	"context"
	"fmt"
	"strings"

	raiderrors "mathraid-server/errors"
	"mathraid-server/store"
)

func GetRaid(ctx context.Context, kv store.KV, raidID string) (*Raid, store.Record, error) {
	r, rec, err := store.GetJSON[Raid](ctx, kv, collectionRaids, raidID, store.System)
	if err == store.ErrNotFound {
		return nil, store.Record{}, raiderrors.ErrRaidNotFound
	}
	if err != nil {
		return nil, store.Record{}, fmt.Errorf("raid: get %s: %w", raidID, err)
	}
	return r, rec, nil
}

func SaveRaid(ctx context.Context, kv store.KV, r *Raid, expectedVersion string) (store.Record, error) {
	rec, err := store.PutJSON(ctx, kv, collectionRaids, r.RaidID, store.System, r, expectedVersion)
	if err != nil {
		return store.Record{}, fmt.Errorf("raid: save %s: %w", r.RaidID, err)
	}
	return rec, nil
}

func DeleteRaid(ctx context.Context, kv store.KV, raidID string) error {
	return kv.Delete(ctx, collectionRaids, raidID, store.System)
}

// ListAllRaids returns every raid row, for the periodic abandoned-raid
// sweep. Raid volume is bounded by concurrently active encounters, never
// large enough to need pagination.
func ListAllRaids(ctx context.Context, kv store.KV) ([]*Raid, error) {
	rows, err := store.ListJSON[Raid](ctx, kv, collectionRaids, store.System)
	if err != nil {
		return nil, fmt.Errorf("raid: list all: %w", err)
	}
	return rows, nil
}

func GetMember(ctx context.Context, kv store.KV, raidID, playerID string) (*RaidPlayer, store.Record, error) {
	id := membershipID(raidID, playerID)
	rp, rec, err := store.GetJSON[RaidPlayer](ctx, kv, collectionMembers, id, raidID)
	if err == store.ErrNotFound {
		return nil, store.Record{}, raiderrors.ErrNotInRaid
	}
	if err != nil {
		return nil, store.Record{}, fmt.Errorf("raid: get member %s: %w", id, err)
	}
	return rp, rec, nil
}

func SaveMember(ctx context.Context, kv store.KV, rp *RaidPlayer, expectedVersion string) (store.Record, error) {
	rec, err := store.PutJSON(ctx, kv, collectionMembers, rp.ID, rp.RaidID, rp, expectedVersion)
	if err != nil {
		return store.Record{}, fmt.Errorf("raid: save member %s: %w", rp.ID, err)
	}
	return rec, nil
}

func DeleteMember(ctx context.Context, kv store.KV, raidID, playerID string) error {
	return kv.Delete(ctx, collectionMembers, membershipID(raidID, playerID), raidID)
}

// ListMembers returns every membership row for a raid.
func ListMembers(ctx context.Context, kv store.KV, raidID string) ([]*RaidPlayer, error) {
	rows, err := store.ListJSON[RaidPlayer](ctx, kv, collectionMembers, raidID)
	if err != nil {
		return nil, fmt.Errorf("raid: list members of %s: %w", raidID, err)
	}
	return rows, nil
}

// ActiveMembers filters ListMembers to is_active rows.
func ActiveMembers(members []*RaidPlayer) []*RaidPlayer {
	var out []*RaidPlayer
	for _, m := range members {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out
}

func GetProblem(ctx context.Context, kv store.KV, raidID, problemID string) (*Problem, error) {
	p, _, err := store.GetJSON[Problem](ctx, kv, collectionProblems, problemID, raidID)
	if err == store.ErrNotFound {
		return nil, raiderrors.ErrProblemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("raid: get problem %s: %w", problemID, err)
	}
	return p, nil
}

func SaveProblem(ctx context.Context, kv store.KV, p *Problem) error {
	_, err := store.PutJSON(ctx, kv, collectionProblems, p.ID, p.RaidID, p, "")
	if err != nil {
		return fmt.Errorf("raid: save problem %s: %w", p.ID, err)
	}
	return nil
}

func GetAnswer(ctx context.Context, kv store.KV, raidID, problemID string) (*PlayerAnswer, error) {
	a, _, err := store.GetJSON[PlayerAnswer](ctx, kv, collectionAnswers, problemID, raidID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("raid: get answer %s: %w", problemID, err)
	}
	return a, nil
}

func SaveAnswer(ctx context.Context, kv store.KV, raidID string, a *PlayerAnswer) error {
	_, err := store.PutJSON(ctx, kv, collectionAnswers, a.ProblemID, raidID, a, "")
	if err != nil {
		return fmt.Errorf("raid: save answer %s: %w", a.ProblemID, err)
	}
	return nil
}

func DeleteAnswer(ctx context.Context, kv store.KV, raidID, problemID string) error {
	return kv.Delete(ctx, collectionAnswers, problemID, raidID)
}

// ListProblems returns every pre-generated Problem for a raid, across
// every member, in unspecified order.
func ListProblems(ctx context.Context, kv store.KV, raidID string) ([]*Problem, error) {
	rows, err := store.ListJSON[Problem](ctx, kv, collectionProblems, raidID)
	if err != nil {
		return nil, fmt.Errorf("raid: list problems for %s: %w", raidID, err)
	}
	return rows, nil
}

// ListAnswers returns every recorded PlayerAnswer for a raid.
func ListAnswers(ctx context.Context, kv store.KV, raidID string) ([]*PlayerAnswer, error) {
	rows, err := store.ListJSON[PlayerAnswer](ctx, kv, collectionAnswers, raidID)
	if err != nil {
		return nil, fmt.Errorf("raid: list answers for %s: %w", raidID, err)
	}
	return rows, nil
}

// NextProblem returns the lowest-sequence Problem belonging to playerID
// that has no recorded correct answer yet, for the request_problem RPC:
// the client fetches its next pre-generated problem rather than the
// server pushing one, since generateBatch issues the whole per-player
// batch up front at countdown_complete.
func NextProblem(ctx context.Context, kv store.KV, raidID, playerID string) (*Problem, error) {
	problems, err := ListProblems(ctx, kv, raidID)
	if err != nil {
		return nil, err
	}
	var best *Problem
	for _, p := range problems {
		if p.PlayerID != playerID {
			continue
		}
		a, err := GetAnswer(ctx, kv, raidID, p.ID)
		if err != nil {
			return nil, err
		}
		if a != nil && a.IsCorrect {
			continue
		}
		if best == nil || p.Sequence < best.Sequence {
			best = p
		}
	}
	if best == nil {
		return nil, raiderrors.ErrProblemNotFound
	}
	return best, nil
}

// Room code index helpers.

func LookupRoomCode(ctx context.Context, kv store.KV, code string) (string, bool, error) {
	code = strings.ToUpper(code)
	rec, err := kv.Get(ctx, collectionRoomCodes, code, store.System)
	if err == store.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("raid: lookup room code %s: %w", code, err)
	}
	return rec.Value, true, nil
}

func ReserveRoomCode(ctx context.Context, kv store.KV, code, raidID string) error {
	code = strings.ToUpper(code)
	_, err := kv.Put(ctx, store.Record{Collection: collectionRoomCodes, Key: code, Owner: store.System, Value: raidID}, "")
	if err != nil {
		return fmt.Errorf("raid: reserve room code %s: %w", code, err)
	}
	return nil
}

func ReleaseRoomCode(ctx context.Context, kv store.KV, code string) error {
	return kv.Delete(ctx, collectionRoomCodes, strings.ToUpper(code), store.System)
}
