package raid

import (
	"context"

	"mathraid-server/store"
)

// LeaveCompletedRaid marks the caller's membership inactive; once no
// active members remain outside Matchmaking, the raid and its
// problems/answers/membership rows are removed. It does not touch the
// player row: the rpc handler clears in_raid_id.
func LeaveCompletedRaid(ctx context.Context, kv store.KV, raidID, playerID string) error {
	m, mrec, err := GetMember(ctx, kv, raidID, playerID)
	if err != nil {
		return err
	}
	m.IsActive = false
	if _, err := SaveMember(ctx, kv, m, mrec.Version); err != nil {
		return err
	}

	r, _, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return err
	}
	if r.State == StateMatchmaking {
		return nil
	}

	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return err
	}
	if len(ActiveMembers(members)) > 0 {
		return nil
	}
	return Cleanup(ctx, kv, raidID)
}

// Cleanup removes every row belonging to a raid: its members, problems,
// answers, room-code index entry, and the raid row itself. Safe to call
// on a raid with no members left.
func Cleanup(ctx context.Context, kv store.KV, raidID string) error {
	r, _, err := GetRaid(ctx, kv, raidID)
	if err != nil {
		return err
	}

	members, err := ListMembers(ctx, kv, raidID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := DeleteMember(ctx, kv, raidID, m.PlayerID); err != nil {
			return err
		}
	}

	problems, err := store.ListJSON[Problem](ctx, kv, collectionProblems, raidID)
	if err != nil {
		return err
	}
	for _, p := range problems {
		if err := DeleteAnswer(ctx, kv, raidID, p.ID); err != nil {
			return err
		}
		if err := kv.Delete(ctx, collectionProblems, p.ID, raidID); err != nil {
			return err
		}
	}

	if r.RoomCode != "" {
		if err := ReleaseRoomCode(ctx, kv, r.RoomCode); err != nil {
			return err
		}
	}
	return DeleteRaid(ctx, kv, raidID)
}
