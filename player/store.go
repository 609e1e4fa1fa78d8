package player

import (
	"context"
	"fmt"

	raiderrors "mathraid-server/errors"
	"mathraid-server/store"
)

// Get loads a player by ID. Returns errors.ErrPlayerNotFound if absent.
func Get(ctx context.Context, kv store.KV, playerID string) (*Player, store.Record, error) {
	p, rec, err := store.GetJSON[Player](ctx, kv, collectionPlayers, playerID, store.System)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.Record{}, raiderrors.ErrPlayerNotFound
		}
		return nil, store.Record{}, fmt.Errorf("player: get %s: %w", playerID, err)
	}
	return p, rec, nil
}

// GetOrCreate loads a player, creating a fresh profile on first contact.
func GetOrCreate(ctx context.Context, kv store.KV, playerID, displayName string) (*Player, store.Record, error) {
	p, rec, err := Get(ctx, kv, playerID)
	if err == nil {
		return p, rec, nil
	}
	if err != raiderrors.ErrPlayerNotFound {
		return nil, store.Record{}, err
	}
	fresh := NewPlayer(playerID, displayName)
	newRec, putErr := store.PutJSON(ctx, kv, collectionPlayers, playerID, store.System, fresh, "")
	if putErr != nil {
		return nil, store.Record{}, fmt.Errorf("player: create %s: %w", playerID, putErr)
	}
	return fresh, newRec, nil
}

// Save writes p back with optimistic concurrency against expectedVersion.
func Save(ctx context.Context, kv store.KV, p *Player, expectedVersion string) (store.Record, error) {
	rec, err := store.PutJSON(ctx, kv, collectionPlayers, p.PlayerID, store.System, p, expectedVersion)
	if err != nil {
		return store.Record{}, fmt.Errorf("player: save %s: %w", p.PlayerID, err)
	}
	return rec, nil
}

// GetMastery loads one FactMastery row, returning a zero-state row (not
// yet persisted) if the player has never attempted this fact.
func GetMastery(ctx context.Context, kv store.KV, playerID, factKey string) (*FactMastery, store.Record, error) {
	id := MasteryID(playerID, factKey)
	m, rec, err := store.GetJSON[FactMastery](ctx, kv, collectionMastery, id, playerID)
	if err == store.ErrNotFound {
		return NewFactMastery(playerID, factKey), store.Record{}, nil
	}
	if err != nil {
		return nil, store.Record{}, fmt.Errorf("player: get mastery %s: %w", id, err)
	}
	return m, rec, nil
}

// SaveMastery persists a FactMastery row, owned by the player it belongs to.
func SaveMastery(ctx context.Context, kv store.KV, m *FactMastery, expectedVersion string) (store.Record, error) {
	rec, err := store.PutJSON(ctx, kv, collectionMastery, m.ID, m.PlayerID, m, expectedVersion)
	if err != nil {
		return store.Record{}, fmt.Errorf("player: save mastery %s: %w", m.ID, err)
	}
	return rec, nil
}

// ListMastery returns every FactMastery row owned by playerID.
func ListMastery(ctx context.Context, kv store.KV, playerID string) ([]*FactMastery, error) {
	rows, err := store.ListJSON[FactMastery](ctx, kv, collectionMastery, playerID)
	if err != nil {
		return nil, fmt.Errorf("player: list mastery for %s: %w", playerID, err)
	}
	return rows, nil
}

// ResetProfile wipes p's raid stats, quests, and mastery rows back to a
// fresh profile, preserving identity fields (player_id, display_name,
// grade, external_id, email). Used by the admin_reset_player privileged
// handler for QA/support resets.
func ResetProfile(ctx context.Context, kv store.KV, playerID string) error {
	p, rec, err := Get(ctx, kv, playerID)
	if err != nil {
		return err
	}
	rows, err := ListMastery(ctx, kv, playerID)
	if err != nil {
		return err
	}
	for _, m := range rows {
		if err := kv.Delete(ctx, collectionMastery, m.ID, playerID); err != nil {
			return fmt.Errorf("player: reset delete mastery %s: %w", m.ID, err)
		}
	}

	fresh := NewPlayer(playerID, p.DisplayName)
	fresh.Grade = p.Grade
	fresh.ExternalID = p.ExternalID
	fresh.Email = p.Email
	if _, err := Save(ctx, kv, fresh, rec.Version); err != nil {
		return err
	}
	return nil
}

// ListAll returns every player row (used by leaderboard rebuilds and
// periodic maintenance). The owner for the players collection is always
// store.System since Player rows are not owned by themselves in storage.
func ListAll(ctx context.Context, kv store.KV) ([]*Player, error) {
	rows, err := store.ListJSON[Player](ctx, kv, collectionPlayers, store.System)
	if err != nil {
		return nil, fmt.Errorf("player: list all: %w", err)
	}
	return rows, nil
}
