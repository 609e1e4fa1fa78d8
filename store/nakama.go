package store

import (
	"context"
	"fmt"

	"github.com/heroiclabs/nakama-common/runtime"
)

// NakamaKV adapts runtime.NakamaModule's storage engine to KV. Every write
// goes through nk.StorageWrite with PermissionRead/Write locked to
// server-only (0) — these are server-authoritative tables, never directly
// client-writable, the same convention the runtime plugin uses for anything
// that isn't a player-facing inventory slot.
type NakamaKV struct {
	NK runtime.NakamaModule
}

func NewNakamaKV(nk runtime.NakamaModule) *NakamaKV {
	return &NakamaKV{NK: nk}
}

func (s *NakamaKV) Get(ctx context.Context, collection, key, owner string) (Record, error) {
	objs, err := s.NK.StorageRead(ctx, []*runtime.StorageRead{
		{Collection: collection, Key: key, UserID: owner},
	})
	if err != nil {
		return Record{}, fmt.Errorf("store: storage read: %w", err)
	}
	if len(objs) == 0 {
		return Record{}, ErrNotFound
	}
	obj := objs[0]
	return Record{Collection: collection, Key: key, Owner: owner, Value: obj.GetValue(), Version: obj.GetVersion()}, nil
}

func (s *NakamaKV) Put(ctx context.Context, rec Record, expectedVersion string) (Record, error) {
	write := &runtime.StorageWrite{
		Collection:      rec.Collection,
		Key:             rec.Key,
		UserID:          rec.Owner,
		Value:           rec.Value,
		PermissionRead:  0,
		PermissionWrite: 0,
	}
	if expectedVersion != "" {
		write.Version = expectedVersion
	}
	acks, err := s.NK.StorageWrite(ctx, []*runtime.StorageWrite{write})
	if err != nil {
		// Nakama surfaces OCC conflicts as a generic write error; callers
		// that need precise conflict detection should read-then-compare
		// before writing rather than relying on error type here.
		if expectedVersion != "" {
			return Record{}, ErrVersionMismatch
		}
		return Record{}, fmt.Errorf("store: storage write: %w", err)
	}
	rec.Version = ""
	if len(acks) > 0 {
		rec.Version = acks[0].GetVersion()
	}
	return rec, nil
}

func (s *NakamaKV) Delete(ctx context.Context, collection, key, owner string) error {
	err := s.NK.StorageDelete(ctx, []*runtime.StorageDelete{
		{Collection: collection, Key: key, UserID: owner},
	})
	if err != nil {
		return fmt.Errorf("store: storage delete: %w", err)
	}
	return nil
}

func (s *NakamaKV) List(ctx context.Context, collection, owner string) ([]Record, error) {
	const pageSize = 100
	var out []Record
	cursor := ""
	for {
		objs, nextCursor, err := s.NK.StorageList(ctx, System, owner, collection, pageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("store: storage list: %w", err)
		}
		for _, obj := range objs {
			out = append(out, Record{
				Collection: collection,
				Key:        obj.GetKey(),
				Owner:      obj.GetUserId(),
				Value:      obj.GetValue(),
				Version:    obj.GetVersion(),
			})
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	return out, nil
}
