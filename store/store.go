// Package store is the transactional store abstraction every other package
// writes against instead of calling runtime.NakamaModule directly: tables
// keyed by (collection, key, owner) with optimistic-concurrency writes, plus
// a handful of denormalized secondary indexes maintained by the owning
// package. The production adapter (NakamaKV) sits on top of Nakama's
// storage engine; MemKV is an in-memory fake with identical CAS semantics so
// every other package can be unit tested without a live Nakama server.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// System is the owner used for records that belong to no single player
// (raids, outbox events, leaderboard entries, timer rows).
const System = ""

// ErrVersionMismatch is returned by Put when the caller's expected version
// does not match the stored version (an optimistic-concurrency conflict).
var ErrVersionMismatch = fmt.Errorf("store: version mismatch")

// ErrNotFound is returned by Get when no record exists.
var ErrNotFound = fmt.Errorf("store: not found")

// Record is one stored object. Version is opaque and compared by equality;
// callers that don't care about OCC pass "" on Put (unconditional write) and
// ignore the returned version.
type Record struct {
	Collection string
	Key        string
	Owner      string
	Value      string
	Version    string
}

// KV is the storage interface every component depends on.
type KV interface {
	// Get fetches one record. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, key, owner string) (Record, error)

	// Put writes a record. If expectedVersion is "", the write is
	// unconditional (last-writer-wins) and a fresh version is assigned.
	// If expectedVersion is non-empty, the write only succeeds if the
	// stored version matches; ErrVersionMismatch otherwise. Put on a
	// not-yet-existing record with a non-empty expectedVersion always
	// fails with ErrVersionMismatch (use "" to create-or-overwrite).
	Put(ctx context.Context, rec Record, expectedVersion string) (Record, error)

	// Delete removes a record. Deleting an absent record is a no-op.
	Delete(ctx context.Context, collection, key, owner string) error

	// List returns every record for (collection, owner) in unspecified
	// order. owner == System lists every owner's records in the
	// collection (used for raid/outbox/timer tables, which have no
	// single owning player).
	List(ctx context.Context, collection, owner string) ([]Record, error)
}

// Encode marshals v to a Record value.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode %T: %w", v, err)
	}
	return string(b), nil
}

// Decode unmarshals a Record value into a fresh *T.
func Decode[T any](value string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return nil, fmt.Errorf("store: decode %T: %w", v, err)
	}
	return &v, nil
}

// GetJSON fetches and decodes a record in one call.
func GetJSON[T any](ctx context.Context, kv KV, collection, key, owner string) (*T, Record, error) {
	rec, err := kv.Get(ctx, collection, key, owner)
	if err != nil {
		return nil, Record{}, err
	}
	v, err := Decode[T](rec.Value)
	if err != nil {
		return nil, rec, err
	}
	return v, rec, nil
}

// PutJSON encodes and writes v in one call.
func PutJSON(ctx context.Context, kv KV, collection, key, owner string, v any, expectedVersion string) (Record, error) {
	value, err := Encode(v)
	if err != nil {
		return Record{}, err
	}
	return kv.Put(ctx, Record{Collection: collection, Key: key, Owner: owner, Value: value}, expectedVersion)
}

// ListJSON lists and decodes every record for (collection, owner).
func ListJSON[T any](ctx context.Context, kv KV, collection, owner string) ([]*T, error) {
	recs, err := kv.List(ctx, collection, owner)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v, err := Decode[T](rec.Value)
		if err != nil {
			continue // corrupt record: skip rather than fail the whole list
		}
		out = append(out, v)
	}
	return out, nil
}
