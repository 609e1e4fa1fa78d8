package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name string `json:"name"`
}

func TestMemKVGetPutRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	_, _, err := GetJSON[widget](ctx, kv, "widgets", "a", "owner1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err2 := PutJSON(ctx, kv, "widgets", "a", "owner1", widget{Name: "thing"}, "")
	require.NoError(t, err2)

	got, rec, err3 := GetJSON[widget](ctx, kv, "widgets", "a", "owner1")
	require.NoError(t, err3)
	assert.Equal(t, "thing", got.Name)
	assert.NotEmpty(t, rec.Version)
}

func TestMemKVOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	rec, err := PutJSON(ctx, kv, "widgets", "a", "", widget{Name: "v1"}, "")
	require.NoError(t, err)
	v1 := rec.Version

	// Stale version is rejected.
	_, err = PutJSON(ctx, kv, "widgets", "a", "", widget{Name: "v2-stale"}, "bogus")
	require.ErrorIs(t, err, ErrVersionMismatch)

	// Correct version succeeds.
	rec2, err := PutJSON(ctx, kv, "widgets", "a", "", widget{Name: "v2"}, v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, rec2.Version)

	// A conditional write (non-empty expected version) against a brand new
	// key always fails, since there's nothing to match against.
	_, err = PutJSON(ctx, kv, "widgets", "new-key", "", widget{Name: "x"}, "1")
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestMemKVListScopesByOwnerUnlessSystem(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	_, _ = PutJSON(ctx, kv, "raids", "r1", System, widget{Name: "raid-one"}, "")
	_, _ = PutJSON(ctx, kv, "raids", "r2", System, widget{Name: "raid-two"}, "")
	_, _ = PutJSON(ctx, kv, "facts", "f1", "player-1", widget{Name: "fact"}, "")
	_, _ = PutJSON(ctx, kv, "facts", "f1", "player-2", widget{Name: "fact"}, "")

	all, err := ListJSON[widget](ctx, kv, "raids", System)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := ListJSON[widget](ctx, kv, "facts", "player-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestMemKVDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	require.NoError(t, kv.Delete(ctx, "widgets", "missing", "owner"))

	_, _ = PutJSON(ctx, kv, "widgets", "a", "owner", widget{Name: "v"}, "")
	require.NoError(t, kv.Delete(ctx, "widgets", "a", "owner"))
	_, _, err := GetJSON[widget](ctx, kv, "widgets", "a", "owner")
	require.ErrorIs(t, err, ErrNotFound)
}
