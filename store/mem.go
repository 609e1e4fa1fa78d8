package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

type memKey struct {
	collection string
	key        string
	owner      string
}

// MemKV is an in-memory KV fake with the same CAS/list contract as
// NakamaKV, used by every package's tests. Versions are monotonically
// increasing integers rendered as strings, so tests can assert on ordering
// if they need to.
type MemKV struct {
	mu      sync.Mutex
	records map[memKey]Record
	seq     int
}

func NewMemKV() *MemKV {
	return &MemKV{records: make(map[memKey]Record)}
}

func (m *MemKV) Get(_ context.Context, collection, key, owner string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey{collection, key, owner}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemKV) Put(_ context.Context, rec Record, expectedVersion string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{rec.Collection, rec.Key, rec.Owner}
	existing, exists := m.records[k]
	if expectedVersion != "" {
		if !exists || existing.Version != expectedVersion {
			return Record{}, ErrVersionMismatch
		}
	}
	m.seq++
	rec.Version = strconv.Itoa(m.seq)
	m.records[k] = rec
	return rec, nil
}

func (m *MemKV) Delete(_ context.Context, collection, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, memKey{collection, key, owner})
	return nil
}

func (m *MemKV) List(_ context.Context, collection, owner string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for k, rec := range m.records {
		if k.collection != collection {
			continue
		}
		if owner != System && k.owner != owner {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ KV = (*MemKV)(nil)

// MustGet is a test helper that fails loudly instead of returning an error.
func MustGet[T any](ctx context.Context, kv KV, collection, key, owner string) *T {
	v, _, err := GetJSON[T](ctx, kv, collection, key, owner)
	if err != nil {
		panic(fmt.Sprintf("store.MustGet(%s/%s/%s): %v", collection, key, owner, err))
	}
	return v
}
