package meta

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
)

// Provider supplies table metadata. Implementations may hit a remote
// cache or a database, so both calls take a context.
type Provider interface {
	GetTable(ctx context.Context, name string) (*Table, error)
	ListTables(ctx context.Context) ([]*Table, error)
}

// StaticProvider serves a fixed table list. Used when metadata comes from
// configuration or a schema file.
type StaticProvider struct {
	tables []*Table
}

// NewStaticProvider returns a provider over the given tables.
func NewStaticProvider(tables []*Table) *StaticProvider {
	return &StaticProvider{tables: tables}
}

// GetTable returns the named table.
func (p *StaticProvider) GetTable(ctx context.Context, name string) (*Table, error) {
	for _, t := range p.tables {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, ErrTableNotFound
}

// ListTables returns all tables.
func (p *StaticProvider) ListTables(ctx context.Context) ([]*Table, error) {
	return p.tables, nil
}

const snapshotKey = "schema"

// Store holds the current Schema snapshot built from a Provider and
// refreshes it when older than the TTL. Readers always get a complete
// snapshot: during a refresh they may observe the previous one, never a
// mix, and a failed refresh serves the last good snapshot.
type Store struct {
	provider Provider
	ttl      time.Duration
	cache    cache.Cache
	mu       sync.Mutex
	last     atomic.Pointer[Schema]
}

// NewStore builds a Store over the provider. A ttl of zero disables
// expiry; the snapshot then only changes via Invalidate.
func NewStore(p Provider, ttl time.Duration) (*Store, error) {
	opts := []cache.Option{cache.MaxKeys(1)}
	if ttl > 0 {
		opts = append(opts, cache.TTL(ttl))
	}
	c, err := cache.NewCache(opts...)
	if err != nil {
		return nil, err
	}
	return &Store{provider: p, ttl: ttl, cache: c}, nil
}

// Snapshot returns the current schema, rebuilding it from the provider
// when the cached one has expired.
func (s *Store) Snapshot(ctx context.Context) (*Schema, error) {
	if v, ok := s.cache.Get(snapshotKey); ok {
		return v.(*Schema), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(snapshotKey); ok {
		return v.(*Schema), nil
	}

	sc, err := s.rebuild(ctx)
	if err != nil {
		if last := s.last.Load(); last != nil {
			return last, nil
		}
		return nil, err
	}
	s.cache.Set(snapshotKey, sc, s.ttl)
	s.last.Store(sc)
	return sc, nil
}

// Invalidate drops the cached snapshot so the next Snapshot call hits
// the provider.
func (s *Store) Invalidate() {
	s.cache.Invalidate(snapshotKey)
}

func (s *Store) rebuild(ctx context.Context) (*Schema, error) {
	tables, err := s.provider.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	return NewSchema(tables)
}
