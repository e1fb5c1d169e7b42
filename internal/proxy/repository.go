package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/kv"
)

// ErrMalformedRecord rejects records that fail IsValidFormat.
var ErrMalformedRecord = errors.New("malformed proxy record")

// DefaultQueryCount is used when a Query asks for zero or fewer records.
const DefaultQueryCount = 1

// Query selects up to Count records matching Criteria.
type Query struct {
	Count    int
	Criteria Criteria
}

// Repository stores proxy records under their composite keys.
type Repository struct {
	store kv.Store
	clock crawler.Clock
}

// NewRepository builds a Repository over store.
func NewRepository(store kv.Store, clock crawler.Clock) *Repository {
	return &Repository{store: store, clock: clock}
}

// Save normalizes and validates r, then writes it. Malformed records never reach the store.
func (r *Repository) Save(ctx context.Context, rec Record) (string, error) {
	rec = rec.Normalize()
	if !IsValidFormat(rec) {
		return "", fmt.Errorf("%w: %s", ErrMalformedRecord, rec.URL())
	}
	if rec.CheckedAt == 0 {
		rec.CheckedAt = r.clock.Now().Unix()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	key := BuildKey(rec)
	if err := r.store.Set(ctx, key, string(payload)); err != nil {
		return "", fmt.Errorf("save %s: %w", key, err)
	}
	return key, nil
}

// Touch marks rec as validated now.
func (r *Repository) Touch(ctx context.Context, rec Record) error {
	rec.CheckedAt = r.clock.Now().Unix()
	_, err := r.Save(ctx, rec)
	return err
}

// Delete removes rec from the pool.
func (r *Repository) Delete(ctx context.Context, rec Record) error {
	key := BuildKey(rec.Normalize())
	if _, err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Count returns the number of records currently in the pool.
func (r *Repository) Count(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, KeyPrefix+wildcard)
	if err != nil {
		return 0, fmt.Errorf("count proxies: %w", err)
	}
	return len(keys), nil
}

// Query returns up to q.Count records matching the searchable part of q.Criteria, in key order.
func (r *Repository) Query(ctx context.Context, q Query) ([]Record, error) {
	count := q.Count
	if count <= 0 {
		count = DefaultQueryCount
	}
	pattern := BuildPattern(FilterSearchable(q.Criteria))
	return r.load(ctx, pattern, count)
}

// All returns every record in the pool.
func (r *Repository) All(ctx context.Context) ([]Record, error) {
	return r.load(ctx, KeyPrefix+wildcard, 0)
}

func (r *Repository) load(ctx context.Context, pattern string, limit int) ([]Record, error) {
	keys, err := r.store.Keys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		val, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if !ok {
			// expired or deleted between scan and load
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
