// Package lease tracks which harvesting sources currently have a job running.
//
// A lease is a key under KeyPrefix whose value is the job's start time in epoch seconds. It is
// written when a job is dispatched, deleted by the job's completion hook, and expires after TTL so
// that a job which dies without running its hook cannot block its source forever.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/kv"
)

// KeyPrefix namespaces lease keys apart from proxy record keys.
const KeyPrefix = "spider_"

// TTL is the hard ceiling on a lease's lifetime regardless of how long the job actually runs.
const TTL = 4 * time.Hour

// ErrInvalidSelector is returned when a status query names both or neither of Key and Keys.
// It marks a programming error and must not be retried.
var ErrInvalidSelector = errors.New("lease: exactly one of key or keys must be set")

// Key returns the lease key for a source name.
func Key(source string) string {
	return KeyPrefix + source
}

// Query selects the leases CheckStatus reads.
type Query struct {
	Key    string
	Keys   []string
	Detail bool
}

// Status is the stored state of one lease. StartTime is nil when no lease exists. TotalTime is
// only populated for detailed queries on a live lease.
type Status struct {
	Key       string `json:"key"`
	StartTime *int64 `json:"start_time"`
	TotalTime *int64 `json:"total_time"`
}

// Running reports whether the lease is held.
func (s Status) Running() bool {
	return s.StartTime != nil
}

// Release describes the outcome of Unregister. Elapsed is nil when the lease was already gone.
type Release struct {
	Deleted int64  `json:"deleted"`
	Elapsed *int64 `json:"total_time"`
}

// Registry reads and writes leases in the shared store.
type Registry struct {
	store kv.Store
	clock crawler.Clock
}

// NewRegistry constructs a Registry.
func NewRegistry(store kv.Store, clock crawler.Clock) *Registry {
	return &Registry{store: store, clock: clock}
}

// CheckStatus reads the leases named by q in input order.
func (r *Registry) CheckStatus(ctx context.Context, q Query) ([]Status, error) {
	hasKey, hasKeys := q.Key != "", len(q.Keys) > 0
	if hasKey == hasKeys {
		return nil, ErrInvalidSelector
	}
	keys := q.Keys
	if hasKey {
		keys = []string{q.Key}
	}

	now := r.clock.Now().Unix()
	out := make([]Status, 0, len(keys))
	for _, key := range keys {
		start, err := r.startTime(ctx, key)
		if err != nil {
			return nil, err
		}
		st := Status{Key: key, StartTime: start}
		if q.Detail && start != nil {
			total := now - *start
			st.TotalTime = &total
		}
		out = append(out, st)
	}
	return out, nil
}

// Check reads a single lease.
func (r *Registry) Check(ctx context.Context, key string, detail bool) (Status, error) {
	res, err := r.CheckStatus(ctx, Query{Key: key, Detail: detail})
	if err != nil {
		return Status{}, err
	}
	return res[0], nil
}

// CheckAll reads several leases, preserving the order of keys.
func (r *Registry) CheckAll(ctx context.Context, keys []string, detail bool) ([]Status, error) {
	return r.CheckStatus(ctx, Query{Keys: keys, Detail: detail})
}

// AllStatus returns detailed status for every live lease, sorted by key.
func (r *Registry) AllStatus(ctx context.Context) ([]Status, error) {
	keys, err := r.store.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	if len(keys) == 0 {
		return []Status{}, nil
	}
	sort.Strings(keys)
	return r.CheckAll(ctx, keys, true)
}

// Register writes a lease for key stamped with the current time and arms its TTL.
// An existing lease is overwritten.
func (r *Registry) Register(ctx context.Context, key string) (int64, error) {
	start := r.clock.Now().Unix()
	if err := r.store.Set(ctx, key, strconv.FormatInt(start, 10)); err != nil {
		return 0, fmt.Errorf("register lease %s: %w", key, err)
	}
	if err := r.store.Expire(ctx, key, TTL); err != nil {
		return 0, fmt.Errorf("expire lease %s: %w", key, err)
	}
	return start, nil
}

// TryRegister takes the lease only if nobody holds it. Stores without a conditional set fall back
// to a check followed by Register, which is not atomic.
func (r *Registry) TryRegister(ctx context.Context, key string) (int64, bool, error) {
	start := r.clock.Now().Unix()
	if atomic, ok := r.store.(kv.AtomicStore); ok {
		acquired, err := atomic.SetNX(ctx, key, strconv.FormatInt(start, 10), TTL)
		if err != nil {
			return 0, false, fmt.Errorf("acquire lease %s: %w", key, err)
		}
		return start, acquired, nil
	}
	st, err := r.Check(ctx, key, false)
	if err != nil {
		return 0, false, err
	}
	if st.Running() {
		return 0, false, nil
	}
	start, err = r.Register(ctx, key)
	if err != nil {
		return 0, false, err
	}
	return start, true, nil
}

// Unregister deletes the lease and reports how long it was held. A lease that already expired or
// never existed yields a nil Elapsed rather than an error.
func (r *Registry) Unregister(ctx context.Context, key string) (Release, error) {
	var rel Release
	start, err := r.startTime(ctx, key)
	if err != nil {
		return rel, err
	}
	if start != nil {
		elapsed := r.clock.Now().Unix() - *start
		rel.Elapsed = &elapsed
	}
	n, err := r.store.Delete(ctx, key)
	if err != nil {
		return rel, fmt.Errorf("delete lease %s: %w", key, err)
	}
	rel.Deleted = n
	return rel, nil
}

// startTime loads the stored timestamp. Unparsable values count as absent.
func (r *Registry) startTime(ctx context.Context, key string) (*int64, error) {
	val, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read lease %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	start, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, nil //nolint:nilerr // a corrupt timestamp means unknown elapsed time
	}
	return &start, nil
}
