// Package memory provides an in-process kv.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/JakeFAU/proxy-harvester/internal/clock/system"
	"github.com/JakeFAU/proxy-harvester/internal/crawler"
)

type entry struct {
	value    string
	expireAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// Store keeps values in a map and honours per-key expiry against an injected clock.
type Store struct {
	mu    sync.RWMutex
	data  map[string]entry
	clock crawler.Clock
}

// NewStore constructs a Store. A nil clock falls back to the system clock.
func NewStore(clock crawler.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		data:  make(map[string]entry),
		clock: clock,
	}
}

// Get returns the live value for key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || e.expired(s.clock.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value and drops any previous expiry, like redis SET.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: value}
	return nil
}

// Expire attaches a ttl to a live key.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	e, ok := s.data[key]
	if !ok || e.expired(now) {
		return nil
	}
	if ttl <= 0 {
		delete(s.data, key)
		return nil
	}
	e.expireAt = now.Add(ttl)
	s.data[key] = e
	return nil
}

// SetNX stores value with ttl only when key is absent.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if e, ok := s.data[key]; ok && !e.expired(now) {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = now.Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

// Delete removes keys and returns how many were live.
func (s *Store) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var n int64
	for _, key := range keys {
		e, ok := s.data[key]
		if !ok {
			continue
		}
		if !e.expired(now) {
			n++
		}
		delete(s.data, key)
	}
	return n, nil
}

// Keys returns live keys matching a redis-style glob, sorted for stable output.
func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	g, err := compileRedisGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]string, 0)
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			continue
		}
		if g.Match(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// redis globs have no alternation, so braces and commas match literally.
var braceEscaper = strings.NewReplacer("{", `\{`, "}", `\}`, ",", `\,`)

func compileRedisGlob(pattern string) (glob.Glob, error) {
	return glob.Compile(braceEscaper.Replace(pattern))
}
