// Package session implements the step-up (second factor) assertion state
// machine from spec §4.6: Unasserted -> Asserted(expiry) -> Unasserted on
// expiry, with idempotent re-assertion extending the expiry window.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sentryrag/pkg/store"
)

const keyPrefix = "stepup:"

// DefaultTTL is the spec §9-recommended step-up assertion lifetime.
const DefaultTTL = 300 * time.Second

// Store tracks step-up assertions on top of the shared TTL cache.
type Store struct {
	Cache store.Cache
	TTL   time.Duration
}

func New(cache store.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{Cache: cache, TTL: ttl}
}

// Assert marks subject as having satisfied step-up, extending the expiry
// window. Idempotent: re-asserting an already-asserted subject simply resets
// the TTL rather than erroring.
func (s *Store) Assert(ctx context.Context, subject string) error {
	if s.Cache == nil {
		return errors.New("session: cache required")
	}
	if err := s.Cache.Set(ctx, keyPrefix+subject, time.Now().UTC().Format(time.RFC3339), s.TTL); err != nil {
		return fmt.Errorf("session: assert: %w", err)
	}
	return nil
}

// Satisfied reports whether subject currently has a live step-up assertion.
// A cache miss (including natural TTL expiry) means Unasserted, not an error.
func (s *Store) Satisfied(ctx context.Context, subject string) (bool, error) {
	if s.Cache == nil {
		return false, errors.New("session: cache required")
	}
	_, err := s.Cache.Get(ctx, keyPrefix+subject)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("session: satisfied: %w", err)
	}
	return true, nil
}

// Clear revokes subject's step-up assertion immediately, before natural expiry.
func (s *Store) Clear(ctx context.Context, subject string) error {
	if s.Cache == nil {
		return errors.New("session: cache required")
	}
	return s.Cache.Del(ctx, keyPrefix+subject)
}
