// Package ratelimit implements the per-session fixed-window message budget
// (§4.C): a courtesy limit, not a security boundary, so the read-modify-
// write under the shared backend is allowed to overshoot by a small
// constant under concurrent sends from the same session.
package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/talkrelay/relay/internal/domain/model"
	"github.com/talkrelay/relay/internal/domain/state"
)

const (
	keyPrefix = "rate:"

	// Window and Limit are fixed by the spec (§4.C).
	Window = 60 * time.Second
	Limit  = 30
)

// Limiter is the Rate Limiter capability (§4.C).
type Limiter struct {
	backend state.Backend
}

// New builds a Limiter over backend.
func New(backend state.Backend) *Limiter {
	return &Limiter{backend: backend}
}

func rateKey(sessionID string) string { return keyPrefix + sessionID }

// IsAllowed implements the fixed-window algorithm verbatim from §4.C:
// no entry, or the window has aged out -> reset to {count:1} and allow;
// count at or above Limit -> deny; otherwise increment and allow.
func (l *Limiter) IsAllowed(ctx context.Context, sessionID string) (bool, error) {
	now := time.Now()
	key := rateKey(sessionID)

	raw, ok, err := l.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}

	var counter model.RateCounter
	if ok {
		if err := json.Unmarshal(raw, &counter); err != nil {
			ok = false
		}
	}

	if !ok || now.Sub(counter.WindowStart) > Window {
		return true, l.write(ctx, key, model.RateCounter{Count: 1, WindowStart: now})
	}

	if counter.Count >= Limit {
		return false, nil
	}

	counter.Count++
	return true, l.write(ctx, key, counter)
}

func (l *Limiter) write(ctx context.Context, key string, counter model.RateCounter) error {
	payload, err := json.Marshal(counter)
	if err != nil {
		return err
	}
	// TTL a little past the window so an abandoned counter doesn't linger
	// forever in the shared backend.
	return l.backend.Set(ctx, key, payload, Window*2)
}

// ClearLimit deletes sessionID's counter (§4.C, invoked on disconnect and
// expiry per the cascade cleanup order in §1/§4.G).
func (l *Limiter) ClearLimit(ctx context.Context, sessionID string) error {
	return l.backend.Del(ctx, rateKey(sessionID))
}
