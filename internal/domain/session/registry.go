// Package session implements the Session Registry (§4.B): the mapping from
// sessionId to its current connectionId and optional room binding, with a
// TTL on inactivity. It is backed by state.Backend so the same code runs
// whether the process is alone (localstate) or part of a fleet (redisstate).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/talkrelay/relay/internal/domain/model"
	"github.com/talkrelay/relay/internal/domain/state"
)

const (
	keyPrefix     = "sess:"
	byLastSeenKey = "sessions:byLastSeen"

	// DefaultTTL is the recommended inactivity TTL from §4.B.
	DefaultTTL = 30 * time.Minute
)

// ExpireHandler is invoked with a batch of sessions that just crossed their
// TTL (§4.B "setExpireHandler", §4.G).
type ExpireHandler func(ctx context.Context, expired []model.ExpiredSession)

// Registry is the Session Registry capability (§4.B operations).
type Registry struct {
	backend state.Backend
	ttl     time.Duration

	// cache is an optional read-through LRU in front of the shared
	// backend, cutting round trips for getSession under Redis mode
	// (SPEC_FULL "DOMAIN STACK" — hashicorp/golang-lru). It is never
	// consulted for writes: every mutation goes straight to the backend
	// and then invalidates or refreshes the cached entry, so the cache
	// can never be the source of a stale room/connection binding for
	// longer than one round trip.
	cache *lru.Cache[string, model.Session]

	mu      sync.Mutex
	onExpire ExpireHandler
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithReadCache enables the local LRU front-cache with the given capacity.
func WithReadCache(size int) Option {
	return func(r *Registry) {
		c, err := lru.New[string, model.Session](size)
		if err == nil {
			r.cache = c
		}
	}
}

// New builds a Registry over backend.
func New(backend state.Backend, opts ...Option) *Registry {
	r := &Registry{backend: backend, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sessionKey(id string) string { return keyPrefix + id }

// AddSession upserts sessionId -> connectionId, resetting lastSeenAt
// (§4.B). The caller is responsible for closing any prior connection
// before calling this for a takeover (§4.F `join`, §5 "Force-disconnect
// safety").
func (r *Registry) AddSession(ctx context.Context, sessionID, connectionID string) (model.Session, error) {
	now := time.Now()

	existing, _ := r.GetSession(ctx, sessionID)

	sess := model.Session{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		RoomID:       existing.RoomID,
		CreatedAt:    existing.CreatedAt,
		LastSeenAt:   now,
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	if err := r.store(ctx, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (r *Registry) store(ctx context.Context, sess model.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	// No per-key expiry: the record must still be readable when Sweep
	// finds it past the TTL, so the expire handler receives its connection
	// and room binding. The handler's cleanup removes it.
	if err := r.backend.Set(ctx, sessionKey(sess.SessionID), payload, 0); err != nil {
		return err
	}
	if err := r.backend.ZAdd(ctx, byLastSeenKey, float64(sess.LastSeenAt.Unix()), sess.SessionID); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Add(sess.SessionID, sess)
	}
	return nil
}

// GetSession returns the session, or ok=false if it doesn't exist. A
// session past its TTL stays readable until the expire handler removes it.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (model.Session, bool) {
	if r.cache != nil {
		if sess, ok := r.cache.Get(sessionID); ok {
			return sess, true
		}
	}

	raw, ok, err := r.backend.Get(ctx, sessionKey(sessionID))
	if err != nil || !ok {
		return model.Session{}, false
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return model.Session{}, false
	}
	if r.cache != nil {
		r.cache.Add(sessionID, sess)
	}
	return sess, true
}

// SetSessionRoom binds sessionID to roomID. No-op if the session is
// missing.
func (r *Registry) SetSessionRoom(ctx context.Context, sessionID, roomID string) error {
	sess, ok := r.GetSession(ctx, sessionID)
	if !ok {
		return nil
	}
	sess.RoomID = roomID
	return r.store(ctx, sess)
}

// ClearSessionRoom removes sessionID's room binding. No-op if the session
// is missing.
func (r *Registry) ClearSessionRoom(ctx context.Context, sessionID string) error {
	return r.SetSessionRoom(ctx, sessionID, "")
}

// DetachConnection nulls out the connectionId without removing the
// session, used when a new `join` takes over (§5 "Force-disconnect
// safety": clear the binding before force-closing the old connection so
// its disconnect handler sees no session to clean up).
func (r *Registry) DetachConnection(ctx context.Context, sessionID string) error {
	sess, ok := r.GetSession(ctx, sessionID)
	if !ok {
		return nil
	}
	sess.ConnectionID = ""
	return r.store(ctx, sess)
}

// RemoveSession deletes sessionID entirely.
func (r *Registry) RemoveSession(ctx context.Context, sessionID string) error {
	if err := r.backend.Del(ctx, sessionKey(sessionID)); err != nil {
		return err
	}
	if err := r.backend.ZRem(ctx, byLastSeenKey, sessionID); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Remove(sessionID)
	}
	return nil
}

// GetSessionCount reports the number of indexed sessions, used for the
// health endpoint. It is a point-in-time estimate: the sorted index can
// briefly lag removals under the shared backend.
func (r *Registry) GetSessionCount(ctx context.Context) (int, error) {
	members, err := r.backend.ZRangeByScore(ctx, byLastSeenKey, negInf, posInf)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// SetExpireHandler registers the callback invoked with every batch of
// sessions the sweeper finds past TTL (§4.B, §4.G).
func (r *Registry) SetExpireHandler(fn ExpireHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Sweep scans the lastSeenAt index for sessions older than the configured
// TTL and invokes the expire handler with the batch (§4.G). It is called
// by the expiry sweeper on its own cadence; it never runs concurrently
// with itself from a single sweeper, but is safe to interleave with
// ordinary disconnects because removal is idempotent.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := float64(time.Now().Add(-r.ttl).Unix())
	ids, err := r.backend.ZRangeByScore(ctx, byLastSeenKey, negInf, cutoff)
	if err != nil || len(ids) == 0 {
		return
	}

	batch := make([]model.ExpiredSession, 0, len(ids))
	for _, id := range ids {
		sess, ok := r.GetSession(ctx, id)
		if !ok {
			// Already gone; just drop the stale index entry.
			_ = r.backend.ZRem(ctx, byLastSeenKey, id)
			continue
		}
		batch = append(batch, model.ExpiredSession{
			SessionID:    sess.SessionID,
			ConnectionID: sess.ConnectionID,
			RoomID:       sess.RoomID,
		})
	}
	if len(batch) == 0 {
		return
	}

	r.mu.Lock()
	handler := r.onExpire
	r.mu.Unlock()
	if handler != nil {
		handler(ctx, batch)
	}
}

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)
