// Package localstate implements state.Backend with process-private maps,
// lists and sets under a single coordinating lock (§4.A option 1, §5
// "a single coarse lock ... is sufficient and correct; contention is low").
//
// Publish/Subscribe delivers synchronously to any local subscribers of the
// same channel — there is no other node to fan out to, so this is the
// degenerate, single-process case of the same mechanism the Redis backend
// uses for real cross-node delivery.
package localstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/talkrelay/relay/internal/domain/state"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Backend is the in-process state.Backend implementation.
type Backend struct {
	mu sync.Mutex

	kv     map[string]entry
	zsets  map[string]map[string]float64
	lists  map[string][]string
	sets   map[string]map[string]struct{}

	subsMu sync.Mutex
	subs   map[string][]*subscription
}

// New returns an empty, ready-to-use local backend.
func New() *Backend {
	return &Backend{
		kv:    make(map[string]entry),
		zsets: make(map[string]map[string]float64),
		lists: make(map[string][]string),
		sets:  make(map[string]map[string]struct{}),
		subs:  make(map[string][]*subscription),
	}
}

var _ state.Backend = (*Backend)(nil)

func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(key)
}

func (b *Backend) getLocked(key string) ([]byte, bool, error) {
	e, ok := b.kv[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(b.kv, key)
		}
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *Backend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok, _ := b.getLocked(key); ok {
		return false, nil
	}
	b.setLocked(key, value, ttl)
	return true, nil
}

func (b *Backend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(key, value, ttl)
	return nil
}

func (b *Backend) setLocked(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	b.kv[key] = entry{value: value, expires: expires}
}

func (b *Backend) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delLocked(keys...)
	return nil
}

func (b *Backend) delLocked(keys ...string) {
	for _, k := range keys {
		delete(b.kv, k)
	}
}

func (b *Backend) ZAdd(_ context.Context, key string, score float64, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zaddLocked(key, score, member)
	return nil
}

func (b *Backend) zaddLocked(key string, score float64, member string) {
	z, ok := b.zsets[key]
	if !ok {
		z = make(map[string]float64)
		b.zsets[key] = z
	}
	z[member] = score
}

func (b *Backend) ZRem(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zremLocked(key, member)
	return nil
}

func (b *Backend) zremLocked(key string, member string) {
	if z, ok := b.zsets[key]; ok {
		delete(z, member)
	}
}

func (b *Backend) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	z := b.zsets[key]
	out := make([]string, 0, len(z))
	for member, score := range z {
		if score >= min && score <= max {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return z[out[i]] < z[out[j]] })
	return out, nil
}

func (b *Backend) LPush(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[key] = append([]string{member}, b.lists[key]...)
	return nil
}

func (b *Backend) RPop(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	last := l[len(l)-1]
	b.lists[key] = l[:len(l)-1]
	return last, true, nil
}

func (b *Backend) LRem(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lremLocked(key, member)
	return nil
}

func (b *Backend) lremLocked(key string, member string) {
	l := b.lists[key]
	out := l[:0]
	for _, v := range l {
		if v != member {
			out = append(out, v)
		}
	}
	b.lists[key] = out
}

func (b *Backend) LLen(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lists[key])), nil
}

func (b *Backend) SAdd(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saddLocked(key, member)
	return nil
}

func (b *Backend) saddLocked(key string, member string) {
	s, ok := b.sets[key]
	if !ok {
		s = make(map[string]struct{})
		b.sets[key] = s
	}
	s[member] = struct{}{}
}

func (b *Backend) SRem(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sremLocked(key, member)
	return nil
}

func (b *Backend) sremLocked(key string, member string) {
	if s, ok := b.sets[key]; ok {
		delete(s, member)
	}
}

func (b *Backend) SIsMember(_ context.Context, key string, member string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sets[key][member]
	return ok, nil
}

func (b *Backend) SCard(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.sets[key])), nil
}

// Pipeline returns a batch that, on Exec, applies every queued op under the
// same single lock used for everything else — atomic by construction.
func (b *Backend) Pipeline() state.Pipeliner {
	return &pipeline{backend: b}
}

type op func(b *Backend)

type pipeline struct {
	backend *Backend
	ops     []op
}

func (p *pipeline) SetNX(key string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, func(b *Backend) {
		if _, ok, _ := b.getLocked(key); !ok {
			b.setLocked(key, value, ttl)
		}
	})
}

func (p *pipeline) Set(key string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, func(b *Backend) { b.setLocked(key, value, ttl) })
}

func (p *pipeline) Del(keys ...string) {
	p.ops = append(p.ops, func(b *Backend) { b.delLocked(keys...) })
}

func (p *pipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(b *Backend) { b.zaddLocked(key, score, member) })
}

func (p *pipeline) ZRem(key string, member string) {
	p.ops = append(p.ops, func(b *Backend) { b.zremLocked(key, member) })
}

func (p *pipeline) SAdd(key string, member string) {
	p.ops = append(p.ops, func(b *Backend) { b.saddLocked(key, member) })
}

func (p *pipeline) SRem(key string, member string) {
	p.ops = append(p.ops, func(b *Backend) { b.sremLocked(key, member) })
}

func (p *pipeline) LPush(key string, member string) {
	p.ops = append(p.ops, func(b *Backend) {
		b.lists[key] = append([]string{member}, b.lists[key]...)
	})
}

func (p *pipeline) LRem(key string, member string) {
	p.ops = append(p.ops, func(b *Backend) { b.lremLocked(key, member) })
}

func (p *pipeline) Exec(_ context.Context) error {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	for _, o := range p.ops {
		o(p.backend)
	}
	p.ops = nil
	return nil
}

// subscription is the local Subscription implementation: a buffered channel
// fed directly by Publish.
type subscription struct {
	ch     chan []byte
	parent *Backend
	topic  string
	once   sync.Once
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.parent.subsMu.Lock()
		defer s.parent.subsMu.Unlock()
		subs := s.parent.subs[s.topic]
		for i, sub := range subs {
			if sub == s {
				s.parent.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

func (b *Backend) Publish(_ context.Context, channel string, payload []byte) error {
	b.subsMu.Lock()
	subs := append([]*subscription(nil), b.subs[channel]...)
	b.subsMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			// Best-effort: a slow local subscriber never blocks the publisher.
		}
	}
	return nil
}

func (b *Backend) Subscribe(_ context.Context, channel string) (state.Subscription, error) {
	s := &subscription{ch: make(chan []byte, 32), parent: b, topic: channel}
	b.subsMu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.subsMu.Unlock()
	return s, nil
}

func (b *Backend) Close() error { return nil }
