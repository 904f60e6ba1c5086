// Package redisstate implements state.Backend on top of a real Redis
// instance via github.com/redis/go-redis/v9 (§4.A option 2). Every call
// except Subscribe is routed through a github.com/sony/gobreaker circuit
// breaker: once Redis starts failing consistently we trip open and fail
// fast with a relayerr error of KindBackendUnavailable (a wrapped error,
// not the relayerr.ErrBackendUnavailable value itself) instead of piling up blocked goroutines
// against a downed dependency (§7 "BackendUnavailable").
package redisstate

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/talkrelay/relay/internal/domain/relayerr"
	"github.com/talkrelay/relay/internal/domain/state"
)

// Backend adapts a *redis.Client to state.Backend.
type Backend struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Options configures the circuit breaker guarding every Redis call.
type Options struct {
	// MaxConsecutiveFailures before the breaker opens. Zero uses a
	// production default of 5.
	MaxConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before allowing a
	// single probe request through. Zero defaults to 10s.
	OpenTimeout time.Duration
}

// New wraps an existing Redis client. The caller owns connecting/closing
// the client's underlying network resources beyond Backend.Close.
func New(client *redis.Client, opts Options) *Backend {
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = 5
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "redis-state-backend",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxConsecutiveFailures
		},
		Timeout: opts.OpenTimeout,
	})

	return &Backend{client: client, cb: cb}
}

var _ state.Backend = (*Backend)(nil)

// call runs fn through the circuit breaker, translating a tripped breaker
// or a bare redis.Nil miss into the shapes the rest of the system expects.
func call[T any](b *Backend, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		res, err := fn()
		if err != nil && !errors.Is(err, redis.Nil) {
			return res, err
		}
		return res, nil
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, relayerr.Wrap(relayerr.KindBackendUnavailable, "shared state backend unavailable", err)
		}
		return zero, relayerr.Wrap(relayerr.KindBackendUnavailable, "shared state backend error", err)
	}
	return v.(T), nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		val []byte
		ok  bool
	}
	r, err := call(b, func() (result, error) {
		v, err := b.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{val: v, ok: true}, nil
	})
	return r.val, r.ok, err
}

func (b *Backend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return call(b, func() (bool, error) {
		return b.client.SetNX(ctx, key, value, ttl).Result()
	})
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (b *Backend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.Del(ctx, keys...).Err()
	})
	return err
}

func (b *Backend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

func (b *Backend) ZRem(ctx context.Context, key string, member string) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.ZRem(ctx, key, member).Err()
	})
	return err
}

func (b *Backend) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return call(b, func() ([]string, error) {
		return b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: formatScore(min),
			Max: formatScore(max),
		}).Result()
	})
}

func (b *Backend) LPush(ctx context.Context, key string, member string) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.LPush(ctx, key, member).Err()
	})
	return err
}

func (b *Backend) RPop(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		val string
		ok  bool
	}
	r, err := call(b, func() (result, error) {
		v, err := b.client.RPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{val: v, ok: true}, nil
	})
	return r.val, r.ok, err
}

func (b *Backend) LRem(ctx context.Context, key string, member string) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.LRem(ctx, key, 0, member).Err()
	})
	return err
}

func (b *Backend) LLen(ctx context.Context, key string) (int64, error) {
	return call(b, func() (int64, error) {
		return b.client.LLen(ctx, key).Result()
	})
}

func (b *Backend) SAdd(ctx context.Context, key string, member string) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.SAdd(ctx, key, member).Err()
	})
	return err
}

func (b *Backend) SRem(ctx context.Context, key string, member string) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.SRem(ctx, key, member).Err()
	})
	return err
}

func (b *Backend) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	return call(b, func() (bool, error) {
		return b.client.SIsMember(ctx, key, member).Result()
	})
}

func (b *Backend) SCard(ctx context.Context, key string) (int64, error) {
	return call(b, func() (int64, error) {
		return b.client.SCard(ctx, key).Result()
	})
}

func (b *Backend) Pipeline() state.Pipeliner {
	return &pipeline{backend: b}
}

func (b *Backend) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, b.client.Publish(ctx, channel, payload).Err()
	})
	return err
}

func (b *Backend) Subscribe(ctx context.Context, channel string) (state.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, relayerr.Wrap(relayerr.KindBackendUnavailable, "subscribe failed", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return &subscription{ch: out, ps: ps}, nil
}

func (b *Backend) Close() error { return b.client.Close() }

type subscription struct {
	ch chan []byte
	ps *redis.PubSub
}

func (s *subscription) Messages() <-chan []byte { return s.ch }
func (s *subscription) Close() error            { return s.ps.Close() }

// pipeline accumulates writes for a MULTI/EXEC-style atomic apply.
type pipeline struct {
	backend *Backend
	ops     []func(pipe redis.Pipeliner)
}

func (p *pipeline) SetNX(key string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.SetNX(context.Background(), key, value, ttl) })
}

func (p *pipeline) Set(key string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.Set(context.Background(), key, value, ttl) })
}

func (p *pipeline) Del(keys ...string) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.Del(context.Background(), keys...) })
}

func (p *pipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) {
		pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
	})
}

func (p *pipeline) ZRem(key string, member string) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.ZRem(context.Background(), key, member) })
}

func (p *pipeline) SAdd(key string, member string) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.SAdd(context.Background(), key, member) })
}

func (p *pipeline) SRem(key string, member string) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.SRem(context.Background(), key, member) })
}

func (p *pipeline) LPush(key string, member string) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.LPush(context.Background(), key, member) })
}

func (p *pipeline) LRem(key string, member string) {
	p.ops = append(p.ops, func(pipe redis.Pipeliner) { pipe.LRem(context.Background(), key, 0, member) })
}

func (p *pipeline) Exec(ctx context.Context) error {
	ops := p.ops
	p.ops = nil
	_, err := call(p.backend, func() (struct{}, error) {
		_, err := p.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range ops {
				op(pipe)
			}
			return nil
		})
		return struct{}{}, err
	})
	return err
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}
