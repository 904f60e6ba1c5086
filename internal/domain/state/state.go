// Package state defines the polymorphic State Backend capability (§4.A):
// a single interface satisfied by an in-process implementation
// (internal/infra/state/localstate) and a Redis-backed one
// (internal/infra/state/redisstate). Every higher layer — the session
// registry, the rate limiter, the invite store, matchmaking — programs
// against Backend, never against a concrete driver.
//
// The shape deliberately mirrors github.com/redis/go-redis/v9's own method
// names (SetNX, LPush, RPop, SAdd, SIsMember, ...) so the Redis
// implementation is close to a direct pass-through and the local
// implementation reads as "Redis, but it's just a map".
package state

import (
	"context"
	"time"
)

// Backend is the capability set required of any state substrate.
// Every method is asynchronous in the sense that it takes a context and can
// fail; the local implementation simply never blocks on I/O.
type Backend interface {
	// Get returns the stored value, or ok=false if the key is absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// SetNX stores value under key only if key is currently absent, with
	// the given TTL (zero means no expiry). Returns whether the set
	// happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (didSet bool, err error)

	// Set unconditionally stores value under key with the given TTL (zero
	// means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del deletes zero or more keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Sorted-set-by-score index, used by the Session Registry to scan for
	// TTL expiry (§4.B) without relying on backend-specific keyspace
	// notifications.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// Lists back the FIFO matchmaking queue (§4.E).
	LPush(ctx context.Context, key string, member string) error
	RPop(ctx context.Context, key string) (member string, ok bool, err error)
	LRem(ctx context.Context, key string, member string) error
	LLen(ctx context.Context, key string) (int64, error)

	// Sets back membership views (queue set, rooms set).
	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SIsMember(ctx context.Context, key string, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Pipeline returns a batch of operations applied as one logical
	// transaction on Exec (§4.A, §4.E "Atomicity"). The local
	// implementation executes the batch under its single coordinating
	// lock; the Redis implementation uses a MULTI/EXEC pipeline.
	Pipeline() Pipeliner

	// Publish/Subscribe back the cross-node fan-out channel (§9
	// "Cross-node fan-out"). A subscription is scoped to one channel name
	// (by convention, "conn:{connectionId}") so that every node only
	// receives the events addressed to connections it might own.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases any underlying connection. Safe to call once at
	// process shutdown.
	Close() error
}

// Pipeliner batches write operations for atomic execution. Reads are not
// supported inside a pipeline — callers read beforehand and decide what to
// write from that snapshot, same as a real Redis MULTI/EXEC block.
type Pipeliner interface {
	SetNX(key string, value []byte, ttl time.Duration)
	Set(key string, value []byte, ttl time.Duration)
	Del(keys ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, member string)
	SAdd(key string, member string)
	SRem(key string, member string)
	LPush(key string, member string)
	LRem(key string, member string)

	// Exec applies every queued operation atomically and clears the batch.
	Exec(ctx context.Context) error
}

// Subscription is a live channel subscription returned by Backend.Subscribe.
type Subscription interface {
	// Messages yields payloads published to the subscribed channel.
	// The channel is closed once Close is called or the underlying
	// connection is torn down.
	Messages() <-chan []byte
	Close() error
}
