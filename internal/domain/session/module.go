package session

import (
	"go.uber.org/fx"

	"github.com/talkrelay/relay/config"
	"github.com/talkrelay/relay/internal/domain/state"
)

// cacheSize is a production-sized front cache for the shared-backend case.
const cacheSize = 10_000

// Module provides the Session Registry, enabling the read-through LRU
// cache only when the shared (Redis) backend is active — a single
// process's own localstate map has no round trip to save (§DOMAIN STACK).
var Module = fx.Module(
	"session",
	fx.Provide(provideRegistry),
)

func provideRegistry(backend state.Backend, cfg *config.Config) *Registry {
	opts := []Option{WithTTL(cfg.SessionTTL)}
	if cfg.Backend == config.BackendRedis {
		opts = append(opts, WithReadCache(cacheSize))
	}
	return New(backend, opts...)
}
