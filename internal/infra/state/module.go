// Package state's Module picks a concrete Backend at process start based on
// config.Config.Backend (§4.A), following the fx provider-selection pattern
// the teacher uses for its client modules (infra/client/di/module.go).
package state

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/talkrelay/relay/config"
	"github.com/talkrelay/relay/internal/domain/state"
	"github.com/talkrelay/relay/internal/infra/state/localstate"
	"github.com/talkrelay/relay/internal/infra/state/redisstate"
)

// Module provides the state.Backend the rest of the coordination plane
// depends on, plus a BackendName string for the health endpoint.
var Module = fx.Module(
	"state",
	fx.Provide(
		provideBackend,
		provideBackendName,
	),
	fx.Invoke(func(lc fx.Lifecycle, backend state.Backend) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return backend.Close() },
		})
	}),
)

// BackendName labels which Backend implementation is active, for /health.
type BackendName string

func provideBackendName(cfg *config.Config) BackendName {
	return BackendName(cfg.Backend)
}

func provideBackend(cfg *config.Config) (state.Backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opt)
		return redisstate.New(client, redisstate.Options{}), nil
	default:
		return localstate.New(), nil
	}
}
