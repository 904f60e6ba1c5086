package sweeper

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/talkrelay/relay/internal/domain/session"
)

var Module = fx.Module(
	"sweeper",
	fx.Provide(provideSweeper),
	fx.Invoke(func(lc fx.Lifecycle, s *Sweeper) {
		lc.Append(fx.Hook{OnStart: s.Start, OnStop: s.Stop})
	}),
)

func provideSweeper(registry *session.Registry, log *slog.Logger) *Sweeper {
	return New(registry, log)
}
