package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/talkrelay/relay/config"
	"github.com/talkrelay/relay/internal/domain/invite"
	"github.com/talkrelay/relay/internal/domain/matchmaking"
	"github.com/talkrelay/relay/internal/domain/ratelimit"
	"github.com/talkrelay/relay/internal/domain/session"
	infrastate "github.com/talkrelay/relay/internal/infra/state"
	"github.com/talkrelay/relay/internal/infra/pubsub/redisbus"
	"github.com/talkrelay/relay/internal/service/dispatcher"
	"github.com/talkrelay/relay/internal/service/sweeper"
	"github.com/talkrelay/relay/internal/transport/httpapi"
	"github.com/talkrelay/relay/internal/transport/ws"
)

// NewApp wires every coordination-plane module behind fx, following the
// shape of the teacher's cmd/fx.go: one fx.Provide for process-wide
// singletons (config, logger), then one Module per package, then the
// cross-package interface bindings that let one module's struct satisfy
// another's narrower dependency interface without those packages
// importing each other.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),

		infrastate.Module,
		session.Module,
		ratelimit.Module,
		invite.Module,
		matchmaking.Module,
		redisbus.Module,
		dispatcher.Module,
		sweeper.Module,
		ws.Module,
		httpapi.Module,

		fx.Provide(
			func(o *redisbus.CrossNodeOutbox) ws.RemoteOutbox { return o },
			func(h *ws.Hub) dispatcher.Outbox { return h },
			func(d *dispatcher.Dispatcher) ws.Dispatcher { return d },
		),

		fx.Invoke(registerServer),
	)
}

// registerServer builds the net/http.Server and wires it into fx's
// lifecycle, mirroring the teacher's grpc server module's OnStart/OnStop
// pattern (infra/server/grpc).
func registerServer(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger, router *httpapi.Router, wsHandler *ws.Handler) {
	mux := http.NewServeMux()
	httpapi.RegisterMux(mux, router, wsHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting server", "port", cfg.Port, "backend", cfg.Backend)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("server stopped unexpectedly", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
