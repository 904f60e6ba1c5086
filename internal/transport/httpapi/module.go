package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/fx"

	"github.com/talkrelay/relay/config"
	"github.com/talkrelay/relay/internal/domain/matchmaking"
	"github.com/talkrelay/relay/internal/domain/session"
)

var Module = fx.Module(
	"httpapi",
	fx.Provide(
		provideStats,
		provideRouter,
	),
)

// aggregateStats combines the three capabilities /health reports on into
// the single Stats surface Router consumes.
type aggregateStats struct {
	sessions *session.Registry
	queue    *matchmaking.Matchmaker
	rooms    *matchmaking.Rooms
}

func provideStats(sessions *session.Registry, queue *matchmaking.Matchmaker, rooms *matchmaking.Rooms) Stats {
	return &aggregateStats{sessions: sessions, queue: queue, rooms: rooms}
}

func (a *aggregateStats) GetSessionCount(ctx context.Context) (int, error) {
	return a.sessions.GetSessionCount(ctx)
}

func (a *aggregateStats) QueueLength(ctx context.Context) (int64, error) {
	return a.queue.QueueLength(ctx)
}

func (a *aggregateStats) RoomCount(ctx context.Context) (int64, error) {
	return a.rooms.RoomCount(ctx)
}

func provideRouter(stats Stats, cfg *config.Config) *Router {
	return New(stats, nil, string(cfg.Backend), cfg.Live.AdminKey, cfg.Live.CORSOrigins)
}

// RegisterMux mounts the admin/health router and the WS upgrade handler
// onto one *http.ServeMux, invoked from the app's top-level wiring to
// build the net/http.Server passed to fx.Lifecycle.
func RegisterMux(mux *http.ServeMux, router *Router, wsHandler http.Handler) {
	mux.Handle("/", router.Mount())
	mux.Handle("/ws", wsHandler)
}
