package ws

import (
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/talkrelay/relay/config"
)

var Module = fx.Module(
	"ws",
	fx.Provide(
		NewHub,
		provideHandler,
	),
)

func provideHandler(log *slog.Logger, d Dispatcher, hub *Hub, cfg *config.Config) *Handler {
	return NewHandler(log, d, hub, allowedOrigin(cfg))
}

// allowedOrigin checks the WS upgrade's Origin header against the live
// CORS allow-list, matching the policy enforced for the HTTP admin surface
// rather than gorilla/websocket's permissive any-origin default.
func allowedOrigin(cfg *config.Config) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range cfg.Live.CORSOrigins() {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
