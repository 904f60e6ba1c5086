package redisbus

import "go.uber.org/fx"

// Module provides the cross-node bus over whichever state.Backend is
// active. localstate's Publish/Subscribe already fan out in-process, so
// this wiring is identical whether the deployment is a single node or a
// fleet behind Redis (§9 "Cross-node fan-out"). The binding of
// *CrossNodeOutbox to internal/transport/ws.RemoteOutbox is annotated at
// the top-level app wiring (cmd/fx.go) to avoid this package depending on
// the transport layer.
var Module = fx.Module(
	"pubsub",
	fx.Provide(
		New,
		NewCrossNodeOutbox,
	),
)
