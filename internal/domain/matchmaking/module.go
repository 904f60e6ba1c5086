package matchmaking

import "go.uber.org/fx"

// Module provides Rooms before Matchmaker, since the matchmaker needs a
// constructed Rooms to install pairings into.
var Module = fx.Module(
	"matchmaking",
	fx.Provide(
		NewRooms,
		New,
	),
)
