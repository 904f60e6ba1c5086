// Package ws is the WebSocket transport (§6): it frames the JSON event
// envelope on the wire, owns the per-connection read/write pumps, and
// implements dispatcher.Outbox for connections this node owns directly.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/talkrelay/relay/internal/domain/protocol"
)

// Dispatcher is the subset of dispatcher.Dispatcher the transport needs,
// kept narrow so this package doesn't import the service layer's full
// surface.
type Dispatcher interface {
	Handle(ctx context.Context, sessionID, connectionID string, in protocol.InEnvelope)
	Disconnect(ctx context.Context, sessionID, connectionID string)
}

// readLimit bounds a single incoming frame. It comfortably covers a
// base64-encoded MaxEncryptedBytes payload plus its JSON envelope
// overhead; anything larger is rejected by gorilla/websocket before it
// ever reaches the dispatcher's own size check.
const readLimit = protocol.MaxEncryptedBytes*4/3 + 4096

const pongWait = 60 * time.Second

type Handler struct {
	log        *slog.Logger
	dispatcher Dispatcher
	hub        *Hub
	upgrader   websocket.Upgrader
}

func NewHandler(log *slog.Logger, dispatcher Dispatcher, hub *Hub, allowedOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		log:        log,
		dispatcher: dispatcher,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: allowedOrigin,
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's lifetime: a
// read pump parsing envelopes into dispatcher.Handle calls, alongside the
// Hub-driven write pump, until the socket closes for any reason. The
// sessionId is not known until the client's first `join` event; until
// then this loop answers any other event with an `error` itself, and it
// never reaches the dispatcher.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", "err", err)
		return
	}
	defer socket.Close()

	connectionID := uuid.NewString()
	c := h.hub.Register(r.Context(), connectionID, socket)
	defer h.hub.Unregister(connectionID)

	go pump(socket, c)

	socket.SetReadLimit(readLimit)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	var sessionID string
	defer func() {
		if sessionID != "" {
			h.dispatcher.Disconnect(r.Context(), sessionID, connectionID)
		}
	}()

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return
		}

		var in protocol.InEnvelope
		if err := json.Unmarshal(raw, &in); err != nil {
			c.push(protocol.Out(protocol.EventError, protocol.ErrorData{Message: "malformed event"}))
			continue
		}

		if in.Event == protocol.EventJoin {
			requested := extractSessionID(in.Data)
			if requested == "" {
				// No sessionId offered: mint one here, rather than letting
				// the dispatcher mint its own, so the id this loop tracks
				// for Disconnect matches the one the dispatcher binds to
				// connectionID and echoes back in `joined`.
				requested = uuid.NewString()
				in.Data, _ = json.Marshal(protocol.JoinPayload{SessionID: requested})
			}
			if sessionID != "" && sessionID != requested {
				// A second `join` on the same socket switching identities
				// is not a supported takeover path; keep the original.
				requested = sessionID
				in.Data, _ = json.Marshal(protocol.JoinPayload{SessionID: requested})
			}
			sessionID = requested
		}
		if sessionID == "" {
			c.push(protocol.Out(protocol.EventError, protocol.ErrorData{Message: "join first"}))
			continue
		}

		h.dispatcher.Handle(r.Context(), sessionID, connectionID, in)
	}
}

func extractSessionID(data json.RawMessage) string {
	var payload protocol.JoinPayload
	if len(data) == 0 {
		return ""
	}
	_ = json.Unmarshal(data, &payload)
	return payload.SessionID
}
