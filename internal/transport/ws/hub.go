package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talkrelay/relay/internal/domain/protocol"
)

// conn is one locally-owned live connection: a send mailbox decoupling
// delivery from the socket write loop, mirroring the teacher's Cell
// mailbox (internal/domain/registry/cell.go), scaled down to one
// connection per mailbox since this protocol never multiplexes sessions
// across sockets.
type conn struct {
	id           string
	mailbox      chan protocol.OutEnvelope
	done         chan struct{}
	once         sync.Once
	remoteCancel func()
}

func newConn(id string, bufferSize int) *conn {
	return &conn{
		id:      id,
		mailbox: make(chan protocol.OutEnvelope, bufferSize),
		done:    make(chan struct{}),
	}
}

func (c *conn) push(ev protocol.OutEnvelope) bool {
	select {
	case c.mailbox <- ev:
		return true
	case <-c.done:
		return false
	default:
		// Mailbox full: this connection is too slow to keep up. Dropping
		// the event rather than blocking keeps one slow client from
		// stalling the dispatcher (§7, same tradeoff as the teacher's
		// Cell.Push backpressure policy).
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub is the local half of the Outbox (§4.F): it tracks every connection
// this process currently owns and writes events to their sockets. When a
// local lookup misses, Deliver and Close hand the event to the remote bus,
// if one is set.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	log   *slog.Logger

	// remote, when set, is consulted for connection ids this node does not
	// own (§9 "Cross-node fan-out"). The app wiring (cmd/fx.go) always
	// sets it; under the local backend its publishes only reach listeners
	// in this same process.
	remote RemoteOutbox
}

// RemoteOutbox delivers to a connection this node does not own, publishing
// through the cross-node bus instead of writing a socket directly, and
// lets this node listen for events addressed to a connection it has just
// accepted locally (§9 "Cross-node fan-out").
type RemoteOutbox interface {
	Publish(ctx context.Context, connectionID string, ev protocol.OutEnvelope) error
	Close(ctx context.Context, connectionID, reason string) error
	Listen(ctx context.Context, connectionID string) (<-chan protocol.OutEnvelope, func(), error)
}

func NewHub(log *slog.Logger, remote RemoteOutbox) *Hub {
	return &Hub{conns: make(map[string]*conn), log: log, remote: remote}
}

const mailboxSize = 64

// Register creates a mailbox for connectionID and, when a remote bus is
// configured, subscribes to events other nodes address to it (§9). Callers
// must arrange for the returned conn's mailbox to be pumped to the socket,
// and must call Unregister when the connection ends.
func (h *Hub) Register(ctx context.Context, connectionID string, socket *websocket.Conn) *conn {
	c := newConn(connectionID, mailboxSize)
	h.mu.Lock()
	h.conns[connectionID] = c
	h.mu.Unlock()

	if h.remote != nil {
		if events, cancel, err := h.remote.Listen(ctx, connectionID); err == nil {
			c.remoteCancel = cancel
			go forwardRemote(c, events)
		} else {
			h.log.Debug("remote listen failed", "connectionId", connectionID, "err", err)
		}
	}

	return c
}

func forwardRemote(c *conn, events <-chan protocol.OutEnvelope) {
	for ev := range events {
		c.push(ev)
	}
}

// Unregister drops connectionID's mailbox. Safe to call more than once.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	delete(h.conns, connectionID)
	h.mu.Unlock()
	if ok {
		if c.remoteCancel != nil {
			c.remoteCancel()
		}
		c.close()
	}
}

// Deliver implements dispatcher.Outbox: write locally if this node owns
// connectionID, otherwise hand off to the remote bus. Either way, delivery
// failures are swallowed (§7): a vanished peer is an ordinary race.
func (h *Hub) Deliver(ctx context.Context, connectionID string, ev protocol.OutEnvelope) {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()

	if ok {
		c.push(ev)
		return
	}
	if h.remote != nil {
		if err := h.remote.Publish(ctx, connectionID, ev); err != nil {
			h.log.Debug("remote deliver failed", "connectionId", connectionID, "err", err)
		}
	}
}

// Close implements dispatcher.Outbox: force-close connectionID, locally or
// remotely, per §5 "Force-disconnect safety".
func (h *Hub) Close(ctx context.Context, connectionID, reason string) {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()

	if ok {
		c.push(protocol.Out(protocol.EventError, protocol.ErrorData{Message: reason}))
		c.close()
		return
	}
	if h.remote != nil {
		if err := h.remote.Close(ctx, connectionID, reason); err != nil {
			h.log.Debug("remote close failed", "connectionId", connectionID, "err", err)
		}
	}
}

// pump drains c's mailbox onto socket until c is closed or a write fails.
// writeWait bounds how long a single frame write may block.
const writeWait = 5 * time.Second

func pump(socket *websocket.Conn, c *conn) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.mailbox:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
