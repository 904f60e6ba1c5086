// Package dispatcher implements the Event Dispatcher (§4.F): the one place
// every inbound client event and every transport-level disconnect passes
// through, serialized per session so that a session's own events never race
// each other, and translated into outbound events delivered through an
// Outbox the transport supplies.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/talkrelay/relay/internal/domain/invite"
	"github.com/talkrelay/relay/internal/domain/matchmaking"
	"github.com/talkrelay/relay/internal/domain/model"
	"github.com/talkrelay/relay/internal/domain/protocol"
	"github.com/talkrelay/relay/internal/domain/ratelimit"
	"github.com/talkrelay/relay/internal/domain/relayerr"
	"github.com/talkrelay/relay/internal/domain/session"
)

// Outbox is how the dispatcher reaches connections, local or remote. A
// transport-layer implementation delivers locally-owned connections
// directly and publishes everything else through the cross-node bus (§9).
// Delivery is best-effort: Deliver does not return an error because a
// vanished peer connection is an ordinary, expected race, not a failure the
// dispatcher should react to (§7).
type Outbox interface {
	Deliver(ctx context.Context, connectionID string, ev protocol.OutEnvelope)
	// Close force-closes a live connection on whichever node owns it, used
	// for duplicate-join takeover (§5 "Force-disconnect safety").
	Close(ctx context.Context, connectionID, reason string)
}

// Dispatcher wires the five coordination-plane capabilities into the event
// handling rules of §4.F.
type Dispatcher struct {
	sessions   *session.Registry
	matchmaker *matchmaking.Matchmaker
	rooms      *matchmaking.Rooms
	invites    *invite.Store
	limiter    *ratelimit.Limiter
	outbox     Outbox
	log        *slog.Logger

	// locks gives every sessionId its own *sync.Mutex, acquired for the
	// duration of each event (§4.F design note "per-session logical lock").
	// This keeps a session's own events strictly ordered even when the
	// transport delivers them off separate goroutines; it says nothing
	// about ordering between two different sessions.
	locks sync.Map
}

// New builds a Dispatcher and registers itself as the session registry's
// expire handler, so sessions aged out by the sweeper (§4.G) flow through
// exactly the same cleanup path as an ordinary disconnect.
func New(
	sessions *session.Registry,
	matchmaker *matchmaking.Matchmaker,
	rooms *matchmaking.Rooms,
	invites *invite.Store,
	limiter *ratelimit.Limiter,
	outbox Outbox,
	log *slog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		sessions:   sessions,
		matchmaker: matchmaker,
		rooms:      rooms,
		invites:    invites,
		limiter:    limiter,
		outbox:     outbox,
		log:        log,
	}
	sessions.SetExpireHandler(d.handleExpired)
	return d
}

func (d *Dispatcher) lockFor(sessionID string) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Handle routes one inbound envelope for sessionID/connectionID, serialized
// against any other event in flight for the same session. On error it
// delivers a single `error {message}` event back to the caller rather than
// propagating the error to the transport, per §7: invalid input never tears
// down the connection.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, connectionID string, in protocol.InEnvelope) {
	mu := d.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	var err error
	switch in.Event {
	case protocol.EventJoin:
		err = d.handleJoin(ctx, sessionID, connectionID, in.Data)
	case protocol.EventFindRandom:
		err = d.handleFindRandom(ctx, sessionID, connectionID)
	case protocol.EventCancelSearch:
		err = d.handleCancelSearch(ctx, sessionID)
	case protocol.EventCreateInvite:
		err = d.handleCreateInvite(ctx, sessionID, connectionID)
	case protocol.EventJoinInvite:
		err = d.handleJoinInvite(ctx, sessionID, connectionID, in.Data)
	case protocol.EventKeyExchange:
		err = d.handleKeyExchange(ctx, sessionID, in.Data)
	case protocol.EventSendEncrypted:
		err = d.handleSendEncrypted(ctx, sessionID, in.Data)
	case protocol.EventSecurityAlert:
		err = d.handleSecurityAlert(ctx, sessionID, in.Data)
	case protocol.EventChatReady:
		err = d.handleChatReady(ctx, sessionID)
	case protocol.EventReport:
		err = d.handleReport(ctx, sessionID, connectionID)
	case protocol.EventLeaveRoom:
		err = d.handleLeaveRoom(ctx, sessionID, connectionID)
	default:
		err = relayerr.New(relayerr.KindInvalidInput, "unknown event: "+in.Event)
	}

	if err != nil {
		d.log.Debug("event handling failed", "event", in.Event, "sessionId", sessionID, "err", err)
		d.outbox.Deliver(ctx, connectionID, protocol.Out(protocol.EventError, protocol.ErrorData{
			Message: errMessage(err),
		}))
	}
}

// errMessage extracts the client-facing message, falling back to a generic
// string for errors that were never classified (§7: never leak internals).
func errMessage(err error) string {
	var re *relayerr.Error
	if errors.As(err, &re) {
		return re.Message
	}
	return "internal error"
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return relayerr.New(relayerr.KindInvalidInput, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return relayerr.Wrap(relayerr.KindInvalidInput, "malformed data", err)
	}
	return nil
}

// handleJoin implements §4.F `join`: establish a brand-new session, or
// resume one the client already knows about. Resuming a session whose
// previous connection is still alive is a takeover (§5 "Force-disconnect
// safety"): the old connection is detached and force-closed before the new
// one is bound, so the old connection's own disconnect handler finds
// nothing left to clean up.
func (d *Dispatcher) handleJoin(ctx context.Context, sessionID, connectionID string, data json.RawMessage) error {
	var payload protocol.JoinPayload
	if len(data) > 0 {
		if err := unmarshal(data, &payload); err != nil {
			return err
		}
	}

	targetID := payload.SessionID
	if targetID == "" {
		targetID = uuid.NewString()
	} else if existing, ok := d.sessions.GetSession(ctx, targetID); ok && existing.ConnectionID != "" {
		oldConn := existing.ConnectionID
		if err := d.sessions.DetachConnection(ctx, targetID); err != nil {
			return err
		}
		d.outbox.Close(ctx, oldConn, "Replaced by a new connection.")
	}

	if _, err := d.sessions.AddSession(ctx, targetID, connectionID); err != nil {
		return err
	}

	d.outbox.Deliver(ctx, connectionID, protocol.Out(protocol.EventJoined, protocol.JoinedData{SessionID: targetID}))
	return nil
}

// handleFindRandom implements §4.F `find-random`: refuse if already paired
// or already searching, otherwise hand off to the matchmaker and notify
// both sides of a pairing or just the caller of a wait.
func (d *Dispatcher) handleFindRandom(ctx context.Context, sessionID, connectionID string) error {
	sess, ok := d.sessions.GetSession(ctx, sessionID)
	if !ok {
		return relayerr.New(relayerr.KindPrecondition, "join before searching")
	}
	if sess.InRoom() {
		return relayerr.New(relayerr.KindPrecondition, "already in a chat")
	}
	if already, err := d.matchmaker.IsInQueue(ctx, sessionID); err != nil {
		return err
	} else if already {
		return relayerr.New(relayerr.KindPrecondition, "already searching")
	}

	result, err := d.matchmaker.JoinQueue(ctx, sessionID, connectionID)
	if err != nil {
		return err
	}
	if !result.Matched {
		d.outbox.Deliver(ctx, connectionID, protocol.Out(protocol.EventWaiting, nil))
		return nil
	}

	d.notifyMatched(ctx, result.Room)
	return nil
}

func (d *Dispatcher) notifyMatched(ctx context.Context, room model.Room) {
	data := protocol.MatchedData{RoomID: room.RoomID}
	d.outbox.Deliver(ctx, room.Session1.ConnectionID, protocol.Out(protocol.EventMatched, data))
	d.outbox.Deliver(ctx, room.Session2.ConnectionID, protocol.Out(protocol.EventMatched, data))
}

// handleCancelSearch implements §4.F `cancel-search`: idempotent removal
// from the waiting queue, plus the same room-leave cleanup `leave-room`
// performs. This covers the race where a match completed a moment before
// the cancel arrived: the session is no longer queued but is now in a
// room, which still needs tearing down and the peer still needs telling.
func (d *Dispatcher) handleCancelSearch(ctx context.Context, sessionID string) error {
	if err := d.matchmaker.LeaveQueue(ctx, sessionID); err != nil {
		return err
	}
	return d.leaveAnyRoom(ctx, sessionID, protocol.ReasonPeerLeft)
}

// handleCreateInvite implements §4.F `create-invite`: one active invite per
// session, refused while already paired.
func (d *Dispatcher) handleCreateInvite(ctx context.Context, sessionID, connectionID string) error {
	sess, ok := d.sessions.GetSession(ctx, sessionID)
	if !ok {
		return relayerr.New(relayerr.KindPrecondition, "join before creating an invite")
	}
	if sess.InRoom() {
		return relayerr.New(relayerr.KindPrecondition, "already in a chat")
	}
	if has, err := d.invites.HasInvite(ctx, sessionID); err != nil {
		return err
	} else if has {
		return relayerr.New(relayerr.KindPrecondition, "you already have an active invite")
	}

	code, err := d.invites.CreateInvite(ctx, sessionID, connectionID)
	if err != nil {
		return err
	}
	d.outbox.Deliver(ctx, connectionID, protocol.Out(protocol.EventInviteCreated, protocol.InviteCreatedData{Code: code}))
	return nil
}

// handleJoinInvite implements §4.F `join-invite`: the self-invite guard
// peeks sessionID's own code (without consuming it) before attempting
// redemption, then redeems, validates the inviter is still reachable, and
// installs the room exactly like a random match.
func (d *Dispatcher) handleJoinInvite(ctx context.Context, sessionID, connectionID string, data json.RawMessage) error {
	var payload protocol.JoinInvitePayload
	if err := unmarshal(data, &payload); err != nil {
		return err
	}
	if payload.Code == "" {
		return relayerr.New(relayerr.KindInvalidInput, "missing code")
	}

	if sess, ok := d.sessions.GetSession(ctx, sessionID); ok && sess.InRoom() {
		return relayerr.New(relayerr.KindPrecondition, "already in a chat")
	}

	if ownCode, ok, err := d.invites.CodeForSession(ctx, sessionID); err != nil {
		return err
	} else if ok && equalFold(ownCode, payload.Code) {
		return relayerr.New(relayerr.KindInvalidInput, "you cannot join your own invite")
	}

	inv, ok, err := d.invites.RedeemInvite(ctx, payload.Code)
	if err != nil {
		return err
	}
	if !ok {
		return relayerr.ErrInviteNotFound
	}

	inviter, ok := d.sessions.GetSession(ctx, inv.SessionID)
	if !ok || inviter.ConnectionID == "" || inviter.InRoom() {
		return relayerr.ErrInviteNotFound
	}

	room := model.Room{
		RoomID:   uuid.NewString(),
		Session1: model.RoomMember{SessionID: sessionID, ConnectionID: connectionID},
		Session2: model.RoomMember{SessionID: inviter.SessionID, ConnectionID: inviter.ConnectionID},
	}
	if err := d.rooms.InstallRoom(ctx, room); err != nil {
		return err
	}

	d.notifyMatched(ctx, room)
	return nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// requireRoom is the common precondition for every in-chat event: the
// session must exist and currently hold a room binding.
func (d *Dispatcher) requireRoom(ctx context.Context, sessionID string) (model.Room, error) {
	sess, ok := d.sessions.GetSession(ctx, sessionID)
	if !ok || !sess.InRoom() {
		return model.Room{}, relayerr.New(relayerr.KindPrecondition, "not in a chat")
	}
	room, ok, err := d.rooms.GetRoom(ctx, sess.RoomID)
	if err != nil {
		return model.Room{}, err
	}
	if !ok {
		return model.Room{}, relayerr.New(relayerr.KindPrecondition, "not in a chat")
	}
	return room, nil
}

// handleKeyExchange implements §4.F `key-exchange`: relay the caller's
// public key to its peer, untouched.
func (d *Dispatcher) handleKeyExchange(ctx context.Context, sessionID string, data json.RawMessage) error {
	var payload protocol.KeyExchangePayload
	if err := unmarshal(data, &payload); err != nil {
		return err
	}
	room, err := d.requireRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	peerConn, ok := d.rooms.GetPeerConnectionID(ctx, room.RoomID, sessionID)
	if !ok {
		return nil // peer already gone; nothing to relay to
	}
	d.outbox.Deliver(ctx, peerConn, protocol.Out(protocol.EventPeerKey, protocol.PeerKeyData{PublicKey: payload.PublicKey}))
	return nil
}

// handleSendEncrypted implements §4.F `send-encrypted`. The rate limiter is
// consulted — and its token spent — even when the peer lookup that follows
// turns out to fail: a message a session "used up its budget on" sending
// into a chat that quietly ended a moment earlier is still one the session
// attempted to send, and the simpler, uniform rule is easier for a client
// to reason about than one where the rate limit is refunded on a race it
// cannot observe.
func (d *Dispatcher) handleSendEncrypted(ctx context.Context, sessionID string, data json.RawMessage) error {
	var payload protocol.SendEncryptedPayload
	if err := unmarshal(data, &payload); err != nil {
		return err
	}
	if protocol.DecodedSize(payload.Encrypted) > protocol.MaxEncryptedBytes {
		return relayerr.ErrOversize
	}

	allowed, err := d.limiter.IsAllowed(ctx, sessionID)
	if err != nil {
		return err
	}
	if !allowed {
		return relayerr.ErrRateLimited
	}

	room, err := d.requireRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	peerConn, ok := d.rooms.GetPeerConnectionID(ctx, room.RoomID, sessionID)
	if !ok {
		return nil
	}
	d.outbox.Deliver(ctx, peerConn, protocol.Out(protocol.EventReceiveEncrypted, protocol.ReceiveEncryptedData{
		Encrypted: payload.Encrypted,
	}))
	return nil
}

// handleSecurityAlert implements §4.F `security-alert`: the payload is
// opaque to the server (§1 "no content inspection") and relayed verbatim.
func (d *Dispatcher) handleSecurityAlert(ctx context.Context, sessionID string, data json.RawMessage) error {
	room, err := d.requireRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	peerConn, ok := d.rooms.GetPeerConnectionID(ctx, room.RoomID, sessionID)
	if !ok {
		return nil
	}
	d.outbox.Deliver(ctx, peerConn, protocol.Out(protocol.EventPeerSecurityAlert, json.RawMessage(data)))
	return nil
}

// handleChatReady implements §4.F `chat-ready`: a content-free signal that
// the caller has finished its side of the key exchange.
func (d *Dispatcher) handleChatReady(ctx context.Context, sessionID string) error {
	room, err := d.requireRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	peerConn, ok := d.rooms.GetPeerConnectionID(ctx, room.RoomID, sessionID)
	if !ok {
		return nil
	}
	d.outbox.Deliver(ctx, peerConn, protocol.Out(protocol.EventPeerReady, nil))
	return nil
}

// handleReport implements §4.F `report`: ends the chat for both parties
// immediately, same as `leave-room`, but both the peer and the caller are
// told it was a report rather than an ordinary departure.
func (d *Dispatcher) handleReport(ctx context.Context, sessionID, connectionID string) error {
	if err := d.endRoom(ctx, sessionID, protocol.ReasonReported); err != nil {
		return err
	}
	d.outbox.Deliver(ctx, connectionID, protocol.Out(protocol.EventChatEnded, protocol.ChatEndedData{Reason: protocol.ReasonReported}))
	return nil
}

// handleLeaveRoom implements §4.F `leave-room`: the peer is told the other
// person left, and the caller itself gets a matching self-facing
// `chat-ended` so its own UI has a positive confirmation rather than
// inferring the end of the chat from silence.
func (d *Dispatcher) handleLeaveRoom(ctx context.Context, sessionID, connectionID string) error {
	if err := d.endRoom(ctx, sessionID, protocol.ReasonPeerLeft); err != nil {
		return err
	}
	d.outbox.Deliver(ctx, connectionID, protocol.Out(protocol.EventChatEnded, protocol.ChatEndedData{Reason: protocol.ReasonYouLeft}))
	return nil
}

func (d *Dispatcher) endRoom(ctx context.Context, sessionID, peerReason string) error {
	if _, err := d.requireRoom(ctx, sessionID); err != nil {
		return err
	}
	return d.leaveAnyRoom(ctx, sessionID, peerReason)
}

// leaveAnyRoom tears down sessionID's room, if it has one, and notifies the
// peer. Unlike endRoom it is not an error for sessionID to have no room at
// all — callers that only know a room *might* exist (cancel-search racing a
// match, disconnect, expiry) use this directly.
func (d *Dispatcher) leaveAnyRoom(ctx context.Context, sessionID, peerReason string) error {
	room, ok, err := d.rooms.GetRoomBySessionID(ctx, sessionID)
	if err != nil || !ok {
		return err
	}
	if peerConn, ok := d.rooms.GetPeerConnectionID(ctx, room.RoomID, sessionID); ok {
		d.outbox.Deliver(ctx, peerConn, protocol.Out(protocol.EventChatEnded, protocol.ChatEndedData{Reason: peerReason}))
	}
	return d.rooms.DestroyRoom(ctx, room.RoomID)
}

// Disconnect is invoked by the transport when a connection drops, and runs
// the full cascade-cleanup sequence from §1/§4.G: dequeue, cancel invite,
// notify peer and destroy room, clear rate counter, remove session. It is
// idempotent, so a second call for a session already cleaned up (by a
// takeover, or by the sweeper racing the same disconnect) is a harmless
// no-op.
func (d *Dispatcher) Disconnect(ctx context.Context, sessionID, connectionID string) {
	mu := d.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	// A takeover already detached this connectionId from the session; do
	// not tear down the session the new connection is now using.
	if sess, ok := d.sessions.GetSession(ctx, sessionID); ok && sess.ConnectionID != connectionID {
		return
	}

	d.cleanup(ctx, sessionID)
}

// handleExpired is the session registry's expire handler (§4.B, §4.G): each
// batch element gets the same cleanup as an ordinary disconnect.
func (d *Dispatcher) handleExpired(ctx context.Context, expired []model.ExpiredSession) {
	for _, e := range expired {
		mu := d.lockFor(e.SessionID)
		mu.Lock()
		d.cleanup(ctx, e.SessionID)
		mu.Unlock()
	}
}

// cleanup is the shared cascade body; callers must already hold sessionID's
// lock.
func (d *Dispatcher) cleanup(ctx context.Context, sessionID string) {
	if err := d.matchmaker.LeaveQueue(ctx, sessionID); err != nil {
		d.log.Debug("cleanup: leave queue failed", "sessionId", sessionID, "err", err)
	}
	if _, err := d.invites.CancelInvite(ctx, sessionID); err != nil {
		d.log.Debug("cleanup: cancel invite failed", "sessionId", sessionID, "err", err)
	}

	if err := d.leaveAnyRoom(ctx, sessionID, protocol.ReasonPeerLeft); err != nil {
		d.log.Debug("cleanup: leave room failed", "sessionId", sessionID, "err", err)
	}

	if err := d.limiter.ClearLimit(ctx, sessionID); err != nil {
		d.log.Debug("cleanup: clear rate limit failed", "sessionId", sessionID, "err", err)
	}
	if err := d.sessions.RemoveSession(ctx, sessionID); err != nil {
		d.log.Debug("cleanup: remove session failed", "sessionId", sessionID, "err", err)
	}

	d.locks.Delete(sessionID)
}
