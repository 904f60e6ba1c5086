package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/talkrelay/relay/internal/domain/invite"
	"github.com/talkrelay/relay/internal/domain/matchmaking"
	"github.com/talkrelay/relay/internal/domain/model"
	"github.com/talkrelay/relay/internal/domain/protocol"
	"github.com/talkrelay/relay/internal/domain/ratelimit"
	"github.com/talkrelay/relay/internal/domain/session"
	"github.com/talkrelay/relay/internal/infra/state/localstate"
)

// fakeOutbox records every delivered envelope and closed connection,
// standing in for internal/transport/ws.Hub so these tests exercise the
// dispatcher without a real socket.
type fakeOutbox struct {
	mu        sync.Mutex
	delivered map[string][]protocol.OutEnvelope
	closed    map[string]string
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{
		delivered: make(map[string][]protocol.OutEnvelope),
		closed:    make(map[string]string),
	}
}

func (f *fakeOutbox) Deliver(_ context.Context, connectionID string, ev protocol.OutEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[connectionID] = append(f.delivered[connectionID], ev)
}

func (f *fakeOutbox) Close(_ context.Context, connectionID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connectionID] = reason
}

func (f *fakeOutbox) events(connectionID string) []protocol.OutEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.OutEnvelope, len(f.delivered[connectionID]))
	copy(out, f.delivered[connectionID])
	return out
}

func (f *fakeOutbox) last(connectionID string) (protocol.OutEnvelope, bool) {
	evs := f.events(connectionID)
	if len(evs) == 0 {
		return protocol.OutEnvelope{}, false
	}
	return evs[len(evs)-1], true
}

type harness struct {
	d        *Dispatcher
	sessions *session.Registry
	mm       *matchmaking.Matchmaker
	rooms    *matchmaking.Rooms
	invites  *invite.Store
	outbox   *fakeOutbox
}

func newHarness() *harness {
	backend := localstate.New()
	sessions := session.New(backend)
	rooms := matchmaking.NewRooms(backend, sessions)
	mm := matchmaking.New(backend, sessions, rooms)
	invites := invite.New(backend)
	limiter := ratelimit.New(backend)
	outbox := newFakeOutbox()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	d := New(sessions, mm, rooms, invites, limiter, outbox, log)
	return &harness{d: d, sessions: sessions, mm: mm, rooms: rooms, invites: invites, outbox: outbox}
}

func (h *harness) join(ctx context.Context, sessionID, connectionID string) {
	data, _ := json.Marshal(protocol.JoinPayload{SessionID: sessionID})
	h.d.Handle(ctx, sessionID, connectionID, protocol.InEnvelope{Event: protocol.EventJoin, Data: data})
}

func (h *harness) send(ctx context.Context, sessionID, connectionID, event string, data any) {
	raw, _ := json.Marshal(data)
	h.d.Handle(ctx, sessionID, connectionID, protocol.InEnvelope{Event: event, Data: raw})
}

func (h *harness) sendNoData(ctx context.Context, sessionID, connectionID, event string) {
	h.d.Handle(ctx, sessionID, connectionID, protocol.InEnvelope{Event: event})
}

// Scenario 1: random pairing (§8).
func TestRandomPairing(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)

	ev, ok := h.outbox.last("connA")
	if !ok || ev.Event != protocol.EventWaiting {
		t.Fatalf("expected A to be waiting, got %+v ok=%v", ev, ok)
	}

	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	evA, okA := h.outbox.last("connA")
	evB, okB := h.outbox.last("connB")
	if !okA || evA.Event != protocol.EventMatched {
		t.Fatalf("expected A matched, got %+v ok=%v", evA, okA)
	}
	if !okB || evB.Event != protocol.EventMatched {
		t.Fatalf("expected B matched, got %+v ok=%v", evB, okB)
	}

	roomA := evA.Data.(protocol.MatchedData).RoomID
	roomB := evB.Data.(protocol.MatchedData).RoomID
	if roomA != roomB {
		t.Fatalf("expected the same roomId for both parties, got %q vs %q", roomA, roomB)
	}

	n, err := h.mm.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the queue to be empty after pairing, got %d", n)
	}
}

// Scenario 2: invite happy path (§8).
func TestInviteHappyPath(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.sendNoData(ctx, "A", "connA", protocol.EventCreateInvite)

	ev, ok := h.outbox.last("connA")
	if !ok || ev.Event != protocol.EventInviteCreated {
		t.Fatalf("expected invite-created, got %+v ok=%v", ev, ok)
	}
	code := ev.Data.(protocol.InviteCreatedData).Code

	h.join(ctx, "B", "connB")
	h.send(ctx, "B", "connB", protocol.EventJoinInvite, protocol.JoinInvitePayload{Code: code})

	evA, okA := h.outbox.last("connA")
	evB, okB := h.outbox.last("connB")
	if !okA || evA.Event != protocol.EventMatched {
		t.Fatalf("expected A matched, got %+v", evA)
	}
	if !okB || evB.Event != protocol.EventMatched {
		t.Fatalf("expected B matched, got %+v", evB)
	}

	// A second redemption of the same code must fail as not-found.
	h.join(ctx, "C", "connC")
	h.send(ctx, "C", "connC", protocol.EventJoinInvite, protocol.JoinInvitePayload{Code: code})

	evC, okC := h.outbox.last("connC")
	if !okC || evC.Event != protocol.EventError {
		t.Fatalf("expected error on reuse, got %+v ok=%v", evC, okC)
	}
}

// Scenario 3: self-invite guard (§8).
func TestSelfInviteGuard(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.sendNoData(ctx, "A", "connA", protocol.EventCreateInvite)
	ev, _ := h.outbox.last("connA")
	code := ev.Data.(protocol.InviteCreatedData).Code

	h.send(ctx, "A", "connA", protocol.EventJoinInvite, protocol.JoinInvitePayload{Code: code})

	last, ok := h.outbox.last("connA")
	if !ok || last.Event != protocol.EventError {
		t.Fatalf("expected an error joining your own invite, got %+v", last)
	}

	sess, _ := h.sessions.GetSession(ctx, "A")
	if sess.InRoom() {
		t.Fatal("A must not end up in a room after the self-invite guard rejects it")
	}
}

// Scenario 4: disconnect mid-chat (§8).
func TestDisconnectMidChatNotifiesPeerAndClearsState(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	h.d.Disconnect(ctx, "A", "connA")

	ev, ok := h.outbox.last("connB")
	if !ok || ev.Event != protocol.EventChatEnded {
		t.Fatalf("expected B to be told the chat ended, got %+v ok=%v", ev, ok)
	}
	reason := ev.Data.(protocol.ChatEndedData).Reason
	if reason != protocol.ReasonPeerLeft {
		t.Fatalf("unexpected reason: %q", reason)
	}

	if _, ok := h.sessions.GetSession(ctx, "A"); ok {
		t.Fatal("expected A's session to be removed")
	}
	sessB, _ := h.sessions.GetSession(ctx, "B")
	if sessB.InRoom() {
		t.Fatal("expected B's room binding to be cleared")
	}
}

// Scenario 5: duplicate join / takeover (§8, §5 "Force-disconnect safety").
func TestDuplicateJoinTakeover(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "conn1")
	h.join(ctx, "A", "conn2")

	reason, closed := h.outbox.closed["conn1"]
	if !closed {
		t.Fatal("expected the old connection to be force-closed")
	}
	if reason == "" {
		t.Fatal("expected a close reason")
	}

	sess, ok := h.sessions.GetSession(ctx, "A")
	if !ok {
		t.Fatal("expected A's session to still exist")
	}
	if sess.ConnectionID != "conn2" {
		t.Fatalf("expected A bound to the new connection, got %q", sess.ConnectionID)
	}

	// The stale connection's own disconnect must not clean up the takeover.
	h.d.Disconnect(ctx, "A", "conn1")
	sess, ok = h.sessions.GetSession(ctx, "A")
	if !ok {
		t.Fatal("A's session must survive the old connection's disconnect")
	}
	if sess.ConnectionID != "conn2" {
		t.Fatalf("A's binding to conn2 must be untouched, got %q", sess.ConnectionID)
	}
}

// Scenario 6: rate limit (§8).
func TestRateLimitAllowsThirtyDeniesThirtyFirst(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	payload := protocol.SendEncryptedPayload{Encrypted: base64.StdEncoding.EncodeToString([]byte("hi"))}
	for i := 0; i < ratelimit.Limit; i++ {
		h.send(ctx, "A", "connA", protocol.EventSendEncrypted, payload)
	}

	ev, ok := h.outbox.last("connB")
	if !ok || ev.Event != protocol.EventReceiveEncrypted {
		t.Fatalf("expected the 30th message relayed to B, got %+v ok=%v", ev, ok)
	}

	h.send(ctx, "A", "connA", protocol.EventSendEncrypted, payload)
	last, _ := h.outbox.last("connA")
	if last.Event != protocol.EventError {
		t.Fatalf("expected the 31st message to be rate-limited, got %+v", last)
	}
}

// Oversize payloads are rejected (§4.F, §8).
func TestSendEncryptedRejectsOversize(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	oversize := make([]byte, protocol.MaxEncryptedBytes+1)
	payload := protocol.SendEncryptedPayload{Encrypted: base64.StdEncoding.EncodeToString(oversize)}
	h.send(ctx, "A", "connA", protocol.EventSendEncrypted, payload)

	last, ok := h.outbox.last("connA")
	if !ok || last.Event != protocol.EventError {
		t.Fatalf("expected an oversize error, got %+v ok=%v", last, ok)
	}
}

// Report ends the chat for both parties with a distinct reason (§4.F).
func TestReportEndsChatForBothParties(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	h.sendNoData(ctx, "A", "connA", protocol.EventReport)

	ev, ok := h.outbox.last("connB")
	if !ok || ev.Event != protocol.EventChatEnded {
		t.Fatalf("expected B to be told the chat ended, got %+v", ev)
	}
	if ev.Data.(protocol.ChatEndedData).Reason != protocol.ReasonReported {
		t.Fatalf("expected the report reason, got %+v", ev.Data)
	}

	if _, ok, err := h.rooms.GetRoomBySessionID(ctx, "A"); err != nil || ok {
		t.Fatalf("expected the room to be destroyed, ok=%v err=%v", ok, err)
	}
}

// find-random while already in a chat is rejected without mutating state
// (§4.F precondition table, §7 PreconditionViolated).
func TestFindRandomRejectedAlreadyInChat(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	last, ok := h.outbox.last("connA")
	if !ok || last.Event != protocol.EventError {
		t.Fatalf("expected an error retrying find-random while in a chat, got %+v", last)
	}
}

// Expiry sweeper feeds into the same cleanup path as disconnect (§4.G, §9
// "Expiry as first-class event").
func TestExpiredSessionRunsSameCascadeAsDisconnect(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	sessA, _ := h.sessions.GetSession(ctx, "A")
	h.d.handleExpired(ctx, []model.ExpiredSession{{
		SessionID:    "A",
		ConnectionID: sessA.ConnectionID,
		RoomID:       sessA.RoomID,
	}})

	ev, ok := h.outbox.last("connB")
	if !ok || ev.Event != protocol.EventChatEnded {
		t.Fatalf("expected B notified of the expired peer, got %+v ok=%v", ev, ok)
	}
	if _, ok := h.sessions.GetSession(ctx, "A"); ok {
		t.Fatal("expected A's session to be removed by expiry cleanup")
	}
}

// Double disconnect of the same connection causes no double cleanup (§8
// "Round-trip and idempotence").
func TestDoubleDisconnectIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	h.d.Disconnect(ctx, "A", "connA")
	beforeCount := len(h.outbox.events("connB"))

	h.d.Disconnect(ctx, "A", "connA")
	afterCount := len(h.outbox.events("connB"))

	if afterCount != beforeCount {
		t.Fatalf("expected no additional chat-ended notification on the second disconnect, before=%d after=%d", beforeCount, afterCount)
	}
}

// cancel-search must also clean up a room if a match completed a moment
// before the cancel arrived: the session is no longer queued by the time
// cancel-search is handled, but it is now paired, and the peer still needs
// telling (§4.F `cancel-search` row).
func TestCancelSearchAfterRaceWithMatchTearsDownRoom(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	sessA, ok := h.sessions.GetSession(ctx, "A")
	if !ok || !sessA.InRoom() {
		t.Fatalf("expected A to already be paired before its cancel-search arrives, got %+v ok=%v", sessA, ok)
	}

	h.sendNoData(ctx, "A", "connA", protocol.EventCancelSearch)

	ev, ok := h.outbox.last("connB")
	if !ok || ev.Event != protocol.EventChatEnded {
		t.Fatalf("expected B notified the chat ended, got %+v ok=%v", ev, ok)
	}

	sessA, ok = h.sessions.GetSession(ctx, "A")
	if !ok {
		t.Fatal("expected A's session to still exist")
	}
	if sessA.InRoom() {
		t.Fatalf("expected A's room binding cleared, got %+v", sessA)
	}
}

// leave-room notifies the peer with a "the other person left" reason and
// the caller itself with a "you left" reason, so the leaver's own UI has a
// positive confirmation rather than inferring the end of the chat.
func TestLeaveRoomNotifiesBothSidesWithDistinctReasons(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.join(ctx, "A", "connA")
	h.join(ctx, "B", "connB")
	h.sendNoData(ctx, "A", "connA", protocol.EventFindRandom)
	h.sendNoData(ctx, "B", "connB", protocol.EventFindRandom)

	h.sendNoData(ctx, "A", "connA", protocol.EventLeaveRoom)

	evB, ok := h.outbox.last("connB")
	if !ok || evB.Event != protocol.EventChatEnded {
		t.Fatalf("expected B notified the chat ended, got %+v ok=%v", evB, ok)
	}
	if data, ok := evB.Data.(protocol.ChatEndedData); !ok || data.Reason != protocol.ReasonPeerLeft {
		t.Fatalf("expected B's reason to be ReasonPeerLeft, got %+v", evB.Data)
	}

	evA, ok := h.outbox.last("connA")
	if !ok || evA.Event != protocol.EventChatEnded {
		t.Fatalf("expected A notified of its own departure, got %+v ok=%v", evA, ok)
	}
	if data, ok := evA.Data.(protocol.ChatEndedData); !ok || data.Reason != protocol.ReasonYouLeft {
		t.Fatalf("expected A's reason to be ReasonYouLeft, got %+v", evA.Data)
	}
}
