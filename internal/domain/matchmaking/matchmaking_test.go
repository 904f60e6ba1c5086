package matchmaking

import (
	"context"
	"testing"

	"github.com/talkrelay/relay/internal/domain/session"
	"github.com/talkrelay/relay/internal/infra/state/localstate"
)

func newHarness() (*Matchmaker, *Rooms, *session.Registry) {
	backend := localstate.New()
	sessions := session.New(backend)
	rooms := NewRooms(backend, sessions)
	mm := New(backend, sessions, rooms)
	return mm, rooms, sessions
}

func TestJoinQueueNoDuplicateInsert(t *testing.T) {
	mm, _, sessions := newHarness()
	ctx := context.Background()

	if _, err := sessions.AddSession(ctx, "A", "connA"); err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	if _, err := mm.JoinQueue(ctx, "A", "connA"); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	if _, err := mm.JoinQueue(ctx, "A", "connA"); err != nil {
		t.Fatalf("JoinQueue (second): %v", err)
	}

	n, err := mm.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected A to be queued exactly once, got %d", n)
	}
}

func TestJoinQueuePairsTwoWaiters(t *testing.T) {
	mm, _, sessions := newHarness()
	ctx := context.Background()

	if _, err := sessions.AddSession(ctx, "A", "connA"); err != nil {
		t.Fatalf("AddSession A: %v", err)
	}
	if _, err := sessions.AddSession(ctx, "B", "connB"); err != nil {
		t.Fatalf("AddSession B: %v", err)
	}

	result, err := mm.JoinQueue(ctx, "A", "connA")
	if err != nil {
		t.Fatalf("JoinQueue A: %v", err)
	}
	if result.Matched {
		t.Fatal("A should be waiting alone")
	}

	result, err = mm.JoinQueue(ctx, "B", "connB")
	if err != nil {
		t.Fatalf("JoinQueue B: %v", err)
	}
	if !result.Matched {
		t.Fatal("B should have matched with the waiting A")
	}

	if result.Room.Session1.SessionID != "B" && result.Room.Session2.SessionID != "B" {
		t.Fatalf("room should include B: %+v", result.Room)
	}
	if result.Room.Session1.SessionID != "A" && result.Room.Session2.SessionID != "A" {
		t.Fatalf("room should include A: %+v", result.Room)
	}

	n, err := mm.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected an empty queue after pairing, got %d", n)
	}
}

func TestJoinQueueSkipsStaleWaiter(t *testing.T) {
	mm, _, sessions := newHarness()
	ctx := context.Background()

	if _, err := sessions.AddSession(ctx, "A", "connA"); err != nil {
		t.Fatalf("AddSession A: %v", err)
	}
	if _, err := mm.JoinQueue(ctx, "A", "connA"); err != nil {
		t.Fatalf("JoinQueue A: %v", err)
	}

	// A vanished (e.g. disconnected) without being dequeued: registry entry
	// is gone but the queue entry lingers.
	if err := sessions.RemoveSession(ctx, "A"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}

	if _, err := sessions.AddSession(ctx, "B", "connB"); err != nil {
		t.Fatalf("AddSession B: %v", err)
	}
	result, err := mm.JoinQueue(ctx, "B", "connB")
	if err != nil {
		t.Fatalf("JoinQueue B: %v", err)
	}
	if result.Matched {
		t.Fatal("B should not match against A's stale queue entry")
	}

	n, err := mm.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only B left waiting, got %d", n)
	}
}

func TestLeaveQueueIsSafeWhenNotQueued(t *testing.T) {
	mm, _, _ := newHarness()
	ctx := context.Background()

	if err := mm.LeaveQueue(ctx, "ghost"); err != nil {
		t.Fatalf("LeaveQueue on an absent session should be a no-op: %v", err)
	}
}

func TestDestroyRoomIsIdempotentAndClearsBindings(t *testing.T) {
	mm, rooms, sessions := newHarness()
	ctx := context.Background()

	if _, err := sessions.AddSession(ctx, "A", "connA"); err != nil {
		t.Fatalf("AddSession A: %v", err)
	}
	if _, err := sessions.AddSession(ctx, "B", "connB"); err != nil {
		t.Fatalf("AddSession B: %v", err)
	}
	if _, err := mm.JoinQueue(ctx, "A", "connA"); err != nil {
		t.Fatalf("JoinQueue A: %v", err)
	}
	result, err := mm.JoinQueue(ctx, "B", "connB")
	if err != nil {
		t.Fatalf("JoinQueue B: %v", err)
	}
	if !result.Matched {
		t.Fatal("expected A and B to match")
	}
	roomID := result.Room.RoomID

	if err := rooms.DestroyRoom(ctx, roomID); err != nil {
		t.Fatalf("DestroyRoom: %v", err)
	}
	if err := rooms.DestroyRoom(ctx, roomID); err != nil {
		t.Fatalf("second DestroyRoom should be a no-op, got: %v", err)
	}

	if _, ok, err := rooms.GetRoom(ctx, roomID); err != nil || ok {
		t.Fatalf("expected the room record to be gone, ok=%v err=%v", ok, err)
	}
	if _, ok, err := rooms.GetRoomBySessionID(ctx, "A"); err != nil || ok {
		t.Fatalf("expected A's reverse index to be gone, ok=%v err=%v", ok, err)
	}
	if _, ok, err := rooms.GetRoomBySessionID(ctx, "B"); err != nil || ok {
		t.Fatalf("expected B's reverse index to be gone, ok=%v err=%v", ok, err)
	}

	sessA, _ := sessions.GetSession(ctx, "A")
	if sessA.InRoom() {
		t.Fatal("expected A's room binding to be cleared")
	}
	sessB, _ := sessions.GetSession(ctx, "B")
	if sessB.InRoom() {
		t.Fatal("expected B's room binding to be cleared")
	}

	n, err := rooms.RoomCount(ctx)
	if err != nil {
		t.Fatalf("RoomCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero active rooms, got %d", n)
	}
}

func TestGetPeerConnectionIDPrefersLiveConnection(t *testing.T) {
	mm, rooms, sessions := newHarness()
	ctx := context.Background()

	if _, err := sessions.AddSession(ctx, "A", "connA"); err != nil {
		t.Fatalf("AddSession A: %v", err)
	}
	if _, err := sessions.AddSession(ctx, "B", "connB"); err != nil {
		t.Fatalf("AddSession B: %v", err)
	}
	if _, err := mm.JoinQueue(ctx, "A", "connA"); err != nil {
		t.Fatalf("JoinQueue A: %v", err)
	}
	result, err := mm.JoinQueue(ctx, "B", "connB")
	if err != nil {
		t.Fatalf("JoinQueue B: %v", err)
	}

	// B's live connection changes without a fresh room install (e.g. a
	// reconnect under the same session id); the registry reflects the new
	// connection id directly.
	if _, err := sessions.AddSession(ctx, "B", "connB2"); err != nil {
		t.Fatalf("AddSession B (reconnect): %v", err)
	}

	peerConn, ok := rooms.GetPeerConnectionID(ctx, result.Room.RoomID, "A")
	if !ok {
		t.Fatal("expected A's peer to resolve")
	}
	if peerConn != "connB2" {
		t.Fatalf("expected the peer's live connection id, got %q", peerConn)
	}
}

func TestGetPeerConnectionIDRejectsNonMember(t *testing.T) {
	mm, rooms, sessions := newHarness()
	ctx := context.Background()

	if _, err := sessions.AddSession(ctx, "A", "connA"); err != nil {
		t.Fatalf("AddSession A: %v", err)
	}
	if _, err := sessions.AddSession(ctx, "B", "connB"); err != nil {
		t.Fatalf("AddSession B: %v", err)
	}
	if _, err := mm.JoinQueue(ctx, "A", "connA"); err != nil {
		t.Fatalf("JoinQueue A: %v", err)
	}
	result, err := mm.JoinQueue(ctx, "B", "connB")
	if err != nil {
		t.Fatalf("JoinQueue B: %v", err)
	}

	if _, ok := rooms.GetPeerConnectionID(ctx, result.Room.RoomID, "C"); ok {
		t.Fatal("a non-member should not resolve a peer connection")
	}
}
