// Package matchmaking implements the FIFO waiting queue and the 2-party
// room store (§4.E): random pairing with stale-entry tolerance, and rooms
// addressed by a server-minted UUID with a reverse index by session.
package matchmaking

import (
	"context"

	"github.com/google/uuid"

	"github.com/talkrelay/relay/internal/domain/model"
	"github.com/talkrelay/relay/internal/domain/session"
	"github.com/talkrelay/relay/internal/domain/state"
)

const (
	queueListKey = "queue:list"
	queueSetKey  = "queue:set"

	// popAttempts bounds how many stale waiters joinQueue discards before
	// giving up and enqueuing the caller (§4.E step 2).
	popAttempts = 5
)

// Matchmaker is the Matchmaking & Rooms capability (§4.E).
type Matchmaker struct {
	backend  state.Backend
	sessions *session.Registry
	rooms    *Rooms
}

// New builds a Matchmaker over backend, consulting sessions for waiter
// liveness and rooms for installing matches.
func New(backend state.Backend, sessions *session.Registry, rooms *Rooms) *Matchmaker {
	return &Matchmaker{backend: backend, sessions: sessions, rooms: rooms}
}

// MatchResult is returned by JoinQueue.
type MatchResult struct {
	Matched bool
	Room    model.Room
}

// JoinQueue implements §4.E `joinQueue`: if sessionID is already queued,
// return no-match without a duplicate insert. Otherwise try to pair with
// the oldest viable waiter (discarding self-matches and stale entries up
// to popAttempts times); on success install a fresh room and bind both
// sessions. If nobody viable is found, enqueue sessionID.
func (m *Matchmaker) JoinQueue(ctx context.Context, sessionID, connectionID string) (MatchResult, error) {
	alreadyQueued, err := m.IsInQueue(ctx, sessionID)
	if err != nil {
		return MatchResult{}, err
	}
	if alreadyQueued {
		return MatchResult{}, nil
	}

	for attempt := 0; attempt < popAttempts; attempt++ {
		candidate, ok, err := m.popOldest(ctx)
		if err != nil {
			return MatchResult{}, err
		}
		if !ok {
			break // queue exhausted
		}

		if candidate.SessionID == sessionID {
			continue // self-match, discard and keep trying
		}

		waiterSess, exists := m.sessions.GetSession(ctx, candidate.SessionID)
		if !exists || waiterSess.InRoom() || waiterSess.ConnectionID == "" {
			continue // stale entry (§4.E "Stale-entry tolerance")
		}

		room := model.Room{
			RoomID: uuid.NewString(),
			Session1: model.RoomMember{
				SessionID:    sessionID,
				ConnectionID: connectionID,
			},
			Session2: model.RoomMember{
				SessionID:    candidate.SessionID,
				ConnectionID: waiterSess.ConnectionID,
			},
		}

		if err := m.rooms.install(ctx, room); err != nil {
			return MatchResult{}, err
		}
		return MatchResult{Matched: true, Room: room}, nil
	}

	if err := m.enqueue(ctx, sessionID, connectionID); err != nil {
		return MatchResult{}, err
	}
	return MatchResult{}, nil
}

func (m *Matchmaker) enqueue(ctx context.Context, sessionID, connectionID string) error {
	if err := m.backend.LPush(ctx, queueListKey, sessionID); err != nil {
		return err
	}
	return m.backend.SAdd(ctx, queueSetKey, sessionID)
}

// popOldest pops the oldest entry off the FIFO (a right-pop against a
// left-pushed list is strict FIFO) and resolves it against the set view
// and the session registry for its current connectionId.
func (m *Matchmaker) popOldest(ctx context.Context) (model.QueueEntry, bool, error) {
	sessionID, ok, err := m.backend.RPop(ctx, queueListKey)
	if err != nil || !ok {
		return model.QueueEntry{}, false, err
	}
	_ = m.backend.SRem(ctx, queueSetKey, sessionID)

	sess, _ := m.sessions.GetSession(ctx, sessionID)
	return model.QueueEntry{SessionID: sessionID, ConnectionID: sess.ConnectionID}, true, nil
}

// LeaveQueue removes every occurrence of sessionID from both the list and
// the set view. Safe to call when not enqueued.
func (m *Matchmaker) LeaveQueue(ctx context.Context, sessionID string) error {
	if err := m.backend.LRem(ctx, queueListKey, sessionID); err != nil {
		return err
	}
	return m.backend.SRem(ctx, queueSetKey, sessionID)
}

// IsInQueue reports membership via the set view (§4.E).
func (m *Matchmaker) IsInQueue(ctx context.Context, sessionID string) (bool, error) {
	return m.backend.SIsMember(ctx, queueSetKey, sessionID)
}

// QueueLength reports the number waiting, for the health endpoint.
func (m *Matchmaker) QueueLength(ctx context.Context) (int64, error) {
	return m.backend.SCard(ctx, queueSetKey)
}
