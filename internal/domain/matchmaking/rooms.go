package matchmaking

import (
	"context"
	"encoding/json"

	"github.com/talkrelay/relay/internal/domain/model"
	"github.com/talkrelay/relay/internal/domain/session"
	"github.com/talkrelay/relay/internal/domain/state"
)

const (
	roomPrefix          = "room:"
	roomsSetKey         = "rooms:set"
	roomBySessionPrefix = "roomBySession:"
)

// Rooms is the room half of §4.E: storage, reverse indices, and the
// atomic create/destroy transaction.
type Rooms struct {
	backend  state.Backend
	sessions *session.Registry
}

// NewRooms builds a Rooms store over backend, consulting sessions to
// resolve a peer's current live connection (§4.E `getPeerConnectionId`).
func NewRooms(backend state.Backend, sessions *session.Registry) *Rooms {
	return &Rooms{backend: backend, sessions: sessions}
}

func roomKey(roomID string) string          { return roomPrefix + roomID }
func roomBySessionKey(sessionID string) string { return roomBySessionPrefix + sessionID }

// install is the `_setRoom` internal primitive (§4.E): writes a
// pre-constructed room, its rooms-set entry and both reverse indices in one
// transaction, then binds both sessions to the room. The two session
// bindings are separate writes outside that transaction. Used by JoinQueue
// and by the invite-redemption path.
func (r *Rooms) install(ctx context.Context, room model.Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return err
	}

	pipe := r.backend.Pipeline()
	pipe.Set(roomKey(room.RoomID), payload, 0)
	pipe.SAdd(roomsSetKey, room.RoomID)
	pipe.Set(roomBySessionKey(room.Session1.SessionID), []byte(room.RoomID), 0)
	pipe.Set(roomBySessionKey(room.Session2.SessionID), []byte(room.RoomID), 0)
	if err := pipe.Exec(ctx); err != nil {
		return err
	}

	if err := r.sessions.SetSessionRoom(ctx, room.Session1.SessionID, room.RoomID); err != nil {
		return err
	}
	return r.sessions.SetSessionRoom(ctx, room.Session2.SessionID, room.RoomID)
}

// InstallRoom exposes install for the invite-redemption path (§4.F
// `join-invite`), which mints the room outside JoinQueue's pairing loop.
func (r *Rooms) InstallRoom(ctx context.Context, room model.Room) error {
	return r.install(ctx, room)
}

// GetRoom fetches a room by id.
func (r *Rooms) GetRoom(ctx context.Context, roomID string) (model.Room, bool, error) {
	raw, ok, err := r.backend.Get(ctx, roomKey(roomID))
	if err != nil || !ok {
		return model.Room{}, false, err
	}
	var room model.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return model.Room{}, false, nil
	}
	return room, true, nil
}

// GetRoomBySessionID resolves via the reverse index.
func (r *Rooms) GetRoomBySessionID(ctx context.Context, sessionID string) (model.Room, bool, error) {
	raw, ok, err := r.backend.Get(ctx, roomBySessionKey(sessionID))
	if err != nil || !ok {
		return model.Room{}, false, err
	}
	return r.GetRoom(ctx, string(raw))
}

// GetPeerConnectionID returns the peer's current live connection id,
// consulting the session registry first and falling back to the
// connection id recorded in the room (§4.E). Returns ok=false if
// sessionID is not a member of roomID.
func (r *Rooms) GetPeerConnectionID(ctx context.Context, roomID, sessionID string) (string, bool) {
	room, ok, err := r.GetRoom(ctx, roomID)
	if err != nil || !ok {
		return "", false
	}
	peer, isMember := room.Peer(sessionID)
	if !isMember {
		return "", false
	}

	if peerSess, exists := r.sessions.GetSession(ctx, peer.SessionID); exists && peerSess.ConnectionID != "" {
		return peerSess.ConnectionID, true
	}
	return peer.ConnectionID, true
}

// DestroyRoom clears both reverse indices, clears both session bindings,
// deletes the room record and the rooms-set entry. Idempotent: repeat
// calls on an already-gone room are no-ops (§4.E, §8).
func (r *Rooms) DestroyRoom(ctx context.Context, roomID string) error {
	room, ok, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	pipe := r.backend.Pipeline()
	pipe.Del(roomKey(roomID))
	pipe.SRem(roomsSetKey, roomID)
	pipe.Del(roomBySessionKey(room.Session1.SessionID))
	pipe.Del(roomBySessionKey(room.Session2.SessionID))
	if err := pipe.Exec(ctx); err != nil {
		return err
	}

	_ = r.sessions.ClearSessionRoom(ctx, room.Session1.SessionID)
	_ = r.sessions.ClearSessionRoom(ctx, room.Session2.SessionID)
	return nil
}

// RoomCount reports the number of active rooms, for the health endpoint.
func (r *Rooms) RoomCount(ctx context.Context) (int64, error) {
	return r.backend.SCard(ctx, roomsSetKey)
}
