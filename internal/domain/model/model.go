// Package model holds the plain data types shared across the coordination
// plane: Session, Invite, QueueEntry, Room and RateCounter, as specified in
// §3 of the spec. None of these types carry behavior beyond small, obvious
// helpers — the lifecycle rules live in the package that owns each index
// (session, invite, matchmaking, ratelimit).
package model

import "time"

// Session is an anonymous participant. At most one Session exists per
// sessionId at any instant, and it binds to at most one live connectionId.
type Session struct {
	SessionID    string    `json:"sessionId"`
	ConnectionID string    `json:"connectionId"`
	RoomID       string    `json:"roomId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// InRoom reports whether the session currently has a room binding.
func (s Session) InRoom() bool { return s.RoomID != "" }

// Invite is a pending one-time invite code.
type Invite struct {
	Code         string    `json:"code"`
	SessionID    string    `json:"sessionId"`
	ConnectionID string    `json:"connectionId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// QueueEntry is a session waiting for a random peer.
type QueueEntry struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

// RoomMember is one half of a Room.
type RoomMember struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

// Room is a 2-party pairing keyed by a server-minted UUID.
type Room struct {
	RoomID   string     `json:"roomId"`
	Session1 RoomMember `json:"session1"`
	Session2 RoomMember `json:"session2"`
}

// Peer returns the other member of the room relative to sessionID, and
// whether sessionID is actually a member.
func (r Room) Peer(sessionID string) (RoomMember, bool) {
	switch sessionID {
	case r.Session1.SessionID:
		return r.Session2, true
	case r.Session2.SessionID:
		return r.Session1, true
	default:
		return RoomMember{}, false
	}
}

// RateCounter is the per-session fixed-window message budget.
type RateCounter struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// ExpiredSession is the batch element fed to the Session Registry's expire
// handler (§4.B, §4.G) when a session crosses its TTL.
type ExpiredSession struct {
	SessionID    string
	ConnectionID string
	RoomID       string
}

// HealthSnapshot backs the GET /health admin surface (§6).
type HealthSnapshot struct {
	Status          string        `json:"status"`
	Uptime          time.Duration `json:"uptime"`
	ActiveSessions  int           `json:"activeSessions"`
	WaitingInQueue  int           `json:"waitingInQueue"`
	ActiveRooms     int           `json:"activeRooms"`
	Backend         string        `json:"backend"`
}
