// Package invite implements the Invite Store (§4.D): short-lived one-time
// codes of the form TALK-XXXX (4 uppercase hex characters), with a reverse
// index from sessionId to code so a session can hold at most one invite.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/talkrelay/relay/internal/domain/model"
	"github.com/talkrelay/relay/internal/domain/relayerr"
	"github.com/talkrelay/relay/internal/domain/state"
)

const (
	invitePrefix    = "invite:"
	bySessionPrefix = "inviteBySession:"

	// TTL is the hard 5-minute expiry from §3/§4.D.
	TTL = 5 * time.Minute

	// maxAttempts is the retry budget before AllocationExhausted (§4.D).
	maxAttempts = 10

	codePrefix = "TALK-"
)

// Store is the Invite Store capability (§4.D).
type Store struct {
	backend state.Backend
}

// New builds a Store over backend.
func New(backend state.Backend) *Store {
	return &Store{backend: backend}
}

func inviteKey(code string) string        { return invitePrefix + code }
func bySessionKey(sessionID string) string { return bySessionPrefix + sessionID }

// generateCode mints a random TALK-XXXX code (16 bits of entropy, 4
// uppercase hex characters).
func generateCode() (string, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%02X%02X", codePrefix, buf[0], buf[1]), nil
}

// CreateInvite mints a fresh code for sessionID, retrying on collision up
// to maxAttempts before returning ErrAllocationExhausted (§4.D). The
// caller is responsible for ensuring sessionID doesn't already hold an
// invite (enforced by the dispatcher, §4.F).
func (s *Store) CreateInvite(ctx context.Context, sessionID, connectionID string) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}

		inv := model.Invite{
			Code:         code,
			SessionID:    sessionID,
			ConnectionID: connectionID,
			CreatedAt:    time.Now(),
		}
		payload, err := json.Marshal(inv)
		if err != nil {
			return "", err
		}

		didSet, err := s.backend.SetNX(ctx, inviteKey(code), payload, TTL)
		if err != nil {
			return "", err
		}
		if !didSet {
			continue // collision, retry with a new code
		}

		if err := s.backend.Set(ctx, bySessionKey(sessionID), []byte(code), TTL); err != nil {
			// Best-effort rollback of the forward key so we don't leak an
			// orphaned invite nobody can reach via the reverse index.
			_ = s.backend.Del(ctx, inviteKey(code))
			return "", err
		}

		return code, nil
	}
	return "", relayerr.ErrAllocationExhausted
}

// normalize upper-cases and trims the supplied code (§4.D "Case handling").
func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RedeemInvite atomically deletes both the forward and reverse keys and
// returns the invite, or ok=false if missing/expired. Per §7, the caller
// must not distinguish "expired" from "never existed" in the message
// surfaced to the client.
func (s *Store) RedeemInvite(ctx context.Context, code string) (model.Invite, bool, error) {
	code = normalize(code)

	raw, ok, err := s.backend.Get(ctx, inviteKey(code))
	if err != nil {
		return model.Invite{}, false, err
	}
	if !ok {
		return model.Invite{}, false, nil
	}

	var inv model.Invite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return model.Invite{}, false, nil
	}

	pipe := s.backend.Pipeline()
	pipe.Del(inviteKey(code))
	pipe.Del(bySessionKey(inv.SessionID))
	if err := pipe.Exec(ctx); err != nil {
		return model.Invite{}, false, err
	}

	return inv, true, nil
}

// CancelInvite removes sessionID's invite, if any, via the reverse index.
// Returns whether an invite was actually cancelled.
func (s *Store) CancelInvite(ctx context.Context, sessionID string) (bool, error) {
	raw, ok, err := s.backend.Get(ctx, bySessionKey(sessionID))
	if err != nil || !ok {
		return false, err
	}
	code := string(raw)

	pipe := s.backend.Pipeline()
	pipe.Del(inviteKey(code))
	pipe.Del(bySessionKey(sessionID))
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// HasInvite reports whether sessionID currently owns an active invite.
func (s *Store) HasInvite(ctx context.Context, sessionID string) (bool, error) {
	_, ok, err := s.backend.Get(ctx, bySessionKey(sessionID))
	return ok, err
}

// CodeForSession returns the code sessionID currently owns via the reverse
// index, without consuming it. Used by the self-invite guard in `join-invite`
// (§4.F, §8 "Self-invite guard") so a session can be told "that's your own
// code" without spending its invite in the process.
func (s *Store) CodeForSession(ctx context.Context, sessionID string) (string, bool, error) {
	raw, ok, err := s.backend.Get(ctx, bySessionKey(sessionID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}
