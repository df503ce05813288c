// Package auth implements the challenge-response handshake and session
// token lifecycle. Both peers hold the same pre-shared network key; proving
// possession of it without sending it is the whole of the trust model.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"trosync.dev/go/trosync/internal/registry"
)

const (
	// DefaultTokenTTL is how long a session token stays valid
	DefaultTokenTTL = 24 * time.Hour

	// DefaultMaxSkew is the largest tolerated clock difference between
	// peers during the handshake
	DefaultMaxSkew = 2 * time.Minute

	// NonceSize is the challenge nonce length in bytes
	NonceSize = 32

	sweepInterval = 10 * time.Minute
)

var (
	// ErrInvalidToken is returned for unknown or expired session tokens
	ErrInvalidToken = errors.New("auth: invalid or expired token")

	// ErrBadProof is returned when a peer's challenge response does not
	// match the shared key
	ErrBadProof = errors.New("auth: challenge proof mismatch")

	// ErrClockSkew is returned when the peer's clock is too far from ours
	ErrClockSkew = errors.New("auth: clock skew exceeds limit")
)

// Session is one authenticated peer relationship
type Session struct {
	Token     string
	NodeID    string
	NodeType  registry.NodeType
	Key       []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its TTL
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Manager issues challenges, verifies proofs, and tracks live sessions
type Manager struct {
	psk     []byte
	ttl     time.Duration
	maxSkew time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager over the pre-shared key. Zero ttl or
// maxSkew fall back to the defaults.
func NewManager(psk []byte, ttl, maxSkew time.Duration) (*Manager, error) {
	if len(psk) == 0 {
		return nil, fmt.Errorf("auth: pre-shared key required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Manager{
		psk:      psk,
		ttl:      ttl,
		maxSkew:  maxSkew,
		sessions: make(map[string]*Session),
	}, nil
}

// NewNonce returns a fresh random challenge nonce, hex encoded
func NewNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Proof computes the handshake proof over both nonces and the prover's node
// id, keyed with the shared secret
func Proof(psk []byte, serverNonce, clientNonce, nodeID string) string {
	mac := hmac.New(sha256.New, psk)
	io.WriteString(mac, serverNonce)
	io.WriteString(mac, clientNonce)
	io.WriteString(mac, nodeID)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProof checks a peer's handshake proof
func (m *Manager) VerifyProof(serverNonce, clientNonce, nodeID, proof string) error {
	want := Proof(m.psk, serverNonce, clientNonce, nodeID)
	if !hmac.Equal([]byte(want), []byte(proof)) {
		return ErrBadProof
	}
	return nil
}

// CheckSkew compares the peer's reported clock against ours
func (m *Manager) CheckSkew(peerTime, now time.Time) error {
	skew := now.Sub(peerTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > m.maxSkew {
		return fmt.Errorf("%w: %v", ErrClockSkew, skew)
	}
	return nil
}

// DeriveKey derives the per-session signing key from the shared secret and
// both handshake nonces. Both peers compute the same key without it ever
// crossing the wire.
func DeriveKey(psk []byte, serverNonce, clientNonce string) ([]byte, error) {
	salt := []byte(serverNonce + clientNonce)
	r := hkdf.New(sha256.New, psk, salt, []byte("trosync session v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Establish creates a session for an authenticated peer and returns it with
// a fresh token
func (m *Manager) Establish(nodeID string, nodeType registry.NodeType, serverNonce, clientNonce string) (*Session, error) {
	key, err := DeriveKey(m.psk, serverNonce, clientNonce)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		Token:     uuid.New().String(),
		NodeID:    nodeID,
		NodeType:  nodeType,
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	// One session per peer: a re-handshake replaces the old session.
	for token, old := range m.sessions {
		if old.NodeID == nodeID {
			delete(m.sessions, token)
		}
	}
	m.sessions[s.Token] = s
	m.mu.Unlock()

	slog.Info("Session established", "node", nodeID, "type", nodeType, "expires_at", s.ExpiresAt)
	return s, nil
}

// Validate resolves a token to its session
func (m *Manager) Validate(token string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()

	if !ok || s.Expired(time.Now()) {
		return nil, ErrInvalidToken
	}
	return s, nil
}

// Revoke drops a session immediately
func (m *Manager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run sweeps expired sessions until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, s := range m.sessions {
		if s.Expired(now) {
			slog.Debug("Session expired", "node", s.NodeID)
			delete(m.sessions, token)
		}
	}
}
