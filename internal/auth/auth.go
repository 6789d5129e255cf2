// Package auth caches the administrator credential and identity for schedwatch.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// TokenKey is the cache key of the serialized Token.
	TokenKey = "session.token"
	// IdentityKey is the cache key of the serialized Identity.
	IdentityKey = "session.identity"
	// DefaultKind is the credential kind used when none is given.
	DefaultKind = "Bearer"
)

// Token is a previously issued access credential.
type Token struct {
	Credential      string    `json:"access_token"`
	Kind            string    `json:"token_type"`
	LifetimeSeconds int64     `json:"expires_in"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// NewToken builds a Token whose absolute expiry is issuedAt plus lifetime.
func NewToken(credential, kind string, lifetime time.Duration, issuedAt time.Time) Token {
	if kind == "" {
		kind = DefaultKind
	}
	return Token{
		Credential:      credential,
		Kind:            kind,
		LifetimeSeconds: int64(lifetime / time.Second),
		ExpiresAt:       issuedAt.Add(lifetime),
	}
}

// Identity is the administrator the credential was issued to.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// KV is the durable cache the session is persisted to.
type KV interface {
	Get(key string) (string, bool, error)
	SetMany(pairs map[string]string) error
	Delete(keys ...string) error
}

// VerifyFunc fetches the identity of the current credential from the server.
type VerifyFunc func(ctx context.Context) (*Identity, error)

// Session holds the cached credential and identity.
// The later of two concurrent Save calls wins.
type Session struct {
	kv     KV
	now    func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	token    *Token
	identity *Identity
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session backed by kv and restores any cached state.
func NewSession(kv KV, opts ...Option) (*Session, error) {
	s := &Session{
		kv:     kv,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load restores token and identity from the cache. Corrupt entries are dropped.
func (s *Session) load() error {
	raw, ok, err := s.kv.Get(TokenKey)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if ok {
		var tok Token
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			s.logger.Warn("discarding unreadable cached token", "err", err)
		} else {
			s.token = &tok
		}
	}

	raw, ok, err = s.kv.Get(IdentityKey)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if ok && s.token != nil {
		var id Identity
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			s.logger.Warn("discarding unreadable cached identity", "err", err)
		} else {
			s.identity = &id
		}
	}
	return nil
}

// Save persists the token and identity and makes them current.
// identity may be nil when it is not yet known.
func (s *Session) Save(token Token, identity *Identity) error {
	if token.Kind == "" {
		token.Kind = DefaultKind
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	pairs := map[string]string{TokenKey: string(data)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if identity != nil {
		idData, err := json.Marshal(identity)
		if err != nil {
			return err
		}
		pairs[IdentityKey] = string(idData)
	} else if err := s.kv.Delete(IdentityKey); err != nil {
		return fmt.Errorf("drop stale identity: %w", err)
	}

	if err := s.kv.SetMany(pairs); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	s.token = &token
	s.identity = identity
	return nil
}

// Clear erases the token and identity from memory and the cache.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Session) clearLocked() error {
	s.token = nil
	s.identity = nil
	if err := s.kv.Delete(TokenKey, IdentityKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether a token is cached and not yet expired.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Session) validLocked() bool {
	return s.token != nil && s.token.ExpiresAt.After(s.now())
}

// AuthHeader returns the Authorization header value when authenticated.
func (s *Session) AuthHeader() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return "", false
	}
	return s.token.Kind + " " + s.token.Credential, true
}

// Credential returns the raw credential when authenticated.
func (s *Session) Credential() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return "", false
	}
	return s.token.Credential, true
}

// Token returns a copy of the cached token, expired or not.
func (s *Session) Token() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return Token{}, false
	}
	return *s.token, true
}

// CurrentIdentity returns the cached identity, verifying it with the server
// only when none is cached yet.
//
// A failed verification clears the session only when the server answered 401
// with an invalid/expired credential message. Any other failure keeps the
// session and returns the last cached identity, which may be nil.
func (s *Session) CurrentIdentity(ctx context.Context, verify VerifyFunc) *Identity {
	s.mu.Lock()
	if s.token == nil {
		s.mu.Unlock()
		return nil
	}
	if !s.validLocked() {
		if err := s.clearLocked(); err != nil {
			s.logger.Warn("clearing expired session", "err", err)
		}
		s.mu.Unlock()
		return nil
	}
	if s.identity != nil {
		id := s.identity
		s.mu.Unlock()
		return id
	}
	current := s.token
	s.mu.Unlock()

	id, err := verify(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A Save or Clear raced with verification; its result wins.
	if s.token != current {
		return s.identity
	}

	if err != nil {
		var rej Rejection
		if errors.As(err, &rej) && IsCredentialRejection(rej.HTTPStatus(), rej.Reason()) {
			s.logger.Info("credential rejected by server, clearing session", "reason", rej.Reason())
			if cerr := s.clearLocked(); cerr != nil {
				s.logger.Warn("clearing rejected session", "err", cerr)
			}
			return nil
		}
		s.logger.Warn("identity verification failed, keeping session", "err", err)
		return s.identity
	}
	if id == nil {
		return s.identity
	}

	data, merr := json.Marshal(id)
	if merr == nil {
		merr = s.kv.SetMany(map[string]string{IdentityKey: string(data)})
	}
	if merr != nil {
		s.logger.Warn("caching verified identity", "err", merr)
	}
	s.identity = id
	return id
}

// Rejection is implemented by errors that carry an HTTP status and a server reason.
type Rejection interface {
	error
	HTTPStatus() int
	Reason() string
}

var rejectionVocabulary = []string{"invalid token", "expired", "jwt"}

// IsCredentialRejection reports whether a response unambiguously says the
// credential is invalid or expired: status 401 and a matching message.
func IsCredentialRejection(status int, message string) bool {
	if status != 401 {
		return false
	}
	msg := strings.ToLower(message)
	for _, word := range rejectionVocabulary {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}
