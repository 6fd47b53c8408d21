// Package session holds the broker login. It generates TOTP codes, logs in
// through SmartAPI and hands the bearer token to the engine.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/pkg/smartconnect"
)

// Validity is how long a login is trusted before a fresh one is made.
const Validity = 8 * time.Hour

// Broker is the subset of the SmartAPI client used for login.
type Broker interface {
	GenerateSession(ctx context.Context, clientCode, password, totp string) (*smartconnect.Tokens, error)
	TerminateSession(ctx context.Context, authToken, clientCode string) error
}

type Credentials struct {
	ClientCode string
	Password   string // MPIN
	TOTPSecret string
}

// Status is the login state reported by /api/auth/status.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	LoginTime     time.Time `json:"loginTime,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

type Session struct {
	broker Broker
	creds  Credentials
	now    func() time.Time
	log    *slog.Logger

	// OnLoginFailure is called after a failed login, outside the lock.
	OnLoginFailure func(error)

	mu        sync.RWMutex
	tokens    *smartconnect.Tokens
	loginTime time.Time
	lastErr   error

	login sync.Mutex // serializes login attempts
}

func New(broker Broker, creds Credentials, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		broker: broker,
		creds:  creds,
		now:    time.Now,
		log:    logger.With("component", "session"),
	}
}

func (s *Session) valid() bool {
	return s.tokens != nil && s.tokens.JWTToken != "" && s.now().Sub(s.loginTime) < Validity
}

// IsAuthenticated reports whether a login younger than Validity is held.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid()
}

// AuthToken returns the bearer token, or "" without a valid login.
func (s *Session) AuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid() {
		return ""
	}
	return s.tokens.JWTToken
}

// FeedToken returns the streaming feed token, or "".
func (s *Session) FeedToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid() {
		return ""
	}
	return s.tokens.FeedToken
}

func (s *Session) LoginTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loginTime
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Authenticated: s.valid()}
	if st.Authenticated {
		st.LoginTime = s.loginTime
		st.ExpiresAt = s.loginTime.Add(Validity)
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// EnsureLogin keeps a still-valid login, otherwise logs in with a fresh TOTP.
// Concurrent callers share one attempt.
func (s *Session) EnsureLogin(ctx context.Context) error {
	if s.IsAuthenticated() {
		return nil
	}
	s.login.Lock()
	defer s.login.Unlock()
	if s.IsAuthenticated() {
		return nil
	}

	code, err := totp.GenerateCode(s.creds.TOTPSecret, s.now())
	if err != nil {
		err = apperr.Wrap(apperr.UpstreamAuthRequired, "session.EnsureLogin", err)
		s.fail(err)
		return err
	}

	tokens, err := s.broker.GenerateSession(ctx, s.creds.ClientCode, s.creds.Password, code)
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.tokens = tokens
	s.loginTime = s.now()
	s.lastErr = nil
	s.mu.Unlock()
	s.log.Info("broker session established", "client", s.creds.ClientCode)
	return nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.tokens = nil
	s.loginTime = time.Time{}
	s.lastErr = err
	s.mu.Unlock()
	s.log.Error("broker login failed", "client", s.creds.ClientCode, "error", err)
	if s.OnLoginFailure != nil {
		s.OnLoginFailure(err)
	}
}

// Logout ends the session upstream (best-effort) and forgets the tokens.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	tokens := s.tokens
	s.tokens = nil
	s.loginTime = time.Time{}
	s.mu.Unlock()

	if tokens == nil {
		return nil
	}
	if err := s.broker.TerminateSession(ctx, tokens.JWTToken, s.creds.ClientCode); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("upstream logout failed", "error", err)
		return err
	}
	s.log.Info("logged out")
	return nil
}
