package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/pkg/smartconnect"
)

type fakeBroker struct {
	logins  atomic.Int32
	logouts atomic.Int32
	err     error
	lastOTP string
	mu      sync.Mutex
}

func (f *fakeBroker) GenerateSession(ctx context.Context, clientCode, password, code string) (*smartconnect.Tokens, error) {
	f.logins.Add(1)
	f.mu.Lock()
	f.lastOTP = code
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &smartconnect.Tokens{JWTToken: "jwt-" + clientCode, FeedToken: "feed"}, nil
}

func (f *fakeBroker) TerminateSession(ctx context.Context, authToken, clientCode string) error {
	f.logouts.Add(1)
	return nil
}

var creds = Credentials{ClientCode: "A123", Password: "1234", TOTPSecret: "JBSWY3DPEHPK3PXP"}

func newTestSession(b Broker) (*Session, *time.Time) {
	now := time.Date(2025, 7, 21, 9, 0, 0, 0, time.UTC)
	s := New(b, creds, nil)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestEnsureLogin(t *testing.T) {
	b := &fakeBroker{}
	s, now := newTestSession(b)

	if s.IsAuthenticated() || s.AuthToken() != "" {
		t.Fatal("authenticated before login")
	}
	if err := s.EnsureLogin(context.Background()); err != nil {
		t.Fatalf("EnsureLogin: %v", err)
	}
	if s.AuthToken() != "jwt-A123" || s.FeedToken() != "feed" {
		t.Errorf("tokens = %q %q", s.AuthToken(), s.FeedToken())
	}
	if len(b.lastOTP) != 6 {
		t.Errorf("totp = %q", b.lastOTP)
	}

	// Reused within validity.
	*now = now.Add(7 * time.Hour)
	s.EnsureLogin(context.Background())
	if b.logins.Load() != 1 {
		t.Errorf("logins = %d, want 1", b.logins.Load())
	}

	*now = now.Add(time.Hour)
	if s.IsAuthenticated() {
		t.Error("login still valid after 8h")
	}
	s.EnsureLogin(context.Background())
	if b.logins.Load() != 2 {
		t.Errorf("logins = %d, want 2", b.logins.Load())
	}
}

func TestEnsureLogin_Concurrent(t *testing.T) {
	b := &fakeBroker{}
	s, _ := newTestSession(b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.EnsureLogin(context.Background())
		}()
	}
	wg.Wait()
	if b.logins.Load() != 1 {
		t.Errorf("logins = %d, want 1", b.logins.Load())
	}
}

func TestEnsureLogin_Failure(t *testing.T) {
	b := &fakeBroker{err: apperr.New(apperr.UpstreamAuthRequired, "smartconnect.GenerateSession", "login rejected")}
	s, _ := newTestSession(b)
	var notified error
	s.OnLoginFailure = func(err error) { notified = err }

	err := s.EnsureLogin(context.Background())
	if !apperr.Is(err, apperr.UpstreamAuthRequired) || notified == nil {
		t.Errorf("err = %v, notified = %v", err, notified)
	}
	if st := s.Status(); st.Authenticated || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestEnsureLogin_BadSecret(t *testing.T) {
	b := &fakeBroker{}
	s := New(b, Credentials{ClientCode: "A123", TOTPSecret: "not base32!"}, nil)
	if err := s.EnsureLogin(context.Background()); !apperr.Is(err, apperr.UpstreamAuthRequired) {
		t.Errorf("err = %v", err)
	}
	if b.logins.Load() != 0 {
		t.Error("broker called with no code")
	}
}

func TestLogout(t *testing.T) {
	b := &fakeBroker{}
	s, _ := newTestSession(b)
	s.EnsureLogin(context.Background())

	if err := s.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.IsAuthenticated() || b.logouts.Load() != 1 {
		t.Errorf("authenticated = %v, logouts = %d", s.IsAuthenticated(), b.logouts.Load())
	}
	if err := s.Logout(context.Background()); err != nil || b.logouts.Load() != 1 {
		t.Errorf("second logout: %v, %d", err, b.logouts.Load())
	}
}
