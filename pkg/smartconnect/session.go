package smartconnect

import (
	"context"
	"net/http"

	"marketdata-engine/internal/apperr"
)

// Tokens is the session issued by loginByPassword.
type Tokens struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// Profile is the subset of getProfile the engine reports.
type Profile struct {
	ClientCode string   `json:"clientcode"`
	Name       string   `json:"name"`
	Exchanges  []string `json:"exchanges"`
}

// GenerateSession logs in with client code, MPIN and a current TOTP.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (*Tokens, error) {
	params := map[string]any{"clientcode": clientCode, "password": password, "totp": totp}
	var out Tokens
	if err := sc.doRequest(ctx, http.MethodPost, "api.login", "", params, &out); err != nil {
		// A rejected login (status=false, no transport cause) is an auth
		// problem, not an outage.
		if e, ok := apperr.As(err); ok && e.Kind == apperr.UpstreamUnavailable && e.Err == nil {
			return nil, apperr.Wrapf(apperr.UpstreamAuthRequired, "smartconnect.GenerateSession", err, "login rejected: %s", e.Message)
		}
		return nil, err
	}
	if out.JWTToken == "" {
		return nil, apperr.New(apperr.UpstreamMalformed, "smartconnect.GenerateSession", "login response has no jwtToken")
	}
	return &out, nil
}

// GetProfile returns the logged-in user's profile.
func (sc *SmartConnect) GetProfile(ctx context.Context, authToken, refreshToken string) (*Profile, error) {
	var out Profile
	if err := sc.doRequest(ctx, http.MethodGet, "api.user.profile", authToken, map[string]string{"refreshToken": refreshToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TerminateSession logs the client out.
func (sc *SmartConnect) TerminateSession(ctx context.Context, authToken, clientCode string) error {
	return sc.doRequest(ctx, http.MethodPost, "api.logout", authToken, map[string]any{"clientcode": clientCode}, nil)
}
