// Package smartconnect is a client for the Angel One SmartAPI REST surface the
// market data engine depends on: session login, batched quotes, scrip search and
// the public scrip master download.
//
// The client holds no session state. Callers pass the bearer token on every
// secured call, so one client serves every request regardless of who logged in.
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "key"})
//	sess, err := sc.GenerateSession(ctx, "CLIENT", "MPIN", totp)
//	if err != nil { return err }
//	resp, err := sc.GetMarketData(ctx, sess.JWTToken, "FULL", map[string][]string{"NSE": {"3045"}})
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/breaker"
)

// ---- Config & client ----

type Config struct {
	APIKey string

	RootURL        string        // default: https://apiconnect.angelone.in
	ScripMasterURL string        // default: public OpenAPIScripMaster.json
	Timeout        time.Duration // quote/search/login; default 10s
	MasterTimeout  time.Duration // scrip master download; default 30s
	MaxConcurrent  int           // outbound calls in flight; default 8

	Accept         string // default: application/json
	UserType       string // default: USER
	SourceID       string // default: WEB
	ClientPublicIP string // default: resolved, else 106.193.147.98
	ClientLocalIP  string // default: resolved, else 127.0.0.1
	ClientMAC      string // default: first interface MAC

	// Breaker guards quote and search calls. nil disables it. A breaker
	// without a Tripping predicate gets Tripping.
	Breaker *breaker.CircuitBreaker

	// Observe is called after every upstream call with the route, latency and
	// result. Used to feed metrics.
	Observe func(route string, elapsed time.Duration, err error)

	Logger *slog.Logger
	Debug  bool

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

type SmartConnect struct {
	apiKey         string
	rootURL        string
	scripMasterURL string
	timeout        time.Duration
	masterTimeout  time.Duration

	httpClient *http.Client
	sem        *semaphore.Weighted
	breaker    *breaker.CircuitBreaker
	observe    func(string, time.Duration, error)
	log        *slog.Logger
	debug      bool

	// header fields
	accept   string
	userType string
	sourceID string

	clientPublicIP string
	clientLocalIP  string
	clientMAC      string
}

const (
	defaultRoot        = "https://apiconnect.angelone.in"
	defaultScripMaster = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.market.data":  "/rest/secure/angelbroking/market/v1/quote",
	"api.search.scrip": "/rest/secure/angelbroking/order/v1/searchScrip",
}

// GetPublicIP asks ipify for the egress address.
func GetPublicIP(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.ipify.org?format=text", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	ip, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ip)), nil
}

// GetLocalIP finds the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client. Client IPs that are not configured
// are resolved once here; failures fall back to fixed placeholders.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.ScripMasterURL == "" {
		cfg.ScripMasterURL = defaultScripMaster
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MasterTimeout == 0 {
		cfg.MasterTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Accept == "" {
		cfg.Accept = "application/json"
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "smartconnect")
	if cfg.Breaker != nil && cfg.Breaker.Tripping == nil {
		cfg.Breaker.Tripping = Tripping
	}

	if cfg.ClientLocalIP == "" {
		ip, err := GetLocalIP()
		if err != nil {
			log.Warn("local ip lookup failed", "error", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	if cfg.ClientPublicIP == "" {
		ip, err := GetPublicIP(context.Background())
		if err != nil {
			log.Warn("public ip lookup failed", "error", err)
		}
		cfg.ClientPublicIP = firstNonEmpty(ip, "106.193.147.98")
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = getMACFallback()
	}

	client := cfg.HTTPClient
	if client == nil {
		// Per-call deadlines come from the context; this is only a ceiling.
		client = &http.Client{Timeout: cfg.MasterTimeout + 5*time.Second}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		scripMasterURL: cfg.ScripMasterURL,
		timeout:        cfg.Timeout,
		masterTimeout:  cfg.MasterTimeout,
		httpClient:     client,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		breaker:        cfg.Breaker,
		observe:        cfg.Observe,
		log:            log,
		debug:          cfg.Debug,
		accept:         cfg.Accept,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders(authToken string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", sc.accept)
	h.Set("Accept", sc.accept)
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if authToken != "" {
		h.Set("Authorization", "Bearer "+strings.TrimPrefix(authToken, "Bearer "))
	}
	return h
}

func (sc *SmartConnect) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return sc.rootURL + uri, nil
}

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// Error codes the broker uses for an invalid or expired session.
var authErrorCodes = map[string]bool{
	"AG8001": true, // Invalid Token
	"AG8002": true, // Token Expired
	"AG8003": true, // Token missing
	"AB1010": true, // AMX Session Expired
}

// doRequest sends one JSON call and decodes envelope.data into out. Every
// failure comes back as an *apperr.Error.
func (sc *SmartConnect) doRequest(ctx context.Context, method, route, authToken string, params any, out any) error {
	op := "smartconnect." + route
	fullURL, err := sc.buildURL(route)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	if err := sc.sem.Acquire(ctx, 1); err != nil {
		return classifyTransport(op, err)
	}
	defer sc.sem.Release(1)

	start := time.Now()
	err = sc.send(ctx, op, method, fullURL, authToken, params, out)
	if sc.observe != nil {
		sc.observe(route, time.Since(start), err)
	}
	return err
}

func (sc *SmartConnect) send(ctx context.Context, op, method, fullURL, authToken string, params any, out any) error {
	var body io.Reader
	reqURL := fullURL

	if method == http.MethodGet {
		if m, ok := params.(map[string]string); ok && len(m) > 0 {
			q := url.Values{}
			for k, v := range m {
				q.Set(k, v)
			}
			reqURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return apperr.Wrap(apperr.UpstreamMalformed, op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	req.Header = sc.requestHeaders(authToken)

	if sc.debug {
		sc.log.Debug("request", "method", method, "url", reqURL)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(op, err)
	}
	if sc.debug {
		sc.log.Debug("response", "status", resp.StatusCode, "bytes", len(raw))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperr.New(apperr.UpstreamAuthRequired, op, fmt.Sprintf("broker returned HTTP %d", resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 500 {
			return apperr.Wrap(apperr.UpstreamUnavailable, op, fmt.Errorf("broker returned HTTP %d", resp.StatusCode))
		}
		return apperr.Wrapf(apperr.UpstreamMalformed, op, err, "couldn't parse JSON response")
	}
	if env.ErrorType == "TokenException" || authErrorCodes[env.ErrorCode] {
		return apperr.New(apperr.UpstreamAuthRequired, op, firstNonEmpty(env.Message, env.ErrorCode, env.ErrorType))
	}
	if env.ErrorType != "" {
		return apperr.New(apperr.UpstreamUnavailable, op, env.ErrorType+": "+env.Message)
	}
	if resp.StatusCode >= 400 {
		return apperr.New(apperr.UpstreamUnavailable, op, fmt.Sprintf("broker returned HTTP %d: %s", resp.StatusCode, env.Message))
	}
	if !env.Status {
		return apperr.New(apperr.UpstreamUnavailable, op, firstNonEmpty(env.Message, "request failed"))
	}
	if out == nil {
		return nil
	}
	if rm, ok := out.(*json.RawMessage); ok {
		*rm = env.Data
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return apperr.New(apperr.UpstreamMalformed, op, "response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.Wrapf(apperr.UpstreamMalformed, op, err, "unexpected data shape")
	}
	return nil
}

// guarded runs fn through the breaker when one is configured.
func (sc *SmartConnect) guarded(op string, fn func() error) error {
	if sc.breaker == nil {
		return fn()
	}
	err := sc.breaker.Execute(fn)
	if errors.Is(err, breaker.ErrOpen) {
		return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	return err
}

// Tripping is the breaker predicate for broker calls: only transport-level
// failures count, never auth or shape problems.
func Tripping(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.UpstreamTimeout, apperr.UpstreamUnavailable:
		return true
	}
	return false
}

func classifyTransport(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperr.Wrap(apperr.UpstreamTimeout, op, err)
	}
	return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
}
