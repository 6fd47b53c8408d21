package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
	"marketdata-engine/internal/quotes"
	"marketdata-engine/internal/session"
	"marketdata-engine/internal/stockdetails"
)

type fakeInstrumentDir struct {
	fakeDirectory
	state string
}

func (f *fakeInstrumentDir) Suggest(partial string, limit int) []instruments.SearchResult {
	var out []instruments.SearchResult
	for _, r := range f.results {
		if strings.HasPrefix(r.Symbol, strings.ToUpper(partial)) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeInstrumentDir) OptionUnderlyings() []model.Underlying { return catalog.Underlyings() }
func (f *fakeInstrumentDir) DefaultUniverse() map[string][]string  { return catalog.DefaultTokens() }
func (f *fakeInstrumentDir) Stats() instruments.Stats {
	return instruments.Stats{TotalInstruments: len(f.results), State: f.state}
}
func (f *fakeInstrumentDir) Status() instruments.Status {
	return instruments.Status{State: f.state, Count: len(f.results)}
}

type fakeQuoteService struct {
	quotes []model.Quote

	mu          sync.Mutex
	invalidated int
	modes       []string
}

func (f *fakeQuoteService) GetQuotes(ctx context.Context, token, mode string, sets map[string][]string) (quotes.Result, error) {
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	return quotes.Result{Quotes: f.quotes, Mode: mode, Source: quotes.SourceLive, FetchedAt: time.Now()}, nil
}

func (f *fakeQuoteService) lastMode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[len(f.modes)-1]
}

func (f *fakeQuoteService) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func (f *fakeQuoteService) Stats() quotes.Stats { return quotes.Stats{} }

type fakeDetails struct{}

func (fakeDetails) Details(ctx context.Context, token, symbol string) (stockdetails.Details, error) {
	if symbol == "SBIN" {
		return stockdetails.Details{Basic: stockdetails.Basic{Symbol: "SBIN-EQ", Token: "3045"}}, nil
	}
	e := apperr.New(apperr.InstrumentNotFound, "stockdetails.Details", "stock "+symbol+" not found")
	e.Suggestions = []string{"SBIN"}
	return stockdetails.Details{}, e
}

type fakeSession struct {
	mu       sync.Mutex
	token    string
	loginErr error
	logins   int
}

func (s *fakeSession) set(token string, loginErr error) {
	s.mu.Lock()
	s.token, s.loginErr = token, loginErr
	s.mu.Unlock()
}

func (s *fakeSession) IsAuthenticated() bool { return s.AuthToken() != "" }

func (s *fakeSession) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) Status() session.Status {
	return session.Status{Authenticated: s.IsAuthenticated()}
}

func (s *fakeSession) EnsureLogin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	if s.loginErr != nil {
		return s.loginErr
	}
	s.token = "jwt"
	return nil
}

func (s *fakeSession) Logout(ctx context.Context) error {
	s.set("", nil)
	return nil
}

type testServer struct {
	srv    *httptest.Server
	hub    *Hub
	quotes *fakeQuoteService
	chains *optionchain.Resolver
	auth   *fakeSession
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	dir := &fakeInstrumentDir{
		fakeDirectory: fakeDirectory{results: []instruments.SearchResult{
			{Token: "3045", Symbol: "SBIN-EQ", Name: "STATE BANK OF INDIA", Exchange: "NSE", Type: instruments.TypeEquity},
			{Token: "2885", Symbol: "RELIANCE-EQ", Name: "RELIANCE", Exchange: "NSE", Type: instruments.TypeEquity},
		}},
		state: instruments.StateReady,
	}
	auth := &fakeSession{token: token}
	resolver := optionchain.NewResolver([]optionchain.Strategy{optionchain.SyntheticStrategy{}})
	hub := NewHub(dir, resolver, auth)
	qs := &fakeQuoteService{quotes: []model.Quote{
		{Token: "3045", Symbol: "SBIN-EQ", LTP: 820.5},
		{Token: "2885", Symbol: "RELIANCE-EQ", LTP: 2950},
	}}
	s := &Server{Hub: hub, Directory: dir, Quotes: qs, Chains: resolver, Details: fakeDetails{}, Auth: auth}
	ts := &testServer{srv: httptest.NewServer(s.Routes()), hub: hub, quotes: qs, chains: resolver, auth: auth}
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(method, ts.srv.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestMarketData_RequiresSession(t *testing.T) {
	ts := newTestServer(t, "")
	code, body := ts.do(t, "GET", "/api/market-data")
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}
	if body["loginEndpoint"] != "/api/auth/login" || body["error"] != string(apperr.UpstreamAuthRequired) {
		t.Errorf("body = %v", body)
	}
}

func TestMarketData(t *testing.T) {
	ts := newTestServer(t, "jwt")

	code, body := ts.do(t, "GET", "/api/market-data")
	if code != http.StatusOK || body["count"].(float64) != 2 {
		t.Fatalf("status = %d, body = %v", code, body)
	}

	_, body = ts.do(t, "GET", "/api/market-data?symbol=sbin-eq")
	if body["count"].(float64) != 1 {
		t.Errorf("filtered body = %v", body)
	}

	ts.do(t, "GET", "/api/market-data/latest")
	if got := ts.quotes.lastMode(); got != model.ModeLTP {
		t.Errorf("latest mode = %q", got)
	}
}

func TestFetch(t *testing.T) {
	ts := newTestServer(t, "jwt")

	if code, _ := ts.do(t, "POST", "/api/market-data/fetch?mode=TICK"); code != http.StatusBadRequest {
		t.Errorf("bad mode status = %d", code)
	}
	code, body := ts.do(t, "POST", "/api/market-data/fetch?mode=ohlc")
	if code != http.StatusOK || body["mode"] != model.ModeOHLC || body["recordCount"].(float64) != 2 {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	ts.quotes.mu.Lock()
	invalidated := ts.quotes.invalidated
	ts.quotes.mu.Unlock()
	if invalidated != 1 {
		t.Errorf("invalidated = %d", invalidated)
	}
	if latest, _ := ts.hub.Latest(); len(latest) != 2 {
		t.Errorf("hub snapshot = %d quotes", len(latest))
	}
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t, "")

	_, body := ts.do(t, "GET", "/api/market-data/search?q=s")
	if data := body["data"].([]any); len(data) != 0 || body["message"] == nil {
		t.Errorf("short query body = %v", body)
	}

	_, body = ts.do(t, "GET", "/api/market-data/search?q=bank&limit=1")
	if body["count"].(float64) != 1 || body["hasLiveData"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestStockDetails(t *testing.T) {
	ts := newTestServer(t, "")

	code, body := ts.do(t, "GET", "/api/market-data/stocks/sbin")
	if code != http.StatusOK || body["symbol"] != "SBIN" {
		t.Fatalf("status = %d, body = %v", code, body)
	}

	code, body = ts.do(t, "GET", "/api/market-data/stocks/SBN")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d", code)
	}
	if s, _ := body["suggestions"].([]any); len(s) != 1 || s[0] != "SBIN" {
		t.Errorf("suggestions = %v", body["suggestions"])
	}

	_, body = ts.do(t, "GET", "/api/market-data/stocks/suggest/rel")
	if body["count"].(float64) != 1 {
		t.Errorf("suggest body = %v", body)
	}
}

func TestOptionChainRoutes(t *testing.T) {
	ts := newTestServer(t, "jwt")

	code, body := ts.do(t, "GET", "/api/market-data/options/nifty")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["count"].(float64) != 63 || body["source"] != model.SourceMockData || body["expiry"] != "all" {
		t.Errorf("chain body count=%v source=%v expiry=%v", body["count"], body["source"], body["expiry"])
	}

	exp := ts.chains.Chain("NIFTY", "").Summary.AvailableExpiries[0]

	_, body = ts.do(t, "GET", "/api/market-data/options/NIFTY/"+exp)
	if body["count"].(float64) != 42 || body["source"] != model.SourceCache {
		t.Errorf("by expiry count=%v source=%v", body["count"], body["source"])
	}

	code, body = ts.do(t, "GET", "/api/market-data/options/NIFTY/"+exp+"/24000")
	if code != http.StatusOK {
		t.Fatalf("strike status = %d, body = %v", code, body)
	}
	if body["matchType"] != optionchain.MatchExact || body["callOption"] == nil || body["putOption"] == nil {
		t.Errorf("strike body = %v", body)
	}

	code, body = ts.do(t, "GET", "/api/market-data/options/NIFTY/"+exp+"/24010")
	if code != http.StatusNotFound || body["availableStrikes"] == nil {
		t.Errorf("missing strike: %d %v", code, body)
	}

	if code, _ := ts.do(t, "GET", "/api/market-data/options/NIFTY/"+exp+"/abc"); code != http.StatusBadRequest {
		t.Errorf("bad strike status = %d", code)
	}

	_, body = ts.do(t, "GET", "/api/market-data/options/NIFTY/comprehensive?expiry="+exp)
	if entries := body["optionChain"].([]any); len(entries) != 21 {
		t.Errorf("comprehensive entries = %d", len(entries))
	}

	code, body = ts.do(t, "POST", "/api/market-data/options/NIFTY/fetch")
	if code != http.StatusOK || body["recordCount"].(float64) != 126 {
		t.Errorf("fetch: %d %v", code, body)
	}
}

func TestOptionChain_Errors(t *testing.T) {
	ts := newTestServer(t, "")

	code, body := ts.do(t, "GET", "/api/market-data/options/NIFTY")
	if code != http.StatusUnauthorized || body["loginEndpoint"] == nil {
		t.Errorf("no session: %d %v", code, body)
	}

	ts.auth.set("jwt", nil)
	if code, _ := ts.do(t, "GET", "/api/market-data/options/NOPE"); code != http.StatusNotFound {
		t.Errorf("unknown underlying status = %d", code)
	}

	_, body = ts.do(t, "GET", "/api/market-data/options/underlyings")
	if body["count"].(float64) != float64(len(catalog.Underlyings())) {
		t.Errorf("underlyings = %v", body["count"])
	}
}

func TestAuthRoutes(t *testing.T) {
	ts := newTestServer(t, "")
	ts.auth.set("", apperr.New(apperr.UpstreamAuthRequired, "smartconnect.GenerateSession", "invalid totp"))

	if code, _ := ts.do(t, "POST", "/api/auth/login"); code != http.StatusUnauthorized {
		t.Errorf("failed login status = %d", code)
	}

	ts.auth.set("", nil)
	code, body := ts.do(t, "POST", "/api/auth/login")
	ts.auth.mu.Lock()
	logins := ts.auth.logins
	ts.auth.mu.Unlock()
	if code != http.StatusOK || logins != 2 {
		t.Fatalf("login: %d %v", code, body)
	}
	_, body = ts.do(t, "GET", "/api/auth/status")
	if data := body["data"].(map[string]any); data["authenticated"] != true {
		t.Errorf("status = %v", body)
	}

	ts.do(t, "POST", "/api/auth/logout")
	if ts.auth.AuthToken() != "" {
		t.Error("still logged in")
	}
}

func TestMiddlewareAndHealth(t *testing.T) {
	ts := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodOptions, ts.srv.URL+"/api/market-data", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: %d %v", resp.StatusCode, resp.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.srv.URL+"/health", nil)
	req.Header.Set("X-Trace-Id", "trace-1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Trace-Id") != "trace-1" {
		t.Errorf("trace header = %q", resp.Header.Get("X-Trace-Id"))
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || body["runtime"] == nil {
		t.Errorf("health = %v", body)
	}
	if _, ok := body["redis"]; ok {
		t.Error("redis reported without a client")
	}
}

func TestReplayRoute(t *testing.T) {
	ts := newTestServer(t, "")
	ts.hub.Broadcaster.BroadcastQuotes([]model.Quote{{Token: "3045"}})
	ts.hub.Broadcaster.BroadcastQuotes([]model.Quote{{Token: "3045"}})

	_, body := ts.do(t, "GET", "/api/replay?since=1")
	if body["seq"].(float64) != 2 || len(body["messages"].([]any)) != 1 {
		t.Errorf("replay = %v", body)
	}
}
