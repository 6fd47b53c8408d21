package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/logger"
	"marketdata-engine/internal/markethours"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
	"marketdata-engine/internal/quotes"
	"marketdata-engine/internal/session"
	"marketdata-engine/internal/stockdetails"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const loginEndpoint = "/api/auth/login"

// InstrumentDirectory is the directory surface the REST layer reads.
type InstrumentDirectory interface {
	Directory
	Suggest(partial string, limit int) []instruments.SearchResult
	OptionUnderlyings() []model.Underlying
	DefaultUniverse() map[string][]string
	Stats() instruments.Stats
	Status() instruments.Status
}

type QuoteService interface {
	GetQuotes(ctx context.Context, authToken, mode string, sets map[string][]string) (quotes.Result, error)
	Invalidate()
	Stats() quotes.Stats
}

type ChainService interface {
	Chains
	Invalidate(underlying string)
	LegsByExpiry(underlying, exp string) []model.OptionLeg
	ResolveStrike(underlying string, strike float64, hint string) (optionchain.StrikeMatch, error)
	Stats() optionchain.Stats
}

type DetailService interface {
	Details(ctx context.Context, authToken, symbol string) (stockdetails.Details, error)
}

type AuthService interface {
	model.AuthSource
	Status() session.Status
	EnsureLogin(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Server is the HTTP controller layer. Handlers stay thin: they parse the
// request, call one component and map its error.
type Server struct {
	Hub       *Hub
	Directory InstrumentDirectory
	Quotes    QuoteService
	Chains    ChainService
	Details   DetailService
	Auth      AuthService
	Redis     *goredis.Client // optional, reported by /health
	Start     time.Time
	Log       *slog.Logger
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Trace-Id")
}

// Routes returns the full route table wrapped in the CORS/trace middleware.
func (s *Server) Routes() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	s.Log = s.Log.With("component", "http")
	if s.Start.IsZero() {
		s.Start = time.Now()
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.middleware(mux)
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/market-data", s.handleMarketData(model.ModeFull))
	mux.HandleFunc("GET /api/market-data/latest", s.handleMarketData(model.ModeLTP))
	mux.HandleFunc("POST /api/market-data/fetch", s.handleFetch)
	mux.HandleFunc("GET /api/market-data/stats", s.handleStats)
	mux.HandleFunc("GET /api/market-data/search", s.handleSearch)
	mux.HandleFunc("GET /api/market-data/stocks/{symbol}", s.handleStockDetails)
	mux.HandleFunc("GET /api/market-data/stocks/suggest/{partial}", s.handleSuggest)

	mux.HandleFunc("GET /api/market-data/options/underlyings", s.handleUnderlyings)
	mux.HandleFunc("GET /api/market-data/options/{underlying}", s.handleOptionChain)
	mux.HandleFunc("POST /api/market-data/options/{underlying}/fetch", s.handleFetchChain)
	mux.HandleFunc("GET /api/market-data/options/{underlying}/comprehensive", s.handleComprehensive)
	mux.HandleFunc("GET /api/market-data/options/{underlying}/{expiry}", s.handleByExpiry)
	mux.HandleFunc("GET /api/market-data/options/{underlying}/{expiry}/{strike}", s.handleByStrike)

	mux.HandleFunc("GET /api/replay", s.handleReplay)

	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		tid := r.Header.Get("X-Trace-Id")
		if tid == "" {
			tid = logger.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", tid)
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), tid)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the response: auth → 401 with a login hint,
// not-found → 404 with whatever alternatives the error carries, else 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := map[string]any{"success": false, "message": err.Error()}
	if e, ok := apperr.As(err); ok {
		body["error"] = e.Kind
		if e.Message != "" {
			body["message"] = e.Message
		}
		if len(e.Suggestions) > 0 {
			body["suggestions"] = e.Suggestions
		}
		if len(e.AvailableStrikes) > 0 {
			body["availableStrikes"] = e.AvailableStrikes
		}
		if len(e.AvailableExpiries) > 0 {
			body["availableExpiries"] = e.AvailableExpiries
		}
	}
	if status == http.StatusUnauthorized {
		body["loginEndpoint"] = loginEndpoint
	}

	attrs := append([]any{"path", r.URL.Path, "status", status, "error", err}, logger.LogWithTrace(r.Context())...)
	if apperr.IsNotFound(err) {
		s.Log.Debug("request not found", attrs...)
	} else {
		s.Log.Error("request failed", attrs...)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": msg})
}

// token returns the session token or writes the 401 for op.
func (s *Server) token(w http.ResponseWriter, r *http.Request, op, what string) (string, bool) {
	if t := s.Auth.AuthToken(); t != "" && s.Auth.IsAuthenticated() {
		return t, true
	}
	s.writeError(w, r, apperr.New(apperr.UpstreamAuthRequired, op, "authentication required for "+what))
	return "", false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("ws upgrade failed", "error", err)
		return
	}
	s.Hub.Connect(conn)
}

func (s *Server) handleMarketData(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := s.token(w, r, "gateway.marketData", "live market data")
		if !ok {
			return
		}
		res, err := s.Quotes.GetQuotes(r.Context(), tok, mode, nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		data := res.Quotes
		if sym := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol"))); sym != "" {
			data = make([]model.Quote, 0, 1)
			for _, q := range res.Quotes {
				if strings.EqualFold(q.Symbol, sym) {
					data = append(data, q)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"data":      data,
			"count":     len(data),
			"mode":      res.Mode,
			"fetchTime": res.FetchedAt,
			"source":    res.Source,
		})
	}
}

// handleFetch forces a fresh default-universe fetch and pushes it to the
// connected clients.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	mode, err := quotes.NormalizeMode(r.URL.Query().Get("mode"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	tok, ok := s.token(w, r, "gateway.fetch", "live market data")
	if !ok {
		return
	}
	s.Quotes.Invalidate()
	res, err := s.Quotes.GetQuotes(r.Context(), tok, mode, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reached := s.Hub.Broadcaster.BroadcastQuotes(res.Quotes)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Live market data fetched successfully",
		"fetchTime":   res.FetchedAt,
		"recordCount": len(res.Quotes),
		"mode":        res.Mode,
		"source":      res.Source,
		"broadcastTo": reached,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"directory":       s.Directory.Stats(),
			"directoryStatus": s.Directory.Status(),
			"marketData":      s.Quotes.Stats(),
			"optionChain":     s.Chains.Stats(),
			"websocket":       s.Hub.Stats(),
		},
	})
}

func splitUpper(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 2 {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    []instruments.SearchResult{},
			"message": "Query too short. Minimum 2 characters required.",
			"query":   q,
		})
		return
	}
	limit := searchLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l < searchLimit {
		limit = l
	}
	opts := instruments.SearchOptions{
		Limit:           limit,
		Exchanges:       splitUpper(r.URL.Query().Get("exchange")),
		InstrumentTypes: splitUpper(r.URL.Query().Get("type")),
	}

	tok := s.Auth.AuthToken()
	merged := mergeResults(s.Directory.Search(q, opts), s.Chains.SearchLive(r.Context(), tok, q))
	if len(merged) > limit {
		merged = merged[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"data":        merged,
		"query":       q,
		"count":       len(merged),
		"hasLiveData": tok != "",
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleStockDetails(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(r.PathValue("symbol"))
	tok := s.Auth.AuthToken()
	d, err := s.Details.Details(r.Context(), tok, sym)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"data":           d,
		"symbol":         sym,
		"hasLiveData":    tok != "",
		"hasOptionChain": d.OptionChain != nil && len(d.OptionChain.Entries) > 0,
		"timestamp":      time.Now().UTC(),
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	partial := r.PathValue("partial")
	limit := 10
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 50 {
		limit = l
	}
	out := s.Directory.Suggest(partial, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    out,
		"count":   len(out),
		"query":   partial,
	})
}

func (s *Server) handleUnderlyings(w http.ResponseWriter, r *http.Request) {
	us := s.Directory.OptionUnderlyings()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    us,
		"count":   len(us),
	})
}

func expiryLabel(exp string) string {
	if exp == "" {
		return "all"
	}
	return exp
}

// handleOptionChain serves the cached chain, fetching it first when the
// cache is empty and a session exists.
func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	u := strings.ToUpper(r.PathValue("underlying"))
	exp := strings.ToUpper(r.URL.Query().Get("expiry"))

	view := s.Chains.Chain(u, exp)
	if len(view.Entries) == 0 {
		tok, ok := s.token(w, r, "gateway.optionChain", "live option chain data")
		if !ok {
			return
		}
		if _, err := s.Chains.FetchChain(r.Context(), tok, u); err != nil {
			s.writeError(w, r, err)
			return
		}
		view = s.Chains.Chain(u, exp)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       view.Entries,
		"summary":    view.Summary,
		"underlying": u,
		"expiry":     expiryLabel(exp),
		"count":      len(view.Entries),
		"source":     view.Source,
	})
}

func (s *Server) handleFetchChain(w http.ResponseWriter, r *http.Request) {
	u := strings.ToUpper(r.PathValue("underlying"))
	tok, ok := s.token(w, r, "gateway.fetchChain", "live option chain data")
	if !ok {
		return
	}
	s.Chains.Invalidate(u)
	res, err := s.Chains.FetchChain(r.Context(), tok, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Hub.Broadcaster.BroadcastChain(model.ChainUpdate{Underlying: u, Source: res.Source, Legs: res.Legs})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Option chain data fetched for " + u,
		"underlying":  u,
		"fetchTime":   res.FetchedAt,
		"recordCount": len(res.Legs),
		"source":      res.Source,
	})
}

func (s *Server) handleComprehensive(w http.ResponseWriter, r *http.Request) {
	u := strings.ToUpper(r.PathValue("underlying"))
	exp := strings.ToUpper(r.URL.Query().Get("expiry"))
	tok, ok := s.token(w, r, "gateway.comprehensive", "live option chain data")
	if !ok {
		return
	}
	res, err := s.Chains.FetchChain(r.Context(), tok, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := s.Chains.Chain(u, exp)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"underlying":         u,
		"expiry":             expiryLabel(exp),
		"optionChain":        view.Entries,
		"optionChainSummary": view.Summary,
		"fetchTime":          res.FetchedAt,
		"source":             res.Source,
	})
}

func (s *Server) handleByExpiry(w http.ResponseWriter, r *http.Request) {
	u := strings.ToUpper(r.PathValue("underlying"))
	exp := strings.ToUpper(r.PathValue("expiry"))

	legs := s.Chains.LegsByExpiry(u, exp)
	if len(legs) == 0 {
		if tok := s.Auth.AuthToken(); tok != "" {
			if _, err := s.Chains.FetchChain(r.Context(), tok, u); err != nil {
				s.writeError(w, r, err)
				return
			}
			legs = s.Chains.LegsByExpiry(u, exp)
		}
	}
	source := model.SourceCache
	if len(legs) == 0 {
		source = "no_data"
		legs = []model.OptionLeg{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       legs,
		"underlying": u,
		"expiry":     exp,
		"count":      len(legs),
		"source":     source,
	})
}

// optionQuote is the per-side shape of the strike endpoint.
type optionQuote struct {
	Symbol            string  `json:"symbol"`
	LastTradedPrice   float64 `json:"lastTradedPrice"`
	Price             float64 `json:"price"`
	OpenInterest      int64   `json:"openInterest"`
	ChangeInOI        int64   `json:"changeInOI"`
	Volume            int64   `json:"volume"`
	Change            float64 `json:"change"`
	ChangePercent     float64 `json:"changePercent"`
	High              float64 `json:"high"`
	Low               float64 `json:"low"`
	ImpliedVolatility float64 `json:"impliedVolatility"`
}

func toOptionQuote(l *model.OptionLeg) *optionQuote {
	if l == nil {
		return nil
	}
	return &optionQuote{
		Symbol:            l.Symbol,
		LastTradedPrice:   l.LTP,
		Price:             l.Price,
		OpenInterest:      l.OpenInterest,
		ChangeInOI:        l.ChangeInOI,
		Volume:            l.Volume,
		Change:            l.Change,
		ChangePercent:     l.ChangePercent,
		High:              l.High,
		Low:               l.Low,
		ImpliedVolatility: l.ImpliedVolatility,
	}
}

func (s *Server) handleByStrike(w http.ResponseWriter, r *http.Request) {
	u := strings.ToUpper(r.PathValue("underlying"))
	hint := r.PathValue("expiry")
	strike, err := strconv.ParseFloat(r.PathValue("strike"), 64)
	if err != nil || strike <= 0 {
		badRequest(w, "invalid strike "+strconv.Quote(r.PathValue("strike")))
		return
	}
	tok, ok := s.token(w, r, "gateway.byStrike", "live option data")
	if !ok {
		return
	}
	res, err := s.Chains.FetchChain(r.Context(), tok, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.Chains.ResolveStrike(u, strike, hint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"success":         true,
		"strikePrice":     m.Strike,
		"expiryDate":      m.MatchedExpiry,
		"requestedExpiry": m.RequestedExpiry,
		"matchType":       m.MatchType,
		"underlying":      u,
		"fetchTime":       res.FetchedAt,
		"source":          m.Source,
	}
	if c := toOptionQuote(m.Call); c != nil {
		body["callOption"] = c
	}
	if p := toOptionQuote(m.Put); p != nil {
		body["putOption"] = p
	}
	if m.Call != nil && m.Put != nil {
		body["pcr"] = m.PCR
		body["straddlePrice"] = m.StraddlePrice
	}
	writeJSON(w, http.StatusOK, body)
}

// handleReplay returns buffered envelopes on a channel after a sequence so a
// reconnecting client can catch up.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = ChannelQuotes
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	msgs, cur := s.Hub.Broadcaster.Replay(channel, since)
	out := make([]json.RawMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"seq":      cur,
		"messages": out,
	})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.Auth.Status()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := s.Auth.EnsureLogin(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Login successful",
		"data":    s.Auth.Status(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Auth.Logout(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Directory.Status()
	status := "ok"
	if st.State != instruments.StateReady {
		status = "degraded"
	}

	body := map[string]any{
		"status":        status,
		"directory":     st,
		"authenticated": s.Auth.IsAuthenticated(),
		"ws_clients":    s.Hub.ClientCount(),
		"market":        markethours.StatusAt(time.Now()),
		"runtime":       CollectRuntime(s.Start),
	}
	if s.Redis != nil {
		body["redis"] = s.Redis.Ping(r.Context()).Err() == nil
	}
	writeJSON(w, http.StatusOK, body)
}
