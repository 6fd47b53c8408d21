package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/instruments"
)

var directoryStates = []string{
	instruments.StateEmpty,
	instruments.StateReady,
	instruments.StateDegraded,
	instruments.StateUnavailable,
}

// Metrics holds all Prometheus metrics for the market data engine. It
// implements the recorder interfaces of the quote cache, the option chain
// resolver and the gateway, and the upstream client's Observe hook.
type Metrics struct {
	reg *prometheus.Registry

	CacheLookups *prometheus.CounterVec // labels: cache, result
	ChainFetches *prometheus.CounterVec // labels: underlying, source

	UpstreamDuration *prometheus.HistogramVec // labels: route
	UpstreamErrors   *prometheus.CounterVec   // labels: route, kind

	WSClients       prometheus.Gauge
	WSMessagesSent  *prometheus.CounterVec // labels: type
	WSMessagesDrops *prometheus.CounterVec // labels: type

	DirectoryInstruments prometheus.Gauge
	DirectoryState       *prometheus.GaugeVec // labels: state; 1 for the current one
	DirectoryRefreshes   *prometheus.CounterVec

	BroadcastDuration *prometheus.HistogramVec // labels: kind=quotes|chain
	BroadcastErrors   *prometheus.CounterVec   // labels: kind

	// Market session state
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics registers all metrics on a fresh registry, together with the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_cache_lookups_total",
			Help: "Cache lookups by cache and result (hit|miss)",
		}, []string{"cache", "result"}),
		ChainFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_option_chain_fetches_total",
			Help: "Option chains served by underlying and source",
		}, []string{"underlying", "source"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdengine_upstream_request_duration_seconds",
			Help:    "Broker API latency per route",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_upstream_errors_total",
			Help: "Failed broker API calls per route and error kind",
		}, []string{"route", "kind"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSMessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_ws_messages_sent_total",
			Help: "Messages queued to WebSocket clients by type",
		}, []string{"type"}),
		WSMessagesDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_ws_messages_dropped_total",
			Help: "Messages dropped on full client buffers by type",
		}, []string{"type"}),

		DirectoryInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_directory_instruments",
			Help: "Instruments in the installed directory index",
		}),
		DirectoryState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdengine_directory_state",
			Help: "Directory state (1 for the current state)",
		}, []string{"state"}),
		DirectoryRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_directory_refreshes_total",
			Help: "Directory refresh outcomes",
		}, []string{"state"}),

		BroadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdengine_broadcast_cycle_duration_seconds",
			Help:    "Scheduler broadcast cycle latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		BroadcastErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_broadcast_errors_total",
			Help: "Scheduler broadcast cycles that failed",
		}, []string{"kind"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CacheLookups,
		m.ChainFetches,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.WSClients,
		m.WSMessagesSent,
		m.WSMessagesDrops,
		m.DirectoryInstruments,
		m.DirectoryState,
		m.DirectoryRefreshes,
		m.BroadcastDuration,
		m.BroadcastErrors,
		m.MarketState,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) ChainFetched(underlying, source string) {
	m.ChainFetches.WithLabelValues(underlying, source).Inc()
}

// Observe matches smartconnect.Config.Observe.
func (m *Metrics) Observe(route string, elapsed time.Duration, err error) {
	m.UpstreamDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	if err != nil {
		kind := string(apperr.KindOf(err))
		if kind == "" {
			kind = "unknown"
		}
		m.UpstreamErrors.WithLabelValues(route, kind).Inc()
	}
}

func (m *Metrics) ClientsConnected(n int) { m.WSClients.Set(float64(n)) }

func (m *Metrics) MessageSent(msgType string) { m.WSMessagesSent.WithLabelValues(msgType).Inc() }

func (m *Metrics) MessageDropped(msgType string) { m.WSMessagesDrops.WithLabelValues(msgType).Inc() }

// DirectoryStatus records a directory state change.
func (m *Metrics) DirectoryStatus(st instruments.Status) {
	m.DirectoryInstruments.Set(float64(st.Count))
	for _, s := range directoryStates {
		v := 0.0
		if s == st.State {
			v = 1
		}
		m.DirectoryState.WithLabelValues(s).Set(v)
	}
	m.DirectoryRefreshes.WithLabelValues(st.State).Inc()
}

// BroadcastCycle records one scheduler cycle of kind.
func (m *Metrics) BroadcastCycle(kind string, elapsed time.Duration, err error) {
	m.BroadcastDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		m.BroadcastErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetMarketOpen(open bool) {
	if open {
		m.MarketState.Set(1)
	} else {
		m.MarketState.Set(0)
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	DirectoryState string `json:"directory_state"`
	Authenticated  bool   `json:"authenticated"`
	RedisConnected bool   `json:"redis_connected"`
	SQLiteOK       bool   `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	redisEnabled  bool
	sqliteEnabled bool
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:      time.Now(),
		DirectoryState: instruments.StateEmpty,
	}
}

func (h *HealthStatus) SetDirectoryState(state string) {
	h.mu.Lock()
	h.DirectoryState = state
	h.mu.Unlock()
}

func (h *HealthStatus) SetAuthenticated(v bool) {
	h.mu.Lock()
	h.Authenticated = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.redisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the snapshot database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.sqliteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either dependency
// may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. Only probed dependencies count
// towards the overall status.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	depsDown := (h.redisEnabled && !h.RedisConnected) || (h.sqliteEnabled && !h.SQLiteOK)
	if h.DirectoryState != instruments.StateReady || depsDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.DirectoryState == instruments.StateUnavailable || h.DirectoryState == instruments.StateEmpty {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		DirectoryState  string  `json:"directory_state"`
		Authenticated   bool    `json:"authenticated"`
		RedisConnected  *bool   `json:"redis_connected,omitempty"`
		RedisLatencyMs  float64 `json:"redis_latency_ms,omitempty"`
		SQLiteOK        *bool   `json:"sqlite_ok,omitempty"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms,omitempty"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		DirectoryState:  h.DirectoryState,
		Authenticated:   h.Authenticated,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}
	if h.redisEnabled {
		v := h.RedisConnected
		status.RedisConnected = &v
	}
	if h.sqliteEnabled {
		v := h.SQLiteOK
		status.SQLiteOK = &v
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
