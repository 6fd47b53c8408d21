// Package gateway is the real-time edge of the engine: it keeps the set of
// connected WebSocket clients with their subscription keys, answers their
// ad-hoc queries, and fans quote and option chain updates out to them.
package gateway

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
)

const sendBuffer = 256

// Directory is the instrument search the hub delegates SEARCH to.
type Directory interface {
	Search(query string, opts instruments.SearchOptions) []instruments.SearchResult
}

// Chains is the option chain resolver as seen by the hub.
type Chains interface {
	FetchChain(ctx context.Context, authToken, underlying string) (optionchain.FetchResult, error)
	Chain(underlying, expiry string) optionchain.ChainView
	SearchLive(ctx context.Context, authToken, query string) []instruments.SearchResult
}

// Recorder receives connection and delivery events.
type Recorder interface {
	ClientsConnected(n int)
	MessageSent(msgType string)
	MessageDropped(msgType string)
}

// Hub owns the client registry and the latest quote snapshot.
type Hub struct {
	dir      Directory
	chains   Chains
	auth     model.AuthSource
	log      *slog.Logger
	recorder Recorder
	timeout  time.Duration

	mu       sync.RWMutex
	clients  map[*Client]bool
	latest   []model.Quote
	latestAt time.Time

	sent    atomic.Int64
	dropped atomic.Int64

	Broadcaster *Broadcaster
}

type HubOption func(*Hub)

func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

func WithRecorder(r Recorder) HubOption {
	return func(h *Hub) { h.recorder = r }
}

// WithRequestTimeout bounds the upstream work done for one client request.
func WithRequestTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.timeout = d }
}

// NewHub wires a hub to its collaborators. auth may report no session; the
// hub then answers from caches only.
func NewHub(dir Directory, chains Chains, auth model.AuthSource, opts ...HubOption) *Hub {
	h := &Hub{
		dir:     dir,
		chains:  chains,
		auth:    auth,
		log:     slog.Default(),
		timeout: 15 * time.Second,
		clients: make(map[*Client]bool),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("component", "gateway")
	h.Broadcaster = NewBroadcaster(h)
	return h
}

func (h *Hub) authToken() string {
	if h.auth == nil || !h.auth.IsAuthenticated() {
		return ""
	}
	return h.auth.AuthToken()
}

// Connect registers a client for conn, queues its INITIAL_DATA snapshot and
// starts its pumps. The client is removed when its read pump exits.
func (h *Hub) Connect(conn *websocket.Conn) *Client {
	c := h.register(conn)
	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) register(conn *websocket.Conn) *Client {
	c := &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
		subs: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	snapshot := make([]model.Quote, len(h.latest))
	copy(snapshot, h.latest)
	h.mu.Unlock()

	if h.recorder != nil {
		h.recorder.ClientsConnected(n)
	}
	h.log.Info("ws client connected", "client", c.ID, "clients", n)
	h.deliver(c, MsgInitialData, encode(ServerMessage{Type: MsgInitialData, Data: snapshot}))
	return c
}

// Disconnect removes c. Safe to call more than once.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	if h.recorder != nil {
		h.recorder.ClientsConnected(n)
	}
	h.log.Info("ws client disconnected", "client", c.ID, "clients", n)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Disconnect(c)
	}
}

// deliver queues msg for c without blocking; a full buffer drops it.
func (h *Hub) deliver(c *Client, msgType string, msg []byte) bool {
	if !c.enqueue(msg) {
		h.dropped.Add(1)
		if h.recorder != nil {
			h.recorder.MessageDropped(msgType)
		}
		return false
	}
	h.sent.Add(1)
	if h.recorder != nil {
		h.recorder.MessageSent(msgType)
	}
	return true
}

func (h *Hub) setLatest(quotes []model.Quote, at time.Time) {
	cp := make([]model.Quote, len(quotes))
	copy(cp, quotes)
	h.mu.Lock()
	h.latest = cp
	h.latestAt = at
	h.mu.Unlock()
}

// Latest returns the quote snapshot sent to newly connected clients.
func (h *Hub) Latest() ([]model.Quote, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make([]model.Quote, len(h.latest))
	copy(cp, h.latest)
	return cp, h.latestAt
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChainSubscriptions lists underlyings with at least one OPTION_CHAIN
// subscriber, sorted.
func (h *Hub) ChainSubscriptions() []string {
	prefix := KeyOptionChain + ":"
	seen := make(map[string]bool)
	h.mu.RLock()
	for c := range h.clients {
		for _, k := range c.keys() {
			if strings.HasPrefix(k, prefix) {
				seen[strings.TrimPrefix(k, prefix)] = true
			}
		}
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Stats describes the client population and delivery counters.
type Stats struct {
	ConnectedClients   int     `json:"connectedClients"`
	IsRunning          bool    `json:"isRunning"`
	TotalSubscriptions int     `json:"totalSubscriptions"`
	MessagesSent       int64   `json:"messagesSent"`
	MessagesDropped    int64   `json:"messagesDropped"`
	FanoutP50Ms        float64 `json:"fanoutP50Ms"`
	FanoutP95Ms        float64 `json:"fanoutP95Ms"`
	FanoutP99Ms        float64 `json:"fanoutP99Ms"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{ConnectedClients: len(h.clients), IsRunning: true}
	for c := range h.clients {
		st.TotalSubscriptions += len(c.keys())
	}
	h.mu.RUnlock()
	st.MessagesSent = h.sent.Load()
	st.MessagesDropped = h.dropped.Load()
	st.FanoutP50Ms, st.FanoutP95Ms, st.FanoutP99Ms = h.Broadcaster.fanout.Percentiles()
	return st
}
