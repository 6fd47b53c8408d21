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

	"github.com/gorilla/websocket"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
)

type fakeDirectory struct {
	results []instruments.SearchResult
}

func (f *fakeDirectory) Search(query string, opts instruments.SearchOptions) []instruments.SearchResult {
	return f.results
}

type fakeChains struct {
	mu      sync.Mutex
	legs    map[string][]model.OptionLeg
	fetched []string
	err     error
	live    []instruments.SearchResult
}

func (f *fakeChains) FetchChain(ctx context.Context, token, u string) (optionchain.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, u)
	if f.err != nil {
		return optionchain.FetchResult{}, f.err
	}
	if f.legs == nil {
		f.legs = map[string][]model.OptionLeg{}
	}
	f.legs[u] = optionchain.SyntheticLegs(u, time.Now())
	return optionchain.FetchResult{Underlying: u, Legs: f.legs[u], Source: model.SourceMockData}, nil
}

func (f *fakeChains) Chain(u, exp string) optionchain.ChainView {
	f.mu.Lock()
	defer f.mu.Unlock()
	legs := f.legs[u]
	now := time.Now()
	return optionchain.ChainView{Underlying: u, Entries: optionchain.GroupLegs(legs, now), Summary: optionchain.Summarize(legs, now)}
}

func (f *fakeChains) SearchLive(ctx context.Context, token, q string) []instruments.SearchResult {
	return f.live
}

type fakeAuth struct{ token string }

func (a fakeAuth) IsAuthenticated() bool { return a.token != "" }
func (a fakeAuth) AuthToken() string     { return a.token }

type countingRecorder struct {
	mu      sync.Mutex
	clients int
	sent    map[string]int
	dropped map[string]int
}

func (r *countingRecorder) ClientsConnected(n int) {
	r.mu.Lock()
	r.clients = n
	r.mu.Unlock()
}

func (r *countingRecorder) MessageSent(typ string) {
	r.mu.Lock()
	r.sent[typ]++
	r.mu.Unlock()
}

func (r *countingRecorder) MessageDropped(typ string) {
	r.mu.Lock()
	r.dropped[typ]++
	r.mu.Unlock()
}

func newTestHub(chains *fakeChains, token string) (*Hub, *countingRecorder) {
	rec := &countingRecorder{sent: map[string]int{}, dropped: map[string]int{}}
	return NewHub(&fakeDirectory{}, chains, fakeAuth{token: token}, WithRecorder(rec)), rec
}

// drain returns every message queued for c.
func drain(t *testing.T, c *Client) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	for {
		select {
		case raw := <-c.send:
			var m ServerMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("bad envelope %s: %v", raw, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func typesOf(msgs []ServerMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestRegister_SendsInitialData(t *testing.T) {
	h, rec := newTestHub(&fakeChains{}, "")
	h.Broadcaster.BroadcastQuotes([]model.Quote{{Token: "3045", Symbol: "SBIN", LTP: 820.5}})

	c := h.register(nil)
	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Type != MsgInitialData {
		t.Fatalf("messages = %v", typesOf(msgs))
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("INITIAL_DATA has no timestamp")
	}
	data, _ := json.Marshal(msgs[0].Data)
	if !strings.Contains(string(data), `"symbol":"SBIN"`) {
		t.Errorf("snapshot = %s", data)
	}
	if rec.clients != 1 || c.ID == "" {
		t.Errorf("clients = %d, id = %q", rec.clients, c.ID)
	}
}

func TestBroadcastChain_OnlySubscribers(t *testing.T) {
	h, _ := newTestHub(&fakeChains{}, "")
	bank := h.register(nil)
	other := h.register(nil)
	drain(t, bank)
	drain(t, other)

	bank.dispatch(context.Background(), []byte(`{"type":"SUBSCRIBE_OPTION_CHAIN","underlying":"BANKNIFTY"}`))
	drain(t, bank)

	legs := optionchain.SyntheticLegs("BANKNIFTY", time.Now())
	if n := h.Broadcaster.BroadcastChain(model.ChainUpdate{Underlying: "BANKNIFTY", Source: model.SourceMockData, Legs: legs}); n != 1 {
		t.Errorf("BANKNIFTY reached %d clients, want 1", n)
	}
	nifty := model.ChainUpdate{Underlying: "NIFTY", Source: model.SourceMockData, Legs: optionchain.SyntheticLegs("NIFTY", time.Now())}
	if n := h.Broadcaster.BroadcastChain(nifty); n != 0 {
		t.Errorf("NIFTY reached %d clients, want 0", n)
	}

	got := drain(t, bank)
	if len(got) != 1 || got[0].Type != MsgOptionChainUpdate || got[0].Underlying != "BANKNIFTY" {
		t.Fatalf("subscriber got %v", typesOf(got))
	}
	if got[0].Seq != 1 {
		t.Errorf("seq = %d", got[0].Seq)
	}
	if msgs := drain(t, other); len(msgs) != 0 {
		t.Errorf("non-subscriber got %v", typesOf(msgs))
	}
}

func TestBroadcastQuotes_EveryClient(t *testing.T) {
	h, _ := newTestHub(&fakeChains{}, "")
	a, b := h.register(nil), h.register(nil)
	drain(t, a)
	drain(t, b)

	if n := h.Broadcaster.BroadcastQuotes([]model.Quote{{Token: "3045", LTP: 820.5}}); n != 2 {
		t.Errorf("reached %d clients, want 2", n)
	}
	for _, c := range []*Client{a, b} {
		if got := drain(t, c); len(got) != 1 || got[0].Type != MsgMarketUpdate {
			t.Errorf("client got %v", typesOf(got))
		}
	}
	if q, at := h.Latest(); len(q) != 1 || at.IsZero() {
		t.Errorf("latest = %v at %v", q, at)
	}
}

func TestDeliver_FullBufferDrops(t *testing.T) {
	h, rec := newTestHub(&fakeChains{}, "")
	c := h.register(nil)

	// INITIAL_DATA occupies one slot.
	for i := 0; i < sendBuffer+5; i++ {
		h.Broadcaster.BroadcastQuotes(nil)
	}
	if got := len(c.send); got != sendBuffer {
		t.Errorf("buffered = %d, want %d", got, sendBuffer)
	}
	if st := h.Stats(); st.MessagesDropped != 6 {
		t.Errorf("dropped = %d, want 6", st.MessagesDropped)
	}
	if rec.dropped[MsgMarketUpdate] != 6 {
		t.Errorf("recorder dropped = %v", rec.dropped)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	h, rec := newTestHub(&fakeChains{}, "")
	c := h.register(nil)

	h.Disconnect(c)
	h.Disconnect(c)
	if h.ClientCount() != 0 || rec.clients != 0 {
		t.Errorf("clients = %d / %d", h.ClientCount(), rec.clients)
	}
	if n := h.Broadcaster.BroadcastQuotes(nil); n != 0 {
		t.Errorf("disconnected client reached")
	}
	if c.enqueue([]byte("x")) {
		t.Error("enqueue after close succeeded")
	}
}

func TestDispatch(t *testing.T) {
	chains := &fakeChains{live: []instruments.SearchResult{
		{Token: "99926000", Symbol: "NIFTY", Type: "OPTION_CHAIN"},
		{Token: "43001", Symbol: "NIFTY31JUL2524000CE", Type: "OPTION"},
	}}
	h, _ := newTestHub(chains, "jwt")
	h.dir = &fakeDirectory{results: []instruments.SearchResult{
		{Token: "99926000", Symbol: "NIFTY", Type: "OPTION_CHAIN"},
		{Token: "3045", Symbol: "SBIN", Type: "EQUITY"},
	}}
	c := h.register(nil)
	drain(t, c)

	t.Run("ping", func(t *testing.T) {
		c.dispatch(context.Background(), []byte(`{"type":"PING"}`))
		if got := drain(t, c); len(got) != 1 || got[0].Type != MsgPong {
			t.Errorf("got %v", typesOf(got))
		}
	})

	t.Run("subscribe defaults to equity", func(t *testing.T) {
		c.dispatch(context.Background(), []byte(`{"type":"SUBSCRIBE","symbols":["SBIN","INFY"]}`))
		got := drain(t, c)
		if len(got) != 1 || got[0].Type != MsgSubscriptionConfirmed || got[0].DataType != KeyEquity {
			t.Fatalf("got %+v", got)
		}
		if !c.Subscribed("EQUITY:SBIN") || !c.Subscribed("EQUITY:INFY") {
			t.Errorf("keys = %v", c.keys())
		}
	})

	t.Run("unsubscribe", func(t *testing.T) {
		c.dispatch(context.Background(), []byte(`{"type":"SUBSCRIBE","symbols":["SBIN"],"dataType":"OPTION"}`))
		c.dispatch(context.Background(), []byte(`{"type":"UNSUBSCRIBE","symbols":["SBIN"]}`))
		drain(t, c)
		if c.Subscribed("EQUITY:SBIN") || c.Subscribed("OPTION:SBIN") || !c.Subscribed("EQUITY:INFY") {
			t.Errorf("keys = %v", c.keys())
		}
	})

	t.Run("option chain fetches when empty", func(t *testing.T) {
		c.dispatch(context.Background(), []byte(`{"type":"SUBSCRIBE_OPTION_CHAIN","underlying":"nifty"}`))
		got := drain(t, c)
		if len(got) != 1 || got[0].Type != MsgOptionChainData || got[0].Underlying != "NIFTY" {
			t.Fatalf("got %+v", got)
		}
		data, _ := json.Marshal(got[0].Data)
		var view optionchain.ChainView
		json.Unmarshal(data, &view)
		if len(view.Entries) != 63 {
			t.Errorf("entries = %d, want 63", len(view.Entries))
		}
		if !c.Subscribed("OPTION_CHAIN:NIFTY") || len(chains.fetched) != 1 {
			t.Errorf("keys = %v, fetched = %v", c.keys(), chains.fetched)
		}
		if got := h.ChainSubscriptions(); len(got) != 1 || got[0] != "NIFTY" {
			t.Errorf("chain subscriptions = %v", got)
		}
	})

	t.Run("search merges and dedupes", func(t *testing.T) {
		c.dispatch(context.Background(), []byte(`{"type":"SEARCH","query":"nifty"}`))
		got := drain(t, c)
		if len(got) != 1 || got[0].Type != MsgSearchResults {
			t.Fatalf("got %v", typesOf(got))
		}
		if got[0].HasLiveData == nil || !*got[0].HasLiveData {
			t.Error("hasLiveData not set")
		}
		data, _ := json.Marshal(got[0].Data)
		var results []instruments.SearchResult
		json.Unmarshal(data, &results)
		if len(results) != 3 {
			t.Errorf("results = %+v", results)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		c.dispatch(context.Background(), []byte(`{"type":"NOPE"}`))
		if got := drain(t, c); len(got) != 1 || got[0].Type != MsgError {
			t.Errorf("got %v", typesOf(got))
		}
		c.dispatch(context.Background(), []byte(`not json`))
		if got := drain(t, c); len(got) != 1 || got[0].Type != MsgError {
			t.Errorf("got %v", typesOf(got))
		}
	})
}

func TestDispatch_OptionChainFailure(t *testing.T) {
	chains := &fakeChains{err: apperr.New(apperr.UpstreamUnavailable, "test", "down")}
	h, _ := newTestHub(chains, "jwt")
	c := h.register(nil)
	drain(t, c)

	c.dispatch(context.Background(), []byte(`{"type":"SUBSCRIBE_OPTION_CHAIN","underlying":"NIFTY"}`))
	got := drain(t, c)
	if len(got) != 1 || got[0].Type != MsgError || got[0].Code != string(apperr.UpstreamUnavailable) {
		t.Fatalf("got %+v", got)
	}
	if c.Subscribed("OPTION_CHAIN:NIFTY") {
		t.Error("failed chain request left a subscription")
	}
}

func TestMergeResults_Cap(t *testing.T) {
	var many []instruments.SearchResult
	for i := 0; i < 30; i++ {
		many = append(many, instruments.SearchResult{Symbol: "S", Type: "EQUITY", Token: string(rune('a' + i))})
	}
	if got := mergeResults(many); len(got) != searchLimit {
		t.Errorf("merged %d results, want %d", len(got), searchLimit)
	}
	noToken := []instruments.SearchResult{{Symbol: "X", Type: "OPTION"}, {Symbol: "X", Type: "OPTION"}, {Symbol: "X", Type: "EQUITY"}}
	if got := mergeResults(noToken); len(got) != 2 {
		t.Errorf("symbol+type dedupe gave %d results", len(got))
	}
}

func TestReplay(t *testing.T) {
	h, _ := newTestHub(&fakeChains{}, "")
	for i := 0; i < 3; i++ {
		h.Broadcaster.BroadcastQuotes(nil)
	}
	msgs, cur := h.Broadcaster.Replay(ChannelQuotes, 1)
	if cur != 3 || len(msgs) != 2 {
		t.Errorf("replay = %d messages, seq %d", len(msgs), cur)
	}
	if msgs, _ := h.Broadcaster.Replay("chain:NIFTY", 0); len(msgs) != 0 {
		t.Errorf("unknown channel replayed %d", len(msgs))
	}
}

func TestConnect_OverWebSocket(t *testing.T) {
	h, _ := newTestHub(&fakeChains{}, "")
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Connect(conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first ServerMessage
	if err := conn.ReadJSON(&first); err != nil || first.Type != MsgInitialData {
		t.Fatalf("first message = %+v, %v", first, err)
	}

	conn.WriteJSON(ClientMessage{Type: MsgPing})
	var pong ServerMessage
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != MsgPong {
		t.Fatalf("reply = %+v, %v", pong, err)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.ClientCount() != 0 {
		t.Error("client not removed after close")
	}
}
