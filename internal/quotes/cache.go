// Package quotes serves batched quotes through a short-lived cache keyed by
// mode and token set. A cold key costs exactly one upstream call no matter
// how many callers ask for it at once.
package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/model"
	"marketdata-engine/pkg/smartconnect"
)

// DefaultTTL is how long a fetched batch is served from cache.
const DefaultTTL = 30 * time.Second

// DefaultFetchTimeout bounds one shared upstream fetch. The fetch outlives
// any single caller's context, so it needs its own deadline.
const DefaultFetchTimeout = 15 * time.Second

// Result sources.
const (
	SourceCache = "cache"
	SourceLive  = "live_api"
)

// Fetcher is the batched quote endpoint.
type Fetcher interface {
	GetMarketData(ctx context.Context, authToken, mode string, exchangeTokens map[string][]string) (*smartconnect.QuoteResponse, error)
}

// Directory resolves tokens to instruments and names the default universe.
// Tokens are unique only within a segment; ByToken is the ranked fallback for
// records whose segment is unknown.
type Directory interface {
	ByExchangeToken(exchange, token string) (model.Instrument, bool)
	ByToken(token string) (model.Instrument, bool)
	DefaultUniverse() map[string][]string
}

// Recorder receives cache hit/miss events.
type Recorder interface {
	CacheLookup(cache string, hit bool)
}

// Result is one batch of quotes.
type Result struct {
	Quotes    []model.Quote `json:"quotes"`
	Mode      string        `json:"mode"`
	Source    string        `json:"source"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Unfetched int           `json:"unfetched"`
	Dropped   int           `json:"dropped"` // fetched records with unknown tokens
}

type entry struct {
	value    Result
	storedAt time.Time
}

// Stats describes cache activity.
type Stats struct {
	FetchCount int64     `json:"fetchCount"`
	LastFetch  time.Time `json:"lastFetch"`
	CacheSize  int       `json:"cacheSize"`
	TTLSeconds float64   `json:"ttlSeconds"`
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	Dropped    int64     `json:"dropped"`
}

type Cache struct {
	fetcher      Fetcher
	dir          Directory
	ttl          time.Duration
	fetchTimeout time.Duration
	now      func() time.Time
	log      *slog.Logger
	recorder Recorder

	// Readers load the map without locking; writers copy it under mu and
	// swap the pointer.
	entries atomic.Pointer[map[string]entry]
	mu      sync.Mutex
	sf      singleflight.Group

	fetches   atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	dropped   atomic.Int64
	lastFetch atomic.Int64 // unix nanos
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

func NewCache(f Fetcher, dir Directory, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      f,
		dir:          dir,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "quotes")
	empty := map[string]entry{}
	c.entries.Store(&empty)
	return c
}

// NormalizeMode upper-cases mode and defaults it to FULL.
func NormalizeMode(mode string) (string, error) {
	switch m := strings.ToUpper(strings.TrimSpace(mode)); m {
	case "":
		return model.ModeFull, nil
	case model.ModeFull, model.ModeLTP, model.ModeOHLC:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported quote mode %q", mode)
	}
}

// Fingerprint canonicalizes a token set: segments sorted, tokens deduplicated
// and sorted. Equal sets always yield equal fingerprints.
func Fingerprint(sets map[string][]string) string {
	canon := canonical(sets)
	segs := make([]string, 0, len(canon))
	for seg := range canon {
		segs = append(segs, seg)
	}
	sort.Strings(segs)
	var b strings.Builder
	for i, seg := range segs {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(seg)
		b.WriteByte(':')
		b.WriteString(strings.Join(canon[seg], ","))
	}
	return b.String()
}

func canonical(sets map[string][]string) map[string][]string {
	out := make(map[string][]string, len(sets))
	for seg, tokens := range sets {
		seg = strings.ToUpper(strings.TrimSpace(seg))
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out[seg] = append(out[seg], t)
		}
		if len(out[seg]) == 0 {
			delete(out, seg)
			continue
		}
		sort.Strings(out[seg])
	}
	return out
}

// GetQuotes returns quotes for sets (segment -> tokens). Empty sets mean the
// directory's default universe. Upstream failures surface as typed errors;
// an expired entry is never served in their place.
func (c *Cache) GetQuotes(ctx context.Context, authToken, mode string, sets map[string][]string) (Result, error) {
	const op = "quotes.GetQuotes"

	mode, err := NormalizeMode(mode)
	if err != nil {
		return Result{}, err
	}
	if authToken == "" {
		return Result{}, apperr.New(apperr.UpstreamAuthRequired, op, "broker session required for live quotes")
	}
	if len(sets) == 0 {
		sets = c.dir.DefaultUniverse()
	}
	canon := canonical(sets)
	if len(canon) == 0 {
		return Result{Quotes: []model.Quote{}, Mode: mode, Source: SourceCache, FetchedAt: c.now()}, nil
	}
	key := mode + "|" + Fingerprint(canon)

	if r, ok := c.lookup(key); ok {
		return r, nil
	}

	// The flight runs detached from the caller that started it: a caller
	// that gives up stops waiting, the others still get the result.
	ch := c.sf.DoChan(key, func() (any, error) {
		// A flight that finished between our lookup and DoChan already stored it.
		if e, ok := (*c.entries.Load())[key]; ok && c.fresh(e) {
			return e.value, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fctx, key, authToken, mode, canon)
	})
	select {
	case <-ctx.Done():
		return Result{}, apperr.FromContext(op, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return clone(r.Val.(Result)), nil
	}
}

func (c *Cache) lookup(key string) (Result, bool) {
	e, ok := (*c.entries.Load())[key]
	hit := ok && c.fresh(e)
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.recorder != nil {
		c.recorder.CacheLookup("quotes", hit)
	}
	if !hit {
		return Result{}, false
	}
	r := clone(e.value)
	r.Source = SourceCache
	return r, true
}

func (c *Cache) fresh(e entry) bool {
	return c.now().Sub(e.storedAt) < c.ttl
}

func (c *Cache) fetch(ctx context.Context, key, authToken, mode string, sets map[string][]string) (Result, error) {
	start := time.Now()
	resp, err := c.fetcher.GetMarketData(ctx, authToken, mode, sets)
	if err != nil {
		c.log.Warn("quote fetch failed", "mode", mode, "segments", len(sets), "error", err)
		return Result{}, err
	}

	now := c.now()
	res := Result{
		Quotes:    make([]model.Quote, 0, len(resp.Fetched)),
		Mode:      mode,
		Source:    SourceLive,
		FetchedAt: now,
		Unfetched: len(resp.Unfetched),
	}
	segs := segmentsOf(sets)
	for i := range resp.Fetched {
		raw := &resp.Fetched[i]
		inst, ok := c.resolve(raw, segs)
		if !ok {
			res.Dropped++
			continue
		}
		res.Quotes = append(res.Quotes, Normalize(raw, inst, now))
	}
	if res.Dropped > 0 {
		c.dropped.Add(int64(res.Dropped))
		c.log.Debug("dropped quotes for unknown tokens", "count", res.Dropped)
	}

	c.store(key, entry{value: res, storedAt: now})
	c.fetches.Add(1)
	c.lastFetch.Store(now.UnixNano())
	c.log.Debug("quotes fetched", "mode", mode, "quotes", len(res.Quotes), "unfetched", res.Unfetched, "elapsed", time.Since(start))
	return res, nil
}

// resolve finds the instrument for one fetched record. The record's own
// exchange decides; without one, the segment it was requested under does,
// and only a token requested under several segments falls back to the
// ranked token lookup.
func (c *Cache) resolve(raw *smartconnect.RawQuote, segs map[string][]string) (model.Instrument, bool) {
	if exch := strings.ToUpper(strings.TrimSpace(raw.Exchange)); exch != "" {
		return c.dir.ByExchangeToken(exch, raw.SymbolToken)
	}
	if s := segs[raw.SymbolToken]; len(s) == 1 {
		return c.dir.ByExchangeToken(s[0], raw.SymbolToken)
	}
	return c.dir.ByToken(raw.SymbolToken)
}

// segmentsOf inverts a canonical token set: token -> segments requesting it.
func segmentsOf(sets map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for seg, tokens := range sets {
		for _, t := range tokens {
			out[t] = append(out[t], seg)
		}
	}
	return out
}

func (c *Cache) store(key string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.entries.Load()
	next := make(map[string]entry, len(cur)+1)
	now := c.now()
	for k, v := range cur {
		if now.Sub(v.storedAt) < c.ttl {
			next[k] = v
		}
	}
	next[key] = e
	c.entries.Store(&next)
}

func clone(r Result) Result {
	q := make([]model.Quote, len(r.Quotes))
	copy(q, r.Quotes)
	r.Quotes = q
	return r
}

// Normalize converts one upstream record into a Quote for inst. Equity
// symbols drop their series suffix.
func Normalize(raw *smartconnect.RawQuote, inst model.Instrument, now time.Time) model.Quote {
	symbol := inst.Symbol
	if inst.IsEquity() {
		symbol = inst.BaseSymbol()
	}
	exch := raw.Exchange
	if exch == "" {
		exch = inst.Exchange
	}
	return model.Quote{
		Token:         raw.SymbolToken,
		Symbol:        symbol,
		Name:          inst.Name,
		Exchange:      exch,
		LTP:           model.Round2(float64(raw.LTP)),
		Change:        model.Round2(float64(raw.NetChange)),
		ChangePercent: model.Round2(float64(raw.PercentChange)),
		Open:          model.Round2(float64(raw.Open)),
		High:          model.Round2(float64(raw.High)),
		Low:           model.Round2(float64(raw.Low)),
		Close:         model.Round2(float64(raw.Close)),
		Volume:        int64(raw.TradeVolume),
		AvgPrice:      model.Round2(float64(raw.AvgPrice)),
		OpenInterest:  int64(raw.OpenInterest),
		UpperCircuit:  model.Round2(float64(raw.UpperCircuit)),
		LowerCircuit:  model.Round2(float64(raw.LowerCircuit)),
		WeekHigh52:    model.Round2(float64(raw.WeekHigh52)),
		WeekLow52:     model.Round2(float64(raw.WeekLow52)),
		Timestamp:     now,
	}
}

// QuoteFor fetches a FULL quote for one instrument.
func (c *Cache) QuoteFor(ctx context.Context, authToken, exchange, token string) (model.Quote, error) {
	res, err := c.GetQuotes(ctx, authToken, model.ModeFull, map[string][]string{exchange: {token}})
	if err != nil {
		return model.Quote{}, err
	}
	for _, q := range res.Quotes {
		if q.Token == token {
			return q, nil
		}
	}
	return model.Quote{}, apperr.New(apperr.InstrumentNotFound, "quotes.QuoteFor",
		fmt.Sprintf("no quote returned for %s:%s", exchange, token))
}

// Invalidate drops every cached batch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	empty := map[string]entry{}
	c.entries.Store(&empty)
}

func (c *Cache) Stats() Stats {
	st := Stats{
		FetchCount: c.fetches.Load(),
		CacheSize:  len(*c.entries.Load()),
		TTLSeconds: c.ttl.Seconds(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Dropped:    c.dropped.Load(),
	}
	if ns := c.lastFetch.Load(); ns > 0 {
		st.LastFetch = time.Unix(0, ns)
	}
	return st
}

// ProbeQuote checks that the quote path answers for one instrument. The
// option chain resolver uses it as a liveness check before serving a
// synthetic ladder.
func (c *Cache) ProbeQuote(ctx context.Context, authToken, exchange, token string) error {
	_, err := c.GetQuotes(ctx, authToken, model.ModeFull, map[string][]string{exchange: {token}})
	return err
}
