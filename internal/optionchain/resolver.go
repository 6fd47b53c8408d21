// Package optionchain builds and caches option chains per underlying and
// resolves individual contracts by strike and expiry.
//
// A chain is obtained through an ordered list of strategies (live search,
// probe plus synthetic ladder, synthetic ladder) and cached for a short TTL.
// Lookups never trigger a fetch; only FetchChain talks to the broker.
package optionchain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/expiry"
	"marketdata-engine/internal/model"
)

// DefaultTTL is how long a fetched chain is served.
const DefaultTTL = 30 * time.Second

// DefaultFetchTimeout bounds one shared chain fetch across all strategies.
const DefaultFetchTimeout = 45 * time.Second

// Chain states per underlying.
type State string

const (
	StateEmpty    State = "EMPTY"
	StateFetching State = "FETCHING"
	StateReady    State = "READY"
)

// Strike match types.
const (
	MatchExact    = "exact"
	MatchFlexible = "flexible"
)

type cached struct {
	legs     []model.OptionLeg
	source   string
	storedAt time.Time
}

// Recorder receives fetch outcomes and cache lookups.
type Recorder interface {
	CacheLookup(cache string, hit bool)
	ChainFetched(underlying, source string)
}

// FetchResult is the outcome of FetchChain.
type FetchResult struct {
	Underlying string            `json:"underlying"`
	Legs       []model.OptionLeg `json:"legs"`
	Source     string            `json:"source"`
	Strategy   string            `json:"strategy,omitempty"`
	FetchedAt  time.Time         `json:"fetchedAt"`
}

// StrikeMatch is the call/put pair resolved for a strike and expiry hint.
type StrikeMatch struct {
	Underlying      string           `json:"underlying"`
	Strike          float64          `json:"strike"`
	RequestedExpiry string           `json:"requestedExpiry"`
	MatchedExpiry   string           `json:"matchedExpiry"`
	MatchType       string           `json:"matchType"`
	Call            *model.OptionLeg `json:"call"`
	Put             *model.OptionLeg `json:"put"`
	PCR             float64          `json:"pcr,omitempty"`
	StraddlePrice   float64          `json:"straddlePrice,omitempty"`
	Source          string           `json:"source"`
}

// ChainView is a grouped chain listing.
type ChainView struct {
	Underlying  string             `json:"underlying"`
	Expiry      string             `json:"expiry,omitempty"`
	Source      string             `json:"source"`
	Entries     []model.ChainEntry `json:"entries"`
	Summary     model.ChainSummary `json:"summary"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// Stats describes resolver activity.
type Stats struct {
	LastFetch  time.Time        `json:"lastFetch"`
	FetchCount int64            `json:"fetchCount"`
	CacheSize  int              `json:"cacheSize"`
	TTLSeconds float64          `json:"ttlSeconds"`
	Sources    map[string]int64 `json:"sources"`
	States     map[string]State `json:"states"`
}

type Resolver struct {
	strategies   []Strategy
	search       Searcher
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	log        *slog.Logger
	recorder   Recorder

	mu       sync.RWMutex
	chains   map[string]cached // entries are replaced, never mutated
	fetching map[string]bool
	sources  map[string]int64

	sf         singleflight.Group
	fetchCount atomic.Int64
	lastFetch  atomic.Int64
}

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.fetchTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// WithSearcher enables live contract search in SearchLive.
func WithSearcher(s Searcher) Option {
	return func(r *Resolver) { r.search = s }
}

// NewResolver creates a resolver trying strategies in order.
func NewResolver(strategies []Strategy, opts ...Option) *Resolver {
	r := &Resolver{
		strategies:   strategies,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		log:          slog.Default(),
		chains:       make(map[string]cached),
		fetching:     make(map[string]bool),
		sources:      make(map[string]int64),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "optionchain")
	return r
}

func normalize(underlying string) string {
	return strings.ToUpper(strings.TrimSpace(underlying))
}

func (r *Resolver) fresh(c cached) bool {
	return r.now().Sub(c.storedAt) < r.ttl
}

func (r *Resolver) get(u string) (cached, bool) {
	r.mu.RLock()
	c, ok := r.chains[u]
	r.mu.RUnlock()
	if !ok || !r.fresh(c) {
		return cached{}, false
	}
	return c, true
}

// FetchChain returns the cached chain for underlying, or runs the strategies
// in order and caches the first non-empty outcome. Concurrent calls for one
// underlying share a single fetch, which is not tied to any one caller's
// context: a caller that gives up returns early and the fetch carries on for
// the rest.
func (r *Resolver) FetchChain(ctx context.Context, authToken, underlying string) (FetchResult, error) {
	const op = "optionchain.FetchChain"
	u := normalize(underlying)
	cfg, ok := catalog.Underlying(u)
	if !ok {
		return FetchResult{}, apperr.New(apperr.InstrumentNotFound, op, fmt.Sprintf("%q has no option chain", underlying))
	}

	c, hit := r.get(u)
	if r.recorder != nil {
		r.recorder.CacheLookup("optionchain", hit)
	}
	if hit {
		return FetchResult{Underlying: u, Legs: copyLegs(c.legs), Source: model.SourceCache, FetchedAt: c.storedAt}, nil
	}
	if authToken == "" {
		return FetchResult{}, apperr.New(apperr.UpstreamAuthRequired, op, "broker session required to fetch option chains")
	}

	ch := r.sf.DoChan(u, func() (any, error) {
		if c, ok := r.get(u); ok {
			return FetchResult{Underlying: u, Legs: c.legs, Source: c.source, FetchedAt: c.storedAt}, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return r.fetch(fctx, authToken, u, cfg)
	})
	select {
	case <-ctx.Done():
		return FetchResult{}, apperr.FromContext(op, ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			return FetchResult{}, out.Err
		}
		res := out.Val.(FetchResult)
		res.Legs = copyLegs(res.Legs)
		return res, nil
	}
}

func (r *Resolver) fetch(ctx context.Context, authToken, u string, cfg catalog.UnderlyingConfig) (FetchResult, error) {
	r.setFetching(u, true)
	defer r.setFetching(u, false)

	req := Request{Underlying: u, AuthToken: authToken, Config: cfg, Now: r.now()}
	var lastErr error
	for _, s := range r.strategies {
		out, err := s.Fetch(ctx, req)
		if err != nil {
			lastErr = err
			r.log.Info("chain strategy failed", "underlying", u, "strategy", s.Name(), "error", err)
			continue
		}
		if len(out.Legs) == 0 {
			lastErr = fmt.Errorf("strategy %s: %w", s.Name(), ErrNoContracts)
			continue
		}

		now := r.now()
		r.mu.Lock()
		r.chains[u] = cached{legs: out.Legs, source: out.Source, storedAt: now}
		r.sources[out.Source]++
		r.mu.Unlock()
		r.fetchCount.Add(1)
		r.lastFetch.Store(now.UnixNano())
		if r.recorder != nil {
			r.recorder.ChainFetched(u, out.Source)
		}
		r.log.Debug("chain fetched", "underlying", u, "strategy", s.Name(), "source", out.Source, "legs", len(out.Legs))
		return FetchResult{Underlying: u, Legs: out.Legs, Source: out.Source, Strategy: s.Name(), FetchedAt: now}, nil
	}
	if lastErr == nil {
		lastErr = ErrNoContracts
	}
	return FetchResult{}, apperr.Wrapf(apperr.UpstreamUnavailable, "optionchain.FetchChain", lastErr, "all chain strategies failed for %s", u)
}

func (r *Resolver) setFetching(u string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.fetching[u] = true
	} else {
		delete(r.fetching, u)
	}
}

// State reports where underlying is in EMPTY -> FETCHING -> READY.
func (r *Resolver) State(underlying string) State {
	u := normalize(underlying)
	if _, ok := r.get(u); ok {
		return StateReady
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fetching[u] {
		return StateFetching
	}
	return StateEmpty
}

// Invalidate drops the cached chain for underlying.
func (r *Resolver) Invalidate(underlying string) {
	r.mu.Lock()
	delete(r.chains, normalize(underlying))
	r.mu.Unlock()
}

// Legs returns the cached legs for underlying, or an empty slice. It never
// fetches.
func (r *Resolver) Legs(underlying string) []model.OptionLeg {
	c, ok := r.get(normalize(underlying))
	if !ok || c.legs == nil {
		return []model.OptionLeg{}
	}
	return copyLegs(c.legs)
}

// Source returns the source tag of the cached chain, or "".
func (r *Resolver) Source(underlying string) string {
	c, _ := r.get(normalize(underlying))
	return c.source
}

// LegsByExpiry returns cached legs whose expiry equals exp exactly.
func (r *Resolver) LegsByExpiry(underlying, exp string) []model.OptionLeg {
	out := make([]model.OptionLeg, 0)
	for _, l := range r.Legs(underlying) {
		if l.Expiry == exp {
			out = append(out, l)
		}
	}
	return out
}

// ResolveStrike finds the call and put at strike for the expiry best matching
// hint: an exact match first, then a substring match in either direction
// ("31JUL" vs "31JUL25"), then the expiry nearest on the calendar.
func (r *Resolver) ResolveStrike(underlying string, strike float64, hint string) (StrikeMatch, error) {
	const op = "optionchain.ResolveStrike"
	u := normalize(underlying)
	c, ok := r.get(u)
	if !ok || len(c.legs) == 0 {
		e := apperr.New(apperr.ContractNotFound, op, fmt.Sprintf("no cached chain for %s", u))
		e.AvailableStrikes = []float64{}
		e.AvailableExpiries = []string{}
		return StrikeMatch{}, e
	}

	now := r.now()
	expiries := Summarize(c.legs, now).AvailableExpiries
	matched, matchType := matchExpiry(hint, expiries, now)
	if matched == "" {
		e := apperr.New(apperr.ContractNotFound, op, fmt.Sprintf("no expiry of %s matches %q", u, hint))
		e.AvailableStrikes = strikesAt(c.legs, "")
		e.AvailableExpiries = expiries
		return StrikeMatch{}, e
	}

	m := StrikeMatch{
		Underlying:      u,
		Strike:          strike,
		RequestedExpiry: hint,
		MatchedExpiry:   matched,
		MatchType:       matchType,
		Source:          c.source,
	}
	for i := range c.legs {
		l := c.legs[i]
		if l.Expiry != matched || math.Abs(l.Strike-strike) > 1e-6 {
			continue
		}
		switch l.OptionType {
		case model.Call:
			if m.Call == nil {
				m.Call = &l
			}
		case model.Put:
			if m.Put == nil {
				m.Put = &l
			}
		}
	}
	if m.Call == nil && m.Put == nil {
		e := apperr.New(apperr.ContractNotFound, op, fmt.Sprintf("no %s contract at strike %g for %s", u, strike, matched))
		e.AvailableStrikes = strikesAt(c.legs, matched)
		e.AvailableExpiries = expiries
		return StrikeMatch{}, e
	}
	if m.Call != nil && m.Put != nil {
		m.PCR = pcr(m.Call, m.Put)
		m.StraddlePrice = model.Round2(m.Call.LTP + m.Put.LTP)
	}
	return m, nil
}

// matchExpiry picks an expiry from candidates (calendar-sorted) for hint.
func matchExpiry(hint string, candidates []string, now time.Time) (string, string) {
	h := strings.ToUpper(strings.TrimSpace(hint))
	for _, c := range candidates {
		if strings.ToUpper(c) == h {
			return c, MatchExact
		}
	}
	for _, c := range candidates {
		cu := strings.ToUpper(c)
		if strings.Contains(cu, h) || (h != "" && strings.Contains(h, cu)) {
			return c, MatchFlexible
		}
	}
	if c, ok := expiry.Nearest(h, candidates, now); ok {
		return c, MatchFlexible
	}
	return "", ""
}

// Chain returns the grouped cached chain, optionally restricted to one expiry.
func (r *Resolver) Chain(underlying, exp string) ChainView {
	u := normalize(underlying)
	c, _ := r.get(u)
	legs := c.legs
	if exp != "" {
		legs = make([]model.OptionLeg, 0)
		for _, l := range c.legs {
			if l.Expiry == exp {
				legs = append(legs, l)
			}
		}
	}
	now := r.now()
	return ChainView{
		Underlying:  u,
		Expiry:      exp,
		Source:      c.source,
		Entries:     GroupLegs(legs, now),
		Summary:     Summarize(legs, now),
		LastUpdated: c.storedAt,
	}
}

func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	st := Stats{
		FetchCount: r.fetchCount.Load(),
		TTLSeconds: r.ttl.Seconds(),
		Sources:    make(map[string]int64, len(r.sources)),
		States:     make(map[string]State, len(r.chains)),
	}
	for k, v := range r.sources {
		st.Sources[k] = v
	}
	for u, c := range r.chains {
		if r.fresh(c) {
			st.CacheSize++
			st.States[u] = StateReady
		} else {
			st.States[u] = StateEmpty
		}
	}
	for u := range r.fetching {
		if st.States[u] != StateReady {
			st.States[u] = StateFetching
		}
	}
	r.mu.RUnlock()
	if ns := r.lastFetch.Load(); ns > 0 {
		st.LastFetch = time.Unix(0, ns)
	}
	return st
}

func copyLegs(in []model.OptionLeg) []model.OptionLeg {
	if in == nil {
		return nil
	}
	out := make([]model.OptionLeg, len(in))
	copy(out, in)
	return out
}
