// Package instruments owns the instrument universe: it downloads the broker's
// scrip master, indexes it by token and symbol, and answers lookups and
// searches against the most recent good snapshot.
package instruments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/model"
	"marketdata-engine/pkg/smartconnect"
)

// Source downloads the full scrip master.
type Source interface {
	DownloadScripMaster(ctx context.Context) ([]smartconnect.ScripRecord, error)
}

// Directory states.
const (
	StateEmpty       = "empty"
	StateReady       = "ready"
	StateDegraded    = "degraded"
	StateUnavailable = "unavailable"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryDelay     = 5 * time.Second
	defaultRefreshTimeout = 5 * time.Minute
)

// Status describes the health of the index.
type Status struct {
	State       string    `json:"state"`
	Count       int       `json:"count"`
	LastRefresh time.Time `json:"lastRefresh"`
	LastError   string    `json:"lastError,omitempty"`
	Attempts    int       `json:"attempts"`
	FromStore   bool      `json:"fromStore"` // index was loaded from the snapshot store
}

// Stats summarizes the installed index.
type Stats struct {
	TotalInstruments int            `json:"totalInstruments"`
	Equities         map[string]int `json:"equities"`
	NFOOptions       int            `json:"nfoOptions"`
	NFOFutures       int            `json:"nfoFutures"`
	LastRefresh      time.Time      `json:"lastRefresh"`
	Loading          bool           `json:"loading"`
	State            string         `json:"state"`
}

// Directory is safe for concurrent use. Readers load the current index with
// one atomic read and never block on a refresh in progress.
type Directory struct {
	source         Source
	store          model.SnapshotStore
	log            *slog.Logger
	maxAttempts    int
	retryDelay     time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	onStatus       func(Status)

	idx     atomic.Pointer[index]
	loading atomic.Bool

	callMu sync.Mutex
	call   *refreshCall // in-flight refresh, nil when idle

	mu     sync.RWMutex
	status Status
}

// Option configures a Directory.
type Option func(*Directory)

// WithSnapshotStore persists every good refresh and serves as the fallback
// when a cold start cannot reach the scrip master.
func WithSnapshotStore(s model.SnapshotStore) Option {
	return func(d *Directory) { d.store = s }
}

// WithRetry overrides the attempt count and the fixed delay between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(d *Directory) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
		d.retryDelay = delay
	}
}

// WithRefreshTimeout bounds one refresh including its retries.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *Directory) { d.refreshTimeout = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// OnStatusChange registers a hook called whenever the state changes.
func OnStatusChange(fn func(Status)) Option {
	return func(d *Directory) { d.onStatus = fn }
}

func NewDirectory(src Source, opts ...Option) *Directory {
	d := &Directory{
		source:         src,
		maxAttempts:    defaultMaxAttempts,
		retryDelay:     defaultRetryDelay,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		log:            slog.Default(),
		status:         Status{State: StateEmpty},
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("component", "instruments")
	return d
}

// refreshCall is one refresh shared by every caller that arrives while it
// runs. It runs on its own context, cancelled once the last caller has
// given up.
type refreshCall struct {
	done    chan struct{}
	n       int
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Refresh downloads and installs a new universe. Concurrent calls share one
// download. On failure after all attempts the previous index stays in place
// and a DirectoryStale error is returned; with nothing to serve the error is
// DirectoryUnavailable.
//
// A caller whose ctx ends stops waiting; the refresh carries on for the
// others. When the last caller leaves, the refresh is cancelled and that
// caller gets its outcome.
func (d *Directory) Refresh(ctx context.Context) (int, error) {
	d.callMu.Lock()
	c := d.call
	if c == nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.refreshTimeout)
		c = &refreshCall{done: make(chan struct{}), cancel: cancel}
		d.call = c
		go func() {
			defer cancel()
			c.n, c.err = d.refresh(rctx)
			d.callMu.Lock()
			if d.call == c {
				d.call = nil
			}
			d.callMu.Unlock()
			close(c.done)
		}()
	}
	c.waiters++
	d.callMu.Unlock()

	select {
	case <-c.done:
		return c.n, c.err
	case <-ctx.Done():
	}

	d.callMu.Lock()
	c.waiters--
	last := c.waiters == 0
	if last && d.call == c {
		d.call = nil // later callers start afresh
	}
	d.callMu.Unlock()
	if !last {
		return 0, apperr.FromContext("instruments.Refresh", ctx.Err())
	}
	c.cancel()
	<-c.done
	return c.n, c.err
}

func (d *Directory) refresh(ctx context.Context) (int, error) {
	d.loading.Store(true)
	defer d.loading.Store(false)

	var lastErr error
	attempts := 0
	for attempts < d.maxAttempts {
		attempts++
		start := time.Now()
		n, err := d.fetchAndInstall(ctx)
		if err == nil {
			d.log.Info("directory refreshed", "instruments", n, "attempt", attempts, "elapsed", time.Since(start))
			d.setStatus(Status{State: StateReady, Count: n, LastRefresh: d.now(), Attempts: attempts})
			return n, nil
		}
		lastErr = err
		d.log.Warn("directory refresh attempt failed", "attempt", attempts, "max", d.maxAttempts, "error", err)

		if attempts < d.maxAttempts {
			if err := sleep(ctx, d.retryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}
	return d.fail(ctx, attempts, lastErr)
}

func (d *Directory) fetchAndInstall(ctx context.Context) (int, error) {
	records, err := d.source.DownloadScripMaster(ctx)
	if err != nil {
		return 0, err
	}
	all := FromRecords(records)
	if len(all) == 0 {
		return 0, apperr.New(apperr.UpstreamMalformed, "instruments.Refresh", "scrip master contained no instruments")
	}
	d.idx.Store(buildIndex(all, d.now()))

	if d.store != nil {
		if err := d.store.SaveInstruments(ctx, all); err != nil {
			d.log.Warn("snapshot save failed", "error", err)
		}
	}
	return len(all), nil
}

func (d *Directory) fail(ctx context.Context, attempts int, cause error) (int, error) {
	const op = "instruments.Refresh"
	prev := d.Status()

	if cur := d.idx.Load(); cur != nil {
		d.setStatus(Status{
			State:       StateDegraded,
			Count:       len(cur.all),
			LastRefresh: prev.LastRefresh,
			LastError:   cause.Error(),
			Attempts:    attempts,
			FromStore:   prev.FromStore,
		})
		return len(cur.all), apperr.Wrapf(apperr.DirectoryStale, op, cause,
			"refresh failed after %d attempts, serving %d instruments from %s", attempts, len(cur.all), cur.builtAt.Format(time.RFC3339))
	}

	if d.store != nil {
		all, savedAt, err := d.store.LoadInstruments(ctx)
		switch {
		case err != nil:
			d.log.Warn("snapshot load failed", "error", err)
		case len(all) > 0:
			d.idx.Store(buildIndex(all, savedAt))
			d.setStatus(Status{
				State:       StateDegraded,
				Count:       len(all),
				LastRefresh: savedAt,
				LastError:   cause.Error(),
				Attempts:    attempts,
				FromStore:   true,
			})
			d.log.Warn("serving instruments from snapshot store", "instruments", len(all), "saved_at", savedAt)
			return len(all), apperr.Wrapf(apperr.DirectoryStale, op, cause,
				"refresh failed after %d attempts, serving snapshot from %s", attempts, savedAt.Format(time.RFC3339))
		}
	}

	d.setStatus(Status{State: StateUnavailable, LastError: cause.Error(), Attempts: attempts})
	return 0, apperr.Wrapf(apperr.DirectoryUnavailable, op, cause, "refresh failed after %d attempts and no prior data", attempts)
}

func (d *Directory) setStatus(s Status) {
	d.mu.Lock()
	changed := s.State != d.status.State
	d.status = s
	d.mu.Unlock()
	if changed && d.onStatus != nil {
		d.onStatus(s)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Status returns the current health of the index.
func (d *Directory) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Ready returns DirectoryUnavailable when no index has ever been installed.
func (d *Directory) Ready() error {
	if d.idx.Load() == nil {
		return apperr.New(apperr.DirectoryUnavailable, "instruments.Ready", "instrument directory has not been loaded")
	}
	return nil
}

func (d *Directory) Stats() Stats {
	st := Stats{
		Equities: map[string]int{},
		Loading:  d.loading.Load(),
		State:    d.Status().State,
	}
	idx := d.idx.Load()
	if idx == nil {
		return st
	}
	st.TotalInstruments = len(idx.all)
	for k, v := range idx.equities {
		st.Equities[k] = v
	}
	st.NFOOptions = idx.options
	st.NFOFutures = idx.futures
	st.LastRefresh = idx.builtAt
	return st
}

// Len returns the number of indexed instruments.
func (d *Directory) Len() int {
	if idx := d.idx.Load(); idx != nil {
		return len(idx.all)
	}
	return 0
}

// ByToken returns the instrument for a token. A token reused across segments
// resolves to its best-ranked listing (NSE equity first); callers that know
// the segment should use ByExchangeToken. The curated catalog answers when
// the index has no such token.
func (d *Directory) ByToken(token string) (model.Instrument, bool) {
	if inst, ok := d.idx.Load().token(token); ok {
		return inst, true
	}
	return catalog.ByToken(token)
}

// ByExchangeToken returns the instrument listed under token on exchange.
func (d *Directory) ByExchangeToken(exchange, token string) (model.Instrument, bool) {
	if inst, ok := d.idx.Load().exchangeToken(exchange, token); ok {
		return inst, true
	}
	return catalog.ByExchangeToken(exchange, token)
}

// BySymbol returns the instrument for a symbol, case-insensitively. When a
// symbol is listed on several segments the NSE equity wins.
func (d *Directory) BySymbol(symbol string) (model.Instrument, bool) {
	if inst, ok := d.idx.Load().symbol(symbol); ok {
		return inst, true
	}
	return catalog.BySymbol(symbol)
}

// Lookup is BySymbol with a typed miss carrying suggestions.
func (d *Directory) Lookup(symbol string) (model.Instrument, error) {
	if inst, ok := d.BySymbol(symbol); ok {
		return inst, nil
	}
	if err := d.Ready(); err != nil {
		return model.Instrument{}, err
	}
	e := apperr.New(apperr.InstrumentNotFound, "instruments.Lookup", fmt.Sprintf("instrument %q not found", symbol))
	for _, s := range d.Suggest(symbol, 5) {
		e.Suggestions = append(e.Suggestions, s.Symbol)
	}
	return model.Instrument{}, e
}
