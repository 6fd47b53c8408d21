// Package scheduler runs the engine's timed work: the scrip master refresh on
// a cron schedule and, during market hours, the periodic quote and option
// chain broadcast.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marketdata-engine/internal/markethours"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
	"marketdata-engine/internal/quotes"
)

// Broadcast cycle kinds, used as metric labels.
const (
	KindQuotes = "quotes"
	KindChains = "chains"
)

// Directory is refreshed by the cron job and names the broadcast universe.
type Directory interface {
	Refresh(ctx context.Context) (int, error)
	DefaultUniverse() map[string][]string
}

type QuoteSource interface {
	GetQuotes(ctx context.Context, authToken, mode string, sets map[string][]string) (quotes.Result, error)
}

type ChainSource interface {
	FetchChain(ctx context.Context, authToken, underlying string) (optionchain.FetchResult, error)
}

// Subscriptions lists underlyings that have at least one chain subscriber.
type Subscriptions interface {
	ChainSubscriptions() []string
}

// Recorder receives cycle timings and the market state.
type Recorder interface {
	BroadcastCycle(kind string, elapsed time.Duration, err error)
	SetMarketOpen(open bool)
}

type Config struct {
	RefreshCron     string        // default "0 8 * * 1-5"
	Interval        time.Duration // default 5s
	AlwaysBroadcast bool          // ignore market hours
	StartupDelay    time.Duration // delay before the startup refresh; default 1s
	CycleTimeout    time.Duration // bound on one broadcast cycle; default Interval

	// Login, when set, runs at startup and on LoginCron (default 09:10 on
	// weekdays, five minutes before the open).
	Login     func(ctx context.Context) error
	LoginCron string
}

type Scheduler struct {
	cfg    Config
	dir    Directory
	quotes QuoteSource
	chains ChainSource
	subs   Subscriptions
	auth   model.AuthSource
	pub    model.Publisher
	rec    Recorder
	log    *slog.Logger
	now    func() time.Time

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	wasOpen  *bool
	skipAuth bool // last cycle was skipped for lack of a session
}

// New wires a scheduler. rec and logger may be nil.
func New(cfg Config, dir Directory, q QuoteSource, chains ChainSource, subs Subscriptions,
	auth model.AuthSource, pub model.Publisher, rec Recorder, logger *slog.Logger) *Scheduler {
	if cfg.RefreshCron == "" {
		cfg.RefreshCron = "0 8 * * 1-5"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = time.Second
	}
	if cfg.LoginCron == "" {
		cfg.LoginCron = "10 9 * * 1-5"
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		dir:    dir,
		quotes: q,
		chains: chains,
		subs:   subs,
		auth:   auth,
		pub:    pub,
		rec:    rec,
		log:    logger.With("component", "scheduler"),
		now:    time.Now,
		cron:   cron.New(cron.WithLocation(markethours.IST)),
	}
}

// Start queues the refresh job, the startup refresh and the broadcast loop.
// It fails only on an invalid cron expression.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.RefreshCron, func() { s.refreshDirectory(ctx, "scheduled") }); err != nil {
		return fmt.Errorf("scheduler: refresh cron %q: %w", s.cfg.RefreshCron, err)
	}
	s.log.Info("queued scheduled job", "job", "directory refresh", "spec", s.cfg.RefreshCron)
	if s.cfg.Login != nil {
		if _, err := s.cron.AddFunc(s.cfg.LoginCron, func() { s.login(ctx, "scheduled") }); err != nil {
			return fmt.Errorf("scheduler: login cron %q: %w", s.cfg.LoginCron, err)
		}
		s.log.Info("queued scheduled job", "job", "broker login", "spec", s.cfg.LoginCron)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.cfg.StartupDelay):
			if s.cfg.Login != nil {
				s.login(ctx, "startup")
			}
			s.refreshDirectory(ctx, "startup")
		case <-ctx.Done():
		}
	}()
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	s.cron.Start()
	return nil
}

// Stop halts the cron and the loop and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) refreshDirectory(ctx context.Context, trigger string) {
	start := time.Now()
	s.log.Info("started job", "job", "directory refresh", "trigger", trigger)
	n, err := s.dir.Refresh(ctx)
	if err != nil {
		s.log.Error("directory refresh failed", "trigger", trigger, "error", err, "elapsed", time.Since(start))
		return
	}
	s.log.Info("completed job", "job", "directory refresh", "trigger", trigger,
		"instruments", n, "elapsed", time.Since(start))
}

func (s *Scheduler) login(ctx context.Context, trigger string) {
	if err := s.cfg.Login(ctx); err != nil {
		s.log.Error("broker login failed", "trigger", trigger, "error", err)
		return
	}
	s.log.Info("completed job", "job", "broker login", "trigger", trigger)
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one broadcast pass: quotes for the default universe, then every
// subscribed option chain. Outside market hours it only updates the market
// state, unless AlwaysBroadcast is set.
func (s *Scheduler) Cycle(ctx context.Context) {
	open := markethours.IsMarketOpen(s.now())
	s.marketState(open)
	if !open && !s.cfg.AlwaysBroadcast {
		return
	}
	if !s.auth.IsAuthenticated() {
		s.mu.Lock()
		first := !s.skipAuth
		s.skipAuth = true
		s.mu.Unlock()
		if first {
			s.log.Warn("broadcast paused: no broker session")
		}
		return
	}
	s.mu.Lock()
	s.skipAuth = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()
	token := s.auth.AuthToken()

	start := time.Now()
	err := s.broadcastQuotes(ctx, token)
	s.record(KindQuotes, time.Since(start), err)
	if err != nil {
		s.log.Warn("quote broadcast failed", "error", err)
	}

	start = time.Now()
	err = s.broadcastChains(ctx, token)
	s.record(KindChains, time.Since(start), err)
	if err != nil {
		s.log.Warn("chain broadcast failed", "error", err)
	}
}

func (s *Scheduler) broadcastQuotes(ctx context.Context, token string) error {
	sets := s.dir.DefaultUniverse()
	if len(sets) == 0 {
		return nil
	}
	res, err := s.quotes.GetQuotes(ctx, token, model.ModeFull, sets)
	if err != nil {
		return err
	}
	if len(res.Quotes) == 0 {
		return nil
	}
	return s.pub.PublishQuotes(ctx, res.Quotes)
}

// broadcastChains refreshes each subscribed chain. One failing underlying
// does not stop the others.
func (s *Scheduler) broadcastChains(ctx context.Context, token string) error {
	var errs []error
	for _, u := range s.subs.ChainSubscriptions() {
		res, err := s.chains.FetchChain(ctx, token, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		update := model.ChainUpdate{Underlying: u, Source: res.Source, Legs: res.Legs}
		if err := s.pub.PublishChain(ctx, update); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) marketState(open bool) {
	s.mu.Lock()
	changed := s.wasOpen == nil || *s.wasOpen != open
	s.wasOpen = &open
	s.mu.Unlock()
	if !changed {
		return
	}
	if s.rec != nil {
		s.rec.SetMarketOpen(open)
	}
	s.log.Info("market state", "status", markethours.StatusAt(s.now()).Message)
}

func (s *Scheduler) record(kind string, elapsed time.Duration, err error) {
	if s.rec != nil {
		s.rec.BroadcastCycle(kind, elapsed, err)
	}
}
