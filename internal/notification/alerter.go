package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketdata-engine/internal/instruments"
)

const sendTimeout = 15 * time.Second

// Alerter turns engine events into alerts. Delivery runs in the background so
// the caller (a directory refresh or a login) never waits on a slow channel.
type Alerter struct {
	n   Notifier
	log *slog.Logger

	mu        sync.Mutex
	lastState string

	wg sync.WaitGroup
}

func NewAlerter(n Notifier, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{n: n, log: logger.With("component", "alerter"), lastState: instruments.StateEmpty}
}

// DirectoryStatus alerts when the directory degrades, becomes unavailable or
// recovers. Repeated reports of the same state are ignored.
func (a *Alerter) DirectoryStatus(s instruments.Status) {
	a.mu.Lock()
	prev := a.lastState
	a.lastState = s.State
	a.mu.Unlock()
	if prev == s.State {
		return
	}

	switch s.State {
	case instruments.StateDegraded:
		a.send(Alert{
			Level: AlertWarning,
			Title: "Instrument directory degraded",
			Message: fmt.Sprintf("Refresh failed after %d attempts, serving %d instruments from %s: %s",
				s.Attempts, s.Count, s.LastRefresh.Format(time.RFC3339), s.LastError),
		})
	case instruments.StateUnavailable:
		a.send(Alert{
			Level:   AlertCritical,
			Title:   "Instrument directory unavailable",
			Message: fmt.Sprintf("No instruments loaded after %d attempts: %s", s.Attempts, s.LastError),
		})
	case instruments.StateReady:
		if prev == instruments.StateDegraded || prev == instruments.StateUnavailable {
			a.send(Alert{
				Level:   AlertInfo,
				Title:   "Instrument directory recovered",
				Message: fmt.Sprintf("%d instruments loaded", s.Count),
			})
		}
	}
}

// LoginFailed alerts on a failed broker login.
func (a *Alerter) LoginFailed(err error) {
	a.send(Alert{
		Level:   AlertCritical,
		Title:   "Broker login failed",
		Message: err.Error(),
	})
}

func (a *Alerter) send(alert Alert) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := a.n.Send(ctx, alert); err != nil {
			a.log.Warn("alert delivery failed", "title", alert.Title, "error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (a *Alerter) Wait() { a.wg.Wait() }
