package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/go-redis/redis/v8"

	"marketdata-engine/internal/breaker"
	"marketdata-engine/internal/model"
)

// Publisher is a model.Publisher on the md:* channels, guarded by a circuit
// breaker. While the breaker is open, only the latest payload per channel is
// kept; older updates are superseded and never replayed. The kept payloads
// are published when the breaker closes again.
type Publisher struct {
	client *goredis.Client
	cb     *breaker.CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string][]byte // channel -> latest payload

	// Callbacks
	OnBuffer func()          // called when a payload is held back (for metrics)
	OnFlush  func(count int) // called after flushing held payloads
}

var _ model.Publisher = (*Publisher)(nil)

// NewPublisher wraps client with cb. ctx bounds flushes triggered by the
// breaker closing.
func NewPublisher(ctx context.Context, client *goredis.Client, cb *breaker.CircuitBreaker, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		client:  client,
		cb:      cb,
		ctx:     ctx,
		log:     logger.With("component", "redis-publisher"),
		pending: make(map[string][]byte),
	}

	// Register flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to breaker.State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == breaker.StateClosed {
			go p.flush()
		}
	}
	return p
}

func (p *Publisher) PublishQuotes(ctx context.Context, quotes []model.Quote) error {
	data, err := json.Marshal(quotes)
	if err != nil {
		return fmt.Errorf("marshal quotes: %w", err)
	}
	return p.publish(ctx, model.QuotesChannel, data)
}

func (p *Publisher) PublishChain(ctx context.Context, update model.ChainUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	return p.publish(ctx, model.ChainChannelPrefix+update.Underlying, data)
}

func (p *Publisher) publish(ctx context.Context, channel string, data []byte) error {
	err := p.cb.Execute(func() error {
		return p.client.Publish(ctx, channel, data).Err()
	})
	if errors.Is(err, breaker.ErrOpen) {
		p.hold(channel, data)
		return nil // held, not lost
	}
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (p *Publisher) hold(channel string, data []byte) {
	p.mu.Lock()
	p.pending[channel] = data
	p.mu.Unlock()
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush publishes every held payload once.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.pending
	p.pending = make(map[string][]byte)
	p.mu.Unlock()

	flushed := 0
	for channel, data := range toFlush {
		if err := p.client.Publish(p.ctx, channel, data).Err(); err != nil {
			p.log.Warn("flush publish failed", "channel", channel, "error", err)
			continue
		}
		flushed++
	}

	p.log.Info("flushed held updates", "count", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns the number of channels with a held payload.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
