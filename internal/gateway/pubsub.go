package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"marketdata-engine/internal/model"
)

// PubSubRouter relays scheduler output published on Redis by any instance to
// this instance's clients.
type PubSubRouter struct {
	rdb *goredis.Client
	b   *Broadcaster
}

func NewPubSubRouter(rdb *goredis.Client, b *Broadcaster) *PubSubRouter {
	return &PubSubRouter{rdb: rdb, b: b}
}

// Run subscribes to the quote channel and the chain pattern and routes
// messages until ctx is cancelled.
func (r *PubSubRouter) Run(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, model.QuotesChannel)
	defer ps.Close()
	if err := ps.PSubscribe(ctx, model.ChainChannelPrefix+"*"); err != nil {
		return fmt.Errorf("psubscribe %s*: %w", model.ChainChannelPrefix, err)
	}
	// Wait for the subscription confirmation so publish-before-subscribe
	// races show up as errors here rather than lost messages.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", model.QuotesChannel, err)
	}
	r.b.hub.log.Info("relaying redis updates", "channel", model.QuotesChannel, "pattern", model.ChainChannelPrefix+"*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.route(msg.Channel, []byte(msg.Payload)); err != nil {
				r.b.hub.log.Warn("dropping relayed message", "channel", msg.Channel, "error", err)
			}
		}
	}
}

func (r *PubSubRouter) route(channel string, payload []byte) error {
	switch {
	case channel == model.QuotesChannel:
		var quotes []model.Quote
		if err := json.Unmarshal(payload, &quotes); err != nil {
			return err
		}
		r.b.BroadcastQuotes(quotes)
	case strings.HasPrefix(channel, model.ChainChannelPrefix):
		var update model.ChainUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			return err
		}
		// The channel names the underlying.
		update.Underlying = strings.TrimPrefix(channel, model.ChainChannelPrefix)
		r.b.BroadcastChain(update)
	default:
		return fmt.Errorf("unexpected channel %q", channel)
	}
	return nil
}
