package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
)

// Replay channels.
const (
	ChannelQuotes      = "quotes"
	channelChainPrefix = "chain:"
)

const replayDepth = 200

// Broadcaster builds update envelopes once and fans them out to clients.
// Each channel carries its own sequence so a reconnecting client can ask for
// what it missed.
type Broadcaster struct {
	hub    *Hub
	fanout *FanoutTimer

	mu      sync.Mutex
	seqs    map[string]int64
	replays map[string]*ReplayRing
}

func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{
		hub:     hub,
		fanout:  NewFanoutTimer(4096),
		seqs:    make(map[string]int64),
		replays: make(map[string]*ReplayRing),
	}
}

func (b *Broadcaster) next(channel string) (int64, *ReplayRing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqs[channel]++
	rr, ok := b.replays[channel]
	if !ok {
		rr = NewReplayRing(replayDepth)
		b.replays[channel] = rr
	}
	return b.seqs[channel], rr
}

// BroadcastQuotes sends MARKET_UPDATE to every client and makes quotes the
// snapshot new clients receive. It returns the number of clients reached.
func (b *Broadcaster) BroadcastQuotes(quotes []model.Quote) int {
	now := time.Now().UTC()
	b.hub.setLatest(quotes, now)

	seq, rr := b.next(ChannelQuotes)
	msg := encode(ServerMessage{Type: MsgMarketUpdate, Data: quotes, Seq: seq, Timestamp: now})
	rr.Push(seq, msg)
	return b.fan(MsgMarketUpdate, msg, "")
}

// BroadcastChain sends OPTION_CHAIN_UPDATE with the grouped legs to clients
// holding OPTION_CHAIN:<underlying> only.
func (b *Broadcaster) BroadcastChain(update model.ChainUpdate) int {
	u := strings.ToUpper(strings.TrimSpace(update.Underlying))
	now := time.Now().UTC()
	view := optionchain.ChainView{
		Underlying:  u,
		Source:      update.Source,
		Entries:     optionchain.GroupLegs(update.Legs, now),
		Summary:     optionchain.Summarize(update.Legs, now),
		LastUpdated: now,
	}

	channel := channelChainPrefix + u
	seq, rr := b.next(channel)
	msg := encode(ServerMessage{Type: MsgOptionChainUpdate, Underlying: u, Data: view, Seq: seq, Timestamp: now})
	rr.Push(seq, msg)
	return b.fan(MsgOptionChainUpdate, msg, subscriptionKey(KeyOptionChain, u))
}

// fan delivers msg to every client, or only to holders of key when set.
func (b *Broadcaster) fan(msgType string, msg []byte, key string) int {
	start := time.Now()
	b.hub.mu.RLock()
	targets := make([]*Client, 0, len(b.hub.clients))
	for c := range b.hub.clients {
		if key == "" || c.Subscribed(key) {
			targets = append(targets, c)
		}
	}
	b.hub.mu.RUnlock()

	reached := 0
	for _, c := range targets {
		if b.hub.deliver(c, msgType, msg) {
			reached++
		}
	}
	b.fanout.Record(time.Since(start))
	return reached
}

// Replay returns buffered envelopes on channel with sequence above since,
// oldest first, and the channel's current sequence.
func (b *Broadcaster) Replay(channel string, since int64) ([][]byte, int64) {
	b.mu.Lock()
	rr, ok := b.replays[channel]
	cur := b.seqs[channel]
	b.mu.Unlock()
	if !ok {
		return [][]byte{}, cur
	}
	return rr.Since(since), cur
}

// PublishQuotes and PublishChain let the scheduler publish straight to the
// local broadcaster when no Redis relay is configured.
func (b *Broadcaster) PublishQuotes(_ context.Context, quotes []model.Quote) error {
	b.BroadcastQuotes(quotes)
	return nil
}

func (b *Broadcaster) PublishChain(_ context.Context, update model.ChainUpdate) error {
	b.BroadcastChain(update)
	return nil
}

var _ model.Publisher = (*Broadcaster)(nil)
