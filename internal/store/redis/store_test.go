package redis

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketdata-engine/internal/breaker"
	"marketdata-engine/internal/model"
)

// unreachableClient points at a port nothing listens on.
func unreachableClient(t *testing.T) *goredis.Client {
	t.Helper()
	c := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPublisher_HoldsLatestWhileOpen(t *testing.T) {
	cb := breaker.New(1, time.Hour)
	p := NewPublisher(context.Background(), unreachableClient(t), cb, nil)
	var held atomic.Int32
	p.OnBuffer = func() { held.Add(1) }

	ctx := context.Background()
	// First publish fails for real and trips the breaker.
	if err := p.PublishQuotes(ctx, []model.Quote{{Symbol: "SBIN-EQ", LTP: 800}}); err == nil {
		t.Fatal("expected the first publish to fail")
	}
	if cb.CurrentState() != breaker.StateOpen {
		t.Fatalf("breaker = %v, want open", cb.CurrentState())
	}

	// Further publishes are held per channel without error.
	if err := p.PublishQuotes(ctx, []model.Quote{{Symbol: "SBIN-EQ", LTP: 801}}); err != nil {
		t.Fatalf("held publish: %v", err)
	}
	if err := p.PublishQuotes(ctx, []model.Quote{{Symbol: "SBIN-EQ", LTP: 802}}); err != nil {
		t.Fatal(err)
	}
	if got := p.PendingCount(); got != 1 {
		t.Errorf("pending = %d, want 1 (latest quotes only)", got)
	}
	if err := p.PublishChain(ctx, model.ChainUpdate{
		Underlying: "NIFTY",
		Source:     model.SourceSearchQuote,
		Legs:       []model.OptionLeg{{Symbol: "NIFTY31JUL2524000CE"}},
	}); err != nil {
		t.Fatal(err)
	}
	if got := p.PendingCount(); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
	if held.Load() != 3 {
		t.Errorf("OnBuffer calls = %d, want 3", held.Load())
	}
}

func TestPublisher_ChainsExistingStateCallback(t *testing.T) {
	cb := breaker.New(1, time.Hour)
	var seen atomic.Int32
	cb.OnStateChange = func(from, to breaker.State) { seen.Add(1) }
	p := NewPublisher(context.Background(), unreachableClient(t), cb, nil)

	_ = p.PublishQuotes(context.Background(), nil)
	if seen.Load() != 1 {
		t.Errorf("previous OnStateChange calls = %d, want 1", seen.Load())
	}
}

// The snapshot round trip needs a live server.
func TestSnapshotStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := Connect(context.Background(), Config{Addr: addr, DB: 15})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	s := NewSnapshotStore(client, nil)
	s.key = "md:instruments:test"
	defer client.Del(context.Background(), s.key)
	at := time.Date(2025, 7, 21, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	ctx := context.Background()
	all, savedAt, err := s.LoadInstruments(ctx)
	if err != nil || len(all) != 0 || !savedAt.IsZero() {
		t.Fatalf("empty load = %d, %v, %v", len(all), savedAt, err)
	}

	want := []model.Instrument{
		{Token: "3045", Symbol: "SBIN-EQ", Name: "SBIN", Exchange: "NSE", InstrumentType: "EQ", LotSize: 1},
		{Token: "43650", Symbol: "NIFTY31JUL2524000CE", Name: "NIFTY", Exchange: "NFO", InstrumentType: "OPTIDX",
			LotSize: 75, Expiry: "31JUL2025", Strike: 24000},
	}
	if err := s.SaveInstruments(ctx, want); err != nil {
		t.Fatalf("SaveInstruments: %v", err)
	}
	all, savedAt, err = s.LoadInstruments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !savedAt.Equal(at) || len(all) != 2 || all[0] != want[0] || all[1] != want[1] {
		t.Errorf("loaded %+v at %v", all, savedAt)
	}
}
