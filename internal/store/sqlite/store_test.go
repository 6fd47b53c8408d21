package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marketdata-engine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "instruments.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadInstruments_Empty(t *testing.T) {
	s := openTestStore(t)
	all, savedAt, err := s.LoadInstruments(context.Background())
	if err != nil || len(all) != 0 || !savedAt.IsZero() {
		t.Errorf("got %d instruments, %v, %v", len(all), savedAt, err)
	}
}

func TestSaveLoadInstruments(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2025, 7, 21, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	first := []model.Instrument{
		{Token: "3045", Symbol: "SBIN-EQ", Name: "SBIN", Exchange: "NSE", InstrumentType: "EQ", LotSize: 1, TickSize: 0.05},
		{Token: "43650", Symbol: "NIFTY31JUL2524000CE", Name: "NIFTY", Exchange: "NFO", InstrumentType: "OPTIDX",
			LotSize: 75, Expiry: "31JUL2025", Strike: 24000},
	}
	if err := s.SaveInstruments(context.Background(), first); err != nil {
		t.Fatalf("SaveInstruments: %v", err)
	}

	all, savedAt, err := s.LoadInstruments(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !savedAt.Equal(at) {
		t.Errorf("savedAt = %v", savedAt)
	}
	if len(all) != 2 || all[1] != first[1] || all[0] != first[0] {
		t.Errorf("loaded = %+v", all)
	}

	// A second save replaces the snapshot entirely.
	if err := s.SaveInstruments(context.Background(), first[:1]); err != nil {
		t.Fatal(err)
	}
	all, _, _ = s.LoadInstruments(context.Background())
	if len(all) != 1 || all[0].Token != "3045" {
		t.Errorf("after replace = %+v", all)
	}
}

func TestSaveInstruments_Cancelled(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SaveInstruments(ctx, []model.Instrument{{Token: "1", Exchange: "NSE"}}); err == nil {
		t.Error("save succeeded on a cancelled context")
	}
}
