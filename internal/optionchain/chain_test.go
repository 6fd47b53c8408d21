package optionchain

import (
	"testing"
	"time"

	"marketdata-engine/internal/model"
)

func leg(exp string, strike float64, side string, ltp float64, oi int64) model.OptionLeg {
	return model.OptionLeg{
		Token:        exp + side,
		Symbol:       "NIFTY" + exp + side,
		Underlying:   "NIFTY",
		Expiry:       exp,
		Strike:       strike,
		OptionType:   side,
		LTP:          ltp,
		OpenInterest: oi,
	}
}

func TestGroupLegs_PairsCallAndPut(t *testing.T) {
	entries := GroupLegs([]model.OptionLeg{
		leg("31JUL25", 24000, model.Call, 120.5, 1000),
		leg("31JUL25", 24000, model.Put, 98.25, 1500),
	}, testNow)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.CE == nil || e.PE == nil || e.CE.LTP != 120.5 || e.PE.LTP != 98.25 {
		t.Fatalf("entry = %+v", e)
	}
	if e.PCR != 1.5 {
		t.Errorf("pcr = %v, want 1.5", e.PCR)
	}
	if e.StraddlePrice != 218.75 {
		t.Errorf("straddle = %v, want 218.75", e.StraddlePrice)
	}
}

func TestGroupLegs_KeepsFirstLegPerSide(t *testing.T) {
	first := leg("31JUL25", 24000, model.Call, 100, 10)
	dup := leg("31JUL25", 24000, model.Call, 999, 10)
	dup.Token = "dup"

	entries := GroupLegs([]model.OptionLeg{first, dup}, testNow)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].CE.Token != first.Token || entries[0].PE != nil {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].PCR != 0 || entries[0].StraddlePrice != 0 {
		t.Error("one-sided entry should carry no pcr or straddle")
	}
}

func TestGroupLegs_SortsByCalendarThenStrike(t *testing.T) {
	entries := GroupLegs([]model.OptionLeg{
		leg("07AUG25", 24000, model.Call, 1, 1),
		leg("31JUL25", 24100, model.Call, 1, 1),
		leg("31JUL25", 23900, model.Put, 1, 1),
	}, testNow)
	want := []struct {
		exp    string
		strike float64
	}{{"31JUL25", 23900}, {"31JUL25", 24100}, {"07AUG25", 24000}}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries", len(entries))
	}
	for i, w := range want {
		if entries[i].Expiry != w.exp || entries[i].Strike != w.strike {
			t.Errorf("entries[%d] = %s %v, want %s %v", i, entries[i].Expiry, entries[i].Strike, w.exp, w.strike)
		}
	}
}

func TestGroupLegs_ZeroCallOI(t *testing.T) {
	entries := GroupLegs([]model.OptionLeg{
		leg("31JUL25", 24000, model.Call, 10, 0),
		leg("31JUL25", 24000, model.Put, 10, 500),
	}, testNow)
	if entries[0].PCR != 0 {
		t.Errorf("pcr = %v, want 0", entries[0].PCR)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]model.OptionLeg{
		leg("07AUG25", 24000, model.Call, 1, 1),
		leg("31JUL25", 24100, model.Call, 1, 1),
		leg("31JUL25", 23900, model.Put, 1, 1),
	}, testNow)
	if s.TotalStrikes != 3 || s.TotalCallOptions != 2 || s.TotalPutOptions != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(s.AvailableExpiries) != 2 || s.AvailableExpiries[0] != "31JUL25" {
		t.Errorf("expiries = %v", s.AvailableExpiries)
	}
	if s.StrikeRange.Min != 23900 || s.StrikeRange.Max != 24100 {
		t.Errorf("range = %+v", s.StrikeRange)
	}

	empty := Summarize(nil, testNow)
	if empty.AvailableExpiries == nil || empty.TotalStrikes != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestGroupLegs_YearlessExpiriesFollowRef(t *testing.T) {
	legs := []model.OptionLeg{
		leg("15JAN", 24000, model.Call, 1, 1),
		leg("15JUL", 24000, model.Call, 1, 1),
	}
	dec := time.Date(2025, time.December, 20, 0, 0, 0, 0, time.UTC)
	if e := GroupLegs(legs, dec); e[0].Expiry != "15JUL" {
		t.Errorf("seen from December: first expiry = %s, want 15JUL", e[0].Expiry)
	}
	if s := Summarize(legs, dec); s.AvailableExpiries[0] != "15JUL" {
		t.Errorf("seen from December: expiries = %v", s.AvailableExpiries)
	}
	mar := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	if e := GroupLegs(legs, mar); e[0].Expiry != "15JAN" {
		t.Errorf("seen from March: first expiry = %s, want 15JAN", e[0].Expiry)
	}
}
