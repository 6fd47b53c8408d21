package model

import "testing"

func TestInstrument_BaseSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"SBIN-EQ", "SBIN"},
		{"BAJAJ-AUTO", "BAJAJ-AUTO"},
		{"BAJAJ-AUTO-EQ", "BAJAJ-AUTO"},
		{"NIFTY31JUL2524000CE", "NIFTY31JUL2524000CE"},
		{"RELIANCE", "RELIANCE"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			inst := Instrument{Symbol: tt.symbol}
			if got := inst.BaseSymbol(); got != tt.want {
				t.Errorf("BaseSymbol(%q) = %q, want %q", tt.symbol, got, tt.want)
			}
		})
	}
}

func TestInstrument_Kinds(t *testing.T) {
	opt := Instrument{InstrumentType: TypeIndexOption}
	fut := Instrument{InstrumentType: TypeStockFuture}
	eq := Instrument{InstrumentType: TypeEquity}

	if !opt.IsOption() || opt.IsFuture() || opt.IsEquity() {
		t.Errorf("OPTIDX classified wrongly")
	}
	if !fut.IsFuture() || fut.IsOption() {
		t.Errorf("FUTSTK classified wrongly")
	}
	if !eq.IsEquity() {
		t.Errorf("EQ classified wrongly")
	}
}

func TestRounding(t *testing.T) {
	if got := Round2(820.505); got != 820.51 && got != 820.5 {
		t.Errorf("Round2(820.505) = %v", got)
	}
	if got := Round2(12.3456); got != 12.35 {
		t.Errorf("Round2(12.3456) = %v, want 12.35", got)
	}
	if got := Round4(0.123456); got != 0.1235 {
		t.Errorf("Round4(0.123456) = %v, want 0.1235", got)
	}
}
