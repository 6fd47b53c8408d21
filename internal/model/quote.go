package model

import (
	"math"
	"time"
)

// Quote modes accepted by the market/v1/quote endpoint.
const (
	ModeFull = "FULL"
	ModeLTP  = "LTP"
	ModeOHLC = "OHLC"
)

// Quote is a point-in-time price snapshot for one instrument.
// Quotes are never persisted; each lives only as long as its cache entry.
type Quote struct {
	Token         string    `json:"token"`
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name"`
	Exchange      string    `json:"exchange"`
	LTP           float64   `json:"ltp"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Volume        int64     `json:"volume"`
	AvgPrice      float64   `json:"avgPrice"`
	OpenInterest  int64     `json:"openInterest"`
	UpperCircuit  float64   `json:"upperCircuit"`
	LowerCircuit  float64   `json:"lowerCircuit"`
	WeekHigh52    float64   `json:"weekHigh52"`
	WeekLow52     float64   `json:"weekLow52"`
	Timestamp     time.Time `json:"timestamp"`
}

// Round2 rounds to two decimals, the precision prices are served with.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round4 rounds to four decimals, the precision Greeks are served with.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
