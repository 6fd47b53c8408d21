package model

import "time"

// Option sides.
const (
	Call = "CE"
	Put  = "PE"
)

// Leg sources reported by the chain resolver.
const (
	SourceCache       = "cache"
	SourceSearchQuote = "search+quote"
	SourceMockData    = "mock_data"
)

// OptionLeg is one side (call or put) of an option contract with its quote.
type OptionLeg struct {
	Token             string    `json:"token"`
	Symbol            string    `json:"symbol"`
	Underlying        string    `json:"underlying"`
	Strike            float64   `json:"strike"`
	OptionType        string    `json:"optionType"`
	Expiry            string    `json:"expiry"`
	LTP               float64   `json:"ltp"`
	Price             float64   `json:"price"`
	Change            float64   `json:"change"`
	ChangePercent     float64   `json:"changePercent"`
	Open              float64   `json:"open"`
	High              float64   `json:"high"`
	Low               float64   `json:"low"`
	Close             float64   `json:"close"`
	Volume            int64     `json:"volume"`
	OpenInterest      int64     `json:"openInterest"`
	ChangeInOI        int64     `json:"changeInOI"`
	ImpliedVolatility float64   `json:"impliedVolatility"`
	Delta             float64   `json:"delta"`
	Gamma             float64   `json:"gamma"`
	Theta             float64   `json:"theta"`
	Vega              float64   `json:"vega"`
	LotSize           int       `json:"lotSize"`
	Timestamp         time.Time `json:"timestamp"`
}

// ChainEntry pairs the call and put sharing (underlying, expiry, strike).
// A side is nil when the chain has no leg for it.
type ChainEntry struct {
	Underlying    string     `json:"underlying"`
	Expiry        string     `json:"expiry"`
	Strike        float64    `json:"strike"`
	CE            *OptionLeg `json:"CE"`
	PE            *OptionLeg `json:"PE"`
	PCR           float64    `json:"pcr,omitempty"`
	StraddlePrice float64    `json:"straddlePrice,omitempty"`
}

// StrikeRange is the min/max strike in a chain listing.
type StrikeRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ChainSummary is derived once per chain response.
type ChainSummary struct {
	TotalStrikes      int         `json:"totalStrikes"`
	TotalCallOptions  int         `json:"totalCallOptions"`
	TotalPutOptions   int         `json:"totalPutOptions"`
	AvailableExpiries []string    `json:"availableExpiries"`
	StrikeRange       StrikeRange `json:"strikeRange"`
}
