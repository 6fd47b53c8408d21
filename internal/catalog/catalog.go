// Package catalog holds the curated static universe: the well-known equities
// that search always ranks first, the default NFO contracts, and the registry
// of underlyings that support an option chain.
package catalog

import (
	"sort"
	"strings"

	"marketdata-engine/internal/model"
)

// Stock is a curated allow-list entry.
type Stock struct {
	Token  string `json:"token"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// UnderlyingConfig describes an option-enabled underlying.
type UnderlyingConfig struct {
	Token    string
	Name     string
	LotSize  int
	Exchange string

	// Ladder parameters for synthetic chains.
	BasePrice  float64
	StrikeStep float64
}

var nseStocks = []Stock{
	{Token: "3045", Symbol: "SBIN", Name: "State Bank of India"},
	{Token: "881", Symbol: "RELIANCE", Name: "Reliance Industries Ltd"},
	{Token: "99926004", Symbol: "INFY", Name: "Infosys Ltd"},
	{Token: "2885", Symbol: "TCS", Name: "Tata Consultancy Services"},
	{Token: "1333", Symbol: "HDFCBANK", Name: "HDFC Bank Ltd"},
	{Token: "17963", Symbol: "ITC", Name: "ITC Ltd"},
	{Token: "11536", Symbol: "LT", Name: "Larsen & Toubro Ltd"},
	{Token: "1660", Symbol: "KOTAKBANK", Name: "Kotak Mahindra Bank"},
	{Token: "288", Symbol: "AXISBANK", Name: "Axis Bank Ltd"},
	{Token: "5633", Symbol: "MARUTI", Name: "Maruti Suzuki India Ltd"},
	{Token: "1594", Symbol: "ICICIBANK", Name: "ICICI Bank Ltd"},
	{Token: "10999", Symbol: "BHARTIARTL", Name: "Bharti Airtel Ltd"},
	{Token: "526", Symbol: "BAJFINANCE", Name: "Bajaj Finance Ltd"},
	{Token: "16675", Symbol: "ASIANPAINT", Name: "Asian Paints Ltd"},
	{Token: "1330", Symbol: "HDFC", Name: "Housing Development Finance Corporation Ltd"},
}

var nfoContracts = []Stock{
	{Token: "58662", Symbol: "NIFTY_JUN_FUT", Name: "Nifty June Future"},
}

// underlyingOrder fixes iteration order for listings.
var underlyingOrder = []string{
	"NIFTY", "BANKNIFTY", "FINNIFTY", "RELIANCE", "TCS",
	"HDFCBANK", "ICICIBANK", "INFY", "ITC", "SBIN",
}

var underlyings = map[string]UnderlyingConfig{
	"NIFTY":     {Token: "99926000", Name: "Nifty 50", LotSize: 25, Exchange: model.ExchangeNFO, BasePrice: 24000, StrikeStep: 50},
	"BANKNIFTY": {Token: "99926009", Name: "Bank Nifty", LotSize: 15, Exchange: model.ExchangeNFO, BasePrice: 51000, StrikeStep: 100},
	"FINNIFTY":  {Token: "99926037", Name: "Fin Nifty", LotSize: 40, Exchange: model.ExchangeNFO, BasePrice: 22000, StrikeStep: 50},
	"RELIANCE":  {Token: "881", Name: "Reliance Industries", LotSize: 250, Exchange: model.ExchangeNFO, BasePrice: 2800, StrikeStep: 50},
	"TCS":       {Token: "2885", Name: "Tata Consultancy Services", LotSize: 125, Exchange: model.ExchangeNFO, BasePrice: 4000, StrikeStep: 50},
	"HDFCBANK":  {Token: "1333", Name: "HDFC Bank", LotSize: 550, Exchange: model.ExchangeNFO, BasePrice: 1000, StrikeStep: 50},
	"ICICIBANK": {Token: "1594", Name: "ICICI Bank", LotSize: 1375, Exchange: model.ExchangeNFO, BasePrice: 1000, StrikeStep: 50},
	"INFY":      {Token: "99926004", Name: "Infosys", LotSize: 300, Exchange: model.ExchangeNFO, BasePrice: 1000, StrikeStep: 50},
	"ITC":       {Token: "17963", Name: "ITC", LotSize: 3200, Exchange: model.ExchangeNFO, BasePrice: 1000, StrikeStep: 50},
	"SBIN":      {Token: "3045", Name: "State Bank of India", LotSize: 1500, Exchange: model.ExchangeNFO, BasePrice: 1000, StrikeStep: 50},
}

// Default ladder for underlyings without explicit parameters.
const (
	DefaultBasePrice  = 1000
	DefaultStrikeStep = 50
)

// NSEStocks returns the curated NSE equities.
func NSEStocks() []Stock {
	out := make([]Stock, len(nseStocks))
	copy(out, nseStocks)
	return out
}

// NFOContracts returns the curated NFO contracts in the default universe.
func NFOContracts() []Stock {
	out := make([]Stock, len(nfoContracts))
	copy(out, nfoContracts)
	return out
}

// Underlying looks up an option-enabled underlying, case-insensitively.
func Underlying(symbol string) (UnderlyingConfig, bool) {
	u, ok := underlyings[strings.ToUpper(strings.TrimSpace(symbol))]
	return u, ok
}

// IsUnderlying reports whether symbol supports an option chain.
func IsUnderlying(symbol string) bool {
	_, ok := Underlying(symbol)
	return ok
}

// Underlyings lists the option registry in a fixed order.
func Underlyings() []model.Underlying {
	out := make([]model.Underlying, 0, len(underlyingOrder))
	for _, sym := range underlyingOrder {
		u := underlyings[sym]
		out = append(out, model.Underlying{
			Symbol:   sym,
			Token:    u.Token,
			Name:     u.Name,
			Exchange: u.Exchange,
			LotSize:  u.LotSize,
			Type:     "OPTION_UNDERLYING",
			Source:   "static_config",
		})
	}
	return out
}

// Ladder returns the synthetic base price and strike step for an underlying.
func Ladder(symbol string) (base, step float64) {
	if u, ok := Underlying(symbol); ok && u.BasePrice > 0 {
		return u.BasePrice, u.StrikeStep
	}
	return DefaultBasePrice, DefaultStrikeStep
}

// ByToken finds a curated equity or NFO contract by token.
func ByToken(token string) (model.Instrument, bool) {
	for _, s := range nseStocks {
		if s.Token == token {
			return s.instrument(model.ExchangeNSE, model.TypeEquity), true
		}
	}
	for _, s := range nfoContracts {
		if s.Token == token {
			return s.instrument(model.ExchangeNFO, model.TypeIndexFuture), true
		}
	}
	return model.Instrument{}, false
}

// ByExchangeToken finds a curated contract by token within one segment.
func ByExchangeToken(exchange, token string) (model.Instrument, bool) {
	switch strings.ToUpper(strings.TrimSpace(exchange)) {
	case model.ExchangeNSE:
		for _, s := range nseStocks {
			if s.Token == token {
				return s.instrument(model.ExchangeNSE, model.TypeEquity), true
			}
		}
	case model.ExchangeNFO:
		for _, s := range nfoContracts {
			if s.Token == token {
				return s.instrument(model.ExchangeNFO, model.TypeIndexFuture), true
			}
		}
	}
	return model.Instrument{}, false
}

// BySymbol finds a curated equity or NFO contract by symbol, case-insensitively.
func BySymbol(symbol string) (model.Instrument, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, s := range nseStocks {
		if s.Symbol == symbol {
			return s.instrument(model.ExchangeNSE, model.TypeEquity), true
		}
	}
	for _, s := range nfoContracts {
		if s.Symbol == symbol {
			return s.instrument(model.ExchangeNFO, model.TypeIndexFuture), true
		}
	}
	return model.Instrument{}, false
}

func (s Stock) instrument(exchange, typ string) model.Instrument {
	return model.Instrument{
		Token:          s.Token,
		Symbol:         s.Symbol,
		Name:           s.Name,
		Exchange:       exchange,
		InstrumentType: typ,
		LotSize:        1,
	}
}

// Match is a curated entry matching a search query.
type Match struct {
	Token    string
	Symbol   string
	Name     string
	Exchange string
	LotSize  int
	Type     string // "EQUITY" or "OPTION_CHAIN"
}

// Search matches the query against the curated equities and the option
// registry (case-insensitive substring on symbol or name).
func Search(query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Match
	for _, s := range nseStocks {
		if strings.Contains(strings.ToLower(s.Symbol), q) || strings.Contains(strings.ToLower(s.Name), q) {
			out = append(out, Match{Token: s.Token, Symbol: s.Symbol, Name: s.Name, Exchange: model.ExchangeNSE, LotSize: 1, Type: "EQUITY"})
		}
	}
	for _, sym := range underlyingOrder {
		u := underlyings[sym]
		if strings.Contains(strings.ToLower(sym), q) || strings.Contains(strings.ToLower(u.Name), q) {
			out = append(out, Match{Token: u.Token, Symbol: sym, Name: u.Name, Exchange: u.Exchange, LotSize: u.LotSize, Type: "OPTION_CHAIN"})
		}
	}
	return out
}

// DefaultTokens returns the curated tokens per segment, sorted.
func DefaultTokens() map[string][]string {
	out := map[string][]string{}
	for _, s := range nseStocks {
		out[model.ExchangeNSE] = append(out[model.ExchangeNSE], s.Token)
	}
	for _, s := range nfoContracts {
		out[model.ExchangeNFO] = append(out[model.ExchangeNFO], s.Token)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}
