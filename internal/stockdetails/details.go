// Package stockdetails assembles the per-symbol view the dashboard opens on:
// identity, price ranges from a FULL quote, listed derivatives, and the
// option chain when the symbol has one.
package stockdetails

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
)

type Directory interface {
	BySymbol(symbol string) (model.Instrument, bool)
	Search(query string, opts instruments.SearchOptions) []instruments.SearchResult
	Lookup(symbol string) (model.Instrument, error)
	Derivatives(symbol string) instruments.Derivatives
}

type Quotes interface {
	QuoteFor(ctx context.Context, authToken, exchange, token string) (model.Quote, error)
}

type Chains interface {
	FetchChain(ctx context.Context, authToken, underlying string) (optionchain.FetchResult, error)
	Chain(underlying, expiry string) optionchain.ChainView
}

type Basic struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Exchange       string `json:"exchange"`
	InstrumentType string `json:"instrumentType"`
	LotSize        int    `json:"lotSize"`
}

type Current struct {
	LTP           float64   `json:"ltp"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Volume        int64     `json:"volume"`
	AvgPrice      float64   `json:"avgPrice"`
	Timestamp     time.Time `json:"timestamp"`
}

type Today struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type Yearly struct {
	High52Week           float64 `json:"high52Week"`
	Low52Week            float64 `json:"low52Week"`
	ChangeFrom52WeekHigh float64 `json:"changeFrom52WeekHigh"`
	ChangeFrom52WeekLow  float64 `json:"changeFrom52WeekLow"`
}

type Circuits struct {
	Upper float64 `json:"upperCircuit"`
	Lower float64 `json:"lowerCircuit"`
}

// Range is an estimated high/low band with the current price's distance
// from each edge in percent.
type Range struct {
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	ChangeFromHigh float64 `json:"changeFromHigh"`
	ChangeFromLow  float64 `json:"changeFromLow"`
}

type PriceRanges struct {
	Current  Current  `json:"current"`
	Today    Today    `json:"today"`
	Yearly   Yearly   `json:"yearly"`
	Circuits Circuits `json:"circuits"`
	Weekly   *Range   `json:"weekly,omitempty"`
	Monthly  *Range   `json:"monthly,omitempty"`
}

type OptionChain struct {
	Source  string             `json:"source"`
	Entries []model.ChainEntry `json:"entries"`
	Summary model.ChainSummary `json:"summary"`
}

type Details struct {
	Basic       Basic                   `json:"basic"`
	PriceRanges *PriceRanges            `json:"priceRanges"`
	Derivatives instruments.Derivatives `json:"derivatives"`
	OptionChain *OptionChain            `json:"optionChain,omitempty"`
}

type Service struct {
	dir    Directory
	quotes Quotes
	chains Chains
	log    *slog.Logger
}

func New(dir Directory, quotes Quotes, chains Chains, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{dir: dir, quotes: quotes, chains: chains, log: logger.With("component", "stockdetails")}
}

// Details resolves symbol exactly, then by partial match (index and curated
// list), and fails with InstrumentNotFound plus suggestions otherwise. Live
// parts are best-effort: without a session, or when the quote fails, the
// price ranges are nil.
func (s *Service) Details(ctx context.Context, authToken, symbol string) (Details, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	inst, err := s.resolve(sym)
	if err != nil {
		return Details{}, err
	}

	base := inst.Symbol
	if inst.IsEquity() {
		base = inst.BaseSymbol()
	}
	d := Details{
		Basic: Basic{
			Token:          inst.Token,
			Symbol:         inst.Symbol,
			Name:           inst.Name,
			Exchange:       inst.Exchange,
			InstrumentType: inst.InstrumentType,
			LotSize:        max(inst.LotSize, 1),
		},
		Derivatives: s.dir.Derivatives(base),
	}
	if d.Basic.Name == "" {
		d.Basic.Name = inst.Symbol
	}

	if authToken == "" {
		return d, nil
	}
	q, err := s.quotes.QuoteFor(ctx, authToken, inst.Exchange, inst.Token)
	if err != nil {
		s.log.Warn("price ranges unavailable", "symbol", inst.Symbol, "error", err)
	} else {
		d.PriceRanges = Ranges(q)
	}

	if d.Derivatives.HasOptions || catalog.IsUnderlying(base) {
		if _, err := s.chains.FetchChain(ctx, authToken, base); err != nil {
			if !apperr.IsNotFound(err) {
				s.log.Warn("option chain unavailable", "symbol", base, "error", err)
			}
		} else {
			v := s.chains.Chain(base, "")
			d.OptionChain = &OptionChain{Source: v.Source, Entries: v.Entries, Summary: v.Summary}
		}
	}
	return d, nil
}

func (s *Service) resolve(sym string) (model.Instrument, error) {
	if sym == "" {
		return model.Instrument{}, apperr.New(apperr.InstrumentNotFound, "stockdetails.Details", "symbol is required")
	}
	if inst, ok := s.dir.BySymbol(sym); ok {
		return inst, nil
	}
	partial := s.dir.Search(sym, instruments.SearchOptions{
		Limit:           1,
		Exchanges:       []string{model.ExchangeNSE, model.ExchangeBSE},
		InstrumentTypes: []string{model.TypeEquity},
	})
	if len(partial) > 0 {
		r := partial[0]
		return model.Instrument{
			Token:          r.Token,
			Symbol:         r.Symbol,
			Name:           r.Name,
			Exchange:       r.Exchange,
			InstrumentType: model.TypeEquity,
			LotSize:        r.LotSize,
		}, nil
	}
	_, err := s.dir.Lookup(sym)
	if err == nil {
		err = apperr.New(apperr.InstrumentNotFound, "stockdetails.Details", "stock "+sym+" not found")
	}
	return model.Instrument{}, err
}

// Ranges derives the price bands from a FULL quote. Weekly (±5%) and monthly
// (±12%) bands are estimates clamped to the 52-week range when it is known.
func Ranges(q model.Quote) *PriceRanges {
	pr := &PriceRanges{
		Current: Current{
			LTP:           q.LTP,
			Change:        q.Change,
			ChangePercent: q.ChangePercent,
			Volume:        q.Volume,
			AvgPrice:      q.AvgPrice,
			Timestamp:     q.Timestamp,
		},
		Today: Today{Open: q.Open, High: q.High, Low: q.Low, Close: q.Close, Volume: q.Volume},
		Yearly: Yearly{
			High52Week:           q.WeekHigh52,
			Low52Week:            q.WeekLow52,
			ChangeFrom52WeekHigh: pctFrom(q.LTP, q.WeekHigh52),
			ChangeFrom52WeekLow:  pctFrom(q.LTP, q.WeekLow52),
		},
		Circuits: Circuits{Upper: q.UpperCircuit, Lower: q.LowerCircuit},
	}
	if q.LTP <= 0 {
		return pr
	}

	monthHigh := capAt(q.LTP*1.12, q.WeekHigh52)
	monthLow := floorAt(q.LTP*0.88, q.WeekLow52)
	weekHigh := math.Min(monthHigh, q.LTP*1.05)
	weekLow := floorAt(q.LTP*0.95, q.WeekLow52)

	pr.Weekly = band(q.LTP, weekHigh, weekLow)
	pr.Monthly = band(q.LTP, monthHigh, monthLow)
	return pr
}

func band(ltp, high, low float64) *Range {
	return &Range{
		High:           model.Round2(high),
		Low:            model.Round2(low),
		ChangeFromHigh: pctFrom(ltp, high),
		ChangeFromLow:  pctFrom(ltp, low),
	}
}

func capAt(v, limit float64) float64 {
	if limit > 0 {
		return math.Min(v, limit)
	}
	return v
}

func floorAt(v, limit float64) float64 {
	if limit > 0 {
		return math.Max(v, limit)
	}
	return v
}

func pctFrom(v, ref float64) float64 {
	if ref <= 0 {
		return 0
	}
	return model.Round2((v - ref) / ref * 100)
}
