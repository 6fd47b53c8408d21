package optionchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/model"
	"marketdata-engine/pkg/smartconnect"
)

// Request is what a strategy needs to build one underlying's chain.
type Request struct {
	Underlying string
	AuthToken  string
	Config     catalog.UnderlyingConfig
	Now        time.Time
}

// Outcome is a strategy's result. Every leg list carries the source that
// produced it, so live and synthetic legs are never confused.
type Outcome struct {
	Legs   []model.OptionLeg
	Source string
}

// Strategy is one way of obtaining a chain. The resolver tries strategies in
// order and keeps the first non-empty outcome.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, req Request) (Outcome, error)
}

// Searcher is the broker's scrip search.
type Searcher interface {
	SearchScrip(ctx context.Context, authToken, exchange, query string) ([]smartconnect.ScripMatch, error)
}

// QuoteSource is the broker's batched quote endpoint.
type QuoteSource interface {
	GetMarketData(ctx context.Context, authToken, mode string, exchangeTokens map[string][]string) (*smartconnect.QuoteResponse, error)
}

// Prober checks that the quote path is alive for one instrument.
type Prober interface {
	ProbeQuote(ctx context.Context, authToken, exchange, token string) error
}

// ErrNoContracts means a strategy ran but produced nothing usable.
var ErrNoContracts = errors.New("no option contracts found")

const defaultMaxSearchTokens = 100

// SearchStrategy discovers live contracts through scrip search and prices
// them with one batched FULL quote.
type SearchStrategy struct {
	Search    Searcher
	Quotes    QuoteSource
	MaxTokens int
}

func (s *SearchStrategy) Name() string { return "search" }

func (s *SearchStrategy) Fetch(ctx context.Context, req Request) (Outcome, error) {
	matches, err := s.Search.SearchScrip(ctx, req.AuthToken, model.ExchangeNFO, req.Underlying)
	if err != nil {
		return Outcome{}, err
	}

	limit := s.MaxTokens
	if limit <= 0 {
		limit = defaultMaxSearchTokens
	}
	byToken := make(map[string]Contract)
	tokens := make([]string, 0, limit)
	for _, m := range matches {
		if len(tokens) >= limit {
			break
		}
		sym := strings.ToUpper(m.TradingSymbol)
		if !strings.Contains(sym, req.Underlying) || !IsOptionSymbol(sym) {
			continue
		}
		c, ok := ParseContract(sym, req.Underlying)
		if !ok {
			continue
		}
		if _, dup := byToken[m.SymbolToken]; dup {
			continue
		}
		byToken[m.SymbolToken] = c
		tokens = append(tokens, m.SymbolToken)
	}
	if len(tokens) == 0 {
		return Outcome{}, fmt.Errorf("search %s: %w", req.Underlying, ErrNoContracts)
	}

	resp, err := s.Quotes.GetMarketData(ctx, req.AuthToken, model.ModeFull, map[string][]string{model.ExchangeNFO: tokens})
	if err != nil {
		return Outcome{}, err
	}

	legs := make([]model.OptionLeg, 0, len(resp.Fetched))
	for i := range resp.Fetched {
		raw := &resp.Fetched[i]
		c, ok := byToken[raw.SymbolToken]
		if !ok {
			continue
		}
		legs = append(legs, legFromQuote(raw, c, req))
	}
	if len(legs) == 0 {
		return Outcome{}, fmt.Errorf("quote %s contracts: %w", req.Underlying, ErrNoContracts)
	}
	return Outcome{Legs: legs, Source: model.SourceSearchQuote}, nil
}

func legFromQuote(raw *smartconnect.RawQuote, c Contract, req Request) model.OptionLeg {
	ltp := model.Round2(float64(raw.LTP))
	symbol := raw.TradingSymbol
	if symbol == "" {
		symbol = fmt.Sprintf("%s%s%.0f%s", c.Underlying, c.Expiry, c.Strike, c.OptionType)
	}
	return model.OptionLeg{
		Token:         raw.SymbolToken,
		Symbol:        symbol,
		Underlying:    c.Underlying,
		Strike:        c.Strike,
		OptionType:    c.OptionType,
		Expiry:        c.Expiry,
		LTP:           ltp,
		Price:         ltp,
		Change:        model.Round2(float64(raw.NetChange)),
		ChangePercent: model.Round2(float64(raw.PercentChange)),
		Open:          model.Round2(float64(raw.Open)),
		High:          model.Round2(float64(raw.High)),
		Low:           model.Round2(float64(raw.Low)),
		Close:         model.Round2(float64(raw.Close)),
		Volume:        int64(raw.TradeVolume),
		OpenInterest:  int64(raw.OpenInterest),
		LotSize:       req.Config.LotSize,
		Timestamp:     req.Now,
	}
}

// ProbeStrategy confirms the quote path answers for the underlying itself and
// then serves the synthetic ladder.
type ProbeStrategy struct {
	Probe Prober
}

func (s *ProbeStrategy) Name() string { return "probe" }

func (s *ProbeStrategy) Fetch(ctx context.Context, req Request) (Outcome, error) {
	if err := s.Probe.ProbeQuote(ctx, req.AuthToken, req.Config.Exchange, req.Config.Token); err != nil {
		return Outcome{}, err
	}
	return Outcome{Legs: SyntheticLegs(req.Underlying, req.Now), Source: model.SourceMockData}, nil
}

// SyntheticStrategy always succeeds with the synthetic ladder.
type SyntheticStrategy struct{}

func (SyntheticStrategy) Name() string { return "synthetic" }

func (SyntheticStrategy) Fetch(_ context.Context, req Request) (Outcome, error) {
	return Outcome{Legs: SyntheticLegs(req.Underlying, req.Now), Source: model.SourceMockData}, nil
}

// DefaultStrategies is the standard order: live search, probe, synthetic.
func DefaultStrategies(search Searcher, quotes QuoteSource, probe Prober) []Strategy {
	return []Strategy{
		&SearchStrategy{Search: search, Quotes: quotes},
		&ProbeStrategy{Probe: probe},
		SyntheticStrategy{},
	}
}
