package optionchain

import (
	"context"
	"regexp"
	"strings"

	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/model"
)

const (
	liveSearchLimit     = 20
	liveContractLimit   = 10
	liveSearchThreshold = 10
)

var underlyingPrefix = regexp.MustCompile(`^([A-Z]+)`)

// SearchLive lists registered underlyings matching query as OPTION_CHAIN
// results. When that yields fewer than ten and a session is present, it adds
// up to ten NFO option contracts from the broker's scrip search. A failed
// upstream search leaves the static results in place.
func (r *Resolver) SearchLive(ctx context.Context, authToken, query string) []instruments.SearchResult {
	q := strings.ToUpper(strings.TrimSpace(query))
	out := make([]instruments.SearchResult, 0)
	if q == "" {
		return out
	}

	for _, u := range catalog.Underlyings() {
		if !strings.Contains(u.Symbol, q) && !strings.Contains(strings.ToUpper(u.Name), q) {
			continue
		}
		out = append(out, instruments.SearchResult{
			Token:    u.Token,
			Symbol:   u.Symbol,
			Name:     u.Name,
			Exchange: u.Exchange,
			Type:     instruments.TypeOptionChain,
			LotSize:  u.LotSize,
			Source:   instruments.SourceStatic,
		})
	}

	if len(out) >= liveSearchThreshold || authToken == "" || r.search == nil {
		return capResults(out)
	}

	matches, err := r.search.SearchScrip(ctx, authToken, model.ExchangeNFO, q)
	if err != nil {
		r.log.Info("live option search failed", "query", q, "error", err)
		return capResults(out)
	}
	added := 0
	for _, m := range matches {
		if added >= liveContractLimit {
			break
		}
		sym := strings.ToUpper(m.TradingSymbol)
		if !IsOptionSymbol(sym) {
			continue
		}
		res := instruments.SearchResult{
			Token:    m.SymbolToken,
			Symbol:   sym,
			Name:     sym,
			Exchange: model.ExchangeNFO,
			Type:     instruments.TypeOption,
			Source:   instruments.SourceUpstream,
		}
		if p := underlyingPrefix.FindStringSubmatch(sym); p != nil {
			res.Underlying = p[1]
			if c, ok := ParseContract(sym, p[1]); ok {
				res.Expiry = c.Expiry
				res.Strike = c.Strike
				res.OptionType = c.OptionType
			}
			if cfg, ok := catalog.Underlying(p[1]); ok {
				res.LotSize = cfg.LotSize
			}
		}
		out = append(out, res)
		added++
	}
	return capResults(out)
}

func capResults(out []instruments.SearchResult) []instruments.SearchResult {
	if len(out) > liveSearchLimit {
		return out[:liveSearchLimit]
	}
	return out
}
