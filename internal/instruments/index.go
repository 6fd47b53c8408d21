package instruments

import (
	"strconv"
	"strings"
	"time"

	"marketdata-engine/internal/model"
	"marketdata-engine/pkg/smartconnect"
)

// index is an immutable snapshot of the universe. A refresh builds a new one
// and swaps it in; nothing mutates an installed index.
type index struct {
	all      []model.Instrument
	byToken  map[string]int // token -> position in all, best-ranked listing
	byExch   map[string]int // "EXCHANGE:token" -> position in all
	bySymbol map[string]int // upper-case symbol -> position in all
	builtAt  time.Time

	equities map[string]int // per exchange
	options  int            // NFO
	futures  int            // NFO
}

// FromRecords normalizes scrip master rows. Rows without a token or symbol
// are skipped.
func FromRecords(records []smartconnect.ScripRecord) []model.Instrument {
	out := make([]model.Instrument, 0, len(records))
	for _, r := range records {
		if inst, ok := normalize(r); ok {
			out = append(out, inst)
		}
	}
	return out
}

func normalize(r smartconnect.ScripRecord) (model.Instrument, bool) {
	token := strings.TrimSpace(r.Token)
	symbol := strings.TrimSpace(r.Symbol)
	if token == "" || symbol == "" {
		return model.Instrument{}, false
	}
	exch := strings.ToUpper(strings.TrimSpace(r.ExchSeg))
	typ := strings.ToUpper(strings.TrimSpace(r.InstrumentType))
	if typ == "" && (exch == model.ExchangeNSE || exch == model.ExchangeBSE) {
		typ = model.TypeEquity
	}

	inst := model.Instrument{
		Token:          token,
		Symbol:         symbol,
		Name:           strings.TrimSpace(r.Name),
		Exchange:       exch,
		InstrumentType: typ,
		LotSize:        int(parseFloat(r.LotSize)),
		Expiry:         strings.TrimSpace(r.Expiry),
	}
	// Strikes and tick sizes are quoted in paise.
	if s := parseFloat(r.Strike); s > 0 {
		inst.Strike = model.Round2(s / 100)
	}
	if ts := parseFloat(r.TickSize); ts > 0 {
		inst.TickSize = model.Round2(ts / 100)
	}
	return inst, true
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// rank orders competing records for the same token or symbol. Lower wins:
// the primary (NSE) equity listing beats BSE, which beats derivatives.
func rank(inst *model.Instrument) int {
	switch {
	case inst.Exchange == model.ExchangeNSE && inst.IsEquity():
		return 0
	case inst.Exchange == model.ExchangeBSE && inst.IsEquity():
		return 1
	case inst.Exchange == model.ExchangeNSE:
		return 2
	case inst.Exchange == model.ExchangeBSE:
		return 3
	case inst.Exchange == model.ExchangeNFO:
		return 4
	default:
		return 5
	}
}

func buildIndex(all []model.Instrument, now time.Time) *index {
	idx := &index{
		all:      all,
		byToken:  make(map[string]int, len(all)),
		byExch:   make(map[string]int, len(all)),
		bySymbol: make(map[string]int, len(all)),
		builtAt:  now,
		equities: make(map[string]int),
	}
	put := func(m map[string]int, key string, i int) {
		if cur, ok := m[key]; ok && rank(&idx.all[cur]) <= rank(&idx.all[i]) {
			return
		}
		m[key] = i
	}

	for i := range all {
		inst := &all[i]
		put(idx.byToken, inst.Token, i)
		put(idx.byExch, exchKey(inst.Exchange, inst.Token), i)
		put(idx.bySymbol, strings.ToUpper(inst.Symbol), i)
		if inst.IsEquity() {
			if base := strings.ToUpper(inst.BaseSymbol()); base != strings.ToUpper(inst.Symbol) {
				put(idx.bySymbol, base, i)
			}
			idx.equities[inst.Exchange]++
		}
		if inst.Exchange == model.ExchangeNFO {
			switch {
			case inst.IsOption():
				idx.options++
			case inst.IsFuture():
				idx.futures++
			}
		}
	}
	return idx
}

func (idx *index) token(t string) (model.Instrument, bool) {
	if idx == nil {
		return model.Instrument{}, false
	}
	i, ok := idx.byToken[t]
	if !ok {
		return model.Instrument{}, false
	}
	return idx.all[i], true
}

// Tokens are unique only within an exchange segment.
func exchKey(exchange, token string) string {
	return strings.ToUpper(strings.TrimSpace(exchange)) + ":" + strings.TrimSpace(token)
}

func (idx *index) exchangeToken(exchange, token string) (model.Instrument, bool) {
	if idx == nil {
		return model.Instrument{}, false
	}
	i, ok := idx.byExch[exchKey(exchange, token)]
	if !ok {
		return model.Instrument{}, false
	}
	return idx.all[i], true
}

func (idx *index) symbol(s string) (model.Instrument, bool) {
	if idx == nil {
		return model.Instrument{}, false
	}
	i, ok := idx.bySymbol[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return model.Instrument{}, false
	}
	return idx.all[i], true
}
