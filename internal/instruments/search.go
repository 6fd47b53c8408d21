package instruments

import (
	"regexp"
	"sort"
	"strings"

	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/expiry"
	"marketdata-engine/internal/model"
)

// Result types reported to clients.
const (
	TypeEquity      = "EQUITY"
	TypeOption      = "OPTION"
	TypeFuture      = "FUTURE"
	TypeOptionChain = "OPTION_CHAIN"
)

// Result sources.
const (
	SourceStatic   = "static_config"
	SourceUpstream = "angel_api"
)

const defaultSearchLimit = 50

var (
	defaultExchanges = []string{model.ExchangeNSE, model.ExchangeBSE, model.ExchangeNFO}
	defaultTypes     = []string{
		model.TypeEquity,
		model.TypeIndexOption, model.TypeStockOption,
		model.TypeIndexFuture, model.TypeStockFuture,
	}
	leadingLetters = regexp.MustCompile(`^([A-Z]+)`)
)

// SearchOptions narrows a search. Zero values take the defaults.
type SearchOptions struct {
	Limit           int
	Exchanges       []string
	InstrumentTypes []string
	IncludeExpired  bool
}

// SearchResult is one search hit.
type SearchResult struct {
	Token          string  `json:"token"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Exchange       string  `json:"exchange"`
	InstrumentType string  `json:"instrumentType,omitempty"`
	Type           string  `json:"type"`
	LotSize        int     `json:"lotSize"`
	Expiry         string  `json:"expiry,omitempty"`
	Strike         float64 `json:"strike,omitempty"`
	OptionType     string  `json:"optionType,omitempty"`
	Underlying     string  `json:"underlying,omitempty"`
	Source         string  `json:"source"`
}

func toSet(vals []string, def []string) map[string]bool {
	if len(vals) == 0 {
		vals = def
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[strings.ToUpper(strings.TrimSpace(v))] = true
	}
	return m
}

// resultType maps an instrument to the client-facing type. Equities that
// back an option chain are reported as OPTION_CHAIN.
func resultType(inst *model.Instrument) string {
	switch {
	case inst.IsOption():
		return TypeOption
	case inst.IsFuture():
		return TypeFuture
	case inst.IsEquity() && catalog.IsUnderlying(inst.BaseSymbol()):
		return TypeOptionChain
	default:
		return TypeEquity
	}
}

func fromInstrument(inst *model.Instrument, source string) SearchResult {
	return SearchResult{
		Token:          inst.Token,
		Symbol:         inst.Symbol,
		Name:           inst.Name,
		Exchange:       inst.Exchange,
		InstrumentType: inst.InstrumentType,
		Type:           resultType(inst),
		LotSize:        inst.LotSize,
		Expiry:         inst.Expiry,
		Strike:         inst.Strike,
		Source:         source,
	}
}

// Search finds instruments whose symbol or name contains query. Curated
// entries come first, then the universe in index order. Queries shorter than
// two characters return nothing.
func (d *Directory) Search(query string, opts SearchOptions) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if len(q) < 2 {
		return nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	exchanges := toSet(opts.Exchanges, defaultExchanges)
	types := toSet(opts.InstrumentTypes, defaultTypes)
	now := d.now()

	out := make([]SearchResult, 0, min(limit, 64))
	seen := make(map[string]bool)

	type staticKey struct{ token, typ string }
	seenStatic := make(map[staticKey]bool)
	for _, m := range catalog.Search(q) {
		if len(out) >= limit {
			return out
		}
		if !exchanges[m.Exchange] || !staticTypeAllowed(m.Type, types) {
			continue
		}
		k := staticKey{m.Token, m.Type}
		if seenStatic[k] {
			continue
		}
		seenStatic[k] = true
		seen[m.Token] = true
		out = append(out, SearchResult{
			Token:    m.Token,
			Symbol:   m.Symbol,
			Name:     m.Name,
			Exchange: m.Exchange,
			Type:     m.Type,
			LotSize:  m.LotSize,
			Source:   SourceStatic,
		})
	}

	idx := d.idx.Load()
	if idx == nil {
		return out
	}
	for i := range idx.all {
		if len(out) >= limit {
			break
		}
		inst := &idx.all[i]
		if seen[inst.Token] || !exchanges[inst.Exchange] || !types[inst.InstrumentType] {
			continue
		}
		if !opts.IncludeExpired && inst.Expiry != "" && expiry.Expired(inst.Expiry, now) {
			continue
		}
		if !strings.Contains(strings.ToLower(inst.Symbol), q) && !strings.Contains(strings.ToLower(inst.Name), q) {
			continue
		}
		seen[inst.Token] = true
		out = append(out, fromInstrument(inst, SourceUpstream))
	}
	return out
}

func staticTypeAllowed(typ string, types map[string]bool) bool {
	if typ == TypeOptionChain {
		return types[model.TypeIndexOption] || types[model.TypeStockOption]
	}
	return types[model.TypeEquity]
}

// DefaultUniverse returns the tokens the periodic quote fetch covers: the
// curated NSE/NFO tokens plus up to 50 more NSE equities from the index.
func (d *Directory) DefaultUniverse() map[string][]string {
	out := catalog.DefaultTokens()
	have := make(map[string]bool)
	for _, t := range out[model.ExchangeNSE] {
		have[t] = true
	}
	extra := 0
	if idx := d.idx.Load(); idx != nil {
		for i := range idx.all {
			if extra >= 50 {
				break
			}
			inst := &idx.all[i]
			if inst.Exchange != model.ExchangeNSE || !inst.IsEquity() || have[inst.Token] {
				continue
			}
			have[inst.Token] = true
			out[model.ExchangeNSE] = append(out[model.ExchangeNSE], inst.Token)
			extra++
		}
	}
	return out
}

// TokensByExchange lists tokens on exchange, optionally of one instrument type.
// limit <= 0 means no limit.
func (d *Directory) TokensByExchange(exchange, instrumentType string, limit int) []string {
	idx := d.idx.Load()
	if idx == nil {
		return nil
	}
	exchange = strings.ToUpper(exchange)
	instrumentType = strings.ToUpper(instrumentType)
	var out []string
	for i := range idx.all {
		inst := &idx.all[i]
		if inst.Exchange != exchange || (instrumentType != "" && inst.InstrumentType != instrumentType) {
			continue
		}
		out = append(out, inst.Token)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EquityStocks lists equities on exchange in index order.
func (d *Directory) EquityStocks(exchange string, limit int) []SearchResult {
	idx := d.idx.Load()
	if idx == nil {
		return nil
	}
	exchange = strings.ToUpper(exchange)
	var out []SearchResult
	for i := range idx.all {
		inst := &idx.all[i]
		if inst.Exchange != exchange || !inst.IsEquity() {
			continue
		}
		out = append(out, fromInstrument(inst, SourceUpstream))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// OptionUnderlyings returns the curated option registry followed by any other
// underlyings that have live option contracts in the index.
func (d *Directory) OptionUnderlyings() []model.Underlying {
	out := catalog.Underlyings()
	idx := d.idx.Load()
	if idx == nil {
		return out
	}
	seen := make(map[string]bool, len(out))
	for _, u := range out {
		seen[u.Symbol] = true
	}
	var discovered []model.Underlying
	for i := range idx.all {
		inst := &idx.all[i]
		if !inst.IsOption() {
			continue
		}
		m := leadingLetters.FindStringSubmatch(strings.ToUpper(inst.Symbol))
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		u := model.Underlying{
			Symbol:   m[1],
			Name:     inst.Name,
			Exchange: inst.Exchange,
			LotSize:  inst.LotSize,
			Type:     "OPTION_UNDERLYING",
			Source:   "discovered",
		}
		if eq, ok := idx.symbol(m[1]); ok && eq.IsEquity() {
			u.Token = eq.Token
			u.Name = eq.Name
		}
		discovered = append(discovered, u)
	}
	sort.Slice(discovered, func(i, j int) bool { return discovered[i].Symbol < discovered[j].Symbol })
	return append(out, discovered...)
}

// Derivatives summarizes the futures and options listed on symbol.
type Derivatives struct {
	Symbol       string         `json:"symbol"`
	HasFutures   bool           `json:"hasFutures"`
	HasOptions   bool           `json:"hasOptions"`
	FuturesCount int            `json:"futuresCount"`
	OptionsCount int            `json:"optionsCount"`
	Futures      []SearchResult `json:"futures"`
	Expiries     []string       `json:"expiries"`
}

const maxListedFutures = 10

// Derivatives finds unexpired contracts whose trading symbol is symbol
// followed by an expiry code. Expiries are sorted by calendar date.
func (d *Directory) Derivatives(symbol string) Derivatives {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	out := Derivatives{Symbol: sym, Futures: []SearchResult{}, Expiries: []string{}}
	idx := d.idx.Load()
	if idx == nil || sym == "" {
		return out
	}
	now := d.now()
	expiries := make(map[string]bool)
	for i := range idx.all {
		inst := &idx.all[i]
		if !inst.IsFuture() && !inst.IsOption() {
			continue
		}
		if !isContractOf(inst.Symbol, sym) || expiry.Expired(inst.Expiry, now) {
			continue
		}
		if inst.IsFuture() {
			out.FuturesCount++
			if len(out.Futures) < maxListedFutures {
				out.Futures = append(out.Futures, fromInstrument(inst, SourceUpstream))
			}
		} else {
			out.OptionsCount++
		}
		if inst.Expiry != "" {
			expiries[inst.Expiry] = true
		}
	}
	out.HasFutures = out.FuturesCount > 0
	out.HasOptions = out.OptionsCount > 0
	for e := range expiries {
		out.Expiries = append(out.Expiries, e)
	}
	expiry.Sort(out.Expiries, now)
	return out
}

// isContractOf reports whether a derivative symbol belongs to underlying:
// "NIFTY31JUL25FUT" belongs to NIFTY, "NIFTYIT31JUL25FUT" does not.
func isContractOf(contract, underlying string) bool {
	c := strings.ToUpper(contract)
	if !strings.HasPrefix(c, underlying) || len(c) == len(underlying) {
		return false
	}
	next := c[len(underlying)]
	return next >= '0' && next <= '9'
}

// Suggest returns equities sharing the first four characters of partial,
// curated entries first.
func (d *Directory) Suggest(partial string, limit int) []SearchResult {
	p := strings.ToUpper(strings.TrimSpace(partial))
	if p == "" {
		return nil
	}
	if len(p) > 4 {
		p = p[:4]
	}
	if limit <= 0 {
		limit = 5
	}

	var out []SearchResult
	seen := make(map[string]bool)
	for _, s := range catalog.NSEStocks() {
		if len(out) >= limit {
			return out
		}
		if strings.HasPrefix(s.Symbol, p) {
			seen[s.Symbol] = true
			out = append(out, SearchResult{
				Token: s.Token, Symbol: s.Symbol, Name: s.Name,
				Exchange: model.ExchangeNSE, Type: TypeEquity, LotSize: 1, Source: SourceStatic,
			})
		}
	}

	idx := d.idx.Load()
	if idx == nil {
		return out
	}
	for i := range idx.all {
		if len(out) >= limit {
			break
		}
		inst := &idx.all[i]
		if !inst.IsEquity() {
			continue
		}
		base := strings.ToUpper(inst.BaseSymbol())
		if seen[base] || !strings.HasPrefix(base, p) {
			continue
		}
		seen[base] = true
		r := fromInstrument(inst, SourceUpstream)
		r.Symbol = base
		out = append(out, r)
	}
	return out
}
