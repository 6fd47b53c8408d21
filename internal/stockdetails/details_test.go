package stockdetails

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/optionchain"
)

type fakeDirectory struct {
	bySymbol map[string]model.Instrument
	search   []instruments.SearchResult
	derivs   instruments.Derivatives
}

func (f *fakeDirectory) BySymbol(symbol string) (model.Instrument, bool) {
	inst, ok := f.bySymbol[symbol]
	return inst, ok
}

func (f *fakeDirectory) Search(query string, opts instruments.SearchOptions) []instruments.SearchResult {
	var out []instruments.SearchResult
	for _, r := range f.search {
		if strings.Contains(r.Symbol, query) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeDirectory) Lookup(symbol string) (model.Instrument, error) {
	if inst, ok := f.bySymbol[symbol]; ok {
		return inst, nil
	}
	e := apperr.New(apperr.InstrumentNotFound, "instruments.Lookup", "not found")
	e.Suggestions = []string{"RELIANCE"}
	return model.Instrument{}, e
}

func (f *fakeDirectory) Derivatives(symbol string) instruments.Derivatives {
	d := f.derivs
	d.Symbol = symbol
	return d
}

type fakeQuotes struct {
	q     model.Quote
	err   error
	calls int
}

func (f *fakeQuotes) QuoteFor(ctx context.Context, authToken, exchange, token string) (model.Quote, error) {
	f.calls++
	return f.q, f.err
}

type fakeChains struct {
	err     error
	fetched []string
}

func (f *fakeChains) FetchChain(ctx context.Context, authToken, underlying string) (optionchain.FetchResult, error) {
	f.fetched = append(f.fetched, underlying)
	if f.err != nil {
		return optionchain.FetchResult{}, f.err
	}
	return optionchain.FetchResult{Underlying: underlying, Source: model.SourceSearchQuote}, nil
}

func (f *fakeChains) Chain(underlying, exp string) optionchain.ChainView {
	return optionchain.ChainView{
		Underlying: underlying,
		Source:     model.SourceSearchQuote,
		Entries:    []model.ChainEntry{{Underlying: underlying, Expiry: "31JUL25", Strike: 3000}},
		Summary:    model.ChainSummary{TotalStrikes: 1},
	}
}

var reliance = model.Instrument{
	Token: "2885", Symbol: "RELIANCE-EQ", Name: "RELIANCE", Exchange: "NSE", InstrumentType: model.TypeEquity, LotSize: 1,
}

func relianceQuote() model.Quote {
	return model.Quote{
		Token: "2885", LTP: 1000, Change: 10, ChangePercent: 1.01,
		Open: 990, High: 1010, Low: 985, Close: 990, Volume: 12345, AvgPrice: 998.5,
		UpperCircuit: 1089, LowerCircuit: 891, WeekHigh52: 1100, WeekLow52: 800,
		Timestamp: time.Date(2025, 7, 21, 10, 0, 0, 0, time.UTC),
	}
}

func newTestService() (*Service, *fakeDirectory, *fakeQuotes, *fakeChains) {
	dir := &fakeDirectory{
		bySymbol: map[string]model.Instrument{"RELIANCE-EQ": reliance},
		search: []instruments.SearchResult{
			{Token: "2885", Symbol: "RELIANCE-EQ", Name: "RELIANCE", Exchange: "NSE", Type: instruments.TypeEquity, LotSize: 1},
		},
		derivs: instruments.Derivatives{HasOptions: true, OptionsCount: 40, Expiries: []string{"31JUL25"}},
	}
	q := &fakeQuotes{q: relianceQuote()}
	ch := &fakeChains{}
	return New(dir, q, ch, nil), dir, q, ch
}

func TestDetails_PartialMatch(t *testing.T) {
	svc, _, _, ch := newTestService()
	d, err := svc.Details(context.Background(), "jwt", "reliance")
	if err != nil {
		t.Fatalf("Details: %v", err)
	}
	if d.Basic.Symbol != "RELIANCE-EQ" || d.Basic.Token != "2885" {
		t.Errorf("basic = %+v", d.Basic)
	}
	if d.Derivatives.Symbol != "RELIANCE" || !d.Derivatives.HasOptions {
		t.Errorf("derivatives = %+v", d.Derivatives)
	}
	if d.PriceRanges == nil || d.PriceRanges.Current.LTP != 1000 {
		t.Fatalf("price ranges = %+v", d.PriceRanges)
	}
	if d.OptionChain == nil || len(d.OptionChain.Entries) != 1 {
		t.Errorf("option chain = %+v", d.OptionChain)
	}
	if len(ch.fetched) != 1 || ch.fetched[0] != "RELIANCE" {
		t.Errorf("fetched = %v", ch.fetched)
	}
}

func TestDetails_NoSession(t *testing.T) {
	svc, _, q, ch := newTestService()
	d, err := svc.Details(context.Background(), "", "RELIANCE-EQ")
	if err != nil {
		t.Fatal(err)
	}
	if d.PriceRanges != nil || d.OptionChain != nil {
		t.Errorf("live sections without a session: %+v", d)
	}
	if q.calls != 0 || len(ch.fetched) != 0 {
		t.Errorf("upstream called without a session")
	}
}

func TestDetails_QuoteFailureIsBestEffort(t *testing.T) {
	svc, _, q, ch := newTestService()
	q.err = apperr.New(apperr.UpstreamTimeout, "quotes.GetQuotes", "timeout")
	ch.err = apperr.New(apperr.UpstreamUnavailable, "optionchain.FetchChain", "down")

	d, err := svc.Details(context.Background(), "jwt", "RELIANCE-EQ")
	if err != nil {
		t.Fatal(err)
	}
	if d.PriceRanges != nil || d.OptionChain != nil {
		t.Errorf("got live sections after failures: %+v", d)
	}
	if d.Basic.Symbol != "RELIANCE-EQ" {
		t.Errorf("basic = %+v", d.Basic)
	}
}

func TestDetails_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Details(context.Background(), "jwt", "ZZZZ")
	if !apperr.Is(err, apperr.InstrumentNotFound) {
		t.Fatalf("err = %v", err)
	}
	var e *apperr.Error
	if !errors.As(err, &e) || len(e.Suggestions) == 0 {
		t.Errorf("suggestions missing: %v", err)
	}

	if _, err := svc.Details(context.Background(), "jwt", "  "); !apperr.Is(err, apperr.InstrumentNotFound) {
		t.Errorf("blank symbol: %v", err)
	}
}

func TestRanges(t *testing.T) {
	pr := Ranges(relianceQuote())

	if pr.Yearly.ChangeFrom52WeekHigh != -9.09 || pr.Yearly.ChangeFrom52WeekLow != 25 {
		t.Errorf("yearly = %+v", pr.Yearly)
	}
	if pr.Circuits.Upper != 1089 || pr.Circuits.Lower != 891 {
		t.Errorf("circuits = %+v", pr.Circuits)
	}
	if pr.Today.Volume != 12345 || pr.Current.AvgPrice != 998.5 {
		t.Errorf("today/current = %+v %+v", pr.Today, pr.Current)
	}

	// 52w high 1100 caps monthly at 1100 (not 1120); low 880 stays above 800.
	if pr.Monthly.High != 1100 || pr.Monthly.Low != 880 {
		t.Errorf("monthly = %+v", pr.Monthly)
	}
	if pr.Weekly.High != 1050 || pr.Weekly.Low != 950 {
		t.Errorf("weekly = %+v", pr.Weekly)
	}
	if pr.Weekly.ChangeFromHigh != -4.76 || pr.Weekly.ChangeFromLow != 5.26 {
		t.Errorf("weekly pct = %+v", pr.Weekly)
	}
}

func TestRanges_ClampedToYearly(t *testing.T) {
	q := relianceQuote()
	q.WeekHigh52 = 1020
	q.WeekLow52 = 970
	pr := Ranges(q)
	if pr.Weekly.High != 1020 || pr.Weekly.Low != 970 {
		t.Errorf("weekly = %+v", pr.Weekly)
	}
	if pr.Monthly.High != 1020 || pr.Monthly.Low != 970 {
		t.Errorf("monthly = %+v", pr.Monthly)
	}
}

func TestRanges_NoPrice(t *testing.T) {
	pr := Ranges(model.Quote{})
	if pr.Weekly != nil || pr.Monthly != nil {
		t.Errorf("bands without ltp: %+v", pr)
	}
	if pr.Yearly.ChangeFrom52WeekHigh != 0 {
		t.Errorf("yearly = %+v", pr.Yearly)
	}
}
