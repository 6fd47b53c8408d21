package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"marketdata-engine/internal/apperr"
)

// Num decodes a JSON number that the broker sometimes sends as a string.
type Num float64

func (n *Num) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Num(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = Num(v)
	return nil
}

// RawQuote is one record of market/v1/quote data.fetched.
type RawQuote struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingSymbol"`
	SymbolToken   string `json:"symbolToken"`
	LTP           Num    `json:"ltp"`
	Open          Num    `json:"open"`
	High          Num    `json:"high"`
	Low           Num    `json:"low"`
	Close         Num    `json:"close"`
	NetChange     Num    `json:"netChange"`
	PercentChange Num    `json:"percentChange"`
	AvgPrice      Num    `json:"avgPrice"`
	TradeVolume   Num    `json:"tradeVolume"`
	OpenInterest  Num    `json:"opnInterest"`
	LowerCircuit  Num    `json:"lowerCircuit"`
	UpperCircuit  Num    `json:"upperCircuit"`
	WeekLow52     Num    `json:"52WeekLow"`
	WeekHigh52    Num    `json:"52WeekHigh"`
	ExchFeedTime  string `json:"exchFeedTime"`
}

// UnfetchedQuote names a token the broker could not price.
type UnfetchedQuote struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symbolToken"`
	Message     string `json:"message"`
	ErrorCode   string `json:"errorCode"`
}

// QuoteResponse is market/v1/quote data.
type QuoteResponse struct {
	Fetched   []RawQuote       `json:"fetched"`
	Unfetched []UnfetchedQuote `json:"unfetched"`
}

// GetMarketData fetches quotes for exchangeTokens ({"NSE": ["3045"]}) in one
// batched call. mode is FULL, OHLC or LTP.
func (sc *SmartConnect) GetMarketData(ctx context.Context, authToken, mode string, exchangeTokens map[string][]string) (*QuoteResponse, error) {
	params := map[string]any{"mode": mode, "exchangeTokens": exchangeTokens}
	var out QuoteResponse
	err := sc.guarded("smartconnect.GetMarketData", func() error {
		return sc.doRequest(ctx, http.MethodPost, "api.market.data", authToken, params, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ScripMatch is one searchScrip hit.
type ScripMatch struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

// SearchScrip looks up contracts on exchange whose trading symbol matches query.
// A search with no hits returns an empty slice, not an error.
func (sc *SmartConnect) SearchScrip(ctx context.Context, authToken, exchange, query string) ([]ScripMatch, error) {
	params := map[string]any{"exchange": exchange, "searchscrip": query}
	var out []ScripMatch
	err := sc.guarded("smartconnect.SearchScrip", func() error {
		var raw json.RawMessage
		if err := sc.doRequest(ctx, http.MethodPost, "api.search.scrip", authToken, params, &raw); err != nil {
			return err
		}
		if err := decodeMatches(raw, &out); err != nil {
			return apperr.Wrapf(apperr.UpstreamMalformed, "smartconnect.SearchScrip", err, "unexpected data shape")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// The broker answers an empty search with a message and an empty or
// non-array data field.
func decodeMatches(raw json.RawMessage, out *[]ScripMatch) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		*out = []ScripMatch{}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}
	return nil
}
