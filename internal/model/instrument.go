package model

import "strings"

// Exchange segments as named by the scrip master (exch_seg).
const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"
	ExchangeNFO = "NFO"
	ExchangeMCX = "MCX"
	ExchangeCDS = "CDS"
)

// Instrument types as named by the scrip master (instrumenttype).
const (
	TypeEquity      = "EQ"
	TypeIndexOption = "OPTIDX"
	TypeStockOption = "OPTSTK"
	TypeIndexFuture = "FUTIDX"
	TypeStockFuture = "FUTSTK"
)

// Instrument represents one tradable contract from the scrip master.
// Instruments are immutable once indexed; a refresh replaces the whole set.
type Instrument struct {
	Token          string  `json:"token"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Exchange       string  `json:"exchange"`
	InstrumentType string  `json:"instrumentType"`
	LotSize        int     `json:"lotSize"`
	Expiry         string  `json:"expiry,omitempty"` // raw upstream string, e.g. "31JUL2025"
	Strike         float64 `json:"strike,omitempty"` // rupees
	TickSize       float64 `json:"tickSize,omitempty"`
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}

// BaseSymbol strips the series suffix NSE attaches to cash symbols ("SBIN-EQ" -> "SBIN").
func (i *Instrument) BaseSymbol() string {
	if k := strings.LastIndexByte(i.Symbol, '-'); k > 0 {
		switch i.Symbol[k+1:] {
		case "EQ", "BE", "BZ", "SM", "ST":
			return i.Symbol[:k]
		}
	}
	return i.Symbol
}

func (i *Instrument) IsEquity() bool { return i.InstrumentType == TypeEquity }

func (i *Instrument) IsOption() bool {
	return i.InstrumentType == TypeIndexOption || i.InstrumentType == TypeStockOption
}

func (i *Instrument) IsFuture() bool {
	return i.InstrumentType == TypeIndexFuture || i.InstrumentType == TypeStockFuture
}

// Underlying describes a symbol that supports an option chain.
type Underlying struct {
	Symbol   string `json:"symbol"`
	Token    string `json:"token"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	LotSize  int    `json:"lotSize"`
	Type     string `json:"type"`   // always "OPTION_UNDERLYING"
	Source   string `json:"source"` // "static_config" or "discovered"
}
