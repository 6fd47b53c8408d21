package gateway

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	MsgPing                 = "PING"
	MsgSubscribe            = "SUBSCRIBE"
	MsgUnsubscribe          = "UNSUBSCRIBE"
	MsgSubscribeOptionChain = "SUBSCRIBE_OPTION_CHAIN"
	MsgSearch               = "SEARCH"
)

// Outbound message types.
const (
	MsgInitialData           = "INITIAL_DATA"
	MsgMarketUpdate          = "MARKET_UPDATE"
	MsgOptionChainData       = "OPTION_CHAIN_DATA"
	MsgOptionChainUpdate     = "OPTION_CHAIN_UPDATE"
	MsgSubscriptionConfirmed = "SUBSCRIPTION_CONFIRMED"
	MsgSearchResults         = "SEARCH_RESULTS"
	MsgPong                  = "PONG"
	MsgError                 = "ERROR"
)

// Subscription key prefixes.
const (
	KeyEquity      = "EQUITY"
	KeyOption      = "OPTION"
	KeyOptionChain = "OPTION_CHAIN"
)

// ClientMessage is anything a client sends. Fields are read per type.
type ClientMessage struct {
	Type       string   `json:"type"`
	Symbols    []string `json:"symbols,omitempty"`
	DataType   string   `json:"dataType,omitempty"`
	Underlying string   `json:"underlying,omitempty"`
	Query      string   `json:"query,omitempty"`
}

// ServerMessage is the single outbound shape. Every message carries type and
// timestamp; the rest is filled per type.
type ServerMessage struct {
	Type        string    `json:"type"`
	Data        any       `json:"data,omitempty"`
	Underlying  string    `json:"underlying,omitempty"`
	Symbols     []string  `json:"symbols,omitempty"`
	DataType    string    `json:"dataType,omitempty"`
	Query       string    `json:"query,omitempty"`
	HasLiveData *bool     `json:"hasLiveData,omitempty"`
	Message     string    `json:"message,omitempty"`
	Code        string    `json:"code,omitempty"`
	Seq         int64     `json:"seq,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func encode(m ServerMessage) []byte {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		// Payloads are plain structs; this only trips on NaN prices.
		b, _ = json.Marshal(ServerMessage{Type: MsgError, Message: "encode failed: " + err.Error(), Timestamp: m.Timestamp})
	}
	return b
}

func subscriptionKey(kind, symbol string) string {
	return kind + ":" + symbol
}
