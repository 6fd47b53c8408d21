package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketdata-engine/internal/apperr"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/optionchain"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxInbound   = 4096
	searchLimit  = 20
)

// Client is one WebSocket peer and its subscription keys.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	subs  map[string]bool

	sendMu sync.Mutex
	closed bool
	once   sync.Once
}

func (c *Client) enqueue(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
	})
}

// Subscribed reports whether the client holds key.
func (c *Client) Subscribed(key string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[key]
}

func (c *Client) keys() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Client) addKeys(keys ...string) {
	c.subMu.Lock()
	for _, k := range keys {
		c.subs[k] = true
	}
	c.subMu.Unlock()
}

func (c *Client) removeKeys(keys ...string) {
	c.subMu.Lock()
	for _, k := range keys {
		delete(c.subs, k)
	}
	c.subMu.Unlock()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("ws read failed", "client", c.ID, "error", err)
			}
			return
		}
		c.dispatch(context.Background(), raw)
	}
}

func (c *Client) reply(m ServerMessage) {
	c.hub.deliver(c, m.Type, encode(m))
}

func (c *Client) replyError(message string, err error) {
	m := ServerMessage{Type: MsgError, Message: message}
	if err != nil {
		m.Code = string(apperr.KindOf(err))
	}
	c.reply(m)
}

// dispatch handles one inbound message. Replies go through the client's send
// buffer like broadcasts do.
func (c *Client) dispatch(ctx context.Context, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyError("invalid message: "+err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.hub.timeout)
	defer cancel()

	switch strings.ToUpper(msg.Type) {
	case MsgPing:
		c.reply(ServerMessage{Type: MsgPong})
	case MsgSubscribe:
		c.handleSubscribe(msg)
	case MsgUnsubscribe:
		c.handleUnsubscribe(msg)
	case MsgSubscribeOptionChain:
		c.handleOptionChain(ctx, msg)
	case MsgSearch:
		c.handleSearch(ctx, msg)
	default:
		c.hub.log.Debug("unknown ws message type", "client", c.ID, "type", msg.Type)
		c.replyError(fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

func (c *Client) handleSubscribe(msg ClientMessage) {
	dataType := strings.ToUpper(strings.TrimSpace(msg.DataType))
	if dataType == "" {
		dataType = KeyEquity
	}
	symbols := cleanSymbols(msg.Symbols)
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = subscriptionKey(dataType, s)
	}
	c.addKeys(keys...)
	c.hub.log.Debug("client subscribed", "client", c.ID, "dataType", dataType, "symbols", symbols)
	c.reply(ServerMessage{Type: MsgSubscriptionConfirmed, Symbols: symbols, DataType: dataType})
}

func (c *Client) handleUnsubscribe(msg ClientMessage) {
	symbols := cleanSymbols(msg.Symbols)
	keys := make([]string, 0, len(symbols)*3)
	for _, s := range symbols {
		keys = append(keys,
			subscriptionKey(KeyEquity, s),
			subscriptionKey(KeyOption, s),
			subscriptionKey(KeyOptionChain, s))
	}
	c.removeKeys(keys...)
	c.hub.log.Debug("client unsubscribed", "client", c.ID, "symbols", symbols)
	c.reply(ServerMessage{Type: MsgSubscriptionConfirmed, Symbols: symbols, DataType: "UNSUBSCRIBED"})
}

func (c *Client) handleOptionChain(ctx context.Context, msg ClientMessage) {
	u := strings.ToUpper(strings.TrimSpace(msg.Underlying))
	if u == "" {
		c.replyError("underlying is required", nil)
		return
	}

	view := c.hub.chains.Chain(u, "")
	if len(view.Entries) == 0 {
		if token := c.hub.authToken(); token != "" {
			if _, err := c.hub.chains.FetchChain(ctx, token, u); err != nil {
				if !apperr.IsNotFound(err) {
					c.hub.log.Warn("option chain fetch failed", "client", c.ID, "underlying", u, "error", err)
				}
				c.replyError(fmt.Sprintf("Failed to get option chain for %s", u), err)
				return
			}
			view = c.hub.chains.Chain(u, "")
		}
	}

	c.addKeys(subscriptionKey(KeyOptionChain, u))
	c.reply(ServerMessage{Type: MsgOptionChainData, Underlying: u, Data: view})
}

func (c *Client) handleSearch(ctx context.Context, msg ClientMessage) {
	q := strings.TrimSpace(msg.Query)
	token := c.hub.authToken()

	merged := mergeResults(
		c.hub.dir.Search(q, instruments.SearchOptions{Limit: searchLimit}),
		c.hub.chains.SearchLive(ctx, token, q),
	)
	live := token != ""
	c.reply(ServerMessage{Type: MsgSearchResults, Query: q, Data: merged, HasLiveData: &live})
}

// mergeResults concatenates result lists, dropping repeats by token (or by
// symbol and type when a result has no token), capped at searchLimit.
func mergeResults(lists ...[]instruments.SearchResult) []instruments.SearchResult {
	out := make([]instruments.SearchResult, 0, searchLimit)
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, r := range list {
			if len(out) >= searchLimit {
				return out
			}
			key := "t:" + r.Token
			if r.Token == "" {
				key = "s:" + r.Symbol + ":" + r.Type
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, r)
		}
	}
	return out
}

func cleanSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ Chains = (*optionchain.Resolver)(nil)
