package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

const (
	setupChannel = 0
	feedChannel  = 1

	// DXLink disconnects peers that stay silent longer than the negotiated
	// keepalive timeout.
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 60

	eventBuffer = 256
)

// DXLinkClient implements Feed over a DXLink WebSocket connection.
type DXLinkClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	quotes  chan Quote
	greeks  chan Greeks
	log     *slog.Logger

	closeOnce sync.Once
}

// Compile-time interface check.
var _ Feed = (*DXLinkClient)(nil)

// Dial connects to the DXLink endpoint, performs the SETUP/AUTH handshake
// with the given API quote token, and opens a FEED channel.
func Dial(ctx context.Context, url, token string, log *slog.Logger) (*DXLinkClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing dxlink %s: %w", url, err)
	}

	c := &DXLinkClient{
		conn:   conn,
		quotes: make(chan Quote, eventBuffer),
		greeks: make(chan Greeks, eventBuffer),
		log:    log,
	}

	setup := []map[string]any{
		{
			"type":                   "SETUP",
			"channel":                setupChannel,
			"version":                "0.1-relay/1.0.0",
			"keepaliveTimeout":       keepaliveTimeout,
			"acceptKeepaliveTimeout": keepaliveTimeout,
		},
		{
			"type":    "AUTH",
			"channel": setupChannel,
			"token":   token,
		},
		{
			"type":       "CHANNEL_REQUEST",
			"channel":    feedChannel,
			"service":    "FEED",
			"parameters": map[string]any{"contract": "AUTO"},
		},
		{
			"type":             "FEED_SETUP",
			"channel":          feedChannel,
			"acceptDataFormat": "FULL",
			"acceptEventFields": map[string][]string{
				"Quote":  {"eventType", "eventSymbol", "bidPrice", "askPrice", "bidSize", "askSize"},
				"Greeks": {"eventType", "eventSymbol", "price", "volatility", "delta", "gamma", "theta", "rho", "vega"},
			},
		},
	}
	for _, msg := range setup {
		if err := c.writeJSON(msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("dxlink handshake: %w", err)
		}
	}

	return c, nil
}

// Subscribe adds the symbols to the FEED channel subscription for one event
// type.
func (c *DXLinkClient) Subscribe(_ context.Context, typ EventType, symbols []string) error {
	add := make([]map[string]string, 0, len(symbols))
	for _, s := range symbols {
		add = append(add, map[string]string{"type": string(typ), "symbol": s})
	}
	msg := map[string]any{
		"type":    "FEED_SUBSCRIPTION",
		"channel": feedChannel,
		"add":     add,
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("subscribing %s (%d symbols): %w", typ, len(symbols), err)
	}
	c.log.Info("feed subscription sent", "type", typ, "symbols", len(symbols))
	return nil
}

// Quotes returns the quote event channel.
func (c *DXLinkClient) Quotes() <-chan Quote { return c.quotes }

// Greeks returns the greeks event channel.
func (c *DXLinkClient) Greeks() <-chan Greeks { return c.greeks }

// Run reads frames until the connection fails or ctx is cancelled. A
// keepalive message is written periodically for the connection's lifetime.
func (c *DXLinkClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.keepaliveLoop(ctx)
	go func() {
		// Unblock ReadMessage when the context ends.
		<-ctx.Done()
		c.Close()
	}()

	var parser fastjson.Parser
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dxlink read: %w", err)
		}

		v, err := parser.ParseBytes(raw)
		if err != nil {
			c.log.Warn("malformed dxlink frame", "error", err)
			continue
		}

		switch msgType := string(v.GetStringBytes("type")); msgType {
		case "FEED_DATA":
			c.dispatch(ctx, v.Get("data"), time.Now().UTC())
		case "ERROR":
			c.log.Error("dxlink error frame",
				"error", string(v.GetStringBytes("error")),
				"message", string(v.GetStringBytes("message")))
		case "AUTH_STATE":
			c.log.Debug("dxlink auth state", "state", string(v.GetStringBytes("state")))
		case "KEEPALIVE", "SETUP", "CHANNEL_OPENED", "FEED_CONFIG":
			// acks and heartbeats
		default:
			c.log.Debug("unhandled dxlink frame", "type", msgType)
		}
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *DXLinkClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *DXLinkClient) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := map[string]any{"type": "KEEPALIVE", "channel": setupChannel}
			if err := c.writeJSON(msg); err != nil {
				c.log.Warn("dxlink keepalive", "error", err)
				return
			}
		}
	}
}

// dispatch walks a FEED_DATA payload and forwards each event object to the
// matching channel. The payload may nest event objects inside arrays; any
// object carrying an eventType field is treated as an event.
func (c *DXLinkClient) dispatch(ctx context.Context, data *fastjson.Value, now time.Time) {
	for _, ev := range flattenEvents(data) {
		switch string(ev.GetStringBytes("eventType")) {
		case "Quote":
			q := Quote{
				EventSymbol: string(ev.GetStringBytes("eventSymbol")),
				BidPrice:    ev.GetFloat64("bidPrice"),
				AskPrice:    ev.GetFloat64("askPrice"),
				BidSize:     ev.GetFloat64("bidSize"),
				AskSize:     ev.GetFloat64("askSize"),
				ReceivedAt:  now,
			}
			if q.EventSymbol == "" {
				continue
			}
			select {
			case c.quotes <- q:
			case <-ctx.Done():
				return
			}
		case "Greeks":
			g := Greeks{
				EventSymbol: string(ev.GetStringBytes("eventSymbol")),
				Price:       ev.GetFloat64("price"),
				Volatility:  ev.GetFloat64("volatility"),
				Delta:       ev.GetFloat64("delta"),
				Gamma:       ev.GetFloat64("gamma"),
				Theta:       ev.GetFloat64("theta"),
				Rho:         ev.GetFloat64("rho"),
				Vega:        ev.GetFloat64("vega"),
				ReceivedAt:  now,
			}
			if g.EventSymbol == "" {
				continue
			}
			select {
			case c.greeks <- g:
			case <-ctx.Done():
				return
			}
		}
	}
}

// flattenEvents collects event objects from a FEED_DATA "data" value,
// descending into nested arrays.
func flattenEvents(v *fastjson.Value) []*fastjson.Value {
	if v == nil {
		return nil
	}
	switch v.Type() {
	case fastjson.TypeObject:
		return []*fastjson.Value{v}
	case fastjson.TypeArray:
		var out []*fastjson.Value
		for _, item := range v.GetArray() {
			out = append(out, flattenEvents(item)...)
		}
		return out
	default:
		return nil
	}
}

func (c *DXLinkClient) writeJSON(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}
