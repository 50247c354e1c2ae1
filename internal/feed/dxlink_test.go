package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestFlattenEvents(t *testing.T) {
	var p fastjson.Parser

	tests := []struct {
		in   string
		want int
	}{
		{`["Quote",[{"eventType":"Quote","eventSymbol":"AAPL"}]]`, 1},
		{`[{"eventType":"Quote","eventSymbol":"A"},{"eventType":"Greeks","eventSymbol":"B"}]`, 2},
		{`[]`, 0},
		{`"Quote"`, 0},
		{`[["Greeks",[{"eventType":"Greeks"},{"eventType":"Greeks"}]]]`, 2},
	}

	for _, tt := range tests {
		v, err := p.Parse(tt.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.in, err)
		}
		if got := len(flattenEvents(v)); got != tt.want {
			t.Errorf("flattenEvents(%s) = %d objects, want %d", tt.in, got, tt.want)
		}
	}
}

// upgradeTestFeed upgrades the request, drains the client handshake, and then
// runs fn with the server-side connection.
func upgradeTestFeed(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		fn(conn)
	}))
}

func TestDialSendsHandshake(t *testing.T) {
	got := make(chan string, 8)

	srv := upgradeTestFeed(t, func(conn *websocket.Conn) {
		for i := 0; i < 4; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Errorf("unmarshal handshake frame: %v", err)
				return
			}
			got <- msg["type"].(string)
		}
	})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url, "test-token", testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	want := []string{"SETUP", "AUTH", "CHANNEL_REQUEST", "FEED_SETUP"}
	for _, w := range want {
		select {
		case g := <-got:
			if g != w {
				t.Errorf("handshake frame = %q, want %q", g, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q frame", w)
		}
	}
}

func TestRunDispatchesEvents(t *testing.T) {
	feedData := `{"type":"FEED_DATA","channel":1,"data":[
		{"eventType":"Quote","eventSymbol":".AAPL250822C200","bidPrice":7.9,"askPrice":8.1,"bidSize":12,"askSize":9},
		{"eventType":"Greeks","eventSymbol":".AAPL250822C200","price":8.0,"volatility":0.3,"delta":0.55,"gamma":0.02,"theta":-0.08,"rho":0.04,"vega":0.11}
	]}`

	srv := upgradeTestFeed(t, func(conn *websocket.Conn) {
		// Drain the handshake, then push one data frame.
		for i := 0; i < 4; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(feedData)); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url, "test-token", testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case q := <-c.Quotes():
		if q.EventSymbol != ".AAPL250822C200" {
			t.Errorf("quote symbol = %q", q.EventSymbol)
		}
		if q.BidPrice != 7.9 || q.AskPrice != 8.1 {
			t.Errorf("quote prices = %v/%v, want 7.9/8.1", q.BidPrice, q.AskPrice)
		}
		if q.ReceivedAt.IsZero() {
			t.Error("quote ReceivedAt not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for quote event")
	}

	select {
	case g := <-c.Greeks():
		if g.Volatility != 0.3 {
			t.Errorf("greeks volatility = %v, want 0.3", g.Volatility)
		}
		if g.Delta != 0.55 || g.Vega != 0.11 {
			t.Errorf("greeks delta/vega = %v/%v", g.Delta, g.Vega)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for greeks event")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscribeMessageShape(t *testing.T) {
	frames := make(chan map[string]any, 8)

	srv := upgradeTestFeed(t, func(conn *websocket.Conn) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			frames <- msg
		}
	})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url, "tok", testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(context.Background(), EventGreeks, []string{".A250101C1", ".B250101P2"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-frames:
			if msg["type"] != "FEED_SUBSCRIPTION" {
				continue // handshake frame
			}
			add, ok := msg["add"].([]any)
			if !ok || len(add) != 2 {
				t.Fatalf("add = %v, want 2 entries", msg["add"])
			}
			first := add[0].(map[string]any)
			if first["type"] != "Greeks" || first["symbol"] != ".A250101C1" {
				t.Errorf("first add entry = %v", first)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for FEED_SUBSCRIPTION frame")
		}
	}
}
