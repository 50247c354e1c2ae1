package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tush16/TastyTrade/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxHandshakeSize = 1 << 20
)

// subscribeRequest is the first message a chain client sends.
type subscribeRequest struct {
	Symbol          string   `json:"symbol"`
	Expiry          string   `json:"expiry"`
	StreamerSymbols []string `json:"streamer_symbols"`
}

// wsClient adapts one websocket connection to the stream.Sink interface.
// Writes are serialized; the manager's broadcaster and the ping loop share
// the connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

var _ stream.Sink = (*wsClient)(nil)

func (s *Server) handleChainSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxHandshakeSize)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil || req.Symbol == "" || req.Expiry == "" {
		s.log.Info("rejecting chain subscription", "err", err, "symbol", req.Symbol, "expiry", req.Expiry)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation,
			"expected {symbol, expiry, streamer_symbols} as the first message")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	conn.SetReadDeadline(time.Time{})

	topic := stream.Topic{
		Symbol: strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Expiry: req.Expiry,
	}
	client := &wsClient{conn: conn}
	s.manager.Connect(client, topic, req.StreamerSymbols)
	defer s.manager.Disconnect(client)
	s.log.Info("chain client connected", "topic", topic.String(), "remote", r.RemoteAddr)

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(client, stop)

	// Read pump: the client sends nothing after the handshake; reading
	// surfaces close frames and dead connections.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.log.Info("chain client disconnected", "topic", topic.String())
}

// pingLoop pushes a keep-alive through the client's write path so idle
// topics do not look like dead connections to intermediaries.
func (s *Server) pingLoop(client *wsClient, stop <-chan struct{}) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			msg := stream.PingMsg{TTType: "ping", Timestamp: time.Now().UTC().Format(time.RFC3339)}
			if err := client.Send(msg); err != nil {
				return
			}
		}
	}
}
