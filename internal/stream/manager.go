package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tush16/TastyTrade/internal/feed"
	"github.com/tush16/TastyTrade/internal/util"
)

// RecordSink persists enriched records. Inserts are best effort; errors are
// logged and never interrupt streaming.
type RecordSink interface {
	InsertRecord(ctx context.Context, rec *Record) error
}

const (
	storeBuffer     = 512
	monitorInterval = 30 * time.Second
)

// Manager owns the topic registry. The first client on a topic starts one
// upstream feed task; later clients share it. When the last client leaves,
// the task is cancelled and the topic's cache is dropped.
type Manager struct {
	baseCtx context.Context
	feeds   feed.Factory
	window  time.Duration
	gate    *util.IntervalGate
	log     *slog.Logger

	mu       sync.Mutex
	topics   map[Topic]*topicState
	byClient map[Sink]Topic

	storeCh chan *Record
}

type topicState struct {
	topic   Topic
	symbols []string
	engine  *Engine
	cancel  context.CancelFunc
	clients map[Sink]struct{}

	quoteCount  atomic.Int64
	greeksCount atomic.Int64
	emitCount   atomic.Int64
}

// NewManager wires the topic registry. ctx bounds every topic task and the
// store drain; sink may be nil to disable persistence.
func NewManager(ctx context.Context, feeds feed.Factory, sink RecordSink, window, broadcastInterval time.Duration, log *slog.Logger) *Manager {
	m := &Manager{
		baseCtx:  ctx,
		feeds:    feeds,
		window:   window,
		gate:     util.NewIntervalGate(broadcastInterval),
		log:      log,
		topics:   make(map[Topic]*topicState),
		byClient: make(map[Sink]Topic),
		storeCh:  make(chan *Record, storeBuffer),
	}
	if sink != nil {
		go m.drainStore(ctx, sink)
	}
	return m
}

// Connect registers a client on a topic, starting the topic's feed task if
// it is the first one. streamerSymbols is the option symbol list the client
// wants quoted; only the first client's list seeds the upstream subscription.
func (m *Manager) Connect(client Sink, topic Topic, streamerSymbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byClient[client]; ok && old != topic {
		m.detachLocked(client, old)
	}
	m.byClient[client] = topic

	ts, ok := m.topics[topic]
	if ok {
		ts.clients[client] = struct{}{}
		m.log.Info("client joined topic", "topic", topic.String(), "clients", len(ts.clients))
		return
	}

	taskCtx, cancel := context.WithCancel(m.baseCtx)
	ts = &topicState{
		topic:   topic,
		symbols: append([]string(nil), streamerSymbols...),
		engine:  NewEngine(topic, m.window, m.log),
		cancel:  cancel,
		clients: map[Sink]struct{}{client: {}},
	}
	m.topics[topic] = ts
	m.log.Info("starting topic task", "topic", topic.String(), "symbols", len(ts.symbols))
	go m.runTopic(taskCtx, ts)
}

// Disconnect removes a client. The last client on a topic tears the topic
// down.
func (m *Manager) Disconnect(client Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topic, ok := m.byClient[client]
	if !ok {
		return
	}
	delete(m.byClient, client)
	m.detachLocked(client, topic)
}

// detachLocked is called with m.mu held.
func (m *Manager) detachLocked(client Sink, topic Topic) {
	ts, ok := m.topics[topic]
	if !ok {
		return
	}
	delete(ts.clients, client)
	if len(ts.clients) > 0 {
		m.log.Info("client left topic", "topic", topic.String(), "clients", len(ts.clients))
		return
	}
	ts.cancel()
	delete(m.topics, topic)
	m.log.Info("stopping topic task", "topic", topic.String())
}

// TopicClients reports the current client count for a topic.
func (m *Manager) TopicClients(topic Topic) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.topics[topic]
	if !ok {
		return 0
	}
	return len(ts.clients)
}

// Topics reports the number of live topics.
func (m *Manager) Topics() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

// runTopic drives one topic's upstream feed until cancelled or the feed
// fails. On failure the topic's clients stay connected but receive nothing
// further; they self-heal by reconnecting.
func (m *Manager) runTopic(ctx context.Context, ts *topicState) {
	f, err := m.feeds(ctx)
	if err != nil {
		m.log.Error("topic feed dial failed", "topic", ts.topic.String(), "err", err)
		return
	}
	defer f.Close()

	quoteSyms := append([]string{ts.topic.Symbol}, ts.symbols...)
	if err := f.Subscribe(ctx, feed.EventQuote, quoteSyms); err != nil {
		m.log.Error("quote subscription failed", "topic", ts.topic.String(), "err", err)
		return
	}
	if err := f.Subscribe(ctx, feed.EventGreeks, ts.symbols); err != nil {
		m.log.Error("greeks subscription failed", "topic", ts.topic.String(), "err", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case q := <-f.Quotes():
				ts.quoteCount.Add(1)
				m.handleQuote(ctx, ts, q)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case gr := <-f.Greeks():
				ts.greeksCount.Add(1)
				if rec := ts.engine.ApplyGreeks(gr); rec != nil {
					m.emit(ctx, ts, rec)
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pq, pg := ts.engine.PendingPairs()
				m.log.Info("topic event rates",
					"topic", ts.topic.String(),
					"quotes", ts.quoteCount.Swap(0),
					"greeks", ts.greeksCount.Swap(0),
					"emitted", ts.emitCount.Swap(0),
					"pending_quotes", pq,
					"pending_greeks", pg)
			}
		}
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		m.log.Error("topic task failed", "topic", ts.topic.String(), "err", err)
	}
}

func (m *Manager) handleQuote(ctx context.Context, ts *topicState, q feed.Quote) {
	if q.EventSymbol == ts.topic.Symbol {
		ts.engine.SetSpot(q)
		m.broadcast(ctx, ts.topic, UnderlyingQuoteMsg{
			TTType:    "underlying_quote",
			Symbol:    q.EventSymbol,
			BidPrice:  q.BidPrice,
			AskPrice:  q.AskPrice,
			BidSize:   q.BidSize,
			AskSize:   q.AskSize,
			// DXLink Quote events carry no last trade price; use the mid.
			LastPrice: (q.BidPrice + q.AskPrice) / 2,
			Timestamp: stamp(q.ReceivedAt),
		})
		return
	}
	if rec := ts.engine.ApplyQuote(q); rec != nil {
		m.emit(ctx, ts, rec)
	}
}

// emit pushes a record to the topic's clients and queues it for the store.
func (m *Manager) emit(ctx context.Context, ts *topicState, rec *Record) {
	ts.emitCount.Add(1)
	select {
	case m.storeCh <- rec:
	default:
		m.log.Warn("store queue full, dropping record", "symbol", rec.Symbol)
	}
	m.broadcast(ctx, ts.topic, rec.Message())
}

// broadcast sends one message to every client on the topic, pacing through
// the shared gate. Clients whose send fails are evicted.
func (m *Manager) broadcast(ctx context.Context, topic Topic, v any) {
	if err := m.gate.Wait(ctx); err != nil {
		return
	}
	m.mu.Lock()
	ts, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	clients := make([]Sink, 0, len(ts.clients))
	for c := range ts.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(v); err != nil {
			m.log.Info("evicting client after failed send", "topic", topic.String(), "err", err)
			m.Disconnect(c)
		}
	}
}

func (m *Manager) drainStore(ctx context.Context, sink RecordSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-m.storeCh:
			insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := sink.InsertRecord(insertCtx, rec); err != nil {
				m.log.Warn("record insert failed", "symbol", rec.Symbol, "err", err)
			}
			cancel()
		}
	}
}
