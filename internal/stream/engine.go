package stream

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tush16/TastyTrade/internal/feed"
	"github.com/tush16/TastyTrade/internal/metrics"
	"github.com/tush16/TastyTrade/internal/symbol"
)

// Engine holds the per-topic pairing cache. Each option symbol has one quote
// slot and one greeks slot; an incoming event overwrites its slot and then
// attempts a join. A join succeeds when both slots are filled and their
// receipt times differ by less than the proximity window; on success both
// slots are cleared so every record reflects one fresh pair.
//
// The underlying's own quote is kept aside as the spot price and never enters
// the pairing cache.
type Engine struct {
	topic  Topic
	window time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	quotes  map[string]feed.Quote
	greeks  map[string]feed.Greeks
	spot    feed.Quote
	hasSpot bool
}

func NewEngine(topic Topic, window time.Duration, log *slog.Logger) *Engine {
	return &Engine{
		topic:  topic,
		window: window,
		log:    log,
		now:    time.Now,
		quotes: make(map[string]feed.Quote),
		greeks: make(map[string]feed.Greeks),
	}
}

// SetSpot records the underlying's latest quote.
func (e *Engine) SetSpot(q feed.Quote) {
	e.mu.Lock()
	e.spot = q
	e.hasSpot = true
	e.mu.Unlock()
}

// Spot returns the last underlying quote, if any has arrived.
func (e *Engine) Spot() (feed.Quote, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spot, e.hasSpot
}

// ApplyQuote caches an option quote and returns an enriched record if it
// completed a pair. Events whose symbol does not parse are dropped.
func (e *Engine) ApplyQuote(q feed.Quote) *Record {
	opt, err := symbol.Parse(q.EventSymbol)
	if err != nil {
		e.log.Warn("dropping quote with unparseable symbol", "symbol", q.EventSymbol, "err", err)
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[q.EventSymbol] = q
	return e.tryJoin(opt, q.EventSymbol)
}

// ApplyGreeks caches a greeks event and returns an enriched record if it
// completed a pair.
func (e *Engine) ApplyGreeks(g feed.Greeks) *Record {
	opt, err := symbol.Parse(g.EventSymbol)
	if err != nil {
		e.log.Warn("dropping greeks with unparseable symbol", "symbol", g.EventSymbol, "err", err)
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.greeks[g.EventSymbol] = g
	return e.tryJoin(opt, g.EventSymbol)
}

// tryJoin is called with e.mu held.
func (e *Engine) tryJoin(opt symbol.Option, sym string) *Record {
	q, okQ := e.quotes[sym]
	g, okG := e.greeks[sym]
	if !okQ || !okG {
		return nil
	}
	gap := q.ReceivedAt.Sub(g.ReceivedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap >= e.window {
		// Slots stay filled; a later event on either side retries.
		return nil
	}
	if !e.hasSpot {
		e.log.Debug("pair ready but no underlying quote yet", "symbol", sym)
		return nil
	}

	rec := e.enrich(opt, q, g)
	if rec == nil {
		return nil
	}
	delete(e.quotes, sym)
	delete(e.greeks, sym)
	return rec
}

// enrich builds the record for a joined pair, or nil when the metric inputs
// are unusable.
func (e *Engine) enrich(opt symbol.Option, q feed.Quote, g feed.Greeks) *Record {
	spotMid := (e.spot.BidPrice + e.spot.AskPrice) / 2
	mid := (q.BidPrice + q.AskPrice) / 2

	expiry, err := symbol.ExpiryInstant(opt.ExpiryRaw)
	if err != nil {
		e.log.Warn("falling back to current time for expiry", "symbol", opt.Symbol, "err", err)
		expiry = e.now()
	}

	in := metrics.Inputs{
		Spot:         spotMid,
		Strike:       opt.Strike,
		Premium:      mid,
		Expiry:       expiry,
		InstrumentIV: g.Volatility, // the feed carries no separate instrument IV
		OptionIV:     g.Volatility,
		Now:          e.now(),
	}
	var res metrics.Result
	switch opt.Type {
	case symbol.Call:
		res, err = metrics.SoldCall(in)
	case symbol.Put:
		res, err = metrics.SoldPut(in)
	default:
		err = errors.New("unknown option type")
	}
	if err != nil {
		e.log.Warn("metric computation failed", "symbol", opt.Symbol, "err", err)
		return nil
	}

	var maxLoss *float64
	if !math.IsInf(res.MaxLoss, 1) {
		v := res.MaxLoss
		maxLoss = &v
	}
	return &Record{
		Symbol:          opt.Symbol,
		Underlying:      opt.Underlying,
		Expiry:          opt.ExpiryISO,
		Strike:          opt.Strike,
		OptionType:      opt.Type,
		IVStrike:        g.Volatility,
		MidPrice:        mid,
		BidPrice:        q.BidPrice,
		AskPrice:        q.AskPrice,
		BidSize:         q.BidSize,
		AskSize:         q.AskSize,
		Delta:           g.Delta,
		Gamma:           g.Gamma,
		Theta:           g.Theta,
		Rho:             g.Rho,
		Vega:            g.Vega,
		TheoPrice:       g.Price,
		PMP:             res.PMP,
		POP:             res.POP,
		MaxProfit:       res.MaxProfit,
		MaxLoss:         maxLoss,
		EV:              res.EV,
		Expired:         res.Expired,
		UnderlyingPrice: spotMid,
		QuoteAt:         q.ReceivedAt,
		GreeksAt:        g.ReceivedAt,
	}
}

// PendingPairs reports how many symbols currently hold at least one
// unmatched slot. Used by the topic rate monitor.
func (e *Engine) PendingPairs() (quotes, greeks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.quotes), len(e.greeks)
}
