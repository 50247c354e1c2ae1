// Package stream is the streaming aggregation core: it multiplexes client
// subscriptions onto per-topic upstream feed tasks, joins quote and greeks
// events by symbol within a time-proximity window, computes sold-option risk
// metrics on each successful join, and broadcasts the enriched records to the
// topic's clients.
package stream

import (
	"time"

	"github.com/tush16/TastyTrade/internal/symbol"
)

// Topic is the (underlying, expiry) key clients and upstream subscriptions
// are grouped under. Expiry is an ISO date string, e.g. "2025-08-22".
type Topic struct {
	Symbol string
	Expiry string
}

func (t Topic) String() string { return t.Symbol + ":" + t.Expiry }

// Sink is one client connection. Send must be safe for concurrent use; a
// returned error marks the connection dead and evicts it.
type Sink interface {
	Send(v any) error
}

// Record is the enriched option record produced by a successful quote/greeks
// join. It is constructed once, broadcast, optionally persisted, and then
// discarded; it is never cached.
//
// MaxLoss is nil for a short call (unbounded) and EV is nil where a point
// expected value is undefined.
type Record struct {
	Symbol     string
	Underlying string
	Expiry     string // ISO date
	Strike     float64
	OptionType symbol.OptionType

	IVStrike float64 // the option's own strike IV
	MidPrice float64
	BidPrice float64
	AskPrice float64
	BidSize  float64
	AskSize  float64

	Delta     float64
	Gamma     float64
	Theta     float64
	Rho       float64
	Vega      float64
	TheoPrice float64

	PMP       float64
	POP       float64
	MaxProfit float64
	MaxLoss   *float64
	EV        *float64
	Expired   bool

	UnderlyingPrice float64
	QuoteAt         time.Time
	GreeksAt        time.Time
}

// ---------------------------------------------------------------------------
// Wire messages
// ---------------------------------------------------------------------------

// UnderlyingQuoteMsg is pushed whenever the topic's underlying symbol quotes.
type UnderlyingQuoteMsg struct {
	TTType    string  `json:"tt_type"` // "underlying_quote"
	Symbol    string  `json:"symbol"`
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
	BidSize   float64 `json:"bid_size"`
	AskSize   float64 `json:"ask_size"`
	LastPrice float64 `json:"last_price"`
	Timestamp string  `json:"timestamp"`
}

// QuoteBody is the quote half of a grouped message.
type QuoteBody struct {
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
	BidSize   float64 `json:"bid_size"`
	AskSize   float64 `json:"ask_size"`
	MidPrice  float64 `json:"mid_price"`
	Timestamp string  `json:"timestamp"`
}

// GreeksBody is the greeks half of a grouped message. The IV tag is
// uppercase for compatibility with the dashboard.
type GreeksBody struct {
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Rho       float64 `json:"rho"`
	Vega      float64 `json:"vega"`
	IV        float64 `json:"IV"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// CalcBody carries the computed risk metrics. max_loss is null for a short
// call and ev is null where undefined.
type CalcBody struct {
	PMP       float64  `json:"pmp"`
	POP       float64  `json:"pop"`
	MaxProfit float64  `json:"max_profit"`
	MaxLoss   *float64 `json:"max_loss"`
	EV        *float64 `json:"ev"`
	Expired   bool     `json:"expired,omitempty"`
}

// GroupedOptionMsg is the per-option message pushed after each successful
// join.
type GroupedOptionMsg struct {
	TTType          string     `json:"tt_type"` // "grouped_option_data"
	Symbol          string     `json:"symbol"`
	Timestamp       string     `json:"timestamp"`
	Quote           QuoteBody  `json:"quote"`
	Greeks          GreeksBody `json:"greeks"`
	Calculations    CalcBody   `json:"calculations"`
	Underlying      string     `json:"underlying"`
	UnderlyingPrice float64    `json:"underlying_price"`
	Expiry          string     `json:"expiry"`
	Type            string     `json:"type"`
	Strike          float64    `json:"strike"`
}

// PingMsg is the idle keep-alive.
type PingMsg struct {
	TTType    string `json:"tt_type"` // "ping"
	Timestamp string `json:"timestamp"`
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Message converts the record to its wire shape.
func (r *Record) Message() GroupedOptionMsg {
	return GroupedOptionMsg{
		TTType:    "grouped_option_data",
		Symbol:    r.Symbol,
		Timestamp: stamp(r.GreeksAt),
		Quote: QuoteBody{
			BidPrice:  r.BidPrice,
			AskPrice:  r.AskPrice,
			BidSize:   r.BidSize,
			AskSize:   r.AskSize,
			MidPrice:  r.MidPrice,
			Timestamp: stamp(r.QuoteAt),
		},
		Greeks: GreeksBody{
			Delta:     r.Delta,
			Gamma:     r.Gamma,
			Theta:     r.Theta,
			Rho:       r.Rho,
			Vega:      r.Vega,
			IV:        r.IVStrike,
			Price:     r.TheoPrice,
			Timestamp: stamp(r.GreeksAt),
		},
		Calculations: CalcBody{
			PMP:       r.PMP,
			POP:       r.POP,
			MaxProfit: r.MaxProfit,
			MaxLoss:   r.MaxLoss,
			EV:        r.EV,
			Expired:   r.Expired,
		},
		Underlying:      r.Underlying,
		UnderlyingPrice: r.UnderlyingPrice,
		Expiry:          r.Expiry,
		Type:            string(r.OptionType),
		Strike:          r.Strike,
	}
}
