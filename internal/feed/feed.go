// Package feed consumes the DXLink market-data feed: quote and greeks events
// for named instrument symbols, delivered as typed events on channels.
package feed

import (
	"context"
	"time"
)

// EventType names a DXLink event kind.
type EventType string

const (
	EventQuote  EventType = "Quote"
	EventGreeks EventType = "Greeks"
)

// Quote is a top-of-book quote event for one symbol.
type Quote struct {
	EventSymbol string
	BidPrice    float64
	AskPrice    float64
	BidSize     float64
	AskSize     float64
	ReceivedAt  time.Time
}

// Greeks is a greeks snapshot event for one option symbol.
type Greeks struct {
	EventSymbol string
	Price       float64 // theoretical price
	Volatility  float64 // implied volatility
	Delta       float64
	Gamma       float64
	Theta       float64
	Rho         float64
	Vega        float64
	ReceivedAt  time.Time
}

// Feed is one upstream feed connection. A topic owns exactly one Feed for its
// lifetime; Run blocks until the connection fails or ctx is cancelled.
type Feed interface {
	// Subscribe registers interest in the given event type for the symbols.
	Subscribe(ctx context.Context, typ EventType, symbols []string) error

	// Quotes returns the channel of incoming quote events.
	Quotes() <-chan Quote

	// Greeks returns the channel of incoming greeks events.
	Greeks() <-chan Greeks

	// Run reads events from the connection and delivers them to the channels.
	// It returns nil when ctx is cancelled and an error if the feed fails.
	Run(ctx context.Context) error

	// Close tears down the connection.
	Close() error
}

// Factory opens a new Feed connection. The stream manager calls it once per
// topic.
type Factory func(ctx context.Context) (Feed, error)
