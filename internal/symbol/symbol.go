// Package symbol parses dxfeed option streamer symbols into their structured
// identity (underlying, expiry, option type, strike).
//
// Streamer symbols look like ".AAPL250822C200": a leading dot, the underlying
// ticker, a six-digit YYMMDD expiry, C or P, and the strike (decimal strikes
// allowed, e.g. ".SPY250822P452.5").
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSymbol is returned when a symbol does not match the expected
// streamer-symbol pattern. Malformed symbols are a recoverable condition and
// are expected in live feeds.
var ErrInvalidSymbol = errors.New("invalid option symbol")

// ErrInvalidExpiry is returned when the six-digit expiry code does not decode
// to a real calendar date. Callers decide the fallback policy; the parser
// never substitutes a date silently.
var ErrInvalidExpiry = errors.New("invalid expiry date")

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Option is the structured identity parsed from a streamer symbol.
type Option struct {
	Symbol     string     // original streamer symbol
	Underlying string     // e.g. "AAPL"
	ExpiryRaw  string     // six-digit YYMMDD, e.g. "250822"
	ExpiryISO  string     // ISO date, e.g. "2025-08-22"
	Type       OptionType
	Strike     float64
}

var symbolRe = regexp.MustCompile(`^\.([A-Z]+)(\d{6})([CP])(\d+(?:\.\d+)?)$`)

// options expire at the 16:00 close in the exchange's local time zone
const expiryHour = 16

var newYork *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fall back to a fixed ET offset; only hit on hosts without tzdata.
		loc = time.FixedZone("ET", -5*60*60)
	}
	newYork = loc
}

// Parse decodes a streamer symbol into its structured identity. It returns
// ErrInvalidSymbol (wrapped) for anything that does not match the pattern and
// never panics on malformed input.
func Parse(s string) (Option, error) {
	m := symbolRe.FindStringSubmatch(s)
	if m == nil {
		return Option{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}

	raw := m[2]
	iso, err := expiryISO(raw)
	if err != nil {
		return Option{}, err
	}

	strike, err := decimal.NewFromString(m[4])
	if err != nil {
		return Option{}, fmt.Errorf("%w: strike %q", ErrInvalidSymbol, m[4])
	}

	typ := Call
	if m[3] == "P" {
		typ = Put
	}

	return Option{
		Symbol:     s,
		Underlying: m[1],
		ExpiryRaw:  raw,
		ExpiryISO:  iso,
		Type:       typ,
		Strike:     strike.InexactFloat64(),
	}, nil
}

// expiryISO converts a YYMMDD code to an ISO date, rejecting non-calendar
// dates such as "250230".
func expiryISO(raw string) (string, error) {
	t, err := time.Parse("060102", raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidExpiry, raw)
	}
	return t.Format("2006-01-02"), nil
}

// ExpiryInstant combines a six-digit expiry code with the 16:00 ET option
// cutoff and returns the timezone-independent expiry instant.
func ExpiryInstant(raw string) (time.Time, error) {
	t, err := time.Parse("060102", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidExpiry, raw)
	}
	local := time.Date(t.Year(), t.Month(), t.Day(), expiryHour, 0, 0, 0, newYork)
	return local.UTC(), nil
}
