// Package metrics computes option-selling risk metrics: probability of max
// profit (PMP), probability of profit (POP), max profit/loss, and expected
// value, for short calls and short puts. All functions are pure.
package metrics

import (
	"errors"
	"math"
	"time"
)

// ContractMultiplier is the number of shares per US equity option contract.
const ContractMultiplier = 100.0

// stddev is floored at a small epsilon to keep the z-scores finite for
// near-zero IV or time to expiry.
const minStddev = 1e-12

// ErrNonFinite is returned when an input is NaN or infinite.
var ErrNonFinite = errors.New("non-finite metric input")

// Inputs holds the parameters of a single short-option position.
//
// InstrumentIV and OptionIV are kept as distinct parameters even though the
// standard-deviation formula currently uses OptionIV for both roles; that
// matches the production sheet this model was lifted from and keeps the
// distinction a one-line change.
type Inputs struct {
	Spot         float64   // current underlying price
	Strike       float64
	Premium      float64   // credit received per share
	Expiry       time.Time // expiry instant (UTC)
	InstrumentIV float64
	OptionIV     float64
	Now          time.Time // evaluation time; zero means time.Now
}

// Result bundles the five computed metrics. EV is nil when the position has
// unbounded loss (short call), where a point expected value is meaningless.
// Expired marks positions whose time to expiry was not positive.
type Result struct {
	PMP       float64 // percent, [0, 100]
	POP       float64 // percent, [0, 100]
	MaxProfit float64
	MaxLoss   float64 // +Inf for a short call
	EV        *float64
	Expired   bool
}

func (in Inputs) now() time.Time {
	if in.Now.IsZero() {
		return time.Now().UTC()
	}
	return in.Now
}

func (in Inputs) validate() error {
	for _, v := range []float64{in.Spot, in.Strike, in.Premium, in.InstrumentIV, in.OptionIV} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	return nil
}

// tteDays returns the time to expiry in days (fractional).
func (in Inputs) tteDays() float64 {
	return in.Expiry.Sub(in.now()).Seconds() / 86400.0
}

func (in Inputs) stddev(tteDays float64) float64 {
	expectedMove := math.Sqrt(tteDays / 365.0)
	return math.Max(in.Spot*expectedMove*in.OptionIV, minStddev)
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

// SoldCall computes the metrics for a short call. Max loss is unbounded and
// EV is therefore undefined (nil).
func SoldCall(in Inputs) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	tte := in.tteDays()
	if tte <= 0 {
		return Result{MaxLoss: math.Inf(1), Expired: true}, nil
	}

	sd := in.stddev(tte)
	breakeven := in.Strike + in.Premium

	return Result{
		PMP:       normCDF((in.Strike-in.Spot)/sd) * 100.0,
		POP:       normCDF((breakeven-in.Spot)/sd) * 100.0,
		MaxProfit: in.Premium * ContractMultiplier,
		MaxLoss:   math.Inf(1),
	}, nil
}

// SoldPut computes the metrics for a short put. Loss is capped at the
// underlying going to zero, so EV is defined.
func SoldPut(in Inputs) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	tte := in.tteDays()
	if tte <= 0 {
		ev := 0.0
		return Result{EV: &ev, Expired: true}, nil
	}

	sd := in.stddev(tte)
	breakeven := in.Strike - in.Premium

	pmp := (1.0 - normCDF((in.Strike-in.Spot)/sd)) * 100.0
	pop := (1.0 - normCDF((breakeven-in.Spot)/sd)) * 100.0
	maxProfit := in.Premium * ContractMultiplier
	maxLoss := math.Max((in.Strike-in.Premium)*ContractMultiplier, 0.0)
	ev := (pop/100.0)*maxProfit - (1.0-pop/100.0)*maxLoss

	return Result{
		PMP:       pmp,
		POP:       pop,
		MaxProfit: maxProfit,
		MaxLoss:   maxLoss,
		EV:        &ev,
	}, nil
}
