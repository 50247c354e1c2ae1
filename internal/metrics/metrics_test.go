package metrics

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// Scenario: AAPL at 205, short 2025-08-22 200 call for 8.00 credit, IV 30%.
func TestSoldCallScenario(t *testing.T) {
	now := time.Date(2025, 8, 1, 14, 0, 0, 0, time.UTC)
	expiry := time.Date(2025, 8, 22, 20, 0, 0, 0, time.UTC) // 4PM ET in EDT

	in := Inputs{
		Spot:         205,
		Strike:       200,
		Premium:      8,
		Expiry:       expiry,
		InstrumentIV: 0.30,
		OptionIV:     0.30,
		Now:          now,
	}

	got, err := SoldCall(in)
	if err != nil {
		t.Fatalf("SoldCall: %v", err)
	}

	// Recompute the expectation from the model formula.
	tte := expiry.Sub(now).Seconds() / 86400.0
	sd := 205 * math.Sqrt(tte/365.0) * 0.30
	wantPMP := 0.5 * math.Erfc(-((200-205.0)/sd)/math.Sqrt2) * 100.0
	wantPOP := 0.5 * math.Erfc(-((208-205.0)/sd)/math.Sqrt2) * 100.0

	if !almostEqual(got.PMP, wantPMP, 1e-9) {
		t.Errorf("PMP = %v, want %v", got.PMP, wantPMP)
	}
	if !almostEqual(got.POP, wantPOP, 1e-9) {
		t.Errorf("POP = %v, want %v", got.POP, wantPOP)
	}
	if got.MaxProfit != 800 {
		t.Errorf("MaxProfit = %v, want 800", got.MaxProfit)
	}
	if !math.IsInf(got.MaxLoss, 1) {
		t.Errorf("MaxLoss = %v, want +Inf", got.MaxLoss)
	}
	if got.EV != nil {
		t.Errorf("EV = %v, want nil (undefined for short call)", *got.EV)
	}
	if got.Expired {
		t.Error("Expired = true for a live option")
	}
}

// Same setup sold as a 200 put for 5.00 credit.
func TestSoldPutScenario(t *testing.T) {
	now := time.Date(2025, 8, 1, 14, 0, 0, 0, time.UTC)
	expiry := time.Date(2025, 8, 22, 20, 0, 0, 0, time.UTC)

	in := Inputs{
		Spot:         205,
		Strike:       200,
		Premium:      5,
		Expiry:       expiry,
		InstrumentIV: 0.30,
		OptionIV:     0.30,
		Now:          now,
	}

	got, err := SoldPut(in)
	if err != nil {
		t.Fatalf("SoldPut: %v", err)
	}

	if got.MaxProfit != 500 {
		t.Errorf("MaxProfit = %v, want 500", got.MaxProfit)
	}
	if got.MaxLoss != 19500 {
		t.Errorf("MaxLoss = %v, want (200-5)*100 = 19500", got.MaxLoss)
	}
	if got.EV == nil {
		t.Fatal("EV = nil, want finite value for short put")
	}
	wantEV := (got.POP/100.0)*500 - (1.0-got.POP/100.0)*19500
	if !almostEqual(*got.EV, wantEV, 1e-9) {
		t.Errorf("EV = %v, want %v", *got.EV, wantEV)
	}
	if math.IsNaN(*got.EV) || math.IsInf(*got.EV, 0) {
		t.Errorf("EV = %v, want finite", *got.EV)
	}
}

func TestProbabilitiesWithinBounds(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(14 * 24 * time.Hour)

	cases := []Inputs{
		{Spot: 100, Strike: 100, Premium: 2, Expiry: expiry, OptionIV: 0.2, Now: now},
		{Spot: 100, Strike: 50, Premium: 0.1, Expiry: expiry, OptionIV: 0.8, Now: now},
		{Spot: 100, Strike: 500, Premium: 0.01, Expiry: expiry, OptionIV: 0.05, Now: now},
		{Spot: 0.5, Strike: 1, Premium: 0.4, Expiry: expiry, OptionIV: 2.5, Now: now},
		{Spot: 100, Strike: 100, Premium: 0, Expiry: expiry, OptionIV: 0, Now: now}, // epsilon floor
	}

	for i, in := range cases {
		for name, fn := range map[string]func(Inputs) (Result, error){
			"SoldCall": SoldCall,
			"SoldPut":  SoldPut,
		} {
			got, err := fn(in)
			if err != nil {
				t.Errorf("case %d %s: %v", i, name, err)
				continue
			}
			if got.PMP < 0 || got.PMP > 100 {
				t.Errorf("case %d %s: PMP = %v, want within [0,100]", i, name, got.PMP)
			}
			if got.POP < 0 || got.POP > 100 {
				t.Errorf("case %d %s: POP = %v, want within [0,100]", i, name, got.POP)
			}
		}
	}
}

func TestSoldPutMaxLossFloor(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	in := Inputs{
		Spot:     2,
		Strike:   1,
		Premium:  3, // premium exceeds strike; loss floors at zero
		Expiry:   now.Add(7 * 24 * time.Hour),
		OptionIV: 0.5,
		Now:      now,
	}

	got, err := SoldPut(in)
	if err != nil {
		t.Fatalf("SoldPut: %v", err)
	}
	if got.MaxLoss != 0 {
		t.Errorf("MaxLoss = %v, want 0", got.MaxLoss)
	}
}

func TestExpiredOption(t *testing.T) {
	now := time.Date(2025, 8, 23, 0, 0, 0, 0, time.UTC)
	expiry := time.Date(2025, 8, 22, 20, 0, 0, 0, time.UTC)

	in := Inputs{Spot: 205, Strike: 200, Premium: 8, Expiry: expiry, OptionIV: 0.3, Now: now}

	call, err := SoldCall(in)
	if err != nil {
		t.Fatalf("SoldCall: %v", err)
	}
	if !call.Expired {
		t.Error("SoldCall.Expired = false, want true")
	}
	if call.PMP != 0 || call.POP != 0 || call.MaxProfit != 0 {
		t.Errorf("expired call metrics = %+v, want zeros", call)
	}
	if !math.IsInf(call.MaxLoss, 1) {
		t.Errorf("expired call MaxLoss = %v, want +Inf", call.MaxLoss)
	}
	if call.EV != nil {
		t.Error("expired call EV should stay undefined")
	}

	put, err := SoldPut(in)
	if err != nil {
		t.Fatalf("SoldPut: %v", err)
	}
	if !put.Expired {
		t.Error("SoldPut.Expired = false, want true")
	}
	if put.MaxLoss != 0 {
		t.Errorf("expired put MaxLoss = %v, want 0", put.MaxLoss)
	}
	if put.EV == nil || *put.EV != 0 {
		t.Errorf("expired put EV = %v, want 0", put.EV)
	}
}

func TestNonFiniteInputs(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(24 * time.Hour)

	bad := []Inputs{
		{Spot: math.NaN(), Strike: 100, Premium: 1, Expiry: expiry, OptionIV: 0.2, Now: now},
		{Spot: 100, Strike: math.Inf(1), Premium: 1, Expiry: expiry, OptionIV: 0.2, Now: now},
		{Spot: 100, Strike: 100, Premium: 1, Expiry: expiry, OptionIV: math.NaN(), Now: now},
	}

	for i, in := range bad {
		if _, err := SoldCall(in); err == nil {
			t.Errorf("case %d: SoldCall accepted non-finite input", i)
		}
		if _, err := SoldPut(in); err == nil {
			t.Errorf("case %d: SoldPut accepted non-finite input", i)
		}
	}
}
