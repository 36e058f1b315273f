package pricing

import (
	"context"
	"math"
	"testing"
)

type fixedRates struct {
	rates map[string]float64
}

func (f fixedRates) Rate(_ context.Context, from, to string) float64 {
	return f.rates[from+"_"+to]
}

func defaultFees() FeeConfig {
	return FeeConfig{
		BaseCurrency:        "ZMW",
		DisburseFeePercent:  2.0,
		PlatformFeePercent:  3.0,
		ProcessorFeePercent: 2.9,
		ProcessorFixedFees:  map[string]float64{"GBP": 0.30, "USD": 0.30},
		VolatilityPercent:   1.5,
	}
}

// Closed form for 100 ZMW at rate 0.029:
//
//	A = 100
//	B = 102            (+2%)
//	C = 105.06         (+3%)
//	D = 3.04674        (x 0.029)
//	E = (3.04674 + 0.30) / 0.971 = 3.446694...
//	F = E * 1.015      = 3.498394...
//
// rounded once at the end to 3.50.
func TestPriceClosedForm(t *testing.T) {
	engine := NewEngine(fixedRates{rates: map[string]float64{"ZMW_GBP": 0.029}}, defaultFees())

	q := engine.Price(context.Background(), 100, "GBP")

	if q.FinalAmount != 3.50 {
		t.Fatalf("final amount = %v, want 3.50", q.FinalAmount)
	}
	if q.Rate != 0.029 {
		t.Fatalf("rate = %v, want 0.029", q.Rate)
	}
	if !q.BufferApplied {
		t.Fatal("expected buffer applied")
	}
	if got := q.Breakdown["step_b_subtotal"]; got != 102 {
		t.Fatalf("step_b_subtotal = %v, want 102", got)
	}
	if got := q.Breakdown["step_c_subtotal"]; got != 105.06 {
		t.Fatalf("step_c_subtotal = %v, want 105.06", got)
	}
	if got := q.Breakdown["step_d_converted"]; math.Abs(got-3.0467) > 1e-9 {
		t.Fatalf("step_d_converted = %v, want 3.0467", got)
	}
	// The 2dp rounding must only happen on the final amount: the recorded
	// final step keeps 4dp precision.
	if got := q.Breakdown["step_f_final"]; math.Abs(got-3.4984) > 1e-9 {
		t.Fatalf("step_f_final = %v, want 3.4984", got)
	}
}

func TestPriceUsesPerCurrencyFixedFee(t *testing.T) {
	cfg := defaultFees()
	cfg.ProcessorFixedFees = map[string]float64{"GBP": 0.30, "USD": 0.50}
	engine := NewEngine(fixedRates{rates: map[string]float64{"ZMW_GBP": 0.029, "ZMW_USD": 0.029}}, cfg)

	gbp := engine.Price(context.Background(), 100, "GBP")
	usd := engine.Price(context.Background(), 100, "USD")
	if usd.FinalAmount <= gbp.FinalAmount {
		t.Fatalf("usd %v should exceed gbp %v with larger fixed fee", usd.FinalAmount, gbp.FinalAmount)
	}
}

func TestPriceMulti(t *testing.T) {
	engine := NewEngine(fixedRates{rates: map[string]float64{"ZMW_GBP": 0.029, "ZMW_USD": 0.037}}, defaultFees())

	multi := engine.PriceMulti(context.Background(), 100, []string{"GBP", "USD"})
	if len(multi.Amounts) != 2 {
		t.Fatalf("expected 2 amounts, got %d", len(multi.Amounts))
	}
	if multi.Rates["ZMW_GBP"] != 0.029 || multi.Rates["ZMW_USD"] != 0.037 {
		t.Fatalf("unexpected rates map: %v", multi.Rates)
	}
	if multi.Amounts["GBP"] != multi.Quotes["GBP"].FinalAmount {
		t.Fatal("amounts map should mirror quotes")
	}
}
