// Package pricing implements the settlement fee pipeline and zone-based
// delivery fees. All intermediate arithmetic runs on decimals; float64
// appears only at the API boundary.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource supplies the conversion rate applied in the pipeline.
type RateSource interface {
	Rate(ctx context.Context, from, to string) float64
}

// FeeConfig holds the percentages and fixed fees of the pipeline.
type FeeConfig struct {
	BaseCurrency        string
	DisburseFeePercent  float64
	PlatformFeePercent  float64
	ProcessorFeePercent float64
	ProcessorFixedFees  map[string]float64
	VolatilityPercent   float64
}

// Engine computes the buyer-facing final price for a base amount.
type Engine struct {
	rates RateSource
	cfg   FeeConfig

	disburse   decimal.Decimal
	platform   decimal.Decimal
	processor  decimal.Decimal
	volatility decimal.Decimal
	now        func() time.Time
}

// NewEngine builds a pricing engine over the given rate source.
func NewEngine(rates RateSource, cfg FeeConfig) *Engine {
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "ZMW"
	}
	pct := func(v float64) decimal.Decimal {
		return decimal.NewFromFloat(v).Div(decimal.NewFromInt(100))
	}
	return &Engine{
		rates:      rates,
		cfg:        cfg,
		disburse:   pct(cfg.DisburseFeePercent),
		platform:   pct(cfg.PlatformFeePercent),
		processor:  pct(cfg.ProcessorFeePercent),
		volatility: pct(cfg.VolatilityPercent),
		now:        time.Now,
	}
}

// Quote is the priced result for one target currency.
type Quote struct {
	BaseAmount     float64            `json:"base_amount"`
	BaseCurrency   string             `json:"base_currency"`
	TargetCurrency string             `json:"target_currency"`
	FinalAmount    float64            `json:"final_amount"`
	Rate           float64            `json:"rate"`
	BufferApplied  bool               `json:"buffer_applied"`
	Breakdown      map[string]float64 `json:"breakdown"`
	Timestamp      string             `json:"timestamp"`
}

// Price runs the full fee pipeline for one target currency:
// base, plus disbursement fee, plus platform fee, converted at the live
// rate, grossed up for the processor cut, plus the volatility buffer.
// Rounding to 2 decimal places happens exactly once, on the final amount.
func (e *Engine) Price(ctx context.Context, baseAmount float64, targetCurrency string) Quote {
	breakdown := make(map[string]float64)
	record := func(key string, v decimal.Decimal) {
		breakdown[key], _ = v.Round(4).Float64()
	}

	stepA := decimal.NewFromFloat(baseAmount)
	record("step_a_base", stepA)

	disburseFee := stepA.Mul(e.disburse)
	stepB := stepA.Add(disburseFee)
	record("step_b_disburse_fee", disburseFee)
	record("step_b_subtotal", stepB)

	platformFee := stepB.Mul(e.platform)
	stepC := stepB.Add(platformFee)
	record("step_c_platform_fee", platformFee)
	record("step_c_subtotal", stepC)

	rate := e.rates.Rate(ctx, e.cfg.BaseCurrency, targetCurrency)
	rateDec := decimal.NewFromFloat(rate)
	stepD := stepC.Mul(rateDec)
	record("step_d_rate_applied", rateDec)
	record("step_d_converted", stepD)

	// The processor takes its cut from what we collect, so the charge is
	// grossed up: final = (net + fixed) / (1 - percent).
	fixed := decimal.NewFromFloat(e.cfg.ProcessorFixedFees[targetCurrency])
	stepE := stepD.Add(fixed).Div(decimal.NewFromInt(1).Sub(e.processor))
	record("step_e_processor_fee", stepE.Sub(stepD))
	record("step_e_subtotal", stepE)

	buffer := stepE.Mul(e.volatility)
	stepF := stepE.Add(buffer)
	record("step_f_volatility_buffer", buffer)
	record("step_f_final", stepF)

	final, _ := stepF.Round(2).Float64()
	roundedRate, _ := rateDec.Round(6).Float64()

	return Quote{
		BaseAmount:     baseAmount,
		BaseCurrency:   e.cfg.BaseCurrency,
		TargetCurrency: targetCurrency,
		FinalAmount:    final,
		Rate:           roundedRate,
		BufferApplied:  true,
		Breakdown:      breakdown,
		Timestamp:      e.now().UTC().Format(time.RFC3339),
	}
}

// MultiQuote prices the same base amount in several target currencies.
type MultiQuote struct {
	BaseAmount   float64            `json:"base_amount"`
	BaseCurrency string             `json:"base_currency"`
	Amounts      map[string]float64 `json:"amounts"`
	Rates        map[string]float64 `json:"rates"`
	Quotes       map[string]Quote   `json:"quotes"`
	Timestamp    string             `json:"timestamp"`
}

// PriceMulti quotes the base amount in every listed currency.
func (e *Engine) PriceMulti(ctx context.Context, baseAmount float64, targetCurrencies []string) MultiQuote {
	out := MultiQuote{
		BaseAmount:   baseAmount,
		BaseCurrency: e.cfg.BaseCurrency,
		Amounts:      make(map[string]float64, len(targetCurrencies)),
		Rates:        make(map[string]float64, len(targetCurrencies)),
		Quotes:       make(map[string]Quote, len(targetCurrencies)),
		Timestamp:    e.now().UTC().Format(time.RFC3339),
	}
	for _, cur := range targetCurrencies {
		q := e.Price(ctx, baseAmount, cur)
		out.Amounts[cur] = q.FinalAmount
		out.Rates[e.cfg.BaseCurrency+"_"+cur] = q.Rate
		out.Quotes[cur] = q
	}
	return out
}
