package model

import "time"

// Signal is the discrete trade classification derived from a composite score.
type Signal string

const (
	SignalStrongBuy Signal = "STRONG_BUY"
	SignalBuy       Signal = "BUY"
	SignalHold      Signal = "HOLD"
	SignalSell      Signal = "SELL"
)

// FactorReadings holds the five externally computed factor values for one
// symbol, each normalized to [0,100]. NaN or negative marks a reading missing.
type FactorReadings struct {
	Technical  float64 `json:"technical"`
	Momentum   float64 `json:"momentum"`
	Volatility float64 `json:"volatility"`
	Volume     float64 `json:"volume"`
	Sentiment  float64 `json:"sentiment"`
}

// FactorScore represents a single factor's contribution to the composite.
type FactorScore struct {
	Name     string
	Raw      float64
	Weight   float64
	Weighted float64
	Missing  bool
}

// Score is the immutable result of one scoring pass. It is superseded by the
// next tick's value, never mutated in place.
type Score struct {
	Symbol     string
	Timestamp  time.Time
	Factors    []FactorScore
	TotalScore float64
	Signal     Signal
	// Degraded is set when any factor reading was missing and contributed 0.
	// A degraded STRONG_BUY must not be acted on.
	Degraded bool
}
