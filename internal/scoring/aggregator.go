package scoring

import (
	"fmt"
	"math"
	"time"

	"PerpPilot/internal/config"
	"PerpPilot/internal/model"
)

// Aggregator combines the five externally supplied factor readings into one
// composite score and a discrete signal. It holds no mutable state; Aggregate
// is a pure function of its inputs.
type Aggregator struct {
	weights   [5]float64
	names     [5]string
	strongBuy float64
	buy       float64
	hold      float64
}

// New builds an Aggregator from config. Weights must sum to 1.0 within a 1%
// tolerance; anything else is a startup error.
func New(cfg *config.Config) (*Aggregator, error) {
	w := cfg.Scoring.Weights
	sum := w.Technical + w.Momentum + w.Volatility + w.Volume + w.Sentiment
	if math.Abs(sum-1.0) > 0.01 {
		return nil, fmt.Errorf("factor weights sum to %.4f, want 1.0", sum)
	}
	t := cfg.Scoring.Thresholds
	return &Aggregator{
		weights:   [5]float64{w.Technical, w.Momentum, w.Volatility, w.Volume, w.Sentiment},
		names:     [5]string{"technical", "momentum", "volatility", "volume", "sentiment"},
		strongBuy: t.StrongBuy,
		buy:       t.Buy,
		hold:      t.Hold,
	}, nil
}

// Aggregate computes the weighted composite score for one symbol. A missing
// reading (NaN or outside [0,100]) contributes 0 and marks the score
// degraded; downstream consumers must not act on a degraded STRONG_BUY.
func (a *Aggregator) Aggregate(symbol string, r model.FactorReadings) *model.Score {
	raw := [5]float64{r.Technical, r.Momentum, r.Volatility, r.Volume, r.Sentiment}

	factors := make([]model.FactorScore, 5)
	total := 0.0
	degraded := false
	for i, v := range raw {
		missing := math.IsNaN(v) || v < 0 || v > 100
		if missing {
			v = 0
			degraded = true
		}
		weighted := v * a.weights[i]
		factors[i] = model.FactorScore{
			Name:     a.names[i],
			Raw:      v,
			Weight:   a.weights[i],
			Weighted: weighted,
			Missing:  missing,
		}
		total += weighted
	}
	total = clamp(total, 0, 100)

	return &model.Score{
		Symbol:     symbol,
		Timestamp:  time.Now(),
		Factors:    factors,
		TotalScore: total,
		Signal:     a.classify(total),
		Degraded:   degraded,
	}
}

// classify maps a total score onto the fixed, non-overlapping signal
// partition. Boundaries are inclusive on the lower side of each band.
func (a *Aggregator) classify(total float64) model.Signal {
	switch {
	case total >= a.strongBuy:
		return model.SignalStrongBuy
	case total >= a.buy:
		return model.SignalBuy
	case total >= a.hold:
		return model.SignalHold
	default:
		return model.SignalSell
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
