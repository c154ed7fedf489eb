package scoring

import (
	"math"
	"testing"

	"PerpPilot/internal/config"
	"PerpPilot/internal/model"
)

func defaultAggregator(t *testing.T) *Aggregator {
	t.Helper()
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	agg, err := New(cfg)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return agg
}

func TestAggregate_WeightedSum(t *testing.T) {
	agg := defaultAggregator(t)
	score := agg.Aggregate("BTC-USDT-SWAP", model.FactorReadings{
		Technical:  90,
		Momentum:   85,
		Volatility: 70,
		Volume:     80,
		Sentiment:  60,
	})

	// 90*0.30 + 85*0.25 + 70*0.15 + 80*0.15 + 60*0.15 = 79.75
	if math.Abs(score.TotalScore-79.75) > 1e-9 {
		t.Errorf("expected total 79.75, got %.4f", score.TotalScore)
	}
	if score.Signal != model.SignalBuy {
		t.Errorf("79.75 is below the strong-buy boundary, expected BUY, got %s", score.Signal)
	}
	if score.Degraded {
		t.Error("all readings present, score must not be degraded")
	}
	if len(score.Factors) != 5 {
		t.Fatalf("expected 5 factors, got %d", len(score.Factors))
	}
}

func TestClassify_Boundaries(t *testing.T) {
	agg := defaultAggregator(t)
	tests := []struct {
		total float64
		want  model.Signal
	}{
		{100, model.SignalStrongBuy},
		{80, model.SignalStrongBuy},
		{79.99, model.SignalBuy},
		{65, model.SignalBuy},
		{64.99, model.SignalHold},
		{35, model.SignalHold},
		{34.99, model.SignalSell},
		{0, model.SignalSell},
	}
	for _, tt := range tests {
		if got := agg.classify(tt.total); got != tt.want {
			t.Errorf("classify(%.2f): expected %s, got %s", tt.total, tt.want, got)
		}
	}
}

func TestAggregate_MissingFactorDegrades(t *testing.T) {
	agg := defaultAggregator(t)
	score := agg.Aggregate("ETH-USDT-SWAP", model.FactorReadings{
		Technical:  100,
		Momentum:   100,
		Volatility: math.NaN(),
		Volume:     100,
		Sentiment:  100,
	})

	if !score.Degraded {
		t.Error("NaN reading must mark score degraded")
	}
	// Missing factor contributes 0: 100*(0.30+0.25+0.15+0.15) = 85
	if math.Abs(score.TotalScore-85) > 1e-9 {
		t.Errorf("expected total 85 with volatility zeroed, got %.4f", score.TotalScore)
	}
	var vol model.FactorScore
	for _, f := range score.Factors {
		if f.Name == "volatility" {
			vol = f
		}
	}
	if !vol.Missing || vol.Raw != 0 || vol.Weighted != 0 {
		t.Errorf("volatility factor should be zeroed and flagged, got %+v", vol)
	}
}

func TestAggregate_OutOfRangeReadingIsMissing(t *testing.T) {
	agg := defaultAggregator(t)
	score := agg.Aggregate("SOL-USDT-SWAP", model.FactorReadings{
		Technical:  120, // out of range
		Momentum:   50,
		Volatility: 50,
		Volume:     50,
		Sentiment:  -1, // out of range
	})
	if !score.Degraded {
		t.Error("out-of-range readings must mark score degraded")
	}
	missing := 0
	for _, f := range score.Factors {
		if f.Missing {
			missing++
		}
	}
	if missing != 2 {
		t.Errorf("expected 2 missing factors, got %d", missing)
	}
}

func TestNew_RejectsBadWeights(t *testing.T) {
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Scoring.Weights.Technical = 0.90
	if _, err := New(cfg); err == nil {
		t.Error("expected error for weights summing above 1.0")
	}
}
