package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LadderRung defines one take-profit rung as a fraction of the original
// quantity and a price offset from entry (e.g. 0.008 = +0.8% for longs).
type LadderRung struct {
	Fraction  float64 `yaml:"fraction"`
	OffsetPct float64 `yaml:"offset_pct"`
}

// Config holds all application configuration.
type Config struct {
	Exchange struct {
		BaseURL        string  `yaml:"base_url"`
		APIKey         string  `yaml:"api_key"`
		Paper          bool    `yaml:"paper"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		MaxRetries     int     `yaml:"max_retries"`
		FeeRate        float64 `yaml:"fee_rate"`
	} `yaml:"exchange"`
	Feed struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"feed"`
	Symbols  []string `yaml:"symbols"`
	Leverage int      `yaml:"leverage"`
	Scoring  struct {
		Weights struct {
			Technical  float64 `yaml:"technical"`
			Momentum   float64 `yaml:"momentum"`
			Volatility float64 `yaml:"volatility"`
			Volume     float64 `yaml:"volume"`
			Sentiment  float64 `yaml:"sentiment"`
		} `yaml:"weights"`
		Thresholds struct {
			StrongBuy float64 `yaml:"strong_buy"`
			Buy       float64 `yaml:"buy"`
			Hold      float64 `yaml:"hold"`
		} `yaml:"thresholds"`
	} `yaml:"scoring"`
	Risk struct {
		StartingEquity       float64 `yaml:"starting_equity"`
		BaseMarginPct        float64 `yaml:"base_margin_pct"`
		TargetATRPct         float64 `yaml:"target_atr_pct"`
		MaxPerSymbolPct      float64 `yaml:"max_per_symbol_pct"`
		MarginCeilingPct     float64 `yaml:"margin_ceiling_pct"`
		LiquidityFloorPct    float64 `yaml:"liquidity_floor_pct"`
		DailyTradeCap        int     `yaml:"daily_trade_cap"`
		DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`
		MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
		BlackoutMinutes      int     `yaml:"blackout_minutes"`
	} `yaml:"risk"`
	Exit struct {
		Ladder         []LadderRung `yaml:"ladder"`
		TrailingPct    float64      `yaml:"trailing_pct"`
		TrailingBasis  string       `yaml:"trailing_basis"` // "entry" or "last_tp"
		StopLossPct    float64      `yaml:"stop_loss_pct"`
		StopLossATRMul float64      `yaml:"stop_loss_atr_mult"`
		StopLossCapPct float64      `yaml:"stop_loss_cap_pct"`
		MaxHoldMinutes int          `yaml:"max_hold_minutes"`
		LiqDangerPct   float64      `yaml:"liq_danger_pct"`
	} `yaml:"exit"`
	Schedule struct {
		RiskCheckSeconds int    `yaml:"risk_check_seconds"`
		SyncCheckSeconds int    `yaml:"sync_check_seconds"`
		DailyResetTime   string `yaml:"daily_reset_time"` // "HH:MM" local time
	} `yaml:"schedule"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		Chats    struct {
			Critical  string `yaml:"critical"`
			Trades    string `yaml:"trades"`
			Report    string `yaml:"report"`
			System    string `yaml:"system"`
			Heartbeat string `yaml:"heartbeat"`
		} `yaml:"chats"`
	} `yaml:"telegram"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("EXCHANGE_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("FEED_BASE_URL"); v != "" {
		cfg.Feed.BaseURL = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("STARTING_EQUITY"); v != "" {
		if eq, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.StartingEquity = eq
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"BTC-USDT-SWAP"}
	}
	if c.Leverage == 0 {
		c.Leverage = 3
	}
	if c.Exchange.TimeoutSeconds == 0 {
		c.Exchange.TimeoutSeconds = 10
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 3
	}
	if c.Exchange.FeeRate == 0 {
		c.Exchange.FeeRate = 0.0005
	}

	w := &c.Scoring.Weights
	if w.Technical == 0 && w.Momentum == 0 && w.Volatility == 0 && w.Volume == 0 && w.Sentiment == 0 {
		w.Technical = 0.30
		w.Momentum = 0.25
		w.Volatility = 0.15
		w.Volume = 0.15
		w.Sentiment = 0.15
	}
	t := &c.Scoring.Thresholds
	if t.StrongBuy == 0 {
		t.StrongBuy = 80
	}
	if t.Buy == 0 {
		t.Buy = 65
	}
	if t.Hold == 0 {
		t.Hold = 35
	}

	r := &c.Risk
	if r.StartingEquity == 0 {
		r.StartingEquity = 10000
	}
	if r.BaseMarginPct == 0 {
		r.BaseMarginPct = 0.03
	}
	if r.TargetATRPct == 0 {
		r.TargetATRPct = 0.003
	}
	if r.MaxPerSymbolPct == 0 {
		r.MaxPerSymbolPct = 0.04
	}
	if r.MarginCeilingPct == 0 {
		r.MarginCeilingPct = 0.20
	}
	if r.LiquidityFloorPct == 0 {
		r.LiquidityFloorPct = 0.50
	}
	if r.DailyTradeCap == 0 {
		r.DailyTradeCap = 30
	}
	if r.DailyLossLimitPct == 0 {
		r.DailyLossLimitPct = 0.05
	}
	if r.MaxConsecutiveLosses == 0 {
		r.MaxConsecutiveLosses = 4
	}
	if r.BlackoutMinutes == 0 {
		r.BlackoutMinutes = 15
	}

	e := &c.Exit
	if len(e.Ladder) == 0 {
		e.Ladder = []LadderRung{
			{Fraction: 0.3, OffsetPct: 0.008},
			{Fraction: 0.3, OffsetPct: 0.015},
			{Fraction: 0.4, OffsetPct: 0.025},
		}
	}
	if e.TrailingPct == 0 {
		e.TrailingPct = 0.004
	}
	if e.TrailingBasis == "" {
		e.TrailingBasis = "last_tp"
	}
	if e.StopLossPct == 0 {
		e.StopLossPct = 0.010
	}
	if e.StopLossATRMul == 0 {
		e.StopLossATRMul = 2.0
	}
	if e.StopLossCapPct == 0 {
		e.StopLossCapPct = 0.020
	}
	if e.MaxHoldMinutes == 0 {
		e.MaxHoldMinutes = 60
	}
	if e.LiqDangerPct == 0 {
		e.LiqDangerPct = 0.05
	}

	s := &c.Schedule
	if s.RiskCheckSeconds == 0 {
		s.RiskCheckSeconds = 10
	}
	if s.SyncCheckSeconds == 0 {
		s.SyncCheckSeconds = 30
	}
	if s.DailyResetTime == "" {
		s.DailyResetTime = "23:55"
	}

	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/perppilot.db"
	}
}

// Validate checks that the configuration is internally consistent.
// Inconsistent values fail here at startup, never at trade time.
func (c *Config) Validate() error {
	if !c.Exchange.Paper && c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required when not in paper mode")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if c.Leverage < 1 || c.Leverage > 100 {
		return fmt.Errorf("leverage must be in [1,100], got %d", c.Leverage)
	}

	w := c.Scoring.Weights
	sum := w.Technical + w.Momentum + w.Volatility + w.Volume + w.Sentiment
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("scoring.weights must sum to 1.0, got %.4f", sum)
	}
	t := c.Scoring.Thresholds
	if !(t.StrongBuy > t.Buy && t.Buy > t.Hold && t.Hold > 0) {
		return fmt.Errorf("scoring.thresholds must be strictly descending: strong_buy > buy > hold > 0")
	}

	var ladderSum float64
	lastOffset := 0.0
	for i, rung := range c.Exit.Ladder {
		if rung.Fraction <= 0 || rung.OffsetPct <= 0 {
			return fmt.Errorf("exit.ladder[%d]: fraction and offset_pct must be positive", i)
		}
		if rung.OffsetPct <= lastOffset {
			return fmt.Errorf("exit.ladder[%d]: offsets must be strictly ascending", i)
		}
		lastOffset = rung.OffsetPct
		ladderSum += rung.Fraction
	}
	if ladderSum > 1.0+1e-9 {
		return fmt.Errorf("exit.ladder fractions sum to %.3f, must be <= 1.0", ladderSum)
	}

	if c.Exit.TrailingBasis != "entry" && c.Exit.TrailingBasis != "last_tp" {
		return fmt.Errorf("exit.trailing_basis must be %q or %q, got %q", "entry", "last_tp", c.Exit.TrailingBasis)
	}
	if c.Risk.MarginCeilingPct <= 0 || c.Risk.MarginCeilingPct > 1 {
		return fmt.Errorf("risk.margin_ceiling_pct must be in (0,1]")
	}
	if c.Risk.LiquidityFloorPct < 0 || c.Risk.LiquidityFloorPct >= 1 {
		return fmt.Errorf("risk.liquidity_floor_pct must be in [0,1)")
	}
	if _, err := ParseDailyTime(c.Schedule.DailyResetTime); err != nil {
		return fmt.Errorf("schedule.daily_reset_time: %w", err)
	}
	return nil
}

// ParseDailyTime parses an "HH:MM" wall-clock string into an offset from
// midnight.
func ParseDailyTime(s string) (time.Duration, error) {
	tm, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(tm.Hour())*time.Hour + time.Duration(tm.Minute())*time.Minute, nil
}
