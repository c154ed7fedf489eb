package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"PerpPilot/internal/config"
	"PerpPilot/internal/engine"
	"PerpPilot/internal/exchange"
	"PerpPilot/internal/ledger"
	"PerpPilot/internal/metrics"
	"PerpPilot/internal/notifier"
	"PerpPilot/internal/reconcile"
	"PerpPilot/internal/risk"
	"PerpPilot/internal/scheduler"
	"PerpPilot/internal/scoring"
	"PerpPilot/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "perppilot",
		Short: "Leveraged derivatives trading bot with risk-bounded sizing and exchange reconciliation",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the trading loop",
			RunE:  func(_ *cobra.Command, _ []string) error { return run() },
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Run one full system reset and exit",
			RunE:  func(_ *cobra.Command, _ []string) error { return resetOnce() },
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the fully wired application.
type app struct {
	cfg    *config.Config
	store  store.Store
	notify notifier.Notifier
	ledger *ledger.Ledger
	risk   *risk.Manager
	engine *engine.Engine
	rec    *reconcile.Reconciler
	sched  *scheduler.Scheduler
}

func build() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	var st store.Store
	if cfg.Database.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		st, err = store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	} else {
		st = store.NewNoopStore()
	}

	var nt notifier.Notifier
	if cfg.Telegram.BotToken != "" {
		nt, err = notifier.NewTelegramNotifier(cfg)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		log.Println("[INFO] telegram notifier enabled")
	} else {
		nt = notifier.NewNoopNotifier()
		log.Println("[INFO] no telegram token, notifications disabled")
	}

	var ex exchange.Exchange
	var feed scoring.Feed
	if cfg.Exchange.Paper {
		log.Println("[INFO] paper trading mode")
		paper := exchange.NewPaperExchange(cfg.Risk.StartingEquity)
		for _, sym := range cfg.Symbols {
			paper.SetPrice(sym, 1) // replaced by live feed quotes in paper runs
		}
		ex = paper
		feed = &scoring.StaticFeed{ATR: cfg.Risk.TargetATRPct}
	} else {
		ex = exchange.NewRESTClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Proxy,
			time.Duration(cfg.Exchange.TimeoutSeconds)*time.Second, cfg.Exchange.MaxRetries)
		feed = scoring.NewRESTFeed(cfg.Feed.BaseURL, cfg.Feed.APIKey, cfg.Proxy)
	}

	rm, err := risk.NewManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("risk manager: %w", err)
	}
	agg, err := scoring.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("score aggregator: %w", err)
	}

	ldg := ledger.New(st)
	eng := engine.New(cfg, ex, ldg, rm, st, nt, feed, agg)
	rec := reconcile.New(ex, ldg, rm, st, nt, eng,
		cfg.Exchange.MaxRetries, cfg.Risk.StartingEquity)
	sched := scheduler.New(cfg, eng, rec, ldg, rm, st, nt)

	return &app{
		cfg:    cfg,
		store:  st,
		notify: nt,
		ledger: ldg,
		risk:   rm,
		engine: eng,
		rec:    rec,
		sched:  sched,
	}, nil
}

func run() error {
	a, err := build()
	if err != nil {
		return err
	}
	defer a.store.Close()
	defer a.notify.Close()

	metrics.Serve(a.cfg.Metrics.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.cfg.Telegram.BotToken != "" {
		poller := notifier.NewPoller(a.cfg.Telegram.BotToken, a.sched.HandleCommand)
		go poller.Run(ctx)
	}

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("[INFO] received %s, shutting down", s)

	cancel()
	a.sched.Stop()
	log.Println("[INFO] shutdown complete")
	return nil
}

func resetOnce() error {
	a, err := build()
	if err != nil {
		return err
	}
	defer a.store.Close()
	defer a.notify.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := a.ledger.Restore(); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	sum, err := a.rec.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	log.Printf("[INFO] reset done: %d positions closed, %d orders cancelled, equity %.2f",
		sum.PositionsClosed, sum.OrdersCancelled, sum.Equity)
	return nil
}
