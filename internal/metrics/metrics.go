// Package metrics exposes Prometheus counters and gauges for the trading
// engine. Serve starts the /metrics endpoint when an address is configured.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perppilot_orders_total",
		Help: "Entry orders placed, by position side.",
	}, []string{"side"})

	ExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perppilot_exits_total",
		Help: "Exit fills, by reason and side.",
	}, []string{"reason", "side"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perppilot_rejections_total",
		Help: "Entries refused by the risk manager, by reason.",
	}, []string{"reason"})

	SyncFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perppilot_sync_findings_total",
		Help: "Reconciliation findings, by kind.",
	}, []string{"kind"})

	ResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perppilot_resets_total",
		Help: "Completed full system resets.",
	})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perppilot_equity",
		Help: "Total account equity in quote currency.",
	})

	UsedMargin = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perppilot_used_margin",
		Help: "Margin currently reserved by open positions.",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perppilot_open_positions",
		Help: "Positions currently tracked by the ledger.",
	})

	DailyRealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perppilot_daily_realized_pnl",
		Help: "Realized profit and loss since the last daily reset.",
	})
)

// Serve exposes /metrics on addr in a background goroutine. An empty addr
// disables the endpoint.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[INFO] metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] metrics server: %v", err)
		}
	}()
}
