// Package metrics holds the treasury's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "treasury"

// Registry is served on /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	SettlementOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_outcomes_total",
		Help:      "Settlement notifications by outcome code.",
	}, []string{"code"})

	RebalanceRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebalance_runs_total",
		Help:      "Rebalance controller triggers by resulting status.",
	}, []string{"status"})

	LedgerTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_transitions_total",
		Help:      "Treasury transactions reaching a status, by type.",
	}, []string{"type", "status"})

	MovedUSDC = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "moved_usdc_total",
		Help:      "USDC moved by successful transactions, by type.",
	}, []string{"type"})

	RateLimitRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_rate_limit_retries_total",
		Help:      "Retries after an RPC rate-limit response, by operation.",
	}, []string{"op"})

	CashBufferUSDC = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cash_buffer_usdc",
		Help:      "Liquid USDC in the merchant wallet at the last balance read.",
	})

	InYieldUSDC = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_yield_usdc",
		Help:      "USDC supplied to the yield protocol at the last balance read.",
	})

	SupplyAPYPercent = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "supply_apy_percent",
		Help:      "Yield protocol supply APY at the last read.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
