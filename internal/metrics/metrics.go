// Package metrics wraps the Prometheus collectors exported by the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector the gateway exports. A single instance
// is created at boot and handed to each subsystem. Collectors live on a
// private Prometheus registry so tests can create registries freely.
type Registry struct {
	reg *prometheus.Registry

	TicksReceived   *prometheus.CounterVec // by account
	TicksRejected   *prometheus.CounterVec // by reason
	TicksEnriched   prometheus.Counter
	EnrichFailures  prometheus.Counter
	UnknownTokens   prometheus.Counter
	BusPublished    *prometheus.CounterVec // by topic
	BusDropped      *prometheus.CounterVec // by topic
	BusFailures     prometheus.Counter
	BarsEmitted     prometheus.Counter
	PoolConnections *prometheus.GaugeVec // by account
	PoolSubscribed  *prometheus.GaugeVec // by account
	Reconciles      prometheus.Counter
	ReconcileErrors prometheus.Counter
	ClientsActive   prometheus.Gauge
	ClientDropped   prometheus.Counter
	ClientsKicked   prometheus.Counter
	OrderTasks      *prometheus.CounterVec // by terminal status
	OrdersRunning   prometheus.Gauge
	MockTicks       prometheus.Counter
	MockEvictions   *prometheus.CounterVec // by reason (expiry, lru)
}

// New creates a registry with all gateway collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)
	return &Registry{
		reg: reg,
		TicksReceived: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ticks_received_total",
			Help: "Raw ticks received from upstream, by account",
		}, []string{"account"}),
		TicksRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ticks_rejected_total",
			Help: "Ticks rejected at validation, by reason",
		}, []string{"reason"}),
		TicksEnriched: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ticks_enriched_total",
			Help: "Option ticks enriched with greeks",
		}),
		EnrichFailures: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_enrich_failures_total",
			Help: "Single-tick enrichment failures (tick dropped, batch continued)",
		}),
		UnknownTokens: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_unknown_tokens_total",
			Help: "Ticks dropped because the token is not in the registry",
		}),
		BusPublished: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_bus_published_total",
			Help: "Messages published to the pub/sub bus, by topic",
		}, []string{"topic"}),
		BusDropped: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_bus_dropped_total",
			Help: "Messages dropped because the bus breaker was open, by topic",
		}, []string{"topic"}),
		BusFailures: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_failures_total",
			Help: "Publish attempts that exhausted retries",
		}),
		BarsEmitted: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bars_emitted_total",
			Help: "Underlying OHLCV bars emitted",
		}),
		PoolConnections: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pool_connections",
			Help: "Open upstream connections per account",
		}, []string{"account"}),
		PoolSubscribed: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pool_subscribed_tokens",
			Help: "Tokens subscribed per account",
		}, []string{"account"}),
		Reconciles: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_reconciles_total",
			Help: "Completed subscription reconcile passes",
		}),
		ReconcileErrors: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_reconcile_errors_total",
			Help: "Reconcile passes that hit account errors",
		}),
		ClientsActive: auto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_clients_active",
			Help: "Connected client WebSocket sessions",
		}),
		ClientDropped: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_client_messages_dropped_total",
			Help: "Messages dropped for slow clients (full outbound buffer)",
		}),
		ClientsKicked: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_clients_kicked_total",
			Help: "Client connections closed after sustained backpressure",
		}),
		OrderTasks: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_order_tasks_total",
			Help: "Order tasks reaching a terminal status",
		}, []string{"status"}),
		OrdersRunning: auto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_orders_running",
			Help: "Order tasks currently executing",
		}),
		MockTicks: auto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_mock_ticks_total",
			Help: "Synthetic ticks generated while the market is closed",
		}),
		MockEvictions: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_mock_evictions_total",
			Help: "Mock snapshots evicted, by reason",
		}, []string{"reason"}),
	}
}

// Handler returns the Prometheus scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
