// Package metrics exposes Prometheus instruments for the exchange. All
// collectors are registered on the default registry and served by the API's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "margincore",
		Name:      "orders_placed_total",
		Help:      "Orders accepted by the matching engine.",
	}, []string{"symbol", "type"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "margincore",
		Name:      "orders_rejected_total",
		Help:      "Orders rejected before or during matching.",
	}, []string{"symbol"})

	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "margincore",
		Name:      "orders_cancelled_total",
		Help:      "Orders cancelled or expired.",
	}, []string{"symbol"})

	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "margincore",
		Name:      "trades_total",
		Help:      "Fills executed.",
	}, []string{"symbol"})

	TradedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "margincore",
		Name:      "traded_volume",
		Help:      "Filled quantity in size units.",
	}, []string{"symbol"})

	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "margincore",
		Name:      "liquidations_total",
		Help:      "Completed liquidations.",
	}, []string{"symbol", "method"})

	SocializedLoss = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "margincore",
		Name:      "socialized_loss_total",
		Help:      "Losses beyond seized margin, absorbed by the insurance fund.",
	})

	OpenInterest = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "margincore",
		Name:      "open_interest",
		Help:      "Sum of absolute position sizes per market.",
	}, []string{"symbol"})

	MarkPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "margincore",
		Name:      "mark_price",
		Help:      "Current mark price per market.",
	}, []string{"symbol"})

	InsuranceFund = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "margincore",
		Name:      "insurance_fund_balance",
		Help:      "Insurance fund balance; negative means outstanding socialized loss.",
	})
)
