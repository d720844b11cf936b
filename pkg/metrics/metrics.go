// Package metrics exposes prometheus counters for the softdp stack.
//
// Counters are registered on [Registry] rather than the global default
// registerer, so embedding applications choose whether to export them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every softdp collector.
var Registry = prometheus.NewRegistry()

var (
	AuxTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softdp_aux_transactions_total",
			Help: "Number of AUX transactions by request kind",
		},
		[]string{"kind"},
	)

	AuxDefersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softdp_aux_defers_total",
			Help: "Number of AUX DEFER or I2C DEFER replies retried",
		},
	)

	AuxErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softdp_aux_errors_total",
			Help: "Number of failed AUX transactions by cause",
		},
		[]string{"cause"},
	)

	SidebandMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softdp_sideband_messages_total",
			Help: "Number of sideband down requests sent by request identifier",
		},
		[]string{"request"},
	)

	SidebandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softdp_sideband_errors_total",
			Help: "Number of sideband failures by cause",
		},
		[]string{"cause"},
	)

	TrainingAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softdp_training_attempts_total",
			Help: "Number of clock recovery attempts, including downshifted retries",
		},
	)

	TrainingDownshiftsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softdp_training_downshifts_total",
			Help: "Number of adaptive training downshifts by dimension",
		},
		[]string{"dimension"},
	)

	TimeSlotsAllocatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softdp_time_slots_allocated_total",
			Help: "Number of MST time slots committed to VC payloads",
		},
	)

	DiscoveredNodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softdp_discovered_nodes_total",
			Help: "Number of topology nodes discovered by device type",
		},
		[]string{"type"},
	)
)

func init() {
	Registry.MustRegister(AuxTransactionsTotal)
	Registry.MustRegister(AuxDefersTotal)
	Registry.MustRegister(AuxErrorsTotal)
	Registry.MustRegister(SidebandMessagesTotal)
	Registry.MustRegister(SidebandErrorsTotal)
	Registry.MustRegister(TrainingAttemptsTotal)
	Registry.MustRegister(TrainingDownshiftsTotal)
	Registry.MustRegister(TimeSlotsAllocatedTotal)
	Registry.MustRegister(DiscoveredNodesTotal)
}
