// Package metrics exposes the GMT runtime's counters to Prometheus,
// grounded on cuemby-warren/pkg/metrics's registration style: package-level
// vectors constructed with prometheus.New*Vec and registered once at
// startup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UthreadsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gmt_uthreads_running",
			Help: "Uthreads currently running, by worker",
		},
		[]string{"worker"},
	)

	MtasksClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gmt_mtasks_claimed_total",
			Help: "Mtask iterations claimed by a worker",
		},
		[]string{"worker"},
	)

	CommandBlocksPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gmt_command_blocks_pushed_total",
			Help: "Command blocks pushed to a destination's pending queue",
		},
		[]string{"dest"},
	)

	NetworkBuffersSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gmt_network_buffers_sent_total",
			Help: "Packed network buffers handed to the transport",
		},
	)

	NetworkBufferWastedBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gmt_network_buffer_wasted_bytes",
			Help:    "COMM_BUFFER_SIZE minus bytes actually used in a sent buffer",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	ReservationRefills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gmt_reservation_refills_total",
			Help: "Reservation-request round trips issued per destination",
		},
		[]string{"dest"},
	)

	HandlesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gmt_handles_active",
			Help: "Live handles currently tracked by this node's pool",
		},
	)

	HandleRingCirculations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gmt_handle_ring_circulations_total",
			Help: "Ring-protocol circulations issued, by phase",
		},
		[]string{"phase"},
	)

	GlobalArrayBytesAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gmt_array_bytes_allocated",
			Help: "Bytes resident locally for each named or anonymous array",
		},
		[]string{"array"},
	)
)

// MustRegister registers all GMT collectors against reg, matching the
// teacher's one-shot registration call at startup.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		UthreadsRunning,
		MtasksClaimed,
		CommandBlocksPushed,
		NetworkBuffersSent,
		NetworkBufferWastedBytes,
		ReservationRefills,
		HandlesActive,
		HandleRingCirculations,
		GlobalArrayBytesAllocated,
	)
}

// Handler returns the HTTP handler serving the registered metrics, for a
// node process to mount on its debug mux.
func Handler() http.Handler { return promhttp.Handler() }
