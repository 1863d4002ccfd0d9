// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pbx"

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "calls",
		Name:      "active",
		Help:      "Number of calls not yet terminated",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "calls",
		Name:      "total",
		Help:      "Calls handled, by final disposition",
	}, []string{"disposition"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "calls",
		Name:      "duration_seconds",
		Help:      "Connected call duration",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	CallMOS = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "calls",
		Name:      "mos",
		Help:      "Final MOS estimate per terminated stream",
		Buckets:   []float64{1.5, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5},
	})

	PortsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "ports_available",
		Help:      "Free RTP port pairs in the pool",
	})

	PortExhaustion = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "port_exhaustion_total",
		Help:      "Allocation attempts rejected because the pool was empty",
	})

	PacketsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_relayed_total",
		Help:      "RTP packets forwarded between legs",
	}, []string{"direction"})

	DTMFDigits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dtmf",
		Name:      "digits_total",
		Help:      "DTMF digits detected, by detection path",
	}, []string{"source"})

	SIPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "requests_total",
		Help:      "Inbound SIP requests by method",
	}, []string{"method"})

	Registrations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "registrations",
		Help:      "Active location bindings",
	})
)

// Serve starts the Prometheus scrape endpoint on addr. Blocks; run it
// in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
