package chanvaultd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chanvault/chanvault/funding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "chanvault"

	// metricsReadHeaderTimeout bounds the header read of a scrape.
	metricsReadHeaderTimeout = 5 * time.Second
)

// requestLister lists all funding requests.
type requestLister interface {
	ListRequests(ctx context.Context) ([]*funding.Request, error)
}

// reservationCounter counts the reserved outpoints.
type reservationCounter interface {
	CountReservations(ctx context.Context) (int64, error)
}

// metrics holds the gauges exported by the daemon.
type metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.GaugeVec
	reservations prometheus.Gauge

	requestStore requestLister
	reserved     reservationCounter
}

// newMetrics creates the gauges and registers them on a fresh registry.
func newMetrics(requests requestLister,
	reserved reservationCounter) *metrics {

	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "funding",
			Name:      "requests",
			Help:      "Number of funding requests by type and state",
		}, []string{"type", "state"}),
		reservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "coinselect",
			Name:      "reserved_outpoints",
			Help:      "Number of outpoints reserved by requests",
		}),
		requestStore: requests,
		reserved:     reserved,
	}

	m.registry.MustRegister(m.requests, m.reservations)

	return m
}

// update refreshes all gauges from the database.
func (m *metrics) update(ctx context.Context) error {
	requests, err := m.requestStore.ListRequests(ctx)
	if err != nil {
		return err
	}

	// States without requests drop out instead of staying at their last
	// value.
	m.requests.Reset()
	for _, r := range requests {
		m.requests.WithLabelValues(
			r.Type.String(), string(r.GetState()),
		).Inc()
	}

	count, err := m.reserved.CountReservations(ctx)
	if err != nil {
		return err
	}
	m.reservations.Set(float64(count))

	return nil
}

// serve exports the registry on the listener until the context is done.
func (m *metrics) serve(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.registry, promhttp.HandlerOpts{},
	))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	log.Infof("Prometheus exporter started on %v/metrics", lis.Addr())

	err := server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
