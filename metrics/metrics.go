package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/loggo"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = loggo.GetLogger("evsc.metrics")

var (
	// Registry holds every collector exported by the service.
	Registry = prometheus.NewRegistry()

	// Armed is 1 while the smart charging controller is armed.
	Armed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evsc_controller_armed",
			Help: "Whether smart charging is armed (1) or disarmed (0).",
		},
	)

	// TicksTotal counts controller ticks by outcome.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evsc_controller_ticks_total",
			Help: "Controller ticks by outcome.",
		},
		[]string{"outcome"}, // applied, noop, skipped, stale, failed
	)

	// DecisionsTotal counts decisions by the rule that matched.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evsc_decisions_total",
			Help: "Charging decisions by matching rule.",
		},
		[]string{"branch"},
	)

	// CommandsTotal counts vehicle commands sent by the service.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evsc_vehicle_commands_total",
			Help: "Vehicle commands by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// CommandLatency records how long the bridge took to accept a command.
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evsc_vehicle_command_latency_seconds",
			Help:    "Latency of sending commands to the vehicle bridge.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// SignalFailuresTotal counts grid signal fetches that failed.
	SignalFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evsc_signal_fetch_failures_total",
			Help: "Grid signal fetches that did not return a usable value.",
		},
	)

	// SetpointCommitsTotal counts debounced target SOC commits.
	SetpointCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evsc_setpoint_commits_total",
			Help: "Debounced target SOC commits by result.",
		},
		[]string{"result"},
	)

	// BusHandlerFailuresTotal counts event handlers that failed or panicked.
	BusHandlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evsc_bus_handler_failures_total",
			Help: "Event handlers that returned an error or panicked.",
		},
		[]string{"topic"},
	)
)

func init() {
	Registry.MustRegister(
		Armed,
		TicksTotal,
		DecisionsTotal,
		CommandsTotal,
		CommandLatency,
		SignalFailuresTotal,
		SetpointCommitsTotal,
		BusHandlerFailuresTotal,
	)
}

// Result maps an error onto the result label.
func Result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// ObserveCommand records the outcome of a vehicle command.
func ObserveCommand(kind string, started time.Time, err error) {
	CommandsTotal.WithLabelValues(kind, Result(err)).Inc()
	CommandLatency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// BusFailureHook has the signature of bus.FailureHook.
func BusFailureHook(topic string, err error) {
	BusHandlerFailuresTotal.WithLabelValues(topic).Inc()
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NewServer returns a worker serving /metrics on addr.
func NewServer(ctx context.Context, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &Server{
		ctx: ctx,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		closed: make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

type Server struct {
	ctx    context.Context
	srv    *http.Server
	closed chan struct{}
	quit   chan struct{}
}

func (s *Server) loop() {
	defer close(s.closed)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("failed to serve metrics: %q", err)
		}
		return
	case <-s.ctx.Done():
	case <-s.quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Errorf("failed to stop metrics server: %q", err)
	}
}

func (s *Server) Start() error {
	log.Infof("serving metrics on %s", s.srv.Addr)
	go s.loop()
	return nil
}

func (s *Server) Stop() error {
	close(s.quit)
	select {
	case <-s.closed:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for worker to exit")
	}
}
