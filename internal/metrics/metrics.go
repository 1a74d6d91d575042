// Package metrics exposes escalation engine activity as Prometheus metrics.
//
// A Collector observes the engine (it implements escalation.Observer) and
// owns a private registry, so tests and multiple servers in one process
// never collide on the global default registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HendryAvila/handoff/internal/escalation"
)

const namespace = "handoff"

// Rejection reasons used as the "reason" label.
const (
	ReasonResolved   = "resolved"
	ReasonOutOfOrder = "out_of_order"
	ReasonMalformed  = "malformed"
)

// SnapshotSource is anything that can list tracker snapshots.
// *escalation.Engine satisfies it.
type SnapshotSource interface {
	Snapshots() []escalation.Snapshot
}

// Collector records engine activity.
type Collector struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	escalations *prometheus.CounterVec
	resolutions prometheus.Counter

	trackers *trackerCollector
}

// New creates a Collector with all metrics registered on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Accepted action events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected action events by reason.",
		}, []string{"reason"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Emitted escalation records by trigger and target role.",
		}, []string{"trigger", "role"}),
		resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Sub-problems marked resolved.",
		}),
		trackers: newTrackerCollector(),
	}
	reg.MustRegister(
		c.events,
		c.rejections,
		c.escalations,
		c.resolutions,
		c.trackers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Watch sets the source for the trackers-by-state gauge.
func (c *Collector) Watch(src SnapshotSource) {
	c.trackers.src.Store(&src)
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// --- escalation.Observer ---

func (c *Collector) EventAccepted(_ context.Context, ev escalation.ActionEvent, _ escalation.Snapshot) error {
	c.events.WithLabelValues(string(ev.Kind), string(ev.Outcome)).Inc()
	return nil
}

func (c *Collector) EventRejected(_ context.Context, _ escalation.ActionEvent, cause error) error {
	c.rejections.WithLabelValues(RejectionReason(cause)).Inc()
	return nil
}

func (c *Collector) Escalated(_ context.Context, rec escalation.Record) error {
	c.escalations.WithLabelValues(string(rec.Trigger), string(rec.Role)).Inc()
	return nil
}

func (c *Collector) Resolved(context.Context, escalation.Snapshot) error {
	c.resolutions.Inc()
	return nil
}

// RejectionReason maps a rejection error to its label value.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, escalation.ErrResolved):
		return ReasonResolved
	case errors.Is(err, escalation.ErrOutOfOrder):
		return ReasonOutOfOrder
	default:
		return ReasonMalformed
	}
}

// --- Trackers by state ---

// trackerCollector reports a gauge per tracker state, computed on scrape.
type trackerCollector struct {
	desc *prometheus.Desc
	src  atomic.Pointer[SnapshotSource]
}

func newTrackerCollector() *trackerCollector {
	return &trackerCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "trackers"),
			"Sub-problem trackers by state.",
			[]string{"state"}, nil,
		),
	}
}

func (t *trackerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.desc
}

func (t *trackerCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[escalation.State]int{
		escalation.StateActive:     0,
		escalation.StateEscalating: 0,
		escalation.StateCooldown:   0,
		escalation.StateResolved:   0,
	}
	if src := t.src.Load(); src != nil {
		for _, s := range (*src).Snapshots() {
			counts[s.State]++
		}
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(t.desc, prometheus.GaugeValue, float64(n), string(state))
	}
}

// --- HTTP endpoint ---

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
