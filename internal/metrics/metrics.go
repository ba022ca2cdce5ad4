// Package metrics exports invocation metrics to Prometheus.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/homesync/internal/engine"
)

// Outcome label values besides lower-cased error codes.
const (
	OutcomeCommitted = "committed"
	OutcomeUnchanged = "unchanged"
)

// UnknownAction is the action label of calls naming an action the service
// does not define.
const UnknownAction = "unknown"

// Collector records engine outcomes. It implements engine.Observer.
type Collector struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	revision    *prometheus.GaugeVec
}

// New creates a collector and registers it with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "homesync",
				Subsystem: "engine",
				Name:      "invocations_total",
				Help:      "Action invocations by service, action and outcome",
			},
			[]string{"service", "action", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "homesync",
				Subsystem: "engine",
				Name:      "invocation_duration_seconds",
				Help:      "Duration of action invocations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "action"},
		),
		revision: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "homesync",
				Subsystem: "engine",
				Name:      "service_revision",
				Help:      "Latest committed revision per service",
			},
			[]string{"service"},
		),
	}
	for _, col := range []prometheus.Collector{c.invocations, c.duration, c.revision} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe implements engine.Observer.
func (c *Collector) Observe(o engine.Outcome) {
	// Unknown actions never reached the pipeline. Their names come from
	// callers, so they share one label and stay out of the histogram.
	if o.InvocationID == "" {
		c.invocations.WithLabelValues(o.Service, UnknownAction, outcomeLabel(o)).Inc()
	} else {
		c.invocations.WithLabelValues(o.Service, o.Action, outcomeLabel(o)).Inc()
		c.duration.WithLabelValues(o.Service, o.Action).Observe(o.Duration.Seconds())
	}
	if o.Committed {
		c.revision.WithLabelValues(o.Service).Set(float64(o.Revision))
	}
}

func outcomeLabel(o engine.Outcome) string {
	switch {
	case o.Committed:
		return OutcomeCommitted
	case o.Err == nil:
		return OutcomeUnchanged
	default:
		return strings.ToLower(string(engine.Public(o.Err, false).Code))
	}
}

// Handler serves the registry's metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
