package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

const MetricsName = "metrics"

// Metrics holds the prometheus collectors recorded by the metrics middleware
// and by the tool hooks wired through ObserveToolCall.
type Metrics struct {
	Inferences        *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	ToolCalls         *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Inferences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "turnkit",
				Name:      "inferences_total",
				Help:      "Inference passes through the middleware chain, by outcome.",
			},
			[]string{"outcome"},
		),
		InferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "turnkit",
				Name:      "inference_duration_seconds",
				Help:      "Duration of inference passes.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "turnkit",
				Name:      "tool_calls_total",
				Help:      "Tool invocations, by tool and outcome.",
			},
			[]string{"tool_name", "outcome"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "turnkit",
				Name:      "tool_duration_seconds",
				Help:      "Duration of tool executions.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Inferences, m.InferenceDuration, m.ToolCalls, m.ToolDuration} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register turnkit metrics")
		}
	}
	return m, nil
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(toolName string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(toolName, outcome(err)).Inc()
	m.ToolDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// NewMetricsMiddleware counts inference passes and their duration.
func NewMetricsMiddleware(m *Metrics) Middleware {
	return Named(MetricsName, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
			if m == nil {
				return next(ctx, t)
			}
			start := time.Now()
			res, err := next(ctx, t)
			m.InferenceDuration.Observe(time.Since(start).Seconds())
			m.Inferences.WithLabelValues(outcome(err)).Inc()
			return res, err
		}
	})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := runerrors.KindOf(err); k != runerrors.KindUnknown {
		return string(k)
	}
	return "error"
}
