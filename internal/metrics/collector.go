// Package metrics exposes routing lifecycle counters in Prometheus format.
// The Recorder never sits on the processing path: it subscribes to the
// event bus and derives everything from lifecycle events.
package metrics

import (
	"net/http"
	"time"

	"agentrelay/internal/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests and multiple servers in one
// process do not collide on the global one.
type Recorder struct {
	registry *prometheus.Registry
	started  time.Time

	units              *prometheus.CounterVec
	unitDuration       *prometheus.HistogramVec
	completions        *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	completionAttempts *prometheus.HistogramVec
	completionTokens   *prometheus.CounterVec
	deliveryFailures   *prometheus.CounterVec
	statusUpdates      *prometheus.CounterVec
	agentsFlagged      *prometheus.CounterVec
	listenerRunning    *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	r := &Recorder{registry: reg, started: time.Now()}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentrelay_uptime_seconds",
		Help: "Time since the recorder was created",
	}, func() float64 { return time.Since(r.started).Seconds() })

	r.units = f.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_units_total",
		Help: "Processing units by channel, kind and final state",
	}, []string{"channel", "kind", "state"})
	r.unitDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentrelay_unit_duration_seconds",
		Help:    "Time from verification to dispatch",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"channel", "kind"})
	r.completions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_completion_requests_total",
		Help: "Completion requests by backend, model and outcome",
	}, []string{"backend", "model", "outcome"})
	r.completionDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentrelay_completion_duration_seconds",
		Help:    "Completion latency including retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"backend", "model"})
	r.completionAttempts = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentrelay_completion_attempts",
		Help:    "Attempts needed per completion",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	}, []string{"backend"})
	r.completionTokens = f.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_completion_tokens_total",
		Help: "Tokens reported by the completion backend",
	}, []string{"backend", "model"})
	r.deliveryFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_delivery_failures_total",
		Help: "Outbound messages the channel refused",
	}, []string{"channel"})
	r.statusUpdates = f.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_delivery_status_updates_total",
		Help: "Delivery receipts applied",
	}, []string{"channel", "status"})
	r.agentsFlagged = f.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_agents_flagged_total",
		Help: "Agents moved to error status after a fatal upstream error",
	}, []string{"agent"})
	r.listenerRunning = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentrelay_listener_running",
		Help: "1 while a channel listener is receiving updates",
	}, []string{"channel"})
	return r
}

// Attach subscribes the recorder to every event on eb.
func (r *Recorder) Attach(eb *bus.EventBus) string {
	return eb.On("*", r.observe)
}

func (r *Recorder) observe(e bus.Event) {
	p := e.Payload
	switch e.Type {
	case bus.EventUnitDispatched:
		r.units.WithLabelValues(str(p, "channel"), str(p, "kind"), "dispatched").Inc()
		if d, ok := p["duration"].(time.Duration); ok {
			r.unitDuration.WithLabelValues(str(p, "channel"), str(p, "kind")).Observe(d.Seconds())
		}
	case bus.EventUnitRejected:
		r.units.WithLabelValues(str(p, "channel"), str(p, "kind"), "rejected").Inc()
	case bus.EventUnitFailed:
		r.units.WithLabelValues(str(p, "channel"), str(p, "kind"), "failed").Inc()
	case bus.EventUnitDuplicate:
		r.units.WithLabelValues(str(p, "channel"), str(p, "kind"), "duplicate").Inc()
	case bus.EventCompletionFinished:
		backend, model := str(p, "backend"), str(p, "model")
		r.completions.WithLabelValues(backend, model, str(p, "outcome")).Inc()
		if d, ok := p["duration"].(time.Duration); ok {
			r.completionDuration.WithLabelValues(backend, model).Observe(d.Seconds())
		}
		if n, ok := p["attempts"].(int); ok {
			r.completionAttempts.WithLabelValues(backend).Observe(float64(n))
		}
		if n, ok := p["tokens"].(int); ok && n > 0 {
			r.completionTokens.WithLabelValues(backend, model).Add(float64(n))
		}
	case bus.EventDeliveryFailed:
		r.deliveryFailures.WithLabelValues(str(p, "channel")).Inc()
	case bus.EventStatusUpdated:
		r.statusUpdates.WithLabelValues(str(p, "channel"), str(p, "status")).Inc()
	case bus.EventAgentFlagged:
		r.agentsFlagged.WithLabelValues(str(p, "agent")).Inc()
	case bus.EventListenerChanged:
		v := 0.0
		if running, _ := p["running"].(bool); running {
			v = 1
		}
		r.listenerRunning.WithLabelValues(str(p, "channel")).Set(v)
	}
}

// Handler serves the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// str reads a payload value as a label, accepting fmt.Stringer values such
// as domain.Channel.
func str(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case interface{ String() string }:
		return v.String()
	default:
		return ""
	}
}
