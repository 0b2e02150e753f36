// Package metrics collects pipeline counters on a private Prometheus
// registry and serves them in the standard exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Direction labels token counters as input or output.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Collector owns the pipeline's metrics. Safe for concurrent use.
type Collector struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	throttles    *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	cycleSeconds prometheus.Gauge
}

// NewCollector creates a collector with all metrics registered. Each
// collector carries its own registry, so instances never collide.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemini_requests_total",
			Help: "Completion requests sent, by model family",
		}, []string{"model"}),
		throttles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemini_429_total",
			Help: "Throttled completion requests, by model family",
		}, []string{"model"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemini_tokens_total",
			Help: "Tokens consumed, by model family and direction",
		}, []string{"model", "direction"}),
		cycleSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_cycle_seconds",
			Help: "Wall time of the most recent processing cycle",
		}),
	}
}

// IncRequests counts one completion request for a model family.
func (c *Collector) IncRequests(family string) {
	c.requests.WithLabelValues(family).Inc()
}

// IncThrottles counts one 429 response.
func (c *Collector) IncThrottles(family string) {
	c.throttles.WithLabelValues(family).Inc()
}

// AddTokens accumulates token usage for a model family.
func (c *Collector) AddTokens(family string, dir Direction, n int64) {
	if n < 0 {
		return
	}
	c.tokens.WithLabelValues(family, string(dir)).Add(float64(n))
}

// SetCycleDuration records the wall time of the most recent processing cycle.
func (c *Collector) SetCycleDuration(seconds float64) {
	c.cycleSeconds.Set(seconds)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Snapshot is a point-in-time copy of all counters, for the dashboard and
// internal consumers that want plain values rather than exposition text.
type Snapshot struct {
	Requests         map[string]int64            `json:"requests"`
	Throttles        map[string]int64            `json:"throttles"`
	Tokens           map[string]map[string]int64 `json:"tokens"`
	LastCycleSeconds float64                     `json:"last_cycle_seconds"`
}

// Snapshot gathers the registry into plain maps.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Requests:  make(map[string]int64),
		Throttles: make(map[string]int64),
		Tokens:    make(map[string]map[string]int64),
	}

	families, err := c.registry.Gather()
	if err != nil {
		return snap
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "gemini_requests_total":
			for _, m := range mf.GetMetric() {
				snap.Requests[labelValue(m.GetLabel(), "model")] = int64(m.GetCounter().GetValue())
			}
		case "gemini_429_total":
			for _, m := range mf.GetMetric() {
				snap.Throttles[labelValue(m.GetLabel(), "model")] = int64(m.GetCounter().GetValue())
			}
		case "gemini_tokens_total":
			for _, m := range mf.GetMetric() {
				model := labelValue(m.GetLabel(), "model")
				byDir, ok := snap.Tokens[model]
				if !ok {
					byDir = make(map[string]int64)
					snap.Tokens[model] = byDir
				}
				byDir[labelValue(m.GetLabel(), "direction")] = int64(m.GetCounter().GetValue())
			}
		case "worker_cycle_seconds":
			for _, m := range mf.GetMetric() {
				snap.LastCycleSeconds = m.GetGauge().GetValue()
			}
		}
	}
	return snap
}

func labelValue(pairs []*dto.LabelPair, name string) string {
	for _, pair := range pairs {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}
