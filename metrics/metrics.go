// Package metrics exposes framework activity as Prometheus metrics. Event
// counters are fed by a framework observer; bundle and service gauges are
// read from the framework on every scrape.
package metrics

import (
	"context"
	"net/http"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/osgi"
)

// ObserverID identifies the metrics observer on a framework.
const ObserverID = "osgi.metrics"

const namespace = "osgi"

var states = []osgi.BundleState{
	osgi.StateInstalled,
	osgi.StateResolved,
	osgi.StateStarting,
	osgi.StateStopping,
	osgi.StateActive,
}

// Metrics holds the Prometheus metrics of one framework. Each instance owns
// its registry so several frameworks can be scraped side by side.
type Metrics struct {
	fw       *osgi.Framework
	registry *prometheus.Registry

	BundleEvents    *prometheus.CounterVec
	ServiceEvents   *prometheus.CounterVec
	FrameworkEvents *prometheus.CounterVec
	UnknownEvents   prometheus.Counter
}

// New creates the metrics for fw. Call Attach to start counting events.
func New(fw *osgi.Framework) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		fw:       fw,
		registry: reg,

		BundleEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundle_events_total",
				Help:      "Bundle events by type",
			},
			[]string{"type"},
		),
		ServiceEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_events_total",
				Help:      "Service events by type",
			},
			[]string{"type"},
		),
		FrameworkEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "framework_events_total",
				Help:      "Framework events by type",
			},
			[]string{"type"},
		),
		UnknownEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unknown_events_total",
				Help:      "Observed events with an unrecognized type",
			},
		),
	}
	reg.MustRegister(&frameworkCollector{
		fw: fw,
		bundles: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bundles"),
			"Installed bundles by state, the system bundle included",
			[]string{"state"}, nil,
		),
		services: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "services_registered"),
			"Registered services",
			nil, nil,
		),
	})
	return m
}

// Attach registers m as an observer of its framework.
func (m *Metrics) Attach() error {
	return m.fw.RegisterObserver(m)
}

// Detach stops counting events.
func (m *Metrics) Detach() error {
	return m.fw.UnregisterObserver(m)
}

// ObserverID implements osgi.Observer.
func (m *Metrics) ObserverID() string { return ObserverID }

// OnEvent counts evt under the counter for its category.
func (m *Metrics) OnEvent(_ context.Context, evt cloudevents.Event) error {
	t := evt.Type()
	switch {
	case strings.HasPrefix(t, "com.osgi.bundle."):
		m.BundleEvents.WithLabelValues(strings.TrimPrefix(t, "com.osgi.bundle.")).Inc()
	case strings.HasPrefix(t, "com.osgi.service."):
		m.ServiceEvents.WithLabelValues(strings.TrimPrefix(t, "com.osgi.service.")).Inc()
	case strings.HasPrefix(t, "com.osgi.framework."):
		m.FrameworkEvents.WithLabelValues(strings.TrimPrefix(t, "com.osgi.framework.")).Inc()
	default:
		m.UnknownEvents.Inc()
	}
	return nil
}

// Registry returns the registry holding m's metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// frameworkCollector reports the framework's current bundles and services.
type frameworkCollector struct {
	fw       *osgi.Framework
	bundles  *prometheus.Desc
	services *prometheus.Desc
}

func (c *frameworkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bundles
	ch <- c.services
}

func (c *frameworkCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[osgi.BundleState]int, len(states))
	services := 0
	if ctx := c.fw.BundleContext(); ctx != nil {
		if bundles, err := ctx.Bundles(); err == nil {
			for _, b := range bundles {
				counts[b.State()]++
			}
		}
		if refs, err := ctx.GetServiceReferences("", ""); err == nil {
			services = len(refs)
		}
	}
	for _, s := range states {
		ch <- prometheus.MustNewConstMetric(c.bundles, prometheus.GaugeValue, float64(counts[s]), strings.ToLower(s.String()))
	}
	ch <- prometheus.MustNewConstMetric(c.services, prometheus.GaugeValue, float64(services))
}
