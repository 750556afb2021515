// Package metrics exposes Prometheus metrics for tasks, processes and live
// displays.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "robo"

// Collector owns every robo metric. Methods are safe for concurrent use
// and are no-ops on a nil receiver.
type Collector struct {
	info             *prometheus.GaugeVec
	tasksLive        prometheus.Gauge
	sessionsLive     prometheus.Gauge
	processesStarted prometheus.Counter
	processExits     *prometheus.CounterVec
	lines            *prometheus.CounterVec
	renders          *prometheus.CounterVec
	displayFailures  prometheus.Counter
	invocations      *prometheus.CounterVec
}

// NewCollector creates a Collector registered on the default registry.
func NewCollector(version string) *Collector {
	return NewCollectorWithRegistry(version, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a Collector registered on reg.
func NewCollectorWithRegistry(version string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Build information (value always 1)",
		}, []string{"version", "go_version"}),
		tasksLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_live",
			Help:      "Tasks currently registered",
		}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "display_sessions_live",
			Help:      "Display sessions currently open",
		}),
		processesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_started_total",
			Help:      "Processes spawned",
		}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Process terminations by status",
		}, []string{"status"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Output lines read, by stream",
		}, []string{"stream"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_renders_total",
			Help:      "Remote display calls, by kind (create, edit, final, skipped)",
		}, []string{"kind"}),
		displayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_failures_total",
			Help:      "Display sessions terminated by a remote failure",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Commands dispatched, by command and outcome",
		}, []string{"command", "outcome"}),
	}

	reg.MustRegister(
		c.info,
		c.tasksLive,
		c.sessionsLive,
		c.processesStarted,
		c.processExits,
		c.lines,
		c.renders,
		c.displayFailures,
		c.invocations,
	)
	c.info.WithLabelValues(version, runtime.Version()).Set(1)
	return c
}

// SetLiveTasks records the current task count.
func (c *Collector) SetLiveTasks(n int) {
	if c == nil {
		return
	}
	c.tasksLive.Set(float64(n))
}

// SessionOpened increments the live session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsLive.Inc()
}

// SessionClosed decrements the live session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsLive.Dec()
}

// ProcessStarted counts a spawn.
func (c *Collector) ProcessStarted() {
	if c == nil {
		return
	}
	c.processesStarted.Inc()
}

// ProcessExited counts a termination.
func (c *Collector) ProcessExited(status string) {
	if c == nil {
		return
	}
	c.processExits.WithLabelValues(status).Inc()
}

// Line counts one output line.
func (c *Collector) Line(stream string) {
	if c == nil {
		return
	}
	c.lines.WithLabelValues(stream).Inc()
}

// Render counts a display call of the given kind.
func (c *Collector) Render(kind string) {
	if c == nil {
		return
	}
	c.renders.WithLabelValues(kind).Inc()
}

// DisplayFailed counts a session lost to remote failures.
func (c *Collector) DisplayFailed() {
	if c == nil {
		return
	}
	c.displayFailures.Inc()
}

// Invocation counts a dispatched command.
func (c *Collector) Invocation(command, outcome string) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(command, outcome).Inc()
}
