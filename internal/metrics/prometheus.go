package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	p.Metrics = &Metrics{
		SignalsEmitted:      p.counter("signals_emitted_total", "Rebalance signals emitted by the neutrality monitor."),
		GateBlocked:         p.counter("gate_blocked_total", "Attempts aborted by a safety gate."),
		KillSwitchTripped:   p.counter("kill_switch_tripped_total", "Attempts aborted by the round-trip latency kill switch."),
		BundlesSubmitted:    p.counter("bundles_submitted_total", "Bundles accepted by the bundling venue."),
		BundlesLanded:       p.counter("bundles_landed_total", "Bundles confirmed on chain."),
		BundlesFailed:       p.counter("bundles_failed_total", "Bundles that failed simulation, submission or landing."),
		BundlesTimedOut:     p.counter("bundles_timed_out_total", "Bundles whose confirmation polling timed out."),
		PartialFills:        p.counter("partial_fills_total", "Attempts that left exactly one leg executed."),
		RecoveriesExecuted:  p.counter("recoveries_executed_total", "Corrective trades that completed."),
		RecoveriesFailed:    p.counter("recoveries_failed_total", "Corrective trades that failed and need manual intervention."),
		SequentialLaunches:  p.counter("sequential_launches_total", "Attempts routed through the sequential fallback."),
		SequentialRollbacks: p.counter("sequential_rollbacks_total", "Emergency spot sells issued by the sequential fallback."),
		MonitorErrors:       p.counter("monitor_errors_total", "Neutrality monitor ticks that failed to read state."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
