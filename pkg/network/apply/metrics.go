package apply

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/threefoldtech/pbr/pkg/network/rules"
)

// Metrics of the applier
type Metrics struct {
	registry *prometheus.Registry
	commands *prometheus.CounterVec
	failures prometheus.Counter
}

// NewMetrics creates the applier metrics in their own registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbr_apply_commands_total",
			Help: "Number of commands applied by kind and result",
		}, []string{"kind", "result"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbr_apply_node_failures_total",
			Help: "Number of nodes that failed to apply their rules",
		}),
	}
	m.registry.MustRegister(m.commands, m.failures)
	return m
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the metrics in the text exposition format to path
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) observe(cmd rules.Command, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(string(cmd.Kind()), result).Inc()
}

func (m *Metrics) nodeFailures(n int) {
	if m == nil {
		return
	}
	m.failures.Add(float64(n))
}
