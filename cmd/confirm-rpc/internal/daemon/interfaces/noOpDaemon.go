package interfaces

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NoOpDaemon The noOpDeamon is a dummy daemon implementation, supporting the Daemon interface.
// Used in testing and by the one-shot commands, which export no metrics.
type NoOpDaemon struct {
	metricsNamespace string
}

func MakeNoOpDeamon() *NoOpDaemon {
	return &NoOpDaemon{
		metricsNamespace: PrometheusNamespace,
	}
}

func (d *NoOpDaemon) MetricsRegistry() *prometheus.Registry {
	return prometheus.NewRegistry() // so that you can register metrics many times
}

func (d *NoOpDaemon) MetricsNamespace() string {
	return d.metricsNamespace
}

// RegistryDaemon is a Daemon backed by a single registry, used by tests
// which need to read back the metrics a component registered.
type RegistryDaemon struct {
	Registry *prometheus.Registry
}

func MakeRegistryDaemon() *RegistryDaemon {
	return &RegistryDaemon{Registry: prometheus.NewRegistry()}
}

func (d *RegistryDaemon) MetricsRegistry() *prometheus.Registry {
	return d.Registry
}

func (d *RegistryDaemon) MetricsNamespace() string {
	return PrometheusNamespace
}
