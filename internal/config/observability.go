package config

import "time"

// ObservabilityConfig configures the dedicated admin server that exposes
// health probes and Prometheus metrics. It runs on its own port to keep
// administrative traffic away from business traffic.
type ObservabilityConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"true"`
	Port          string        `envconfig:"PORT" default:"9090"`
	MetricsPath   string        `envconfig:"METRICS_PATH" default:"/metrics"`
	LivenessPath  string        `envconfig:"LIVENESS_PATH" default:"/health/live"`
	ReadinessPath string        `envconfig:"READINESS_PATH" default:"/health/ready"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

// Validate performs validation on the ObservabilityConfig.
func (c *ObservabilityConfig) Validate() error {
	return validatePort(c.Port, "observability")
}
