package config

import (
	"fmt"
	"strings"
	"time"
)

// KafkaConfig configures the completion publisher and the optional event
// ingress consumer. When Brokers is empty, both are disabled and completion
// signals are logged instead.
type KafkaConfig struct {
	Brokers         string        `envconfig:"BROKERS"` // comma-separated host:port list
	CompletionTopic string        `envconfig:"COMPLETION_TOPIC" default:"questline.completions"`
	EventsTopic     string        `envconfig:"EVENTS_TOPIC" default:"questline.events"`
	ConsumerGroup   string        `envconfig:"CONSUMER_GROUP" default:"questline-engine"`
	ConsumerEnabled bool          `envconfig:"CONSUMER_ENABLED" default:"false"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
	BatchTimeout    time.Duration `envconfig:"BATCH_TIMEOUT" default:"100ms"`
}

// BrokerList splits the comma-separated broker string.
func (c *KafkaConfig) BrokerList() []string {
	if c.Brokers == "" {
		return nil
	}
	parts := strings.Split(c.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsConfigured returns true if at least one broker is set.
func (c *KafkaConfig) IsConfigured() bool {
	return len(c.BrokerList()) > 0
}

// Validate checks if the Kafka configuration is valid.
func (c *KafkaConfig) Validate() error {
	if !c.IsConfigured() {
		if c.ConsumerEnabled {
			return fmt.Errorf("kafka consumer enabled but no brokers configured")
		}
		return nil
	}

	for _, b := range c.BrokerList() {
		host, port, found := strings.Cut(b, ":")
		if !found {
			return fmt.Errorf("kafka broker %q must be in host:port format", b)
		}
		if err := validateHost(host, "kafka broker"); err != nil {
			return err
		}
		if err := validatePort(port, "kafka broker"); err != nil {
			return err
		}
	}

	if err := validateNoWhitespace(c.CompletionTopic, "kafka completion topic"); err != nil {
		return err
	}
	if err := validateNoWhitespace(c.EventsTopic, "kafka events topic"); err != nil {
		return err
	}

	return nil
}
