package config

import (
	"fmt"
	"time"
)

// ControlConfig configures the HTTP control plane server.
type ControlConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`

	// APIKeyHash is the SHA-256 hash (hex) of the admin API key.
	// Required in production; when empty outside production, auth is disabled.
	APIKeyHash string `envconfig:"API_KEY_HASH"`
}

// Validate performs validation on the ControlConfig.
func (c *ControlConfig) Validate(environment string) error {
	if err := validatePort(c.Port, "control plane"); err != nil {
		return err
	}

	if err := validateHost(c.Host, "control plane"); err != nil {
		return err
	}

	if environment == EnvironmentProduction && c.APIKeyHash == "" {
		return fmt.Errorf("control plane API key hash is required in production environment")
	}

	return nil
}

// Address returns the listen address in host:port format.
func (c *ControlConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
