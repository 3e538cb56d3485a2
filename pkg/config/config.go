package config

import (
	"fmt"
	"os"

	"github.com/iter-org/drawbridge/pkg/acme"
	"gopkg.in/yaml.v3"
)

// Environment selects the ACME endpoint set.
type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

// DirectoryURL returns the ACME directory for the environment.
func (e Environment) DirectoryURL() string {
	if e == Staging {
		return acme.StagingDirectory
	}
	return acme.ProductionDirectory
}

// Config is the controller configuration. Values come from the defaults,
// overridden by an optional YAML file, overridden by the environment.
type Config struct {
	// PodName identifies this replica; it seeds the congress NodeID. Comes
	// from the CURRENT_POD_NAME environment variable.
	PodName string `yaml:"-"`

	Namespace   string      `yaml:"namespace"`
	Environment Environment `yaml:"environment"`
	Email       string      `yaml:"email"`

	HTTPPort    int `yaml:"http_port"`
	HTTPSPort   int `yaml:"https_port"`
	PeerPort    int `yaml:"peer_port"`
	MetricsPort int `yaml:"metrics_port"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Kubeconfig is the development fallback when not running in-cluster.
	Kubeconfig string `yaml:"kubeconfig"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Namespace:   "drawbridge-ingress",
		Environment: Production,
		HTTPPort:    80,
		HTTPSPort:   443,
		PeerPort:    8000,
		MetricsPort: 9090,
		LogLevel:    "info",
		LogJSON:     true,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.PodName = os.Getenv("CURRENT_POD_NAME")
	if env := os.Getenv("DRAWBRIDGE_ENV"); env != "" {
		cfg.Environment = Environment(env)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields no default can supply.
func (c Config) Validate() error {
	if c.PodName == "" {
		return fmt.Errorf("config: CURRENT_POD_NAME must be set")
	}
	if c.Email == "" {
		return fmt.Errorf("config: an ACME contact email is required")
	}
	if c.Environment != Production && c.Environment != Staging {
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	return nil
}
