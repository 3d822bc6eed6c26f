// Package mdconfig loads the resolver's YAML configuration file: a flat
// struct of scalar knobs plus an upstream list, read with gopkg.in/yaml.v3
// and defaulted the same way resolver.Builder defaults unset optional
// fields.
package mdconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UpstreamConfig describes one upstream entry in the YAML file.
type UpstreamConfig struct {
	Name               string `yaml:"name"`
	Kind               string `yaml:"kind"`
	Host               string `yaml:"host,omitempty"`
	Port               int    `yaml:"port,omitempty"`
	SNI                string `yaml:"sni,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	URL                string `yaml:"url,omitempty"`
	Method             string `yaml:"method,omitempty"`
	Weight             int    `yaml:"weight,omitempty"`
}

// Config is the top-level shape of a multidns YAML config file.
type Config struct {
	Strategy         string           `yaml:"strategy"`
	Timeout          time.Duration    `yaml:"timeout"`
	RetryCount       int              `yaml:"retry_count"`
	CacheEnabled     bool             `yaml:"cache_enabled"`
	CacheTTL         time.Duration    `yaml:"cache_ttl"`
	HealthCheck      bool             `yaml:"health_check"`
	ProbeInterval    time.Duration    `yaml:"probe_interval"`
	Port             int              `yaml:"port"`
	Concurrency      int              `yaml:"concurrency"`
	BufferSize       int              `yaml:"buffer_size"`
	FailureThreshold int              `yaml:"failure_threshold,omitempty"`
	Upstreams        []UpstreamConfig `yaml:"upstreams"`
}

// Default returns a runnable default configuration: the smart strategy
// over Cloudflare and Quad9 plain UDP.
func Default() *Config {
	return &Config{
		Strategy:      "smart",
		Timeout:       5 * time.Second,
		RetryCount:    2,
		CacheEnabled:  true,
		CacheTTL:      24 * time.Hour,
		HealthCheck:   true,
		ProbeInterval: 30 * time.Second,
		Port:          53,
		Concurrency:   32,
		BufferSize:    10000,
		Upstreams: []UpstreamConfig{
			{Name: "cloudflare", Kind: "udp", Host: "1.1.1.1", Port: 53, Weight: 1},
			{Name: "quad9", Kind: "udp", Host: "9.9.9.9", Port: 53, Weight: 1},
		},
	}
}

// LoadFromPath reads and parses a YAML config file from path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
