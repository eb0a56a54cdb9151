// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for the runtime. Everything is opt-in: with both sections
// disabled the manager hands out noop instruments and costs nothing.
package observability

import (
	"fmt"
	"time"
)

// Config is the observability section of the top-level configuration.
type Config struct {
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	return nil
}

// TracingConfig configures the OTLP (or stdout) span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter: otlp (gRPC) or stdout.
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint of the OTLP collector, host:port.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// SamplingRate in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`

	ServiceName string        `yaml:"service_name" json:"service_name"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "strand"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout)", c.Exporter)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	return nil
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" json:"namespace"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "strand"
	}
}
