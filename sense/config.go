package sense

import (
	"fmt"
	"log/slog"

	"github.com/c360/vitalstream/errors"
	"github.com/c360/vitalstream/metric"
)

// Listening port bounds. Privileged and ephemeral-reserved ports are
// rejected outright rather than failing later at bind time.
const (
	MinPort = 1024
	MaxPort = 65535
)

// Config holds configuration for a sense listener.
type Config struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string
	// Port is the listening port, MinPort..MaxPort.
	Port int
	// SampleType is the sample type stamped onto wrapped raw records.
	SampleType string
	// IPv6 selects an IPv6 socket.
	IPv6 bool
	// Workers is the number of receive workers.
	Workers int
	// FrameWorkers is the number of TCP frame classification workers.
	FrameWorkers int
	// QueueCapacity bounds the output queue.
	QueueCapacity int
	// SystemSamples enables periodic throughput telemetry.
	SystemSamples bool
	// App suffixes the telemetry sample type, e.g. "system_samples_icu".
	App string
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Port < MinPort || c.Port > MaxPort {
		return errors.WrapInvalid(
			fmt.Errorf("port %d: %w", c.Port, errors.ErrInvalidPort),
			"sense", "Validate", "port validation")
	}
	if c.SampleType == "" {
		c.SampleType = "raw"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.FrameWorkers <= 0 {
		c.FrameWorkers = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	return nil
}

// Deps holds runtime dependencies for sense listeners.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}
