package config

import (
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/sirupsen/logrus"
)

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return ota.Errorf(ota.CodeConfiguration, "validate", format, args...)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fail("log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fail("log_format must be text or json, got %q", c.LogFormat)
	}
	switch c.Agent.Flow {
	case ota.FlowJob.String(), ota.FlowDirect.String():
	default:
		return fail("flow must be job or direct, got %q", c.Agent.Flow)
	}
	ep, err := c.Endpoint()
	if err != nil {
		return err
	}
	if ep.Host == "" && ep.Kind != ota.ConnectionBLE {
		return fail("server host is required for %s", ep.Kind)
	}
	if _, err := c.DeviceIdentity(); err != nil {
		return err
	}
	if c.Device.Board == "" {
		return fail("device board is required")
	}
	switch c.Agent.Restart {
	case RestartNone, RestartReboot:
	case RestartUnit:
		if c.Agent.RestartUnit == "" {
			return fail("restart_unit is required when restart is %q", RestartUnit)
		}
	default:
		return fail("restart must be none, reboot or unit, got %q", c.Agent.Restart)
	}
	if c.Agent.ChunkSize <= 0 {
		return fail("chunk_size must be positive")
	}
	if c.Retries.Connect < 1 || c.Retries.Chunk < 1 || c.Retries.Update < 1 {
		return fail("retries must be at least 1")
	}
	if c.Timing.WaitQuantum.Duration <= 0 {
		return fail("wait_quantum must be positive")
	}
	if c.Timing.NextCheck.Duration <= 0 {
		return fail("next_check must be positive")
	}
	if c.Timing.PacketInterval.Duration <= 0 || c.Timing.JobCheckTimeout.Duration <= 0 || c.Timing.DataCheckTimeout.Duration <= 0 {
		return fail("packet_interval and check timeouts must be positive")
	}
	if c.Storage.Slots < 2 {
		return fail("storage needs at least two slots")
	}
	if c.Storage.Capacity <= 0 {
		return fail("storage capacity must be positive")
	}
	if c.Storage.Dir == "" {
		return fail("storage dir is required")
	}
	return nil
}

// Setters returns the logging settings.
func (c *Config) Setters() []logging.Setter {
	setters := []logging.Setter{logging.Level(c.LogLevel)}
	if c.LogFormat == "json" {
		setters = append(setters, logging.JSON())
	}
	return setters
}
