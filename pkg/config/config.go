// Package config loads the agent's settings from a TOML or YAML file.
package config

import (
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
)

// Restart modes.
const (
	RestartNone   = "none"
	RestartReboot = "reboot"
	RestartUnit   = "unit"
)

type Config struct {
	LogLevel string `toml:"log_level" yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" yaml:"log_format"`

	Device      Device      `toml:"device" yaml:"device"`
	Agent       Agent       `toml:"agent" yaml:"agent"`
	Timing      Timing      `toml:"timing" yaml:"timing"`
	Retries     Retries     `toml:"retries" yaml:"retries"`
	Server      Server      `toml:"server" yaml:"server"`
	Broker      Broker      `toml:"broker" yaml:"broker"`
	ObjectStore ObjectStore `toml:"object_store" yaml:"object_store"`
	Storage     Storage     `toml:"storage" yaml:"storage"`
	History     History     `toml:"history" yaml:"history"`
	Host        Host        `toml:"host" yaml:"host"`
}

// Device is the identity sent to publishers.
type Device struct {
	Manufacturer   string `toml:"manufacturer" yaml:"manufacturer"`
	ManufacturerID string `toml:"manufacturer_id" yaml:"manufacturer_id"`
	Product        string `toml:"product" yaml:"product"`
	ProductID      string `toml:"product_id" yaml:"product_id"`
	SerialNumber   string `toml:"serial_number" yaml:"serial_number"`
	Board          string `toml:"board" yaml:"board"`
	// Version is the running application version, "major.minor.build".
	Version string `toml:"version" yaml:"version"`
}

type Agent struct {
	// Flow is "job" or "direct".
	Flow string `toml:"flow" yaml:"flow"`
	// SendResult reports each outcome to the publisher; on by default.
	SendResult          *bool `toml:"send_result" yaml:"send_result"`
	ValidateAfterReboot bool  `toml:"validate_after_reboot" yaml:"validate_after_reboot"`
	// Restart is how an activated image takes effect: "none", "reboot" or
	// "unit".
	Restart     string `toml:"restart" yaml:"restart"`
	RestartUnit string `toml:"restart_unit" yaml:"restart_unit"`
	ChunkSize   int64  `toml:"chunk_size" yaml:"chunk_size"`
	// RejectTTL is how long an image that failed verification is skipped.
	RejectTTL Duration `toml:"reject_ttl" yaml:"reject_ttl"`
}

type Timing struct {
	InitialCheck     Duration `toml:"initial_check" yaml:"initial_check"`
	NextCheck        Duration `toml:"next_check" yaml:"next_check"`
	RetryInterval    Duration `toml:"retry_interval" yaml:"retry_interval"`
	MaxRetryInterval Duration `toml:"max_retry_interval" yaml:"max_retry_interval"`
	PacketInterval   Duration `toml:"packet_interval" yaml:"packet_interval"`
	JobCheckTimeout  Duration `toml:"job_check_timeout" yaml:"job_check_timeout"`
	DataCheckTimeout Duration `toml:"data_check_timeout" yaml:"data_check_timeout"`
	WaitQuantum      Duration `toml:"wait_quantum" yaml:"wait_quantum"`
	RandomFactor     float64  `toml:"random_factor" yaml:"random_factor"`
}

type Retries struct {
	Connect int `toml:"connect" yaml:"connect"`
	Chunk   int `toml:"chunk" yaml:"chunk"`
	Update  int `toml:"update" yaml:"update"`
}

// Server is where the first request of a cycle goes: the job server, or the
// data server in the direct flow.
type Server struct {
	// Connection is "HTTP", "HTTPS" or "MQTT". MQTT is served by Redis
	// pub/sub, see Broker.
	Connection string `toml:"connection" yaml:"connection"`
	Host       string `toml:"host" yaml:"host"`
	Port       int    `toml:"port" yaml:"port"`
	TLS        bool   `toml:"tls" yaml:"tls"`
	JobFile    string `toml:"job_file" yaml:"job_file"`
	DataFile   string `toml:"data_file" yaml:"data_file"`
	// ImageSize is the image length for the direct flow, when known.
	ImageSize int64 `toml:"image_size" yaml:"image_size"`
}

// Broker configures the publish/subscribe transport behind the MQTT
// connection kind. The server named in Server must be a Redis server.
type Broker struct {
	TopicPrefix       string `toml:"topic_prefix" yaml:"topic_prefix"`
	DeviceTopicPrefix string `toml:"device_topic_prefix" yaml:"device_topic_prefix"`
	Username          string `toml:"username" yaml:"username"`
	Password          string `toml:"password" yaml:"password"`
}

type ObjectStore struct {
	Region    string `toml:"region" yaml:"region"`
	Endpoint  string `toml:"endpoint" yaml:"endpoint"`
	PathStyle bool   `toml:"path_style" yaml:"path_style"`
}

type Storage struct {
	Dir         string `toml:"dir" yaml:"dir"`
	Slots       int    `toml:"slots" yaml:"slots"`
	Capacity    int64  `toml:"capacity" yaml:"capacity"`
	RunningFile string `toml:"running_file" yaml:"running_file"`
	Journal     string `toml:"journal" yaml:"journal"`
}

type History struct {
	Path string `toml:"path" yaml:"path"`
}

type Host struct {
	RootFS string `toml:"rootfs" yaml:"rootfs"`
}

// Default returns the settings used where a file is silent.
func Default() *Config {
	sendResult := true
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Agent: Agent{
			Flow:       ota.FlowJob.String(),
			SendResult: &sendResult,
			Restart:    RestartNone,
			ChunkSize:  4096,
			RejectTTL:  D(24 * time.Hour),
		},
		Timing: Timing{
			InitialCheck:     D(60 * time.Second),
			NextCheck:        D(24 * time.Hour),
			RetryInterval:    D(5 * time.Second),
			MaxRetryInterval: D(60 * time.Second),
			PacketInterval:   D(60 * time.Second),
			JobCheckTimeout:  D(30 * time.Second),
			DataCheckTimeout: D(20 * time.Minute),
			WaitQuantum:      D(100 * time.Millisecond),
		},
		Retries: Retries{Connect: 3, Chunk: 3, Update: 5},
		Server: Server{
			Connection: marker.ConnectionHTTP,
			JobFile:    marker.DefaultJobFile,
			DataFile:   marker.DefaultDataFile,
		},
		Broker: Broker{
			TopicPrefix:       marker.CompanyTopicPrefix,
			DeviceTopicPrefix: marker.DeviceTopicPrefix,
		},
		Storage: Storage{
			Dir:      "/var/lib/otawatch/slots",
			Slots:    2,
			Capacity: 64 << 20,
			Journal:  "/var/lib/otawatch/journal",
		},
		History: History{Path: "/var/lib/otawatch/history.db"},
	}
}

// SendResult reports whether outcomes are sent to the publisher.
func (c *Config) SendResult() bool {
	return c.Agent.SendResult == nil || *c.Agent.SendResult
}

// Flow is the configured discovery flow.
func (c *Config) Flow() ota.Flow {
	if c.Agent.Flow == ota.FlowDirect.String() {
		return ota.FlowDirect
	}
	return ota.FlowJob
}

// Endpoint is the configured first server.
func (c *Config) Endpoint() (ota.Endpoint, error) {
	kind, err := ota.ParseConnectionKind(c.Server.Connection)
	if err != nil {
		return ota.Endpoint{}, ota.NewError(ota.CodeConfiguration, "endpoint", err)
	}
	ep := ota.Endpoint{
		Kind: kind,
		Host: c.Server.Host,
		Port: c.Server.Port,
		TLS:  c.Server.TLS || kind == ota.ConnectionHTTPS,
		File: c.Server.JobFile,
	}
	if c.Flow() == ota.FlowDirect {
		ep.File = c.Server.DataFile
	}
	if kind == ota.ConnectionMQTT {
		ep.File = ""
	}
	if ep.Port == 0 {
		ep.Port = job.DefaultPort(kind, ep.TLS)
	}
	return ep, nil
}

// DeviceIdentity is the device as presented to publishers.
func (c *Config) DeviceIdentity() (job.Device, error) {
	version, err := ota.ParseVersion(c.Device.Version)
	if err != nil {
		return job.Device{}, ota.NewError(ota.CodeConfiguration, "device", err)
	}
	return job.Device{
		Manufacturer:   c.Device.Manufacturer,
		ManufacturerID: c.Device.ManufacturerID,
		Product:        c.Device.Product,
		ProductID:      c.Device.ProductID,
		SerialNumber:   c.Device.SerialNumber,
		Board:          c.Device.Board,
		Version:        version,
	}, nil
}

// RetryConfig builds the retry policy's settings.
func (c *Config) RetryConfig() retry.Config {
	t := c.Timing
	return retry.Config{
		Connect: retry.Limit{
			MaxAttempts: c.Retries.Connect,
			Interval:    t.RetryInterval.Duration,
			MaxInterval: t.MaxRetryInterval.Duration,
		},
		Chunk: retry.Limit{
			MaxAttempts: c.Retries.Chunk,
			Deadline:    t.DataCheckTimeout.Duration,
		},
		Update: retry.Limit{
			MaxAttempts: c.Retries.Update,
			Interval:    t.RetryInterval.Duration,
			MaxInterval: t.MaxRetryInterval.Duration,
		},
		Schedule: retry.Schedule{
			Initial:  t.InitialCheck.Duration,
			Interval: t.NextCheck.Duration,
		},
		RandomFactor: t.RandomFactor,
		Quantum:      t.WaitQuantum.Duration,
	}
}
