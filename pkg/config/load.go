package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads the file at path over the defaults. Environment references of
// the form $VAR, ${VAR} and ${VAR:-default} are expanded before parsing. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config %s", path)
	}
	expanded := []byte(ExpandEnv(string(raw)))

	loaded := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(expanded, loaded)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(expanded, loaded)
	default:
		return nil, ota.Errorf(ota.CodeConfiguration, "load", "unknown config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, ota.NewError(ota.CodeConfiguration, "load", errors.Wrapf(err, "invalid config %s", path))
	}
	cfg.merge(loaded)
	return cfg, nil
}

// LoadEnvFile adds the variables in path to the environment without
// overriding ones already set.
func LoadEnvFile(path string) error {
	return errors.Wrapf(godotenv.Load(path), "unable to load env file %s", path)
}

// ExpandEnv replaces $VAR, ${VAR} and ${VAR:-default}.
func ExpandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		def := ""
		if i := strings.Index(name, ":-"); i >= 0 {
			name, def = name[:i], name[i+2:]
		}
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return def
	})
}

// merge copies the settings o sets over c.
func (c *Config) merge(o *Config) {
	str := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	num := func(dst *int, src int) {
		if src != 0 {
			*dst = src
		}
	}
	num64 := func(dst *int64, src int64) {
		if src != 0 {
			*dst = src
		}
	}
	dur := func(dst *Duration, src Duration) {
		if src.Duration != 0 {
			*dst = src
		}
	}

	str(&c.LogLevel, o.LogLevel)
	str(&c.LogFormat, o.LogFormat)

	if o.Device != (Device{}) {
		c.Device = o.Device
	}

	str(&c.Agent.Flow, o.Agent.Flow)
	if o.Agent.SendResult != nil {
		c.Agent.SendResult = o.Agent.SendResult
	}
	c.Agent.ValidateAfterReboot = c.Agent.ValidateAfterReboot || o.Agent.ValidateAfterReboot
	str(&c.Agent.Restart, o.Agent.Restart)
	str(&c.Agent.RestartUnit, o.Agent.RestartUnit)
	num64(&c.Agent.ChunkSize, o.Agent.ChunkSize)
	dur(&c.Agent.RejectTTL, o.Agent.RejectTTL)

	dur(&c.Timing.InitialCheck, o.Timing.InitialCheck)
	dur(&c.Timing.NextCheck, o.Timing.NextCheck)
	dur(&c.Timing.RetryInterval, o.Timing.RetryInterval)
	dur(&c.Timing.MaxRetryInterval, o.Timing.MaxRetryInterval)
	dur(&c.Timing.PacketInterval, o.Timing.PacketInterval)
	dur(&c.Timing.JobCheckTimeout, o.Timing.JobCheckTimeout)
	dur(&c.Timing.DataCheckTimeout, o.Timing.DataCheckTimeout)
	dur(&c.Timing.WaitQuantum, o.Timing.WaitQuantum)
	if o.Timing.RandomFactor != 0 {
		c.Timing.RandomFactor = o.Timing.RandomFactor
	}

	num(&c.Retries.Connect, o.Retries.Connect)
	num(&c.Retries.Chunk, o.Retries.Chunk)
	num(&c.Retries.Update, o.Retries.Update)

	str(&c.Server.Connection, o.Server.Connection)
	str(&c.Server.Host, o.Server.Host)
	num(&c.Server.Port, o.Server.Port)
	c.Server.TLS = c.Server.TLS || o.Server.TLS
	str(&c.Server.JobFile, o.Server.JobFile)
	str(&c.Server.DataFile, o.Server.DataFile)
	num64(&c.Server.ImageSize, o.Server.ImageSize)

	str(&c.Broker.TopicPrefix, o.Broker.TopicPrefix)
	str(&c.Broker.DeviceTopicPrefix, o.Broker.DeviceTopicPrefix)
	str(&c.Broker.Username, o.Broker.Username)
	str(&c.Broker.Password, o.Broker.Password)

	if o.ObjectStore != (ObjectStore{}) {
		c.ObjectStore = o.ObjectStore
	}

	str(&c.Storage.Dir, o.Storage.Dir)
	num(&c.Storage.Slots, o.Storage.Slots)
	num64(&c.Storage.Capacity, o.Storage.Capacity)
	str(&c.Storage.RunningFile, o.Storage.RunningFile)
	str(&c.Storage.Journal, o.Storage.Journal)

	str(&c.History.Path, o.History.Path)
	str(&c.Host.RootFS, o.Host.RootFS)
}
