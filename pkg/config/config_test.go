package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"gotest.tools/assert"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NilError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

const tomlConfig = `
log_level = "debug"

[device]
board = "CY8CPROTO_062_4343W"
version = "1.2.3"
manufacturer = "Express Widgets"

[agent]
flow = "job"
send_result = false
restart = "unit"
restart_unit = "app.service"

[timing]
retry_interval = "2s"
data_check_timeout = "5m"

[retries]
connect = 4

[server]
connection = "MQTT"
host = "${OTA_TEST_BROKER:-broker.local}"
`

const yamlConfig = `
log_format: json
device:
  board: CY8CKIT_062S2_43012
  version: 2.0.0
agent:
  flow: direct
server:
  connection: http
  host: $OTA_TEST_HOST
  data_file: /image.bin
timing:
  next_check: 12h
storage:
  slots: 3
`

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "agent.toml", tomlConfig)
	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.NilError(t, cfg.Validate())

	assert.Equal(t, cfg.LogLevel, "debug")
	assert.Equal(t, cfg.SendResult(), false)
	assert.Equal(t, cfg.Retries.Connect, 4)
	assert.Equal(t, cfg.Retries.Chunk, 3, "default kept")
	assert.Equal(t, cfg.Timing.RetryInterval.Duration, 2*time.Second)
	assert.Equal(t, cfg.Timing.JobCheckTimeout.Duration, 30*time.Second, "default kept")

	ep, err := cfg.Endpoint()
	assert.NilError(t, err)
	assert.Equal(t, ep.Kind, ota.ConnectionMQTT)
	assert.Equal(t, ep.Host, "broker.local")
	assert.Equal(t, ep.Port, 1883)
	assert.Equal(t, ep.File, "")

	rc := cfg.RetryConfig()
	assert.Equal(t, rc.Connect.MaxAttempts, 4)
	assert.Equal(t, rc.Chunk.Deadline, 5*time.Minute)
	assert.Equal(t, rc.Schedule.Interval, 24*time.Hour)
}

func TestLoadYAML(t *testing.T) {
	os.Setenv("OTA_TEST_HOST", "images.local")
	defer os.Unsetenv("OTA_TEST_HOST")

	path := writeConfig(t, "agent.yaml", yamlConfig)
	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.NilError(t, cfg.Validate())

	assert.Equal(t, cfg.Flow(), ota.FlowDirect)
	assert.Equal(t, cfg.SendResult(), true)
	assert.Equal(t, cfg.Storage.Slots, 3)
	assert.Equal(t, cfg.Timing.NextCheck.Duration, 12*time.Hour)
	assert.Equal(t, len(cfg.Setters()), 2)

	ep, err := cfg.Endpoint()
	assert.NilError(t, err)
	assert.Equal(t, ep.Host, "images.local")
	assert.Equal(t, ep.File, "/image.bin")
	assert.Equal(t, ep.Port, 80)

	dev, err := cfg.DeviceIdentity()
	assert.NilError(t, err)
	assert.Equal(t, dev.Version.String(), "2.0.0")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "unable to read config")

	_, err = Load(writeConfig(t, "agent.ini", "x=1"))
	assert.Equal(t, ota.CodeOf(err), ota.CodeConfiguration)

	_, err = Load(writeConfig(t, "agent.toml", "[timing]\nretry_interval = \"soon\""))
	assert.Equal(t, ota.CodeOf(err), ota.CodeConfiguration)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, Default())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Device.Board = "board"
		cfg.Device.Version = "1.0.0"
		cfg.Server.Host = "server"
		return cfg
	}
	assert.NilError(t, valid().Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"level", func(c *Config) { c.LogLevel = "loud" }},
		{"format", func(c *Config) { c.LogFormat = "xml" }},
		{"flow", func(c *Config) { c.Agent.Flow = "push" }},
		{"connection", func(c *Config) { c.Server.Connection = "ftp" }},
		{"host", func(c *Config) { c.Server.Host = "" }},
		{"version", func(c *Config) { c.Device.Version = "one" }},
		{"board", func(c *Config) { c.Device.Board = "" }},
		{"restart", func(c *Config) { c.Agent.Restart = "later" }},
		{"restart unit", func(c *Config) { c.Agent.Restart = RestartUnit }},
		{"chunk size", func(c *Config) { c.Agent.ChunkSize = 0 }},
		{"retries", func(c *Config) { c.Retries.Chunk = 0 }},
		{"quantum", func(c *Config) { c.Timing.WaitQuantum = D(0) }},
		{"slots", func(c *Config) { c.Storage.Slots = 1 }},
		{"capacity", func(c *Config) { c.Storage.Capacity = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			assert.Equal(t, ota.CodeOf(err), ota.CodeConfiguration, "error: %v", err)
		})
	}

	t.Run("ble needs no host", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Connection = "ble"
		cfg.Server.Host = ""
		assert.NilError(t, cfg.Validate())
	})
}

func TestExpandEnv(t *testing.T) {
	os.Setenv("OTA_TEST_SET", "value")
	defer os.Unsetenv("OTA_TEST_SET")
	os.Unsetenv("OTA_TEST_UNSET")

	for in, want := range map[string]string{
		"$OTA_TEST_SET":                "value",
		"${OTA_TEST_SET}":              "value",
		"${OTA_TEST_SET:-other}":       "value",
		"${OTA_TEST_UNSET:-fallback}":  "fallback",
		"${OTA_TEST_UNSET}":            "",
		"plain":                        "plain",
		"a/${OTA_TEST_UNSET:-b}/c.bin": "a/b/c.bin",
	} {
		assert.Equal(t, ExpandEnv(in), want, in)
	}
}

func TestLoadEnvFile(t *testing.T) {
	os.Unsetenv("OTA_TEST_FROM_FILE")
	defer os.Unsetenv("OTA_TEST_FROM_FILE")
	path := writeConfig(t, "agent.env", "OTA_TEST_FROM_FILE=loaded\n")
	assert.NilError(t, LoadEnvFile(path))
	assert.Equal(t, os.Getenv("OTA_TEST_FROM_FILE"), "loaded")

	assert.Assert(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")) != nil)
}
