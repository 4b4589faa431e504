package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "5s" or "20m".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{d}
}

func (d *Duration) parse(s string) error {
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalText serves TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

// UnmarshalTOML accepts a string, or an integer number of seconds.
func (d *Duration) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case string:
		return d.parse(val)
	case int64:
		d.Duration = time.Duration(val) * time.Second
		return nil
	}
	return errors.Errorf("invalid duration %v", v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Duration) String() string {
	return fmt.Sprint(d.Duration)
}
