// Package config handles netclient configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/netclient/config.yaml, /etc/netclient/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "netclient", "config.yaml"))
	}

	paths = append(paths, "/etc/netclient/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all netclient configuration.
type Config struct {
	LAN       LANConfig       `yaml:"lan"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Status    StatusConfig    `yaml:"status"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// LANConfig defines the transport layer: which interface carries the
// controller's traffic and how often the link is re-checked.
type LANConfig struct {
	Interface string `yaml:"interface"`
	// BeginTimeoutSec bounds the blocking bring-up at start (default 10).
	BeginTimeoutSec int `yaml:"begin_timeout_sec"`
	// RetryIntervalSec is the minimum spacing of reconnect attempts (default 5).
	RetryIntervalSec int `yaml:"retry_interval_sec"`
	// CheckIntervalSec is the spacing of health checks while up (default 1).
	CheckIntervalSec int `yaml:"check_interval_sec"`
	DialTimeoutSec   int `yaml:"dial_timeout_sec"`
	// Gateway, when set, is probed with ARP as part of every health check.
	Gateway        string `yaml:"gateway"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
}

// MQTTConfig defines the broker session.
type MQTTConfig struct {
	Broker            string `yaml:"broker"`
	ClientID          string `yaml:"client_id"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	KeepAliveSec      int    `yaml:"keep_alive_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	RetryIntervalSec  int    `yaml:"retry_interval_sec"`
	CommandTopic      string `yaml:"command_topic"`
	DebugTopic        string `yaml:"debug_topic"`
	AvailabilityTopic string `yaml:"availability_topic"`
	// LoopBatch caps the inbound messages handled per Loop call.
	LoopBatch int `yaml:"loop_batch"`
	QueueSize int `yaml:"queue_size"`
	// RateLimit is the number of inbound messages accepted per
	// RateIntervalSec; excess messages are dropped.
	RateLimit       int `yaml:"rate_limit"`
	RateIntervalSec int `yaml:"rate_interval_sec"`
}

// SchedulerConfig defines the cooperative scheduler cadence.
type SchedulerConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// HeartbeatConfig defines the periodic diagnostic publish.
type HeartbeatConfig struct {
	Topic       string `yaml:"topic"`
	IntervalSec int    `yaml:"interval_sec"`
}

// StatusConfig defines the local HTTP status endpoint. An empty Address
// disables it.
type StatusConfig struct {
	Address string `yaml:"address"`
}

// Load reads configuration from a YAML file. Environment variables are
// expanded before parsing and defaults are applied to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/netclient"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.LAN.Interface == "" {
		c.LAN.Interface = "eth0"
	}
	setDefault(&c.LAN.BeginTimeoutSec, 10)
	setDefault(&c.LAN.RetryIntervalSec, 5)
	setDefault(&c.LAN.CheckIntervalSec, 1)
	setDefault(&c.LAN.DialTimeoutSec, 3)
	setDefault(&c.LAN.ProbeTimeoutMS, 200)

	setDefault(&c.MQTT.KeepAliveSec, 30)
	setDefault(&c.MQTT.ConnectTimeoutSec, 3)
	setDefault(&c.MQTT.RetryIntervalSec, 5)
	setDefault(&c.MQTT.LoopBatch, 16)
	setDefault(&c.MQTT.QueueSize, 64)
	setDefault(&c.MQTT.RateLimit, 100)
	setDefault(&c.MQTT.RateIntervalSec, 1)
	if c.MQTT.CommandTopic == "" {
		c.MQTT.CommandTopic = "d15/set/#"
	}
	if c.MQTT.DebugTopic == "" {
		c.MQTT.DebugTopic = "d15/debugset/#"
	}
	if c.MQTT.AvailabilityTopic == "" {
		c.MQTT.AvailabilityTopic = "d15/state/availability"
	}

	setDefault(&c.Scheduler.PollIntervalMS, 20)

	if c.Heartbeat.Topic == "" {
		c.Heartbeat.Topic = "d15/state/heartbeat"
	}
	setDefault(&c.Heartbeat.IntervalSec, 60)
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker))
		default:
			switch u.Scheme {
			case "tcp", "mqtt", "mqtts", "ssl":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker scheme %q not supported (tcp, mqtt, mqtts, ssl)", u.Scheme))
			}
		}
	}

	// The MQTT CONNECT packet carries keep-alive as 16 bits.
	if c.MQTT.KeepAliveSec > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("mqtt.keep_alive_sec %d exceeds %d", c.MQTT.KeepAliveSec, math.MaxUint16))
	}

	if c.LAN.Gateway != "" {
		if addr, err := netip.ParseAddr(c.LAN.Gateway); err != nil || !addr.Is4() {
			errs = append(errs, fmt.Errorf("lan.gateway %q is not an IPv4 address", c.LAN.Gateway))
		}
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (expected text or json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Seconds converts a whole-second config field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a millisecond config field to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
