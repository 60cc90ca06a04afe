package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var log = logrus.New()

var ErrInvalidConfig = errors.New("invalid config")

// MonitorConfig holds the timings of the liveness monitor.
type MonitorConfig struct {
	CheckInterval        Duration `json:"check_interval" yaml:"check_interval"`                 // Active validation period
	ActivityThreshold    Duration `json:"activity_threshold" yaml:"activity_threshold"`         // Watchdog staleness threshold
	ConnectTimeout       Duration `json:"connect_timeout" yaml:"connect_timeout"`               // Probe timeout
	Jitter               Duration `json:"jitter" yaml:"jitter"`                                 // Max random offset applied to each tick
	MaxConcurrentProbes  int      `json:"max_concurrent_probes" yaml:"max_concurrent_probes"`   // Upper bound on simultaneous probes
	PublishStaleWarnings bool     `json:"publish_stale_warnings" yaml:"publish_stale_warnings"` // Publish staleness on the event bus, not only log it
}

// DefaultMonitorConfig returns the monitor defaults: 10s checks, 30s threshold, 6s connect timeout.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:       Seconds(10),
		ActivityThreshold:   Seconds(30),
		ConnectTimeout:      Seconds(6),
		MaxConcurrentProbes: 64,
	}
}

func (m *MonitorConfig) Validate() error {
	if m.CheckInterval.Duration <= 0 {
		return fmt.Errorf("%w: check_interval must be > 0", ErrInvalidConfig)
	}
	if m.ActivityThreshold.Duration <= 0 {
		return fmt.Errorf("%w: activity_threshold must be > 0", ErrInvalidConfig)
	}
	if m.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("%w: connect_timeout must be > 0", ErrInvalidConfig)
	}
	if m.Jitter.Duration < 0 || m.Jitter.Duration >= m.CheckInterval.Duration/2 {
		return fmt.Errorf("%w: jitter must be in [0, check_interval/2)", ErrInvalidConfig)
	}
	if m.MaxConcurrentProbes < 1 {
		return fmt.Errorf("%w: max_concurrent_probes must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// Config represents the configuration for the peerwatch service
type Config struct {
	// Default config file location
	configFile string

	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`

	// Statically configured peers, "host:port"
	Peers []string `json:"peers" yaml:"peers"`

	// Peers are also read from and watched under an etcd prefix when endpoints are set
	Discovery struct {
		EtcdEndpoints []string `json:"etcd_endpoints" yaml:"etcd_endpoints"`
		Prefix        string   `json:"prefix" yaml:"prefix"`
		DialTimeout   Duration `json:"dial_timeout" yaml:"dial_timeout"`
	} `json:"discovery" yaml:"discovery"`

	Network struct {
		PubSubMulticastAddress string `json:"pubsub" yaml:"pubsub"` // Empty disables event fan-out
		HTTPListenAddress      string `json:"http" yaml:"http"`     // /metrics and /peers
	} `json:"network" yaml:"network"`

	DataStore struct {
		PeerIndexPath string `json:"peerindex" yaml:"peerindex"`
	} `json:"datastore" yaml:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Monitor = DefaultMonitorConfig()

	cfg.Discovery.Prefix = "/peerwatch/peers/"
	cfg.Discovery.DialTimeout = Seconds(5)

	cfg.Network.PubSubMulticastAddress = "224.0.0.1:9999"
	cfg.Network.HTTPListenAddress = ":9100"

	cfg.DataStore.PeerIndexPath = "/tmp/peerwatch/peerindex"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	if len(c.Discovery.EtcdEndpoints) > 0 && c.Discovery.Prefix == "" {
		return fmt.Errorf("%w: discovery prefix must be set with etcd endpoints", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) isYAML() bool {
	switch strings.ToLower(filepath.Ext(c.configFile)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	var data []byte
	var err error
	if c.isYAML() {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if c.isYAML() {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.configFile, err)
	}

	return nil
}

// LogConfiguration prints the effective settings at startup.
func (c *Config) LogConfiguration() {
	log.Infof("[Config] Check Interval: %v", c.Monitor.CheckInterval)
	log.Infof("[Config] Activity Threshold: %v", c.Monitor.ActivityThreshold)
	log.Infof("[Config] Connect Timeout: %v", c.Monitor.ConnectTimeout)
	log.Infof("[Config] Max Concurrent Probes: %d", c.Monitor.MaxConcurrentProbes)
	log.Infof("[Config] Static Peers: %d", len(c.Peers))
	if len(c.Discovery.EtcdEndpoints) > 0 {
		log.Infof("[Config] Discovery: etcd %v under %s", c.Discovery.EtcdEndpoints, c.Discovery.Prefix)
	}
	log.Infof("[Config] Peer Index: %s", c.DataStore.PeerIndexPath)
}

// SetLogLevel applies level to the config package logger as well, which is separate from the std logger.
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

