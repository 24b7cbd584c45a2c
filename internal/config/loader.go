package config

import (
	"fmt"
	"os"
	"time"

	"github.com/optimus/telemetry/internal/alerter"
	"github.com/optimus/telemetry/internal/history"
	"github.com/optimus/telemetry/internal/hub"
	"github.com/optimus/telemetry/internal/types"
	"gopkg.in/yaml.v3"
)

const (
	SourceSimulator = "simulator"
	SourceGNMI      = "gnmi"

	defaultPort          = "8000"
	defaultBacklogSize   = 100
	defaultInterval      = 100 * time.Millisecond
	defaultRobotID       = "optimus_sim_01"
	defaultGNMIPort      = 9339
	defaultGNMIPath      = "/robot/state"
	defaultFlapThreshold = 6
	defaultFlapWindow    = 5 * time.Minute
)

// DefaultRules is the rule set installed when none is configured
func DefaultRules() []types.Rule {
	return []types.Rule{
		types.NewRule("low_battery", "battery_pct", types.LowBatteryPct),
		types.NewRule("overheat", "temp_c", types.OverheatTempC),
		types.NewRule("high_current", types.JointCurrentField, types.HighJointCurrentA),
	}
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads, defaults and validates a YAML configuration file
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = defaultPort
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Pipeline.BufferCapacity == 0 {
		cfg.Pipeline.BufferCapacity = history.DefaultCapacity
	}
	if cfg.Pipeline.BacklogSize == 0 {
		cfg.Pipeline.BacklogSize = defaultBacklogSize
	}
	if cfg.Pipeline.SubscriberQueue == 0 {
		cfg.Pipeline.SubscriberQueue = hub.DefaultQueueLen
	}
	if cfg.Pipeline.OverflowPolicy == "" {
		cfg.Pipeline.OverflowPolicy = string(hub.DropOldest)
	}
	if cfg.Source.Type == "" {
		cfg.Source.Type = SourceSimulator
	}
	if cfg.Source.RobotID == "" {
		cfg.Source.RobotID = defaultRobotID
	}
	if cfg.Source.Interval == 0 {
		cfg.Source.Interval = defaultInterval
	}
	if cfg.Source.GNMI.Port == 0 {
		cfg.Source.GNMI.Port = defaultGNMIPort
	}
	if cfg.Source.GNMI.Path == "" {
		cfg.Source.GNMI.Path = defaultGNMIPath
	}
	if cfg.Source.GNMI.SampleInterval == 0 {
		cfg.Source.GNMI.SampleInterval = cfg.Source.Interval
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	for i := range cfg.Rules {
		cfg.Rules[i] = cfg.Rules[i].WithDefaults()
	}
	if cfg.Alerts.FlapThreshold == 0 {
		cfg.Alerts.FlapThreshold = defaultFlapThreshold
	}
	if cfg.Alerts.FlapWindow == 0 {
		cfg.Alerts.FlapWindow = defaultFlapWindow
	}
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv() {
	if port := os.Getenv("API_PORT"); port != "" {
		c.Server.Port = port
	}
	if addr := os.Getenv("GNMI_ADDRESS"); addr != "" {
		c.Source.GNMI.Address = addr
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if cfg.Pipeline.BufferCapacity < 0 {
		return fmt.Errorf("pipeline.buffer_capacity must be > 0")
	}
	if cfg.Pipeline.BacklogSize < 0 || cfg.Pipeline.BacklogSize > cfg.Pipeline.BufferCapacity {
		return fmt.Errorf("pipeline.backlog_size must be between 0 and buffer_capacity (%d)", cfg.Pipeline.BufferCapacity)
	}
	if cfg.Pipeline.SubscriberQueue < 1 {
		return fmt.Errorf("pipeline.subscriber_queue must be > 0")
	}
	if _, err := hub.ParseOverflowPolicy(cfg.Pipeline.OverflowPolicy); err != nil {
		return fmt.Errorf("pipeline.overflow_policy: %w", err)
	}

	switch cfg.Source.Type {
	case SourceSimulator:
	case SourceGNMI:
		if cfg.Source.GNMI.Address == "" {
			return fmt.Errorf("source.gnmi.address is required for gnmi source")
		}
	default:
		return fmt.Errorf("source.type must be 'simulator' or 'gnmi'")
	}
	if cfg.Source.Interval < 0 {
		return fmt.Errorf("source.interval must be positive")
	}

	if err := alerter.ValidateRules(cfg.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	if cfg.Alerts.FlapThreshold < 2 {
		return fmt.Errorf("alerts.flap_threshold must be >= 2")
	}

	for name, channel := range cfg.Alerts.Channels {
		if channel.Type != "apprise" {
			return fmt.Errorf("channel %s: only 'apprise' type is supported", name)
		}
		if channel.URLEnv == "" {
			return fmt.Errorf("channel %s: url_env is required", name)
		}
	}

	for severity, route := range cfg.Alerts.Routes {
		for _, chName := range route.Channels {
			if _, ok := cfg.Alerts.Channels[chName]; !ok {
				return fmt.Errorf("alert route %s: references unknown channel %s", severity, chName)
			}
		}
	}

	return nil
}
