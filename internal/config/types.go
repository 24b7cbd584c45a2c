package config

import (
	"time"

	"github.com/optimus/telemetry/internal/types"
)

// Config represents the complete telemetry service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Source   SourceConfig   `yaml:"source"`
	Rules    []types.Rule   `yaml:"rules"`
	Alerts   AlertConfig    `yaml:"alerts"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Port        string   `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// PipelineConfig sizes the history buffer and subscriber queues
type PipelineConfig struct {
	BufferCapacity  int    `yaml:"buffer_capacity"`
	BacklogSize     int    `yaml:"backlog_size"`
	SubscriberQueue int    `yaml:"subscriber_queue"`
	OverflowPolicy  string `yaml:"overflow_policy"` // "drop_oldest" or "disconnect"
}

// SourceConfig selects where samples come from
type SourceConfig struct {
	Type     string        `yaml:"type"` // "simulator" or "gnmi"
	RobotID  string        `yaml:"robot_id"`
	Interval time.Duration `yaml:"interval"`
	GNMI     GNMIConfig    `yaml:"gnmi,omitempty"`
}

// GNMIConfig defines a gNMI target publishing robot state
type GNMIConfig struct {
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username,omitempty"`
	PasswordEnv    string        `yaml:"password_env,omitempty"`
	Path           string        `yaml:"path,omitempty"`
	SampleInterval time.Duration `yaml:"sample_interval,omitempty"`
	TLS            TLSConfig     `yaml:"tls,omitempty"`
}

// TLSConfig holds gNMI transport security settings
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
}

// AlertConfig defines alert routing and flap reporting
type AlertConfig struct {
	FlapThreshold int                      `yaml:"flap_threshold"`
	FlapWindow    time.Duration            `yaml:"flap_window"`
	Channels      map[string]ChannelConfig `yaml:"channels,omitempty"`
	Routes        map[string]AlertRoute    `yaml:"routes,omitempty"` // severity or "default" -> channels
}

// ChannelConfig defines a notification channel
type ChannelConfig struct {
	Type           string   `yaml:"type"`
	URLEnv         string   `yaml:"url_env"`
	SeverityFilter []string `yaml:"severity_filter,omitempty"`
}

// AlertRoute lists the channels an alert severity is sent to
type AlertRoute struct {
	Channels []string `yaml:"channels"`
}
