// Package config loads broker configuration from file, environment, and
// flags, and watches the file for changes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable of the broker: the connection and
// capacity limits, plus the ambient settings (transport target, admin
// listeners, logging, tracing) a deployable service needs around them.
type Config struct {
	// Limits is the resource-manager policy block.
	Limits struct {
		MaxConnections            int  `mapstructure:"max_connections"`
		MaxTransientPerConnection int  `mapstructure:"max_transient_per_connection"`
		MaxActiveSessions         int  `mapstructure:"max_active_sessions"`
		MaxAbandonedSessions      int  `mapstructure:"max_abandoned_sessions"`
		FailOnLoadedTransients    bool `mapstructure:"fail_on_loaded_transients"`
		FlushAllOnStart           bool `mapstructure:"flush_all_on_start"`
	} `mapstructure:"limits"`

	// Device describes how to reach the physical TPM.
	Device struct {
		// Network/Address name a net.Dial-style endpoint for
		// internal/device/socket (e.g. "tcp", "127.0.0.1:2321", or
		// "unix", "/run/tpm2d.sock").
		Network              string        `mapstructure:"network"`
		Address              string        `mapstructure:"address"`
		DialTimeout          time.Duration `mapstructure:"dial_timeout"`
		ReceiveTimeout       time.Duration `mapstructure:"receive_timeout"`
		TransientCapacity    int           `mapstructure:"transient_capacity"`
		RewriteContextGapMax bool          `mapstructure:"rewrite_context_gap_max"`
	} `mapstructure:"device"`

	Broker struct {
		QueueDepth int `mapstructure:"queue_depth"`
	} `mapstructure:"broker"`

	// WS is the websocket client connection factory listener.
	WS struct {
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"ws"`

	// Admin hosts the operator-facing HTTP and gRPC surfaces.
	Admin struct {
		HTTPListenAddress string `mapstructure:"http_listen_address"`
		GRPCListenAddress string `mapstructure:"grpc_listen_address"`
		APIKey            string `mapstructure:"api_key"`
	} `mapstructure:"admin"`

	Audit struct {
		Backend  string `mapstructure:"backend"` // "channel" or "amqp"
		AMQPURI  string `mapstructure:"amqp_uri"`
		Exchange string `mapstructure:"exchange"`
	} `mapstructure:"audit"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Tracing struct {
		Enabled         bool   `mapstructure:"enabled"`
		OTLPEndpoint    string `mapstructure:"otlp_endpoint"`
		ServiceInstance string `mapstructure:"service_instance"`
	} `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("limits.max_connections", 64)
	v.SetDefault("limits.max_transient_per_connection", 64)
	v.SetDefault("limits.max_active_sessions", 256)
	v.SetDefault("limits.max_abandoned_sessions", 1024)
	v.SetDefault("limits.fail_on_loaded_transients", false)
	v.SetDefault("limits.flush_all_on_start", false)

	v.SetDefault("device.network", "tcp")
	v.SetDefault("device.address", "127.0.0.1:2321")
	v.SetDefault("device.dial_timeout", 5*time.Second)
	v.SetDefault("device.receive_timeout", 30*time.Second)
	v.SetDefault("device.transient_capacity", 3)
	v.SetDefault("device.rewrite_context_gap_max", true)

	v.SetDefault("broker.queue_depth", 256)

	v.SetDefault("ws.listen_address", ":8280")

	v.SetDefault("admin.http_listen_address", ":8281")
	v.SetDefault("admin.grpc_listen_address", ":8282")

	v.SetDefault("audit.backend", "channel")
	v.SetDefault("audit.exchange", "tpm-broker.audit")

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_instance", "tpm-broker-0")
}

// LoadConfig reads configuration from configPath (if non-empty), then
// TPM_BROKER_-prefixed environment variables, then flags, in ascending
// precedence, and validates the resulting Limits block. flags is a
// pflag.FlagSet holding the CLI overrides the caller set (cmd builds it
// in bindPFlags).
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("tpm_broker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch calls onChange every time the underlying file changes. It uses its
// own viper instance holding only the defaults and the file, so a reloaded
// Config does not apply environment or flag overrides.
// Returns an error immediately if no config file is in use.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		return fmt.Errorf("config: cannot watch without a config file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", configPath, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		if err := cfg.validate(); err != nil {
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()

	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Limits.MaxConnections <= 0:
		return fmt.Errorf("config: limits.max_connections must be positive")
	case c.Limits.MaxTransientPerConnection <= 0:
		return fmt.Errorf("config: limits.max_transient_per_connection must be positive")
	case c.Limits.MaxActiveSessions <= 0:
		return fmt.Errorf("config: limits.max_active_sessions must be positive")
	case c.Limits.MaxAbandonedSessions <= 0:
		return fmt.Errorf("config: limits.max_abandoned_sessions must be positive")
	case c.Device.TransientCapacity <= 0:
		return fmt.Errorf("config: device.transient_capacity must be positive")
	}
	return nil
}
