// Package config loads server settings from a file and EVSERVER_* environment
// variables.
//
// Precedence, highest first: environment, file, defaults. Command line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "EVSERVER"

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	ResourcePool ResourcePoolConfig `mapstructure:"resource_pool"`
}

type ServerConfig struct {
	BindAddr      string        `mapstructure:"bind_addr" validate:"required,hostname_port"`
	Workers       int           `mapstructure:"workers" validate:"gte=0"`
	MaxConns      int64         `mapstructure:"max_conns" validate:"gte=0"`
	MaxConnsPerIP int64         `mapstructure:"max_conns_per_ip" validate:"gte=0"`
	AcceptRate    float64       `mapstructure:"accept_rate" validate:"gte=0"`
	AcceptBurst   int           `mapstructure:"accept_burst" validate:"gte=0"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	// TrigMode follows the classic numbering: bit 0 makes connections edge
	// triggered, bit 1 the listener.
	TrigMode       int    `mapstructure:"trig_mode" validate:"gte=0,lte=3"`
	MaxEvents      int    `mapstructure:"max_events" validate:"gt=0"`
	ReadBufferSize int    `mapstructure:"read_buffer_size" validate:"gt=0"`
	MaxReadLoop    int    `mapstructure:"max_read_loop" validate:"gt=0"`
	Linger         bool   `mapstructure:"linger"`
	BusyMessage    string `mapstructure:"busy_message"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// Output is stdout, stderr or a file path. Files are rotated.
	Output        string        `mapstructure:"output" validate:"required"`
	MaxSizeMB     int           `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups    int           `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays    int           `mapstructure:"max_age_days" validate:"gte=0"`
	Compress      bool          `mapstructure:"compress"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// ResourcePoolConfig sizes the pool guarding request processing. Zero disables it.
type ResourcePoolConfig struct {
	Size int `mapstructure:"size" validate:"gte=0"`
}

var validate = validator.New()

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:       "0.0.0.0:9006",
			IdleTimeout:    15 * time.Second,
			TrigMode:       3,
			MaxEvents:      1024,
			ReadBufferSize: 4096,
			MaxReadLoop:    8,
			BusyMessage:    "Server busy!",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Output:        "stdout",
			MaxSizeMB:     100,
			MaxBackups:    3,
			MaxAgeDays:    7,
			FlushInterval: time.Second,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9100",
		},
	}
}

// Load reads path (may be empty) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.bind_addr", d.Server.BindAddr)
	v.SetDefault("server.workers", d.Server.Workers)
	v.SetDefault("server.max_conns", d.Server.MaxConns)
	v.SetDefault("server.max_conns_per_ip", d.Server.MaxConnsPerIP)
	v.SetDefault("server.accept_rate", d.Server.AcceptRate)
	v.SetDefault("server.accept_burst", d.Server.AcceptBurst)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.trig_mode", d.Server.TrigMode)
	v.SetDefault("server.max_events", d.Server.MaxEvents)
	v.SetDefault("server.read_buffer_size", d.Server.ReadBufferSize)
	v.SetDefault("server.max_read_loop", d.Server.MaxReadLoop)
	v.SetDefault("server.linger", d.Server.Linger)
	v.SetDefault("server.busy_message", d.Server.BusyMessage)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.flush_interval", d.Logging.FlushInterval)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("resource_pool.size", d.ResourcePool.Size)
}

// Validate checks struct tags and reports the first failing field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("config %s: failed on '%s' (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ConnEdgeTriggered reports whether accepted connections use EPOLLET.
func (s ServerConfig) ConnEdgeTriggered() bool {
	return s.TrigMode&1 != 0
}

// ListenerEdgeTriggered reports whether the listening socket uses EPOLLET.
func (s ServerConfig) ListenerEdgeTriggered() bool {
	return s.TrigMode&2 != 0
}
