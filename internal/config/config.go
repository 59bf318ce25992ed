// Package config loads service settings from configs/config.yml, an optional
// .env file and PRINTER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PRINTER"

// Config is the full service configuration.
type Config struct {
	Port      string          `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	DB        DBConfig        `mapstructure:"db"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Printer   PrinterConfig   `mapstructure:"printer"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Hub       HubConfig       `mapstructure:"hub"`
	Files     FilesConfig     `mapstructure:"files"`
}

type DBConfig struct {
	Path      string        `mapstructure:"path"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

// SerialConfig describes the printer link. Device is a tty path,
// tcp://host:port for a network serial bridge, or sim:// for the simulator.
type SerialConfig struct {
	Device         string        `mapstructure:"device"`
	Baud           int           `mapstructure:"baud"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	LockDir        string        `mapstructure:"lock_dir"`
}

type PrinterConfig struct {
	BufferCapacity   int           `mapstructure:"buffer_capacity"`
	BacklogSize      int           `mapstructure:"backlog_size"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	Tools            int           `mapstructure:"tools"`
	TempPollInterval time.Duration `mapstructure:"temp_poll_interval"`
	HeatingTolerance float64       `mapstructure:"heating_tolerance"`
	LineNumbers      bool          `mapstructure:"line_numbers"`
}

type ReconnectConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
	Factor  float64       `mapstructure:"factor"`
	Jitter  float64       `mapstructure:"jitter"`
}

type HubConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type FilesConfig struct {
	Dir string `mapstructure:"dir"`
}

var errInvalid = errors.New("invalid config")

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("db.path", "printer.db")
	v.SetDefault("db.op_timeout", "5s")

	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("serial.device", "sim://")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.connect_timeout", "5s")
	v.SetDefault("serial.read_timeout", "30s")
	v.SetDefault("serial.write_timeout", "5s")
	v.SetDefault("serial.lock_dir", "")

	v.SetDefault("printer.buffer_capacity", 5)
	v.SetDefault("printer.backlog_size", 64)
	v.SetDefault("printer.ack_timeout", "10s")
	v.SetDefault("printer.tools", 1)
	v.SetDefault("printer.temp_poll_interval", "2s")
	v.SetDefault("printer.heating_tolerance", 2.0)
	v.SetDefault("printer.line_numbers", false)

	v.SetDefault("reconnect.initial", "1s")
	v.SetDefault("reconnect.max", "10s")
	v.SetDefault("reconnect.factor", 2.0)
	v.SetDefault("reconnect.jitter", 0.2)

	v.SetDefault("hub.queue_size", 100)

	v.SetDefault("files.dir", "gcodes")
}

// Load reads configuration from dir/config.yml (missing file is fine) and
// dotenv (missing file is fine), then applies environment overrides.
func Load(dir, dotenv string) (*Config, error) {
	if err := loadDotEnv(dotenv); err != nil {
		return nil, fmt.Errorf("load %s: %w", dotenv, err)
	}

	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Serial.Device == "":
		return fmt.Errorf("%w: serial.device is empty", errInvalid)
	case c.Serial.Baud <= 0:
		return fmt.Errorf("%w: serial.baud must be > 0", errInvalid)
	case c.Printer.BufferCapacity < 1:
		return fmt.Errorf("%w: printer.buffer_capacity must be >= 1", errInvalid)
	case c.Printer.BacklogSize < 1:
		return fmt.Errorf("%w: printer.backlog_size must be >= 1", errInvalid)
	case c.Printer.AckTimeout <= 0:
		return fmt.Errorf("%w: printer.ack_timeout must be > 0", errInvalid)
	case c.Printer.Tools < 1:
		return fmt.Errorf("%w: printer.tools must be >= 1", errInvalid)
	case c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial:
		return fmt.Errorf("%w: reconnect.initial must be > 0 and <= reconnect.max", errInvalid)
	case c.Reconnect.Factor < 1:
		return fmt.Errorf("%w: reconnect.factor must be >= 1", errInvalid)
	case c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1:
		return fmt.Errorf("%w: reconnect.jitter must be in [0, 1)", errInvalid)
	case c.Hub.QueueSize < 1:
		return fmt.Errorf("%w: hub.queue_size must be >= 1", errInvalid)
	}
	return nil
}
