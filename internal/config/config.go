package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvironmentProduction = "production"
	EnvironmentTest       = "test"

	maxRegisterSpan = 125
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Modbus      ModbusConfig   `mapstructure:"modbus"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Lock        LockConfig     `mapstructure:"lock"`
	Poll        PollConfig     `mapstructure:"poll"`
	Retry       RetryConfig    `mapstructure:"retry"`
	MQTT        MQTTConfig     `mapstructure:"mqtt"`
	Log         LogConfig      `mapstructure:"log"`
	Devices     []DeviceConfig `mapstructure:"devices"`
	TestDevices []DeviceConfig `mapstructure:"test_devices"`
	Profiles    ProfilesConfig `mapstructure:"register_profiles"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ModbusConfig struct {
	Transport    string        `mapstructure:"transport"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SerialDevice string        `mapstructure:"serial_device"`
	BaudRate     int           `mapstructure:"baud_rate"`
}

type CacheConfig struct {
	Dir  string `mapstructure:"dir"`
	Mode string `mapstructure:"mode"`
	// DefaultTTL in seconds; below 1 disables cache lookups
	DefaultTTL      int `mapstructure:"default_ttl"`
	MaxRegisterSpan int `mapstructure:"max_register_span"`
}

type LockConfig struct {
	Dir     string        `mapstructure:"dir"`
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PollConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Registers []string      `mapstructure:"registers"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	Retained    bool   `mapstructure:"retained"`
	// Home Assistant MQTT discovery
	Discovery       bool   `mapstructure:"discovery"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DeviceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Serial  int64  `mapstructure:"serial"`
	Port    int    `mapstructure:"port"`
	UnitID  uint8  `mapstructure:"unit_id"`
	Master  bool   `mapstructure:"master"`
}

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	Profile     string   `mapstructure:"profile"`
}

func setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(os.TempDir(), "deye")

	v.SetDefault("environment", EnvironmentProduction)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("modbus.transport", "tcp")
	v.SetDefault("modbus.timeout", "5s")
	v.SetDefault("modbus.baud_rate", 9600)
	v.SetDefault("cache.dir", dataDir)
	v.SetDefault("cache.mode", "document")
	v.SetDefault("cache.default_ttl", 5)
	v.SetDefault("cache.max_register_span", 120)
	v.SetDefault("lock.dir", dataDir)
	v.SetDefault("lock.name", "inverter")
	v.SetDefault("lock.timeout", "15s")
	v.SetDefault("poll.interval", "30s")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", "1s")
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "deyed")
	v.SetDefault("mqtt.topic_prefix", "deye")
	v.SetDefault("mqtt.retained", true)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("log.level", "info")
	v.SetDefault("register_profiles.search_paths", []string{"./profiles"})
}

// Load reads the YAML file at path. An empty path uses defaults and the
// environment only. Environment variables are DEYE_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEYE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ActiveDevices returns the device set of the configured environment
func (c *Config) ActiveDevices() []DeviceConfig {
	if c.Environment == EnvironmentTest {
		return c.TestDevices
	}
	return c.Devices
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvironmentProduction, EnvironmentTest:
	default:
		errs = append(errs, fmt.Errorf("unknown environment: %s", c.Environment))
	}

	devices := c.ActiveDevices()
	if len(devices) == 0 {
		errs = append(errs, fmt.Errorf("no devices configured for environment %s", c.Environment))
	}

	names := make(map[string]bool, len(devices))
	masters := 0
	for i, d := range devices {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("device %d: name is required", i))
		case name == "all":
			errs = append(errs, fmt.Errorf("device %d: name %q is reserved", i, d.Name))
		case names[name]:
			errs = append(errs, fmt.Errorf("device %d: duplicate name %q", i, d.Name))
		}
		names[name] = true

		if d.Address == "" && c.Modbus.Transport != "rtu" {
			errs = append(errs, fmt.Errorf("device %s: address is required", d.Name))
		}
		if d.Master {
			masters++
		}
	}
	if masters > 1 {
		errs = append(errs, fmt.Errorf("%d master devices configured, at most one allowed", masters))
	}

	switch c.Modbus.Transport {
	case "tcp", "rtu":
	default:
		errs = append(errs, fmt.Errorf("unknown modbus transport: %s", c.Modbus.Transport))
	}
	if c.Modbus.Transport == "rtu" && c.Modbus.SerialDevice == "" {
		errs = append(errs, errors.New("modbus.serial_device is required for rtu transport"))
	}

	switch c.Cache.Mode {
	case "document", "range":
	default:
		errs = append(errs, fmt.Errorf("unknown cache mode: %s", c.Cache.Mode))
	}
	if c.Cache.MaxRegisterSpan < 1 || c.Cache.MaxRegisterSpan > maxRegisterSpan {
		errs = append(errs, fmt.Errorf("cache.max_register_span must be within 1..%d", maxRegisterSpan))
	}

	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if c.Lock.Timeout <= 0 {
		errs = append(errs, errors.New("lock.timeout must be positive"))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
