package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Gateway        GatewayConfig   `yaml:"gateway"`
	DeviceSettings []DeviceSetting `yaml:"device_settings"`
	Accessories    []AccessoryDef  `yaml:"accessories"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Sync           SyncConfig      `yaml:"sync"`
	HTTP           HTTPConfig      `yaml:"http"`
	MQTT           MQTTConfig      `yaml:"mqtt"`
	Store          StoreConfig     `yaml:"store"`
	Log            LogConfig       `yaml:"log"`
}

// GatewayConfig holds the websocket gateway endpoint.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Endpoint returns the websocket URL of the gateway.
func (g GatewayConfig) Endpoint() string {
	return fmt.Sprintf("ws://%s:%d", g.Host, g.Port)
}

// SettingType identifies how inbound gateway events for a device are interpreted.
type SettingType string

const (
	// TypeToggleSwitch treats every "changed" event as a trigger that flips On.
	TypeToggleSwitch SettingType = "toggleSwitch"
)

// DeviceSetting maps a gateway device id onto a named accessory.
type DeviceSetting struct {
	ID   string      `yaml:"id"`
	Name string      `yaml:"name"`
	Type SettingType `yaml:"type"`
}

// AccessoryDef declares an accessory that is not backed by a device setting.
type AccessoryDef struct {
	Name             string `yaml:"name"`
	Service          string `yaml:"service"`
	Manufacturer     string `yaml:"manufacturer"`
	Model            string `yaml:"model"`
	SerialNumber     string `yaml:"serial_number"`
	FirmwareRevision string `yaml:"firmware_revision"`
}

// ReconnectConfig holds the reconnect supervisor policy.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// PendingPolicy decides what happens to debounced writes when the gateway connection drops.
type PendingPolicy string

const (
	// PendingDrop cancels pending writes and logs them.
	PendingDrop PendingPolicy = "drop"
	// PendingFail fires pending writes immediately so they fail and are logged as lost.
	PendingFail PendingPolicy = "fail"
)

// SyncConfig holds synchronization engine options.
type SyncConfig struct {
	PendingOnDisconnect PendingPolicy `yaml:"pending_on_disconnect"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// StoreConfig holds characteristic persistence configuration.
// An empty Path disables persistence.
type StoreConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 443,
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: time.Second,
			MaxDelay:     2 * time.Minute,
			Multiplier:   2,
			Jitter:       0.25,
		},
		Sync: SyncConfig{
			PendingOnDisconnect: PendingDrop,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "deconzws",
			ClientID:        "deconzws",
			DiscoveryPrefix: "homeassistant",
		},
		Store: StoreConfig{
			BusyTimeout: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors that make startup impossible.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Gateway.Host) == "" {
		return fmt.Errorf("%w: gateway.host is required", ErrInvalid)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port %d out of range", ErrInvalid, c.Gateway.Port)
	}

	ids := make(map[string]bool, len(c.DeviceSettings))
	names := make(map[string]bool, len(c.DeviceSettings)+len(c.Accessories))
	for i, s := range c.DeviceSettings {
		if s.ID == "" || s.Name == "" {
			return fmt.Errorf("%w: device_settings[%d]: id and name are required", ErrInvalid, i)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: device_settings[%d]: duplicate id %q", ErrInvalid, i, s.ID)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: device_settings[%d]: duplicate name %q", ErrInvalid, i, s.Name)
		}
		ids[s.ID] = true
		names[s.Name] = true
	}
	for i, a := range c.Accessories {
		if a.Name == "" || a.Service == "" {
			return fmt.Errorf("%w: accessories[%d]: name and service are required", ErrInvalid, i)
		}
		if names[a.Name] {
			return fmt.Errorf("%w: accessories[%d]: duplicate name %q", ErrInvalid, i, a.Name)
		}
		names[a.Name] = true
	}

	switch c.Sync.PendingOnDisconnect {
	case PendingDrop, PendingFail:
	default:
		return fmt.Errorf("%w: sync.pending_on_disconnect %q (want drop or fail)", ErrInvalid, c.Sync.PendingOnDisconnect)
	}

	if c.Reconnect.Enabled && c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("%w: reconnect.max_delay below initial_delay", ErrInvalid)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("DECONZWS_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("DECONZWS_GATEWAY_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: DECONZWS_GATEWAY_PORT: %w", err)
		}
		cfg.Gateway.Port = port
	}
	if v := os.Getenv("DECONZWS_RECONNECT_ENABLED"); v != "" {
		cfg.Reconnect.Enabled = parseBool(v)
	}
	if v := os.Getenv("DECONZWS_RECONNECT_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: DECONZWS_RECONNECT_MAX_DELAY: %w", err)
		}
		cfg.Reconnect.MaxDelay = d
	}
	if v := os.Getenv("DECONZWS_PENDING_ON_DISCONNECT"); v != "" {
		cfg.Sync.PendingOnDisconnect = PendingPolicy(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("DECONZWS_HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = parseBool(v)
	}
	if v := os.Getenv("DECONZWS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("DECONZWS_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("DECONZWS_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("DECONZWS_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("DECONZWS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DECONZWS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DECONZWS_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("DECONZWS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DECONZWS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DECONZWS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
