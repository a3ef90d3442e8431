// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/orientation"
)

// Source names accepted by SOURCE.
const (
	SourceWearable = "wearable"
	SourceBuiltin  = "builtin"
)

// Config holds all application configuration values.
type Config struct {
	// Selected source for the live view and the recording
	Source string `mapstructure:"SOURCE"`

	// MQTT
	MQTTBroker          string `mapstructure:"MQTT_BROKER"`
	MQTTClientID        string `mapstructure:"MQTT_CLIENT_ID"`
	WearableTopicPrefix string `mapstructure:"WEARABLE_TOPIC_PREFIX"`
	TopicSnapshot       string `mapstructure:"TOPIC_SNAPSHOT"`

	// Wearable link: "mqtt" or "serial"
	WearableTransport  string `mapstructure:"WEARABLE_TRANSPORT"`
	WearableSerialPort string `mapstructure:"WEARABLE_SERIAL_PORT"`
	WearableBaudRate   int    `mapstructure:"WEARABLE_BAUD_RATE"`
	WearableDeviceID   string `mapstructure:"WEARABLE_DEVICE_ID"`
	ConnectTimeoutMS   int    `mapstructure:"CONNECT_TIMEOUT_MS"`

	// Built-in IMU: "sim" or "spi"
	IMUReader    string `mapstructure:"IMU_READER"`
	IMUSPIDevice string `mapstructure:"IMU_SPI_DEVICE"`
	IMUCSPin     string `mapstructure:"IMU_CS_PIN"`
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange int `mapstructure:"IMU_ACCEL_RANGE"`
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUGyroRange        int `mapstructure:"IMU_GYRO_RANGE"`
	IMUSampleInterval   int `mapstructure:"IMU_SAMPLE_INTERVAL"`   // milliseconds
	GyroPublishInterval int `mapstructure:"GYRO_PUBLISH_INTERVAL"` // milliseconds

	// Filter tuning
	WearableVerticalAxis string  `mapstructure:"WEARABLE_VERTICAL_AXIS"`
	WearableAlpha1       float64 `mapstructure:"WEARABLE_ALPHA1"`
	WearableAlpha2       float64 `mapstructure:"WEARABLE_ALPHA2"`
	WearableInitialAngle float64 `mapstructure:"WEARABLE_INITIAL_ANGLE"`
	BuiltinVerticalAxis  string  `mapstructure:"BUILTIN_VERTICAL_AXIS"`
	BuiltinAlpha1        float64 `mapstructure:"BUILTIN_ALPHA1"`
	BuiltinAlpha2        float64 `mapstructure:"BUILTIN_ALPHA2"`
	BuiltinInitialAngle  float64 `mapstructure:"BUILTIN_INITIAL_ANGLE"`

	// Recording
	RecordingDurationMS      int    `mapstructure:"RECORDING_DURATION_MS"`
	RecordingCheckIntervalMS int    `mapstructure:"RECORDING_CHECK_INTERVAL_MS"`
	RecordingClearOnStart    bool   `mapstructure:"RECORDING_CLEAR_ON_START"`
	ExportPath               string `mapstructure:"EXPORT_PATH"`

	// Web Server
	WebServerPort    int `mapstructure:"WEB_SERVER_PORT"`
	SubscriberBuffer int `mapstructure:"SUBSCRIBER_BUFFER"`

	// Console
	ConsoleLogInterval int `mapstructure:"CONSOLE_LOG_INTERVAL"` // milliseconds
}

// defaults mirror the behaviour of the wearable strap and the on-board
// sensor when no config file is present.
var defaults = map[string]any{
	"SOURCE":                      SourceWearable,
	"MQTT_BROKER":                 "tcp://localhost:1883",
	"MQTT_CLIENT_ID":              "elevation-computer",
	"WEARABLE_TOPIC_PREFIX":       "wearable",
	"TOPIC_SNAPSHOT":              "elevation/snapshot",
	"WEARABLE_TRANSPORT":          "mqtt",
	"WEARABLE_SERIAL_PORT":        "/dev/ttyUSB0",
	"WEARABLE_BAUD_RATE":          115200,
	"WEARABLE_DEVICE_ID":          "",
	"CONNECT_TIMEOUT_MS":          5000,
	"IMU_READER":                  "sim",
	"IMU_SPI_DEVICE":              "/dev/spidev0.0",
	"IMU_CS_PIN":                  "8",
	"IMU_ACCEL_RANGE":             0,
	"IMU_GYRO_RANGE":              0,
	"IMU_SAMPLE_INTERVAL":         20,
	"GYRO_PUBLISH_INTERVAL":       500,
	"WEARABLE_VERTICAL_AXIS":      "z",
	"WEARABLE_ALPHA1":             0.5,
	"WEARABLE_ALPHA2":             0.9,
	"WEARABLE_INITIAL_ANGLE":      0.0,
	"BUILTIN_VERTICAL_AXIS":       "y",
	"BUILTIN_ALPHA1":              0.4,
	"BUILTIN_ALPHA2":              0.5,
	"BUILTIN_INITIAL_ANGLE":       -40.0,
	"RECORDING_DURATION_MS":       20000,
	"RECORDING_CHECK_INTERVAL_MS": 100,
	"RECORDING_CLEAR_ON_START":    false,
	"EXPORT_PATH":                 ".",
	"WEB_SERVER_PORT":             8080,
	"SUBSCRIBER_BUFFER":           16,
	"CONSOLE_LOG_INTERVAL":        1000,
}

// globalConfig is only reachable through InitGlobal and Get; configMu
// guards it and configOnce makes InitGlobal run once.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("env")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	return v
}

// Load reads a KEY=VALUE configuration file. Environment variables override
// file values; keys missing from both fall back to defaults. An empty path
// loads defaults and environment only.
func Load(configPath string) (*Config, error) {
	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// LoadString parses configuration text in the same format as the file.
func LoadString(text string) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(text)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = strings.ToLower(cfg.Source)
	cfg.WearableTransport = strings.ToLower(cfg.WearableTransport)
	cfg.IMUReader = strings.ToLower(cfg.IMUReader)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Source {
	case SourceWearable, SourceBuiltin:
	default:
		return fmt.Errorf("SOURCE must be %q or %q, got %q", SourceWearable, SourceBuiltin, c.Source)
	}
	switch c.WearableTransport {
	case "mqtt":
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required")
		}
	case "serial":
		if c.WearableSerialPort == "" {
			return fmt.Errorf("WEARABLE_SERIAL_PORT is required")
		}
		if c.WearableBaudRate <= 0 {
			return fmt.Errorf("WEARABLE_BAUD_RATE must be positive, got %d", c.WearableBaudRate)
		}
	default:
		return fmt.Errorf("WEARABLE_TRANSPORT must be mqtt or serial, got %q", c.WearableTransport)
	}
	switch c.IMUReader {
	case "sim":
	case "spi":
		if c.IMUSPIDevice == "" {
			return fmt.Errorf("IMU_SPI_DEVICE is required")
		}
	default:
		return fmt.Errorf("IMU_READER must be sim or spi, got %q", c.IMUReader)
	}
	if c.IMUAccelRange < 0 || c.IMUAccelRange > 3 {
		return fmt.Errorf("IMU_ACCEL_RANGE must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", c.IMUAccelRange)
	}
	if c.IMUGyroRange < 0 || c.IMUGyroRange > 3 {
		return fmt.Errorf("IMU_GYRO_RANGE must be 0-3 (0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s), got %d", c.IMUGyroRange)
	}
	if c.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT_MS must be positive, got %d", c.ConnectTimeoutMS)
	}
	if c.IMUSampleInterval <= 0 {
		return fmt.Errorf("IMU_SAMPLE_INTERVAL must be positive, got %d", c.IMUSampleInterval)
	}
	if c.GyroPublishInterval <= 0 {
		return fmt.Errorf("GYRO_PUBLISH_INTERVAL must be positive, got %d", c.GyroPublishInterval)
	}
	if c.RecordingDurationMS <= 0 {
		return fmt.Errorf("RECORDING_DURATION_MS must be positive, got %d", c.RecordingDurationMS)
	}
	if c.RecordingCheckIntervalMS <= 0 || c.RecordingCheckIntervalMS > c.RecordingDurationMS {
		return fmt.Errorf("RECORDING_CHECK_INTERVAL_MS must be within (0, RECORDING_DURATION_MS], got %d", c.RecordingCheckIntervalMS)
	}
	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", c.WebServerPort)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be positive, got %d", c.SubscriberBuffer)
	}
	if c.ConsoleLogInterval <= 0 {
		return fmt.Errorf("CONSOLE_LOG_INTERVAL must be positive, got %d", c.ConsoleLogInterval)
	}
	for _, p := range []func() (orientation.Profile, error){c.WearableProfile, c.BuiltinProfile} {
		if _, err := p(); err != nil {
			return err
		}
	}
	return nil
}

func profile(name, axis string, alpha1, alpha2, initial float64) (orientation.Profile, error) {
	vertical, ok := imu.ParseAxis(axis)
	if !ok {
		return orientation.Profile{}, fmt.Errorf("%s vertical axis must be x, y or z, got %q", strings.ToUpper(name), axis)
	}
	p := orientation.Profile{
		Name:         name,
		Vertical:     vertical,
		Alpha1:       float32(alpha1),
		Alpha2:       float32(alpha2),
		InitialAngle: float32(initial),
	}
	return p, p.Validate()
}

// WearableProfile is the filter tuning of the wearable source.
func (c *Config) WearableProfile() (orientation.Profile, error) {
	return profile(SourceWearable, c.WearableVerticalAxis, c.WearableAlpha1, c.WearableAlpha2, c.WearableInitialAngle)
}

// BuiltinProfile is the filter tuning of the built-in source.
func (c *Config) BuiltinProfile() (orientation.Profile, error) {
	return profile(SourceBuiltin, c.BuiltinVerticalAxis, c.BuiltinAlpha1, c.BuiltinAlpha2, c.BuiltinInitialAngle)
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c *Config) RecordingDuration() time.Duration {
	return time.Duration(c.RecordingDurationMS) * time.Millisecond
}

func (c *Config) RecordingCheckInterval() time.Duration {
	return time.Duration(c.RecordingCheckIntervalMS) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Only the first call loads; later calls return nil.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
