package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names
const (
	EnvAddr           = "SENSORMON_ADDR"
	EnvDBPath         = "SENSORMON_DB_PATH"
	EnvSeedFile       = "SENSORMON_SEED_FILE"
	EnvHistoryDefault = "SENSORMON_HISTORY_DEFAULT"
	EnvAutoStart      = "SENSORMON_AUTOSTART_ON_CREATE"
	EnvEventsCapacity = "SENSORMON_EVENTS_CAPACITY"
	EnvHwmonRoot      = "SENSORMON_HWMON_ROOT"
	EnvBLEEnabled     = "SENSORMON_BLE_ENABLED"
	// Lifecycle bounds (seconds)
	EnvConnectTimeout = "SENSORMON_CONNECT_TIMEOUT"
	EnvStopTimeout    = "SENSORMON_STOP_TIMEOUT"
	// Retention
	EnvRetentionMax      = "SENSORMON_RETENTION_MAX_READINGS"
	EnvRetentionInterval = "SENSORMON_RETENTION_INTERVAL"
	// Control requests per minute and client (0 disables)
	EnvControlRateLimit = "SENSORMON_CONTROL_RATE_LIMIT"
	// MQTT settings
	EnvMQTTBroker          = "SENSORMON_MQTT_BROKER"
	EnvMQTTClientID        = "SENSORMON_MQTT_CLIENT_ID"
	EnvMQTTUsername        = "SENSORMON_MQTT_USERNAME"
	EnvMQTTPassword        = "SENSORMON_MQTT_PASSWORD"
	EnvMQTTPrefix          = "SENSORMON_MQTT_PREFIX"
	EnvMQTTUseTLS          = "SENSORMON_MQTT_USE_TLS"
	EnvMQTTPublishReadings = "SENSORMON_MQTT_PUBLISH_READINGS"
	EnvMQTTDiscovery       = "SENSORMON_MQTT_DISCOVERY"
)

// Default values
const (
	DefaultAddr              = ":8080"
	DefaultDBPath            = "sensormon.db"
	DefaultSeedFile          = ""
	DefaultHistoryDefault    = 5
	DefaultAutoStart         = false
	DefaultEventsCapacity    = 200
	DefaultHwmonRoot         = "/sys/class/hwmon"
	DefaultBLEEnabled        = false
	DefaultConnectTimeout    = 30 * time.Second
	DefaultStopTimeout       = 10 * time.Second
	DefaultRetentionMax      = 10000
	DefaultRetentionInterval = 5 * time.Minute
	DefaultControlRateLimit  = 60
	// MQTT defaults
	DefaultMQTTBroker          = ""
	DefaultMQTTClientID        = ""
	DefaultMQTTUsername        = ""
	DefaultMQTTPassword        = ""
	DefaultMQTTPrefix          = "sensormon"
	DefaultMQTTUseTLS          = false
	DefaultMQTTPublishReadings = true
	DefaultMQTTDiscovery       = true
)

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	// Server settings
	addr string

	// Storage settings
	dbPath            string
	retentionMax      int
	retentionInterval time.Duration

	// API settings
	controlRateLimit int

	// Sensor settings
	seedFile       string
	historyDefault int
	autoStart      bool
	eventsCapacity int
	hwmonRoot      string
	bleEnabled     bool
	connectTimeout time.Duration
	stopTimeout    time.Duration

	// MQTT settings
	mqttBroker          string
	mqttClientID        string
	mqttUsername        string
	mqttPassword        string
	mqttPrefix          string
	mqttUseTLS          bool
	mqttPublishReadings bool
	mqttDiscovery       bool
}

// Load loads configuration from .env file or creates it with defaults.
// This is the main entry point for configuration initialization.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	// Set defaults first
	cfg.setDefaults()

	// Try to load existing file
	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.dbPath = DefaultDBPath
	c.retentionMax = DefaultRetentionMax
	c.retentionInterval = DefaultRetentionInterval
	c.controlRateLimit = DefaultControlRateLimit
	c.seedFile = DefaultSeedFile
	c.historyDefault = DefaultHistoryDefault
	c.autoStart = DefaultAutoStart
	c.eventsCapacity = DefaultEventsCapacity
	c.hwmonRoot = DefaultHwmonRoot
	c.bleEnabled = DefaultBLEEnabled
	c.connectTimeout = DefaultConnectTimeout
	c.stopTimeout = DefaultStopTimeout
	// MQTT defaults
	c.mqttBroker = DefaultMQTTBroker
	c.mqttClientID = DefaultMQTTClientID
	c.mqttUsername = DefaultMQTTUsername
	c.mqttPassword = DefaultMQTTPassword
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = DefaultMQTTUseTLS
	c.mqttPublishReadings = DefaultMQTTPublishReadings
	c.mqttDiscovery = DefaultMQTTDiscovery
}

// loadFromFile reads configuration from .env file.
func (c *Config) loadFromFile() error {
	values, err := godotenv.Read(c.filePath)
	if err != nil {
		return err
	}

	c.applyValues(values)
	return nil
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) {
	if v, ok := values[EnvAddr]; ok && v != "" {
		c.addr = v
	}
	if v, ok := values[EnvDBPath]; ok && v != "" {
		c.dbPath = v
	}
	if v, ok := values[EnvSeedFile]; ok {
		c.seedFile = v
	}
	if v, ok := values[EnvHwmonRoot]; ok && v != "" {
		c.hwmonRoot = v
	}
	if v, ok := values[EnvAutoStart]; ok {
		c.autoStart = parseBool(v)
	}
	if v, ok := values[EnvBLEEnabled]; ok {
		c.bleEnabled = parseBool(v)
	}

	// Integers are applied as written; validate rejects bad ones
	if v, ok := values[EnvHistoryDefault]; ok && v != "" {
		c.historyDefault = parseInt(v, -1)
	}
	if v, ok := values[EnvEventsCapacity]; ok && v != "" {
		c.eventsCapacity = parseInt(v, -1)
	}
	if v, ok := values[EnvRetentionMax]; ok && v != "" {
		c.retentionMax = parseInt(v, -1)
	}
	if v, ok := values[EnvRetentionInterval]; ok && v != "" {
		c.retentionInterval = parseSeconds(v)
	}
	if v, ok := values[EnvControlRateLimit]; ok && v != "" {
		c.controlRateLimit = parseInt(v, -1)
	}
	if v, ok := values[EnvConnectTimeout]; ok && v != "" {
		c.connectTimeout = parseSeconds(v)
	}
	if v, ok := values[EnvStopTimeout]; ok && v != "" {
		c.stopTimeout = parseSeconds(v)
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
	if v, ok := values[EnvMQTTClientID]; ok {
		c.mqttClientID = v
	}
	if v, ok := values[EnvMQTTUsername]; ok {
		c.mqttUsername = v
	}
	if v, ok := values[EnvMQTTPassword]; ok {
		c.mqttPassword = v
	}
	if v, ok := values[EnvMQTTPrefix]; ok {
		c.mqttPrefix = v
	}
	if v, ok := values[EnvMQTTUseTLS]; ok {
		c.mqttUseTLS = parseBool(v)
	}
	if v, ok := values[EnvMQTTPublishReadings]; ok {
		c.mqttPublishReadings = parseBool(v)
	}
	if v, ok := values[EnvMQTTDiscovery]; ok {
		c.mqttDiscovery = parseBool(v)
	}
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	if err := validateAddr(c.addr); err != nil {
		return err
	}

	if c.dbPath == "" {
		return errors.New("database path cannot be empty")
	}
	if strings.ContainsAny(c.dbPath, "\x00") {
		return errors.New("database path contains invalid characters")
	}

	if c.historyDefault < 1 {
		return errors.New("history default must be at least 1")
	}
	if c.eventsCapacity < 1 {
		return errors.New("events capacity must be at least 1")
	}
	if c.retentionMax < 0 {
		return errors.New("retention max readings cannot be negative")
	}
	if c.retentionMax > 0 && c.retentionInterval < time.Second {
		return errors.New("retention interval must be at least 1 second")
	}
	if c.controlRateLimit < 0 {
		return errors.New("control rate limit cannot be negative")
	}
	if c.connectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.stopTimeout <= 0 {
		return errors.New("stop timeout must be positive")
	}

	return nil
}

// validateAddr checks a listen address such as ":8080" or "127.0.0.1:8080".
func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("server address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid server address format: %s", addr)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %s", port)
	}
	return nil
}

// Save writes current configuration to .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := godotenv.Write(values, filePath); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:              c.addr,
		EnvDBPath:            c.dbPath,
		EnvSeedFile:          c.seedFile,
		EnvHistoryDefault:    strconv.Itoa(c.historyDefault),
		EnvAutoStart:         strconv.FormatBool(c.autoStart),
		EnvEventsCapacity:    strconv.Itoa(c.eventsCapacity),
		EnvHwmonRoot:         c.hwmonRoot,
		EnvBLEEnabled:        strconv.FormatBool(c.bleEnabled),
		EnvConnectTimeout:    strconv.Itoa(int(c.connectTimeout.Seconds())),
		EnvStopTimeout:       strconv.Itoa(int(c.stopTimeout.Seconds())),
		EnvRetentionMax:      strconv.Itoa(c.retentionMax),
		EnvRetentionInterval: strconv.Itoa(int(c.retentionInterval.Seconds())),
		EnvControlRateLimit:  strconv.Itoa(c.controlRateLimit),
		// MQTT settings
		EnvMQTTBroker:          c.mqttBroker,
		EnvMQTTClientID:        c.mqttClientID,
		EnvMQTTUsername:        c.mqttUsername,
		EnvMQTTPassword:        c.mqttPassword,
		EnvMQTTPrefix:          c.mqttPrefix,
		EnvMQTTUseTLS:          strconv.FormatBool(c.mqttUseTLS),
		EnvMQTTPublishReadings: strconv.FormatBool(c.mqttPublishReadings),
		EnvMQTTDiscovery:       strconv.FormatBool(c.mqttDiscovery),
	}
}

// Overrides from the command line

// OverrideAddr replaces the server address for this run without saving it.
func (c *Config) OverrideAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
	return nil
}

// OverrideDBPath replaces the database path for this run without saving it.
func (c *Config) OverrideDBPath(path string) error {
	if path == "" {
		return errors.New("database path cannot be empty")
	}
	c.mu.Lock()
	c.dbPath = path
	c.mu.Unlock()
	return nil
}

// Getters (thread-safe)

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// SeedFile returns the YAML seed file path (empty when unset).
func (c *Config) SeedFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seedFile
}

// HistoryDefault returns the history size used for a zero count.
func (c *Config) HistoryDefault() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historyDefault
}

// AutoStartOnCreate returns whether new sensors are started right away.
func (c *Config) AutoStartOnCreate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoStart
}

// EventsCapacity returns the size of the event ring buffer.
func (c *Config) EventsCapacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventsCapacity
}

// HwmonRoot returns the sysfs hwmon directory.
func (c *Config) HwmonRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hwmonRoot
}

// BLEEnabled returns whether Bluetooth SensorTags are served.
func (c *Config) BLEEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bleEnabled
}

// ConnectTimeout returns the bound of a sensor start.
func (c *Config) ConnectTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectTimeout
}

// StopTimeout returns the bound of a sensor teardown.
func (c *Config) StopTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopTimeout
}

// RetentionMaxReadings returns how many readings are kept per sensor (0 keeps all).
func (c *Config) RetentionMaxReadings() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retentionMax
}

// RetentionInterval returns how often retention runs.
func (c *Config) RetentionInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retentionInterval
}

// ControlRateLimit returns the allowed sensor control requests per minute and client (0 disables).
func (c *Config) ControlRateLimit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controlRateLimit
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// MQTTClientID returns the MQTT client ID.
func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

// MQTTUsername returns the MQTT username.
func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

// MQTTPassword returns the MQTT password.
func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

// MQTTPrefix returns the MQTT topic prefix.
func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// MQTTPublishReadings returns whether accepted readings are published.
func (c *Config) MQTTPublishReadings() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPublishReadings
}

// MQTTDiscovery returns whether Home Assistant discovery is published.
func (c *Config) MQTTDiscovery() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttDiscovery
}

// Helper functions

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// parseSeconds returns a duration of whole seconds, or 0 when s is not a number
func parseSeconds(s string) time.Duration {
	return time.Duration(parseInt(s, 0)) * time.Second
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	passwordDisplay := "[not set]"
	if c.mqttPassword != "" {
		passwordDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, DBPath: %q, SeedFile: %q, HistoryDefault: %d, AutoStart: %v, Retention: %d/%v, MQTTBroker: %q, MQTTPassword: %s}",
		c.addr, c.dbPath, c.seedFile, c.historyDefault, c.autoStart, c.retentionMax, c.retentionInterval, c.mqttBroker, passwordDisplay,
	)
}
