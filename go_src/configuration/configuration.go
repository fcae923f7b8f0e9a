package configuration

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
)

// Config struct to hold the configuration data
type Config struct {
	GlobalSettings GlobalSettings         `json:"global_settings"`
	Database       Database               `json:"database"`
	Logging        Logging                `json:"logging"`
	RabbitMQ       RabbitMQ               `json:"rabbitmq"`
	Resilience     ResilienceConfig       `json:"resilience,omitempty"`
	SaxoAppConfig  map[string]interface{} `json:"saxo_app_config,omitempty"`
	Secrets        SecretsConfig          `json:"secrets,omitempty"`
}

// SecretsConfig locates on-disk secret material the Saxo token seam reads
// and writes: encrypted OAuth tokens and the key material that protects
// them.
type SecretsConfig struct {
	Paths SecretsPaths `json:"paths"`
}

// SecretsPaths holds the directories SaxoAuth resolves its token store
// against. SaxoTokensPath defaults to BasePath+"/saxo_tokens" when unset.
type SecretsPaths struct {
	BasePath       string `json:"base_path"`
	SaxoTokensPath string `json:"saxo_tokens_path,omitempty"`
}

// ResilienceConfig groups every resilience-core component's settings so
// a single JSON section ("resilience") configures the whole stack.
type ResilienceConfig struct {
	WebSocket      WebSocketConfig      `json:"websocket"`
	Heartbeat      HeartbeatConfig      `json:"heartbeat"`
	Watchdog       WatchdogConfig       `json:"watchdog"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Shutdown       ShutdownConfig       `json:"shutdown"`
	TimeTrigger    TimeTriggerConfig    `json:"time_trigger"`
}

// WebSocketConfig configures wsmanager.Manager.
type WebSocketConfig struct {
	URL                  string `json:"url"`
	ConnectionTimeoutSec  int    `json:"connection_timeout_sec"`
	KeepaliveTimeoutSec   int    `json:"keepalive_timeout_sec"`
	ReconnectStrategy     string `json:"reconnect_strategy"` // "immediate" | "fixed_delay" | "exponential_backoff"
	ReconnectBaseDelaySec int    `json:"reconnect_base_delay_sec"`
	ReconnectMaxDelaySec  int    `json:"reconnect_max_delay_sec"`
	MaxReconnectAttempts  int    `json:"max_reconnect_attempts"`
	SendQueueSize         int    `json:"send_queue_size"`
	ProactiveDisconnectEvery string `json:"proactive_disconnect_every,omitempty"` // modulo string, e.g. "4h"
}

// HeartbeatConfig configures heartbeat.Heartbeat.
type HeartbeatConfig struct {
	IntervalSec int    `json:"interval_sec"`
	StateFile   string `json:"state_file,omitempty"`
}

// WatchdogConfig configures watchdog.Watchdog.
type WatchdogConfig struct {
	TimeoutSec     int    `json:"timeout_sec"`
	RaiseOnTimeout bool   `json:"raise_on_timeout"`
	StateFile      string `json:"state_file,omitempty"`
}

// CircuitBreakerConfig configures breaker.CircuitBreaker.
type CircuitBreakerConfig struct {
	MaxFailures         int `json:"max_failures"`
	ResetTimeoutSec     int `json:"reset_timeout_sec"`
	HalfOpenMaxCalls    int `json:"half_open_max_calls"`
}

// ShutdownConfig configures shutdown.Shutdown.
type ShutdownConfig struct {
	GlobalTimeoutSec int `json:"global_timeout_sec"`
	ForceExitCode    int `json:"force_exit_code"`
}

// TimeTriggerConfig configures resilience.TimeTrigger.
type TimeTriggerConfig struct {
	Modulo string `json:"modulo"` // e.g. "30m", "4h", "7d"
}

// GlobalSettings struct
type GlobalSettings struct {
	AppName        string `json:"app_name"`
	Version        string `json:"version"`
	MaintenanceMode bool   `json:"maintenance_mode"`
}

// Database struct
type Database struct {
	Type         string `json:"type"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	DBName       string `json:"db_name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	ConnMaxLifetime int `json:"conn_max_lifetime"` // in minutes
}

// Logging struct
type Logging struct {
	Level        string `json:"level"` // e.g., "debug", "info", "warn", "error"
	FilePath     string `json:"file_path"`
	RotationSize int    `json:"rotation_size"` // in MB
	MaxBackups   int    `json:"max_backups"`
	ConsoleOutput bool  `json:"console_output"`
}

// RabbitMQ struct
type RabbitMQ struct {
	Host        string       `json:"host"`
	Port        int          `json:"port"`
	Username    string       `json:"username"`
	Password    string       `json:"password"`
	VirtualHost string       `json:"virtual_host"`
	Queues      []QueueConfig `json:"queues"`
	Exchanges   []ExchangeConfig `json:"exchanges"`
}

// QueueConfig struct
type QueueConfig struct {
	Name       string `json:"name"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ExchangeConfig struct
type ExchangeConfig struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // e.g., "direct", "topic", "fanout"
	Durable bool   `json:"durable"`
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = json.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	return &config, nil
}

// ValidateConfig checks for the presence and correctness of all required configuration fields
func (c *Config) ValidateConfig() error {
	// Validate GlobalSettings
	if c.GlobalSettings.AppName == "" {
		return fmt.Errorf("global_settings.app_name is required")
	}
	if c.GlobalSettings.Version == "" {
		return fmt.Errorf("global_settings.version is required")
	}

	// Validate Database
	if c.Database.Type == "" {
		return fmt.Errorf("database.type is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port <= 0 {
		return fmt.Errorf("database.port must be positive")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database.username is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database.db_name is required")
	}
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	sslModeValid := false
	for _, mode := range validSSLModes {
		if c.Database.SSLMode == mode {
			sslModeValid = true
			break
		}
	}
	if !sslModeValid && c.Database.Type != "sqlite" { // SQLite might not use SSLMode typically
		return fmt.Errorf("database.ssl_mode is invalid: %s", c.Database.SSLMode)
	}
	if c.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns cannot be negative")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.ConnMaxLifetime < 0 {
		return fmt.Errorf("database.conn_max_lifetime cannot be negative")
	}


	// Validate Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level is required")
	}
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	levelIsValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.Logging.Level) == level {
			levelIsValid = true
			break
		}
	}
	if !levelIsValid {
		return fmt.Errorf("logging.level is invalid: %s", c.Logging.Level)
	}
	if c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required")
	}
	if c.Logging.RotationSize <= 0 {
		return fmt.Errorf("logging.rotation_size must be positive")
	}
	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("logging.max_backups cannot be negative")
	}

	// Validate RabbitMQ
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq.host is required")
	}
	if c.RabbitMQ.Port <= 0 {
		return fmt.Errorf("rabbitmq.port must be positive")
	}
	if c.RabbitMQ.Username == "" {
		return fmt.Errorf("rabbitmq.username is required")
	}
	for _, q := range c.RabbitMQ.Queues {
		if q.Name == "" {
			return fmt.Errorf("rabbitmq.queues.name is required")
		}
	}
	validExchangeTypes := []string{"direct", "topic", "fanout", "headers"}
	for _, ex := range c.RabbitMQ.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("rabbitmq.exchanges.name is required")
		}
		if ex.Type == "" {
			return fmt.Errorf("rabbitmq.exchanges.type is required for exchange %s", ex.Name)
		}
		typeIsValid := false
		for _, validType := range validExchangeTypes {
			if strings.ToLower(ex.Type) == validType {
				typeIsValid = true
				break
			}
		}
		if !typeIsValid {
			return fmt.Errorf("rabbitmq.exchanges.type is invalid for exchange %s: %s", ex.Name, ex.Type)
		}
	}


	// Validate Resilience, only when a websocket URL has actually been
	// configured — an app that doesn't use the resilience stack need not
	// populate the section at all.
	if c.Resilience.WebSocket.URL != "" {
		ws := c.Resilience.WebSocket
		if ws.ConnectionTimeoutSec <= 0 {
			return fmt.Errorf("resilience.websocket.connection_timeout_sec must be positive")
		}
		if ws.KeepaliveTimeoutSec <= 0 {
			return fmt.Errorf("resilience.websocket.keepalive_timeout_sec must be positive")
		}
		validStrategies := []string{"", "immediate", "fixed_delay", "exponential_backoff"}
		strategyValid := false
		for _, s := range validStrategies {
			if strings.EqualFold(ws.ReconnectStrategy, s) {
				strategyValid = true
				break
			}
		}
		if !strategyValid {
			return fmt.Errorf("resilience.websocket.reconnect_strategy is invalid: %s", ws.ReconnectStrategy)
		}
		if ws.SendQueueSize < 0 {
			return fmt.Errorf("resilience.websocket.send_queue_size cannot be negative")
		}

		hb := c.Resilience.Heartbeat
		if hb.IntervalSec < 1 || hb.IntervalSec > 300 {
			return fmt.Errorf("resilience.heartbeat.interval_sec must be in range 1..300")
		}

		wd := c.Resilience.Watchdog
		if wd.TimeoutSec < 1 || wd.TimeoutSec > 3600 {
			return fmt.Errorf("resilience.watchdog.timeout_sec must be in range 1..3600")
		}

		cb := c.Resilience.CircuitBreaker
		if cb.MaxFailures < 1 || cb.MaxFailures > 100 {
			return fmt.Errorf("resilience.circuit_breaker.max_failures must be in range 1..100")
		}
		if cb.ResetTimeoutSec < 1 || cb.ResetTimeoutSec > 3600 {
			return fmt.Errorf("resilience.circuit_breaker.reset_timeout_sec must be in range 1..3600")
		}
		if cb.HalfOpenMaxCalls < 1 || cb.HalfOpenMaxCalls > 10 {
			return fmt.Errorf("resilience.circuit_breaker.half_open_max_calls must be in range 1..10")
		}

		sd := c.Resilience.Shutdown
		if sd.GlobalTimeoutSec < 5 || sd.GlobalTimeoutSec > 300 {
			return fmt.Errorf("resilience.shutdown.global_timeout_sec must be in range 5..300")
		}
	}

	return nil
}

// GetConfigValue retrieves a configuration value using a dot-separated key
func (c *Config) GetConfigValue(key string) (interface{}, error) {
	parts := strings.Split(key, ".")
	currentValue := reflect.ValueOf(c).Elem()

	for _, part := range parts {
		if currentValue.Kind() == reflect.Ptr {
			currentValue = currentValue.Elem()
		}

		// Try to parse part as an array index first
		index, err := parseInt(part)
		if err == nil { // If part is an integer, try to access slice element
			if currentValue.Kind() == reflect.Slice {
				if index >= 0 && index < currentValue.Len() {
					currentValue = currentValue.Index(index)
					continue // Move to the next part of the key
				} else {
					return nil, fmt.Errorf("index out of range for key part '%s' in key '%s'", part, key)
				}
			} else {
				// It's an integer but the current value is not a slice
				return nil, fmt.Errorf("key part '%s' is an index but not a slice in key '%s'", part, key)
			}
		}

		// Not an index: the part must name a field of the current struct
		if currentValue.Kind() != reflect.Struct {
			return nil, fmt.Errorf("key part '%s' is not a struct in key '%s'", part, key)
		}

		field := currentValue.FieldByNameFunc(func(fieldName string) bool {
			// Attempt to match JSON tag first, then field name
			structField, ok := currentValue.Type().FieldByName(fieldName)
			if !ok {
				return false
			}
			jsonTag := structField.Tag.Get("json")
			if jsonTag == part || strings.Split(jsonTag, ",")[0] == part {
				return true
			}
			return strings.EqualFold(fieldName, part)
		})


		if !field.IsValid() {
			return nil, fmt.Errorf("key part '%s' not found in key '%s'", part, key)
		}
		currentValue = field
	}
	if !currentValue.CanInterface(){
		return nil, fmt.Errorf("cannot get interface for key %s", key)
	}

	return currentValue.Interface(), nil
}

// GetLoggingConfig retrieves the logging configuration section
func (c *Config) GetLoggingConfig() Logging {
	return c.Logging
}

// GetRabbitMQConfig retrieves the RabbitMQ configuration section
func (c *Config) GetRabbitMQConfig() RabbitMQ {
	return c.RabbitMQ
}

// parseInt is a helper to convert string to int, used for slice indexing.
func parseInt(s string) (int, error) {
	// The conversion uses fmt.Sscan rather than strconv.Atoi.
	var i int
	_, err := fmt.Sscan(s, &i)
	return i, err
}
