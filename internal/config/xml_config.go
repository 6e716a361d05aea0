// Package config provides XML-based configuration for the relay server.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"AisVirtualNet"`

	// HTTP and WebSocket listener
	Server ServerConfig `xml:"Server"`

	// Backing AIS feed and upstream forwarding
	Feed FeedConfig `xml:"Feed"`

	// Credentials and tokens
	Auth AuthConfig `xml:"Auth"`

	// MMSI reservations
	Broker BrokerConfig `xml:"Broker"`

	// Target table
	Presence PresenceConfig `xml:"Presence"`

	// Client sessions
	Relay RelayConfig `xml:"Relay"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int    `xml:"Port"`
	BindAddress     string `xml:"BindAddress"`
	EnableCORS      bool   `xml:"EnableCORS"`
	AllowOrigins    string `xml:"AllowOrigins"`
	ReadTimeout     int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout    int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout     int    `xml:"IdleTimeoutSeconds"`
	ShutdownTimeout int    `xml:"ShutdownTimeoutSeconds"`
}

// FeedConfig selects where reports come from and where client reports go.
type FeedConfig struct {
	// SourceType is "tcp", "file" or empty for no backing feed.
	SourceType      string `xml:"SourceType"`
	Address         string `xml:"Address"`
	File            string `xml:"File"`
	Repeat          bool   `xml:"Repeat"`
	LineDelayMillis int    `xml:"LineDelayMillis"`
	// UpstreamAddress receives client-submitted reports; empty disables it.
	UpstreamAddress   string `xml:"UpstreamAddress"`
	UpstreamQueueSize int    `xml:"UpstreamQueueSize"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	UsersFile       string `xml:"UsersFile"`
	TokenTTLSeconds int    `xml:"TokenTTLSeconds"`
	// AdminToken enables the session admin API when set.
	AdminToken string `xml:"AdminToken"`
}

// BrokerConfig contains MMSI reservation settings
type BrokerConfig struct {
	ActivationWindowSeconds int `xml:"ActivationWindowSeconds"`
	PurgeIntervalSeconds    int `xml:"PurgeIntervalSeconds"`
}

// PresenceConfig contains target table settings
type PresenceConfig struct {
	TTLMinutes           int `xml:"TTLMinutes"`
	SweepIntervalSeconds int `xml:"SweepIntervalSeconds"`
}

// RelayConfig contains per-session delivery settings
type RelayConfig struct {
	QueueSize              int     `xml:"QueueSize"`
	OverflowTimeoutSeconds int     `xml:"OverflowTimeoutSeconds"`
	SubmitRatePerSecond    float64 `xml:"SubmitRatePerSecond"`
	SubmitBurst            int     `xml:"SubmitBurst"`
	MaxMessageSizeKB       int     `xml:"MaxMessageSizeKB"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	DevelopmentLogging   bool   `xml:"DevelopmentLogging"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	EnableMetrics        bool   `xml:"EnableMetrics"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:            8080,
			BindAddress:     "0.0.0.0",
			EnableCORS:      true,
			AllowOrigins:    "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			IdleTimeout:     120,
			ShutdownTimeout: 10,
		},
		Feed: FeedConfig{
			SourceType:        "",
			LineDelayMillis:   0,
			UpstreamQueueSize: 4096,
		},
		Auth: AuthConfig{
			UsersFile:       "users.txt",
			TokenTTLSeconds: 300,
		},
		Broker: BrokerConfig{
			ActivationWindowSeconds: 60,
			PurgeIntervalSeconds:    60,
		},
		Presence: PresenceConfig{
			TTLMinutes:           10,
			SweepIntervalSeconds: 10,
		},
		Relay: RelayConfig{
			QueueSize:              1024,
			OverflowTimeoutSeconds: 30,
			SubmitRatePerSecond:    50,
			SubmitBurst:            50,
			MaxMessageSizeKB:       64,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			EnableMetrics:        true,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Elements missing from the file keep their defaults.
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- AIS Virtual Network Server Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if users := os.Getenv("AISVNET_USERS_FILE"); users != "" {
		c.Auth.UsersFile = users
	}
	if token := os.Getenv("AISVNET_ADMIN_TOKEN"); token != "" {
		c.Auth.AdminToken = token
	}
	if level := os.Getenv("AISVNET_LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if c.Auth.UsersFile != "" && !filepath.IsAbs(c.Auth.UsersFile) {
		c.Auth.UsersFile = filepath.Join(configDir, c.Auth.UsersFile)
	}
	if c.Feed.File != "" && !filepath.IsAbs(c.Feed.File) {
		c.Feed.File = filepath.Join(configDir, c.Feed.File)
	}
}

// Validate checks value ranges. Overflow timeouts outside 10–30 s are
// clamped by the relay rather than rejected here.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("Server.Port %d out of range", c.Server.Port))
	}
	if c.Auth.UsersFile == "" {
		errs = append(errs, errors.New("Auth.UsersFile is required"))
	}
	if c.Auth.TokenTTLSeconds <= 0 {
		errs = append(errs, errors.New("Auth.TokenTTLSeconds must be positive"))
	}
	if c.Broker.ActivationWindowSeconds <= 0 {
		errs = append(errs, errors.New("Broker.ActivationWindowSeconds must be positive"))
	}
	if c.Presence.TTLMinutes <= 0 {
		errs = append(errs, errors.New("Presence.TTLMinutes must be positive"))
	}
	if c.Presence.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("Presence.SweepIntervalSeconds must be positive"))
	}
	if c.Relay.QueueSize <= 0 {
		errs = append(errs, errors.New("Relay.QueueSize must be positive"))
	}
	switch c.Feed.SourceType {
	case "":
	case "tcp":
		if c.Feed.Address == "" {
			errs = append(errs, errors.New("Feed.Address is required for a tcp source"))
		}
	case "file":
		if c.Feed.File == "" {
			errs = append(errs, errors.New("Feed.File is required for a file source"))
		}
	}
	return errors.Join(errs...)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TokenTTL returns the token lifetime.
func (c *AppConfig) TokenTTL() time.Duration { return seconds(c.Auth.TokenTTLSeconds) }

// ActivationWindow returns how long an unactivated reservation holds.
func (c *AppConfig) ActivationWindow() time.Duration {
	return seconds(c.Broker.ActivationWindowSeconds)
}

// BrokerPurgeInterval returns how often lapsed reservations are dropped.
func (c *AppConfig) BrokerPurgeInterval() time.Duration {
	if c.Broker.PurgeIntervalSeconds <= 0 {
		return time.Minute
	}
	return seconds(c.Broker.PurgeIntervalSeconds)
}

// PresenceTTL returns how long a target stays alive without reports.
func (c *AppConfig) PresenceTTL() time.Duration {
	return time.Duration(c.Presence.TTLMinutes) * time.Minute
}

// SweepInterval returns the target table sweep period.
func (c *AppConfig) SweepInterval() time.Duration {
	return seconds(c.Presence.SweepIntervalSeconds)
}

// OverflowTimeout returns the configured slow-consumer threshold.
func (c *AppConfig) OverflowTimeout() time.Duration {
	return seconds(c.Relay.OverflowTimeoutSeconds)
}

// LineDelay returns the pause between replayed feed lines.
func (c *AppConfig) LineDelay() time.Duration {
	return time.Duration(c.Feed.LineDelayMillis) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *AppConfig) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return seconds(c.Server.ShutdownTimeout)
}

// MaxMessageSize returns the WebSocket read limit in bytes.
func (c *AppConfig) MaxMessageSize() int64 {
	if c.Relay.MaxMessageSizeKB <= 0 {
		return 64 * 1024
	}
	return int64(c.Relay.MaxMessageSizeKB) * 1024
}
