// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"border/pkg/api"
	"border/pkg/calls"
	"border/pkg/health"
	blog "border/pkg/log"
	"border/pkg/notify"
	"border/pkg/service"
	"border/pkg/sip"
	"border/pkg/state"
	"border/pkg/storage"
	"border/pkg/trigger"
	"border/pkg/websocket"
)

// Environment variables overriding the file
const (
	EnvLogLevel    = "BORDER_LOG_LEVEL"
	EnvSIPURI      = "BORDER_SIP_URI"
	EnvSIPPassword = "BORDER_SIP_PASSWORD"
	EnvDatabaseDSN = "BORDER_DATABASE_DSN"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config represents the main configuration for the border gateway
type Config struct {
	NodeID              string          `yaml:"node_id"`
	LogLevel            string          `yaml:"log_level"`
	Log                 LogConfig       `yaml:"log"`
	ShutdownWaitSeconds int             `yaml:"shutdown_wait_seconds"`
	SIP                 SIPConfig       `yaml:"sip"`
	Services            Services        `yaml:"services"`
	DefaultService      string          `yaml:"default_service"`
	Database            DatabaseConfig  `yaml:"database"`
	Redis               RedisConfig     `yaml:"redis"`
	WebSocket           WebSocketConfig `yaml:"websocket"`
	API                 APIConfig       `yaml:"api"`
	Metrics             MetricsConfig   `yaml:"metrics"`
	Health              HealthConfig    `yaml:"health"`
}

// LogConfig configures development output and file rotation
type LogConfig struct {
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// SIPConfig represents the SIP side of the gateway and the call lifecycle
type SIPConfig struct {
	BindAddr              string   `yaml:"bind_addr"`
	Network               string   `yaml:"network"`
	URI                   string   `yaml:"uri"`
	DisplayName           string   `yaml:"display_name"`
	UserAgent             string   `yaml:"user_agent"`
	Password              string   `yaml:"password"`
	Register              bool     `yaml:"register"`
	Registrar             string   `yaml:"registrar"`
	RegisterExpirySeconds int      `yaml:"register_expiry_seconds"`
	SendTimeoutMS         int      `yaml:"send_timeout_ms"`
	DefaultLang           string   `yaml:"default_lang"`
	DefaultErrorLanguages []string `yaml:"default_error_languages"`
	StaleTimeoutSeconds   int      `yaml:"stale_timeout_seconds"`
	CloseTimeoutSeconds   int      `yaml:"close_timeout_seconds"`
	SweepIntervalMS       int      `yaml:"sweep_interval_ms"`
	CollaboratorTimeoutMS int      `yaml:"collaborator_timeout_ms"`
}

// ServiceConfig represents one requested service
type ServiceConfig struct {
	ID                    string             `yaml:"-"`
	Type                  string             `yaml:"type"`
	Enabled               *bool              `yaml:"enabled"`
	Description           string             `yaml:"description"`
	AutomaticMessages     bool               `yaml:"automatic_messages"`
	DefaultLang           string             `yaml:"default_lang"`
	DefaultErrorLanguages []string           `yaml:"default_error_languages"`
	LangPath              string             `yaml:"lang_path"`
	RegistrationAPI       RegistrationConfig `yaml:"registration_api"`
	Triggers              Triggers           `yaml:"triggers"`
}

// IsEnabled defaults to true when the flag is absent.
func (s ServiceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RegistrationConfig represents the device registration API of a service
type RegistrationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	URL               string `yaml:"url"`
	BasePath          string `yaml:"base_path"`
	APIKey            string `yaml:"api_key"`
	RequestTimeoutMS  int    `yaml:"request_timeout_ms"`
	ResponseTimeoutMS int    `yaml:"response_timeout_ms"`
}

// TriggerConfig represents one control center notification target
type TriggerConfig struct {
	ID                     string     `yaml:"-"`
	Type                   string     `yaml:"type"`
	Enabled                bool       `yaml:"enabled"`
	RequestTimeoutMS       int        `yaml:"request_timeout_ms"`
	ResponseTimeoutMS      int        `yaml:"response_timeout_ms"`
	IgnoreTestCalls        bool       `yaml:"ignore_test_calls"`
	OpenURL                string     `yaml:"open_url"`
	CloseURL               string     `yaml:"close_url"`
	ParseOpenResponse      bool       `yaml:"parse_open_response"`
	ValidOpenResponseCodes ValidCodes `yaml:"valid_open_response_codes"`
	RequireOpenResponse    bool       `yaml:"require_open_response"`
	WebViewURL             string     `yaml:"web_view_url"`
	APIURL                 string     `yaml:"api_url"`
}

// DatabaseConfig selects the persistence backend
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	PersistPath            string `yaml:"persist_path"` // memory driver snapshot
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig represents the optional event mirror
type RedisConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	ChannelPrefix    string `yaml:"channel_prefix"`
	QueueSize        int    `yaml:"queue_size"`
	PublishTimeoutMS int    `yaml:"publish_timeout_ms"`
}

// WebSocketConfig represents the watcher endpoint
type WebSocketConfig struct {
	MaxConnections   int `yaml:"max_connections"`
	SendQueueSize    int `yaml:"send_queue_size"`
	WriteTimeoutMS   int `yaml:"write_timeout_ms"`
	PingIntervalMS   int `yaml:"ping_interval_ms"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

// APIConfig represents the HTTP listener
type APIConfig struct {
	BindAddr         string `yaml:"bind_addr"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	Debug            bool   `yaml:"debug"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

// HealthConfig represents the component checks behind /status
type HealthConfig struct {
	CheckIntervalMS  int `yaml:"check_interval_ms"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// LoadConfig loads configuration from a YAML file. A .env file next to the
// working directory is read first; environment overrides win over the file.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, completes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvSIPURI); v != "" {
		c.SIP.URI = v
	}
	if v := os.Getenv(EnvSIPPassword); v != "" {
		c.SIP.Password = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		c.NodeID, _ = os.Hostname()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownWaitSeconds <= 0 {
		c.ShutdownWaitSeconds = 10
	}

	// SIP defaults
	if c.SIP.DisplayName == "" {
		c.SIP.DisplayName = "DEC112 Border"
	}
	if c.SIP.DefaultLang == "" {
		c.SIP.DefaultLang = "en"
	}
	if c.SIP.StaleTimeoutSeconds <= 0 {
		c.SIP.StaleTimeoutSeconds = int(state.DefaultStaleTimeout / time.Second)
	}
	if c.SIP.CloseTimeoutSeconds <= 0 {
		c.SIP.CloseTimeoutSeconds = int(state.DefaultCloseTimeout / time.Second)
	}

	if c.DefaultService == "" && len(c.Services) == 1 {
		c.DefaultService = c.Services[0].ID
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.DSN == "" {
		c.Database.DSN = "border.db"
	}

	if c.API.BindAddr == "" {
		c.API.BindAddr = ":8080"
	}
	if c.Metrics.BindAddr == "" {
		c.Metrics.BindAddr = ":9090"
	}
}

// Validate reports configuration the gateway cannot start with.
func (c *Config) Validate() error {
	if c.SIP.URI == "" {
		return fmt.Errorf("%w: sip.uri is required", ErrInvalid)
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("%w: at least one service is required", ErrInvalid)
	}
	for _, svc := range c.Services {
		switch svc.Type {
		case service.TypeChat, "":
		default:
			return fmt.Errorf("%w: service %s: unknown type %q", ErrInvalid, svc.ID, svc.Type)
		}
		for _, t := range svc.Triggers {
			switch t.Type {
			case trigger.TypeDEC112, "":
			default:
				return fmt.Errorf("%w: service %s: trigger %s: unknown type %q", ErrInvalid, svc.ID, t.ID, t.Type)
			}
		}
	}
	if c.DefaultService != "" && c.Services.Get(c.DefaultService) == nil {
		return fmt.Errorf("%w: default_service %q is not configured", ErrInvalid, c.DefaultService)
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for %s", ErrInvalid, c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.Database.Driver)
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("%w: redis.address is required when redis is enabled", ErrInvalid)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// GetShutdownWait returns how long shutdown may take
func (c *Config) GetShutdownWait() time.Duration {
	return seconds(c.ShutdownWaitSeconds)
}

// ToLogConfig converts the configuration to the logger config
func (c *Config) ToLogConfig(version string) blog.Config {
	return blog.Config{
		Development: c.Log.Development,
		Level:       blog.ParseLevel(c.LogLevel),
		NodeID:      c.NodeID,
		Version:     version,
		File: blog.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// ToSIPConfig converts the configuration to the SIP transport config
func (c *Config) ToSIPConfig() sip.SIPConfig {
	return sip.SIPConfig{
		BindAddr:       c.SIP.BindAddr,
		Network:        c.SIP.Network,
		URI:            c.SIP.URI,
		DisplayName:    c.SIP.DisplayName,
		UserAgent:      c.SIP.UserAgent,
		Password:       c.SIP.Password,
		Register:       c.SIP.Register,
		Registrar:      c.SIP.Registrar,
		RegisterExpiry: seconds(c.SIP.RegisterExpirySeconds),
		SendTimeout:    ms(c.SIP.SendTimeoutMS),
	}
}

// ToRegistryConfig converts the configuration to the call registry timings
func (c *Config) ToRegistryConfig() state.Config {
	return state.Config{
		StaleTimeout:  seconds(c.SIP.StaleTimeoutSeconds),
		CloseTimeout:  seconds(c.SIP.CloseTimeoutSeconds),
		SweepInterval: ms(c.SIP.SweepIntervalMS),
	}
}

// ToManagerConfig converts the configuration to the call manager config
func (c *Config) ToManagerConfig() calls.Config {
	return calls.Config{
		LocalURI:              c.SIP.URI,
		DisplayName:           c.SIP.DisplayName,
		DefaultLanguage:       c.SIP.DefaultLang,
		DefaultErrorLanguages: c.SIP.DefaultErrorLanguages,
		CollaboratorTimeout:   ms(c.SIP.CollaboratorTimeoutMS),
	}
}

// ToServiceConfigs converts the enabled services, triggers in file order
func (c *Config) ToServiceConfigs() []service.Config {
	var out []service.Config
	for _, svc := range c.Services {
		if !svc.IsEnabled() {
			continue
		}
		sc := service.Config{
			ID:                svc.ID,
			Type:              svc.Type,
			Description:       svc.Description,
			AutomaticMessages: svc.AutomaticMessages,
			DefaultLang:       svc.DefaultLang,
			ErrorLanguages:    svc.DefaultErrorLanguages,
			LangPath:          svc.LangPath,
			Registration: service.RegistrationConfig{
				Enabled:         svc.RegistrationAPI.Enabled,
				URL:             svc.RegistrationAPI.URL,
				BasePath:        svc.RegistrationAPI.BasePath,
				APIKey:          svc.RegistrationAPI.APIKey,
				RequestTimeout:  ms(svc.RegistrationAPI.RequestTimeoutMS),
				ResponseTimeout: ms(svc.RegistrationAPI.ResponseTimeoutMS),
			},
		}
		if len(sc.ErrorLanguages) == 0 {
			sc.ErrorLanguages = c.SIP.DefaultErrorLanguages
		}
		for _, t := range svc.Triggers {
			sc.Triggers = append(sc.Triggers, trigger.Config{
				ID:                  t.ID,
				Type:                t.Type,
				Enabled:             t.Enabled,
				IgnoreTestCalls:     t.IgnoreTestCalls,
				RequestTimeout:      ms(t.RequestTimeoutMS),
				ResponseTimeout:     ms(t.ResponseTimeoutMS),
				OpenURL:             t.OpenURL,
				CloseURL:            t.CloseURL,
				ParseOpenResponse:   t.ParseOpenResponse,
				ValidOpenCodes:      t.ValidOpenResponseCodes.Codes,
				ValidOpenCodesRegex: t.ValidOpenResponseCodes.Pattern,
				RequireOpenResponse: t.RequireOpenResponse,
				WebViewURL:          t.WebViewURL,
				APIURL:              t.APIURL,
			})
		}
		out = append(out, sc)
	}
	return out
}

// ToSQLConfig converts the configuration to the SQL store config
func (c *Config) ToSQLConfig() storage.SQLConfig {
	return storage.SQLConfig{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: seconds(c.Database.ConnMaxLifetimeSeconds),
	}
}

// ToMemoryConfig converts the configuration to the memory store config
func (c *Config) ToMemoryConfig() storage.MemoryConfig {
	return storage.MemoryConfig{PersistPath: c.Database.PersistPath}
}

// ToRedisConfig converts the configuration to the event mirror config
func (c *Config) ToRedisConfig() notify.RedisConfig {
	return notify.RedisConfig{
		Addr:           c.Redis.Address,
		Password:       c.Redis.Password,
		DB:             c.Redis.DB,
		ChannelPrefix:  c.Redis.ChannelPrefix,
		QueueSize:      c.Redis.QueueSize,
		PublishTimeout: ms(c.Redis.PublishTimeoutMS),
	}
}

// ToWebSocketConfig converts the configuration to the watcher endpoint config
func (c *Config) ToWebSocketConfig() websocket.ServerConfig {
	return websocket.ServerConfig{
		MaxConnections: c.WebSocket.MaxConnections,
		SendQueueSize:  c.WebSocket.SendQueueSize,
		WriteTimeout:   ms(c.WebSocket.WriteTimeoutMS),
		PingInterval:   ms(c.WebSocket.PingIntervalMS),
		RequestTimeout: ms(c.WebSocket.RequestTimeoutMS),
		Debug:          c.API.Debug,
	}
}

// ToAPIConfig converts the configuration to the HTTP listener config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		ListenAddr:      c.API.BindAddr,
		RequestTimeout:  ms(c.API.RequestTimeoutMS),
		ShutdownTimeout: c.GetShutdownWait(),
		Debug:           c.API.Debug,
	}
}

// ToHealthConfig converts the configuration to the health monitor config
func (c *Config) ToHealthConfig() health.HealthConfig {
	return health.HealthConfig{
		CheckInterval:    ms(c.Health.CheckIntervalMS),
		FailureThreshold: c.Health.FailureThreshold,
	}
}
