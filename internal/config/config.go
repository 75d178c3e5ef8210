package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"storyboard/pkg/types"
)

// EnvPrefix namespaces environment overrides, e.g. STORYBOARD_HTTP_PORT.
const EnvPrefix = "STORYBOARD"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig         `mapstructure:"http"`
	WebSocket *WebSocketConfig    `mapstructure:"websocket"`
	Database  *DatabaseConfig     `mapstructure:"database"`
	Cache     *CacheConfig        `mapstructure:"cache"`
	Session   *SessionConfig      `mapstructure:"session"`
	Notify    *NotifyConfig       `mapstructure:"notify"`
	Log       *LogConfig          `mapstructure:"log"`
	Roles     map[string][]string `mapstructure:"roles"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// WebSocketConfig tunes the connection gateway.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	MaxFrameBytes  int64         `mapstructure:"max_frame_bytes"`
	RateLimit      float64       `mapstructure:"rate_limit"` // inbound events per second
	RateBurst      int           `mapstructure:"rate_burst"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Path           string        `mapstructure:"path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// CacheConfig points at the distributed cache. An empty RedisAddr runs on the
// in-process store only.
type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl"`
	RoomTTL         time.Duration `mapstructure:"room_ttl"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// SessionConfig holds the coordinator's timing and sizing knobs.
type SessionConfig struct {
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	EmptyGracePeriod  time.Duration `mapstructure:"empty_grace_period"`
	ChangeLogCapacity int           `mapstructure:"change_log_capacity"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
	QueueSize         int           `mapstructure:"queue_size"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	QueueSize  int           `mapstructure:"queue_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults
// 30s lease, 5 minute empty-room grace, 300s snapshot TTL, 1h room mirror TTL
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBuffer:     256,
			EnqueueTimeout: 100 * time.Millisecond,
			MaxFrameBytes:  int64(types.MaxPayloadBytes),
			RateLimit:      50,
			RateBurst:      100,
		},
		Database: &DatabaseConfig{
			Path:           "./storyboard.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
			RetryDelay:     5 * time.Second,
		},
		Cache: &CacheConfig{
			RedisAddr:       "",
			DialTimeout:     2 * time.Second,
			KeyPrefix:       "storyboard:",
			SnapshotTTL:     300 * time.Second,
			RoomTTL:         time.Hour,
			ProbeInterval:   30 * time.Second,
			JanitorInterval: time.Minute,
		},
		Session: &SessionConfig{
			LeaseDuration:     30 * time.Second,
			EmptyGracePeriod:  5 * time.Minute,
			ChangeLogCapacity: 256,
			PersistTimeout:    2 * time.Second,
			QueueSize:         256,
		},
		Notify: &NotifyConfig{
			QueueSize: 128,
			Timeout:   5 * time.Second,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
		Roles: map[string][]string{
			types.RoleOwner:  {"view", "edit", "comment", "chat"},
			types.RoleEditor: {"view", "edit", "comment", "chat"},
			types.RoleViewer: {"view", "comment", "chat"},
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("WebSocket send buffer must be positive")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return errors.New("WebSocket max frame size must be positive")
	}
	if c.WebSocket.RateLimit <= 0 || c.WebSocket.RateBurst <= 0 {
		return errors.New("WebSocket rate limit and burst must be positive")
	}

	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.Cache == nil {
		return errors.New("cache configuration is required")
	}
	if c.Cache.SnapshotTTL <= 0 || c.Cache.RoomTTL <= 0 {
		return errors.New("cache TTLs must be positive")
	}
	if c.Cache.ProbeInterval <= 0 || c.Cache.JanitorInterval <= 0 {
		return errors.New("cache probe and janitor intervals must be positive")
	}

	if c.Session == nil {
		return errors.New("session configuration is required")
	}
	if c.Session.LeaseDuration <= 0 {
		return errors.New("lease duration must be positive")
	}
	if c.Session.EmptyGracePeriod < 0 {
		return errors.New("empty grace period cannot be negative")
	}
	if c.Session.ChangeLogCapacity <= 0 {
		return errors.New("change log capacity must be positive")
	}
	if c.Session.QueueSize <= 0 {
		return errors.New("session queue size must be positive")
	}

	if c.Notify == nil {
		return errors.New("notify configuration is required")
	}
	if c.Notify.QueueSize <= 0 {
		return errors.New("notify queue size must be positive")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}

	if _, err := c.RoleTable(); err != nil {
		return fmt.Errorf("invalid roles: %w", err)
	}
	return nil
}

// RoleTable parses the configured role -> capability mapping. An empty
// mapping falls back to the built-in table.
func (c *Config) RoleTable() (types.RoleTable, error) {
	if len(c.Roles) == 0 {
		return types.DefaultRoleTable(), nil
	}
	return types.ParseRoleTable(c.Roles)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// FUNCTIONAL DISCOVERY: Configuration precedence: flags > environment > file > defaults
// Pass the viper instance cobra bound its flags to; nil uses a fresh one.
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SetDefaults registers every key with viper so AutomaticEnv can see it.
func SetDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.send_buffer", d.WebSocket.SendBuffer)
	v.SetDefault("websocket.enqueue_timeout", d.WebSocket.EnqueueTimeout)
	v.SetDefault("websocket.max_frame_bytes", d.WebSocket.MaxFrameBytes)
	v.SetDefault("websocket.rate_limit", d.WebSocket.RateLimit)
	v.SetDefault("websocket.rate_burst", d.WebSocket.RateBurst)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.retry_delay", d.Database.RetryDelay)

	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.dial_timeout", d.Cache.DialTimeout)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.snapshot_ttl", d.Cache.SnapshotTTL)
	v.SetDefault("cache.room_ttl", d.Cache.RoomTTL)
	v.SetDefault("cache.probe_interval", d.Cache.ProbeInterval)
	v.SetDefault("cache.janitor_interval", d.Cache.JanitorInterval)

	v.SetDefault("session.lease_duration", d.Session.LeaseDuration)
	v.SetDefault("session.empty_grace_period", d.Session.EmptyGracePeriod)
	v.SetDefault("session.change_log_capacity", d.Session.ChangeLogCapacity)
	v.SetDefault("session.persist_timeout", d.Session.PersistTimeout)
	v.SetDefault("session.queue_size", d.Session.QueueSize)

	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
	v.SetDefault("notify.queue_size", d.Notify.QueueSize)
	v.SetDefault("notify.timeout", d.Notify.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("roles", d.Roles)
}
