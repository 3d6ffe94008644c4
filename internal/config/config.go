package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "VRDIAG_"

// Backend names
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Each section configures exactly one component built in internal/app
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
	CodePool  *CodePoolConfig  `json:"code_pool"`
	Storage   *StorageConfig   `json:"storage"`
	Log       *LogConfig       `json:"log"`
}

// FUNCTIONAL DISCOVERY: Driver "memory" keeps everything in process for demos and tests
type DatabaseConfig struct {
	Driver  string        `json:"driver"`
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// FUNCTIONAL DISCOVERY: ReadLimit must stay above Session.MaxUploadBytes so
// oversize uploads fail the session instead of dropping the device channel
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	PongWait     time.Duration `json:"pong_wait"`
	ReadLimit    int64         `json:"read_limit"`
}

type SessionConfig struct {
	Duration       time.Duration `json:"duration"`
	StatusInterval time.Duration `json:"status_interval"`
	MaxUploadBytes int           `json:"max_upload_bytes"`
	RateLimit      int           `json:"rate_limit"`
	RateWindow     time.Duration `json:"rate_window"`
	PolicyFile     string        `json:"policy_file"`
}

type CodePoolConfig struct {
	Backend       string `json:"backend"`
	Size          int    `json:"size"`
	Length        int    `json:"length"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	KeyPrefix     string `json:"key_prefix"`
}

type StorageConfig struct {
	Backend  string `json:"backend"`
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// FUNCTIONAL DISCOVERY: Defaults run a single node with SQLite and in-memory code pool and storage
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:  BackendSQLite,
			Path:    "./data/vrdiag.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			ReadLimit:    32 << 20,
		},
		Session: &SessionConfig{
			Duration:       30 * time.Minute,
			StatusInterval: 5 * time.Second,
			MaxUploadBytes: 10 << 20,
			RateLimit:      120,
			RateWindow:     time.Minute,
		},
		CodePool: &CodePoolConfig{
			Backend:   BackendMemory,
			Size:      1000,
			Length:    4,
			RedisAddr: "localhost:6379",
			KeyPrefix: "vrdiag:codes",
		},
		Storage: &StorageConfig{
			Backend: BackendMemory,
			Bucket:  "vrdiag-results",
			Region:  "us-east-1",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Session == nil ||
		c.CodePool == nil || c.Storage == nil || c.Log == nil {
		return fmt.Errorf("every configuration section is required")
	}

	switch c.Database.Driver {
	case BackendSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	// Status streams are long-lived, so a write timeout of zero is allowed.
	if c.HTTP.WriteTimeout < 0 {
		return fmt.Errorf("HTTP write timeout cannot be negative")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must exceed the ping interval")
	}

	if c.Session.Duration <= 0 {
		return fmt.Errorf("session duration must be positive")
	}
	if c.Session.StatusInterval <= 0 {
		return fmt.Errorf("status interval must be positive")
	}
	if c.Session.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	// base64 inflates an upload by a third, plus the envelope.
	if c.WebSocket.ReadLimit < int64(c.Session.MaxUploadBytes)*4/3+4096 {
		return fmt.Errorf("WebSocket read limit must leave room for the largest upload")
	}
	if c.Session.RateLimit <= 0 || c.Session.RateWindow <= 0 {
		return fmt.Errorf("device rate limit and window must be positive")
	}

	switch c.CodePool.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.CodePool.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("unknown code pool backend %q", c.CodePool.Backend)
	}
	if c.CodePool.Size <= 0 || c.CodePool.Length <= 0 {
		return fmt.Errorf("code pool size and length must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage bucket cannot be empty")
		}
		if c.Storage.Region == "" {
			return fmt.Errorf("storage region cannot be empty")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// FUNCTIONAL DISCOVERY: Environment variables override defaults; unparsable values are ignored
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("DATABASE_DRIVER", &c.Database.Driver)
	envString("DATABASE_PATH", &c.Database.Path)
	envDuration("DATABASE_TIMEOUT", &c.Database.Timeout)

	envInt("HTTP_PORT", &c.HTTP.Port)
	envString("HTTP_HOST", &c.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_PONG_WAIT", &c.WebSocket.PongWait)
	if v, ok := os.LookupEnv(envPrefix + "WEBSOCKET_READ_LIMIT"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.WebSocket.ReadLimit = n
		}
	}

	envDuration("SESSION_DURATION", &c.Session.Duration)
	envDuration("SESSION_STATUS_INTERVAL", &c.Session.StatusInterval)
	envInt("SESSION_MAX_UPLOAD_BYTES", &c.Session.MaxUploadBytes)
	envInt("SESSION_RATE_LIMIT", &c.Session.RateLimit)
	envDuration("SESSION_RATE_WINDOW", &c.Session.RateWindow)
	envString("SESSION_POLICY_FILE", &c.Session.PolicyFile)

	envString("CODE_POOL_BACKEND", &c.CodePool.Backend)
	envInt("CODE_POOL_SIZE", &c.CodePool.Size)
	envInt("CODE_POOL_LENGTH", &c.CodePool.Length)
	envString("CODE_POOL_REDIS_ADDR", &c.CodePool.RedisAddr)
	envString("CODE_POOL_REDIS_PASSWORD", &c.CodePool.RedisPassword)
	envInt("CODE_POOL_REDIS_DB", &c.CodePool.RedisDB)
	envString("CODE_POOL_KEY_PREFIX", &c.CodePool.KeyPrefix)

	envString("STORAGE_BACKEND", &c.Storage.Backend)
	envString("STORAGE_BUCKET", &c.Storage.Bucket)
	envString("STORAGE_REGION", &c.Storage.Region)
	envString("STORAGE_ENDPOINT", &c.Storage.Endpoint)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database *struct {
		Driver  string `json:"driver"`
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		Host         string `json:"host"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		PongWait     string `json:"pong_wait"`
		ReadLimit    int64  `json:"read_limit"`
	} `json:"websocket"`
	Session *struct {
		Duration       string `json:"duration"`
		StatusInterval string `json:"status_interval"`
		MaxUploadBytes int    `json:"max_upload_bytes"`
		RateLimit      int    `json:"rate_limit"`
		RateWindow     string `json:"rate_window"`
		PolicyFile     string `json:"policy_file"`
	} `json:"session"`
	CodePool *CodePoolConfig `json:"code_pool"`
	Storage  *StorageConfig  `json:"storage"`
	Log      *LogConfig      `json:"log"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(c *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var errs durationErrors
	if d := f.Database; d != nil {
		setString(&c.Database.Driver, d.Driver)
		setString(&c.Database.Path, d.Path)
		errs.parse("database.timeout", d.Timeout, &c.Database.Timeout)
	}
	if h := f.HTTP; h != nil {
		setInt(&c.HTTP.Port, h.Port)
		setString(&c.HTTP.Host, h.Host)
		errs.parse("http.read_timeout", h.ReadTimeout, &c.HTTP.ReadTimeout)
		errs.parse("http.write_timeout", h.WriteTimeout, &c.HTTP.WriteTimeout)
	}
	if w := f.WebSocket; w != nil {
		errs.parse("websocket.ping_interval", w.PingInterval, &c.WebSocket.PingInterval)
		errs.parse("websocket.pong_wait", w.PongWait, &c.WebSocket.PongWait)
		if w.ReadLimit > 0 {
			c.WebSocket.ReadLimit = w.ReadLimit
		}
	}
	if s := f.Session; s != nil {
		errs.parse("session.duration", s.Duration, &c.Session.Duration)
		errs.parse("session.status_interval", s.StatusInterval, &c.Session.StatusInterval)
		errs.parse("session.rate_window", s.RateWindow, &c.Session.RateWindow)
		setInt(&c.Session.MaxUploadBytes, s.MaxUploadBytes)
		setInt(&c.Session.RateLimit, s.RateLimit)
		setString(&c.Session.PolicyFile, s.PolicyFile)
	}
	if p := f.CodePool; p != nil {
		setString(&c.CodePool.Backend, p.Backend)
		setInt(&c.CodePool.Size, p.Size)
		setInt(&c.CodePool.Length, p.Length)
		setString(&c.CodePool.RedisAddr, p.RedisAddr)
		setString(&c.CodePool.RedisPassword, p.RedisPassword)
		setInt(&c.CodePool.RedisDB, p.RedisDB)
		setString(&c.CodePool.KeyPrefix, p.KeyPrefix)
	}
	if s := f.Storage; s != nil {
		setString(&c.Storage.Backend, s.Backend)
		setString(&c.Storage.Bucket, s.Bucket)
		setString(&c.Storage.Region, s.Region)
		setString(&c.Storage.Endpoint, s.Endpoint)
	}
	if l := f.Log; l != nil {
		setString(&c.Log.Level, l.Level)
		setString(&c.Log.Format, l.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config file %s: %w", filepath, errs[0])
	}
	return nil
}

type durationErrors []error

func (e *durationErrors) parse(field, value string, dst *time.Duration) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*e = append(*e, fmt.Errorf("%s: %w", field, err))
		return
	}
	*dst = d
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
