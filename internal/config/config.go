package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. SCRIPTGATE_SERVER_PORT.
const EnvPrefix = "SCRIPTGATE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Abuse     AbuseConfig     `yaml:"abuse" envconfig:"ABUSE"`
	Tokens    TokenConfig     `yaml:"tokens" envconfig:"TOKENS"`
	Delivery  DeliveryConfig  `yaml:"delivery" envconfig:"DELIVERY"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Nodes     NodesConfig     `yaml:"nodes" envconfig:"NODES"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	Region          string        `yaml:"region" envconfig:"REGION" default:"us-east"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	Development     bool          `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins       []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"https://scriptgate.dev"`
	ExecutorAgents       []string `yaml:"executor_agents" envconfig:"EXECUTOR_AGENTS" default:"Roblox,ScriptGate-Loader"`
	ExecutorHeader       string   `yaml:"executor_header" envconfig:"EXECUTOR_HEADER" default:"X-Executor"`
	InternalAPIKey       string   `yaml:"internal_api_key" envconfig:"INTERNAL_API_KEY"`
	WatermarkSecret      string   `yaml:"watermark_secret" envconfig:"WATERMARK_SECRET"`
	ChannelTicketSecret  string   `yaml:"channel_ticket_secret" envconfig:"CHANNEL_TICKET_SECRET"`
	PaymentWebhookSecret string   `yaml:"payment_webhook_secret" envconfig:"PAYMENT_WEBHOOK_SECRET"`
	InternalRPS          float64  `yaml:"internal_rps" envconfig:"INTERNAL_RPS" default:"5"`
	InternalBurst        int      `yaml:"internal_burst" envconfig:"INTERNAL_BURST" default:"10"`
}

// AbuseConfig tunes the abuse guard.
type AbuseConfig struct {
	Backend            string        `yaml:"backend" envconfig:"BACKEND" default:"memory"`
	GeneralLimit       int           `yaml:"general_limit" envconfig:"GENERAL_LIMIT" default:"60"`
	PaymentLimit       int           `yaml:"payment_limit" envconfig:"PAYMENT_LIMIT" default:"5"`
	Window             time.Duration `yaml:"window" envconfig:"WINDOW" default:"60s"`
	MaxClockSkewFuture time.Duration `yaml:"max_clock_skew_future" envconfig:"MAX_CLOCK_SKEW_FUTURE" default:"5s"`
	MaxRequestAge      time.Duration `yaml:"max_request_age" envconfig:"MAX_REQUEST_AGE" default:"30s"`
	NonceRotation      time.Duration `yaml:"nonce_rotation" envconfig:"NONCE_ROTATION" default:"60s"`
	PerNonceTTL        bool          `yaml:"per_nonce_ttl" envconfig:"PER_NONCE_TTL" default:"false"`
	SuspicionThreshold int           `yaml:"suspicion_threshold" envconfig:"SUSPICION_THRESHOLD" default:"10"`
	BlockDuration      time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION" default:"1h"`
	Shards             int           `yaml:"shards" envconfig:"SHARDS" default:"32"`
	SweepSchedule      string        `yaml:"sweep_schedule" envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`
}

// TokenConfig bounds the lifetimes of challenges and rotating tokens.
type TokenConfig struct {
	TTL          time.Duration `yaml:"ttl" envconfig:"TTL" default:"60s"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl" envconfig:"CHALLENGE_TTL" default:"30s"`
	SessionTTL   time.Duration `yaml:"session_ttl" envconfig:"SESSION_TTL" default:"5m"`
}

// DeliveryConfig controls payload encoding.
type DeliveryConfig struct {
	DefaultMode      string        `yaml:"default_mode" envconfig:"DEFAULT_MODE" default:"xor"`
	ChunkSize        int           `yaml:"chunk_size" envconfig:"CHUNK_SIZE" default:"16384"`
	PBKDF2Iterations int           `yaml:"pbkdf2_iterations" envconfig:"PBKDF2_ITERATIONS" default:"100000"`
	PayloadCacheSize int           `yaml:"payload_cache_size" envconfig:"PAYLOAD_CACHE_SIZE" default:"256"`
	PayloadCacheTTL  time.Duration `yaml:"payload_cache_ttl" envconfig:"PAYLOAD_CACHE_TTL" default:"5m"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver         string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	DSN            string `yaml:"dsn" envconfig:"DSN"`
	MaxConns       int32  `yaml:"max_conns" envconfig:"MAX_CONNS" default:"20"`
	MigrateOnStart bool   `yaml:"migrate_on_start" envconfig:"MIGRATE_ON_START" default:"true"`
}

// RedisConfig is used when the abuse backend is "redis".
type RedisConfig struct {
	Addr      string `yaml:"addr" envconfig:"ADDR" default:"localhost:6379"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB" default:"0"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX" default:"scriptgate:"`
}

// NodesConfig lists the delivery nodes known to the router.
type NodesConfig struct {
	File          string       `yaml:"file" envconfig:"FILE"`
	DefaultRegion string       `yaml:"default_region" envconfig:"DEFAULT_REGION" default:"us-east"`
	Nodes         []NodeConfig `yaml:"nodes" ignored:"true"`
}

// NodeConfig describes one delivery node.
type NodeConfig struct {
	ID          string `yaml:"id"`
	Region      string `yaml:"region"`
	URL         string `yaml:"url"`
	HealthScore int    `yaml:"health_score"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/scriptgate.log"`
}

// TelemetryConfig controls OpenTelemetry exporters.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"16384"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT" default:"10s"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if cfg.Nodes.File != "" {
		nodes, err := LoadNodes(cfg.Nodes.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load nodes: %w", err)
		}
		cfg.Nodes.Nodes = nodes
	}
	if len(cfg.Nodes.Nodes) == 0 {
		cfg.Nodes.Nodes = DefaultNodes()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadNodes reads a YAML node list of the form {nodes: [{id, region, url, health_score}]}.
func LoadNodes(filePath string) ([]NodeConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Nodes []NodeConfig `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	return doc.Nodes, nil
}

// mergeConfigs fills values the environment left unset from the file.
// Secrets and lists only come from the file when the environment is silent.
func mergeConfigs(fileConfig, envConfig Config) Config {
	if os.Getenv(EnvPrefix+"_SERVER_PORT") == "" && fileConfig.Server.Port != 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if os.Getenv(EnvPrefix+"_SERVER_REGION") == "" && fileConfig.Server.Region != "" {
		envConfig.Server.Region = fileConfig.Server.Region
	}
	if len(fileConfig.Security.AllowedOrigins) > 0 && os.Getenv(EnvPrefix+"_SECURITY_ALLOWED_ORIGINS") == "" {
		envConfig.Security.AllowedOrigins = fileConfig.Security.AllowedOrigins
	}
	if len(fileConfig.Security.ExecutorAgents) > 0 && os.Getenv(EnvPrefix+"_SECURITY_EXECUTOR_AGENTS") == "" {
		envConfig.Security.ExecutorAgents = fileConfig.Security.ExecutorAgents
	}
	if envConfig.Security.InternalAPIKey == "" {
		envConfig.Security.InternalAPIKey = fileConfig.Security.InternalAPIKey
	}
	if envConfig.Security.WatermarkSecret == "" {
		envConfig.Security.WatermarkSecret = fileConfig.Security.WatermarkSecret
	}
	if envConfig.Security.ChannelTicketSecret == "" {
		envConfig.Security.ChannelTicketSecret = fileConfig.Security.ChannelTicketSecret
	}
	if envConfig.Security.PaymentWebhookSecret == "" {
		envConfig.Security.PaymentWebhookSecret = fileConfig.Security.PaymentWebhookSecret
	}
	if envConfig.Store.DSN == "" {
		envConfig.Store.DSN = fileConfig.Store.DSN
		if fileConfig.Store.Driver != "" {
			envConfig.Store.Driver = fileConfig.Store.Driver
		}
	}
	if os.Getenv(EnvPrefix+"_ABUSE_BACKEND") == "" && fileConfig.Abuse.Backend != "" {
		envConfig.Abuse.Backend = fileConfig.Abuse.Backend
	}
	if os.Getenv(EnvPrefix+"_REDIS_ADDR") == "" && fileConfig.Redis.Addr != "" {
		envConfig.Redis.Addr = fileConfig.Redis.Addr
	}
	if len(fileConfig.Nodes.Nodes) > 0 {
		envConfig.Nodes.Nodes = fileConfig.Nodes.Nodes
	}

	return envConfig
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if c.Tokens.TTL <= 0 || c.Tokens.TTL > MaxTokenTTL {
		return fmt.Errorf("token ttl must be in (0, %s]: %s", MaxTokenTTL, c.Tokens.TTL)
	}

	if c.Tokens.ChallengeTTL <= 0 || c.Tokens.ChallengeTTL > MaxChallengeTTL {
		return fmt.Errorf("challenge ttl must be in (0, %s]: %s", MaxChallengeTTL, c.Tokens.ChallengeTTL)
	}

	if c.Abuse.GeneralLimit <= 0 || c.Abuse.PaymentLimit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}

	switch strings.ToLower(c.Abuse.Backend) {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported abuse backend: %s", c.Abuse.Backend)
	}

	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("postgres store requires a DSN")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	switch strings.ToLower(c.Delivery.DefaultMode) {
	case "xor", "aes-gcm":
	default:
		return fmt.Errorf("unsupported delivery mode: %s", c.Delivery.DefaultMode)
	}

	if c.Delivery.ChunkSize <= 0 {
		return fmt.Errorf("delivery chunk size must be positive")
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/scriptgate.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return ""
	}

	locations := []string{
		"scriptgate.yaml",
		"configs/scriptgate.yaml",
		"/etc/scriptgate/scriptgate.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// DefaultNodes is the built-in node table used when no node file is configured.
func DefaultNodes() []NodeConfig {
	return []NodeConfig{
		{ID: "us-east", Region: "us-east", URL: "https://us-east.scriptgate.dev", HealthScore: 100},
		{ID: "eu-west", Region: "eu-west", URL: "https://eu-west.scriptgate.dev", HealthScore: 100},
		{ID: "ap-southeast", Region: "ap-southeast", URL: "https://ap-southeast.scriptgate.dev", HealthScore: 100},
	}
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Region:          "us-east",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"https://scriptgate.dev"},
			ExecutorAgents: []string{"Roblox", "ScriptGate-Loader"},
			ExecutorHeader: "X-Executor",
			InternalRPS:    5,
			InternalBurst:  10,
		},
		Abuse: AbuseConfig{
			Backend:            "memory",
			GeneralLimit:       DefaultGeneralLimit,
			PaymentLimit:       DefaultPaymentLimit,
			Window:             RateWindow,
			MaxClockSkewFuture: MaxClockSkewFuture,
			MaxRequestAge:      MaxRequestAge,
			NonceRotation:      NonceRotation,
			SuspicionThreshold: SuspicionThreshold,
			BlockDuration:      time.Hour,
			Shards:             32,
			SweepSchedule:      "@every 1m",
		},
		Tokens: TokenConfig{
			TTL:          MaxTokenTTL,
			ChallengeTTL: MaxChallengeTTL,
			SessionTTL:   5 * time.Minute,
		},
		Delivery: DeliveryConfig{
			DefaultMode:      "xor",
			ChunkSize:        16 * 1024,
			PBKDF2Iterations: PBKDF2Iterations,
			PayloadCacheSize: 256,
			PayloadCacheTTL:  5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:         "memory",
			MaxConns:       20,
			MigrateOnStart: true,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "scriptgate:",
		},
		Nodes: NodesConfig{
			DefaultRegion: "us-east",
			Nodes:         DefaultNodes(),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/scriptgate.log",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
	}
}
