package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Broker     BrokerConfig     `yaml:"broker"`
	Auth       AuthConfig       `yaml:"auth"`
	NATS       NATSConfig       `yaml:"nats"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Assets     []AssetConfig    `yaml:"assets"`
	Channels   ChannelsConfig   `yaml:"channels"`
	RPC        RPCConfig        `yaml:"rpc"`
	CORS       CORSConfig       `yaml:"cors"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	Driver       string `yaml:"driver"` // postgres | memory
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// LoggingConfig logrus level and formatter
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// BrokerConfig identity of the clearnode itself
type BrokerConfig struct {
	PrivateKey string `yaml:"private_key"` // hex, with or without 0x
}

// AuthConfig session key handshake and bearer token settings
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTTTL        int    `yaml:"jwt_ttl"`         // seconds
	ChallengeTTL  int    `yaml:"challenge_ttl"`   // seconds
	SessionKeyTTL int    `yaml:"session_key_ttl"` // seconds, upper bound on requested expiry
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Notifications bool   `yaml:"notifications"` // publish server notifications to NATS
}

// ScannerConfig selects where custody events come from
type ScannerConfig struct {
	Type string `yaml:"type"` // rpc | nats | none
}

// BlockchainConfig Blockchain configuration
type BlockchainConfig struct {
	Networks map[string]NetworkConfig `yaml:"networks"`
}

// NetworkConfig per-chain custody deployment
type NetworkConfig struct {
	ChainID         uint64   `yaml:"chainId"`
	Name            string   `yaml:"name"`
	RPCEndpoints    []string `yaml:"rpcEndpoints"`
	CustodyContract string   `yaml:"custodyContract"`
	Adjudicator     string   `yaml:"adjudicator"`
	ChallengePeriod uint64   `yaml:"challengePeriod"` // seconds
	StartBlock      uint64   `yaml:"startBlock"`
	BlockRange      uint64   `yaml:"blockRange"`
	Confirmations   uint64   `yaml:"confirmations"`
	PollInterval    int      `yaml:"pollInterval"` // seconds
	GasLimit        uint64   `yaml:"gasLimit"`
	Enabled         bool     `yaml:"enabled"`
}

// AssetConfig token supported on one chain
type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	ChainID  uint64 `yaml:"chainId"`
	Token    string `yaml:"token"`
	Decimals uint8  `yaml:"decimals"`
}

// ChannelsConfig channel lifecycle knobs
type ChannelsConfig struct {
	JoinTimeout   int  `yaml:"join_timeout"` // seconds a channel may stay joining
	AutoChallenge bool `yaml:"auto_challenge"`
	SweepInterval int  `yaml:"sweep_interval"` // seconds between control loop ticks
}

// RPCConfig websocket RPC limits
type RPCConfig struct {
	RateLimit       float64 `yaml:"rate_limit"` // requests per second per connection
	Burst           int     `yaml:"burst"`
	ReadTimeout     int     `yaml:"read_timeout"` // seconds
	MaxMessageSize  int64   `yaml:"max_message_size"`
	RecordRetention int     `yaml:"record_retention"` // seconds processed request ids are kept for replay checks
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// AdminConfig access to /metrics and the admin endpoints
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"` // IPs or CIDR ranges besides loopback
	Token      string   `yaml:"token"`
}

var AppConfig *Config

// Default returns a configuration usable for local development with the memory store.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8000},
		Database: DatabaseConfig{Driver: "memory", MaxOpenConns: 20, MaxIdleConns: 5},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Auth: AuthConfig{
			JWTTTL:        24 * 3600,
			ChallengeTTL:  300,
			SessionKeyTTL: 7 * 24 * 3600,
		},
		NATS:       NATSConfig{Timeout: 10, ReconnectWait: 5, MaxReconnects: -1, SubjectPrefix: "clearnode"},
		Scanner:    ScannerConfig{Type: "none"},
		Blockchain: BlockchainConfig{Networks: map[string]NetworkConfig{}},
		Channels:   ChannelsConfig{JoinTimeout: 3600, SweepInterval: 30},
		RPC:        RPCConfig{RateLimit: 20, Burst: 40, ReadTimeout: 60, MaxMessageSize: 1 << 20, RecordRetention: 24 * 3600},
	}
}

// LoadConfig Load configuration file into AppConfig
func LoadConfig(configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load reads the yaml file on top of Default and applies environment overrides.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	fmt.Printf("✅ [%s] Loading configuration from config file: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)

	// a .env next to the config feeds the overrides; real env vars win
	if err := godotenv.Load(); err == nil {
		log.Printf("🔧 Loaded environment from .env")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fmt.Printf("📋 [Config] %d network(s), %d asset(s), scanner=%s, database=%s\n",
		len(cfg.Blockchain.Networks), len(cfg.Assets), cfg.Scanner.Type, cfg.Database.Driver)
	return cfg, nil
}

// overrideFromEnv environment variables win over the file
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
		if config.Database.Driver == "" || config.Database.Driver == "memory" {
			config.Database.Driver = "postgres"
		}
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if key := os.Getenv("BROKER_PRIVATE_KEY"); key != "" {
		config.Broker.PrivateKey = key
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}
	if scannerType := os.Getenv("SCANNER_TYPE"); scannerType != "" {
		config.Scanner.Type = scannerType
	}

	// per network: <NAME>_RPC_URL (comma separated), <NAME>_CUSTODY_CONTRACT
	for networkName, network := range config.Blockchain.Networks {
		prefix := strings.ToUpper(strings.ReplaceAll(networkName, "-", "_"))
		if rpcEndpoints := os.Getenv(prefix + "_RPC_URL"); rpcEndpoints != "" {
			network.RPCEndpoints = splitList(rpcEndpoints)
		}
		if custody := os.Getenv(prefix + "_CUSTODY_CONTRACT"); custody != "" {
			network.CustodyContract = custody
		}
		config.Blockchain.Networks[networkName] = network
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		config.CORS.AllowedOrigins = splitList(corsOrigins)
	}
	if adminIPs := os.Getenv("ADMIN_ALLOWED_IPS"); adminIPs != "" {
		config.Admin.AllowedIPs = splitList(adminIPs)
	}
	if adminToken := os.Getenv("ADMIN_TOKEN"); adminToken != "" {
		config.Admin.Token = adminToken
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if c.Broker.PrivateKey == "" {
		return fmt.Errorf("broker private key is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	for _, asset := range c.Assets {
		if asset.Symbol == "" || asset.Token == "" {
			return fmt.Errorf("asset on chain %d needs symbol and token", asset.ChainID)
		}
		if asset.Decimals > 77 {
			return fmt.Errorf("asset %s: decimals %d out of range", asset.Symbol, asset.Decimals)
		}
	}
	return nil
}

// NetworkByChainID finds the enabled network for a chain id
func (c *Config) NetworkByChainID(chainID uint64) (*NetworkConfig, error) {
	for name, network := range c.Blockchain.Networks {
		if network.ChainID == chainID {
			if !network.Enabled {
				return nil, fmt.Errorf("network %s is not enabled", name)
			}
			n := network
			if n.Name == "" {
				n.Name = name
			}
			return &n, nil
		}
	}
	return nil, fmt.Errorf("network with chain ID %d not found", chainID)
}

func (a AuthConfig) JWTLifetime() time.Duration { return seconds(a.JWTTTL, 24*time.Hour) }

func (a AuthConfig) ChallengeLifetime() time.Duration { return seconds(a.ChallengeTTL, 5*time.Minute) }

func (a AuthConfig) MaxSessionKeyLifetime() time.Duration {
	return seconds(a.SessionKeyTTL, 7*24*time.Hour)
}

func (c ChannelsConfig) JoinDeadline() time.Duration { return seconds(c.JoinTimeout, time.Hour) }

func (c ChannelsConfig) SweepEvery() time.Duration { return seconds(c.SweepInterval, 30*time.Second) }

func (r RPCConfig) RecordLifetime() time.Duration {
	return seconds(r.RecordRetention, 24*time.Hour)
}

func (n NetworkConfig) PollEvery() time.Duration { return seconds(n.PollInterval, 5*time.Second) }

func seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}
