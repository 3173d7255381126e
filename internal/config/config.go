// Package config defines the marketplace orchestrator's configuration and
// its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. It is decoded from TOML over Defaults
// and then overridden by BUBBLE_* environment variables.
type Config struct {
	Wallet        WalletConfig        `toml:"wallet"`
	Chain         ChainConfig         `toml:"chain"`
	Contracts     ContractsConfig     `toml:"contracts"`
	Confirmations ConfirmationsConfig `toml:"confirmations"`
	Approval      ApprovalConfig      `toml:"approval"`
	Listing       ListingConfig       `toml:"listing"`
	Retry         RetryConfig         `toml:"retry"`
	Breaker       BreakerConfig       `toml:"breaker"`
	Postgres      PostgresConfig      `toml:"postgres"`
	Redis         RedisConfig         `toml:"redis"`
	S3            S3Config            `toml:"s3"`
	Archive       ArchiveConfig       `toml:"archive"`
	Reconcile     ReconcileConfig     `toml:"reconcile"`
	Server        ServerConfig        `toml:"server"`
	Notify        NotifyConfig        `toml:"notify"`
	Deploy        DeployConfig        `toml:"deploy"`
	Mode          string              `toml:"mode"`
	LogLevel      string              `toml:"log_level"`
}

// WalletConfig holds the account key. With the remote signer Address names
// the node-held account; with the local signer it is optional and, when
// set, must match the key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Address          string `toml:"address"`
}

// ChainConfig selects the node and signing mode.
type ChainConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	Network          string   `toml:"network"`
	SignerMode       string   `toml:"signer_mode"`
	GasBufferPercent uint64   `toml:"gas_buffer_percent"`
	// CallTimeout bounds each read RPC. Broadcasts are not bounded.
	CallTimeout      Duration `toml:"call_timeout"`
}

// ContractsConfig holds deployed contract addresses.
type ContractsConfig struct {
	Marketplace     string `toml:"marketplace"`
	PaymentToken    string `toml:"payment_token"`
	PaymentDecimals int32  `toml:"payment_decimals"`
	Collection      string `toml:"collection"`
	AccessControl   string `toml:"access_control"`
	SeedRegistry    string `toml:"seed_registry"`
	SeedRole        string `toml:"seed_role"`
}

// ConfirmationsConfig holds per-network confirmation depth and timeouts.
type ConfirmationsConfig struct {
	DevRequired  int      `toml:"dev_required"`
	DevTimeout   Duration `toml:"dev_timeout"`
	Required     int      `toml:"required"`
	Timeout      Duration `toml:"timeout"`
	PollInterval Duration `toml:"poll_interval"`
}

// ApprovalConfig controls how much allowance is requested when it falls
// short: multiplier times the price. At least 2, so one approval covers
// the next purchase at the same price.
type ApprovalConfig struct {
	Multiplier int64 `toml:"multiplier"`
}

// ListingConfig bounds new listings and sets the projection cache TTL.
type ListingConfig struct {
	MinDuration Duration `toml:"min_duration"`
	MaxDuration Duration `toml:"max_duration"`
	CacheTTL    Duration `toml:"cache_ttl"`
}

// RetryConfig bounds retries of ledger reads.
type RetryConfig struct {
	MaxAttempts     uint     `toml:"max_attempts"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
}

// BreakerConfig configures the RPC circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `toml:"consecutive_failures"`
	OpenTimeout         Duration `toml:"open_timeout"`
}

// PostgresConfig holds connection parameters for operation history.
// Disabled, history is kept in memory.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds connection parameters. Disabled, the guard and caches
// are process-local and the websocket hub is not served.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	GuardTTL   Duration `toml:"guard_ttl"`
	// Namespace prefixes guard, lock, listing and rate limit keys.
	Namespace  string   `toml:"namespace"`
}

// S3Config holds object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules archival of old history to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      Duration `toml:"interval"`
}

// ReconcileConfig schedules read-only resolution of timed-out operations.
type ReconcileConfig struct {
	Interval Duration `toml:"interval"`
	MaxAge   Duration `toml:"max_age"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  Duration `toml:"rate_window"`
	WaitTimeout Duration `toml:"wait_timeout"`
}

// NotifyConfig configures outcome notifications.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// DeployConfig points at the configuration plan run by deploy mode.
type DeployConfig struct {
	PlanPath string `toml:"plan_path"`
}

// Duration wraps time.Duration so TOML accepts strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration suitable for a local dev chain.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:           "http://localhost:8545",
			ChainID:          31337,
			Network:          "dev",
			SignerMode:       "local",
			GasBufferPercent: 20,
			CallTimeout:      Duration{10 * time.Second},
		},
		Contracts: ContractsConfig{
			PaymentDecimals: 18,
			SeedRole:        "SEED_ADMIN_ROLE",
		},
		Confirmations: ConfirmationsConfig{
			DevRequired:  1,
			DevTimeout:   Duration{10 * time.Second},
			Required:     2,
			Timeout:      Duration{30 * time.Second},
			PollInterval: Duration{500 * time.Millisecond},
		},
		Approval: ApprovalConfig{Multiplier: 2},
		Listing: ListingConfig{
			MinDuration: Duration{time.Hour},
			MaxDuration: Duration{30 * 24 * time.Hour},
			CacheTTL:    Duration{15 * time.Second},
		},
		Retry: RetryConfig{
			MaxAttempts:     4,
			InitialInterval: Duration{200 * time.Millisecond},
			MaxInterval:     Duration{2 * time.Second},
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bubble",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			GuardTTL:   Duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bubble-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      Duration{24 * time.Hour},
		},
		Reconcile: ReconcileConfig{
			Interval: Duration{time.Minute},
			MaxAge:   Duration{72 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  Duration{time.Minute},
			WaitTimeout: Duration{2 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"flow_failed", "confirmation_timeout"},
		},
		Deploy: DeployConfig{PlanPath: "deploy.toml"},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve":     true,
	"deploy":    true,
	"reconcile": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSignerModes = map[string]bool{
	"local":  true,
	"remote": true,
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: serve, deploy, reconcile)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Chain.RPCURL == "" {
		add("chain: rpc_url must not be empty")
	}
	if c.Chain.CallTimeout.Duration < 0 {
		add("chain: call_timeout must not be negative")
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if !validSignerModes[strings.ToLower(c.Chain.SignerMode)] {
		add("chain: unknown signer_mode %q (valid: local, remote)", c.Chain.SignerMode)
	}

	switch strings.ToLower(c.Chain.SignerMode) {
	case "local":
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			add("wallet: private_key or encrypted_key_path is required for the local signer")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			add("wallet: key_password is required when encrypted_key_path is set")
		}
	case "remote":
		if !isAddress(c.Wallet.Address) {
			add("wallet: address is required for the remote signer")
		}
	}

	if mode == "serve" {
		checkAddress(&errs, "contracts.marketplace", c.Contracts.Marketplace)
		checkAddress(&errs, "contracts.payment_token", c.Contracts.PaymentToken)
		checkAddress(&errs, "contracts.collection", c.Contracts.Collection)
	}
	for name, v := range map[string]string{
		"contracts.access_control": c.Contracts.AccessControl,
		"contracts.seed_registry":  c.Contracts.SeedRegistry,
	} {
		if v != "" {
			checkAddress(&errs, name, v)
		}
	}
	if c.Contracts.PaymentDecimals < 0 || c.Contracts.PaymentDecimals > 36 {
		add("contracts: payment_decimals must be 0-36, got %d", c.Contracts.PaymentDecimals)
	}

	if c.Confirmations.DevRequired < 1 || c.Confirmations.Required < 1 {
		add("confirmations: dev_required and required must be >= 1")
	}
	if c.Confirmations.DevTimeout.Duration <= 0 || c.Confirmations.Timeout.Duration <= 0 {
		add("confirmations: dev_timeout and timeout must be > 0")
	}
	if c.Confirmations.PollInterval.Duration <= 0 {
		add("confirmations: poll_interval must be > 0")
	}

	if c.Approval.Multiplier < 2 {
		add("approval: multiplier must be >= 2")
	}
	if c.Listing.MinDuration.Duration <= 0 || c.Listing.MaxDuration.Duration < c.Listing.MinDuration.Duration {
		add("listing: need 0 < min_duration <= max_duration")
	}

	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.Enabled && c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}

	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			add("archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
	}
	if c.Reconcile.Interval.Duration < 0 || c.Reconcile.MaxAge.Duration <= 0 {
		add("reconcile: need interval >= 0 and max_age > 0")
	}

	if mode == "serve" && c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
	}
	if mode == "deploy" && c.Deploy.PlanPath == "" {
		add("deploy: plan_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkAddress(errs *[]string, name, v string) {
	if !isAddress(v) {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a 0x-prefixed 20-byte address", name, v))
	}
}

func isAddress(v string) bool {
	if len(v) != 42 || !strings.HasPrefix(v, "0x") {
		return false
	}
	for _, r := range v[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
