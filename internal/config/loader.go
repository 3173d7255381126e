package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BUBBLE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BUBBLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "BUBBLE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "BUBBLE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "BUBBLE_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Address, "BUBBLE_WALLET_ADDRESS")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "BUBBLE_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "BUBBLE_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.Network, "BUBBLE_CHAIN_NETWORK")
	setStr(&cfg.Chain.SignerMode, "BUBBLE_CHAIN_SIGNER_MODE")
	setUint64(&cfg.Chain.GasBufferPercent, "BUBBLE_CHAIN_GAS_BUFFER_PERCENT")
	setDuration(&cfg.Chain.CallTimeout, "BUBBLE_CHAIN_CALL_TIMEOUT")

	// ── Contracts ──
	setStr(&cfg.Contracts.Marketplace, "BUBBLE_CONTRACTS_MARKETPLACE")
	setStr(&cfg.Contracts.PaymentToken, "BUBBLE_CONTRACTS_PAYMENT_TOKEN")
	setStr(&cfg.Contracts.Collection, "BUBBLE_CONTRACTS_COLLECTION")
	setStr(&cfg.Contracts.AccessControl, "BUBBLE_CONTRACTS_ACCESS_CONTROL")
	setStr(&cfg.Contracts.SeedRegistry, "BUBBLE_CONTRACTS_SEED_REGISTRY")
	setStr(&cfg.Contracts.SeedRole, "BUBBLE_CONTRACTS_SEED_ROLE")

	// ── Confirmations ──
	setInt(&cfg.Confirmations.Required, "BUBBLE_CONFIRMATIONS_REQUIRED")
	setDuration(&cfg.Confirmations.Timeout, "BUBBLE_CONFIRMATIONS_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "BUBBLE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "BUBBLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BUBBLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BUBBLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BUBBLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BUBBLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BUBBLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BUBBLE_POSTGRES_SSL_MODE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BUBBLE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BUBBLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BUBBLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BUBBLE_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "BUBBLE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "BUBBLE_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BUBBLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BUBBLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "BUBBLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BUBBLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BUBBLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BUBBLE_S3_USE_SSL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BUBBLE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BUBBLE_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BUBBLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BUBBLE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BUBBLE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BUBBLE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BUBBLE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BUBBLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BUBBLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BUBBLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BUBBLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Deploy.PlanPath, "BUBBLE_DEPLOY_PLAN_PATH")
	setStr(&cfg.Mode, "BUBBLE_MODE")
	setStr(&cfg.LogLevel, "BUBBLE_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
