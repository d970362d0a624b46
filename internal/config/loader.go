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
// built-in defaults, applies PAYBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	applyCurrencyDefaults(&cfg)

	return &cfg, nil
}

// applyCurrencyDefaults fills zero fields in each [currency.X] block from
// defaultCurrency. Map entries are decoded from scratch, so the top-level
// Defaults never reaches them.
func applyCurrencyDefaults(cfg *Config) {
	base := defaultCurrency()
	for code, cur := range cfg.Currencies {
		if cur.ConfirmationThreshold == 0 {
			cur.ConfirmationThreshold = base.ConfirmationThreshold
		}
		if cur.MaxSendAttempts == 0 {
			cur.MaxSendAttempts = base.MaxSendAttempts
		}
		if cur.PollInterval.Duration == 0 {
			cur.PollInterval = base.PollInterval
		}
		if cur.Node.Driver == "" {
			cur.Node.Driver = base.Node.Driver
		}
		if cur.Node.Timeout.Duration == 0 {
			cur.Node.Timeout = base.Node.Timeout
		}
		if cur.Node.GasLimit == 0 {
			cur.Node.GasLimit = base.Node.GasLimit
		}
		if !cur.PayoutEnabled && !cur.TradeEnabled {
			cur.PayoutEnabled = base.PayoutEnabled
		}
		cfg.Currencies[code] = cur
	}
}

// applyEnvOverrides reads well-known PAYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file. Per-currency blocks are file-only.
func applyEnvOverrides(cfg *Config) {
	// ── SCM ──
	setStr(&cfg.SCM.Endpoint, "PAYBOT_SCM_ENDPOINT")
	setStr(&cfg.SCM.AuthKey, "PAYBOT_SCM_AUTH_KEY")
	setDuration(&cfg.SCM.SigMaxAge, "PAYBOT_SCM_SIG_MAX_AGE")
	setDuration(&cfg.SCM.Timeout, "PAYBOT_SCM_TIMEOUT")
	setInt(&cfg.SCM.RetryAttempts, "PAYBOT_SCM_RETRY_ATTEMPTS")
	setDuration(&cfg.SCM.RetryBackoff, "PAYBOT_SCM_RETRY_BACKOFF")
	setDuration(&cfg.SCM.RetryBackoffCap, "PAYBOT_SCM_RETRY_BACKOFF_CAP")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PAYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PAYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PAYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PAYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PAYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PAYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PAYBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PAYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PAYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PAYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PAYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PAYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PAYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PAYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PAYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PAYBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.RunLockTTL, "PAYBOT_REDIS_RUN_LOCK_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PAYBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PAYBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PAYBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PAYBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PAYBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PAYBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PAYBOT_S3_FORCE_PATH_STYLE")

	// ── Exchange ──
	setStr(&cfg.Exchange.Endpoint, "PAYBOT_EXCHANGE_ENDPOINT")
	setStr(&cfg.Exchange.WsEndpoint, "PAYBOT_EXCHANGE_WS_ENDPOINT")
	setStr(&cfg.Exchange.ApiKey, "PAYBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "PAYBOT_EXCHANGE_API_SECRET")
	setDuration(&cfg.Exchange.Timeout, "PAYBOT_EXCHANGE_TIMEOUT")
	setDuration(&cfg.Exchange.FillWait, "PAYBOT_EXCHANGE_FILL_WAIT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PAYBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PAYBOT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "PAYBOT_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PAYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PAYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PAYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PAYBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setBool(&cfg.Simulate, "PAYBOT_SIMULATE")
	setStr(&cfg.LogLevel, "PAYBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
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
