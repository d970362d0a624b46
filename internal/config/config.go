// Package config defines the top-level configuration for the payout bot and
// provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PAYBOT_* environment variables.
type Config struct {
	SCM        SCMConfig                 `toml:"scm"`
	Postgres   PostgresConfig            `toml:"postgres"`
	Redis      RedisConfig               `toml:"redis"`
	S3         S3Config                  `toml:"s3"`
	Exchange   ExchangeConfig            `toml:"exchange"`
	Archive    ArchiveConfig             `toml:"archive"`
	Notify     NotifyConfig              `toml:"notify"`
	Currencies map[string]CurrencyConfig `toml:"currency"`
	Simulate   bool                      `toml:"simulate"`
	LogLevel   string                    `toml:"log_level"`
}

// SCMConfig holds the pool service endpoint and the shared signing key for
// the RPC envelope.
type SCMConfig struct {
	Endpoint string `toml:"endpoint"`
	AuthKey  string `toml:"auth_key"`

	// SigMaxAge bounds how old a signed envelope may be before the remote
	// refuses it.
	SigMaxAge duration `toml:"sig_max_age"`
	Timeout   duration `toml:"timeout"`

	RetryAttempts   int      `toml:"retry_attempts"`
	RetryBackoff    duration `toml:"retry_backoff"`
	RetryBackoffCap duration `toml:"retry_backoff_cap"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// RunLockTTL caps how long a per-currency run lock survives a dead
	// holder.
	RunLockTTL duration `toml:"run_lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ExchangeConfig holds exchange API credentials shared by every traded
// currency.
type ExchangeConfig struct {
	Endpoint   string   `toml:"endpoint"`
	WsEndpoint string   `toml:"ws_endpoint"`
	ApiKey     string   `toml:"api_key"`
	ApiSecret  string   `toml:"api_secret"`
	Timeout    duration `toml:"timeout"`

	// FillWait bounds how long an execution waits for fill reports before
	// falling back to polling the order.
	FillWait duration `toml:"fill_wait"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// CurrencyConfig holds everything specific to one currency: its node, its
// payout rules, and whether its trade requests are handled here.
type CurrencyConfig struct {
	Enabled       bool `toml:"enabled"`
	PayoutEnabled bool `toml:"payout_enabled"`
	TradeEnabled  bool `toml:"trade_enabled"`

	// Market is the exchange pair symbol, e.g. "LTC/BTC". Required when
	// trade_enabled is set.
	Market string `toml:"market"`

	ConfirmationThreshold int64 `toml:"confirmation_threshold"`

	// MinimumPayout drops dust outputs from the batched send.
	MinimumPayout decimal.Decimal `toml:"minimum_payout"`

	// ValidAddressVersions lists the accepted base58 version bytes for
	// coinrpc nodes. Empty means accept any well-formed address.
	ValidAddressVersions []int `toml:"valid_address_versions"`

	// MaxSendAttempts parks a payout for manual review after this many
	// consecutive clean send failures.
	MaxSendAttempts int `toml:"max_send_attempts"`

	// PollInterval spaces the currency's pipeline runs in daemon mode.
	PollInterval duration `toml:"poll_interval"`

	Node NodeConfig `toml:"node"`
}

// NodeConfig holds blockchain node connection parameters. Driver selects the
// gateway implementation.
type NodeConfig struct {
	// Driver is "coinrpc" for bitcoind-style JSON-RPC wallets or "evm" for
	// Ethereum-compatible nodes.
	Driver   string   `toml:"driver"`
	URL      string   `toml:"url"`
	User     string   `toml:"user"`
	Password string   `toml:"password"`
	Timeout  duration `toml:"timeout"`

	// Account is the wallet account paying outputs on coinrpc nodes.
	Account string `toml:"account"`

	// EVM-only fields. PrivateKey is a raw hex signing key and takes
	// precedence over EncryptedKeyPath when both are set.
	ChainID          int64  `toml:"chain_id"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	GasLimit         uint64 `toml:"gas_limit"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		SCM: SCMConfig{
			SigMaxAge:       duration{10 * time.Second},
			Timeout:         duration{270 * time.Second},
			RetryAttempts:   3,
			RetryBackoff:    duration{time.Second},
			RetryBackoffCap: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "paybot",
			User:          "paybot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			RunLockTTL: duration{15 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "paybot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Exchange: ExchangeConfig{
			Timeout:  duration{30 * time.Second},
			FillWait: duration{20 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Notify: NotifyConfig{
			Events: []string{"payout_sent", "broadcast_ambiguous", "manual_review", "remote_rejected", "error"},
		},
		Currencies: map[string]CurrencyConfig{},
		Simulate:   false,
		LogLevel:   "info",
	}
}

// defaultCurrency holds the per-currency defaults applied to each [currency.X]
// block after decoding. TOML map entries bypass Defaults, so the loader fills
// zero fields from here.
func defaultCurrency() CurrencyConfig {
	return CurrencyConfig{
		PayoutEnabled:         true,
		ConfirmationThreshold: 6,
		MaxSendAttempts:       3,
		PollInterval:          duration{5 * time.Minute},
		Node: NodeConfig{
			Driver:   "coinrpc",
			Timeout:  duration{30 * time.Second},
			GasLimit: 21000,
		},
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validNodeDrivers enumerates the accepted values for NodeConfig.Driver.
var validNodeDrivers = map[string]bool{
	"coinrpc": true,
	"evm":     true,
}

// EnabledCurrencies returns the enabled currency codes in sorted order.
func (c *Config) EnabledCurrencies() []string {
	var codes []string
	for code, cur := range c.Currencies {
		if cur.Enabled {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// Currency returns the configuration block for code, or an error naming the
// missing or disabled block.
func (c *Config) Currency(code string) (CurrencyConfig, error) {
	cur, ok := c.Currencies[code]
	if !ok {
		return CurrencyConfig{}, &Error{Problems: []string{fmt.Sprintf("currency %q is not configured", code)}}
	}
	if !cur.Enabled {
		return CurrencyConfig{}, &Error{Problems: []string{fmt.Sprintf("currency %q is disabled", code)}}
	}
	return cur, nil
}

// Validate checks Config for obviously invalid or missing values and returns
// a *Error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// SCM
	if c.SCM.Endpoint == "" {
		errs = append(errs, "scm: endpoint must not be empty")
	}
	if c.SCM.AuthKey == "" {
		errs = append(errs, "scm: auth_key must not be empty")
	}
	if c.SCM.Timeout.Duration <= 0 {
		errs = append(errs, "scm: timeout must be > 0")
	}
	if c.SCM.SigMaxAge.Duration <= 0 {
		errs = append(errs, "scm: sig_max_age must be > 0")
	}
	if c.SCM.RetryAttempts < 1 {
		errs = append(errs, "scm: retry_attempts must be >= 1")
	}
	if c.SCM.RetryBackoff.Duration <= 0 {
		errs = append(errs, "scm: retry_backoff must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.RunLockTTL.Duration <= 0 {
		errs = append(errs, "redis: run_lock_ttl must be > 0")
	}

	// S3 — only needed when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when archiving is enabled")
		}
	}

	// Currencies
	if len(c.EnabledCurrencies()) == 0 {
		errs = append(errs, "currency: at least one currency block must be enabled")
	}
	tradeAnywhere := false
	for _, code := range c.EnabledCurrencies() {
		cur := c.Currencies[code]
		prefix := "currency." + code
		if code != strings.ToUpper(code) {
			errs = append(errs, fmt.Sprintf("%s: currency codes must be upper case", prefix))
		}
		if !cur.PayoutEnabled && !cur.TradeEnabled {
			errs = append(errs, fmt.Sprintf("%s: at least one of payout_enabled, trade_enabled must be set", prefix))
		}
		if cur.TradeEnabled {
			tradeAnywhere = true
			if cur.Market == "" {
				errs = append(errs, fmt.Sprintf("%s: market is required when trade_enabled is set", prefix))
			}
		}
		if cur.PayoutEnabled {
			if cur.ConfirmationThreshold < 1 {
				errs = append(errs, fmt.Sprintf("%s: confirmation_threshold must be >= 1", prefix))
			}
			if cur.MinimumPayout.IsNegative() {
				errs = append(errs, fmt.Sprintf("%s: minimum_payout must not be negative", prefix))
			}
			if cur.MaxSendAttempts < 1 {
				errs = append(errs, fmt.Sprintf("%s: max_send_attempts must be >= 1", prefix))
			}
			if !validNodeDrivers[cur.Node.Driver] {
				errs = append(errs, fmt.Sprintf("%s: unknown node driver %q (valid: coinrpc, evm)", prefix, cur.Node.Driver))
			}
			if cur.Node.URL == "" {
				errs = append(errs, fmt.Sprintf("%s: node.url must not be empty", prefix))
			}
			if cur.Node.Timeout.Duration <= 0 {
				errs = append(errs, fmt.Sprintf("%s: node.timeout must be > 0", prefix))
			}
			if cur.Node.Driver == "evm" {
				if cur.Node.ChainID <= 0 {
					errs = append(errs, fmt.Sprintf("%s: node.chain_id must be positive for evm nodes", prefix))
				}
				if cur.Node.PrivateKey == "" && cur.Node.EncryptedKeyPath == "" {
					errs = append(errs, fmt.Sprintf("%s: node.private_key or node.encrypted_key_path is required for evm nodes", prefix))
				}
				if cur.Node.EncryptedKeyPath != "" && cur.Node.KeyPassword == "" {
					errs = append(errs, fmt.Sprintf("%s: node.key_password is required when node.encrypted_key_path is set", prefix))
				}
			}
		}
		if cur.PollInterval.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("%s: poll_interval must be > 0", prefix))
		}
	}

	// Exchange — needed as soon as any currency trades.
	if tradeAnywhere {
		if c.Exchange.Endpoint == "" {
			errs = append(errs, "exchange: endpoint must not be empty when trading is enabled")
		}
		if c.Exchange.ApiKey == "" || c.Exchange.ApiSecret == "" {
			errs = append(errs, "exchange: api_key and api_secret are required when trading is enabled")
		}
		if c.Exchange.Timeout.Duration <= 0 {
			errs = append(errs, "exchange: timeout must be > 0")
		}
		if c.Exchange.FillWait.Duration <= 0 {
			errs = append(errs, "exchange: fill_wait must be > 0")
		}
	}

	if len(errs) > 0 {
		return &Error{Problems: errs}
	}
	return nil
}

// Error is a configuration validation failure listing every problem found.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config validation failed:\n  - %s", strings.Join(e.Problems, "\n  - "))
}
