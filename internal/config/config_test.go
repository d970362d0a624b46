package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalTOML = `
log_level = "debug"

[scm]
endpoint = "https://pool.example.com/rpc"
auth_key = "sekrit"

[currency.LTC]
enabled = true
minimum_payout = "0.05"

[currency.LTC.node]
url = "http://127.0.0.1:9332"
user = "rpc"
password = "rpcpass"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://pool.example.com/rpc", cfg.SCM.Endpoint)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Redis.RunLockTTL.Duration)

	// Currency blocks are filled from the per-currency defaults.
	ltc, ok := cfg.Currencies["LTC"]
	require.True(t, ok)
	assert.True(t, ltc.PayoutEnabled)
	assert.False(t, ltc.TradeEnabled)
	assert.EqualValues(t, 6, ltc.ConfirmationThreshold)
	assert.Equal(t, 3, ltc.MaxSendAttempts)
	assert.Equal(t, 5*time.Minute, ltc.PollInterval.Duration)
	assert.Equal(t, "coinrpc", ltc.Node.Driver)
	assert.Equal(t, 30*time.Second, ltc.Node.Timeout.Duration)
	assert.True(t, ltc.MinimumPayout.Equal(decimal.RequireFromString("0.05")))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAYBOT_SCM_AUTH_KEY", "env-key")
	t.Setenv("PAYBOT_SCM_TIMEOUT", "45s")
	t.Setenv("PAYBOT_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("PAYBOT_POSTGRES_RUN_MIGRATIONS", "false")
	t.Setenv("PAYBOT_NOTIFY_EVENTS", "error, manual_review")

	cfg, err := Load(writeConfig(t, minimalTOML))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.SCM.AuthKey)
	assert.Equal(t, 45*time.Second, cfg.SCM.Timeout.Duration)
	assert.Equal(t, "10.0.0.5:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Postgres.RunMigrations)
	assert.Equal(t, []string{"error", "manual_review"}, cfg.Notify.Events)
}

func TestValidate_AcceptsMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidate_ListsEveryProblem(t *testing.T) {
	cfg := Defaults()

	err := cfg.Validate()
	var cerr *Error
	require.ErrorAs(t, err, &cerr)

	joined := strings.Join(cerr.Problems, "\n")
	assert.Contains(t, joined, "scm: endpoint")
	assert.Contains(t, joined, "scm: auth_key")
	assert.Contains(t, joined, "at least one currency block")
}

func TestValidate_TradeCurrencyNeedsMarketAndExchange(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalTOML))
	require.NoError(t, err)

	cfg.Currencies["doge"] = CurrencyConfig{
		Enabled:      true,
		TradeEnabled: true,
		PollInterval: duration{time.Minute},
	}

	verr := cfg.Validate()
	var cerr *Error
	require.ErrorAs(t, verr, &cerr)

	joined := strings.Join(cerr.Problems, "\n")
	assert.Contains(t, joined, "upper case")
	assert.Contains(t, joined, "market is required")
	assert.Contains(t, joined, "exchange: endpoint")
	assert.Contains(t, joined, "api_key and api_secret")
}

func TestValidate_EVMNodeNeedsChainAndKeySource(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalTOML))
	require.NoError(t, err)

	eth := CurrencyConfig{
		Enabled:               true,
		PayoutEnabled:         true,
		ConfirmationThreshold: 12,
		MaxSendAttempts:       3,
		PollInterval:          duration{time.Minute},
		Node: NodeConfig{
			Driver:  "evm",
			URL:     "http://127.0.0.1:8545",
			Timeout: duration{30 * time.Second},
		},
	}
	cfg.Currencies["ETH"] = eth

	verr := cfg.Validate()
	var cerr *Error
	require.ErrorAs(t, verr, &cerr)

	joined := strings.Join(cerr.Problems, "\n")
	assert.Contains(t, joined, "node.chain_id must be positive")
	assert.Contains(t, joined, "node.private_key or node.encrypted_key_path")

	eth.Node.ChainID = 1
	eth.Node.PrivateKey = "0xabc123"
	cfg.Currencies["ETH"] = eth
	require.NoError(t, cfg.Validate())
}

func TestCurrencyLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalTOML+`
[currency.BTC]
enabled = false
`))
	require.NoError(t, err)

	_, err = cfg.Currency("LTC")
	assert.NoError(t, err)

	_, err = cfg.Currency("BTC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	_, err = cfg.Currency("DOGE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")

	assert.Equal(t, []string{"LTC"}, cfg.EnabledCurrencies())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.SCM.AuthKey = "topsecret"
	cfg.Postgres.Password = "dbpass"
	cfg.S3.SecretKey = "s3secret"
	cfg.Notify.TelegramToken = "bot-token"
	cfg.Notify.Events = []string{"error"}
	cfg.Currencies = map[string]CurrencyConfig{
		"LTC": {Enabled: true, Node: NodeConfig{User: "rpc", Password: "nodepass", PrivateKey: "deadbeef"}},
	}

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.SCM.AuthKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Equal(t, "***", red.Currencies["LTC"].Node.Password)
	assert.Equal(t, "***", red.Currencies["LTC"].Node.PrivateKey)

	// Non-secrets and empty secrets pass through untouched.
	assert.Equal(t, "rpc", red.Currencies["LTC"].Node.User)
	assert.Equal(t, "", red.Redis.Password)

	// The original is not modified, and the copy is detached from it.
	assert.Equal(t, "topsecret", cfg.SCM.AuthKey)
	assert.Equal(t, "nodepass", cfg.Currencies["LTC"].Node.Password)
	red.Notify.Events[0] = "mutated"
	assert.Equal(t, "error", cfg.Notify.Events[0])
}
