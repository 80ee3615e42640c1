package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := config.Load("does-not-exist", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, config.StorePostgres, cfg.Ledger.Store)
	assert.Equal(t, "global", cfg.Ledger.DefaultChain)
	assert.Equal(t, "MXN", cfg.Ledger.BaseCurrency)
	assert.Equal(t, 5*time.Second, cfg.Ledger.AppendTimeout)
	assert.Equal(t, 1024, cfg.Ledger.MaxDescription)
	assert.Equal(t, time.Minute, cfg.Ledger.MaxClockSkew)
	assert.Equal(t, config.EventsNone, cfg.Events.Backend)
	assert.False(t, cfg.Secrets.Configured())
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
ledger:
  store: memory
  base_currency: usd
  append_timeout: 250ms
snapshot:
  every_entries: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledgerd.yaml"), []byte(yaml), 0o600))
	t.Setenv("LEDGER_DEFAULT_CHAIN", "treasury")
	t.Setenv("LEDGER_SEAL_SECRET", "s3cret")

	cfg, err := config.Load("ledgerd", dir)
	require.NoError(t, err)

	assert.Equal(t, config.StoreMemory, cfg.Ledger.Store)
	assert.Equal(t, "USD", cfg.Ledger.BaseCurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.AppendTimeout)
	assert.Equal(t, int64(50), cfg.Snapshot.EveryEntries)
	assert.Equal(t, "treasury", cfg.Ledger.DefaultChain)
	assert.True(t, cfg.Secrets.Configured())
}

func TestLoad_rejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"LEDGER_STORE":          "sqlite",
		"LEDGER_BASE_CURRENCY":  "XYZW",
		"EVENTS_BACKEND":        "nats",
		"LEDGER_APPEND_TIMEOUT": "0s",
	}
	for env, val := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			_, err := config.Load("does-not-exist", t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestLoad_webhookBackendNeedsURLs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EVENTS_BACKEND", config.EventsWebhook)

	_, err := config.Load("ledgerd", dir)
	assert.Error(t, err)

	yaml := `
events:
  backend: webhook
  webhook_urls:
    - https://hooks.example.com/ledger
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledgerd.yaml"), []byte(yaml), 0o600))
	cfg, err := config.Load("ledgerd", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://hooks.example.com/ledger"}, cfg.Events.WebhookURLs)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CHAINLEDGER_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CHAINLEDGER_TEST_DOTENV") })

	require.NoError(t, config.LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("CHAINLEDGER_TEST_DOTENV"))
}

func TestSecrets_DeriveKey(t *testing.T) {
	s := config.NewSecrets("master")

	a, err := s.DeriveKey("snapshot-seal", 32)
	require.NoError(t, err)
	assert.Len(t, a, 32)

	again, err := s.DeriveKey("snapshot-seal", 32)
	require.NoError(t, err)
	assert.Equal(t, a, again)

	other, err := s.DeriveKey("other", 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = config.Secrets{}.DeriveKey("snapshot-seal", 32)
	assert.ErrorIs(t, err, config.ErrNoSecret)
}

func TestSecrets_notPrinted(t *testing.T) {
	s := config.NewSecrets("hunter2")
	assert.NotContains(t, fmt.Sprintf("%v %s", s, s), "hunter2")
}
