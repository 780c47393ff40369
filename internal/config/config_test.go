package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/funding-keeper/internal/venue"
)

const venuesYAML = `
venues:
  hyperliquid:
    enabled: true
  lighter:
    enabled: true
`

const minimalYAML = `
environment: paper
keeper:
  symbols: [ETH]
` + venuesYAML

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 0.0001, cfg.Keeper.MinSpread)
	assert.Equal(t, 10000.0, cfg.Keeper.MaxPositionSizeUSD)
	assert.Equal(t, 2.0, cfg.Keeper.Leverage)
	assert.Equal(t, []string{"NVDA"}, cfg.Keeper.BlacklistedSymbols)
	assert.Equal(t, 60*time.Second, cfg.Keeper.ExecutionCooldown)

	assert.Equal(t, 45*time.Second, cfg.Guardian.MinAge)
	assert.Equal(t, 90*time.Second, cfg.Guardian.AggressiveAge)
	assert.Equal(t, 120*time.Second, cfg.Guardian.MarketAge)
	assert.Equal(t, 300*time.Second, cfg.Guardian.ZombieTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Guardian.StaleOrderAge)

	assert.Equal(t, 0.30, cfg.Reconciler.NuclearImbalancePct)
	assert.Equal(t, 10*time.Minute, cfg.Reconciler.NuclearTimeout)
	assert.Equal(t, 3, cfg.Reconciler.NuclearMaxAttempts)
	assert.Equal(t, 5, cfg.Reconciler.SingleLegMaxRetries)
	assert.Equal(t, 15, cfg.Reconciler.FillMaxRetries)

	assert.Equal(t, 10.0, cfg.ProfitTake.MinProfitUSD)
	assert.Equal(t, 0.25, cfg.ProfitTake.MinClosePercent)
	assert.Equal(t, 168.0, cfg.ProfitTake.MaxReversionHours)
	assert.Equal(t, time.Hour, cfg.ProfitTake.CooldownDuration)

	assert.Equal(t, 2.0, cfg.Rotation.MinHoursSaved)
	assert.Equal(t, uint32(10), cfg.Breaker.ErrorThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, uint32(3), cfg.Breaker.HalfOpenAttempts)

	vc, ok := cfg.VenueFor(venue.Hyperliquid)
	require.True(t, ok)
	assert.Equal(t, 0.0005, vc.SlippagePct)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_HL_KEY", "secret-key")
	yaml := `
environment: live
keeper:
  symbols: [ETH]
venues:
  hyperliquid:
    enabled: true
    api_key: ${TEST_HL_KEY}
  lighter:
    enabled: true
    api_key: other
dashboard:
  enabled: true
  auth_key: dash
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.Venues["hyperliquid"].APIKey)
}

func TestLoadParsesDurationStrings(t *testing.T) {
	yaml := `
environment: paper
keeper:
  symbols: [ETH]
  execution_cooldown: 90s
guardian:
  min_age: 30s
  aggressive_age: 60s
  market_age: 100s
reconciler:
  nuclear_timeout: 15m
profit_take:
  cooldown_duration: 2h
circuit_breaker:
  cooldown: 10m
` + venuesYAML
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Keeper.ExecutionCooldown)
	assert.Equal(t, 30*time.Second, cfg.Guardian.MinAge)
	assert.Equal(t, 15*time.Minute, cfg.Reconciler.NuclearTimeout)
	assert.Equal(t, 2*time.Hour, cfg.ProfitTake.CooldownDuration)
	assert.Equal(t, 10*time.Minute, cfg.Breaker.Cooldown)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+"\nguardian:\n  min_age: soon\n"))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+"\nbogus_section: true\n"))
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("KEEPER_SYMBOLS", "sol-perp, avax")
	t.Setenv("KEEPER_MIN_SPREAD", "0.0005")
	t.Setenv("KEEPER_LEVERAGE", "3")
	t.Setenv("FILL_CHECK_MIN_AGE_SECONDS", "30")
	t.Setenv("STALE_ORDER_AGE_MINUTES", "5")
	t.Setenv("NUCLEAR_IMBALANCE_PERCENT", "40")
	t.Setenv("NUCLEAR_TIMEOUT_MINUTES", "20")
	t.Setenv("PROFIT_TAKE_COOLDOWN_HOURS", "2")
	t.Setenv("CIRCUIT_BREAKER_COOLDOWN_MS", "120000")
	t.Setenv("POSITION_STATE_DIR", "/var/lib/keeper")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"SOL", "AVAX"}, cfg.Keeper.Symbols)
	assert.Equal(t, 0.0005, cfg.Keeper.MinSpread)
	assert.Equal(t, 3.0, cfg.Keeper.Leverage)
	assert.Equal(t, 30*time.Second, cfg.Guardian.MinAge)
	assert.Equal(t, 5*time.Minute, cfg.Guardian.StaleOrderAge)
	assert.Equal(t, 0.40, cfg.Reconciler.NuclearImbalancePct)
	assert.Equal(t, 20*time.Minute, cfg.Reconciler.NuclearTimeout)
	assert.Equal(t, 2*time.Hour, cfg.ProfitTake.CooldownDuration)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, "/var/lib/keeper", cfg.Storage.StateDir)
}

func TestEnvOverrideRejectsBadValue(t *testing.T) {
	t.Setenv("KEEPER_LEVERAGE", "plenty")
	_, err := Load(writeConfig(t, minimalYAML))
	assert.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no symbols", `
environment: paper
` + venuesYAML},
		{"one venue", `
environment: paper
keeper:
  symbols: [ETH]
venues:
  hyperliquid:
    enabled: true
`},
		{"unknown venue", `
environment: paper
keeper:
  symbols: [ETH]
venues:
  hyperliquid:
    enabled: true
  binance:
    enabled: true
`},
		{"bad environment", `
environment: staging
keeper:
  symbols: [ETH]
` + venuesYAML},
		{"live without keys", `
environment: live
keeper:
  symbols: [ETH]
` + venuesYAML},
		{"leverage out of range", `
environment: paper
keeper:
  symbols: [ETH]
  leverage: 50
` + venuesYAML},
		{"guardian ages not increasing", minimalYAML + `
guardian:
  min_age: 90s
  aggressive_age: 45s
  market_age: 120s
`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.yaml))
			assert.Error(t, err)
		})
	}
}

func TestNormalizedBlacklistAndSymbols(t *testing.T) {
	yaml := `
environment: paper
keeper:
  symbols: ["eth-perp", "BTCUSDT"]
  blacklisted_symbols: ["nvda-perp", "doge"]
` + venuesYAML
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, []string{"ETH", "BTC"}, cfg.Keeper.Symbols)
	assert.True(t, cfg.IsBlacklisted("NVDAUSDT"))
	assert.True(t, cfg.IsBlacklisted("doge-perp"))
	assert.False(t, cfg.IsBlacklisted("ETH"))
}

func TestEnabledVenues(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	ids := cfg.EnabledVenues()
	assert.Equal(t, []venue.ID{venue.Hyperliquid, venue.Lighter}, ids)

	vc, ok := cfg.VenueFor(venue.Hyperliquid)
	require.True(t, ok)
	assert.Equal(t, 10.0, vc.RateLimit)
	assert.Equal(t, 20, vc.RateBurst)
}
