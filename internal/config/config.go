// Package config loads and validates the keeper's YAML configuration.
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets stay out of the file, and the documented override
// variables (KEEPER_MIN_SPREAD, NUCLEAR_TIMEOUT_MINUTES, ...) win over
// whatever the file says.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// Config is the root configuration.
type Config struct {
	Environment string                 `yaml:"environment"` // paper or live
	Keeper      KeeperConfig           `yaml:"keeper"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	Guardian    GuardianConfig         `yaml:"guardian"`
	Reconciler  ReconcilerConfig       `yaml:"reconciler"`
	ProfitTake  ProfitTakeConfig       `yaml:"profit_take"`
	Rotation    RotationConfig         `yaml:"rotation"`
	Breaker     BreakerConfig          `yaml:"circuit_breaker"`
	Storage     StorageConfig          `yaml:"storage"`
	Dashboard   DashboardConfig        `yaml:"dashboard"`
	Logging     LoggingConfig          `yaml:"logging"`
}

// KeeperConfig covers opportunity discovery and sizing.
type KeeperConfig struct {
	// Symbols is the evaluation universe. At least one symbol is required;
	// the adapter contract carries no market listing to discover from.
	Symbols            []string `yaml:"symbols"`
	BlacklistedSymbols []string `yaml:"blacklisted_symbols"`
	MinSpread          float64  `yaml:"min_spread"`
	MaxPositionSizeUSD float64  `yaml:"max_position_size_usd"`
	Leverage           float64  `yaml:"leverage"`
	// ExecutionCooldown is the grace window after an execution completes
	// during which supervisors refuse destructive actions on the symbol.
	ExecutionCooldown time.Duration `yaml:"execution_cooldown"`
	// QualityFailureThreshold auto-blacklists a market after this many
	// dirty executions; QualityBlacklistTTL is how long it stays out.
	QualityFailureThreshold int           `yaml:"quality_failure_threshold"`
	QualityBlacklistTTL     time.Duration `yaml:"quality_blacklist_ttl"`
}

// VenueConfig describes one exchange connection.
type VenueConfig struct {
	Enabled   bool    `yaml:"enabled"`
	APIKey    string  `yaml:"api_key"`
	APISecret string  `yaml:"api_secret"`
	Endpoint  string  `yaml:"endpoint"`
	// TakerFee and MakerFee are fractional rates (0.00035 = 3.5 bps).
	TakerFee float64 `yaml:"taker_fee"`
	MakerFee float64 `yaml:"maker_fee"`
	// SlippagePct is the expected fractional slippage of a market order at
	// typical position size, charged into churn estimates.
	SlippagePct float64 `yaml:"slippage_pct"`
	RateLimit   float64 `yaml:"rate_limit"` // requests per second
	RateBurst   int     `yaml:"rate_burst"`
}

// GuardianConfig tunes asymmetric-fill recovery and zombie cleanup.
type GuardianConfig struct {
	MinAge        time.Duration `yaml:"min_age"`
	AggressiveAge time.Duration `yaml:"aggressive_age"`
	MarketAge     time.Duration `yaml:"market_age"`
	ZombieTimeout time.Duration `yaml:"zombie_timeout"`
	StaleOrderAge time.Duration `yaml:"stale_order_age"`
}

// ReconcilerConfig tunes drift detection and the nuclear-close protocol.
type ReconcilerConfig struct {
	NuclearImbalancePct float64       `yaml:"nuclear_imbalance_pct"`
	NuclearTimeout      time.Duration `yaml:"nuclear_timeout"`
	NuclearMaxAttempts  int           `yaml:"nuclear_max_attempts"`
	SingleLegMaxRetries int           `yaml:"single_leg_max_retries"`
	PendingOrderGrace   time.Duration `yaml:"pending_order_grace"`
	MaxBackoffDelay     time.Duration `yaml:"max_backoff_delay"`
	FillMaxRetries      int           `yaml:"fill_max_retries"`
}

// ProfitTakeConfig tunes hedged partial closes.
type ProfitTakeConfig struct {
	MinProfitUSD      float64       `yaml:"min_profit_usd"`
	MinClosePercent   float64       `yaml:"min_close_percent"`
	MaxReversionHours float64       `yaml:"max_reversion_hours"`
	CooldownDuration  time.Duration `yaml:"cooldown_duration"`
}

// RotationConfig tunes pair replacement.
type RotationConfig struct {
	MinHoursSaved float64 `yaml:"min_hours_saved"`
}

// BreakerConfig tunes the per-venue circuit breaker.
type BreakerConfig struct {
	ErrorThreshold   uint32        `yaml:"error_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HalfOpenAttempts uint32        `yaml:"half_open_attempts"`
}

// StorageConfig locates the persisted position state.
type StorageConfig struct {
	StateDir string `yaml:"state_dir"`
}

// DashboardConfig covers the diagnostics HTTP surface.
type DashboardConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	AuthKey  string `yaml:"auth_key"`
}

// LoggingConfig covers log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// setDuration parses yaml scalars like "45s" or "10m". Empty input keeps
// the zero value so defaults still apply.
func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// yaml.v3 has no native time.Duration support, so every section carrying
// durations decodes through a shadow struct with string fields.

func (k *KeeperConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Symbols                 []string `yaml:"symbols"`
		BlacklistedSymbols      []string `yaml:"blacklisted_symbols"`
		MinSpread               float64  `yaml:"min_spread"`
		MaxPositionSizeUSD      float64  `yaml:"max_position_size_usd"`
		Leverage                float64  `yaml:"leverage"`
		ExecutionCooldown       string   `yaml:"execution_cooldown"`
		QualityFailureThreshold int      `yaml:"quality_failure_threshold"`
		QualityBlacklistTTL     string   `yaml:"quality_blacklist_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	k.Symbols = raw.Symbols
	k.BlacklistedSymbols = raw.BlacklistedSymbols
	k.MinSpread = raw.MinSpread
	k.MaxPositionSizeUSD = raw.MaxPositionSizeUSD
	k.Leverage = raw.Leverage
	k.QualityFailureThreshold = raw.QualityFailureThreshold
	return firstErr(
		setDuration(&k.ExecutionCooldown, raw.ExecutionCooldown, "keeper.execution_cooldown"),
		setDuration(&k.QualityBlacklistTTL, raw.QualityBlacklistTTL, "keeper.quality_blacklist_ttl"),
	)
}

func (g *GuardianConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MinAge        string `yaml:"min_age"`
		AggressiveAge string `yaml:"aggressive_age"`
		MarketAge     string `yaml:"market_age"`
		ZombieTimeout string `yaml:"zombie_timeout"`
		StaleOrderAge string `yaml:"stale_order_age"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return firstErr(
		setDuration(&g.MinAge, raw.MinAge, "guardian.min_age"),
		setDuration(&g.AggressiveAge, raw.AggressiveAge, "guardian.aggressive_age"),
		setDuration(&g.MarketAge, raw.MarketAge, "guardian.market_age"),
		setDuration(&g.ZombieTimeout, raw.ZombieTimeout, "guardian.zombie_timeout"),
		setDuration(&g.StaleOrderAge, raw.StaleOrderAge, "guardian.stale_order_age"),
	)
}

func (r *ReconcilerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		NuclearImbalancePct float64 `yaml:"nuclear_imbalance_pct"`
		NuclearTimeout      string  `yaml:"nuclear_timeout"`
		NuclearMaxAttempts  int     `yaml:"nuclear_max_attempts"`
		SingleLegMaxRetries int     `yaml:"single_leg_max_retries"`
		PendingOrderGrace   string  `yaml:"pending_order_grace"`
		MaxBackoffDelay     string  `yaml:"max_backoff_delay"`
		FillMaxRetries      int     `yaml:"fill_max_retries"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.NuclearImbalancePct = raw.NuclearImbalancePct
	r.NuclearMaxAttempts = raw.NuclearMaxAttempts
	r.SingleLegMaxRetries = raw.SingleLegMaxRetries
	r.FillMaxRetries = raw.FillMaxRetries
	return firstErr(
		setDuration(&r.NuclearTimeout, raw.NuclearTimeout, "reconciler.nuclear_timeout"),
		setDuration(&r.PendingOrderGrace, raw.PendingOrderGrace, "reconciler.pending_order_grace"),
		setDuration(&r.MaxBackoffDelay, raw.MaxBackoffDelay, "reconciler.max_backoff_delay"),
	)
}

func (p *ProfitTakeConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MinProfitUSD      float64 `yaml:"min_profit_usd"`
		MinClosePercent   float64 `yaml:"min_close_percent"`
		MaxReversionHours float64 `yaml:"max_reversion_hours"`
		CooldownDuration  string  `yaml:"cooldown_duration"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.MinProfitUSD = raw.MinProfitUSD
	p.MinClosePercent = raw.MinClosePercent
	p.MaxReversionHours = raw.MaxReversionHours
	return setDuration(&p.CooldownDuration, raw.CooldownDuration, "profit_take.cooldown_duration")
}

func (b *BreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ErrorThreshold   uint32 `yaml:"error_threshold"`
		Cooldown         string `yaml:"cooldown"`
		HalfOpenAttempts uint32 `yaml:"half_open_attempts"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.ErrorThreshold = raw.ErrorThreshold
	b.HalfOpenAttempts = raw.HalfOpenAttempts
	return setDuration(&b.Cooldown, raw.Cooldown, "circuit_breaker.cooldown")
}

func envCSV(name string, dst *[]string) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func envFloat(name string, dst *float64) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

func envUint32(name string, dst *uint32) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = uint32(v)
	return nil
}

// envScaled reads a numeric variable expressed in the given unit, e.g.
// FILL_CHECK_MIN_AGE_SECONDS with unit time.Second.
func envScaled(name string, unit time.Duration, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(v * float64(unit))
	return nil
}

// applyEnvOverrides lets the documented environment variables win over the
// file, so deployments can be retuned without editing the config.
func (c *Config) applyEnvOverrides() error {
	envCSV("KEEPER_SYMBOLS", &c.Keeper.Symbols)
	envCSV("KEEPER_BLACKLISTED_SYMBOLS", &c.Keeper.BlacklistedSymbols)
	envString("POSITION_STATE_DIR", &c.Storage.StateDir)

	var nuclearPercent float64
	if err := firstErr(
		envFloat("KEEPER_MIN_SPREAD", &c.Keeper.MinSpread),
		envFloat("KEEPER_MAX_POSITION_SIZE_USD", &c.Keeper.MaxPositionSizeUSD),
		envFloat("KEEPER_LEVERAGE", &c.Keeper.Leverage),
		envScaled("FILL_CHECK_MIN_AGE_SECONDS", time.Second, &c.Guardian.MinAge),
		envScaled("FILL_CHECK_AGGRESSIVE_AGE_SECONDS", time.Second, &c.Guardian.AggressiveAge),
		envScaled("FILL_CHECK_MARKET_AGE_SECONDS", time.Second, &c.Guardian.MarketAge),
		envScaled("STALE_ORDER_AGE_MINUTES", time.Minute, &c.Guardian.StaleOrderAge),
		envFloat("NUCLEAR_IMBALANCE_PERCENT", &nuclearPercent),
		envScaled("NUCLEAR_TIMEOUT_MINUTES", time.Minute, &c.Reconciler.NuclearTimeout),
		envInt("NUCLEAR_MAX_ATTEMPTS", &c.Reconciler.NuclearMaxAttempts),
		envFloat("PROFIT_TAKE_MIN_USD", &c.ProfitTake.MinProfitUSD),
		envFloat("PROFIT_TAKE_MIN_CLOSE_PERCENT", &c.ProfitTake.MinClosePercent),
		envFloat("PROFIT_TAKE_MAX_REVERSION_HOURS", &c.ProfitTake.MaxReversionHours),
		envScaled("PROFIT_TAKE_COOLDOWN_HOURS", time.Hour, &c.ProfitTake.CooldownDuration),
		envFloat("ROTATION_MIN_HOURS_SAVED", &c.Rotation.MinHoursSaved),
		envUint32("CIRCUIT_BREAKER_ERROR_THRESHOLD", &c.Breaker.ErrorThreshold),
		envScaled("CIRCUIT_BREAKER_COOLDOWN_MS", time.Millisecond, &c.Breaker.Cooldown),
		envUint32("CIRCUIT_BREAKER_HALF_OPEN_ATTEMPTS", &c.Breaker.HalfOpenAttempts),
	); err != nil {
		return err
	}
	if nuclearPercent != 0 {
		c.Reconciler.NuclearImbalancePct = nuclearPercent / 100
	}
	return nil
}

// Load reads, expands, parses and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("env override: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "paper"
	}
	if len(c.Keeper.BlacklistedSymbols) == 0 {
		c.Keeper.BlacklistedSymbols = []string{"NVDA"}
	}
	if c.Keeper.MinSpread == 0 {
		c.Keeper.MinSpread = 0.0001
	}
	if c.Keeper.MaxPositionSizeUSD == 0 {
		c.Keeper.MaxPositionSizeUSD = 10000
	}
	if c.Keeper.Leverage == 0 {
		c.Keeper.Leverage = 2.0
	}
	if c.Keeper.ExecutionCooldown == 0 {
		c.Keeper.ExecutionCooldown = 60 * time.Second
	}
	if c.Keeper.QualityFailureThreshold == 0 {
		c.Keeper.QualityFailureThreshold = 3
	}
	if c.Keeper.QualityBlacklistTTL == 0 {
		c.Keeper.QualityBlacklistTTL = 6 * time.Hour
	}

	if c.Guardian.MinAge == 0 {
		c.Guardian.MinAge = 45 * time.Second
	}
	if c.Guardian.AggressiveAge == 0 {
		c.Guardian.AggressiveAge = 90 * time.Second
	}
	if c.Guardian.MarketAge == 0 {
		c.Guardian.MarketAge = 120 * time.Second
	}
	if c.Guardian.ZombieTimeout == 0 {
		c.Guardian.ZombieTimeout = 300 * time.Second
	}
	if c.Guardian.StaleOrderAge == 0 {
		c.Guardian.StaleOrderAge = 2 * time.Minute
	}

	if c.Reconciler.NuclearImbalancePct == 0 {
		c.Reconciler.NuclearImbalancePct = 0.30
	}
	if c.Reconciler.NuclearTimeout == 0 {
		c.Reconciler.NuclearTimeout = 10 * time.Minute
	}
	if c.Reconciler.NuclearMaxAttempts == 0 {
		c.Reconciler.NuclearMaxAttempts = 3
	}
	if c.Reconciler.SingleLegMaxRetries == 0 {
		c.Reconciler.SingleLegMaxRetries = 5
	}
	if c.Reconciler.PendingOrderGrace == 0 {
		c.Reconciler.PendingOrderGrace = 5 * time.Minute
	}
	if c.Reconciler.MaxBackoffDelay == 0 {
		c.Reconciler.MaxBackoffDelay = 30 * time.Second
	}
	if c.Reconciler.FillMaxRetries == 0 {
		c.Reconciler.FillMaxRetries = 15
	}

	if c.ProfitTake.MinProfitUSD == 0 {
		c.ProfitTake.MinProfitUSD = 10
	}
	if c.ProfitTake.MinClosePercent == 0 {
		c.ProfitTake.MinClosePercent = 0.25
	}
	if c.ProfitTake.MaxReversionHours == 0 {
		c.ProfitTake.MaxReversionHours = 168
	}
	if c.ProfitTake.CooldownDuration == 0 {
		c.ProfitTake.CooldownDuration = time.Hour
	}

	if c.Rotation.MinHoursSaved == 0 {
		c.Rotation.MinHoursSaved = 2
	}

	if c.Breaker.ErrorThreshold == 0 {
		c.Breaker.ErrorThreshold = 10
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 5 * time.Minute
	}
	if c.Breaker.HalfOpenAttempts == 0 {
		c.Breaker.HalfOpenAttempts = 3
	}

	if c.Storage.StateDir == "" {
		c.Storage.StateDir = "data"
	}
	if c.Dashboard.Listen == "" {
		c.Dashboard.Listen = ":9847"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	for name, vc := range c.Venues {
		if vc.SlippagePct == 0 {
			vc.SlippagePct = 0.0005
		}
		if vc.RateLimit == 0 {
			vc.RateLimit = 10
		}
		if vc.RateBurst == 0 {
			vc.RateBurst = 20
		}
		c.Venues[name] = vc
	}

	// Blacklist entries are compared in normalized form only.
	for i, s := range c.Keeper.BlacklistedSymbols {
		c.Keeper.BlacklistedSymbols[i] = util.NormalizeSymbol(s)
	}
	for i, s := range c.Keeper.Symbols {
		c.Keeper.Symbols[i] = util.NormalizeSymbol(s)
	}
}

// Validate rejects configurations the keeper cannot run with.
func (c *Config) Validate() error {
	if c.Environment != "paper" && c.Environment != "live" {
		return fmt.Errorf("environment must be paper or live, got %q", c.Environment)
	}

	enabled := 0
	for name, vc := range c.Venues {
		if !knownVenue(name) {
			return fmt.Errorf("unknown venue %q", name)
		}
		if vc.Enabled {
			enabled++
			if c.Environment == "live" && vc.APIKey == "" {
				return fmt.Errorf("venue %s enabled in live mode without api_key", name)
			}
		}
		if vc.TakerFee < 0 || vc.MakerFee < -0.001 {
			return fmt.Errorf("venue %s has implausible fees", name)
		}
	}
	if enabled < 2 {
		return fmt.Errorf("at least two venues must be enabled, got %d", enabled)
	}

	if len(c.Keeper.Symbols) == 0 {
		return fmt.Errorf("keeper.symbols must list at least one symbol")
	}
	if c.Keeper.MinSpread < 0 {
		return fmt.Errorf("min_spread must be non-negative")
	}
	if c.Keeper.MaxPositionSizeUSD <= 0 {
		return fmt.Errorf("max_position_size_usd must be positive")
	}
	if c.Keeper.Leverage < 1 || c.Keeper.Leverage > 20 {
		return fmt.Errorf("leverage %v out of range [1, 20]", c.Keeper.Leverage)
	}

	if !(c.Guardian.MinAge < c.Guardian.AggressiveAge && c.Guardian.AggressiveAge < c.Guardian.MarketAge) {
		return fmt.Errorf("guardian ages must be strictly increasing: min < aggressive < market")
	}
	if c.Guardian.ZombieTimeout <= c.Guardian.MarketAge {
		return fmt.Errorf("zombie_timeout must exceed market_age")
	}

	if c.Reconciler.NuclearImbalancePct <= 0 || c.Reconciler.NuclearImbalancePct > 1 {
		return fmt.Errorf("nuclear_imbalance_pct must be a fraction in (0, 1]")
	}
	if c.ProfitTake.MinClosePercent <= 0 || c.ProfitTake.MinClosePercent > 1 {
		return fmt.Errorf("profit_take min_close_percent must be a fraction in (0, 1]")
	}

	if c.Dashboard.Enabled && c.Dashboard.AuthKey == "" && c.Environment == "live" {
		return fmt.Errorf("dashboard requires auth_key in live mode")
	}
	return nil
}

// EnabledVenues returns the configured venue IDs, in stable order.
func (c *Config) EnabledVenues() []venue.ID {
	var out []venue.ID
	for _, id := range venue.AllVenues {
		name := VenueName(id)
		if vc, ok := c.Venues[name]; ok && vc.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// VenueFor returns the config block for a venue ID.
func (c *Config) VenueFor(id venue.ID) (VenueConfig, bool) {
	vc, ok := c.Venues[VenueName(id)]
	return vc, ok
}

// IsBlacklisted reports whether the symbol's normalized form is statically
// blacklisted.
func (c *Config) IsBlacklisted(symbol string) bool {
	sym := util.NormalizeSymbol(symbol)
	for _, b := range c.Keeper.BlacklistedSymbols {
		if b == sym {
			return true
		}
	}
	return false
}

// VenueName maps a venue ID to its config key.
func VenueName(id venue.ID) string {
	switch id {
	case venue.Hyperliquid:
		return "hyperliquid"
	case venue.Lighter:
		return "lighter"
	case venue.Aster:
		return "aster"
	}
	return string(id)
}

// VenueID maps a config key back to a venue ID.
func VenueID(name string) (venue.ID, bool) {
	switch strings.ToLower(name) {
	case "hyperliquid":
		return venue.Hyperliquid, true
	case "lighter":
		return venue.Lighter, true
	case "aster":
		return venue.Aster, true
	}
	return "", false
}

func knownVenue(name string) bool {
	_, ok := VenueID(name)
	return ok
}
