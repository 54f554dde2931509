package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del core de decisión.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Intent    IntentConfig    `yaml:"intent"`
	Liquidity LiquidityConfig `yaml:"liquidity"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Band      BandConfig      `yaml:"band"`
	Session   SessionConfig   `yaml:"session"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Fixture   FixtureConfig   `yaml:"fixture"`
	Log       LogConfig       `yaml:"log"`
}

// EngineConfig controla el ciclo de decisión.
type EngineConfig struct {
	Account           string  `yaml:"account"`
	IntervalSeconds   int     `yaml:"interval_seconds"`
	Workers           int     `yaml:"workers"`              // fetch de cotizaciones; 0 = NumCPU×2
	MaxOrdersPerCycle int     `yaml:"max_orders_per_cycle"` // 0 = sin límite
	MaxInFlight       int     `yaml:"max_in_flight"`
	SplitThreshold    int64   `yaml:"split_threshold"`
	MaxChild          int64   `yaml:"max_child"`
	MinChild          int64   `yaml:"min_child"`
	ChildDelayMs      int     `yaml:"child_delay_ms"`
	GoodnessScale     float64 `yaml:"goodness_scale"` // $ de P&L que saturan la goodness
	DryRun            bool    `yaml:"dry_run"`
}

// IntentConfig parametriza la curva de exposición y el desire.
type IntentConfig struct {
	HardThresholdPct float64 `yaml:"hard_threshold_pct"` // H
	SoftRatioNum     float64 `yaml:"soft_ratio_num"`
	SoftRatioDen     float64 `yaml:"soft_ratio_den"`
	Amax             float64 `yaml:"amax"`
	Asoft            float64 `yaml:"asoft"`
	Pn               float64 `yaml:"pn"`
	Q                float64 `yaml:"q"`
	Ps               float64 `yaml:"ps"`
	Alpha            float64 `yaml:"alpha"` // peso del intent en el desire
	Beta             float64 `yaml:"beta"`  // peso de la goodness
}

// LiquidityConfig controla el guard de liquidez.
type LiquidityConfig struct {
	MinLot                 int64    `yaml:"min_lot"`
	ScaleFactor            float64  `yaml:"scale_factor"`
	LTMaxCap               *int64   `yaml:"lt_max_cap"` // null = LT sin cap
	MMMaxCap               int64    `yaml:"mm_max_cap"`
	NearCloseMinutes       *float64 `yaml:"near_close_minutes"` // 0 = solo al cierre
	AllowNearCloseResidual *bool    `yaml:"allow_near_close_residual"`
	ResidualOverrides      []string `yaml:"residual_overrides"` // intent types
}

// RankingConfig controla el HARD_EXIT.
type RankingConfig struct {
	CostOverrideMultiplier float64  `yaml:"cost_override_multiplier"`
	ConfidenceGate         *float64 `yaml:"confidence_gate"` // 0 = sin gate
	PnLTolerance           *float64 `yaml:"pnl_tolerance"`   // 0 = comparación exacta
}

// RangeConfig es un rango [min, max] en % del bruto LT.
type RangeConfig struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// BandConfig controla el band-drift LT.
type BandConfig struct {
	LongRange         RangeConfig `yaml:"long_pct_range"`
	ShortRange        RangeConfig `yaml:"short_pct_range"`
	ToleranceDays     *int        `yaml:"tolerance_days"`
	CorrectiveSizePct float64     `yaml:"corrective_intent_size_pct"`
	MaxGrossPct       float64     `yaml:"max_gross_pct"`
}

// SessionConfig define la sesión regular y el heartbeat.
type SessionConfig struct {
	Timezone        string `yaml:"timezone"`
	Open            string `yaml:"open"`  // HH:MM local
	Close           string `yaml:"close"` // HH:MM local
	HeartbeatMs     int    `yaml:"heartbeat_ms"`
	StateTTLSeconds int    `yaml:"state_ttl_seconds"`
}

// LedgerConfig controla los reintentos de escritura del ledger LT.
type LedgerConfig struct {
	MaxRetries  int `yaml:"max_retries"`
	RetryWaitMs int `yaml:"retry_wait_ms"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// RedisConfig: Addr vacío = bus en proceso.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	MaxLen    int64  `yaml:"stream_max_len"`
}

// MetricsConfig: Addr vacío = sin endpoint /metrics.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// FixtureConfig apunta al libro YAML que hace de broker.
type FixtureConfig struct {
	Book string `yaml:"book"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Claves desconocidas son error.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodifica, aplica env y defaults, y valida.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CycleInterval devuelve el intervalo del ciclo como time.Duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Engine.IntervalSeconds) * time.Second
}

// Location carga la zona horaria de la sesión.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Session.Timezone)
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PREFBOT_ACCOUNT"); v != "" {
		cfg.Engine.Account = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.IntervalSeconds <= 0 {
		e.IntervalSeconds = 30
	}
	if e.MaxInFlight <= 0 {
		e.MaxInFlight = 2
	}
	if e.SplitThreshold <= 0 {
		e.SplitThreshold = 1000
	}
	if e.MaxChild <= 0 {
		e.MaxChild = 500
	}
	if e.MinChild <= 0 {
		e.MinChild = 200
	}
	if e.GoodnessScale <= 0 {
		e.GoodnessScale = 1000
	}

	// Sección intent vacía: curva completa por defecto. Asoft = 0 es válido,
	// así que sólo se rellena si no vino nada.
	if cfg.Intent == (IntentConfig{}) {
		cfg.Intent = IntentConfig{HardThresholdPct: 100, SoftRatioNum: 3, SoftRatioDen: 4, Amax: 100, Asoft: 30}
	}
	in := &cfg.Intent
	for _, f := range []*float64{&in.Pn, &in.Q, &in.Ps, &in.Alpha} {
		if *f == 0 {
			*f = 1
		}
	}
	if in.Beta == 0 {
		in.Beta = 2
	}

	l := &cfg.Liquidity
	if l.MinLot == 0 {
		l.MinLot = 200
	}
	if l.ScaleFactor == 0 {
		l.ScaleFactor = 10
	}
	if l.MMMaxCap == 0 {
		l.MMMaxCap = 2000
	}
	if l.NearCloseMinutes == nil {
		minutes := 15.0
		l.NearCloseMinutes = &minutes
	}
	if l.AllowNearCloseResidual == nil {
		allow := true
		l.AllowNearCloseResidual = &allow
	}
	if l.ResidualOverrides == nil {
		l.ResidualOverrides = []string{"HARD_DERISK"}
	}

	r := &cfg.Ranking
	if r.CostOverrideMultiplier == 0 {
		r.CostOverrideMultiplier = 1.8
	}
	if r.ConfidenceGate == nil {
		gate := 0.5
		r.ConfidenceGate = &gate
	}
	if r.PnLTolerance == nil {
		tol := 1.0
		r.PnLTolerance = &tol
	}

	b := &cfg.Band
	if b.LongRange == (RangeConfig{}) {
		b.LongRange = RangeConfig{Min: 60, Max: 100}
	}
	if b.ShortRange == (RangeConfig{}) {
		b.ShortRange = RangeConfig{Min: 0, Max: 40}
	}
	if b.ToleranceDays == nil {
		days := 2
		b.ToleranceDays = &days
	}
	if b.CorrectiveSizePct == 0 {
		b.CorrectiveSizePct = 2
	}
	if b.MaxGrossPct == 0 {
		b.MaxGrossPct = 130
	}

	s := &cfg.Session
	if s.Timezone == "" {
		s.Timezone = "America/New_York"
	}
	if s.Open == "" {
		s.Open = "09:30"
	}
	if s.Close == "" {
		s.Close = "16:00"
	}
	if s.HeartbeatMs <= 0 {
		s.HeartbeatMs = 1000
	}
	if s.StateTTLSeconds <= 0 {
		s.StateTTLSeconds = 5
	}

	if cfg.Ledger.MaxRetries == 0 {
		cfg.Ledger.MaxRetries = 3
	}
	if cfg.Ledger.RetryWaitMs <= 0 {
		cfg.Ledger.RetryWaitMs = 100
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "prefbot.db"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "prefbot:"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

var intentTypes = []string{"CHURN", "SOFT_DERISK", "HARD_DERISK", "BAND_CORRECTIVE"}

// Validate devuelve todos los problemas a la vez.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	e := c.Engine
	if e.Account == "" {
		fail("engine.account: required (or PREFBOT_ACCOUNT)")
	}
	if e.Workers < 0 {
		fail("engine.workers: %d < 0", e.Workers)
	}
	if e.MaxOrdersPerCycle < 0 {
		fail("engine.max_orders_per_cycle: %d < 0", e.MaxOrdersPerCycle)
	}
	if e.MinChild < 200 || e.MinChild%100 != 0 {
		fail("engine.min_child: %d must be a round lot >= 200", e.MinChild)
	}
	if e.MaxChild < e.MinChild {
		fail("engine.max_child: %d < min_child %d", e.MaxChild, e.MinChild)
	}
	if e.MaxChild%100 != 0 {
		fail("engine.max_child: %d must be a round lot", e.MaxChild)
	}
	if e.ChildDelayMs < 0 {
		fail("engine.child_delay_ms: %d < 0", e.ChildDelayMs)
	}

	in := c.Intent
	if in.HardThresholdPct <= 0 {
		fail("intent.hard_threshold_pct: %v must be > 0", in.HardThresholdPct)
	}
	if in.SoftRatioDen <= 0 || in.SoftRatioNum <= 0 || in.SoftRatioNum >= in.SoftRatioDen {
		fail("intent.soft_ratio: %v/%v must be in (0, 1)", in.SoftRatioNum, in.SoftRatioDen)
	}
	if in.Asoft < 0 || in.Asoft > in.Amax || in.Amax > 100 {
		fail("intent: need 0 <= asoft (%v) <= amax (%v) <= 100", in.Asoft, in.Amax)
	}
	if in.Pn <= 0 || in.Q <= 0 || in.Ps <= 0 {
		fail("intent: pn, q, ps must be > 0")
	}
	if in.Alpha < 0 || in.Beta < 0 {
		fail("intent: alpha, beta must be >= 0")
	}

	l := c.Liquidity
	if l.MinLot < 200 || l.MinLot%100 != 0 {
		fail("liquidity.min_lot: %d must be a round lot >= 200", l.MinLot)
	}
	if l.ScaleFactor <= 0 {
		fail("liquidity.scale_factor: %v must be > 0", l.ScaleFactor)
	}
	if l.LTMaxCap != nil && *l.LTMaxCap <= 0 {
		fail("liquidity.lt_max_cap: %d must be > 0 or null", *l.LTMaxCap)
	}
	if l.MMMaxCap <= 0 {
		fail("liquidity.mm_max_cap: %d must be > 0", l.MMMaxCap)
	}
	if l.NearCloseMinutes != nil && *l.NearCloseMinutes < 0 {
		fail("liquidity.near_close_minutes: %v < 0", *l.NearCloseMinutes)
	}
	for _, t := range l.ResidualOverrides {
		if !slices.Contains(intentTypes, t) {
			fail("liquidity.residual_overrides: unknown intent type %q", t)
		}
	}

	r := c.Ranking
	if r.CostOverrideMultiplier <= 0 {
		fail("ranking.cost_override_multiplier: %v must be > 0", r.CostOverrideMultiplier)
	}
	if g := r.ConfidenceGate; g != nil && (*g < 0 || *g > 1) {
		fail("ranking.confidence_gate: %v not in [0, 1]", *g)
	}
	if tol := r.PnLTolerance; tol != nil && *tol < 0 {
		fail("ranking.pnl_tolerance: %v < 0", *tol)
	}

	b := c.Band
	for name, rg := range map[string]RangeConfig{"long_pct_range": b.LongRange, "short_pct_range": b.ShortRange} {
		if rg.Min < 0 || rg.Max > 100 || rg.Min > rg.Max {
			fail("band.%s: [%v, %v] must satisfy 0 <= min <= max <= 100", name, rg.Min, rg.Max)
		}
	}
	if b.ToleranceDays != nil && *b.ToleranceDays < 0 {
		fail("band.tolerance_days: %d < 0", *b.ToleranceDays)
	}
	if b.CorrectiveSizePct <= 0 || b.CorrectiveSizePct > 100 {
		fail("band.corrective_intent_size_pct: %v not in (0, 100]", b.CorrectiveSizePct)
	}
	if b.MaxGrossPct <= 0 {
		fail("band.max_gross_pct: %v must be > 0", b.MaxGrossPct)
	}

	s := c.Session
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		fail("session.timezone: %w", err)
	}
	open, errO := time.Parse("15:04", s.Open)
	if errO != nil {
		fail("session.open: %w", errO)
	}
	closeAt, errC := time.Parse("15:04", s.Close)
	if errC != nil {
		fail("session.close: %w", errC)
	}
	if errO == nil && errC == nil && !open.Before(closeAt) {
		fail("session: open %s must be before close %s", s.Open, s.Close)
	}

	if c.Ledger.MaxRetries < 0 {
		fail("ledger.max_retries: %d < 0", c.Ledger.MaxRetries)
	}
	if c.Redis.MaxLen < 0 {
		fail("redis.stream_max_len: %d < 0", c.Redis.MaxLen)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		fail("log.level: unknown %q", c.Log.Level)
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		fail("log.format: unknown %q", c.Log.Format)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	return nil
}
