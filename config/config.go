package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del maker.
type Config struct {
	Maker    MakerConfig    `yaml:"maker"`
	Feed     FeedConfig     `yaml:"feed"`
	Quote    QuoteConfig    `yaml:"quote"`
	Risk     RiskConfig     `yaml:"risk"`
	Executor ExecutorConfig `yaml:"executor"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
	Markets  []string       `yaml:"markets"` // condition IDs a operar
}

// MakerConfig controla el ciclo principal de quoting y arbitraje.
type MakerConfig struct {
	CycleIntervalSeconds int     `yaml:"cycle_interval_seconds"`
	FeeRateDefault       float64 `yaml:"fee_rate_default"` // default conservador si la API no devuelve fee
	BasketBudgetUSDC     float64 `yaml:"basket_budget_usdc"`
	ArbMinEdge           float64 `yaml:"arb_min_edge"` // gap mínimo tras fees para disparar un basket
	MarkoutSeconds       int     `yaml:"markout_seconds"`
	ImportTolerance      float64 `yaml:"import_tolerance"` // drift máximo cash esperado vs balance real
	BaseRiskAversion     float64 `yaml:"base_risk_aversion"`
	AversionCap          float64 `yaml:"aversion_cap"`
}

// FeedConfig controla el stream de market data y su reconexión.
type FeedConfig struct {
	BaseDelayMS     int `yaml:"base_delay_ms"` // backoff inicial de reconexión
	MaxDelaySeconds int `yaml:"max_delay_seconds"`
	LivenessMS      int `yaml:"liveness_ms"` // silencio máximo antes de sospechar gap
}

// QuoteConfig controla el cálculo de quotes.
type QuoteConfig struct {
	StaleMS        int     `yaml:"stale_ms"`
	BaseSpread     float64 `yaml:"base_spread"`
	MinHalfSpread  float64 `yaml:"min_half_spread"`
	InventoryWiden float64 `yaml:"inventory_widen"`
	BoundaryBand   float64 `yaml:"boundary_band"`
	BoundaryMult   float64 `yaml:"boundary_mult"`
	QuoteSize      float64 `yaml:"quote_size"`
}

// RiskConfig controla el kill switch y la monitorización.
type RiskConfig struct {
	MaxDrawdown        float64 `yaml:"max_drawdown"`
	FeedTimeoutSeconds int     `yaml:"feed_timeout_seconds"`
	MonitorSeconds     int     `yaml:"monitor_seconds"`
}

// ExecutorConfig controla la ejecución de baskets.
type ExecutorConfig struct {
	StaleMS             int     `yaml:"stale_ms"`
	DepthBuffer         float64 `yaml:"depth_buffer"`
	SlippageBound       float64 `yaml:"slippage_bound"`
	SubmitTimeoutMS     int     `yaml:"submit_timeout_ms"`
	PollIntervalMS      int     `yaml:"poll_interval_ms"`
	FillDeadlineSeconds int     `yaml:"fill_deadline_seconds"`
}

// APIConfig contiene los base URLs de las APIs.
type APIConfig struct {
	CLOBBase string `yaml:"clob_base"`
	WSBase   string `yaml:"ws_base"`
}

// StorageConfig controla dónde se persiste el estado.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Credentials son las claves L2 del CLOB. Vienen SOLO de variables de
// entorno; nunca del YAML.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
	PrivateKey string
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// LoadCredentials lee las credenciales del entorno (el .env ya está cargado
// si Load se llamó antes).
func LoadCredentials() Credentials {
	return Credentials{
		APIKey:     os.Getenv("POLY_API_KEY"),
		Secret:     os.Getenv("POLY_SECRET"),
		Passphrase: os.Getenv("POLY_PASSPHRASE"),
		PrivateKey: os.Getenv("POLY_PRIVATE_KEY"),
	}
}

// CycleInterval devuelve el intervalo del ciclo principal como Duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Maker.CycleIntervalSeconds) * time.Second
}

// MarkoutHorizon devuelve el horizonte de markout como Duration.
func (c *Config) MarkoutHorizon() time.Duration {
	return time.Duration(c.Maker.MarkoutSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CLOB_BASE"); v != "" {
		cfg.API.CLOBBase = v
	}
	if v := os.Getenv("WS_BASE"); v != "" {
		cfg.API.WSBase = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Maker.CycleIntervalSeconds <= 0 {
		cfg.Maker.CycleIntervalSeconds = 5
	}
	if cfg.Maker.FeeRateDefault <= 0 {
		cfg.Maker.FeeRateDefault = 0.02 // 2% default conservador
	}
	if cfg.Maker.BasketBudgetUSDC <= 0 {
		cfg.Maker.BasketBudgetUSDC = 100
	}
	if cfg.Maker.ArbMinEdge <= 0 {
		cfg.Maker.ArbMinEdge = 0.005
	}
	if cfg.Maker.MarkoutSeconds <= 0 {
		cfg.Maker.MarkoutSeconds = 5
	}
	if cfg.Maker.ImportTolerance <= 0 {
		cfg.Maker.ImportTolerance = 0.02
	}
	if cfg.Maker.BaseRiskAversion <= 0 {
		cfg.Maker.BaseRiskAversion = 0.05
	}
	if cfg.Maker.AversionCap <= 0 {
		cfg.Maker.AversionCap = 3.0
	}

	if cfg.Feed.BaseDelayMS <= 0 {
		cfg.Feed.BaseDelayMS = 1000
	}
	if cfg.Feed.MaxDelaySeconds <= 0 {
		cfg.Feed.MaxDelaySeconds = 60
	}
	if cfg.Feed.LivenessMS <= 0 {
		cfg.Feed.LivenessMS = 500
	}

	if cfg.Quote.StaleMS <= 0 {
		cfg.Quote.StaleMS = 2000
	}
	if cfg.Quote.BaseSpread <= 0 {
		cfg.Quote.BaseSpread = 0.02
	}
	if cfg.Quote.MinHalfSpread <= 0 {
		cfg.Quote.MinHalfSpread = 0.005
	}
	if cfg.Quote.InventoryWiden <= 0 {
		cfg.Quote.InventoryWiden = 0.0001
	}
	if cfg.Quote.BoundaryBand <= 0 {
		cfg.Quote.BoundaryBand = 0.10
	}
	if cfg.Quote.BoundaryMult <= 0 {
		cfg.Quote.BoundaryMult = 2.0
	}
	if cfg.Quote.QuoteSize <= 0 {
		cfg.Quote.QuoteSize = 50
	}

	if cfg.Risk.MaxDrawdown <= 0 {
		cfg.Risk.MaxDrawdown = 0.02
	}
	if cfg.Risk.FeedTimeoutSeconds <= 0 {
		cfg.Risk.FeedTimeoutSeconds = 30
	}
	if cfg.Risk.MonitorSeconds <= 0 {
		cfg.Risk.MonitorSeconds = 1
	}

	if cfg.Executor.StaleMS <= 0 {
		cfg.Executor.StaleMS = 2000
	}
	if cfg.Executor.DepthBuffer <= 0 {
		cfg.Executor.DepthBuffer = 1.2
	}
	if cfg.Executor.SlippageBound <= 0 {
		cfg.Executor.SlippageBound = 0.05
	}
	if cfg.Executor.SubmitTimeoutMS <= 0 {
		cfg.Executor.SubmitTimeoutMS = 5000
	}
	if cfg.Executor.PollIntervalMS <= 0 {
		cfg.Executor.PollIntervalMS = 500
	}
	if cfg.Executor.FillDeadlineSeconds <= 0 {
		cfg.Executor.FillDeadlineSeconds = 30
	}

	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.WSBase == "" {
		cfg.API.WSBase = "wss://ws-subscriptions-clob.polymarket.com/ws"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polymaker.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
