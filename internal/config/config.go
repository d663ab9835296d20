package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // contest.timezone must resolve in minimal containers

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"gaswatcher/internal/logging"
)

// Store drivers understood by StoreConfig.Driver.
const (
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
	DriverMemory    = "memory"
)

// Known provider adapter names, grouped by metric kind.
var (
	GasProviders   = []string{"etherscan", "gasstation", "blocknative", "rpc"}
	PriceProviders = []string{"coingecko", "coinbase", "binance"}
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Contest   ContestConfig   `mapstructure:"contest"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver    string          `mapstructure:"driver"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

// FirestoreConfig 描述 Firestore 连接参数。
type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// RedisConfig enables the notification dedup marker.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs both job cadences.
type SchedulerConfig struct {
	Alerts      JobConfig `mapstructure:"alerts"`
	Predictions JobConfig `mapstructure:"predictions"`
}

// JobConfig describes one periodic trigger.
type JobConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// FetcherConfig covers every upstream metric provider.
type FetcherConfig struct {
	Timeout        time.Duration     `mapstructure:"timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	GasProviders   []string          `mapstructure:"gas_providers"`
	PriceProviders []string          `mapstructure:"price_providers"`
	Breaker        BreakerConfig     `mapstructure:"breaker"`
	Etherscan      EtherscanConfig   `mapstructure:"etherscan"`
	GasStation     EndpointConfig    `mapstructure:"gasstation"`
	Blocknative    BlocknativeConfig `mapstructure:"blocknative"`
	RPC            RPCConfig         `mapstructure:"rpc"`
	CoinGecko      CoinGeckoConfig   `mapstructure:"coingecko"`
	Coinbase       CoinbaseConfig    `mapstructure:"coinbase"`
	Binance        BinanceConfig     `mapstructure:"binance"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// EndpointConfig is a provider reachable at a single base URL.
type EndpointConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// EtherscanConfig 描述 Etherscan gas oracle。
type EtherscanConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	ChainID int64  `mapstructure:"chain_id"`
}

// BlocknativeConfig describes the Blocknative gas platform.
type BlocknativeConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// RPCConfig covers on-chain gas access.
type RPCConfig struct {
	URL string `mapstructure:"url"`
}

// CoinGeckoConfig describes the CoinGecko simple price endpoint.
type CoinGeckoConfig struct {
	BaseURL string `mapstructure:"base_url"`
	CoinID  string `mapstructure:"coin_id"`
}

// CoinbaseConfig describes the Coinbase exchange-rates endpoint.
type CoinbaseConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Currency string `mapstructure:"currency"`
}

// BinanceConfig describes the Binance ticker endpoint.
type BinanceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Symbol  string `mapstructure:"symbol"`
}

// ContestConfig holds the daily prediction contest rules.
type ContestConfig struct {
	Timezone       string `mapstructure:"timezone"`
	Winners        int    `mapstructure:"winners"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures the admin HTTP listener.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	DefaultDays int `mapstructure:"default_days"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GASWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gaswatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("store.driver", DriverPostgres)

	v.SetDefault("redis.prefix", "gaswatcher")
	v.SetDefault("redis.ttl", "168h")

	v.SetDefault("scheduler.alerts.enabled", true)
	v.SetDefault("scheduler.alerts.interval", "5m")
	v.SetDefault("scheduler.alerts.align_to_bucket", true)
	v.SetDefault("scheduler.alerts.startup_delay", "0s")
	v.SetDefault("scheduler.alerts.advisory_lock_key", int64(0x67617331))
	v.SetDefault("scheduler.predictions.enabled", true)
	v.SetDefault("scheduler.predictions.interval", "24h")
	v.SetDefault("scheduler.predictions.align_to_bucket", true)
	v.SetDefault("scheduler.predictions.startup_delay", "0s")
	v.SetDefault("scheduler.predictions.advisory_lock_key", int64(0x67617332))

	v.SetDefault("fetcher.timeout", "10s")
	v.SetDefault("fetcher.user_agent", "gaswatcher/1.0")
	v.SetDefault("fetcher.gas_providers", []string{"etherscan", "gasstation", "blocknative"})
	v.SetDefault("fetcher.price_providers", []string{"coingecko", "coinbase", "binance"})
	v.SetDefault("fetcher.breaker.enabled", true)
	v.SetDefault("fetcher.breaker.failure_threshold", 3)
	v.SetDefault("fetcher.breaker.open_timeout", "2m")
	v.SetDefault("fetcher.etherscan.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("fetcher.etherscan.chain_id", 1)
	v.SetDefault("fetcher.gasstation.base_url", "https://gasstation.polygon.technology/v2")
	v.SetDefault("fetcher.blocknative.base_url", "https://api.blocknative.com/gasprices/blockprices")
	v.SetDefault("fetcher.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("fetcher.coingecko.coin_id", "ethereum")
	v.SetDefault("fetcher.coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("fetcher.coinbase.currency", "ETH")
	v.SetDefault("fetcher.binance.base_url", "https://api.binance.com")
	v.SetDefault("fetcher.binance.symbol", "ETHUSDT")

	v.SetDefault("contest.timezone", "UTC")
	v.SetDefault("contest.winners", 3)
	v.SetDefault("contest.max_concurrency", 8)

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("export.default_days", 30)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverMemory:
	case DriverFirestore:
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id 必须配置")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Scheduler.Alerts.Interval <= 0 {
		return fmt.Errorf("scheduler.alerts.interval must be greater than zero")
	}
	if c.Scheduler.Predictions.Interval <= 0 {
		return fmt.Errorf("scheduler.predictions.interval must be greater than zero")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be greater than zero")
	}
	if err := validateProviders("fetcher.gas_providers", c.Fetcher.GasProviders, GasProviders); err != nil {
		return err
	}
	if err := validateProviders("fetcher.price_providers", c.Fetcher.PriceProviders, PriceProviders); err != nil {
		return err
	}
	if _, err := c.Contest.Location(); err != nil {
		return fmt.Errorf("contest.timezone: %w", err)
	}
	if c.Contest.Winners < 1 {
		return fmt.Errorf("contest.winners must be at least 1")
	}
	if c.Contest.MaxConcurrency < 1 {
		return fmt.Errorf("contest.max_concurrency must be at least 1")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token 必须配置")
	}
	return nil
}

// Location resolves the contest timezone used for day boundaries.
func (c ContestConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ResolveExportDays returns either the CLI override or config default.
func (c *Config) ResolveExportDays(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.DefaultDays
}

func validateProviders(key string, names, known []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%s must list at least one provider", key)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if !contains(known, name) {
			return fmt.Errorf("%s: unknown provider %q", key, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s: provider %q listed twice", key, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
