package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cron        CronConfig        `mapstructure:"cron"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	DataAPI     DataAPIConfig     `mapstructure:"dataapi"`
	Gamma       GammaConfig       `mapstructure:"gamma"`
	Clob        ClobConfig        `mapstructure:"clob"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Markets     MarketsConfig     `mapstructure:"markets"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Geo         GeoConfig         `mapstructure:"geo"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	// Driver selects the store backend: "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces lock and cache keys.
	Prefix string `mapstructure:"prefix"`
}

type CronConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	LeaderboardSync string `mapstructure:"leaderboard_sync"`
	MarketSync      string `mapstructure:"market_sync"`
	ScoreRecompute  string `mapstructure:"score_recompute"`
	SmartDiscovery  string `mapstructure:"smart_discovery"`
	MultiOutcome    string `mapstructure:"multi_outcome"`
	PinnedRefresh   string `mapstructure:"pinned_refresh"`
}

type JobsConfig struct {
	Queues       map[string]int `mapstructure:"queues"`
	MaxAttempts  int            `mapstructure:"max_attempts"`
	RetryBackoff time.Duration  `mapstructure:"retry_backoff"`
	JobTimeout   time.Duration  `mapstructure:"job_timeout"`
	LockTTL      time.Duration  `mapstructure:"lock_ttl"`
	GateMaxAge   time.Duration  `mapstructure:"gate_max_age"`
	Startup      StartupConfig  `mapstructure:"startup"`
}

type StartupConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DiscoveryDelay time.Duration `mapstructure:"discovery_delay"`
	AnalysisDelay  time.Duration `mapstructure:"analysis_delay"`
}

type DataAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type GammaConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ClobConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MulticallAddress   string        `mapstructure:"multicall_address"`
	CTFAddress         string        `mapstructure:"ctf_address"`
	MulticallBatchSize int           `mapstructure:"multicall_batch_size"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

type LeaderboardConfig struct {
	Period     string `mapstructure:"period"`
	TotalLimit int    `mapstructure:"total_limit"`
	PageSize   int    `mapstructure:"page_size"`
}

type MarketsConfig struct {
	PageSize         int           `mapstructure:"page_size"`
	MaxPages         int           `mapstructure:"max_pages"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	PinnedEventSlugs []string      `mapstructure:"pinned_event_slugs"`
}

type DiscoveryConfig struct {
	MaxTraders       int           `mapstructure:"max_traders"`
	Concurrency      int           `mapstructure:"concurrency"`
	MinPositionValue float64       `mapstructure:"min_position_value"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	TopTraders       int           `mapstructure:"top_traders"`
	PositionCacheTTL time.Duration `mapstructure:"position_cache_ttl"`
}

type AnalysisConfig struct {
	MaxEvents  int `mapstructure:"max_events"`
	MaxTraders int `mapstructure:"max_traders"`
}

type GeoConfig struct {
	DatasetPath string `mapstructure:"dataset_path"`
}

func Load(path string, envOnly bool) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "smartmoney")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.leaderboard_sync", "0 */5 * * * *")
	v.SetDefault("cron.market_sync", "0 */15 * * * *")
	v.SetDefault("cron.score_recompute", "0 */30 * * * *")
	v.SetDefault("cron.smart_discovery", "0 */30 * * * *")
	v.SetDefault("cron.multi_outcome", "0 0 * * * *")
	v.SetDefault("cron.pinned_refresh", "0 0 3 * * *")

	v.SetDefault("jobs.queues", map[string]int{"ingest": 1, "analysis": 2})
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.retry_backoff", "1m")
	v.SetDefault("jobs.job_timeout", "20m")
	v.SetDefault("jobs.lock_ttl", "30m")
	v.SetDefault("jobs.gate_max_age", "2h")
	v.SetDefault("jobs.startup.enabled", true)
	v.SetDefault("jobs.startup.discovery_delay", "5m")
	v.SetDefault("jobs.startup.analysis_delay", "15m")

	v.SetDefault("dataapi.base_url", "https://data-api.polymarket.com")
	v.SetDefault("dataapi.timeout", "15s")
	v.SetDefault("dataapi.rps", 2.0)
	v.SetDefault("dataapi.burst", 1)
	v.SetDefault("dataapi.max_retries", 2)
	v.SetDefault("gamma.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("gamma.timeout", "15s")
	v.SetDefault("clob.base_url", "https://clob.polymarket.com")
	v.SetDefault("clob.timeout", "10s")

	v.SetDefault("chain.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("chain.timeout", "30s")
	v.SetDefault("chain.multicall_address", "0xcA11bde05977b3631167028862bE2a173976CA11")
	v.SetDefault("chain.ctf_address", "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045")
	v.SetDefault("chain.multicall_batch_size", 500)
	v.SetDefault("chain.breaker_failures", 3)
	v.SetDefault("chain.breaker_timeout", "2m")

	v.SetDefault("leaderboard.period", "week")
	v.SetDefault("leaderboard.total_limit", 1000)
	v.SetDefault("leaderboard.page_size", 50)

	v.SetDefault("markets.page_size", 100)
	v.SetDefault("markets.max_pages", 5)
	v.SetDefault("markets.stale_after", "1h")
	v.SetDefault("markets.pinned_event_slugs", []string{})

	v.SetDefault("discovery.max_traders", 150)
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.min_position_value", 50.0)
	v.SetDefault("discovery.freshness_window", "48h")
	v.SetDefault("discovery.top_traders", 10)
	v.SetDefault("discovery.position_cache_ttl", "3h")

	v.SetDefault("analysis.max_events", 10)
	v.SetDefault("analysis.max_traders", 200)

	v.SetDefault("geo.dataset_path", "")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
