package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cron      CronConfig      `mapstructure:"cron"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Contest   ContestConfig   `mapstructure:"contest"`
	Poll      PollConfig      `mapstructure:"poll"`
	Staking   StakingConfig   `mapstructure:"staking"`
	Points    PointsConfig    `mapstructure:"points"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	PaaS      PaaSConfig      `mapstructure:"paas"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string        `mapstructure:"level"`
	Encoding          string        `mapstructure:"encoding"`
	Development       bool          `mapstructure:"development"`
	Sampling          bool          `mapstructure:"sampling"`
	DisableCaller     bool          `mapstructure:"disable_caller"`
	DisableStacktrace bool          `mapstructure:"disable_stacktrace"`
	File              LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotated file sink next to stdout. Empty Path disables it.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ContestFinalize  string `mapstructure:"contest_finalize"`
	PollResolve      string `mapstructure:"poll_resolve"`
	PriceRefresh     string `mapstructure:"price_refresh"`
	StakingAccrual   string `mapstructure:"staking_accrual"`
	DepositScan      string `mapstructure:"deposit_scan"`
	PayoutReconcile  string `mapstructure:"payout_reconcile"`
	PointsDistribute string `mapstructure:"points_distribute"`
}

type LedgerConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	TokenAddress   string        `mapstructure:"token_address"`
	TokenDecimals  int32         `mapstructure:"token_decimals"`
	WrappedAddress string        `mapstructure:"wrapped_address"`
	HoldingKey     string        `mapstructure:"holding_key"`
	GasLimitNative uint64        `mapstructure:"gas_limit_native"`
	GasLimitToken  uint64        `mapstructure:"gas_limit_token"`
	MinTipGwei     int64         `mapstructure:"min_tip_gwei"`
	BumpPercent    int64         `mapstructure:"bump_percent"`
	MaxFeeBumps    int           `mapstructure:"max_fee_bumps"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
}

type ContestConfig struct {
	Duration        time.Duration    `mapstructure:"duration"`
	Cooldown        time.Duration    `mapstructure:"cooldown"`
	MinSampleSize   int              `mapstructure:"min_sample_size"`
	MinSuccessRate  float64          `mapstructure:"min_success_rate"`
	MaxSuccessRate  float64          `mapstructure:"max_success_rate"`
	MaxCandidates   int              `mapstructure:"max_candidates"`
	WinnerShare     float64          `mapstructure:"winner_share"`
	VoterShare      float64          `mapstructure:"voter_share"`
	PlaceShares     []float64        `mapstructure:"place_shares"`
	DefaultPoolSize float64          `mapstructure:"default_pool_size"`
	SpamFilter      SpamFilterConfig `mapstructure:"spam_filter"`
}

type SpamFilterConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	WindowDays   int  `mapstructure:"window_days"`
	TradesPerDay int  `mapstructure:"trades_per_day"`
	MaxBusyDays  int  `mapstructure:"max_busy_days"`
}

type PollConfig struct {
	Duration           time.Duration `mapstructure:"duration"`
	Categories         int           `mapstructure:"categories"`
	GuessPoolFraction  float64       `mapstructure:"guess_pool_fraction"`
	RefreshParallelism int           `mapstructure:"refresh_parallelism"`
}

type StakingConfig struct {
	StakeUSD      float64       `mapstructure:"stake_usd"`
	FeeUSD        float64       `mapstructure:"fee_usd"`
	FeeRate       float64       `mapstructure:"fee_rate"`
	LockPeriod    time.Duration `mapstructure:"lock_period"`
	RewardPerTick float64       `mapstructure:"reward_per_tick"`
	ClaimCooldown time.Duration `mapstructure:"claim_cooldown"`
	FeeAddress    string        `mapstructure:"fee_address"`
	MinDepositUSD float64       `mapstructure:"min_deposit_usd"`
	ScanBlocks    uint64        `mapstructure:"scan_blocks"`
}

type PointsConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	DefaultPoolSize float64 `mapstructure:"default_pool_size"`
}

type PriceFeedConfig struct {
	TickerEndpoint     string        `mapstructure:"ticker_endpoint"`
	DexScreenerBaseURL string        `mapstructure:"dexscreener_base_url"`
	Chain              string        `mapstructure:"chain"`
	PairAddress        string        `mapstructure:"pair_address"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RatePerSecond      float64       `mapstructure:"rate_per_second"`
	StreamURL          string        `mapstructure:"stream_url"`
	StreamMaxAge       time.Duration `mapstructure:"stream_max_age"`
}

type PaaSConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Agent   string `mapstructure:"agent"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 14)
	v.SetDefault("log.file.compress", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.contest_finalize", "@every 5m")
	v.SetDefault("cron.poll_resolve", "@every 2m")
	v.SetDefault("cron.price_refresh", "@every 2m")
	v.SetDefault("cron.staking_accrual", "@every 168h")
	v.SetDefault("cron.deposit_scan", "@every 1m")
	v.SetDefault("cron.payout_reconcile", "@every 5m")
	v.SetDefault("cron.points_distribute", "0 0 0 * * MON")

	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.chain_id", 1)
	v.SetDefault("ledger.token_address", "")
	v.SetDefault("ledger.token_decimals", 18)
	v.SetDefault("ledger.wrapped_address", "")
	v.SetDefault("ledger.holding_key", "")
	v.SetDefault("ledger.gas_limit_native", 21000)
	v.SetDefault("ledger.gas_limit_token", 100000)
	v.SetDefault("ledger.min_tip_gwei", 2)
	v.SetDefault("ledger.bump_percent", 15)
	v.SetDefault("ledger.max_fee_bumps", 2)
	v.SetDefault("ledger.confirm_timeout", "180s")
	v.SetDefault("ledger.poll_interval", "3s")
	v.SetDefault("ledger.queue_size", 64)

	v.SetDefault("contest.duration", "168h")
	v.SetDefault("contest.cooldown", "720h")
	v.SetDefault("contest.min_sample_size", 10)
	v.SetDefault("contest.min_success_rate", 65)
	v.SetDefault("contest.max_success_rate", 90)
	v.SetDefault("contest.max_candidates", 15)
	v.SetDefault("contest.winner_share", 0.70)
	v.SetDefault("contest.voter_share", 0.30)
	v.SetDefault("contest.place_shares", []float64{0.35, 0.25, 0.20})
	v.SetDefault("contest.default_pool_size", 0)
	v.SetDefault("contest.spam_filter.enabled", true)
	v.SetDefault("contest.spam_filter.window_days", 7)
	v.SetDefault("contest.spam_filter.trades_per_day", 10)
	v.SetDefault("contest.spam_filter.max_busy_days", 2)

	v.SetDefault("poll.duration", "10m")
	v.SetDefault("poll.categories", 4)
	v.SetDefault("poll.guess_pool_fraction", 0.05)
	v.SetDefault("poll.refresh_parallelism", 4)

	v.SetDefault("staking.stake_usd", 25)
	v.SetDefault("staking.fee_usd", 1)
	v.SetDefault("staking.fee_rate", 0.01)
	v.SetDefault("staking.lock_period", "720h")
	v.SetDefault("staking.reward_per_tick", 0.5)
	v.SetDefault("staking.claim_cooldown", "168h")
	v.SetDefault("staking.fee_address", "")
	v.SetDefault("staking.min_deposit_usd", 25)
	v.SetDefault("staking.scan_blocks", 2000)

	v.SetDefault("points.enabled", false)
	v.SetDefault("points.default_pool_size", 0)

	v.SetDefault("price_feed.ticker_endpoint", "https://api.binance.com/api/v3/ticker/price?symbol=%s")
	v.SetDefault("price_feed.dexscreener_base_url", "https://api.dexscreener.com/latest/dex")
	v.SetDefault("price_feed.chain", "base")
	v.SetDefault("price_feed.pair_address", "")
	v.SetDefault("price_feed.timeout", "10s")
	v.SetDefault("price_feed.rate_per_second", 5)
	v.SetDefault("price_feed.stream_url", "")
	v.SetDefault("price_feed.stream_max_age", "30s")

	v.SetDefault("paas.base_url", "")
	v.SetDefault("paas.api_key", "")
	v.SetDefault("paas.agent", "rewardhub")
}
