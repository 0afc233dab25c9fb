package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeAuto       = "auto"
	ModeBundle     = "bundle"
	ModeSequential = "sequential"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	RPC       RPCConfig       `yaml:"rpc"`
	Jito      JitoConfig      `yaml:"jito"`
	Jupiter   JupiterConfig   `yaml:"jupiter"`
	Drift     DriftConfig     `yaml:"drift"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Execution ExecutionConfig `yaml:"execution"`
	Safety    SafetyConfig    `yaml:"safety"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type RPCConfig struct {
	HTTPURL        string        `yaml:"http_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type JitoConfig struct {
	Region  string        `yaml:"region"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type JupiterConfig struct {
	BaseURL  string        `yaml:"base_url"`
	PriceURL string        `yaml:"price_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

type DriftConfig struct {
	ProgramID  string  `yaml:"program_id"`
	Market     string  `yaml:"market"`
	SubAccount uint16  `yaml:"sub_account"`
	PerpFeeBps float64 `yaml:"perp_fee_bps"`

	// SizeDecimals is the base-size step of the market (0.01 SOL).
	SizeDecimals int32 `yaml:"size_decimals"`
}

type WalletConfig struct {
	// PrivateKey is base58; normally supplied via DN_WALLET_PRIVATE_KEY.
	PrivateKey string `yaml:"private_key"`
}

type StrategyConfig struct {
	SpotMint             string        `yaml:"spot_mint"`
	QuoteMint            string        `yaml:"quote_mint"`
	SpotDecimals         int32         `yaml:"spot_decimals"`
	QuoteDecimals        int32         `yaml:"quote_decimals"`
	NotionalUSD          float64       `yaml:"notional_usd"`
	Leverage             float64       `yaml:"leverage"`
	HedgeRatio           float64       `yaml:"hedge_ratio"`
	MinFundingRateHourly float64       `yaml:"min_funding_rate_hourly"`
	MinHedgeUSD          float64       `yaml:"min_hedge_usd"`
	HedgeCooldown        time.Duration `yaml:"hedge_cooldown"`
	// OpenOnStart enables the funding entry loop. Off unless set.
	OpenOnStart          bool          `yaml:"open_on_start"`
}

type MonitorConfig struct {
	Interval             time.Duration `yaml:"interval"`
	DriftThresholdPct    float64       `yaml:"drift_threshold_pct"`
	MinSignalInterval    time.Duration `yaml:"min_signal_interval"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
}

type ExecutionConfig struct {
	Mode                  string        `yaml:"mode"`
	TipLamports           uint64        `yaml:"tip_lamports"`
	MaxTipLamports        uint64        `yaml:"max_tip_lamports"`
	ComputeUnits          uint32        `yaml:"compute_units"`
	PriorityFeeMicroLamps uint64        `yaml:"priority_fee_micro_lamports"`
	SlippageBps           int           `yaml:"slippage_bps"`
	EmergencySlippageBps  int           `yaml:"emergency_slippage_bps"`
	MaxInstructions       int           `yaml:"max_instructions"`
	ConfirmTimeout        time.Duration `yaml:"confirm_timeout"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	BlockhashMaxAge       time.Duration `yaml:"blockhash_max_age"`
	MaxRoundTrip          time.Duration `yaml:"max_round_trip"`
	DegradedAfterFailures int           `yaml:"degraded_after_failures"`
	PerpAttempts          int           `yaml:"perp_attempts"`
	PerpRetryDelay        time.Duration `yaml:"perp_retry_delay"`
}

type SafetyConfig struct {
	MaxFeeUSD           float64       `yaml:"max_fee_usd"`
	MinProfitRatio      float64       `yaml:"min_profit_ratio"`
	ProfitHorizon       time.Duration `yaml:"profit_horizon"`
	MaxPriceAge         time.Duration `yaml:"max_price_age"`
	MaxSlotAge          time.Duration `yaml:"max_slot_age"`
	MaxRPCLatency       time.Duration `yaml:"max_rpc_latency"`
	MinGasSOL           float64       `yaml:"min_gas_sol"`
	MinQuoteReserveUSD  float64       `yaml:"min_quote_reserve_usd"`
	MaxPositionUSD      float64       `yaml:"max_position_usd"`
	SwapFeeBps          float64       `yaml:"swap_fee_bps"`
	ExpectedSlippageBps float64       `yaml:"expected_slippage_bps"`
	BaseFeeLamports     uint64        `yaml:"base_fee_lamports"`
}

type RecoveryConfig struct {
	DustThreshold     float64 `yaml:"dust_threshold"`
	ExposureTolerance float64 `yaml:"exposure_tolerance"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DSN       string        `yaml:"dsn"`
	Schema    string        `yaml:"schema"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`

	// Operator commands are opt-in and need telegram.enabled.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if cfg.RPC.HTTPURL == "" {
		cfg.RPC.HTTPURL = "https://api.mainnet-beta.solana.com"
	}
	if cfg.RPC.WSURL == "" {
		cfg.RPC.WSURL = deriveWSURL(cfg.RPC.HTTPURL)
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = 10 * time.Second
	}
	if cfg.RPC.ReconnectDelay == 0 {
		cfg.RPC.ReconnectDelay = 3 * time.Second
	}
	if cfg.RPC.PingInterval == 0 {
		cfg.RPC.PingInterval = 30 * time.Second
	}
	if cfg.Jito.Region == "" && cfg.Jito.BaseURL == "" {
		cfg.Jito.Region = "mainnet"
	}
	if cfg.Jito.Timeout == 0 {
		cfg.Jito.Timeout = 10 * time.Second
	}
	if cfg.Jupiter.BaseURL == "" {
		cfg.Jupiter.BaseURL = "https://lite-api.jup.ag/swap/v1"
	}
	if cfg.Jupiter.PriceURL == "" {
		cfg.Jupiter.PriceURL = "https://lite-api.jup.ag/price/v2"
	}
	if cfg.Jupiter.Timeout == 0 {
		cfg.Jupiter.Timeout = 10 * time.Second
	}
	if cfg.Drift.ProgramID == "" {
		cfg.Drift.ProgramID = "dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH"
	}
	if cfg.Drift.Market == "" {
		cfg.Drift.Market = "SOL-PERP"
	}
	if cfg.Drift.PerpFeeBps == 0 {
		cfg.Drift.PerpFeeBps = 2
	}
	if cfg.Drift.SizeDecimals == 0 {
		cfg.Drift.SizeDecimals = 2
	}
	if cfg.Strategy.SpotMint == "" {
		cfg.Strategy.SpotMint = "So11111111111111111111111111111111111111112"
	}
	if cfg.Strategy.QuoteMint == "" {
		cfg.Strategy.QuoteMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	}
	if cfg.Strategy.SpotDecimals == 0 {
		cfg.Strategy.SpotDecimals = 9
	}
	if cfg.Strategy.QuoteDecimals == 0 {
		cfg.Strategy.QuoteDecimals = 6
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 1
	}
	if cfg.Strategy.HedgeRatio == 0 {
		cfg.Strategy.HedgeRatio = 1
	}
	if cfg.Strategy.HedgeCooldown == 0 {
		cfg.Strategy.HedgeCooldown = 5 * time.Minute
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = time.Second
	}
	if cfg.Monitor.DriftThresholdPct == 0 {
		cfg.Monitor.DriftThresholdPct = 0.5
	}
	if cfg.Monitor.MinSignalInterval == 0 {
		cfg.Monitor.MinSignalInterval = time.Minute
	}
	if cfg.Monitor.MaxConsecutiveErrors == 0 {
		cfg.Monitor.MaxConsecutiveErrors = 3
	}
	if cfg.Execution.Mode == "" {
		cfg.Execution.Mode = ModeAuto
	}
	if cfg.Execution.TipLamports == 0 {
		cfg.Execution.TipLamports = 50_000
	}
	if cfg.Execution.MaxTipLamports == 0 {
		cfg.Execution.MaxTipLamports = 200_000
	}
	if cfg.Execution.ComputeUnits == 0 {
		cfg.Execution.ComputeUnits = 400_000
	}
	if cfg.Execution.PriorityFeeMicroLamps == 0 {
		cfg.Execution.PriorityFeeMicroLamps = 1_000
	}
	if cfg.Execution.SlippageBps == 0 {
		cfg.Execution.SlippageBps = 50
	}
	if cfg.Execution.EmergencySlippageBps == 0 {
		cfg.Execution.EmergencySlippageBps = 500
	}
	if cfg.Execution.MaxInstructions == 0 {
		cfg.Execution.MaxInstructions = 20
	}
	if cfg.Execution.ConfirmTimeout == 0 {
		cfg.Execution.ConfirmTimeout = 30 * time.Second
	}
	if cfg.Execution.PollInterval == 0 {
		cfg.Execution.PollInterval = 500 * time.Millisecond
	}
	if cfg.Execution.BlockhashMaxAge == 0 {
		cfg.Execution.BlockhashMaxAge = 5 * time.Second
	}
	if cfg.Execution.MaxRoundTrip == 0 {
		cfg.Execution.MaxRoundTrip = 3 * time.Second
	}
	if cfg.Execution.DegradedAfterFailures == 0 {
		cfg.Execution.DegradedAfterFailures = 3
	}
	if cfg.Execution.PerpAttempts == 0 {
		cfg.Execution.PerpAttempts = 3
	}
	if cfg.Execution.PerpRetryDelay == 0 {
		cfg.Execution.PerpRetryDelay = time.Second
	}
	if cfg.Safety.MaxFeeUSD == 0 {
		cfg.Safety.MaxFeeUSD = 0.05
	}
	if cfg.Safety.ProfitHorizon == 0 {
		cfg.Safety.ProfitHorizon = 24 * time.Hour
	}
	if cfg.Safety.MaxPriceAge == 0 {
		cfg.Safety.MaxPriceAge = 10 * time.Second
	}
	if cfg.Safety.MaxSlotAge == 0 {
		cfg.Safety.MaxSlotAge = 5 * time.Second
	}
	if cfg.Safety.MaxRPCLatency == 0 {
		cfg.Safety.MaxRPCLatency = 300 * time.Millisecond
	}
	if cfg.Safety.MinGasSOL == 0 {
		cfg.Safety.MinGasSOL = 0.02
	}
	if cfg.Safety.MinQuoteReserveUSD == 0 {
		cfg.Safety.MinQuoteReserveUSD = 0.5
	}
	if cfg.Safety.MaxPositionUSD == 0 {
		cfg.Safety.MaxPositionUSD = 100
	}
	if cfg.Safety.SwapFeeBps == 0 {
		cfg.Safety.SwapFeeBps = 10
	}
	if cfg.Safety.ExpectedSlippageBps == 0 {
		cfg.Safety.ExpectedSlippageBps = 5
	}
	if cfg.Safety.BaseFeeLamports == 0 {
		cfg.Safety.BaseFeeLamports = 5_000
	}
	if cfg.Recovery.DustThreshold == 0 {
		cfg.Recovery.DustThreshold = 0.001
	}
	if cfg.Recovery.ExposureTolerance == 0 {
		cfg.Recovery.ExposureTolerance = 0.01
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-hedge-bot.db"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Timescale.Timeout == 0 {
		cfg.Timescale.Timeout = 5 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval <= 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DN_WALLET_PRIVATE_KEY")); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DN_RPC_URL")); v != "" {
		cfg.RPC.HTTPURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func deriveWSURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.NotionalUSD < 0 {
		return errors.New("strategy.notional_usd must be >= 0")
	}
	if cfg.Strategy.Leverage < 1 {
		return errors.New("strategy.leverage must be >= 1")
	}
	if cfg.Strategy.HedgeRatio <= 0 || cfg.Strategy.HedgeRatio > 1 {
		return errors.New("strategy.hedge_ratio must be in (0, 1]")
	}
	if cfg.Safety.MaxPositionUSD > 0 && cfg.Strategy.NotionalUSD > cfg.Safety.MaxPositionUSD {
		return errors.New("strategy.notional_usd exceeds safety.max_position_usd")
	}
	if cfg.Monitor.Interval < 0 || cfg.Monitor.MinSignalInterval < 0 {
		return errors.New("monitor intervals must be >= 0")
	}
	if cfg.Monitor.DriftThresholdPct < 0 {
		return errors.New("monitor.drift_threshold_pct must be >= 0")
	}
	switch cfg.Execution.Mode {
	case ModeAuto, ModeBundle, ModeSequential:
	default:
		return fmt.Errorf("execution.mode %q must be one of auto, bundle, sequential", cfg.Execution.Mode)
	}
	if cfg.Execution.TipLamports > cfg.Execution.MaxTipLamports {
		return errors.New("execution.tip_lamports exceeds execution.max_tip_lamports")
	}
	if cfg.Execution.SlippageBps < 0 || cfg.Execution.EmergencySlippageBps < cfg.Execution.SlippageBps {
		return errors.New("execution.emergency_slippage_bps must be >= execution.slippage_bps >= 0")
	}
	if cfg.Execution.PerpAttempts < 1 {
		return errors.New("execution.perp_attempts must be >= 1")
	}
	if cfg.Execution.PollInterval > cfg.Execution.ConfirmTimeout {
		return errors.New("execution.poll_interval exceeds execution.confirm_timeout")
	}
	if cfg.Safety.MaxFeeUSD < 0 || cfg.Safety.MinGasSOL < 0 || cfg.Safety.MinQuoteReserveUSD < 0 {
		return errors.New("safety limits must be >= 0")
	}
	if cfg.Safety.MaxPriceAge < 0 || cfg.Safety.MaxSlotAge < 0 || cfg.Safety.MaxRPCLatency < 0 {
		return errors.New("safety ages must be >= 0")
	}
	if cfg.Recovery.DustThreshold < 0 || cfg.Recovery.ExposureTolerance < 0 {
		return errors.New("recovery thresholds must be >= 0")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}
