// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/goodputbench/internal/execmode"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

// ErrConfiguration marks a configuration that violates an up-front invariant.
var ErrConfiguration = errors.New("configuration error")

// Config holds benchmark configuration shared by CLI and server modes.
type Config struct {
	NodeRPCURL string // JSON-RPC endpoint for goodput polling and block production
	PeerURL    string // WebSocket endpoint accepting raw peer messages
	Sessions   int    // Number of parallel peer sessions
	MsgID      byte   // Wire message id appended to every batch

	Window          uint64                // Admission slack in units
	PollInterval    time.Duration         // Spacing between goodput polls
	MaxPollFailures int                   // Consecutive poll failures tolerated (<=0 = unbounded)
	PhaseTimeout    time.Duration         // Upper bound on one Send+Wait phase (0 = none)
	SettleDelay     time.Duration         // Pause after warm-up when anything was sent
	Admission       types.AdmissionPolicy // Admission test used by the flow controller
	UnitSize        uint64                // Nominal units per batch (0 = from corpus header)
	StrictOvershoot bool                  // Fail when goodput passes the phase target
	MaxUnitsPerSec  int                   // Optional dispatch ceiling (0 = unlimited)

	DataDir string // Root of the pre-built corpus tree

	ExecMode         string           // Block production preset name
	NumTxs           int              // Overrides the preset's per-block tx cap when > 0
	BlockSizeLimit   int              // Per-block byte cap
	BlockInterval    time.Duration    // Overrides the preset spacing between block requests when > 0
	BlockJitter      bool             // Draw each block sleep from [0, 2*interval)
	BlocksPerTick    int              // Blocks requested per cadence tick
	BlockCallTimeout time.Duration    // Upper bound on one block production call
	Preset           *execmode.Preset // Resolved from ExecMode

	ListenAddr         string
	DatabasePath       string // Path to SQLite database file
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all
	LogLevel           string
	TraceExporter      string // "", "stdout" or "otlp"
	OTLPEndpoint       string
}

// CLIConfig holds settings for running a single round from the command line.
type CLIConfig struct {
	Token        types.Token
	Mode         types.WorkloadMode
	Accounts     int
	WarmupUnits  int
	MeasureUnits int
	ResultPath   string // Optional JSON file for the round result
}

// Request converts the CLI settings into an API start request.
func (c *CLIConfig) Request(execMode string) types.StartRoundRequest {
	return types.StartRoundRequest{
		Token:        c.Token,
		Mode:         c.Mode,
		Accounts:     c.Accounts,
		WarmupUnits:  c.WarmupUnits,
		MeasureUnits: c.MeasureUnits,
		ExecMode:     execMode,
	}
}

// Defaults
const (
	DefaultNodeRPCURL         = "http://127.0.0.1:12537"
	DefaultPeerURL            = "ws://127.0.0.1:12538/p2p"
	DefaultSessions           = 5
	DefaultMsgID              = 0x02 // TRANSACTIONS
	DefaultWindow             = 50000
	DefaultPollInterval       = time.Second
	DefaultMaxPollFailures    = 30
	DefaultSettleDelay        = 50 * time.Second
	DefaultAdmission          = types.AdmitOrdinal
	DefaultDataDir            = "./experiment_data"
	DefaultExecMode           = "normal"
	DefaultBlockSizeLimit     = 300000
	DefaultBlocksPerTick      = 1
	DefaultBlockCallTimeout   = 10 * time.Second
	DefaultListenAddr         = ":3002"
	DefaultDatabasePath       = "./data/goodputbench.db"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultAccounts           = "10k"
	DefaultWarmup             = "20k"
	DefaultMeasure            = "10k"
	MaxSessions               = 256
)

// ParseCount parses a unit count with an optional k/m/g suffix (1e3, 1e6, 1e9).
func ParseCount(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty count")
	}
	mult := 1
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1_000
	case 'm', 'M':
		mult = 1_000_000
	case 'g', 'G':
		mult = 1_000_000_000
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("count must not be negative: %d", n)
	}
	return n * mult, nil
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		NodeRPCURL:         DefaultNodeRPCURL,
		PeerURL:            DefaultPeerURL,
		Sessions:           DefaultSessions,
		MsgID:              DefaultMsgID,
		Window:             DefaultWindow,
		PollInterval:       DefaultPollInterval,
		MaxPollFailures:    DefaultMaxPollFailures,
		SettleDelay:        DefaultSettleDelay,
		Admission:          DefaultAdmission,
		StrictOvershoot:    true,
		DataDir:            DefaultDataDir,
		ExecMode:           DefaultExecMode,
		BlockSizeLimit:     DefaultBlockSizeLimit,
		BlocksPerTick:      DefaultBlocksPerTick,
		BlockCallTimeout:   DefaultBlockCallTimeout,
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
	}
}

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
// Returns the config, CLI config (nil if running in server mode), and any error.
func Load() (*Config, *CLIConfig, error) {
	return LoadArgs(os.Args[1:], os.Getenv)
}

// LoadArgs is Load with explicit arguments and environment lookup.
func LoadArgs(args []string, getenv func(string) string) (*Config, *CLIConfig, error) {
	cfg := Default()
	applyEnv(cfg, getenv)

	fs := flag.NewFlagSet("goodputbench", flag.ContinueOnError)
	var (
		rpcURL          = fs.String("rpc", cfg.NodeRPCURL, "Node JSON-RPC URL")
		peerURL         = fs.String("peer", cfg.PeerURL, "Node peer WebSocket URL")
		sessions        = fs.Int("sessions", cfg.Sessions, "Number of parallel peer sessions")
		msgID           = fs.Uint("msg-id", uint(cfg.MsgID), "Wire message id appended to batches")
		window          = fs.String("window", strconv.FormatUint(cfg.Window, 10), "Admission window in units (k/m/g suffix allowed)")
		pollInterval    = fs.Duration("poll-interval", cfg.PollInterval, "Goodput polling interval")
		maxPollFailures = fs.Int("max-poll-failures", cfg.MaxPollFailures, "Consecutive poll failures before aborting (<=0 = retry forever)")
		phaseTimeout    = fs.Duration("phase-timeout", cfg.PhaseTimeout, "Upper bound on one phase (0 = none)")
		settleDelay     = fs.Duration("settle-delay", cfg.SettleDelay, "Pause after warm-up")
		admission       = fs.String("admission", string(cfg.Admission), "Admission policy (ordinal, exact)")
		unitSize        = fs.Uint64("unit-size", cfg.UnitSize, "Nominal units per batch (0 = corpus header)")
		strict          = fs.Bool("strict-overshoot", cfg.StrictOvershoot, "Fail when goodput passes the phase target")
		maxUPS          = fs.Int("max-units-per-sec", cfg.MaxUnitsPerSec, "Dispatch ceiling in units/sec (0 = unlimited)")
		dataDir         = fs.String("data-dir", cfg.DataDir, "Corpus directory")
		execMode        = fs.String("exec-mode", cfg.ExecMode, "Block production preset ("+strings.Join(execmode.DefaultRegistry().Names(), ", ")+")")
		numTxs          = fs.Int("num-txs", cfg.NumTxs, "Max transactions per block (0 = preset)")
		blockSize       = fs.Int("block-size-limit", cfg.BlockSizeLimit, "Max bytes per block")
		blockInterval   = fs.Duration("block-interval", cfg.BlockInterval, "Minimum spacing between block requests (0 = preset)")
		blockJitter     = fs.Bool("block-jitter", cfg.BlockJitter, "Randomize block request spacing around the interval")
		blocksPerTick   = fs.Int("blocks-per-tick", cfg.BlocksPerTick, "Blocks requested per cadence tick")
		blockTimeout    = fs.Duration("block-timeout", cfg.BlockCallTimeout, "Timeout for one block production call")
		listenAddr      = fs.String("listen", cfg.ListenAddr, "HTTP listen address")
		dbPath          = fs.String("db", cfg.DatabasePath, "SQLite database path")
		logLevel        = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		traceExporter   = fs.String("trace", cfg.TraceExporter, "Trace exporter (stdout, otlp; empty = off)")

		runFlag     = fs.Bool("run", false, "Run a single round and exit (CLI mode)")
		tokenFlag   = fs.String("token", string(types.TokenNative), "Workload token (native, erc20)")
		modeFlag    = fs.String("mode", string(types.ModeNormal), "Workload mode (normal, less-sender)")
		keysFlag    = fs.String("accounts", DefaultAccounts, "Number of benchmark accounts (k/m/g suffix allowed)")
		warmupFlag  = fs.String("warmup", DefaultWarmup, "Warm-up units (k/m/g suffix allowed)")
		measureFlag = fs.String("txs", DefaultMeasure, "Measured units (k/m/g suffix allowed)")
		resultFlag  = fs.String("result", "", "Write the round result as JSON to this file")
	)

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	w, err := ParseCount(*window)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: window: %v", ErrConfiguration, err)
	}

	cfg.NodeRPCURL = *rpcURL
	cfg.PeerURL = *peerURL
	cfg.Sessions = *sessions
	if *msgID > 0xff {
		return nil, nil, fmt.Errorf("%w: msg-id must fit in one byte", ErrConfiguration)
	}
	cfg.MsgID = byte(*msgID)
	cfg.Window = uint64(w)
	cfg.PollInterval = *pollInterval
	cfg.MaxPollFailures = *maxPollFailures
	cfg.PhaseTimeout = *phaseTimeout
	cfg.SettleDelay = *settleDelay
	cfg.Admission = types.AdmissionPolicy(*admission)
	cfg.UnitSize = *unitSize
	cfg.StrictOvershoot = *strict
	cfg.MaxUnitsPerSec = *maxUPS
	cfg.DataDir = *dataDir
	cfg.ExecMode = *execMode
	cfg.NumTxs = *numTxs
	cfg.BlockSizeLimit = *blockSize
	cfg.BlockInterval = *blockInterval
	cfg.BlockJitter = *blockJitter
	cfg.BlocksPerTick = *blocksPerTick
	cfg.BlockCallTimeout = *blockTimeout
	cfg.ListenAddr = *listenAddr
	cfg.DatabasePath = *dbPath
	cfg.LogLevel = *logLevel
	cfg.TraceExporter = *traceExporter

	if err := cfg.Resolve(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if !*runFlag {
		return cfg, nil, nil
	}

	cliCfg := &CLIConfig{
		Token:      types.Token(*tokenFlag),
		Mode:       types.WorkloadMode(*modeFlag),
		ResultPath: *resultFlag,
	}
	if cliCfg.Accounts, err = ParseCount(*keysFlag); err != nil {
		return nil, nil, fmt.Errorf("%w: accounts: %v", ErrConfiguration, err)
	}
	if cliCfg.WarmupUnits, err = ParseCount(*warmupFlag); err != nil {
		return nil, nil, fmt.Errorf("%w: warmup: %v", ErrConfiguration, err)
	}
	if cliCfg.MeasureUnits, err = ParseCount(*measureFlag); err != nil {
		return nil, nil, fmt.Errorf("%w: txs: %v", ErrConfiguration, err)
	}
	if err := cliCfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, cliCfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("NODE_RPC_URL"); v != "" {
		cfg.NodeRPCURL = v
	}
	if v := getenv("NODE_PEER_URL"); v != "" {
		cfg.PeerURL = v
	}
	if v := getenv("SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sessions = n
		}
	}
	if v := getenv("WINDOW"); v != "" {
		if n, err := ParseCount(v); err == nil && n > 0 {
			cfg.Window = uint64(n)
		}
	}
	if v := getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("EXEC_MODE"); v != "" {
		cfg.ExecMode = v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
		if cfg.TraceExporter == "" {
			cfg.TraceExporter = "otlp"
		}
	}
}

// Resolve looks up the exec-mode preset and fills in derived values.
func (c *Config) Resolve() error {
	c.Preset = execmode.DefaultRegistry().Get(c.ExecMode)
	if c.Preset == nil {
		return fmt.Errorf("%w: unknown exec mode: %s (supported: %s)",
			ErrConfiguration, c.ExecMode, strings.Join(execmode.DefaultRegistry().Names(), ", "))
	}
	if c.NumTxs <= 0 {
		c.NumTxs = c.Preset.NumTxs
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeRPCURL == "" {
		return fmt.Errorf("%w: node RPC URL is required", ErrConfiguration)
	}
	if c.PeerURL == "" {
		return fmt.Errorf("%w: peer URL is required", ErrConfiguration)
	}
	if c.Sessions <= 0 || c.Sessions > MaxSessions {
		return fmt.Errorf("%w: sessions must be between 1 and %d", ErrConfiguration, MaxSessions)
	}
	if c.Window == 0 {
		return fmt.Errorf("%w: window must be positive", ErrConfiguration)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrConfiguration)
	}
	if c.SettleDelay < 0 || c.PhaseTimeout < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrConfiguration)
	}
	switch c.Admission {
	case types.AdmitOrdinal, types.AdmitExact:
	default:
		return fmt.Errorf("%w: invalid admission policy: %s", ErrConfiguration, c.Admission)
	}
	if c.MaxUnitsPerSec < 0 {
		return fmt.Errorf("%w: max units per second cannot be negative", ErrConfiguration)
	}
	if c.NumTxs <= 0 {
		return fmt.Errorf("%w: num txs must be positive", ErrConfiguration)
	}
	if c.BlockSizeLimit <= 0 {
		return fmt.Errorf("%w: block size limit must be positive", ErrConfiguration)
	}
	if c.BlocksPerTick <= 0 {
		return fmt.Errorf("%w: blocks per tick must be positive", ErrConfiguration)
	}
	if c.BlockInterval < 0 || c.BlockCallTimeout <= 0 {
		return fmt.Errorf("%w: invalid block production timing", ErrConfiguration)
	}
	switch c.TraceExporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("%w: invalid trace exporter: %s", ErrConfiguration, c.TraceExporter)
	}
	return nil
}

// Validate validates the CLI configuration.
func (c *CLIConfig) Validate() error {
	switch c.Token {
	case types.TokenNative, types.TokenERC20:
	default:
		return fmt.Errorf("%w: unrecognized bench token: %s", ErrConfiguration, c.Token)
	}
	switch c.Mode {
	case types.ModeNormal, types.ModeLessSender:
	default:
		return fmt.Errorf("%w: unrecognized bench mode: %s", ErrConfiguration, c.Mode)
	}
	if c.Accounts <= 0 {
		return fmt.Errorf("%w: accounts must be positive", ErrConfiguration)
	}
	if c.MeasureUnits <= 0 {
		return fmt.Errorf("%w: measured units must be positive", ErrConfiguration)
	}
	if c.WarmupUnits <= c.Accounts {
		return fmt.Errorf("%w: warm-up units (%d) must exceed accounts (%d)", ErrConfiguration, c.WarmupUnits, c.Accounts)
	}
	return nil
}
