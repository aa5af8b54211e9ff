package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// CoinConfig describes one coin the gateway serves: its Stratum listener,
// the node RPC endpoint jobs are pulled from, and the coinbase parameters.
type CoinConfig struct {
	Coin         string `toml:"coin"`
	Algo         string `toml:"algo"`
	StratumPort  int    `toml:"stratum_port"`
	RPCURL       string `toml:"rpc_url"`
	RPCUser      string `toml:"rpc_user"`
	RPCPassword  string `toml:"rpc_password"`
	ZMQBlockAddr string `toml:"zmq_block_addr"`
	// PayoutScript is the raw output script for the coinbase, hex-encoded.
	// It is treated as opaque bytes; no address parsing happens here.
	PayoutScript    string `toml:"payout_script"`
	CoinbaseTag     string `toml:"coinbase_tag"`
	PollIntervalSec int    `toml:"poll_interval_sec"`
}

type VarDiffSettings struct {
	MinDiff             float64 `toml:"min_diff"`
	MaxDiff             float64 `toml:"max_diff"`
	TargetSharesPerMin  float64 `toml:"target_shares_per_min"`
	AdjustmentWindowSec int     `toml:"adjustment_window_sec"`
	DampingFactor       float64 `toml:"damping_factor"`
}

type Config struct {
	StatusAddr  string `toml:"status_addr"`
	DataDir     string `toml:"data_dir"`
	LogLevel    string `toml:"log_level"`
	LogToStdout bool   `toml:"log_to_stdout"`
	// DebugShareLog enables a per-share debug dump line (full header hex,
	// targets, cid). Carried on the config rather than a package global so
	// tests and embedders can flip it per server.
	DebugShareLog bool `toml:"debug_share_log"`

	Extranonce2Size          int `toml:"extranonce2_size"`
	NTimeForwardSlackSeconds int `toml:"ntime_forward_slack_seconds"`

	SnapshotWindowMinutes int `toml:"snapshot_window_minutes"`
	SnapshotStaleSeconds  int `toml:"snapshot_stale_seconds"`

	VarDiff VarDiffSettings `toml:"vardiff"`

	Coins []CoinConfig `toml:"coins"`
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = defaultStatusAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Extranonce2Size <= 0 {
		cfg.Extranonce2Size = defaultExtranonce2Size
	}
	if cfg.NTimeForwardSlackSeconds <= 0 {
		cfg.NTimeForwardSlackSeconds = defaultNTimeForwardSlackSecs
	}
	if cfg.SnapshotWindowMinutes <= 0 {
		cfg.SnapshotWindowMinutes = defaultSnapshotWindowMinutes
	}
	if cfg.SnapshotStaleSeconds <= 0 {
		cfg.SnapshotStaleSeconds = defaultSnapshotStaleSeconds
	}
	if cfg.VarDiff.MinDiff <= 0 {
		cfg.VarDiff.MinDiff = defaultVarDiffMinDiff
	}
	if cfg.VarDiff.MaxDiff <= 0 {
		cfg.VarDiff.MaxDiff = defaultVarDiffMaxDiff
	}
	if cfg.VarDiff.TargetSharesPerMin <= 0 {
		cfg.VarDiff.TargetSharesPerMin = defaultVarDiffTargetSharesPerMin
	}
	if cfg.VarDiff.AdjustmentWindowSec <= 0 {
		cfg.VarDiff.AdjustmentWindowSec = defaultVarDiffAdjustmentWindowS
	}
	if cfg.VarDiff.DampingFactor <= 0 || cfg.VarDiff.DampingFactor > 1 {
		cfg.VarDiff.DampingFactor = defaultVarDiffDampingFactor
	}
	for i := range cfg.Coins {
		c := &cfg.Coins[i]
		c.Coin = strings.ToLower(strings.TrimSpace(c.Coin))
		if c.Algo == "" {
			c.Algo = "sha256d"
		}
		if c.CoinbaseTag == "" {
			c.CoinbaseTag = defaultCoinbaseTag
		}
		if c.PollIntervalSec <= 0 {
			c.PollIntervalSec = defaultPollIntervalSeconds
		}
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Coins) == 0 {
		return fmt.Errorf("config: at least one [[coins]] entry is required")
	}
	seenNames := make(map[string]struct{}, len(cfg.Coins))
	seenPorts := make(map[int]struct{}, len(cfg.Coins))
	for i, c := range cfg.Coins {
		if c.Coin == "" {
			return fmt.Errorf("config: coins[%d] has empty coin name", i)
		}
		if _, dup := seenNames[c.Coin]; dup {
			return fmt.Errorf("config: duplicate coin %q", c.Coin)
		}
		seenNames[c.Coin] = struct{}{}
		if c.Algo != "sha256d" {
			return fmt.Errorf("config: coin %q algo %q not supported (sha256d only)", c.Coin, c.Algo)
		}
		if c.StratumPort <= 0 || c.StratumPort > 65535 {
			return fmt.Errorf("config: coin %q invalid stratum_port %d", c.Coin, c.StratumPort)
		}
		if _, dup := seenPorts[c.StratumPort]; dup {
			return fmt.Errorf("config: coin %q reuses stratum_port %d", c.Coin, c.StratumPort)
		}
		seenPorts[c.StratumPort] = struct{}{}
		if strings.TrimSpace(c.RPCURL) == "" {
			return fmt.Errorf("config: coin %q missing rpc_url", c.Coin)
		}
		if _, err := c.payoutScriptBytes(); err != nil {
			return fmt.Errorf("config: coin %q: %w", c.Coin, err)
		}
	}
	if cfg.VarDiff.MinDiff > cfg.VarDiff.MaxDiff {
		return fmt.Errorf("config: vardiff min_diff %g exceeds max_diff %g", cfg.VarDiff.MinDiff, cfg.VarDiff.MaxDiff)
	}
	return nil
}

func (c CoinConfig) payoutScriptBytes() ([]byte, error) {
	s := strings.TrimSpace(c.PayoutScript)
	if s == "" {
		return nil, fmt.Errorf("missing payout_script")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid payout_script hex: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("payout_script empty")
	}
	return b, nil
}

func (cfg Config) snapshotDBPath() string {
	return filepath.Join(cfg.DataDir, "state", "snapshots.db")
}

func (cfg Config) logPath(name string) string {
	return filepath.Join(cfg.DataDir, "logs", name)
}
