package main

import "path/filepath"

const (
	defaultStatusAddr      = ":8080"
	defaultDataDir         = "data"
	defaultLogLevel        = "info"
	defaultCoinbaseTag     = "stratumgate"
	defaultExtranonce2Size = 4

	defaultPollIntervalSeconds   = 30
	defaultNTimeForwardSlackSecs = 600

	defaultSnapshotWindowMinutes = 10
	defaultSnapshotStaleSeconds  = 180

	defaultVarDiffMinDiff            = 0.125
	defaultVarDiffMaxDiff            = 1048576
	defaultVarDiffTargetSharesPerMin = 5.0
	defaultVarDiffAdjustmentWindowS  = 120
	defaultVarDiffDampingFactor      = 0.7
)

func defaultConfig() Config {
	return Config{
		StatusAddr:               defaultStatusAddr,
		DataDir:                  defaultDataDir,
		LogLevel:                 defaultLogLevel,
		LogToStdout:              false,
		DebugShareLog:            false,
		Extranonce2Size:          defaultExtranonce2Size,
		SnapshotWindowMinutes:    defaultSnapshotWindowMinutes,
		SnapshotStaleSeconds:     defaultSnapshotStaleSeconds,
		NTimeForwardSlackSeconds: defaultNTimeForwardSlackSecs,
		VarDiff: VarDiffSettings{
			MinDiff:             defaultVarDiffMinDiff,
			MaxDiff:             defaultVarDiffMaxDiff,
			TargetSharesPerMin:  defaultVarDiffTargetSharesPerMin,
			AdjustmentWindowSec: defaultVarDiffAdjustmentWindowS,
			DampingFactor:       defaultVarDiffDampingFactor,
		},
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config", "config.toml")
}
