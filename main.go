package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	configFlag := flag.String("config", "", "path to config.toml")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fatal("config", err)
	}
	if *stdoutLogFlag {
		cfg.LogToStdout = true
	}
	if lvl := strings.TrimSpace(*logLevelFlag); lvl != "" {
		cfg.LogLevel = lvl
	}

	logger.setLevel(parseLogLevel(cfg.LogLevel))
	configureFileLogging(cfg)
	defer logger.Stop()

	logger.Info("gateway starting",
		"coins", len(cfg.Coins),
		"status_addr", cfg.StatusAddr,
		"data_dir", cfg.DataDir,
		"sha256", sha256ImplementationName(),
	)

	store, err := openSnapshotStore(cfg.snapshotDBPath())
	if err != nil {
		fatal("snapshot store", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("snapshot store close", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coins := make(map[string]*coinRuntime, len(cfg.Coins))
	for _, coinCfg := range cfg.Coins {
		payoutScript, err := coinCfg.payoutScriptBytes()
		if err != nil {
			fatal("payout script", err, "coin", coinCfg.Coin)
		}

		rpc := NewRPCClient(coinCfg)
		jobMgr := NewJobManager(rpc, cfg, coinCfg, payoutScript)
		srv := NewStratumServer(cfg, coinCfg, jobMgr, rpc, store)

		jobMgr.Start(ctx)
		if err := srv.Start(ctx); err != nil {
			fatal("stratum server", err, "coin", coinCfg.Coin)
		}

		collector := newSnapshotCollector(cfg, srv, jobMgr, rpc, store)
		go collector.Run(ctx)

		coins[coinCfg.Coin] = &coinRuntime{
			coinCfg:   coinCfg,
			rpc:       rpc,
			jobMgr:    jobMgr,
			srv:       srv,
			collector: collector,
		}
		logger.Info("coin online", "coin", coinCfg.Coin, "stratum_port", coinCfg.StratumPort, "rpc", rpc.endpointLabel())
	}

	statusSrv := NewStatusServer(cfg, store, coins)
	if err := statusSrv.Start(); err != nil {
		fatal("status server", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	statusSrv.Stop(shutdownCtx)
	for _, rt := range coins {
		rt.srv.Stop()
	}
	logger.Flush()
}
