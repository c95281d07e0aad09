// fxfeed — tick-distribution backend for a real-time FX visualization
// platform.
//
// Architecture:
//
//	main.go              — entry point: flags, config, wiring, signal handling
//	codec/               — length-prefixed protobuf framing, schema-driven
//	                       encode/decode by field name
//	broker/session.go    — single TLS broker session: request correlation,
//	                       heartbeat, reconnect with jittered backoff
//	catalog/catalog.go   — per-account symbol list + lazy metadata cache
//	mux/mux.go           — refcounted one-broker-subscription-per-symbol
//	                       registry with per-symbol fan-out
//	aggregator/          — per-symbol state owner: session OHLC, ADR band,
//	                       market profile, volatility estimate
//	gateway/             — client WebSocket server with per-connection
//	                       bounded queues and tick coalescing
//
// Data path: broker TLS → codec → session dispatch → mux → per-symbol
// aggregator → fan-out → per-client queues → WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fxfeed/internal/broker"
	"fxfeed/internal/catalog"
	"fxfeed/internal/codec"
	"fxfeed/internal/config"
	"fxfeed/internal/gateway"
	"fxfeed/internal/mux"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", defaultConfigPath(), "path to config file")
	bindAddr := flag.String("bind", "", "override gateway bind address")
	logLevel := flag.String("log-level", "", "override log level (debug|info|warn|error)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return 1
	}
	if *bindAddr != "" {
		cfg.Gateway.BindAddress = *bindAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Construct in dependency order: codec → session → catalog → mux →
	// gateway. Teardown happens in reverse below.
	c := codec.New(codec.NewSchema())
	session := broker.New(cfg.Broker, c, logger)
	cat := catalog.New(session, cfg.Broker.AccountID, logger)
	m := mux.New(session, cat, cfg.Broker.AccountID, cfg.Aggregator, logger)
	gw := gateway.New(cfg.Gateway, cat, m, logger)

	session.OnEvent(codec.PayloadSpotEvent, m.HandleSpotEvent)
	session.OnEvent(codec.PayloadTrendbarEvent, m.HandleTrendbarEvent)
	session.OnStatus(func(up bool) {
		if up {
			m.Resubscribe(context.Background())
		} else {
			cat.Invalidate()
		}
		gw.BrokerStatus(up)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionErr := make(chan error, 1)
	go func() { sessionErr <- session.Run(ctx) }()
	gatewayErr := make(chan error, 1)
	go func() { gatewayErr <- gw.Start() }()

	logger.Info("fxfeed started",
		"broker", cfg.Broker.Host,
		"account_id", cfg.Broker.AccountID,
		"gateway", cfg.Gateway.BindAddress,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-sessionErr:
		if errors.Is(err, broker.ErrAuthFatal) {
			logger.Error("broker authentication failed permanently", "error", err)
			return 2
		}
		logger.Error("broker session ended", "error", err)
	case err := <-gatewayErr:
		logger.Error("gateway server failed", "error", err)
		return 1
	}

	// Reverse-order teardown: stop accepting clients and close their
	// connections, tear down aggregators, then close the broker session.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownDrain)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	m.Close()
	cancel()

	logger.Info("shutdown complete")
	return 0
}

func defaultConfigPath() string {
	if p := os.Getenv("FXFEED_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
