// Package main provides the entry point for the paper trading engine:
// a simulated broker, a learning strategy ensemble with regime-aware
// weight blending, and an append-only audit trail of every decision.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quantfold/papertrader/internal/analyzer"
	"github.com/quantfold/papertrader/internal/api"
	"github.com/quantfold/papertrader/internal/audit"
	"github.com/quantfold/papertrader/internal/broker"
	"github.com/quantfold/papertrader/internal/config"
	"github.com/quantfold/papertrader/internal/controller"
	"github.com/quantfold/papertrader/internal/engine"
	"github.com/quantfold/papertrader/internal/ensemble"
	"github.com/quantfold/papertrader/internal/feed"
	"github.com/quantfold/papertrader/internal/perf"
	"github.com/quantfold/papertrader/internal/regime"
	"github.com/quantfold/papertrader/internal/strategy"
	"github.com/quantfold/papertrader/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// curveProxy defers the curve source until the engine exists: the server
// is constructed first because the engine's audit log tees into it.
type curveProxy struct {
	eng *engine.Engine
}

func (c *curveProxy) Curve() []types.EquityCurvePoint {
	if c.eng == nil {
		return nil
	}
	return c.eng.Curve()
}

func main() {
	configPath := flag.String("config", "", "Config file path (optional)")
	feedPath := flag.String("feed", "", "JSON-lines bar feed to replay")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if *feedPath == "" {
		logger.Fatal("A bar feed is required, pass -feed path/to/bars.jsonl")
	}

	logger.Info("Starting paper trading engine",
		zap.String("feed", *feedPath),
		zap.String("initialCash", cfg.InitialCash.String()),
		zap.Strings("symbols", cfg.Symbols),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Strategies
	registry := strategy.NewRegistry(logger)
	names := registry.List()
	strategies := make([]strategy.Strategy, 0, len(names))
	for _, name := range names {
		s, err := registry.Create(name)
		if err != nil {
			logger.Fatal("Failed to create strategy", zap.String("name", name), zap.Error(err))
		}
		strategies = append(strategies, s)
	}
	logger.Info("Registered strategies", zap.Strings("strategies", names))

	// Core components
	b := broker.New(logger, cfg.InitialCash, cfg.FeeBps, cfg.SlippageBps)
	weighter := ensemble.NewWeighter(logger, names, cfg.LearningRate, cfg.WeightFloor, cfg.DecisionThreshold)
	detector := regime.New(logger, cfg.VolatilityHighThreshold, cfg.TrendStrengthThreshold, cfg.LookbackBars)
	tradeAnalyzer := analyzer.New(logger, cfg.MinTradesForAnalysis)
	adaptive := controller.New(logger, weighter, detector, tradeAnalyzer, cfg.BlendAlpha, cfg.AnalysisWindowTrades)
	calculator := perf.NewCalculator(cfg.InitialCash)

	// Metrics registry with process and runtime collectors
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(promRegistry)

	// Audit: durable file log plus live WebSocket broadcast
	fileLog, err := audit.NewFileLog(logger, cfg.AuditPath)
	if err != nil {
		logger.Fatal("Failed to open audit log", zap.Error(err))
	}
	defer fileLog.Close()

	barFeed, err := feed.NewFileFeed(logger, *feedPath)
	if err != nil {
		logger.Fatal("Failed to open bar feed", zap.Error(err))
	}
	defer barFeed.Close()

	proxy := &curveProxy{}
	server := api.NewServer(logger, &cfg.Server, b, weighter, detector, tradeAnalyzer,
		calculator, proxy, promRegistry)
	auditLog := audit.NewTeeLog(fileLog, server.AuditSink())

	eng := engine.New(logger, cfg, b, strategies, weighter, detector, tradeAnalyzer,
		adaptive, calculator, auditLog, metrics)
	proxy.eng = eng

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	// The engine runs in the background; a finished feed leaves the
	// server up so the final state stays inspectable.
	runDone := make(chan error, 1)
	go func() {
		runDone <- eng.Run(ctx, barFeed)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-runDone:
		if err != nil {
			logger.Error("Engine run failed", zap.Error(err))
		} else {
			logger.Info("Replay complete, serving final state; interrupt to exit")
			<-sigChan
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
