// Package main provides the entry point for the analytics backend server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantfolio/analytics-backend/internal/api"
	"github.com/quantfolio/analytics-backend/internal/backtester"
	"github.com/quantfolio/analytics-backend/internal/config"
	"github.com/quantfolio/analytics-backend/internal/data"
	"github.com/quantfolio/analytics-backend/internal/risk"
	"github.com/quantfolio/analytics-backend/internal/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment configuration.
	host := flag.String("host", cfg.Host, "Server host")
	port := flag.Int("port", cfg.Port, "Server port")
	dataDir := flag.String("data", cfg.DataDir, "Data directory")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
	cfg.Host = *host
	cfg.Port = *port
	cfg.DataDir = *dataDir
	cfg.LogLevel = *logLevel

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting analytics backend",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("dataDir", cfg.DataDir),
	)

	store, err := data.NewStore(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize data store", zap.Error(err))
	}

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("simulation"))
	pool.Start()

	bt := backtester.NewEngine(logger, backtester.NewAnalyzer(0))
	riskEngine := risk.NewEngine(logger, pool, cfg.RiskFreeRate)

	server := api.NewServer(logger, cfg, store, bt, riskEngine, pool)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting metrics server", zap.Int("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Host, cfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Host, cfg.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during metrics shutdown", zap.Error(err))
	}
	if err := pool.Stop(); err != nil {
		logger.Error("error stopping worker pool", zap.Error(err))
	}

	logger.Info("server stopped")
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
