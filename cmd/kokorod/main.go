package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/config"
	"github.com/voxlocal/kokorod/internal/device"
	"github.com/voxlocal/kokorod/internal/engine"
	"github.com/voxlocal/kokorod/internal/history"
	"github.com/voxlocal/kokorod/internal/httpapi"
	"github.com/voxlocal/kokorod/internal/observability"
	"github.com/voxlocal/kokorod/internal/speech"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	policy, err := device.LoadPolicy(cfg.DevicePolicyPath)
	if err != nil {
		logger.Fatal("device policy load failed", zap.Error(err))
	}

	ctx := context.Background()
	classifier := device.NewClassifier(logger)

	var decision device.Decision
	profile := classifier.Classify(ctx)
	if cfg.ForceCPU {
		decision = device.ForcedCPUDecision(policy)
		logger.Info("device selection bypassed",
			zap.String("device", string(decision.Device)),
			zap.String("rationale", decision.Rationale))
	} else {
		prober := device.NewWorkerProber(cfg.Python, cfg.WorkerScript, cfg.ProbeTimeout, logger)
		selector := device.NewSelector(classifier, prober, policy, logger)
		decision, profile = selector.Select(ctx)
	}
	metrics.SetDevice(string(decision.Device))

	devices := device.NewManager(decision, profile, policy, logger)

	build := engine.NewWorkerConstructor(engine.WorkerConfig{
		Python:       cfg.Python,
		Script:       cfg.WorkerScript,
		StartTimeout: cfg.StartTimeout,
	}, logger)
	cache := engine.NewCache(observedBuild(build, metrics), devices.Decision, logger)
	devices.AddInvalidator(cache)

	svc := speech.New(devices, cache, metrics, logger)
	svc.SetDefaults(cfg.DefaultVoice, cfg.DefaultLanguage)

	var hist *history.Store
	if cfg.HistoryPath != "" {
		hist, err = history.Open(cfg.HistoryPath)
		if err != nil {
			logger.Fatal("history store init failed", zap.Error(err))
		}
		defer hist.Close()
		svc.SetRecorder(hist)
	} else {
		logger.Info("generation history disabled")
	}

	var histAPI httpapi.History
	if hist != nil {
		histAPI = hist
	}
	api := httpapi.New(cfg, svc, histAPI, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	// Dropping the cache tears down every worker process.
	cache.Clear()
	logger.Info("shutdown complete")
}

// observedBuild counts pipeline constructions by outcome.
func observedBuild(build engine.Constructor, m *observability.Metrics) engine.Constructor {
	return func(ctx context.Context, lang string, d device.Decision) (engine.Pipeline, error) {
		p, err := build(ctx, lang, d)
		if err != nil {
			m.PipelineBuilds.WithLabelValues("error").Inc()
			return nil, err
		}
		outcome := "ok"
		if p.Degraded() {
			outcome = "degraded"
		}
		m.PipelineBuilds.WithLabelValues(outcome).Inc()
		return p, nil
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
