package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veil-waf/veil-anomaly/internal/cache"
	"github.com/veil-waf/veil-anomaly/internal/config"
	"github.com/veil-waf/veil-anomaly/internal/db"
	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/explain"
	"github.com/veil-waf/veil-anomaly/internal/handlers"
	"github.com/veil-waf/veil-anomaly/internal/metrics"
	"github.com/veil-waf/veil-anomaly/internal/model"
	"github.com/veil-waf/veil-anomaly/internal/predict"
	"github.com/veil-waf/veil-anomaly/internal/ratelimit"
	"github.com/veil-waf/veil-anomaly/internal/server"
	"github.com/veil-waf/veil-anomaly/internal/sse"
	veiltls "github.com/veil-waf/veil-anomaly/internal/tls"
	"github.com/veil-waf/veil-anomaly/internal/ws"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := server.SetupLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()

	binary, multi, err := loadModels(ctx, cfg)
	if err != nil {
		return err
	}
	predictor := predict.NewPredictor(m.InstrumentBinary(binary), m.InstrumentMulticlass(multi))
	binInfo, multiInfo := predictor.Models()
	logger.Info("models loaded",
		"backend", cfg.ModelBackend,
		"binary", binInfo.Fingerprint,
		"multiclass", multiInfo.Fingerprint,
		"classes", multiInfo.Classes,
	)

	// Prediction history (optional)
	var database *db.DB
	var store events.Store
	var history ws.History
	if cfg.DatabaseURL != "" {
		database, err = db.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer database.Close()
		store, history = database, database
	} else {
		logger.Warn("DATABASE_URL not set, prediction history disabled")
	}

	hub := sse.NewHub(logger)
	recorder := events.NewRecorder(store, logger)
	recorder.AddObserver(m)

	// With a database the live feed follows committed rows via LISTEN/NOTIFY,
	// which also covers predictions made by other replicas.
	if database != nil {
		pgListener := sse.NewPGListener(database.Pool, database, hub, logger)
		go server.RunWithRecovery(ctx, logger, "pg-listener", pgListener.Listen)
		go server.RunWithRecovery(ctx, logger, "history-prune",
			server.Periodic(time.Hour, database.PruneLoop(cfg.HistoryRetention)))
	} else {
		recorder.AddSink(sse.NewFeed(hub, logger))
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, 0, logger)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			producer.Close(flushCtx)
		}()
		recorder.AddSink(producer)
		go server.RunWithRecovery(ctx, logger, "kafka-producer", producer.Run)
		logger.Info("publishing predictions to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	scorer := handlers.NewScorer(predictor, recorder, m, cfg.BatchWorkers, cfg.BatchMaxRows, logger)

	var resultCache *cache.Cache
	switch {
	case cfg.RedisURL == "":
	case !scorer.Cacheable():
		logger.Warn("REDIS_URL set but the model backend can change at runtime, result cache disabled",
			"backend", cfg.ModelBackend)
	default:
		c, err := cache.Connect(ctx, cfg.RedisURL, cfg.CacheTTL, scorer.Fingerprint())
		if err != nil {
			logger.Warn("result cache disabled", "err", err)
		} else {
			defer c.Close()
			scorer.WithCache(c)
			resultCache = c
		}
	}

	if cfg.ExplainEnabled {
		if explain.CredentialsAvailable() {
			scorer.WithExplainer(explain.NewBedrock(ctx, cfg.AWSRegion, cfg.BedrockModel, logger))
			logger.Info("explanations enabled", "model", cfg.BedrockModel, "region", cfg.AWSRegion)
		} else {
			logger.Warn("EXPLAIN_ENABLED set but no AWS credentials found, explanations disabled")
		}
	}

	limiter := ratelimit.New(ratelimit.DefaultBuckets(cfg.RateLimitPredict))
	go server.RunWithRecovery(ctx, logger, "ratelimit-sweep",
		server.Periodic(time.Minute, func(context.Context) { limiter.Sweep(time.Minute) }))

	wsManager := ws.NewManager(history, logger)
	go server.RunWithRecovery(ctx, logger, "ws-relay", func(ctx context.Context) {
		wsManager.Run(ctx, hub)
	})

	m.TrackClients("sse", func() int {
		return hub.SubscriberCount(sse.TopicPredictions) + hub.SubscriberCount(sse.TopicAttacks)
	})
	m.TrackClients("ws", wsManager.ClientCount)

	readiness := map[string]handlers.ReadinessCheck{}
	if database != nil {
		readiness["database"] = database.PingContext
	}
	if resultCache != nil {
		readiness["cache"] = resultCache.Health
	}

	router := handlers.NewRouter(handlers.Routes{
		Predict:   handlers.NewPredictHandler(scorer, limiter, m, logger),
		History:   handlers.NewHistoryHandler(database, predictor, scorer, logger),
		Stream:    handlers.NewStreamHandler(hub, database),
		Dashboard: handlers.NewDashboardHandler(scorer, limiter, logger),
		WebSocket: wsManager.HandleWS,
		Metrics:   m.Handler(),
		Ready:     handlers.Ready(readiness),
	})

	srv := &http.Server{
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// SSE and WebSocket connections stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if len(cfg.TLSDomains) == 0 {
		srv.Addr = ":" + cfg.Port
		logger.Info("server starting", "port", cfg.Port)
		return server.Serve(ctx, logger, srv, shutdownGrace, srv.ListenAndServe)
	}
	return serveTLS(ctx, cfg, logger, srv)
}

// loadModels builds the classifier pair for the configured backend.
func loadModels(ctx context.Context, cfg *config.Config) (model.BinaryClassifier, model.MulticlassClassifier, error) {
	switch cfg.ModelBackend {
	case config.BackendRemote:
		remote := model.NewRemote(cfg.ModelRemoteURL, cfg.ModelRemoteTimeout)
		multi, err := remote.Multiclass(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("remote models: %w", err)
		}
		return remote.Binary(), multi, nil
	default:
		binary, err := model.LoadBinary(cfg.BinaryModelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("binary model: %w", err)
		}
		multi, err := model.LoadMulticlass(cfg.MulticlassModelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("multiclass model: %w", err)
		}
		return binary, multi, nil
	}
}

// serveTLS serves HTTPS with ACME certificates and answers HTTP-01
// challenges on :80, redirecting managed hosts to HTTPS.
func serveTLS(ctx context.Context, cfg *config.Config, logger *slog.Logger, srv *http.Server) error {
	cm := veiltls.NewCertManager(cfg.TLSDomains, cfg.ACMEEmail, cfg.Production(), logger)
	logger.Info("tls enabled", "domains", cm.Domains(), "production", cfg.Production())

	challenge := &http.Server{
		Addr:              ":80",
		Handler:           cm.HTTPChallengeHandler(http.HandlerFunc(cm.RedirectHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(ctx, logger, challenge, shutdownGrace, challenge.ListenAndServe); err != nil {
			logger.Error("acme challenge server failed", "err", err)
		}
	}()

	ln, err := cm.Listen(ctx)
	if err != nil {
		return err
	}
	return server.Serve(ctx, logger, srv, shutdownGrace, func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
}
