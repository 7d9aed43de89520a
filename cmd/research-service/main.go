package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/research-platform/pkg/anonymization"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/config"
	"github.com/synaptica-ai/research-platform/pkg/common/database"
	"github.com/synaptica-ai/research-platform/pkg/common/kafka"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/export"
	"github.com/synaptica-ai/research-platform/pkg/gateway/auth"
	"github.com/synaptica-ai/research-platform/pkg/gateway/middleware"
	"github.com/synaptica-ai/research-platform/pkg/gateway/routes"
	"github.com/synaptica-ai/research-platform/pkg/observability/metrics"
	"github.com/synaptica-ai/research-platform/pkg/randomization"
	"github.com/synaptica-ai/research-platform/pkg/report"
	"github.com/synaptica-ai/research-platform/pkg/research"
	"gorm.io/gorm"
)

func main() {
	logger.Init()
	cfg := config.Load()

	anonymizer, err := newAnonymizer(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise anonymization engine")
	}
	if cfg.AnonymizationSalt == "" {
		logger.Log.Warn("ANONYMIZATION_SALT not set, participant ids will not survive a restart")
	}

	catalog, err := assessment.Load(cfg.InstrumentCatalogPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load instrument catalog")
	}

	allocator := randomization.NewEngine(cfg.RandomizationSeed, cfg.RandomizationBlock)
	m := metrics.New()

	var db *gorm.DB
	var store research.Store = research.NewMemoryStore()
	if cfg.StorageBackend == "postgres" {
		db, err = database.OpenPostgres(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}
		repo := research.NewPostgresStore(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate research tables")
		}
		store = repo
	}

	opts := []research.Option{research.WithMetrics(m)}

	var redisClient *redis.Client
	if cfg.JournalEnabled {
		redisClient, err = database.OpenRedis(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to redis")
		}
		opts = append(opts, research.WithJournal(randomization.NewRedisJournal(redisClient)))
	}

	var producer *kafka.Producer
	if cfg.EventsEnabled && len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.ResearchEventsTopic)
		opts = append(opts, research.WithEvents(producer))
	}

	service := research.NewService(store, anonymizer, allocator, catalog, opts...)

	exportOpts := []export.Option{
		export.WithAccessLevel(cfg.ExportAccessLevel),
		export.WithDOIPrefix(cfg.DatasetDOIPrefix),
		export.WithAuditor(service),
		export.WithMetrics(m),
	}
	if producer != nil {
		exportOpts = append(exportOpts, export.WithEvents(producer))
	}
	exporter := export.NewPipeline(service, cfg.KAnonymityMin, exportOpts...)
	reports := report.NewGenerator(service, catalog, report.WithFinalTimepoints(cfg.FinalTimepoints))

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	var consumer *kafka.Consumer
	var wg sync.WaitGroup
	if cfg.EventsEnabled && len(cfg.KafkaBrokers) > 0 {
		consumer = kafka.NewConsumer(cfg.KafkaBrokers, cfg.AssessmentSubmissionTopic, cfg.KafkaGroupID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Log.WithField("topic", cfg.AssessmentSubmissionTopic).Info("Consuming assessment submissions")
			if err := consumer.Consume(consumerCtx, service.HandleAssessmentEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("assessment consumer stopped")
			}
		}()
	}

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(cfg.GatewayRateLimitRPS, cfg.GatewayRateLimitBurst))
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context(), db, redisClient); err != nil {
			logger.Log.WithError(err).Warn("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1/research").Subrouter()
	oidcAuth, err := auth.NewOIDCAuthenticator(cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret)
	if err != nil {
		logger.Log.WithError(err).Warn("OIDC authentication not configured, running without auth")
	} else {
		api.Use(middleware.Authenticate(oidcAuth))
	}
	api.Use(middleware.RLS)
	routes.NewResearchHandler(service, exporter, reports).Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"addr":    address,
			"storage": cfg.StorageBackend,
			"k_min":   cfg.KAnonymityMin,
		}).Info("Research service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.WithError(err).Fatal("failed to start research service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down research service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Research service forced to shutdown")
	}

	stopConsumer()
	wg.Wait()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to close consumer")
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to close producer")
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to close redis")
		}
	}
	if err := database.ClosePostgres(db); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres")
	}
	logger.Log.Info("Research service stopped")
}

func newAnonymizer(cfg *config.Config) (*anonymization.Engine, error) {
	rules, err := anonymization.LoadRules(cfg.ScrubRulesPath)
	if err != nil {
		return nil, fmt.Errorf("load scrub rules: %w", err)
	}
	scrubber, err := anonymization.NewScrubber(rules)
	if err != nil {
		return nil, fmt.Errorf("compile scrub rules: %w", err)
	}
	opts := []anonymization.Option{anonymization.WithScrubber(scrubber)}
	if cfg.AnonymizationSalt != "" {
		opts = append(opts, anonymization.WithSalt(cfg.AnonymizationSalt))
	}
	return anonymization.NewEngine(opts...)
}

func ready(ctx context.Context, db *gorm.DB, client *redis.Client) error {
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if client != nil {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
