package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"proofmint/internal/admission"
	"proofmint/internal/chain"
	"proofmint/internal/chain/stub"
	"proofmint/internal/config"
	"proofmint/internal/feed"
	"proofmint/internal/messaging"
	"proofmint/internal/observability"
	"proofmint/internal/ocr"
	"proofmint/internal/pipeline"
	"proofmint/internal/screening"
	"proofmint/internal/storage"
	chstore "proofmint/internal/storage/clickhouse"
	"proofmint/internal/storage/filelog"
	"proofmint/internal/storage/memory"
	"proofmint/internal/storage/migrations"
	pgstore "proofmint/internal/storage/postgres"
	"proofmint/internal/valuation"
)

// app holds the wired service components.
type app struct {
	ledger   storage.LedgerStore
	pipeline *pipeline.Pipeline
	feed     *feed.Hub
	registry *prometheus.Registry
	closers  []func()
}

// Close releases resources in reverse order of acquisition. Safe to call twice.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) feedHandler() http.Handler {
	if a.feed == nil {
		return nil
	}
	return a.feed
}

// deploymentWarnings flags backend combinations that are valid but unsafe
// for some deployments.
func deploymentWarnings(cfg *config.Config) []string {
	var warnings []string
	if cfg.Ledger.Backend == "postgres" && cfg.Locks.Backend == "local" {
		warnings = append(warnings, "Postgres ledger with local admission locks; "+
			"replicas sharing this ledger can mint the same proof concurrently, use locks.backend=redis")
	}
	return warnings
}

func build(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	for _, w := range deploymentWarnings(cfg) {
		log.Warn(w)
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics("proofmint", a.registry)

	a.ledger, err = a.openLedger(ctx, cfg.Ledger, log)
	if err != nil {
		return nil, err
	}

	locker, err := a.newLocker(ctx, cfg.Locks, log)
	if err != nil {
		return nil, err
	}

	var cache *admission.MintedCache
	if cfg.Locks.CacheSize > 0 {
		if cache, err = admission.NewMintedCache(cfg.Locks.CacheSize); err != nil {
			return nil, fmt.Errorf("minted cache: %w", err)
		}
	}

	var genaiClient *genai.Client
	if cfg.OCR.Backend == "genai" || cfg.Estimator.Backend == "genai" {
		if genaiClient, err = valuation.NewGenAIClient(ctx, cfg.Estimator.APIKey); err != nil {
			return nil, err
		}
	}

	extractor, err := newExtractor(cfg, genaiClient)
	if err != nil {
		return nil, err
	}
	estimator, err := newEstimator(cfg.Estimator, genaiClient)
	if err != nil {
		return nil, err
	}

	gateway, err := a.newGateway(cfg.Chain, log)
	if err != nil {
		return nil, err
	}

	publishers, err := a.newPublishers(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Policy.ConversionPolicy()
	if err != nil {
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Ledger:     a.ledger,
		Extractor:  extractor,
		Filter:     screening.NewFilter(cfg.Policy.DenyList),
		Estimator:  estimator,
		Gateway:    gateway,
		Locker:     locker,
		Cache:      cache,
		Publishers: publishers,
	}, pipeline.Config{
		Policy:            policy,
		Cooldown:          cfg.Policy.Cooldown,
		LockWait:          cfg.Timeouts.LockWait,
		OCRTimeout:        cfg.Timeouts.OCR,
		EstimateTimeout:   cfg.Timeouts.Estimate,
		MintTimeout:       cfg.Timeouts.Mint,
		PublishTimeout:    cfg.Timeouts.Publish,
		MaxProofBytes:     cfg.Policy.MaxProofBytes,
		MaxDescriptionLen: cfg.Policy.MaxDescriptionLen,
	}, pipeline.WithLogger(log), pipeline.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"ledger":    cfg.Ledger.Backend,
		"locks":     cfg.Locks.Backend,
		"ocr":       cfg.OCR.Backend,
		"estimator": cfg.Estimator.Backend,
		"chain":     cfg.Chain.Backend,
		"ratio":     policy.Ratio.String(),
		"cap":       policy.Cap.String(),
		"cooldown":  cfg.Policy.Cooldown.String(),
	}).Info("Service initialized")
	return a, nil
}

func (a *app) openLedger(ctx context.Context, cfg config.LedgerConfig, log logrus.FieldLogger) (storage.LedgerStore, error) {
	switch cfg.Backend {
	case "memory":
		log.Warn("Using in-memory ledger; records are lost on restart")
		return memory.NewLedgerStore(), nil

	case "postgres":
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN, pgstore.PoolOptions{MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		return pgstore.NewLedgerStore(pool), nil

	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		store, err := filelog.Open(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Error("Failed to close ledger")
			}
		})
		return store, nil
	}
}

func (a *app) newLocker(ctx context.Context, cfg config.LockConfig, log logrus.FieldLogger) (admission.Locker, error) {
	if cfg.Backend != "redis" {
		return admission.NewKeyedMutex(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return admission.NewRedisLocker(client, log, admission.WithLockTTL(cfg.TTL)), nil
}

func newExtractor(cfg *config.Config, client *genai.Client) (ocr.Extractor, error) {
	switch cfg.OCR.Backend {
	case "static":
		return ocr.Static{Text: cfg.OCR.StaticText}, nil
	case "genai":
		return ocr.NewGenAIExtractor(client.Models, cfg.Estimator.Model), nil
	case "tesseract":
		return ocr.NewHTTPClient(cfg.OCR.Endpoint,
			ocr.WithLanguage(cfg.OCR.Language),
			ocr.WithMaxRetries(cfg.OCR.MaxRetries),
			ocr.WithTimeout(cfg.Timeouts.OCR),
		), nil
	default:
		return nil, fmt.Errorf("unknown ocr backend %q", cfg.OCR.Backend)
	}
}

func newEstimator(cfg config.EstimatorConfig, client *genai.Client) (valuation.Estimator, error) {
	switch cfg.Backend {
	case "static":
		return valuation.Static{Response: cfg.StaticResponse}, nil
	case "genai":
		return valuation.NewGenAIEstimator(client.Models, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown estimator backend %q", cfg.Backend)
	}
}

func (a *app) newGateway(cfg config.ChainConfig, log logrus.FieldLogger) (chain.MintGateway, error) {
	if cfg.Backend == "stub" {
		log.Warn("Using stub mint gateway; no tokens are minted on chain")
		return stub.New(), nil
	}

	gw, closeClient, err := chain.DialEVMGateway(cfg.RPCURL, cfg.ContractAddress, cfg.MinterPrivateKey, cfg.ChainID, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeClient)
	log.WithFields(logrus.Fields{
		"contract": cfg.ContractAddress,
		"minter":   gw.MinterAddress(),
		"chain_id": cfg.ChainID,
	}).Info("EVM mint gateway ready")
	return gw, nil
}

func (a *app) newPublishers(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) ([]pipeline.Publisher, error) {
	var publishers []pipeline.Publisher

	if cfg.Feed.Enabled {
		hubCfg := feed.DefaultHubConfig()
		if cfg.Feed.PingInterval > 0 {
			hubCfg.PingInterval = cfg.Feed.PingInterval
		}
		if cfg.Feed.SendBuffer > 0 {
			hubCfg.SendBuffer = cfg.Feed.SendBuffer
		}
		a.feed = feed.NewHub(&hubCfg, log)
		a.closers = append(a.closers, func() { _ = a.feed.Close() })
		publishers = append(publishers, a.feed)
	}

	if cfg.Kafka.Enabled {
		producer, err := messaging.NewKafkaProducer(messaging.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			Async:        cfg.Kafka.Async,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := producer.Close(); err != nil {
				log.WithError(err).Warn("Failed to close Kafka producer")
			}
		})
		publishers = append(publishers, producer)
	}

	if cfg.Audit.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Audit.ClickhouseDSN, log)
		if err != nil {
			return nil, fmt.Errorf("clickhouse audit: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		publishers = append(publishers, chstore.NewAuditStore(conn))
	}

	return publishers, nil
}
