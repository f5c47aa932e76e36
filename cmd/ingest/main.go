// Command ingest reads paper record JSON files and runs them through the
// ingestion pipeline into the vector store. With -nats it also subscribes
// to the ingestion subject and keeps consuming until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/paperatlas/paperatlas/engine/domain"
	"github.com/paperatlas/paperatlas/engine/embedcache"
	"github.com/paperatlas/paperatlas/engine/ingest"
	"github.com/paperatlas/paperatlas/engine/store"
	"github.com/paperatlas/paperatlas/pkg/embed"
	"github.com/paperatlas/paperatlas/pkg/fn"
	"github.com/paperatlas/paperatlas/pkg/metrics"
)

func main() {
	_ = godotenv.Load()

	var (
		storeKind   = flag.String("store", "milvus", "vector store backend (milvus or local)")
		milvusAddr  = flag.String("milvus", "localhost:19530", "Milvus address")
		collection  = flag.String("collection", store.DefaultCollection, "collection name")
		localPath   = flag.String("local-path", "/tmp/paperatlas/store.gob", "local store snapshot path")
		cacheDir    = flag.String("cache", "/tmp/paperatlas/embeddings", "embedding cache directory")
		ollamaURL   = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		ollamaModel = flag.String("model", "nomic-embed-text", "Ollama embedding model")
		dim         = flag.Int("dim", 768, "embedding dimension")
		batchSize   = flag.Int("batch", 100, "insert batch size")
		workers     = flag.Int("workers", 4, "pipeline worker count")
		natsURL     = flag.String("nats", "", "NATS URL; empty disables the consumer")
		metricsPort = flag.Int("metrics-port", 9091, "Prometheus metrics port")
		embedRPS    = flag.Float64("embed-rps", 10, "embedding provider rate limit")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger, runConfig{
		storeKind:   *storeKind,
		milvusAddr:  *milvusAddr,
		collection:  *collection,
		localPath:   *localPath,
		cacheDir:    *cacheDir,
		ollamaURL:   *ollamaURL,
		ollamaModel: *ollamaModel,
		dim:         *dim,
		batchSize:   *batchSize,
		workers:     *workers,
		natsURL:     *natsURL,
		metricsPort: *metricsPort,
		embedRPS:    *embedRPS,
		files:       flag.Args(),
	}); err != nil {
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

type runConfig struct {
	storeKind   string
	milvusAddr  string
	collection  string
	localPath   string
	cacheDir    string
	ollamaURL   string
	ollamaModel string
	dim         int
	batchSize   int
	workers     int
	natsURL     string
	metricsPort int
	embedRPS    float64
	files       []string
}

func run(logger *slog.Logger, cfg runConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	met.ServeAsync(cfg.metricsPort)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("store ready", "kind", cfg.storeKind, "collection", cfg.collection)

	provider := embed.NewOllama(cfg.ollamaURL, cfg.ollamaModel, cfg.dim,
		embed.WithRateLimit(cfg.embedRPS, cfg.workers))
	cache, err := embedcache.New(cfg.cacheDir, cfg.dim, logger)
	if err != nil {
		return fmt.Errorf("embedding cache: %w", err)
	}

	pipeline := ingest.New(ingest.Deps{
		Store:    st,
		Cache:    cache,
		Provider: provider,
		Logger:   logger,
		Metrics:  met,
	}, cfg.workers)

	for _, path := range cfg.files {
		records, err := loadRecords(path)
		if err != nil {
			logger.Error("skipping file", "path", path, "err", err)
			continue
		}
		stats := pipeline.Run(ctx, records, cfg.batchSize)
		printStats(path, stats)
	}

	if cfg.natsURL == "" {
		return nil
	}

	// The broker may come up after us; retry the dial before giving up.
	res := fn.Retry(ctx, fn.DefaultRetry, func(context.Context) fn.Result[*nats.Conn] {
		nc, err := nats.Connect(cfg.natsURL, nats.Name("paperatlas-ingest"))
		if err != nil {
			return fn.Err[*nats.Conn](err)
		}
		return fn.Ok(nc)
	})
	nc, err := res.Unwrap()
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	sub, err := ingest.StartConsumer(nc, pipeline, logger)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	logger.Info("consuming", "subject", ingest.Subject)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func openStore(ctx context.Context, cfg runConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.storeKind {
	case "milvus":
		return store.NewMilvus(ctx, store.MilvusConfig{
			Address:    cfg.milvusAddr,
			Collection: cfg.collection,
			Dim:        cfg.dim,
		}, logger)
	case "local":
		return store.NewLocal(cfg.localPath, cfg.dim, logger)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.storeKind)
	}
}

func loadRecords(path string) ([]domain.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []domain.RawRecord
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

func printStats(path string, stats ingest.Stats) {
	out, _ := json.MarshalIndent(struct {
		File string `json:"file"`
		ingest.Stats
	}{File: path, Stats: stats}, "", "  ")
	fmt.Println(string(out))
}
