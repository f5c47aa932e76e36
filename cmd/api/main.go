// Package main implements the paperatlas API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/paperatlas/paperatlas/engine/domain"
	"github.com/paperatlas/paperatlas/engine/embedcache"
	"github.com/paperatlas/paperatlas/engine/search"
	"github.com/paperatlas/paperatlas/engine/store"
	"github.com/paperatlas/paperatlas/pkg/embed"
	"github.com/paperatlas/paperatlas/pkg/metrics"
	"github.com/paperatlas/paperatlas/pkg/mid"
	"github.com/paperatlas/paperatlas/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	StoreKind   string
	MilvusAddr  string
	Collection  string
	LocalPath   string
	CacheDir    string
	OllamaURL   string
	OllamaModel string
	EmbedDim    int
	CORSOrigin  string
	MetricsPort int
	RateLimit   float64
}

func loadConfig() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		StoreKind:   envOr("STORE", "milvus"),
		MilvusAddr:  envOr("MILVUS_ADDR", "localhost:19530"),
		Collection:  envOr("COLLECTION", store.DefaultCollection),
		LocalPath:   envOr("LOCAL_STORE_PATH", "/tmp/paperatlas/store.gob"),
		CacheDir:    envOr("EMBED_CACHE_DIR", "/tmp/paperatlas/embeddings"),
		OllamaURL:   envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel: envOr("OLLAMA_MODEL", "nomic-embed-text"),
		EmbedDim:    intOr("EMBED_DIM", 768),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
		MetricsPort: intOr("METRICS_PORT", 9090),
		RateLimit:   floatOr("RATE_LIMIT_RPS", 50),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func floatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	// --- Vector store ---
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		// Connection and schema failures are fatal; the server must not
		// come up against a store it cannot trust.
		return fmt.Errorf("ensure schema: %w", err)
	}

	// --- Embedding provider + cache ---
	provider := embed.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbedDim)
	cache, err := embedcache.New(cfg.CacheDir, cfg.EmbedDim, logger)
	if err != nil {
		return fmt.Errorf("embedding cache: %w", err)
	}

	// --- Search service ---
	svc := search.New(search.Deps{
		Store:    st,
		Cache:    cache,
		Provider: provider,
		Logger:   logger,
		Metrics:  met,
	})

	// --- Build HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(st))
	mux.HandleFunc("POST /api/search", handleSearch(svc, logger))
	mux.HandleFunc("GET /api/papers/{id}", handleGetPaper(st, logger))
	mux.HandleFunc("GET /api/papers/{id}/similar", handleSimilar(svc, logger))
	mux.Handle("GET /metrics", met.Handler())

	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RateLimit, Burst: int(cfg.RateLimit) * 2})
	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.OTel("paperatlas-api"),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.RateLimit(limiter),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "store", cfg.StoreKind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreKind {
	case "milvus":
		return store.NewMilvus(ctx, store.MilvusConfig{
			Address:    cfg.MilvusAddr,
			Collection: cfg.Collection,
			Dim:        cfg.EmbedDim,
		}, logger)
	case "local":
		return store.NewLocal(cfg.LocalPath, cfg.EmbedDim, logger)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.StoreKind)
	}
}

// --- Handlers ---

func handleHealth(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := st.Count(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "papers": count})
	}
}

// SearchRequest is the JSON body for POST /api/search.
type SearchRequest struct {
	Query  string             `json:"query"`
	Mode   string             `json:"mode,omitempty"`
	TopK   int                `json:"top_k,omitempty"`
	Filter store.SearchFilter `json:"filter,omitempty"`
}

// SearchResponse is the JSON response for POST /api/search.
type SearchResponse struct {
	Results []store.SearchResult `json:"results"`
	Count   int                  `json:"count"`
}

func handleSearch(svc *search.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var (
			hits []store.SearchResult
			err  error
		)
		switch req.Mode {
		case "", "hybrid":
			hits, err = svc.Search(r.Context(), req.Query, req.Filter, req.TopK)
		case "text":
			hits, err = svc.SearchText(r.Context(), req.Query, req.Filter, req.TopK)
		default:
			writeError(w, http.StatusBadRequest, "unknown search mode")
			return
		}
		if err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			logger.Error("search failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, SearchResponse{Results: hits, Count: len(hits)})
	}
}

func handleGetPaper(st store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paper, err := st.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "paper not found")
				return
			}
			logger.Error("get paper failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, paper)
	}
}

func handleSimilar(svc *search.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topK := 0
		if v := r.URL.Query().Get("top_k"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid top_k")
				return
			}
			topK = n
		}

		hits, err := svc.FindSimilar(r.Context(), r.PathValue("id"), topK)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "paper not found")
				return
			}
			logger.Error("find similar failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, SearchResponse{Results: hits, Count: len(hits)})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
