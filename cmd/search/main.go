// Command search runs a one-shot query against the paper collection and
// prints the ranked results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/paperatlas/paperatlas/engine/embedcache"
	"github.com/paperatlas/paperatlas/engine/search"
	"github.com/paperatlas/paperatlas/engine/store"
	"github.com/paperatlas/paperatlas/pkg/embed"
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
		topK        = flag.Int("top", 10, "number of results")
		mode        = flag.String("mode", "hybrid", "search mode (hybrid or text)")
		conference  = flag.String("conference", "", "filter by conference")
		year        = flag.Int("year", 0, "filter by exact year")
		yearFrom    = flag.Int("year-from", 0, "filter by year range start")
		yearTo      = flag.Int("year-to", 0, "filter by year range end")
		scenario    = flag.String("scenario", "", "filter by application scenario")
		taskType    = flag.String("task", "", "filter by task type")
		complete    = flag.Bool("complete", false, "only papers with complete info")
		asJSON      = flag.Bool("json", false, "print results as JSON")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	query := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(os.Stderr, "usage: search [flags] <query>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx := context.Background()

	st, err := openStore(ctx, *storeKind, *milvusAddr, *collection, *localPath, *dim, logger)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	cache, err := embedcache.New(*cacheDir, *dim, logger)
	if err != nil {
		fatal(err)
	}

	svc := search.New(search.Deps{
		Store:    st,
		Cache:    cache,
		Provider: embed.NewOllama(*ollamaURL, *ollamaModel, *dim),
		Logger:   logger,
	})

	filter := store.SearchFilter{
		Year:         *year,
		YearFrom:     *yearFrom,
		YearTo:       *yearTo,
		Scenario:     *scenario,
		TaskType:     *taskType,
		CompleteOnly: *complete,
	}
	if *conference != "" {
		filter.Conferences = []string{*conference}
	}

	var hits []store.SearchResult
	switch *mode {
	case "hybrid":
		hits, err = svc.Search(ctx, query, filter, *topK)
	case "text":
		hits, err = svc.SearchText(ctx, query, filter, *topK)
	default:
		fatal(fmt.Errorf("unknown mode %q", *mode))
	}
	if err != nil {
		fatal(err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(hits, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(hits) == 0 {
		fmt.Println("no results")
		return
	}
	for i, h := range hits {
		fmt.Printf("%2d. [%.3f] %s (%s %d)\n", i+1, h.Score, h.Title, h.Conference, h.Year)
		if h.Scenario != "" || h.TaskType != "" {
			fmt.Printf("      %s / %s\n", h.Scenario, h.TaskType)
		}
	}
}

func openStore(ctx context.Context, kind, addr, collection, localPath string, dim int, logger *slog.Logger) (store.Store, error) {
	switch kind {
	case "milvus":
		return store.NewMilvus(ctx, store.MilvusConfig{Address: addr, Collection: collection, Dim: dim}, logger)
	case "local":
		return store.NewLocal(localPath, dim, logger)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
