package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/paperatlas/paperatlas/engine/domain"
	"github.com/paperatlas/paperatlas/engine/embedcache"
	"github.com/paperatlas/paperatlas/engine/ingest"
	"github.com/paperatlas/paperatlas/engine/search"
	"github.com/paperatlas/paperatlas/engine/store"
)

const testDim = 8

type fakeProvider struct{}

func (fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	h := sha256.Sum256([]byte(text))
	vec := make([]float32, testDim)
	for i := range vec {
		vec[i] = float32(h[i])/128 - 1
	}
	return vec, nil
}

func (fakeProvider) Dim() int          { return testDim }
func (fakeProvider) ModelName() string { return "fake" }

func newTestMux(t *testing.T) (*http.ServeMux, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	st, err := store.NewLocal("", testDim, log)
	if err != nil {
		t.Fatal(err)
	}
	cache, err := embedcache.New(t.TempDir(), testDim, log)
	if err != nil {
		t.Fatal(err)
	}

	record := domain.RawRecord{
		Title:      "Robust planning under uncertainty",
		Abstract:   "A study of planning algorithms that stay reliable when observations are noisy.",
		Conference: "NeurIPS",
		Year:       2024,
	}
	p := ingest.New(ingest.Deps{Store: st, Cache: cache, Provider: fakeProvider{}, Logger: log}, 1)
	if stats := p.Run(context.Background(), []domain.RawRecord{record}, 10); stats.Inserted != 1 {
		t.Fatalf("seed ingest failed: %+v", stats)
	}

	svc := search.New(search.Deps{Store: st, Cache: cache, Provider: fakeProvider{}, Logger: log})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(st))
	mux.HandleFunc("POST /api/search", handleSearch(svc, log))
	mux.HandleFunc("GET /api/papers/{id}", handleGetPaper(st, log))
	mux.HandleFunc("GET /api/papers/{id}/similar", handleSimilar(svc, log))

	return mux, domain.PaperID(record.Title, record.Conference, record.Year)
}

func TestHealthz(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body %v", body)
	}
}

func TestSearchEndpoint(t *testing.T) {
	mux, wantID := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/search",
		strings.NewReader(`{"query":"planning under uncertainty","top_k":5}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Results[0].PaperID != wantID {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSearchEndpointBadRequests(t *testing.T) {
	mux, _ := newTestMux(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"query":`},
		{"empty query", `{"query":"  "}`},
		{"unknown mode", `{"query":"x","mode":"fuzzy"}`},
		{"unsafe filter", `{"query":"x","filter":{"conferences":["a' or 1"]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetPaperEndpoint(t *testing.T) {
	mux, id := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/papers/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var paper domain.Paper
	if err := json.Unmarshal(rec.Body.Bytes(), &paper); err != nil {
		t.Fatal(err)
	}
	if paper.PaperID != id {
		t.Fatalf("got paper %q, want %q", paper.PaperID, id)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/papers/paper_000000000000", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestSimilarEndpoint(t *testing.T) {
	mux, id := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/papers/"+id+"/similar?top_k=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	for _, h := range resp.Results {
		if h.PaperID == id {
			t.Fatal("similar results include the paper itself")
		}
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/papers/"+id+"/similar?top_k=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}
