package embedcache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const testDim = 8

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), testDim, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func constVector(v float32) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vec := make([]float32, testDim)
		for i := range vec {
			vec[i] = v
		}
		return vec, nil
	}
}

func TestGetOrComputeIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	calls := 0
	embed := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return constVector(0.5)(ctx, text)
	}

	first, err := c.GetOrCompute(ctx, "text", "hello world", embed)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.GetOrCompute(ctx, "text", "hello world", embed)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("embed called %d times, want 1", calls)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("vectors differ at %d: %g vs %g", i, first[i], second[i])
		}
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 1/1", hits, misses)
	}
}

func TestNormalizationCollapsesKeys(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	calls := 0
	embed := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return constVector(1)(ctx, text)
	}

	if _, err := c.GetOrCompute(ctx, "text", "  hello   world ", embed); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompute(ctx, "text", "hello world", embed); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("whitespace variants were not collapsed, embed called %d times", calls)
	}
}

func TestPurposesAreIndependent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	calls := 0
	embed := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return constVector(1)(ctx, text)
	}

	if _, err := c.GetOrCompute(ctx, "text", "same input", embed); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompute(ctx, "semantic", "same input", embed); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("distinct purposes shared a cache entry, embed called %d times", calls)
	}
}

func TestEmbedFailureReturnsZeroVector(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	failing := func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("model unavailable")
	}
	vec, err := c.GetOrCompute(ctx, "text", "anything", failing)
	if err == nil {
		t.Fatal("expected error from failing encoder")
	}
	if len(vec) != testDim {
		t.Fatalf("zero vector has dimension %d, want %d", len(vec), testDim)
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("vector[%d] = %g, want 0", i, v)
		}
	}

	// The failure must not be cached: a later working encoder runs.
	calls := 0
	working := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return constVector(1)(ctx, text)
	}
	if _, err := c.GetOrCompute(ctx, "text", "anything", working); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if calls != 1 {
		t.Errorf("working encoder called %d times, want 1", calls)
	}
}

func TestWrongDimensionRejected(t *testing.T) {
	c := newTestCache(t)
	bad := func(ctx context.Context, text string) ([]float32, error) {
		return make([]float32, testDim+1), nil
	}
	vec, err := c.GetOrCompute(context.Background(), "text", "x", bad)
	if err == nil {
		t.Fatal("expected dimension error")
	}
	if len(vec) != testDim {
		t.Fatalf("fallback vector has dimension %d, want %d", len(vec), testDim)
	}
}

func TestCorruptEntryTreatedAsMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, err := c.GetOrCompute(ctx, "text", "payload", constVector(1)); err != nil {
		t.Fatal(err)
	}

	// Corrupt the blob on disk.
	key := Key("text", Normalize("payload"))
	if err := os.WriteFile(filepath.Join(c.dir, key+".gob"), []byte("not gob"), 0o644); err != nil {
		t.Fatal(err)
	}

	calls := 0
	embed := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return constVector(2)(ctx, text)
	}
	vec, err := c.GetOrCompute(ctx, "text", "payload", embed)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("corrupt entry was served, embed called %d times", calls)
	}
	if vec[0] != 2 {
		t.Errorf("recomputed vector not returned: %g", vec[0])
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			texts := []string{"alpha", "beta", "gamma", "delta"}
			for j := 0; j < 20; j++ {
				text := texts[(n+j)%len(texts)]
				vec, err := c.GetOrCompute(ctx, "text", text, constVector(1))
				if err != nil {
					t.Errorf("GetOrCompute(%q): %v", text, err)
					return
				}
				if len(vec) != testDim {
					t.Errorf("dimension %d", len(vec))
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestNormalizeCapsWords(t *testing.T) {
	long := ""
	for i := 0; i < maxWords+50; i++ {
		long += "w "
	}
	norm := Normalize(long)
	words := 1
	for _, r := range norm {
		if r == ' ' {
			words++
		}
	}
	if words != maxWords {
		t.Errorf("normalized to %d words, want %d", words, maxWords)
	}
}
