// Package search is the read side of the engine: hybrid text+semantic
// queries against the vector store and similar-paper lookup. All
// embeddings go through the shared cache, so a query repeated by any
// caller costs one provider call at most.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paperatlas/paperatlas/engine/domain"
	"github.com/paperatlas/paperatlas/engine/embedcache"
	"github.com/paperatlas/paperatlas/engine/ingest"
	"github.com/paperatlas/paperatlas/engine/store"
	"github.com/paperatlas/paperatlas/pkg/embed"
	"github.com/paperatlas/paperatlas/pkg/fn"
	"github.com/paperatlas/paperatlas/pkg/metrics"
)

const tracerName = "paperatlas/search"

// DefaultTopK is used when a caller asks for zero or negative results.
const DefaultTopK = 10

// SemanticQuery is the scenario/task view of a free-text query, encoded
// against the semantic vector space.
type SemanticQuery struct {
	Scenario string `json:"scenario"`
	Task     string `json:"task"`
}

// Deps are the service's collaborators. Metrics may be nil. Zero
// weights fall back to the store defaults (0.7 text, 0.3 semantic).
type Deps struct {
	Store    store.Store
	Cache    *embedcache.Cache
	Provider embed.Provider
	Logger   *slog.Logger
	Metrics  *metrics.Registry

	TextWeight     float32
	SemanticWeight float32
}

// Service answers search queries over the paper collection.
type Service struct {
	deps      Deps
	log       *slog.Logger
	textW     float32
	semanticW float32
}

// New builds a search Service.
func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	textW, semanticW := deps.TextWeight, deps.SemanticWeight
	if textW == 0 && semanticW == 0 {
		textW, semanticW = store.DefaultTextWeight, store.DefaultSemanticWeight
	}
	return &Service{deps: deps, log: log, textW: textW, semanticW: semanticW}
}

// armSpec names one side of a hybrid query: which vector field to
// search and what text, embedded under which cache purpose, to rank by.
type armSpec struct {
	field   string
	purpose string
	text    string
}

// Search runs a hybrid query: the raw query text ranked in the text
// vector space, its scenario/task reading ranked in the semantic space,
// then the two rankings fused under the configured weights.
func (s *Service) Search(ctx context.Context, query string, filter store.SearchFilter, topK int) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: %w", domain.NewValidationError("query", query, domain.ErrEmptyQuery))
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "search.hybrid",
		trace.WithAttributes(attribute.Int("top_k", topK)))
	defer span.End()
	start := time.Now()

	expr, err := filter.Compile()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	sq := ExtractSemanticQuery(query)
	fetch := topK * 2

	// Both arms over-fetch before fusion so a hit strong in only one
	// space still survives the cut. They share no state and run
	// concurrently.
	arms := []armSpec{
		{store.FieldTextVector, ingest.PurposeText, query},
		{store.FieldSemanticVector, ingest.PurposeSemantic, domain.SemanticText(sq.Scenario, sq.Task, nil)},
	}
	results := fn.ParMapResult(arms, len(arms), func(a armSpec) fn.Result[[]store.SearchResult] {
		return s.arm(ctx, a, fetch, expr)
	})
	textHits, err := results[0].Unwrap()
	if err != nil {
		return nil, err
	}
	semanticHits, err := results[1].Unwrap()
	if err != nil {
		return nil, err
	}

	merged := store.Merge(textHits, semanticHits, s.textW, s.semanticW, topK)
	s.record("hybrid", time.Since(start))
	s.log.Debug("hybrid search",
		"query", query,
		"scenario", sq.Scenario,
		"task", sq.Task,
		"text_hits", len(textHits),
		"semantic_hits", len(semanticHits),
		"results", len(merged),
	)
	return merged, nil
}

// SearchText ranks the query in the text vector space only.
func (s *Service) SearchText(ctx context.Context, query string, filter store.SearchFilter, topK int) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: %w", domain.NewValidationError("query", query, domain.ErrEmptyQuery))
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "search.text",
		trace.WithAttributes(attribute.Int("top_k", topK)))
	defer span.End()
	start := time.Now()

	expr, err := filter.Compile()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits, err := s.searchArm(ctx, store.FieldTextVector, ingest.PurposeText, query, topK, expr)
	if err != nil {
		return nil, err
	}
	s.record("text", time.Since(start))
	return hits, nil
}

// FindSimilar returns the papers nearest to an existing one, ranked in
// the text space by the paper's own stored content. The paper itself is
// never among the results.
func (s *Service) FindSimilar(ctx context.Context, paperID string, topK int) ([]store.SearchResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "search.similar",
		trace.WithAttributes(attribute.String("paper_id", paperID)))
	defer span.End()
	start := time.Now()

	paper, err := s.deps.Store.Get(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("search: similar to %s: %w", paperID, err)
	}

	// The paper's text content was embedded at ingest time under the
	// same purpose, so this is a cache hit, not a provider call.
	hits, err := s.searchArm(ctx, store.FieldTextVector, ingest.PurposeText, paper.TextContent(), topK+1, "")
	if err != nil {
		return nil, err
	}

	out := hits[:0]
	for _, h := range hits {
		if h.PaperID == paperID {
			continue
		}
		out = append(out, h)
	}
	if len(out) > topK {
		out = out[:topK]
	}
	s.record("similar", time.Since(start))
	return out, nil
}

// arm runs searchArm as a traced stage, the unit ParMapResult fans out.
func (s *Service) arm(ctx context.Context, a armSpec, topK int, expr string) fn.Result[[]store.SearchResult] {
	stage := fn.Traced("search."+a.field, func(ctx context.Context, a armSpec) fn.Result[[]store.SearchResult] {
		hits, err := s.searchArm(ctx, a.field, a.purpose, a.text, topK, expr)
		if err != nil {
			return fn.Err[[]store.SearchResult](err)
		}
		return fn.Ok(hits)
	})
	return stage(ctx, a)
}

// searchArm embeds text under one cache purpose and queries one vector
// field with it.
func (s *Service) searchArm(ctx context.Context, vectorField, purpose, text string, topK int, expr string) ([]store.SearchResult, error) {
	vec, err := s.deps.Cache.GetOrCompute(ctx, purpose, text, s.deps.Provider.Embed)
	if err != nil {
		return nil, fmt.Errorf("search: encode query: %w", err)
	}
	hits, err := s.deps.Store.Search(ctx, vectorField, vec, topK, expr)
	if err != nil {
		return nil, fmt.Errorf("search: %s: %w", vectorField, err)
	}
	return hits, nil
}

func (s *Service) record(mode string, elapsed time.Duration) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.Counter(metrics.WithLabels("search_requests_total", "mode", mode), "search requests served").Inc()
	m.Histogram("search_latency_seconds", "wall time per search request", nil).Observe(elapsed.Seconds())
}

// scenarioKeywords and taskKeywords map query words to the canonical
// scenario and task labels papers are tagged with at analysis time.
var scenarioKeywords = []struct{ word, label string }{
	{"medical", "Medical Diagnosis"},
	{"healthcare", "Medical Diagnosis"},
	{"driving", "Autonomous Driving"},
	{"vehicle", "Autonomous Driving"},
	{"financial", "Financial Technology"},
	{"finance", "Financial Technology"},
	{"city", "Smart City"},
	{"urban", "Smart City"},
}

var taskKeywords = []struct{ word, label string }{
	{"predict", "Prediction Tasks"},
	{"classify", "Classification Tasks"},
	{"generate", "Generation Tasks"},
	{"optimize", "Optimization Tasks"},
}

// ExtractSemanticQuery derives the scenario and task a free-text query
// is about. First keyword wins per axis; unmatched axes stay empty and
// fall back to the generic phrasing inside the semantic encoding.
func ExtractSemanticQuery(query string) SemanticQuery {
	q := strings.ToLower(query)
	var sq SemanticQuery
	for _, k := range scenarioKeywords {
		if strings.Contains(q, k.word) {
			sq.Scenario = k.label
			break
		}
	}
	for _, k := range taskKeywords {
		if strings.Contains(q, k.word) {
			sq.Task = k.label
			break
		}
	}
	return sq
}
