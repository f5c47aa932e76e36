// Package store owns all vector-store operations: collection schema,
// batched insertion, filtered similarity search, and hybrid score fusion.
// Two implementations share the contract, a remote Milvus store and an
// in-process store for local runs and tests; callers must not depend on
// which one is active.
package store

import (
	"context"

	"github.com/paperatlas/paperatlas/engine/domain"
)

// Vector field names. The metric and dimension are fixed at schema
// creation and never change without a full reindex.
const (
	FieldTextVector     = "text_vector"
	FieldSemanticVector = "semantic_vector"
)

// DefaultCollection is the collection name used unless configured.
const DefaultCollection = "conference_papers"

// queryCap is the store's single-query row limit. ExistingIDs pages with
// an offset until a short page so results are never silently truncated.
const queryCap = 16384

// SearchResult is one ranked hit. Score is a similarity in [0,1]; after
// hybrid fusion it is the weighted combination and the per-space scores
// are kept for inspection.
type SearchResult struct {
	PaperID        string  `json:"paper_id"`
	Title          string  `json:"title"`
	Abstract       string  `json:"abstract,omitempty"`
	Conference     string  `json:"conference"`
	Year           int     `json:"year"`
	Scenario       string  `json:"application_scenario,omitempty"`
	TaskType       string  `json:"task_type,omitempty"`
	PracticalValue float32 `json:"practical_value_score,omitempty"`

	Score         float32 `json:"score"`
	TextScore     float32 `json:"text_score,omitempty"`
	SemanticScore float32 `json:"semantic_score,omitempty"`
}

// IDScope restricts an ExistingIDs query. Zero value means all records.
type IDScope struct {
	Conferences []string
	Years       []int
}

// Store is the vector-store contract.
//
// BatchInsert splits papers into chunks of batchSize and submits each
// chunk independently; a failed chunk is logged and skipped, not
// retried, and does not abort later chunks. Data becomes visible to
// Search only after Flush.
//
// Update is delete-then-insert. If the insert fails after the delete
// succeeded the record is gone and the error wraps
// domain.ErrInconsistent; callers own recovery.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, p *domain.Paper) error
	BatchInsert(ctx context.Context, papers []*domain.Paper, batchSize int) (inserted, total int)
	ExistingIDs(ctx context.Context, scope IDScope) (map[string]struct{}, error)
	Search(ctx context.Context, vectorField string, vec []float32, topK int, filterExpr string) ([]SearchResult, error)
	Get(ctx context.Context, paperID string) (*domain.Paper, error)
	Delete(ctx context.Context, paperIDs []string) error
	Update(ctx context.Context, p *domain.Paper) error
	Flush(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// similarityFromCosine maps a cosine score in [-1,1] to [0,1].
func similarityFromCosine(s float32) float32 {
	v := (1 + s) / 2
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
