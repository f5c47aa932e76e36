package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/paperatlas/paperatlas/engine/domain"
)

// snapshotVersion is bumped when the on-disk snapshot layout changes. A
// mismatch fails fast at open; there is no silent migration.
const snapshotVersion = 1

type localRow struct {
	paper   *domain.Paper
	visible bool
}

// Local is an in-process Store for development runs and tests. It honors
// the same contract as the remote store, including filter expressions and
// flush-before-search visibility, and optionally snapshots to disk.
type Local struct {
	mu   sync.RWMutex
	rows map[string]*localRow

	dim  int
	path string // empty disables persistence
	log  *slog.Logger

	// insertHook lets tests inject a failure between the delete and
	// insert halves of Update.
	insertHook func(*domain.Paper) error
}

type localSnapshot struct {
	Version int
	Dim     int
	Papers  []*domain.Paper
}

// NewLocal opens a local store. If path is non-empty an existing snapshot
// is loaded from it and every Flush rewrites it.
func NewLocal(path string, dim int, log *slog.Logger) (*Local, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Local{rows: make(map[string]*localRow), dim: dim, path: path, log: log}
	if path != "" {
		if err := l.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Local) loadSnapshot() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open snapshot %s: %w", l.path, err)
	}
	defer f.Close()

	var snap localSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("store: decode snapshot %s: %w", l.path, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: snapshot version %d, supported %d",
			domain.ErrSchemaMismatch, snap.Version, snapshotVersion)
	}
	if snap.Dim != l.dim {
		return fmt.Errorf("%w: snapshot dimension %d, configured %d",
			domain.ErrSchemaMismatch, snap.Dim, l.dim)
	}
	for _, p := range snap.Papers {
		l.rows[p.PaperID] = &localRow{paper: p, visible: true}
	}
	return nil
}

func (l *Local) Close() error { return nil }

// EnsureSchema verifies the snapshot dimension; creation is implicit.
func (l *Local) EnsureSchema(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, row := range l.rows {
		if len(row.paper.TextVector) != 0 && len(row.paper.TextVector) != l.dim {
			return fmt.Errorf("%w: stored vector dimension %d, configured %d",
				domain.ErrSchemaMismatch, len(row.paper.TextVector), l.dim)
		}
		break
	}
	return nil
}

func (l *Local) Insert(ctx context.Context, p *domain.Paper) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(p)
}

func (l *Local) insertLocked(p *domain.Paper) error {
	if l.insertHook != nil {
		if err := l.insertHook(p); err != nil {
			return fmt.Errorf("%w: paper %s: %v", domain.ErrInsert, p.PaperID, err)
		}
	}
	if len(p.TextVector) != l.dim || len(p.SemanticVector) != l.dim {
		return fmt.Errorf("%w: paper %s: vector dimension %d/%d, want %d",
			domain.ErrInsert, p.PaperID, len(p.TextVector), len(p.SemanticVector), l.dim)
	}
	l.rows[p.PaperID] = &localRow{paper: p}
	return nil
}

func (l *Local) BatchInsert(ctx context.Context, papers []*domain.Paper, batchSize int) (inserted, total int) {
	total = len(papers)
	if total == 0 {
		return 0, 0
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		chunk := papers[start:end]
		if err := l.insertChunk(chunk); err != nil {
			l.log.Error("chunk insert failed", "offset", start, "size", len(chunk), "error", err)
			continue
		}
		inserted += len(chunk)
	}

	if err := l.Flush(ctx); err != nil {
		l.log.Error("flush after batch insert failed", "error", err)
	}
	return inserted, total
}

// insertChunk is all-or-nothing so a chunk failure never half-applies.
func (l *Local) insertChunk(chunk []*domain.Paper) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range chunk {
		if l.insertHook != nil {
			if err := l.insertHook(p); err != nil {
				return fmt.Errorf("%w: paper %s: %v", domain.ErrInsert, p.PaperID, err)
			}
		}
		if len(p.TextVector) != l.dim || len(p.SemanticVector) != l.dim {
			return fmt.Errorf("%w: paper %s: bad vector dimension", domain.ErrInsert, p.PaperID)
		}
	}
	for _, p := range chunk {
		l.rows[p.PaperID] = &localRow{paper: p}
	}
	return nil
}

func (l *Local) ExistingIDs(ctx context.Context, scope IDScope) (map[string]struct{}, error) {
	expr, err := scopeExpr(scope)
	if err != nil {
		return nil, err
	}
	node, err := parseExpr(expr)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make(map[string]struct{})
	for id, row := range l.rows {
		if !row.visible {
			continue
		}
		if node != nil && !node.eval(fieldGetter(row.paper)) {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (l *Local) Search(ctx context.Context, vectorField string, vec []float32, topK int, filterExpr string) ([]SearchResult, error) {
	node, err := parseExpr(filterExpr)
	if err != nil {
		return nil, err
	}
	var pick func(p *domain.Paper) []float32
	switch vectorField {
	case FieldTextVector:
		pick = func(p *domain.Paper) []float32 { return p.TextVector }
	case FieldSemanticVector:
		pick = func(p *domain.Paper) []float32 { return p.SemanticVector }
	default:
		return nil, fmt.Errorf("store: unknown vector field %q", vectorField)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []SearchResult
	for _, row := range l.rows {
		if !row.visible {
			continue
		}
		p := row.paper
		if node != nil && !node.eval(fieldGetter(p)) {
			continue
		}
		r := SearchResult{
			PaperID:        p.PaperID,
			Title:          p.Title,
			Abstract:       p.Abstract,
			Conference:     p.Conference,
			Year:           p.Year,
			PracticalValue: p.Metrics.PracticalValueScore,
			Score:          similarityFromCosine(cosine(vec, pick(p))),
		}
		if p.Analysis != nil {
			r.Scenario = p.Analysis.ApplicationScenario
			r.TaskType = p.Analysis.TaskType
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PaperID < out[j].PaperID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (l *Local) Get(ctx context.Context, paperID string) (*domain.Paper, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.rows[paperID]
	if !ok || !row.visible {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, paperID)
	}
	// Detached copy; callers must not be able to mutate stored state.
	return clonePaper(row.paper), nil
}

func clonePaper(p *domain.Paper) *domain.Paper {
	c := *p
	c.Keywords = slices.Clone(p.Keywords)
	c.Tags = slices.Clone(p.Tags)
	c.TextVector = slices.Clone(p.TextVector)
	c.SemanticVector = slices.Clone(p.SemanticVector)
	if p.Analysis != nil {
		a := *p.Analysis
		a.TaskObjectives = slices.Clone(p.Analysis.TaskObjectives)
		a.ScenarioKeywords = slices.Clone(p.Analysis.ScenarioKeywords)
		a.TaskKeywords = slices.Clone(p.Analysis.TaskKeywords)
		c.Analysis = &a
	}
	return &c
}

func (l *Local) Delete(ctx context.Context, paperIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range paperIDs {
		delete(l.rows, id)
	}
	return nil
}

func (l *Local) Update(ctx context.Context, p *domain.Paper) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, p.PaperID)
	if err := l.insertLocked(p); err != nil {
		return fmt.Errorf("%w: paper %s deleted but not reinserted: %v", domain.ErrInconsistent, p.PaperID, err)
	}
	l.rows[p.PaperID].visible = true
	return nil
}

// Flush makes pending rows searchable and rewrites the snapshot.
func (l *Local) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.rows {
		row.visible = true
	}
	if l.path == "" {
		return nil
	}
	return l.writeSnapshotLocked()
}

func (l *Local) writeSnapshotLocked() error {
	snap := localSnapshot{Version: snapshotVersion, Dim: l.dim}
	for _, row := range l.rows {
		snap.Papers = append(snap.Papers, row.paper)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return nil
}

func (l *Local) Count(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n int64
	for _, row := range l.rows {
		if row.visible {
			n++
		}
	}
	return n, nil
}

// fieldGetter adapts a paper to the filter-expression evaluator using the
// same field names the remote schema exposes.
func fieldGetter(p *domain.Paper) func(string) (any, bool) {
	return func(field string) (any, bool) {
		switch field {
		case fieldPaperID:
			return p.PaperID, true
		case fieldTitle:
			return p.Title, true
		case fieldConference:
			return p.Conference, true
		case fieldYear:
			return p.Year, true
		case fieldScenario:
			if p.Analysis == nil {
				return "", true
			}
			return p.Analysis.ApplicationScenario, true
		case fieldTaskType:
			if p.Analysis == nil {
				return "", true
			}
			return p.Analysis.TaskType, true
		case fieldScenarioConf:
			if p.Analysis == nil {
				return float32(0), true
			}
			return p.Analysis.ScenarioConfidence, true
		case fieldTaskConf:
			if p.Analysis == nil {
				return float32(0), true
			}
			return p.Analysis.TaskConfidence, true
		case fieldPracticalValue:
			return p.Metrics.PracticalValueScore, true
		case fieldInfluence:
			return p.Metrics.InfluenceScore, true
		case fieldCitations:
			return p.Metrics.CitationCount, true
		case fieldCompleteInfo:
			return p.HasCompleteInfo(), true
		case fieldAnalysisDone:
			return p.AnalysisComplete(), true
		default:
			return nil, false
		}
	}
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
