package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/paperatlas/paperatlas/engine/domain"
)

const localDim = 4

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal("", localDim, quietLogger())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func testPaper(id string, vec []float32) *domain.Paper {
	p := &domain.Paper{
		PaperID:        id,
		Title:          "Paper " + id,
		Abstract:       "an abstract long enough for completeness",
		Conference:     "ICML",
		Year:           2024,
		TextVector:     vec,
		SemanticVector: vec,
	}
	return p
}

func unitVec(axis int) []float32 {
	v := make([]float32, localDim)
	v[axis%localDim] = 1
	return v
}

func TestInsertInvisibleBeforeFlush(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	if err := l.Insert(ctx, testPaper("p1", unitVec(0))); err != nil {
		t.Fatal(err)
	}
	hits, err := l.Search(ctx, FieldTextVector, unitVec(0), 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("unflushed insert visible to search: %d hits", len(hits))
	}

	if err := l.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	hits, err = l.Search(ctx, FieldTextVector, unitVec(0), 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PaperID != "p1" {
		t.Fatalf("flushed insert not found: %+v", hits)
	}
}

func TestSearchOrderingAndTopK(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	// p1 aligned with the query, p2 orthogonal, p3 in between.
	papers := []*domain.Paper{
		testPaper("p1", []float32{1, 0, 0, 0}),
		testPaper("p2", []float32{0, 1, 0, 0}),
		testPaper("p3", []float32{1, 1, 0, 0}),
	}
	if ins, tot := l.BatchInsert(ctx, papers, 10); ins != 3 || tot != 3 {
		t.Fatalf("BatchInsert = %d/%d", ins, tot)
	}

	hits, err := l.Search(ctx, FieldTextVector, []float32{1, 0, 0, 0}, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("topK not honored: %d hits", len(hits))
	}
	if hits[0].PaperID != "p1" || hits[1].PaperID != "p3" {
		t.Errorf("order = %s, %s; want p1, p3", hits[0].PaperID, hits[1].PaperID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores not descending: %g < %g", hits[0].Score, hits[1].Score)
	}
	if hits[0].Score < 0 || hits[0].Score > 1 {
		t.Errorf("score outside [0,1]: %g", hits[0].Score)
	}
}

func TestSearchHonorsFilterExpr(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	p1 := testPaper("p1", unitVec(0))
	p2 := testPaper("p2", unitVec(0))
	p2.Year = 2019
	l.BatchInsert(ctx, []*domain.Paper{p1, p2}, 10)

	expr, err := SearchFilter{YearFrom: 2020, YearTo: 2025}.Compile()
	if err != nil {
		t.Fatal(err)
	}
	hits, err := l.Search(ctx, FieldTextVector, unitVec(0), 10, expr)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PaperID != "p1" {
		t.Fatalf("filter not applied: %+v", hits)
	}
}

func TestBatchInsertChunkIsolation(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	fail := errors.New("boom")
	l.insertHook = func(p *domain.Paper) error {
		if p.PaperID == "p3" {
			return fail
		}
		return nil
	}

	papers := make([]*domain.Paper, 6)
	for i := range papers {
		papers[i] = testPaper(fmt.Sprintf("p%d", i), unitVec(i))
	}
	// Chunks of 2: the chunk holding p3 fails, the other two commit.
	inserted, total := l.BatchInsert(ctx, papers, 2)
	if total != 6 {
		t.Fatalf("total = %d", total)
	}
	if inserted != 4 {
		t.Fatalf("inserted = %d, want 4 (one failed chunk of 2)", inserted)
	}

	ids, err := l.ExistingIDs(ctx, IDScope{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 4 {
		t.Errorf("store holds %d rows, want 4", len(ids))
	}
	if _, ok := ids["p3"]; ok {
		t.Error("failed chunk partially applied")
	}
}

func TestExistingIDsScope(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	p1 := testPaper("p1", unitVec(0))
	p2 := testPaper("p2", unitVec(1))
	p2.Conference = "NeurIPS"
	p3 := testPaper("p3", unitVec(2))
	p3.Year = 2022
	l.BatchInsert(ctx, []*domain.Paper{p1, p2, p3}, 10)

	ids, err := l.ExistingIDs(ctx, IDScope{Conferences: []string{"ICML"}, Years: []int{2024}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("scoped ids = %v, want just p1", ids)
	}
	if _, ok := ids["p1"]; !ok {
		t.Errorf("p1 missing from scoped ids")
	}
}

func TestGetAndDelete(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	p := testPaper("p1", unitVec(0))
	l.BatchInsert(ctx, []*domain.Paper{p}, 10)

	got, err := l.Get(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != p.Title {
		t.Errorf("Get returned wrong paper: %q", got.Title)
	}

	if err := l.Delete(ctx, []string{"p1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Get(ctx, "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted paper still found: %v", err)
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	p := testPaper("p1", unitVec(0))
	p.Keywords = []string{"vision"}
	p.Analysis = &domain.AnalysisResult{
		ApplicationScenario: "Medical Diagnosis",
		TaskObjectives:      []string{"diagnose"},
	}
	l.BatchInsert(ctx, []*domain.Paper{p}, 10)

	got, err := l.Get(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	got.Title = "mutated"
	got.TextVector[0] = 9
	got.Keywords[0] = "mutated"
	got.Analysis.ApplicationScenario = "mutated"
	got.Analysis.TaskObjectives[0] = "mutated"

	again, err := l.Get(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Title != "Paper p1" {
		t.Errorf("stored title mutated: %q", again.Title)
	}
	if again.TextVector[0] != 1 {
		t.Errorf("stored vector mutated: %v", again.TextVector)
	}
	if again.Keywords[0] != "vision" {
		t.Errorf("stored keywords mutated: %v", again.Keywords)
	}
	if again.Analysis.ApplicationScenario != "Medical Diagnosis" {
		t.Errorf("stored analysis mutated: %q", again.Analysis.ApplicationScenario)
	}
	if again.Analysis.TaskObjectives[0] != "diagnose" {
		t.Errorf("stored objectives mutated: %v", again.Analysis.TaskObjectives)
	}
}

func TestUpdateInconsistencyWindow(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	p := testPaper("p1", unitVec(0))
	l.BatchInsert(ctx, []*domain.Paper{p}, 10)

	// Fail the insert half of delete-then-insert.
	l.insertHook = func(*domain.Paper) error { return errors.New("boom") }
	updated := testPaper("p1", unitVec(1))
	err := l.Update(ctx, updated)
	if !errors.Is(err, domain.ErrInconsistent) {
		t.Fatalf("error = %v, want ErrInconsistent", err)
	}

	// The accepted failure window: the old record is gone.
	if _, err := l.Get(ctx, "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("record survived the failed update: %v", err)
	}
}

func TestUpdateReplacesRecord(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	l.BatchInsert(ctx, []*domain.Paper{testPaper("p1", unitVec(0))}, 10)

	updated := testPaper("p1", unitVec(1))
	updated.Title = "Updated"
	if err := l.Update(ctx, updated); err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Updated" {
		t.Errorf("update not applied: %q", got.Title)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "papers.snapshot")
	ctx := context.Background()

	l, err := NewLocal(path, localDim, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	l.BatchInsert(ctx, []*domain.Paper{testPaper("p1", unitVec(0))}, 10)

	reopened, err := NewLocal(path, localDim, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Get(ctx, "p1"); err != nil {
		t.Errorf("snapshot did not survive reopen: %v", err)
	}
}

func TestSnapshotDimensionMismatchFailsFast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "papers.snapshot")
	ctx := context.Background()

	l, err := NewLocal(path, localDim, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	l.BatchInsert(ctx, []*domain.Paper{testPaper("p1", unitVec(0))}, 10)

	_, err = NewLocal(path, localDim+1, quietLogger())
	if !errors.Is(err, domain.ErrSchemaMismatch) {
		t.Fatalf("error = %v, want ErrSchemaMismatch", err)
	}
}

func TestCount(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	if err := l.Insert(ctx, testPaper("p1", unitVec(0))); err != nil {
		t.Fatal(err)
	}
	n, err := l.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unflushed rows counted: %d", n)
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ = l.Count(ctx); n != 1 {
		t.Errorf("count after flush = %d, want 1", n)
	}
}
