// Package ingest turns raw paper records into embedded, deduplicated
// rows in the vector store. Chunks are processed by a bounded worker
// pool, each worker owning one chunk end to end, with results funneled
// into a single stats aggregator.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paperatlas/paperatlas/engine/domain"
	"github.com/paperatlas/paperatlas/engine/embedcache"
	"github.com/paperatlas/paperatlas/engine/store"
	"github.com/paperatlas/paperatlas/pkg/embed"
	"github.com/paperatlas/paperatlas/pkg/fn"
	"github.com/paperatlas/paperatlas/pkg/metrics"
)

const tracerName = "paperatlas/ingest"

// Embedding purposes; each is cached independently.
const (
	PurposeText     = "text"
	PurposeSemantic = "semantic"
)

// Analyzer attaches a task-scenario analysis to a record. External and
// fallible; a failure drops the one record, never the chunk.
type Analyzer interface {
	Analyze(ctx context.Context, r domain.RawRecord) (*domain.AnalysisResult, error)
}

// Stats is the single source of truth for a run, returned even on
// partial failure. Inserted + Failed + Skipped always equals Total, and
// Inserted <= Processed <= Total.
type Stats struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Inserted  int           `json:"inserted"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Deps are the pipeline's collaborators. Analyzer may be nil when
// records arrive pre-analyzed; Metrics may be nil.
type Deps struct {
	Store    store.Store
	Cache    *embedcache.Cache
	Provider embed.Provider
	Analyzer Analyzer
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Pipeline ingests batches of records.
type Pipeline struct {
	deps    Deps
	workers int
	log     *slog.Logger
}

// New builds a Pipeline with the given worker-pool size (minimum 1).
func New(deps Deps, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{deps: deps, workers: workers, log: log}
}

// chunkOutcome is what one worker reports back for one chunk.
type chunkOutcome struct {
	size      int // records dispatched in this chunk
	processed int // records that survived analysis and encoding
	inserted  int
}

// Run ingests records in chunks of batchSize. Deduplication happens
// before dispatch; a record whose id already exists in the store is
// skipped, not re-inserted. Cancelling ctx stops dispatching new chunks
// but lets in-flight chunks finish and be counted.
func (p *Pipeline) Run(ctx context.Context, records []domain.RawRecord, batchSize int) Stats {
	start := time.Now()
	stats := Stats{RunID: uuid.NewString(), Total: len(records)}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.run",
		trace.WithAttributes(
			attribute.String("run_id", stats.RunID),
			attribute.Int("records", len(records)),
		))
	defer span.End()

	log := p.log.With("run_id", stats.RunID)

	if batchSize <= 0 {
		batchSize = 100
	}

	// Validation gate. Invalid records are counted failed up front.
	valid := records[:0:0]
	for _, r := range records {
		if err := domain.ValidateRecord(r); err != nil {
			log.Warn("invalid record dropped", "title", r.Title, "error", err)
			stats.Failed++
			continue
		}
		valid = append(valid, r)
	}

	// Dedup against the store before any embedding work.
	fresh, skipped := p.dedup(ctx, log, valid)
	stats.Skipped = skipped

	chunks := fn.Chunk(fresh, batchSize)

	work := make(chan []domain.RawRecord)
	outcomes := make(chan chunkOutcome)
	// In-flight chunks run to completion even after cancellation, so
	// their work happens on a context detached from ctx.
	workCtx := context.WithoutCancel(ctx)

	for i := 0; i < p.workers; i++ {
		go func() {
			for chunk := range work {
				outcomes <- p.runChunk(workCtx, log, chunk, batchSize)
			}
		}()
	}

	sent := make(chan int, 1)
	go func() {
		defer close(work)
		n := 0
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				log.Warn("run cancelled, draining in-flight chunks", "cause", ctx.Err())
				sent <- n
				return
			case work <- chunk:
				n++
			}
		}
		sent <- n
	}()

	// Single aggregator: workers never touch shared stats.
	dispatched := 0
	collect := func(out chunkOutcome) {
		dispatched += out.size
		stats.Processed += out.processed
		stats.Inserted += out.inserted
		stats.Failed += out.size - out.inserted
	}
	collected := 0
	cancelled := false
	for !cancelled && collected < len(chunks) {
		select {
		case out := <-outcomes:
			collect(out)
			collected++
		case <-ctx.Done():
			cancelled = true
		}
	}
	if cancelled {
		// The dispatcher stops promptly once ctx is done; wait for its
		// exact count, then drain only the chunks actually in flight.
		for inFlight := <-sent; collected < inFlight; collected++ {
			collect(<-outcomes)
		}
	}
	// Records never dispatched count as failed.
	stats.Failed += len(fresh) - dispatched

	if err := p.deps.Store.Flush(workCtx); err != nil {
		log.Error("final flush failed", "error", err)
	}

	stats.Elapsed = time.Since(start)
	p.record(stats)
	log.Info("run complete",
		"total", stats.Total,
		"processed", stats.Processed,
		"inserted", stats.Inserted,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"elapsed", stats.Elapsed,
	)
	return stats
}

func (p *Pipeline) dedup(ctx context.Context, log *slog.Logger, records []domain.RawRecord) (fresh []domain.RawRecord, skipped int) {
	if len(records) == 0 {
		return nil, 0
	}
	scope := store.IDScope{
		Conferences: fn.UniqueBy(fn.Map(records, func(r domain.RawRecord) string { return r.Conference }),
			func(s string) string { return s }),
	}
	existing, err := p.deps.Store.ExistingIDs(ctx, scope)
	if err != nil {
		log.Warn("dedup scan failed, ingesting without dedup", "error", err)
		return records, 0
	}

	for _, r := range records {
		id := domain.PaperID(r.Title, r.Conference, r.Year)
		if _, ok := existing[id]; ok {
			skipped++
			continue
		}
		fresh = append(fresh, r)
	}
	if skipped > 0 {
		log.Info("skipped existing papers", "skipped", skipped)
	}
	return fresh, skipped
}

// runChunk owns one chunk end to end: analysis, encoding, insert. A
// record failing analysis or encoding is dropped from the chunk and the
// rest proceeds; there are no record-level retries.
func (p *Pipeline) runChunk(ctx context.Context, log *slog.Logger, chunk []domain.RawRecord, batchSize int) chunkOutcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.chunk",
		trace.WithAttributes(attribute.Int("size", len(chunk))))
	defer span.End()

	out := chunkOutcome{size: len(chunk)}

	papers := make([]*domain.Paper, 0, len(chunk))
	for _, r := range chunk {
		paper, err := p.preparePaper(ctx, r)
		if err != nil {
			log.Warn("record dropped", "title", r.Title, "error", err)
			continue
		}
		papers = append(papers, paper)
	}
	out.processed = len(papers)

	if len(papers) == 0 {
		return out
	}
	inserted, _ := p.deps.Store.BatchInsert(ctx, papers, batchSize)
	out.inserted = inserted
	return out
}

// preparePaper attaches analysis and both embeddings to one record.
func (p *Pipeline) preparePaper(ctx context.Context, r domain.RawRecord) (*domain.Paper, error) {
	if r.Analysis == nil && p.deps.Analyzer != nil {
		analysis, err := p.deps.Analyzer.Analyze(ctx, r)
		if err != nil {
			return nil, err
		}
		r.Analysis = analysis
	}
	if r.Analysis != nil {
		if err := domain.ValidateAnalysis(*r.Analysis); err != nil {
			return nil, err
		}
	}

	paper := domain.NewPaper(r)

	textVec, err := p.deps.Cache.GetOrCompute(ctx, PurposeText, paper.TextContent(), p.deps.Provider.Embed)
	if err != nil {
		return nil, err
	}
	semanticVec, err := p.deps.Cache.GetOrCompute(ctx, PurposeSemantic, paper.SemanticContent(), p.deps.Provider.Embed)
	if err != nil {
		return nil, err
	}
	paper.TextVector = textVec
	paper.SemanticVector = semanticVec
	return paper, nil
}

func (p *Pipeline) record(stats Stats) {
	m := p.deps.Metrics
	if m == nil {
		return
	}
	m.Counter("ingest_records_total", "records seen by the pipeline").Add(int64(stats.Total))
	m.Counter(metrics.WithLabels("ingest_records_total", "state", "inserted"), "").Add(int64(stats.Inserted))
	m.Counter(metrics.WithLabels("ingest_records_total", "state", "failed"), "").Add(int64(stats.Failed))
	m.Counter(metrics.WithLabels("ingest_records_total", "state", "skipped"), "").Add(int64(stats.Skipped))
	m.Histogram("ingest_run_seconds", "wall time per ingestion run", nil).Observe(stats.Elapsed.Seconds())
}
