package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/paperatlas/paperatlas/engine/domain"
)

// MilvusConfig configures the remote store.
type MilvusConfig struct {
	Address    string
	Collection string
	Dim        int
}

// Milvus is the remote Store implementation. It is the sole owner of all
// Milvus operations.
type Milvus struct {
	c    client.Client
	name string
	dim  int
	log  *slog.Logger
}

// NewMilvus dials the store. A failed dial wraps domain.ErrConnection;
// callers treat it as fatal at startup.
func NewMilvus(ctx context.Context, cfg MilvusConfig, log *slog.Logger) (*Milvus, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if log == nil {
		log = slog.Default()
	}
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Address,
		DialOptions: []grpc.DialOption{
			// Batch inserts carry two 768-dim vectors per row; the
			// default 4 MiB cap is too tight for large result pages.
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(64 << 20)),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnection, cfg.Address, err)
	}
	return &Milvus{c: c, name: cfg.Collection, dim: cfg.Dim, log: log}, nil
}

func (m *Milvus) Close() error { return m.c.Close() }

// EnsureSchema creates the collection and its indexes if absent. If the
// collection exists, the vector dimensions are verified against the
// configuration; a mismatch is fatal and never silently migrated.
func (m *Milvus) EnsureSchema(ctx context.Context) error {
	has, err := m.c.HasCollection(ctx, m.name)
	if err != nil {
		return fmt.Errorf("%w: has collection: %v", domain.ErrConnection, err)
	}
	if has {
		if err := m.verifySchema(ctx); err != nil {
			return err
		}
		return m.load(ctx)
	}

	schema := entity.NewSchema().
		WithName(m.name).
		WithDescription("AI/ML conference papers with task-scenario analysis and vector representations")
	for _, f := range m.fields() {
		schema.WithField(f)
	}
	if err := m.c.CreateCollection(ctx, schema, shardNum); err != nil {
		return fmt.Errorf("store: create collection %s: %w", m.name, err)
	}

	vecIdx, err := entity.NewIndexIvfFlat(entity.COSINE, ivfNList)
	if err != nil {
		return fmt.Errorf("store: build vector index: %w", err)
	}
	for _, field := range []string{FieldTextVector, FieldSemanticVector} {
		if err := m.c.CreateIndex(ctx, m.name, field, vecIdx, false, client.WithIndexName(field+"_index")); err != nil {
			return fmt.Errorf("store: create index on %s: %w", field, err)
		}
	}
	scalarIdx := entity.NewScalarIndexWithType(entity.Inverted)
	for _, field := range scalarIndexFields {
		if err := m.c.CreateIndex(ctx, m.name, field, scalarIdx, false, client.WithIndexName(field+"_index")); err != nil {
			return fmt.Errorf("store: create index on %s: %w", field, err)
		}
	}

	return m.load(ctx)
}

func (m *Milvus) verifySchema(ctx context.Context) error {
	coll, err := m.c.DescribeCollection(ctx, m.name)
	if err != nil {
		return fmt.Errorf("%w: describe collection: %v", domain.ErrConnection, err)
	}
	for _, f := range coll.Schema.Fields {
		if f.DataType != entity.FieldTypeFloatVector {
			continue
		}
		dimStr := f.TypeParams[entity.TypeParamDim]
		dim, err := strconv.Atoi(dimStr)
		if err != nil || dim != m.dim {
			return fmt.Errorf("%w: field %s has dimension %s, configured %d",
				domain.ErrSchemaMismatch, f.Name, dimStr, m.dim)
		}
	}
	return nil
}

func (m *Milvus) load(ctx context.Context) error {
	if err := m.c.LoadCollection(ctx, m.name, false); err != nil {
		return fmt.Errorf("store: load collection %s: %w", m.name, err)
	}
	return nil
}

func (m *Milvus) fields() []*entity.Field {
	varchar := func(name string, maxLen int) *entity.Field {
		return entity.NewField().WithName(name).WithDataType(entity.FieldTypeVarChar).WithMaxLength(int64(maxLen))
	}
	return []*entity.Field{
		varchar(fieldPaperID, maxLenPaperID).WithIsPrimaryKey(true),
		varchar(fieldTitle, maxLenTitle),
		varchar(fieldAbstract, maxLenAbstract),
		varchar(fieldConference, maxLenConference),
		entity.NewField().WithName(fieldYear).WithDataType(entity.FieldTypeInt32),
		varchar(fieldURL, maxLenURL),
		varchar(fieldPDFURL, maxLenURL),
		entity.NewField().WithName(fieldCreatedAt).WithDataType(entity.FieldTypeInt64),
		entity.NewField().WithName(fieldUpdatedAt).WithDataType(entity.FieldTypeInt64),
		varchar(fieldScenario, maxLenScenario),
		entity.NewField().WithName(fieldScenarioConf).WithDataType(entity.FieldTypeFloat),
		varchar(fieldTaskType, maxLenTaskType),
		entity.NewField().WithName(fieldTaskConf).WithDataType(entity.FieldTypeFloat),
		varchar(fieldTaskObjectives, maxLenObjectives),
		varchar(fieldImpact, maxLenImpact),
		entity.NewField().WithName(fieldCitations).WithDataType(entity.FieldTypeInt32),
		entity.NewField().WithName(fieldInfluence).WithDataType(entity.FieldTypeFloat),
		entity.NewField().WithName(fieldPracticalValue).WithDataType(entity.FieldTypeFloat),
		entity.NewField().WithName(fieldTitleLen).WithDataType(entity.FieldTypeInt32),
		entity.NewField().WithName(fieldAbstractLen).WithDataType(entity.FieldTypeInt32),
		entity.NewField().WithName(fieldKeywordCount).WithDataType(entity.FieldTypeInt32),
		varchar(fieldKeywords, maxLenKeywords),
		varchar(fieldTags, maxLenTags),
		entity.NewField().WithName(fieldCompleteInfo).WithDataType(entity.FieldTypeBool),
		entity.NewField().WithName(fieldAnalysisDone).WithDataType(entity.FieldTypeBool),
		varchar(fieldSearchText, maxLenSearchText),
		entity.NewField().WithName(FieldTextVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(m.dim)),
		entity.NewField().WithName(FieldSemanticVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(m.dim)),
	}
}

// Insert writes one paper. Not visible to Search until Flush.
func (m *Milvus) Insert(ctx context.Context, p *domain.Paper) error {
	if _, err := m.c.Insert(ctx, m.name, "", m.columns([]*domain.Paper{p})...); err != nil {
		return fmt.Errorf("%w: paper %s: %v", domain.ErrInsert, p.PaperID, err)
	}
	return nil
}

// BatchInsert submits chunks of batchSize independently. A failing chunk
// is logged and counted against inserted; later chunks still run. One
// flush at the end makes all committed rows searchable.
func (m *Milvus) BatchInsert(ctx context.Context, papers []*domain.Paper, batchSize int) (inserted, total int) {
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
		if _, err := m.c.Insert(ctx, m.name, "", m.columns(chunk)...); err != nil {
			m.log.Error("chunk insert failed",
				"collection", m.name, "offset", start, "size", len(chunk), "error", err)
			continue
		}
		inserted += len(chunk)
	}

	if err := m.Flush(ctx); err != nil {
		m.log.Error("flush after batch insert failed", "collection", m.name, "error", err)
	}
	return inserted, total
}

func (m *Milvus) columns(papers []*domain.Paper) []entity.Column {
	n := len(papers)
	ids := make([]string, n)
	titles := make([]string, n)
	abstracts := make([]string, n)
	confs := make([]string, n)
	years := make([]int32, n)
	urls := make([]string, n)
	pdfURLs := make([]string, n)
	created := make([]int64, n)
	updated := make([]int64, n)
	scenarios := make([]string, n)
	scenarioConf := make([]float32, n)
	taskTypes := make([]string, n)
	taskConf := make([]float32, n)
	objectives := make([]string, n)
	impacts := make([]string, n)
	citations := make([]int32, n)
	influence := make([]float32, n)
	practical := make([]float32, n)
	titleLens := make([]int32, n)
	abstractLens := make([]int32, n)
	keywordCounts := make([]int32, n)
	keywords := make([]string, n)
	tags := make([]string, n)
	complete := make([]bool, n)
	analysisDone := make([]bool, n)
	searchTexts := make([]string, n)
	textVecs := make([][]float32, n)
	semanticVecs := make([][]float32, n)

	for i, p := range papers {
		ids[i] = truncate(p.PaperID, maxLenPaperID)
		titles[i] = truncate(p.Title, maxLenTitle)
		abstracts[i] = truncate(p.Abstract, maxLenAbstract)
		confs[i] = truncate(p.Conference, maxLenConference)
		years[i] = int32(p.Year)
		urls[i] = truncate(p.URL, maxLenURL)
		pdfURLs[i] = truncate(p.PDFURL, maxLenURL)
		created[i] = p.CreatedAt.Unix()
		updated[i] = p.UpdatedAt.Unix()
		if a := p.Analysis; a != nil {
			scenarios[i] = truncate(a.ApplicationScenario, maxLenScenario)
			scenarioConf[i] = a.ScenarioConfidence
			taskTypes[i] = truncate(a.TaskType, maxLenTaskType)
			taskConf[i] = a.TaskConfidence
			objectives[i] = truncate(jsonList(a.TaskObjectives), maxLenObjectives)
			impacts[i] = truncate(a.RealWorldImpact, maxLenImpact)
		}
		citations[i] = int32(p.Metrics.CitationCount)
		influence[i] = p.Metrics.InfluenceScore
		practical[i] = p.Metrics.PracticalValueScore
		titleLens[i] = int32(p.Metrics.TitleLength)
		abstractLens[i] = int32(p.Metrics.AbstractLength)
		keywordCounts[i] = int32(p.Metrics.KeywordCount)
		keywords[i] = truncate(jsonList(p.Keywords), maxLenKeywords)
		tags[i] = truncate(jsonList(p.Tags), maxLenTags)
		complete[i] = p.HasCompleteInfo()
		analysisDone[i] = p.AnalysisComplete()
		searchTexts[i] = truncate(p.SearchText(), maxLenSearchText)
		textVecs[i] = p.TextVector
		semanticVecs[i] = p.SemanticVector
	}

	return []entity.Column{
		entity.NewColumnVarChar(fieldPaperID, ids),
		entity.NewColumnVarChar(fieldTitle, titles),
		entity.NewColumnVarChar(fieldAbstract, abstracts),
		entity.NewColumnVarChar(fieldConference, confs),
		entity.NewColumnInt32(fieldYear, years),
		entity.NewColumnVarChar(fieldURL, urls),
		entity.NewColumnVarChar(fieldPDFURL, pdfURLs),
		entity.NewColumnInt64(fieldCreatedAt, created),
		entity.NewColumnInt64(fieldUpdatedAt, updated),
		entity.NewColumnVarChar(fieldScenario, scenarios),
		entity.NewColumnFloat(fieldScenarioConf, scenarioConf),
		entity.NewColumnVarChar(fieldTaskType, taskTypes),
		entity.NewColumnFloat(fieldTaskConf, taskConf),
		entity.NewColumnVarChar(fieldTaskObjectives, objectives),
		entity.NewColumnVarChar(fieldImpact, impacts),
		entity.NewColumnInt32(fieldCitations, citations),
		entity.NewColumnFloat(fieldInfluence, influence),
		entity.NewColumnFloat(fieldPracticalValue, practical),
		entity.NewColumnInt32(fieldTitleLen, titleLens),
		entity.NewColumnInt32(fieldAbstractLen, abstractLens),
		entity.NewColumnInt32(fieldKeywordCount, keywordCounts),
		entity.NewColumnVarChar(fieldKeywords, keywords),
		entity.NewColumnVarChar(fieldTags, tags),
		entity.NewColumnBool(fieldCompleteInfo, complete),
		entity.NewColumnBool(fieldAnalysisDone, analysisDone),
		entity.NewColumnVarChar(fieldSearchText, searchTexts),
		entity.NewColumnFloatVector(FieldTextVector, m.dim, textVecs),
		entity.NewColumnFloatVector(FieldSemanticVector, m.dim, semanticVecs),
	}
}

// idIterator is the part of client.QueryIterator that ExistingIDs drains.
type idIterator interface {
	Next(ctx context.Context) (client.ResultSet, error)
}

// ExistingIDs drains a query iterator over the scope so scans past the
// per-query result window are never truncated. Offset paging cannot do
// this: the server rejects any page where offset+limit exceeds the
// window, so the second page would already fail.
func (m *Milvus) ExistingIDs(ctx context.Context, scope IDScope) (map[string]struct{}, error) {
	expr, err := scopeExpr(scope)
	if err != nil {
		return nil, err
	}
	itr, err := m.c.QueryIterator(ctx, client.NewQueryIteratorOption(m.name).
		WithExpr(expr).
		WithOutputFields(fieldPaperID).
		WithBatchSize(queryCap))
	if err != nil {
		return nil, fmt.Errorf("store: open id iterator: %w", err)
	}
	return drainIDs(ctx, itr)
}

func drainIDs(ctx context.Context, itr idIterator) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	for {
		rs, err := itr.Next(ctx)
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("store: query existing ids: %w", err)
		}
		col := rs.GetColumn(fieldPaperID)
		if col == nil {
			return nil, fmt.Errorf("store: query existing ids: missing %s column", fieldPaperID)
		}
		for i := 0; i < col.Len(); i++ {
			id, err := col.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("store: read paper_id column: %w", err)
			}
			ids[id] = struct{}{}
		}
	}
}

// Search runs one ANN query against a single vector field. Scores come
// back as cosine similarity and are mapped to [0,1].
func (m *Milvus) Search(ctx context.Context, vectorField string, vec []float32, topK int, filterExpr string) ([]SearchResult, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(ivfNProbe)
	if err != nil {
		return nil, fmt.Errorf("store: build search params: %w", err)
	}
	outputFields := []string{
		fieldPaperID, fieldTitle, fieldAbstract, fieldConference, fieldYear,
		fieldScenario, fieldTaskType, fieldPracticalValue,
	}
	results, err := m.c.Search(ctx, m.name, nil, filterExpr, outputFields,
		[]entity.Vector{entity.FloatVector(vec)}, vectorField, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("store: search %s: %w", vectorField, err)
	}

	var out []SearchResult
	for _, res := range results {
		for i := 0; i < res.ResultCount; i++ {
			r := SearchResult{Score: similarityFromCosine(res.Scores[i])}
			r.PaperID, _ = res.IDs.GetAsString(i)
			if col := res.Fields.GetColumn(fieldTitle); col != nil {
				r.Title, _ = col.GetAsString(i)
			}
			if col := res.Fields.GetColumn(fieldAbstract); col != nil {
				r.Abstract, _ = col.GetAsString(i)
			}
			if col := res.Fields.GetColumn(fieldConference); col != nil {
				r.Conference, _ = col.GetAsString(i)
			}
			if col := res.Fields.GetColumn(fieldYear); col != nil {
				y, _ := col.GetAsInt64(i)
				r.Year = int(y)
			}
			if col := res.Fields.GetColumn(fieldScenario); col != nil {
				r.Scenario, _ = col.GetAsString(i)
			}
			if col := res.Fields.GetColumn(fieldTaskType); col != nil {
				r.TaskType, _ = col.GetAsString(i)
			}
			if col := res.Fields.GetColumn(fieldPracticalValue); col != nil {
				v, _ := col.GetAsDouble(i)
				r.PracticalValue = float32(v)
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Get fetches one paper by primary key. Vectors are not returned.
func (m *Milvus) Get(ctx context.Context, paperID string) (*domain.Paper, error) {
	expr, err := idsExpr([]string{paperID})
	if err != nil {
		return nil, err
	}
	outputFields := []string{
		fieldPaperID, fieldTitle, fieldAbstract, fieldConference, fieldYear,
		fieldURL, fieldPDFURL, fieldCreatedAt, fieldUpdatedAt,
		fieldScenario, fieldScenarioConf, fieldTaskType, fieldTaskConf,
		fieldTaskObjectives, fieldImpact, fieldCitations, fieldInfluence,
		fieldPracticalValue, fieldKeywords, fieldTags,
	}
	rs, err := m.c.Query(ctx, m.name, nil, expr, outputFields, client.WithLimit(1))
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", paperID, err)
	}
	idCol := rs.GetColumn(fieldPaperID)
	if idCol == nil || idCol.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, paperID)
	}
	return paperFromRow(rs, 0), nil
}

// Delete removes papers by primary key.
func (m *Milvus) Delete(ctx context.Context, paperIDs []string) error {
	if len(paperIDs) == 0 {
		return nil
	}
	expr, err := idsExpr(paperIDs)
	if err != nil {
		return err
	}
	if err := m.c.Delete(ctx, m.name, "", expr); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// Update is delete-then-insert; there is no in-place update. A failed
// insert after a successful delete leaves the record missing and is
// reported as inconsistent.
func (m *Milvus) Update(ctx context.Context, p *domain.Paper) error {
	if err := m.Delete(ctx, []string{p.PaperID}); err != nil {
		return err
	}
	if err := m.Insert(ctx, p); err != nil {
		return fmt.Errorf("%w: paper %s deleted but not reinserted: %v", domain.ErrInconsistent, p.PaperID, err)
	}
	return nil
}

// Flush makes previous inserts visible to Search.
func (m *Milvus) Flush(ctx context.Context) error {
	if err := m.c.Flush(ctx, m.name, false); err != nil {
		return fmt.Errorf("store: flush %s: %w", m.name, err)
	}
	return nil
}

// Count returns the collection row count.
func (m *Milvus) Count(ctx context.Context) (int64, error) {
	stats, err := m.c.GetCollectionStatistics(ctx, m.name)
	if err != nil {
		return 0, fmt.Errorf("store: collection statistics: %w", err)
	}
	n, err := strconv.ParseInt(stats["row_count"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse row_count %q: %w", stats["row_count"], err)
	}
	return n, nil
}

func paperFromRow(rs client.ResultSet, i int) *domain.Paper {
	str := func(field string) string {
		if col := rs.GetColumn(field); col != nil {
			v, _ := col.GetAsString(i)
			return v
		}
		return ""
	}
	i64 := func(field string) int64 {
		if col := rs.GetColumn(field); col != nil {
			v, _ := col.GetAsInt64(i)
			return v
		}
		return 0
	}
	f64 := func(field string) float64 {
		if col := rs.GetColumn(field); col != nil {
			v, _ := col.GetAsDouble(i)
			return v
		}
		return 0
	}

	p := &domain.Paper{
		PaperID:    str(fieldPaperID),
		Title:      str(fieldTitle),
		Abstract:   str(fieldAbstract),
		Conference: str(fieldConference),
		Year:       int(i64(fieldYear)),
		URL:        str(fieldURL),
		PDFURL:     str(fieldPDFURL),
		CreatedAt:  unixTime(i64(fieldCreatedAt)),
		UpdatedAt:  unixTime(i64(fieldUpdatedAt)),
		Keywords:   fromJSONList(str(fieldKeywords)),
		Tags:       fromJSONList(str(fieldTags)),
	}
	p.Metrics = domain.Metrics{
		CitationCount:       int(i64(fieldCitations)),
		InfluenceScore:      float32(f64(fieldInfluence)),
		PracticalValueScore: float32(f64(fieldPracticalValue)),
		TitleLength:         len(p.Title),
		AbstractLength:      len(p.Abstract),
		KeywordCount:        len(p.Keywords),
	}
	if s := str(fieldScenario); s != "" || str(fieldTaskType) != "" {
		p.Analysis = &domain.AnalysisResult{
			ApplicationScenario: s,
			ScenarioConfidence:  float32(f64(fieldScenarioConf)),
			TaskType:            str(fieldTaskType),
			TaskConfidence:      float32(f64(fieldTaskConf)),
			TaskObjectives:      fromJSONList(str(fieldTaskObjectives)),
			RealWorldImpact:     str(fieldImpact),
		}
	}
	return p
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func fromJSONList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil
	}
	return items
}
