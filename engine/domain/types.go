// Package domain defines the core data model for the paperatlas engine:
// paper records, analysis results, and the error taxonomy shared by the
// ingestion pipeline and the vector stores. It acts as the validation gate
// at pipeline entry points.
package domain

import (
	"strings"
	"time"
)

// RawRecord is what upstream producers (scrapers, analyzers) emit. The
// engine treats every field as opaque data; no NLP happens here.
type RawRecord struct {
	Title      string   `json:"title"`
	Abstract   string   `json:"abstract"`
	Conference string   `json:"conference"`
	Year       int      `json:"year"`
	URL        string   `json:"url,omitempty"`
	PDFURL     string   `json:"pdf_url,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// Analysis is attached by the external classifier when available.
	Analysis *AnalysisResult `json:"analysis,omitempty"`
}

// AnalysisResult is produced by the external task-scenario classifier.
type AnalysisResult struct {
	ApplicationScenario string   `json:"application_scenario"`
	ScenarioConfidence  float32  `json:"scenario_confidence"`
	TaskType            string   `json:"task_type"`
	TaskConfidence      float32  `json:"task_confidence"`
	TaskObjectives      []string `json:"task_objectives,omitempty"`
	ScenarioKeywords    []string `json:"scenario_keywords,omitempty"`
	TaskKeywords        []string `json:"task_keywords,omitempty"`
	RealWorldImpact     string   `json:"real_world_impact,omitempty"`
}

// Metrics holds derived per-paper numbers stored alongside the record.
type Metrics struct {
	CitationCount       int     `json:"citation_count"`
	InfluenceScore      float32 `json:"influence_score"`
	PracticalValueScore float32 `json:"practical_value_score"`
	TitleLength         int     `json:"title_length"`
	AbstractLength      int     `json:"abstract_length"`
	KeywordCount        int     `json:"keyword_count"`
}

// Paper is the persisted record. Immutable once inserted; an update is an
// explicit delete + reinsert at the store layer.
type Paper struct {
	PaperID    string `json:"paper_id"`
	Title      string `json:"title"`
	Abstract   string `json:"abstract"`
	Conference string `json:"conference"`
	Year       int    `json:"year"`
	URL        string `json:"url,omitempty"`
	PDFURL     string `json:"pdf_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Analysis *AnalysisResult `json:"analysis,omitempty"`
	Metrics  Metrics         `json:"metrics"`

	Keywords []string `json:"keywords,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// TextVector embeds title+abstract; SemanticVector embeds the
	// scenario/task analysis. Both must match the collection dimension.
	TextVector     []float32 `json:"-"`
	SemanticVector []float32 `json:"-"`
}

// NewPaper builds a Paper from a raw record, deriving its identity and
// metrics. Vectors are attached later by the ingestion pipeline.
func NewPaper(r RawRecord) *Paper {
	now := time.Now().UTC()
	p := &Paper{
		PaperID:    PaperID(r.Title, r.Conference, r.Year),
		Title:      strings.TrimSpace(r.Title),
		Abstract:   strings.TrimSpace(r.Abstract),
		Conference: strings.TrimSpace(r.Conference),
		Year:       r.Year,
		URL:        r.URL,
		PDFURL:     r.PDFURL,
		CreatedAt:  now,
		UpdatedAt:  now,
		Analysis:   r.Analysis,
		Keywords:   r.Keywords,
		Tags:       r.Tags,
	}
	p.Metrics = Metrics{
		TitleLength:    len(p.Title),
		AbstractLength: len(p.Abstract),
		KeywordCount:   len(p.Keywords),
	}
	if r.Analysis != nil {
		p.Metrics.PracticalValueScore = PracticalValue(r.Analysis, p.HasCompleteInfo())
	}
	return p
}

// HasCompleteInfo reports whether the record carries enough information to
// be useful in filtered search. Mirrors the quality flag of the source
// collection: title, conference, year present and a non-trivial abstract.
func (p *Paper) HasCompleteInfo() bool {
	return p.Title != "" &&
		p.Conference != "" &&
		p.Year != 0 &&
		len(strings.TrimSpace(p.Abstract)) > 10
}

// AnalysisComplete reports whether the paper has both an attached analysis
// and a text embedding.
func (p *Paper) AnalysisComplete() bool {
	return p.Analysis != nil && len(p.TextVector) > 0
}

// TextContent is the input for the text_vector embedding.
func (p *Paper) TextContent() string {
	parts := make([]string, 0, 2)
	if p.Title != "" {
		parts = append(parts, p.Title)
	}
	if p.Abstract != "" {
		parts = append(parts, p.Abstract)
	}
	if len(parts) == 0 {
		return "empty paper"
	}
	return strings.Join(parts, " ")
}

// SemanticContent is the input for the semantic_vector embedding, built
// from the scenario/task analysis.
func (p *Paper) SemanticContent() string {
	if p.Analysis == nil {
		return "general research"
	}
	return SemanticText(p.Analysis.ApplicationScenario, p.Analysis.TaskType, p.Analysis.TaskObjectives)
}

// SemanticText combines scenario, task, and objectives into the canonical
// semantic embedding input. Shared with the query side so stored and query
// vectors live in the same space.
func SemanticText(scenario, task string, objectives []string) string {
	var parts []string
	if s := strings.TrimSpace(scenario); s != "" {
		parts = append(parts, "Application: "+s)
	}
	if t := strings.TrimSpace(task); t != "" {
		parts = append(parts, "Task: "+t)
	}
	if len(objectives) > 3 {
		objectives = objectives[:3]
	}
	if len(objectives) > 0 {
		parts = append(parts, "Objectives: "+strings.Join(objectives, "; "))
	}
	if len(parts) == 0 {
		return "general research"
	}
	return strings.Join(parts, " ")
}

// SearchText is the combined free-text field stored for find-similar
// queries: title, abstract, objectives, and leading keywords.
func (p *Paper) SearchText() string {
	var parts []string
	if p.Title != "" {
		parts = append(parts, p.Title)
	}
	if p.Abstract != "" {
		parts = append(parts, p.Abstract)
	}
	if p.Analysis != nil {
		parts = append(parts, p.Analysis.TaskObjectives...)
		parts = append(parts, p.Analysis.ScenarioKeywords...)
	}
	kw := p.Keywords
	if len(kw) > 10 {
		kw = kw[:10]
	}
	parts = append(parts, kw...)
	return strings.Join(parts, " ")
}

// PracticalValue derives a deterministic practical-value score in [0,1]
// from the classifier confidences and record completeness. The original
// system populated this offline; deriving it at ingest keeps the filter
// field populated without importing analysis logic.
func PracticalValue(a *AnalysisResult, complete bool) float32 {
	if a == nil {
		return 0
	}
	score := 0.5*clamp01(a.ScenarioConfidence) + 0.3*clamp01(a.TaskConfidence)
	if complete {
		score += 0.2
	}
	return clamp01(score)
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
