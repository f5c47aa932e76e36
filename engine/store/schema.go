package store

import "unicode/utf8"

// Scalar field names shared by both store implementations and the filter
// compiler. Varchar fields carry a hard max length; values are truncated
// before insert so an oversized abstract never fails a whole chunk.
const (
	fieldPaperID        = "paper_id"
	fieldTitle          = "title"
	fieldAbstract       = "abstract"
	fieldConference     = "conference"
	fieldYear           = "year"
	fieldURL            = "url"
	fieldPDFURL         = "pdf_url"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
	fieldScenario       = "application_scenario"
	fieldScenarioConf   = "scenario_confidence"
	fieldTaskType       = "task_type"
	fieldTaskConf       = "task_confidence"
	fieldTaskObjectives = "task_objectives"
	fieldImpact         = "real_world_impact"
	fieldCitations      = "citation_count"
	fieldInfluence      = "influence_score"
	fieldPracticalValue = "practical_value_score"
	fieldTitleLen       = "title_length"
	fieldAbstractLen    = "abstract_length"
	fieldKeywordCount   = "keyword_count"
	fieldKeywords       = "keywords"
	fieldTags           = "tags"
	fieldCompleteInfo   = "has_complete_info"
	fieldAnalysisDone   = "analysis_complete"
	fieldSearchText     = "search_text"
)

const (
	maxLenPaperID    = 64
	maxLenTitle      = 512
	maxLenAbstract   = 8192
	maxLenConference = 64
	maxLenURL        = 512
	maxLenScenario   = 128
	maxLenTaskType   = 128
	maxLenObjectives = 1024
	maxLenImpact     = 512
	maxLenKeywords   = 2048
	maxLenTags       = 1024
	maxLenSearchText = 16384
)

// Index parameters, fixed at creation time.
const (
	ivfNList  = 1024
	ivfNProbe = 32
	shardNum  = 2
)

// scalarIndexFields get an inverted index for filter expressions.
var scalarIndexFields = []string{
	fieldConference,
	fieldYear,
	fieldScenario,
	fieldTaskType,
}

// truncate cuts s to at most max bytes without splitting a rune; a cut
// mid-rune would hand the wire layer an invalid string and fail the
// whole insert.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
