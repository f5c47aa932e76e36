package store

import (
	"testing"

	"github.com/paperatlas/paperatlas/engine/domain"
)

func exprPaper() *domain.Paper {
	p := &domain.Paper{
		PaperID:    "paper_abc",
		Title:      "Test",
		Abstract:   "an abstract long enough",
		Conference: "ICML",
		Year:       2023,
		Analysis: &domain.AnalysisResult{
			ApplicationScenario: "healthcare",
			ScenarioConfidence:  0.8,
			TaskType:            "classification",
			TaskConfidence:      0.7,
		},
	}
	p.Metrics.PracticalValueScore = 0.75
	return p
}

func evalExpr(t *testing.T, expr string, p *domain.Paper) bool {
	t.Helper()
	node, err := parseExpr(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	if node == nil {
		return true
	}
	return node.eval(fieldGetter(p))
}

func TestEvalCompiledFilters(t *testing.T) {
	p := exprPaper()
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"year == 2023", true},
		{"year == 2024", false},
		{"year >= 2020 and year <= 2024", true},
		{"year >= 2024 and year <= 2025", false},
		{"conference == 'ICML'", true},
		{"conference == 'NeurIPS'", false},
		{"conference in ['ICML', 'NeurIPS']", true},
		{"conference in ['ACL', 'NeurIPS']", false},
		{"application_scenario == 'healthcare'", true},
		{"task_type == 'classification' and scenario_confidence >= 0.6", true},
		{"scenario_confidence >= 0.9", false},
		{"practical_value_score >= 0.5", true},
		{"has_complete_info == true", true},
		{"year == 2023 and conference == 'ICML' and has_complete_info == true", true},
		{"(conference == 'ICML' or conference == 'ACL') and (year == 2023 or year == 2024)", true},
		{"(conference == 'ACL') and (year == 2023)", false},
		{"conference == \"ICML\"", true},
		{"year != 2023", false},
		{"paper_id in ['paper_abc', 'paper_def']", true},
	}
	for _, tt := range tests {
		if got := evalExpr(t, tt.expr, p); got != tt.want {
			t.Errorf("eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalCompileRoundTrip(t *testing.T) {
	p := exprPaper()

	f := SearchFilter{
		YearFrom:      2020,
		YearTo:        2024,
		Conferences:   []string{"ICML", "NeurIPS"},
		Scenario:      "healthcare",
		MinConfidence: 0.6,
		CompleteOnly:  true,
	}
	expr, err := f.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if !evalExpr(t, expr, p) {
		t.Errorf("matching paper rejected by %q", expr)
	}

	f.Scenario = "robotics"
	expr, err = f.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if evalExpr(t, expr, p) {
		t.Errorf("non-matching paper accepted by %q", expr)
	}
}

func TestEvalMissingAnalysis(t *testing.T) {
	p := &domain.Paper{PaperID: "p", Title: "T", Conference: "ICML", Year: 2023}
	if evalExpr(t, "application_scenario == 'healthcare'", p) {
		t.Error("paper without analysis matched scenario filter")
	}
	if !evalExpr(t, "scenario_confidence >= 0", p) {
		t.Error("zero confidence did not satisfy >= 0")
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"year ==",
		"== 2023",
		"year ~ 2023",
		"conference in 'ICML'",
		"(year == 2023",
		"year == 2023 extra",
	} {
		if _, err := parseExpr(expr); err == nil {
			t.Errorf("parse(%q) succeeded, want error", expr)
		}
	}
}
