package store

import (
	"fmt"
	"strings"

	"github.com/paperatlas/paperatlas/engine/domain"
)

// SearchFilter narrows a search or scan. The zero value matches
// everything and compiles to an empty expression.
type SearchFilter struct {
	Year        int      `json:"year,omitempty"`
	YearFrom    int      `json:"year_from,omitempty"`
	YearTo      int      `json:"year_to,omitempty"`
	Conferences []string `json:"conferences,omitempty"`
	Scenario    string   `json:"application_scenario,omitempty"`
	TaskType    string   `json:"task_type,omitempty"`

	MinConfidence     float32 `json:"min_confidence,omitempty"`
	MinPracticalValue float32 `json:"min_practical_value,omitempty"`
	CompleteOnly      bool    `json:"complete_only,omitempty"`
}

// Compile translates the filter into a store boolean expression. Clauses
// are applied in a fixed order and joined with "and"; no clauses yields
// "". String values that contain quote characters are rejected, never
// passed through raw.
func (f SearchFilter) Compile() (string, error) {
	var conds []string

	switch {
	case f.YearFrom != 0 && f.YearTo != 0:
		conds = append(conds, fmt.Sprintf("year >= %d and year <= %d", f.YearFrom, f.YearTo))
	case f.Year != 0:
		conds = append(conds, fmt.Sprintf("year == %d", f.Year))
	}

	if len(f.Conferences) == 1 {
		if err := domain.SafeFilterValue(fieldConference, f.Conferences[0]); err != nil {
			return "", err
		}
		conds = append(conds, fmt.Sprintf("conference == '%s'", f.Conferences[0]))
	} else if len(f.Conferences) > 1 {
		for _, c := range f.Conferences {
			if err := domain.SafeFilterValue(fieldConference, c); err != nil {
				return "", err
			}
		}
		conds = append(conds, fmt.Sprintf("conference in ['%s']", strings.Join(f.Conferences, "', '")))
	}

	if f.Scenario != "" {
		if err := domain.SafeFilterValue(fieldScenario, f.Scenario); err != nil {
			return "", err
		}
		conds = append(conds, fmt.Sprintf("application_scenario == '%s'", f.Scenario))
	}
	if f.TaskType != "" {
		if err := domain.SafeFilterValue(fieldTaskType, f.TaskType); err != nil {
			return "", err
		}
		conds = append(conds, fmt.Sprintf("task_type == '%s'", f.TaskType))
	}

	if f.MinConfidence > 0 {
		conds = append(conds, fmt.Sprintf("scenario_confidence >= %g", f.MinConfidence))
	}
	if f.MinPracticalValue > 0 {
		conds = append(conds, fmt.Sprintf("practical_value_score >= %g", f.MinPracticalValue))
	}
	if f.CompleteOnly {
		conds = append(conds, "has_complete_info == true")
	}

	return strings.Join(conds, " and "), nil
}

// scopeExpr builds the dedup-scan expression for an IDScope.
func scopeExpr(scope IDScope) (string, error) {
	var conds []string

	if len(scope.Conferences) > 0 {
		parts := make([]string, 0, len(scope.Conferences))
		for _, c := range scope.Conferences {
			if err := domain.SafeFilterValue(fieldConference, c); err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("conference == '%s'", c))
		}
		conds = append(conds, "("+strings.Join(parts, " or ")+")")
	}
	if len(scope.Years) > 0 {
		parts := make([]string, 0, len(scope.Years))
		for _, y := range scope.Years {
			parts = append(parts, fmt.Sprintf("year == %d", y))
		}
		conds = append(conds, "("+strings.Join(parts, " or ")+")")
	}

	return strings.Join(conds, " and "), nil
}

// idsExpr builds the expression matching exactly the given primary keys.
func idsExpr(paperIDs []string) (string, error) {
	for _, id := range paperIDs {
		if err := domain.SafeFilterValue(fieldPaperID, id); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("paper_id in ['%s']", strings.Join(paperIDs, "', '")), nil
}
