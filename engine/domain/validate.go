package domain

import (
	"fmt"
	"strings"
)

const (
	// MinYear and MaxYear bound plausible publication years.
	MinYear = 1950
	MaxYear = 2100
)

// ValidateRecord checks a raw record before it enters the pipeline.
func ValidateRecord(r RawRecord) error {
	if strings.TrimSpace(r.Title) == "" {
		return NewValidationError("title", r.Title, ErrMissingTitle)
	}
	if strings.TrimSpace(r.Conference) == "" {
		return NewValidationError("conference", r.Conference, ErrMissingConference)
	}
	if r.Year != 0 && (r.Year < MinYear || r.Year > MaxYear) {
		return NewValidationError("year", fmt.Sprintf("%d", r.Year), ErrYearOutOfRange)
	}
	return nil
}

// ValidateAnalysis checks confidence bounds on an analysis result.
func ValidateAnalysis(a AnalysisResult) error {
	if a.ScenarioConfidence < 0 || a.ScenarioConfidence > 1 {
		return NewValidationError("scenario_confidence", fmt.Sprintf("%g", a.ScenarioConfidence), ErrConfidenceRange)
	}
	if a.TaskConfidence < 0 || a.TaskConfidence > 1 {
		return NewValidationError("task_confidence", fmt.Sprintf("%g", a.TaskConfidence), ErrConfidenceRange)
	}
	return nil
}

// SafeFilterValue rejects values that could break out of a quoted filter
// expression. Values are embedded in single quotes, so quotes and
// backslashes are the escape surface.
func SafeFilterValue(field, value string) error {
	if strings.ContainsAny(value, `'"\`) {
		return NewValidationError(field, value, ErrUnsafeFilterValue)
	}
	return nil
}
