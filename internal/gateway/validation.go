// Copyright 2025 James Ross
package gateway

import (
	"fmt"
	"sort"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/optimus-run/optimus/internal/model"
)

// submissionBody is the wire shape of a POST /execute body: a
// JobRequest minus the id, which the gateway assigns after validation.
type submissionBody struct {
	Language   string            `json:"language"`
	SourceCode string            `json:"source_code"`
	Stdin      string            `json:"stdin"`
	TimeoutMS  int               `json:"timeout_ms"`
	TestCases  []model.TestCase `json:"test_cases"`
}

// validateSemantics applies the cross-field checks gojsonschema cannot
// express: a known language, timeout_ms within bounds, at least one
// test case, and unique test IDs (§6, §7).
func validateSemantics(sub submissionBody, maxTimeoutMS int) (model.JobRequest, error) {
	lang := model.Language(sub.Language)
	if !lang.Valid() {
		if hint := suggestLanguage(sub.Language); hint != "" {
			return model.JobRequest{}, fmt.Errorf("unknown language %q (did you mean %q?)", sub.Language, hint)
		}
		return model.JobRequest{}, fmt.Errorf("unknown language %q", sub.Language)
	}

	if sub.TimeoutMS < 1 || sub.TimeoutMS > maxTimeoutMS {
		return model.JobRequest{}, fmt.Errorf("timeout_ms must be in [1, %d], got %d", maxTimeoutMS, sub.TimeoutMS)
	}

	if len(sub.TestCases) < 1 {
		return model.JobRequest{}, fmt.Errorf("at least one test case is required")
	}

	seen := make(map[int]struct{}, len(sub.TestCases))
	for _, tc := range sub.TestCases {
		if _, dup := seen[tc.TestID]; dup {
			return model.JobRequest{}, fmt.Errorf("duplicate test_id %d", tc.TestID)
		}
		seen[tc.TestID] = struct{}{}
	}

	return model.JobRequest{
		Language:   lang,
		SourceCode: sub.SourceCode,
		Stdin:      sub.Stdin,
		TestCases:  sub.TestCases,
		TimeoutMS:  sub.TimeoutMS,
	}, nil
}

// suggestLanguage returns a known language name for a "did you mean"
// hint in the 400 body: the closest known name whose letters contain
// got's letters in order (case-insensitively), e.g. "pyton" -> "python".
// It returns "" when no known name contains them, e.g. for "phython".
func suggestLanguage(got string) string {
	targets := make([]string, len(model.Languages))
	for i, l := range model.Languages {
		targets[i] = string(l)
	}
	ranks := fuzzy.RankFindNormalizedFold(got, targets)
	if len(ranks) == 0 {
		return ""
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i].Distance < ranks[j].Distance })
	return ranks[0].Target
}
