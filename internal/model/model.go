// Copyright 2025 James Ross
// Package model defines the job/result data model that every Optimus
// component — gateway, broker, worker, sandbox driver — agrees on
// byte-for-byte. Language, JobStatus and TestStatus are closed
// enumerations serialized as lowercase strings; unknown values are
// rejected on decode.
package model

import (
	"encoding/json"
	"fmt"
)

// Language is the closed set of source languages Optimus can execute.
type Language string

const (
	LanguagePython Language = "python"
	LanguageJava   Language = "java"
	LanguageRust   Language = "rust"
)

// Languages lists every supported language in a stable order, used for
// validation and for "did you mean" suggestions on an unknown value.
var Languages = []Language{LanguagePython, LanguageJava, LanguageRust}

// Valid reports whether l is one of the known languages.
func (l Language) Valid() bool {
	for _, known := range Languages {
		if l == known {
			return true
		}
	}
	return false
}

func (l Language) String() string { return string(l) }

// TestStatus is the terminal classification of a single test case run.
type TestStatus string

const (
	TestPassed            TestStatus = "passed"
	TestFailed            TestStatus = "failed"
	TestRuntimeError      TestStatus = "runtime_error"
	TestTimeLimitExceeded TestStatus = "time_limit_exceeded"
	TestCompileError      TestStatus = "compile_error"
)

func (s TestStatus) Valid() bool {
	switch s {
	case TestPassed, TestFailed, TestRuntimeError, TestTimeLimitExceeded, TestCompileError:
		return true
	}
	return false
}

// JobStatus is the terminal (or in-flight) classification of an entire job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	// JobTimedOut is reserved for a future job-level timeout distinct
	// from the per-test timeout. It is never emitted today; see
	// SPEC_FULL.md §13.
	JobTimedOut JobStatus = "timed_out"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// TestCase is one input/expected-output pair within a job. Immutable
// once the job is sealed; workers must not mutate it.
type TestCase struct {
	TestID         int    `json:"test_id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Weight         int    `json:"weight"`
}

// JobRequest is the unit of work dispatched to a single-language worker.
// Write-once after the gateway seals it with an ID.
type JobRequest struct {
	ID         string     `json:"id"`
	Language   Language   `json:"language"`
	SourceCode string     `json:"source_code"`
	Stdin      string     `json:"stdin,omitempty"`
	TestCases  []TestCase `json:"test_cases"`
	TimeoutMS  int        `json:"timeout_ms"`
}

// Marshal encodes a JobRequest as the canonical JSON wire form.
func (j JobRequest) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job request: %w", err)
	}
	return string(b), nil
}

// UnmarshalJobRequest decodes the canonical JSON wire form, rejecting
// an unknown language.
func UnmarshalJobRequest(s string) (JobRequest, error) {
	var j JobRequest
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return JobRequest{}, fmt.Errorf("unmarshal job request: %w", err)
	}
	if !j.Language.Valid() {
		return JobRequest{}, fmt.Errorf("unknown language %q", j.Language)
	}
	return j, nil
}

// TestResult is the outcome of running one TestCase in a sandbox.
type TestResult struct {
	TestID          int        `json:"test_id"`
	Status          TestStatus `json:"status"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
	Weight          int        `json:"weight"`
}

// ExecutionResult is the full, scored outcome of a job, published by
// the worker once every test case has run.
type ExecutionResult struct {
	JobID         string       `json:"job_id"`
	OverallStatus JobStatus    `json:"overall_status"`
	Score         int          `json:"score"`
	MaxScore      int          `json:"max_score"`
	Results       []TestResult `json:"results"`
	TotalTimeMS   int64        `json:"total_time_ms"`
}

// Marshal encodes an ExecutionResult as the canonical JSON wire form.
func (r ExecutionResult) Marshal() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal execution result: %w", err)
	}
	return string(b), nil
}

// UnmarshalExecutionResult decodes the canonical JSON wire form.
func UnmarshalExecutionResult(s string) (ExecutionResult, error) {
	var r ExecutionResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return ExecutionResult{}, fmt.Errorf("unmarshal execution result: %w", err)
	}
	if !r.OverallStatus.Valid() {
		return ExecutionResult{}, fmt.Errorf("unknown job status %q", r.OverallStatus)
	}
	return r, nil
}

// Score computes score, max_score and the overall status for a set of
// results in test_id ascending order, per §8 invariants 2 and 3.
func Score(results []TestResult) (score, maxScore int, overall JobStatus) {
	overall = JobCompleted
	for _, r := range results {
		maxScore += r.Weight
		if r.Status == TestPassed {
			score += r.Weight
		} else {
			overall = JobFailed
		}
	}
	return score, maxScore, overall
}
