// Copyright 2025 James Ross
package model

import "testing"

func sampleJob() JobRequest {
	return JobRequest{
		ID:         "job-1",
		Language:   LanguagePython,
		SourceCode: "print('hi')",
		TestCases: []TestCase{
			{TestID: 1, Input: "", ExpectedOutput: "hi", Weight: 10},
		},
		TimeoutMS: 5000,
	}
}

func TestJobRequestRoundTrip(t *testing.T) {
	j := sampleJob()
	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	j2, err := UnmarshalJobRequest(s)
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID != j.ID || j2.Language != j.Language || j2.SourceCode != j.SourceCode || j2.TimeoutMS != j.TimeoutMS {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", j, j2)
	}
	if len(j2.TestCases) != 1 || j2.TestCases[0] != j.TestCases[0] {
		t.Fatalf("test case roundtrip mismatch: %#v vs %#v", j.TestCases, j2.TestCases)
	}
}

func TestUnmarshalJobRequestRejectsUnknownLanguage(t *testing.T) {
	_, err := UnmarshalJobRequest(`{"id":"x","language":"cobol","test_cases":[]}`)
	if err == nil {
		t.Fatal("expected error for unknown language")
	}
}

func TestExecutionResultRoundTrip(t *testing.T) {
	exit := 0
	r := ExecutionResult{
		JobID:         "job-1",
		OverallStatus: JobCompleted,
		Score:         10,
		MaxScore:      10,
		Results: []TestResult{
			{TestID: 1, Status: TestPassed, Stdout: "hi", ExitCode: &exit, ExecutionTimeMS: 12, Weight: 10},
		},
		TotalTimeMS: 12,
	}
	s, err := r.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	r2, err := UnmarshalExecutionResult(s)
	if err != nil {
		t.Fatal(err)
	}
	if r2.JobID != r.JobID || r2.OverallStatus != r.OverallStatus || r2.Score != r.Score || r2.MaxScore != r.MaxScore {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", r, r2)
	}
	if len(r2.Results) != 1 || r2.Results[0].Status != TestPassed || *r2.Results[0].ExitCode != 0 {
		t.Fatalf("results roundtrip mismatch: %#v", r2.Results)
	}
}

func TestScorePartialCredit(t *testing.T) {
	results := []TestResult{
		{TestID: 1, Status: TestPassed, Weight: 50},
		{TestID: 2, Status: TestFailed, Weight: 50},
	}
	score, maxScore, overall := Score(results)
	if score != 50 || maxScore != 100 {
		t.Fatalf("expected score=50 max=100, got score=%d max=%d", score, maxScore)
	}
	if overall != JobFailed {
		t.Fatalf("expected overall status failed, got %s", overall)
	}
}

func TestScoreAllPassed(t *testing.T) {
	results := []TestResult{
		{TestID: 1, Status: TestPassed, Weight: 10},
	}
	score, maxScore, overall := Score(results)
	if score != 10 || maxScore != 10 {
		t.Fatalf("expected score=10 max=10, got score=%d max=%d", score, maxScore)
	}
	if overall != JobCompleted {
		t.Fatalf("expected overall status completed, got %s", overall)
	}
}
