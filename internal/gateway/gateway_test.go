// Copyright 2025 James Ross
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/optimus-run/optimus/internal/broker"
	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/model"
)

func newTestGateway(t *testing.T) (*Gateway, *broker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	br := broker.New(rdb, time.Hour, 0)

	cfg := &config.Gateway{
		MaxTimeoutMS:   30000,
		CircuitBreaker: config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: 30 * time.Second, MinSamples: 20},
	}
	return New(cfg, br, zap.NewNop()), br, mr
}

func validSubmission() map[string]interface{} {
	return map[string]interface{}{
		"language":    "python",
		"source_code": "print('hi')",
		"timeout_ms":  5000,
		"test_cases": []map[string]interface{}{
			{"test_id": 1, "input": "", "expected_output": "hi", "weight": 10},
		},
	}
}

func postExecute(t *testing.T, srv *httptest.Server, body map[string]interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/execute", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestHandleExecuteAcceptsValidSubmission(t *testing.T) {
	gw, br, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp := postExecute(t, srv, validSubmission())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.JobID)

	job, err := br.BlockingDequeue(context.Background(), model.LanguagePython, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, out.JobID, job.ID)
}

func TestHandleExecuteRejectsUnknownLanguage(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	sub := validSubmission()
	sub["language"] = "pythonn"
	resp := postExecute(t, srv, sub)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out.Error, "python")
}

func TestHandleExecuteRejectsTimeoutOutOfBounds(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	sub := validSubmission()
	sub["timeout_ms"] = 999999999
	resp := postExecute(t, srv, sub)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleExecuteRejectsDuplicateTestIDs(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	sub := validSubmission()
	sub["test_cases"] = []map[string]interface{}{
		{"test_id": 1, "expected_output": "a", "weight": 1},
		{"test_id": 1, "expected_output": "b", "weight": 1},
	}
	resp := postExecute(t, srv, sub)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleExecuteRejectsMissingTestCases(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	sub := validSubmission()
	sub["test_cases"] = []map[string]interface{}{}
	resp := postExecute(t, srv, sub)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleGetJobReturnsNotFoundForUnknownID(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/job/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleGetJobReturnsResultOnceCompleted(t *testing.T) {
	gw, br, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	result := model.ExecutionResult{
		JobID:         "job-xyz",
		OverallStatus: model.JobCompleted,
		Score:         10,
		MaxScore:      10,
		Results: []model.TestResult{
			{TestID: 1, Status: model.TestPassed, Weight: 10},
		},
	}
	require.NoError(t, br.PublishResult(context.Background(), result))

	resp, err := http.Get(srv.URL + "/job/job-xyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.ExecutionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 10, out.Score)
}

func TestHandleGetJobProjectsJSONPath(t *testing.T) {
	gw, br, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	result := model.ExecutionResult{
		JobID:         "job-path",
		OverallStatus: model.JobCompleted,
		Score:         7,
		MaxScore:      10,
	}
	require.NoError(t, br.PublishResult(context.Background(), result))

	resp, err := http.Get(srv.URL + "/job/job-path?path=$.score")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, float64(7), out)
}

func TestHandleHealthReportsBrokerReachability(t *testing.T) {
	gw, _, mr := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mr.Close()
	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}
