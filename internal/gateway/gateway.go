// Copyright 2025 James Ross
// Package gateway implements Optimus's submission and result-lookup
// surface (§4.2, §6): validate, assign an id, enqueue, and serve
// result lookups — nothing else. The gateway carries no state besides
// the broker connection and the circuit breaker guarding enqueue.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/optimus-run/optimus/internal/breaker"
	"github.com/optimus-run/optimus/internal/broker"
	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/model"
	"github.com/optimus-run/optimus/internal/obs"
)

// Gateway serves §6's four endpoints over a broker it does not own.
type Gateway struct {
	cfg *config.Gateway
	br  *broker.Broker
	cb  *breaker.CircuitBreaker
	log *zap.Logger
}

// New wires a gateway around an already-connected broker.
func New(cfg *config.Gateway, br *broker.Broker, log *zap.Logger) *Gateway {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Gateway{cfg: cfg, br: br, cb: cb, log: log}
}

// Router builds the gorilla/mux router exposing POST /execute,
// GET /job/{id}, GET /health and GET /metrics.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/execute", g.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/job/{id}", g.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type executeResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleExecute validates a JobRequest-minus-id submission, assigns a
// fresh 128-bit random id, enqueues it, and responds with that id.
func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !g.cb.Allow() {
		writeError(w, http.StatusServiceUnavailable, "broker circuit open")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read request body: %v", err))
		return
	}

	schemaResult, err := gojsonschema.Validate(submissionSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validate request: %v", err))
		return
	}
	if !schemaResult.Valid() {
		writeError(w, http.StatusBadRequest, describeSchemaErrors(schemaResult.Errors()))
		return
	}

	var sub submissionBody
	if err := json.Unmarshal(raw, &sub); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	job, err := validateSemantics(sub, g.cfg.MaxTimeoutMS)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job.ID = uuid.NewString()

	ctx, span := obs.StartEnqueueSpan(r.Context(), job.Language)
	defer span.End()

	if err := g.br.Enqueue(ctx, job); err != nil {
		obs.RecordError(ctx, err)
		g.cb.Record(false)
		writeError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	g.cb.Record(true)
	obs.SetSpanSuccess(ctx)
	obs.JobsSubmitted.Inc()

	writeJSON(w, http.StatusOK, executeResponse{JobID: job.ID})
}

// handleGetJob looks up a job's status, and its full result when
// present. An optional ?path= query parameter projects the
// ExecutionResult through a JSONPath expression.
func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	resp, err := g.br.FetchResult(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	if !resp.Found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if resp.Result == nil {
		writeJSON(w, http.StatusOK, map[string]string{"overall_status": string(resp.Status)})
		return
	}

	if path := r.URL.Query().Get("path"); path != "" {
		projected, err := projectJSONPath(*resp.Result, path)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid path: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, projected)
		return
	}

	writeJSON(w, http.StatusOK, resp.Result)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := g.br.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func projectJSONPath(result model.ExecutionResult, path string) (interface{}, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return jsonpath.Get(path, generic)
}

func describeSchemaErrors(errs []gojsonschema.ResultError) string {
	if len(errs) == 0 {
		return "invalid request"
	}
	return errs[0].String()
}
