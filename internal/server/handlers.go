package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/metrics"
	"github.com/raaihank/fusion-encoder/internal/model"
	"github.com/raaihank/fusion-encoder/internal/scaler"
	"github.com/raaihank/fusion-encoder/internal/websocket"
)

type encodeRequest struct {
	Text string `json:"text"`
}

type encodeResponse struct {
	Vector     []float64 `json:"vector"`
	Dimensions int       `json:"dimensions"`
	TokenCount int       `json:"token_count"`
	Truncated  bool      `json:"truncated"`
}

type normalizeRequest struct {
	Numerical [][]float64 `json:"numerical"`
}

type normalizeResponse struct {
	Normalized [][]float64   `json:"normalized"`
	Stats      *scaler.Stats `json:"stats"`
}

type forwardRequest struct {
	Text      string      `json:"text"`
	Numerical [][]float64 `json:"numerical"`
}

type forwardResponse struct {
	*model.Output
	Rows      int `json:"rows"`
	OutputDim int `json:"output_dim"`
}

type forwardBatchRequest struct {
	Texts     []string    `json:"texts"`
	Numerical [][]float64 `json:"numerical"`
}

type forwardBatchResponse struct {
	*model.BatchOutput
	Rows      int `json:"rows"`
	OutputDim int `json:"output_dim"`
}

type checkpointResponse struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Status  string `json:"status"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    int    `json:"code,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo describes the running model and service
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":               "fusion-encoder",
		"version":            s.version,
		"uptime":             time.Since(s.startedAt).Round(time.Second).String(),
		"model":              s.model.Info(),
		"checkpoint_backend": s.config.Checkpoint.Backend,
		"websocket":          s.wsHub.GetStats(),
	})
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req encodeRequest
	if !s.decode(w, r, &req) {
		return
	}

	start := time.Now()
	res, err := s.model.Encode(r.Context(), req.Text)
	if err != nil {
		s.writeModelError(w, r, err)
		return
	}
	s.metrics.ObserveEncode(res.TokenCount, time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, encodeResponse{
		Vector:     res.Vector,
		Dimensions: len(res.Vector),
		TokenCount: res.TokenCount,
		Truncated:  res.Truncated,
	})
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	var req normalizeRequest
	if !s.decode(w, r, &req) || !s.checkRows(w, r, len(req.Numerical)) {
		return
	}

	normalized, stats, err := s.model.NormalizeNumerical(r.Context(), req.Numerical)
	if err != nil {
		s.writeModelError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, normalizeResponse{Normalized: normalized, Stats: stats})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if !s.decode(w, r, &req) || !s.checkRows(w, r, len(req.Numerical)) {
		return
	}

	start := time.Now()
	out, err := s.model.Forward(r.Context(), req.Text, req.Numerical)
	if err != nil {
		s.writeModelError(w, r, err)
		return
	}
	elapsed := time.Since(start)
	s.observeForward(r, metrics.ForwardSingle, len(out.Embeddings), len(req.Text), elapsed)

	writeJSON(w, http.StatusOK, forwardResponse{
		Output:    out,
		Rows:      len(out.Embeddings),
		OutputDim: outputDim(out.Embeddings),
	})
}

func (s *Server) handleForwardBatch(w http.ResponseWriter, r *http.Request) {
	var req forwardBatchRequest
	if !s.decode(w, r, &req) || !s.checkRows(w, r, len(req.Numerical)) {
		return
	}

	start := time.Now()
	out, err := s.model.ForwardBatch(r.Context(), req.Texts, req.Numerical)
	if err != nil {
		s.writeModelError(w, r, err)
		return
	}
	elapsed := time.Since(start)
	s.observeForward(r, metrics.ForwardBatch, len(out.Embeddings), 0, elapsed)

	writeJSON(w, http.StatusOK, forwardBatchResponse{
		BatchOutput: out,
		Rows:        len(out.Embeddings),
		OutputDim:   outputDim(out.Embeddings),
	})
}

func (s *Server) observeForward(r *http.Request, kind string, rows, textLength int, elapsed time.Duration) {
	s.metrics.ObserveForward(kind, rows, elapsed.Seconds())
	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeForwardCompleted,
		RequestID: getRequestID(r.Context()),
		Data: websocket.ForwardEvent{
			Kind:         kind,
			Rows:         rows,
			OutputDim:    s.config.Model.OutputDim,
			TextLength:   textLength,
			ProcessingMS: float64(elapsed.Microseconds()) / 1000,
		},
	})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}

	infos, err := s.store.List(r.Context())
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to list checkpoints", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "persistence_error", err.Error())
		return
	}
	if infos == nil {
		infos = []checkpoint.Info{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"backend":     s.config.Checkpoint.Backend,
		"checkpoints": infos,
	})
}

func (s *Server) handleSaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.handleCheckpoint(w, r, metrics.CheckpointSave, websocket.EventTypeCheckpointSaved, s.model.SaveTo)
}

func (s *Server) handleLoadCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.handleCheckpoint(w, r, metrics.CheckpointLoad, websocket.EventTypeCheckpointLoaded, s.model.LoadFrom)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request, op string, eventType websocket.EventType,
	run func(context.Context, checkpoint.Store, string) error) {
	if !s.requireStore(w, r) {
		return
	}
	name := mux.Vars(r)["name"]

	if err := run(r.Context(), s.store, name); err != nil {
		s.metrics.ObserveCheckpoint(op, metrics.StatusError)
		s.writeModelError(w, r, err)
		return
	}
	s.metrics.ObserveCheckpoint(op, metrics.StatusOK)

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      eventType,
		RequestID: getRequestID(r.Context()),
		Data: websocket.CheckpointEvent{
			Name:    name,
			Backend: s.config.Checkpoint.Backend,
		},
	})

	status := "saved"
	if op == metrics.CheckpointLoad {
		status = "loaded"
	}
	writeJSON(w, http.StatusOK, checkpointResponse{
		Name:    name,
		Backend: s.config.Checkpoint.Backend,
		Status:  status,
	})
}

func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if s.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "no checkpoint store configured")
		return false
	}
	return true
}

// decode reads a JSON body into v, answering 400 or 413 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, io.EOF):
			writeError(w, r, http.StatusBadRequest, "invalid_request", "empty request body")
		default:
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

func (s *Server) checkRows(w http.ResponseWriter, r *http.Request, rows int) bool {
	if limit := s.config.Server.MaxBatchRows; limit > 0 && rows > limit {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too_many_rows",
			fmt.Sprintf("%d rows exceeds the limit of %d", rows, limit))
		return false
	}
	return true
}

// writeModelError maps model, encoder and store failures to HTTP statuses.
func (s *Server) writeModelError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	errType := "internal_error"
	code := 0

	var modelErr *model.ModelError
	if errors.As(err, &modelErr) {
		errType = modelErr.Type
		code = modelErr.Code
		s.metrics.IncrementModelErrors(modelErr.Type)
	}

	switch {
	case errors.Is(err, checkpoint.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, checkpoint.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, encoder.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, model.ErrCompute):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInitialization):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrPersistence):
		status = http.StatusInternalServerError
	}

	log := s.logger.WithRequestID(getRequestID(r.Context()))
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.Int("status", status), zap.Error(err))
	}

	writeErrorCode(w, r, status, errType, code, err.Error())
}

func outputDim(rows [][]float64) int {
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, errType, message string) {
	writeErrorCode(w, r, status, errType, 0, message)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, errType string, code int, message string) {
	var body errorBody
	body.Error.Type = errType
	body.Error.Message = message
	body.Error.Code = code
	body.RequestID = getRequestID(r.Context())
	if body.RequestID == "unknown" {
		body.RequestID = ""
	}
	writeJSON(w, status, body)
}
