package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/executor"
	"github.com/bottomsky/algoserve/internal/store"
	"github.com/bottomsky/algoserve/protocol"
)

// errorCodes maps execution error kinds onto the response code catalog.
var errorCodes = map[executor.ErrorKind]int{
	executor.KindValidation: protocol.CodeInputValidation,
	executor.KindTimeout:    protocol.CodeTimeout,
	executor.KindRejected:   protocol.CodeRejected,
	executor.KindRuntime:    protocol.CodeRuntime,
	executor.KindSystem:     protocol.CodeSystem,
}

// handleExecute is the per-request flow: validate the envelope, resolve the
// spec, validate the payload, submit, and map the result back. Every business
// outcome — success or typed failure — returns HTTP 200 with the outcome in
// the body code.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.machine.ReadyForTraffic() {
		s.writeError(w, http.StatusServiceUnavailable, "service is not ready")
		return
	}

	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")

	req, err := protocol.DecodeRequest(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusOK,
			protocol.Failure("", time.Now().UTC(), protocol.CodeBadEnvelope, err.Error()))
		return
	}

	spec, err := s.registry.Get(name, version)
	if err != nil {
		s.writeJSON(w, http.StatusOK,
			protocol.Failure(req.RequestID, req.Datetime, protocol.CodeNotFound, err.Error()))
		return
	}

	payload, err := spec.Input.Decode(req.Data)
	if err != nil {
		s.writeJSON(w, http.StatusOK,
			protocol.Failure(req.RequestID, req.Datetime, protocol.CodeInputValidation, err.Error()))
		return
	}

	execReq := &executor.Request{
		Spec:           spec,
		Payload:        payload,
		RawPayload:     req.Data,
		RawHyperparams: req.Hyperparams,
		RequestID:      req.RequestID,
		RequestTime:    req.Datetime,
		CallContext:    req.Context,
	}
	if req.Context != nil {
		execReq.TraceID = req.Context.TraceID
	}

	result := s.executor.Submit(r.Context(), execReq)

	resp := buildResponse(req, result)
	s.recordExecution(r.Context(), spec, req, result, resp.Code)
	s.writeJSON(w, http.StatusOK, resp)
}

// buildResponse maps an execution result onto the response envelope,
// honoring user-staged response metadata on success and failure alike.
func buildResponse(req *protocol.AlgorithmRequest, result *executor.Result) *protocol.AlgorithmResponse {
	var resp *protocol.AlgorithmResponse
	if result.Success {
		resp = protocol.Success(req.RequestID, req.Datetime, result.RawData)
	} else {
		code := protocol.CodeSystem
		message := "execution failed"
		if result.Err != nil {
			if mapped, ok := errorCodes[result.Err.Kind]; ok {
				code = mapped
			}
			message = result.Err.Message
		}
		resp = protocol.Failure(req.RequestID, req.Datetime, code, message)
	}

	if meta := result.ResponseMeta; meta != nil {
		if meta.Code != nil {
			resp.Code = *meta.Code
		}
		if meta.Message != nil {
			resp.Message = *meta.Message
		}
		if meta.Context != nil {
			resp.Context = meta.Context
		}
	}

	return resp
}

// recordExecution persists the execution history row, honoring the spec's
// logging config for payload capture.
func (s *Server) recordExecution(
	ctx context.Context,
	spec *algorithm.Spec,
	req *protocol.AlgorithmRequest,
	result *executor.Result,
	code int,
) {
	if s.store == nil {
		return
	}

	now := time.Now().UTC()
	rec := &store.ExecutionRecord{
		ID:        ulid.Make().String(),
		RequestID: req.RequestID,
		Name:      spec.Name,
		Version:   spec.Version,
		Backend:   string(spec.Execution.Mode),
		Code:      code,
		WorkerPID: result.WorkerPID,
		CreatedAt: now,
	}
	if result.Err != nil {
		rec.ErrorKind = string(result.Err.Kind)
		rec.Error = result.Err.Message
	}
	if !result.StartedAt.IsZero() {
		startedAt := result.StartedAt
		rec.StartedAt = &startedAt
	}
	if !result.EndedAt.IsZero() {
		finishedAt := result.EndedAt
		rec.FinishedAt = &finishedAt
		if rec.StartedAt != nil {
			rec.DurationMS = finishedAt.Sub(*rec.StartedAt).Milliseconds()
		}
	}
	if spec.Logging.Enabled && spec.Logging.LogInput {
		rec.Input = req.Data
	}
	if spec.Logging.Enabled && spec.Logging.LogOutput {
		rec.Output = result.RawData
	}

	if err := s.store.InsertExecution(ctx, rec); err != nil {
		s.logger.Error("persist execution record failed",
			"request_id", req.RequestID, "error", err)
	}
}
