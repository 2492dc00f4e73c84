package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/executor"
	"github.com/bottomsky/algoserve/internal/config"
	"github.com/bottomsky/algoserve/internal/server"
	"github.com/bottomsky/algoserve/internal/store"
	"github.com/bottomsky/algoserve/lifecycle"
	"github.com/bottomsky/algoserve/protocol"
	"github.com/bottomsky/algoserve/taskctx"
)

type echoInput struct {
	Value int `json:"value"`
}

type echoOutput struct {
	Doubled int `json:"doubled"`
}

// fakeExecutor is a configurable executor backend for HTTP-layer tests.
type fakeExecutor struct {
	result  *executor.Result
	started bool
	lastReq *executor.Request
}

func (f *fakeExecutor) Start() error  { f.started = true; return nil }
func (f *fakeExecutor) Started() bool { return f.started }
func (f *fakeExecutor) Shutdown(context.Context, bool) error {
	f.started = false
	return nil
}

func (f *fakeExecutor) Submit(_ context.Context, req *executor.Request) *executor.Result {
	f.lastReq = req
	if f.result != nil {
		return f.result
	}
	// Default behavior: double the input.
	in := req.Payload.(*echoInput)
	out := &echoOutput{Doubled: in.Value * 2}
	raw, _ := json.Marshal(out)
	return &executor.Result{
		Success:   true,
		Data:      out,
		RawData:   raw,
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
		WorkerPID: 1234,
	}
}

type serverFixture struct {
	srv     *server.Server
	exec    *fakeExecutor
	machine *lifecycle.Machine
	store   *store.SQLiteStore
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := algorithm.NewRegistry(logger)
	spec := &algorithm.Spec{
		Name:          "double",
		Version:       "v1",
		Description:   "doubles a value",
		AlgorithmType: algorithm.TypePrediction,
		CreatedTime:   "2026-01-01",
		Author:        "tests",
		Category:      "math",
		Input:         algorithm.Model[echoInput](),
		Output:        algorithm.Model[echoOutput](),
		Logging:       algorithm.LoggingConfig{Enabled: true, LogInput: true, LogOutput: true},
		Entrypoint: algorithm.Func(func(_ context.Context, in *echoInput) (*echoOutput, error) {
			return &echoOutput{Doubled: in.Value * 2}, nil
		}),
	}
	if err := reg.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	machine := lifecycle.NewMachine(logger)
	for _, s := range []lifecycle.State{
		lifecycle.StateProvisioning, lifecycle.StateReady, lifecycle.StateRunning,
	} {
		if err := machine.To(context.Background(), s, "test"); err != nil {
			t.Fatalf("To(%s): %v", s, err)
		}
	}

	exec := &fakeExecutor{started: true}
	srv := server.NewServer(config.Config{ServiceName: "algoserve-test"}, reg, exec, machine, db, nil, logger)

	return &serverFixture{srv: srv, exec: exec, machine: machine, store: db}
}

func (f *serverFixture) execute(t *testing.T, path, body string) *protocol.AlgorithmResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp protocol.AlgorithmResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

const validBody = `{"requestId":"r1","datetime":"2026-01-01T00:00:00Z","data":{"value":21}}`

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)

	resp := f.execute(t, "/algorithms/double/v1", validBody)
	if resp.Code != 0 || resp.Message != "success" {
		t.Errorf("code/message = %d/%q", resp.Code, resp.Message)
	}
	if resp.RequestID != "r1" {
		t.Errorf("requestId = %q, want echoed r1", resp.RequestID)
	}
	if !resp.Datetime.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("datetime = %v, want echoed request time", resp.Datetime)
	}
	if resp.Context != nil {
		t.Error("context must be null when user code staged none")
	}

	var out echoOutput
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if out.Doubled != 42 {
		t.Errorf("doubled = %d, want 42", out.Doubled)
	}
}

func TestExecuteBadEnvelope(t *testing.T) {
	f := newFixture(t)

	resp := f.execute(t, "/algorithms/double/v1",
		`{"requestId":"r1","datetime":"2026-01-01T00:00:00Z","data":{},"surprise":1}`)
	if resp.Code != protocol.CodeBadEnvelope {
		t.Errorf("code = %d, want %d", resp.Code, protocol.CodeBadEnvelope)
	}
}

func TestExecuteUnknownAlgorithm(t *testing.T) {
	f := newFixture(t)

	resp := f.execute(t, "/algorithms/missing/v9", validBody)
	if resp.Code != protocol.CodeNotFound {
		t.Errorf("code = %d, want %d", resp.Code, protocol.CodeNotFound)
	}
}

func TestExecuteErrorKindMapping(t *testing.T) {
	tests := []struct {
		kind executor.ErrorKind
		code int
	}{
		{executor.KindValidation, protocol.CodeInputValidation},
		{executor.KindTimeout, protocol.CodeTimeout},
		{executor.KindRejected, protocol.CodeRejected},
		{executor.KindRuntime, protocol.CodeRuntime},
		{executor.KindSystem, protocol.CodeSystem},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t)
			f.exec.result = &executor.Result{
				Err: &executor.Error{Kind: tt.kind, Message: "boom"},
			}

			resp := f.execute(t, "/algorithms/double/v1", validBody)
			if resp.Code != tt.code {
				t.Errorf("code = %d, want %d", resp.Code, tt.code)
			}
			if resp.Data != nil && string(resp.Data) != "null" {
				t.Errorf("data = %s, want null", resp.Data)
			}
		})
	}
}

func TestExecuteResponseMetaOverridesSuccess(t *testing.T) {
	f := newFixture(t)
	code := 201
	message := "created"
	raw, _ := json.Marshal(&echoOutput{Doubled: 4})
	f.exec.result = &executor.Result{
		Success: true,
		RawData: raw,
		ResponseMeta: &taskctx.ResponseMeta{
			Code:    &code,
			Message: &message,
			Context: &protocol.AlgorithmContext{TraceID: "rt"},
		},
	}

	resp := f.execute(t, "/algorithms/double/v1", validBody)
	if resp.Code != 201 || resp.Message != "created" {
		t.Errorf("code/message = %d/%q", resp.Code, resp.Message)
	}
	if resp.Context == nil || resp.Context.TraceID != "rt" {
		t.Errorf("context = %+v", resp.Context)
	}
}

func TestExecuteResponseMetaOverridesFailure(t *testing.T) {
	f := newFixture(t)
	code := 201
	message := "created"
	f.exec.result = &executor.Result{
		Err: &executor.Error{Kind: executor.KindRuntime, Message: "thrown"},
		ResponseMeta: &taskctx.ResponseMeta{
			Code:    &code,
			Message: &message,
			Context: &protocol.AlgorithmContext{TraceID: "rt"},
		},
	}

	resp := f.execute(t, "/algorithms/double/v1", validBody)
	if resp.Code != 201 || resp.Message != "created" {
		t.Errorf("code/message = %d/%q, want staged overrides", resp.Code, resp.Message)
	}
	if resp.Context == nil || resp.Context.TraceID != "rt" {
		t.Errorf("context = %+v", resp.Context)
	}
	if resp.Data != nil && string(resp.Data) != "null" {
		t.Errorf("data = %s, want null on failure", resp.Data)
	}
}

func TestExecuteInputValidationBeforeDispatch(t *testing.T) {
	f := newFixture(t)

	resp := f.execute(t, "/algorithms/double/v1",
		`{"requestId":"r1","datetime":"2026-01-01T00:00:00Z","data":{"value":"not an int"}}`)
	if resp.Code != protocol.CodeInputValidation {
		t.Errorf("code = %d, want %d", resp.Code, protocol.CodeInputValidation)
	}
	if f.exec.lastReq != nil {
		t.Error("invalid input must not reach the executor")
	}
}

func TestExecuteRejectedWhileNotReady(t *testing.T) {
	f := newFixture(t)
	if err := f.machine.To(context.Background(), lifecycle.StateDraining, "test"); err != nil {
		t.Fatalf("To(draining): %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/algorithms/double/v1", bytes.NewBufferString(validBody))
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while draining", rec.Code)
	}
}

func TestExecuteTraceIDFromContext(t *testing.T) {
	f := newFixture(t)

	f.execute(t, "/algorithms/double/v1",
		`{"requestId":"r1","datetime":"2026-01-01T00:00:00Z","context":{"traceId":"trace-7"},"data":{"value":1}}`)
	if f.exec.lastReq == nil || f.exec.lastReq.TraceID != "trace-7" {
		t.Errorf("executor request traceId = %q, want trace-7", f.exec.lastReq.TraceID)
	}
}

func TestExecuteRecordsHistory(t *testing.T) {
	f := newFixture(t)

	f.execute(t, "/algorithms/double/v1", validBody)

	records, total, err := f.store.ListExecutions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("total = %d, records = %d, want 1", total, len(records))
	}
	rec := records[0]
	if rec.RequestID != "r1" || rec.Name != "double" || rec.Code != 0 {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Input) == 0 || len(rec.Output) == 0 {
		t.Error("logInput/logOutput requested but payloads not persisted")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzReflectsLifecycle(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 while running", rec.Code)
	}

	if err := f.machine.To(context.Background(), lifecycle.StateDraining, "test"); err != nil {
		t.Fatalf("To(draining): %v", err)
	}
	rec = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while draining", rec.Code)
	}

	var body struct {
		Ready  bool            `json:"ready"`
		Checks map[string]bool `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ready || body.Checks["lifecycle"] {
		t.Errorf("body = %+v, want lifecycle check false", body)
	}
}

func TestListAlgorithms(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/algorithms", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Algorithms []map[string]any `json:"algorithms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Algorithms) != 1 {
		t.Fatalf("algorithms = %d, want 1", len(body.Algorithms))
	}
	entry := body.Algorithms[0]
	if entry["name"] != "double" || entry["author"] != "tests" || entry["createdTime"] != "2026-01-01" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestGetSchema(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/algorithms/double/v1/schema", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Input     json.RawMessage `json:"input"`
		Output    json.RawMessage `json:"output"`
		Execution map[string]any  `json:"execution"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Input) == 0 || len(body.Output) == 0 {
		t.Error("schemas missing")
	}
	if body.Execution["executionMode"] != "process_pool" {
		t.Errorf("execution = %+v", body.Execution)
	}

	rec = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/algorithms/nope/v1/schema", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing schema status = %d, want 404", rec.Code)
	}
}

func TestLifecycleAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/lifecycle/state", nil))
	var state map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state["state"] != "running" {
		t.Errorf("state = %q, want running", state["state"])
	}

	rec = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/lifecycle/draining", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("draining status = %d", rec.Code)
	}

	// running is illegal from draining.
	rec = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/lifecycle/running", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("illegal transition status = %d, want 409", rec.Code)
	}
}

func TestReloadOverridesGatedByLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := algorithm.NewRegistry(logger)
	machine := lifecycle.NewMachine(logger)
	for _, s := range []lifecycle.State{lifecycle.StateProvisioning, lifecycle.StateReady} {
		if err := machine.To(context.Background(), s, "test"); err != nil {
			t.Fatalf("To(%s): %v", s, err)
		}
	}

	cfg := config.Config{ServiceName: "algoserve-test", MetadataDir: t.TempDir()}
	srv := server.NewServer(cfg, reg, &fakeExecutor{started: true}, machine, nil, nil, logger)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/overrides/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reload while ready = %d, want 200", rec.Code)
	}

	if err := machine.To(context.Background(), lifecycle.StateRunning, "test"); err != nil {
		t.Fatalf("To(running): %v", err)
	}
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/overrides/reload", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("reload while running = %d, want 409", rec.Code)
	}
}

func TestRootRedirectsToHealthz(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want 307", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/healthz" {
		t.Errorf("location = %q", loc)
	}
}
