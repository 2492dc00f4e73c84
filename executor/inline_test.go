package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/bottomsky/algoserve/executor"
)

func newInline(t *testing.T) *executor.Inline {
	t.Helper()
	e := executor.NewInline(30*time.Second, discardLogger())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background(), true) })
	return e
}

func TestInlineHappyPath(t *testing.T) {
	e := newInline(t)

	res := e.Submit(context.Background(), makeRequest(t, "double", `{"value":21}`))
	if !res.Success {
		t.Fatalf("Submit: %+v", res.Err)
	}
	if out := res.Data.(*doubleOutput); out.Doubled != 42 {
		t.Errorf("Doubled = %d, want 42", out.Doubled)
	}
	if string(res.RawData) == "" {
		t.Error("RawData not populated")
	}
}

func TestInlinePanicBecomesRuntimeError(t *testing.T) {
	e := newInline(t)

	res := e.Submit(context.Background(), makeRequest(t, "panicker", `{"value":1}`))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err.Kind != executor.KindRuntime {
		t.Errorf("error kind = %s, want runtime", res.Err.Kind)
	}
	if res.Err.Traceback == "" {
		t.Error("expected traceback")
	}

	// The executor survives user panics.
	again := e.Submit(context.Background(), makeRequest(t, "double", `{"value":2}`))
	if !again.Success {
		t.Fatalf("executor unusable after panic: %+v", again.Err)
	}
}

func TestInlineResponseMeta(t *testing.T) {
	e := newInline(t)

	res := e.Submit(context.Background(), makeRequest(t, "meta", `{"value":5}`))
	if !res.Success {
		t.Fatalf("Submit: %+v", res.Err)
	}
	if res.ResponseMeta == nil {
		t.Fatal("response meta not captured")
	}
	if *res.ResponseMeta.Code != 201 || *res.ResponseMeta.Message != "created" {
		t.Errorf("meta = %+v, want code 201 message created", res.ResponseMeta)
	}
}

func TestInlineMetaOmittedWhenNotStaged(t *testing.T) {
	e := newInline(t)

	res := e.Submit(context.Background(), makeRequest(t, "double", `{"value":5}`))
	if res.ResponseMeta != nil {
		t.Errorf("meta = %+v, want nil when nothing staged", res.ResponseMeta)
	}
}

func TestInlineStatefulCache(t *testing.T) {
	e := newInline(t)

	first := e.Submit(context.Background(), makeRequest(t, "counter", `{}`))
	second := e.Submit(context.Background(), makeRequest(t, "counter", `{}`))
	if !first.Success || !second.Success {
		t.Fatalf("submits failed: %+v / %+v", first.Err, second.Err)
	}
	if c := second.Data.(*countOutput); c.Count != 2 {
		t.Errorf("count = %d, want 2 (cached instance)", c.Count)
	}
}

func TestInlineHyperparams(t *testing.T) {
	e := newInline(t)

	req := makeRequest(t, "scaled", `{"value":4}`)
	req.RawHyperparams = []byte(`{"factor":5}`)
	res := e.Submit(context.Background(), req)
	if !res.Success {
		t.Fatalf("Submit: %+v", res.Err)
	}
	if out := res.Data.(*doubleOutput); out.Doubled != 20 {
		t.Errorf("Doubled = %d, want 20", out.Doubled)
	}
}

func TestInlineNotStartedRejects(t *testing.T) {
	e := executor.NewInline(time.Second, discardLogger())
	res := e.Submit(context.Background(), makeRequest(t, "double", `{"value":1}`))
	if res.Success || res.Err.Kind != executor.KindRejected {
		t.Fatalf("result = %+v, want rejected", res)
	}
}
