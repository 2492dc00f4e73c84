package algorithm_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bottomsky/algoserve/algorithm"
)

type strictInput struct {
	Value int `json:"value"`
}

func (s *strictInput) Validate() error {
	if s.Value < 0 {
		return errors.New("value must be non-negative")
	}
	return nil
}

func TestModelDecodeLenient(t *testing.T) {
	codec := algorithm.Model[strictInput]()

	// Unknown fields in user payloads are tolerated.
	v, err := codec.Decode([]byte(`{"value":3,"unknown":"ignored"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.(*strictInput).Value != 3 {
		t.Errorf("Value = %d, want 3", v.(*strictInput).Value)
	}
}

func TestModelDecodeRunsValidate(t *testing.T) {
	codec := algorithm.Model[strictInput]()

	if _, err := codec.Decode([]byte(`{"value":-1}`)); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestModelDecodeBadJSON(t *testing.T) {
	codec := algorithm.Model[strictInput]()
	if _, err := codec.Decode([]byte(`{`)); err == nil {
		t.Fatal("expected decode failure")
	}
}

func TestModelEncodeRoundTrip(t *testing.T) {
	codec := algorithm.Model[strictInput]()

	data, err := codec.Encode(&strictInput{Value: 9})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.(*strictInput).Value != 9 {
		t.Errorf("round trip lost data: %+v", back)
	}
}

func TestModelEncodeRejectsWrongType(t *testing.T) {
	codec := algorithm.Model[strictInput]()
	if _, err := codec.Encode("not a model"); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestModelSchema(t *testing.T) {
	codec := algorithm.Model[strictInput]()

	schema := codec.Schema()
	if !json.Valid(schema) {
		t.Fatal("schema is not valid JSON")
	}
	if !strings.Contains(string(schema), "value") {
		t.Errorf("schema missing field name: %s", schema)
	}
}
