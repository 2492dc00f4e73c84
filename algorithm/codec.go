package algorithm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Codec is the schema handle attached to a spec for one side of the I/O
// contract. It yields a JSON schema, a fresh instance, and the encode/decode
// pair used at the worker boundary. Algorithm inputs and outputs cross the
// process boundary only through these codecs, never through a language-level
// object serializer.
type Codec interface {
	// New returns a freshly allocated zero value of the model.
	New() any

	// Decode parses data into a new model instance. Unknown fields are
	// tolerated; if the model implements Validator, validation runs after
	// parsing.
	Decode(data []byte) (any, error)

	// Encode serializes a model instance produced by Decode or by user code.
	Encode(v any) ([]byte, error)

	// Schema returns the JSON schema for the model.
	Schema() json.RawMessage
}

// Validator is implemented by models that carry semantic constraints beyond
// their JSON shape.
type Validator interface {
	Validate() error
}

// jsonCodec is the generic JSON-backed Codec implementation.
type jsonCodec[T any] struct {
	schema json.RawMessage
}

// Model builds a JSON codec for T. The schema is reflected once at
// construction.
func Model[T any]() Codec {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection output always marshals; a failure here means T itself
		// cannot be described and the spec would be unusable anyway.
		data = []byte(`{}`)
	}
	return &jsonCodec[T]{schema: data}
}

func (c *jsonCodec[T]) New() any {
	return new(T)
}

func (c *jsonCodec[T]) Decode(data []byte) (any, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if validator, ok := any(v).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("validate model: %w", err)
		}
	}
	return v, nil
}

func (c *jsonCodec[T]) Encode(v any) ([]byte, error) {
	typed, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("encode model: got %T, want %T", v, new(T))
	}
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	return data, nil
}

func (c *jsonCodec[T]) Schema() json.RawMessage {
	return c.schema
}
