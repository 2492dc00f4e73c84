// Package algorithm defines the algorithm descriptor, the registry that
// catalogs descriptors by (name, version), and the YAML override machinery.
package algorithm

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionMode selects where an algorithm's code runs.
type ExecutionMode string

// Execution modes.
const (
	ModeProcessPool ExecutionMode = "process_pool"
	ModeInProcess   ExecutionMode = "in_process"
)

// Type categorizes an algorithm. The set is open; these are the conventional
// values.
type Type string

// Conventional algorithm types.
const (
	TypePrediction Type = "Prediction"
	TypePrepare    Type = "Prepare"
	TypeProgramme  Type = "Programme"
	TypePlanning   Type = "Planning"
)

// ExecutionConfig carries the execution hints recorded with an algorithm.
type ExecutionConfig struct {
	Mode         ExecutionMode `json:"executionMode"`
	Stateful     bool          `json:"stateful"`
	IsolatedPool bool          `json:"isolatedPool"`
	MaxWorkers   int           `json:"maxWorkers"`
	TimeoutS     *float64      `json:"timeoutS,omitempty"`
	GPU          string        `json:"gpu,omitempty"`
	KillTree     bool          `json:"killTree"`
	KillGraceS   float64       `json:"killGraceS"`
}

// LoggingConfig controls persistence of request payloads in the execution
// history.
type LoggingConfig struct {
	Enabled   bool `json:"enabled"`
	LogInput  bool `json:"logInput"`
	LogOutput bool `json:"logOutput"`
}

// Spec is the immutable descriptor of a registered algorithm. The registry
// owns stored specs exclusively; overrides mutate non-key fields through the
// registry only, never through callers.
type Spec struct {
	Name                 string
	Version              string
	Description          string
	AlgorithmType        Type
	CreatedTime          string // YYYY-MM-DD
	Author               string
	Category             string
	ApplicationScenarios string
	Extra                map[string]string

	Input       Codec
	Output      Codec
	Hyperparams Codec // nil when the entrypoint takes no params

	Execution ExecutionConfig
	Logging   LoggingConfig

	Entrypoint Entrypoint
}

// Key returns the registry key for the spec.
func (s *Spec) Key() string {
	return Key(s.Name, s.Version)
}

// Key builds the registry key for a (name, version) pair.
func Key(name, version string) string {
	return name + "@" + version
}

// InputSchema returns the JSON schema of the input model.
func (s *Spec) InputSchema() json.RawMessage { return s.Input.Schema() }

// OutputSchema returns the JSON schema of the output model.
func (s *Spec) OutputSchema() json.RawMessage { return s.Output.Schema() }

// validate checks the metadata contract at registration time, so a broken
// spec fails at startup rather than on its first request.
func (s *Spec) validate() error {
	if s.Name == "" || s.Version == "" {
		return fmt.Errorf("name and version are required")
	}
	if s.Author == "" {
		return fmt.Errorf("author is required")
	}
	if s.Category == "" {
		return fmt.Errorf("category is required")
	}
	if s.AlgorithmType == "" {
		return fmt.Errorf("algorithmType is required")
	}
	if s.CreatedTime == "" {
		return fmt.Errorf("createdTime is required")
	}
	if _, err := time.Parse("2006-01-02", s.CreatedTime); err != nil {
		return fmt.Errorf("createdTime %q is not a valid YYYY-MM-DD date", s.CreatedTime)
	}
	if s.Input == nil || s.Output == nil {
		return fmt.Errorf("input and output models are required")
	}
	if s.Entrypoint.fn == nil && s.Entrypoint.newFactory == nil {
		return fmt.Errorf("entrypoint is required")
	}
	if s.Entrypoint.HasParams() && s.Hyperparams == nil {
		return fmt.Errorf("entrypoint takes hyperparams but no hyperparams model is declared")
	}
	if s.Execution.MaxWorkers < 0 {
		return fmt.Errorf("maxWorkers must be >= 1")
	}
	if s.Execution.TimeoutS != nil && *s.Execution.TimeoutS <= 0 {
		return fmt.Errorf("timeoutS must be positive when set")
	}
	if s.Execution.KillGraceS < 0 {
		return fmt.Errorf("killGraceS must be >= 0")
	}

	// Smoke-test the codecs: a spec whose models cannot survive the worker
	// boundary must fail here, not on the first request.
	for _, codec := range []Codec{s.Input, s.Output, s.Hyperparams} {
		if codec == nil {
			continue
		}
		data, err := codec.Encode(codec.New())
		if err != nil {
			return fmt.Errorf("model round-trip: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("model round-trip: encoder produced invalid JSON")
		}
	}

	return nil
}

// normalize fills config defaults in place.
func (s *Spec) normalize() {
	if s.Execution.Mode == "" {
		s.Execution.Mode = ModeProcessPool
	}
	if s.Execution.MaxWorkers == 0 {
		s.Execution.MaxWorkers = 1
	}
	if s.Extra == nil {
		s.Extra = map[string]string{}
	}
}
