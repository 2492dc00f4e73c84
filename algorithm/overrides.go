package algorithm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// overrideSuffix selects metadata override files inside a config directory.
const overrideSuffix = ".algometa.yaml"

// Override is one entry of an *.algometa.yaml file. The four match keys are
// required and are never written to the spec; any subset of the remaining
// fields overrides the matched spec's metadata.
type Override struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	Category      string `yaml:"category"`
	AlgorithmType string `yaml:"algorithmType"`

	Description          *string           `yaml:"description"`
	CreatedTime          *string           `yaml:"createdTime"`
	Author               *string           `yaml:"author"`
	ApplicationScenarios *string           `yaml:"applicationScenarios"`
	Extra                map[string]string `yaml:"extra"`
	Logging              *LoggingOverride  `yaml:"logging"`
	Execution            *ExecutionOverride `yaml:"execution"`
}

// LoggingOverride overrides any subset of the logging config.
type LoggingOverride struct {
	Enabled   *bool `yaml:"enabled"`
	LogInput  *bool `yaml:"logInput"`
	LogOutput *bool `yaml:"logOutput"`
}

// ExecutionOverride overrides any subset of the execution config.
type ExecutionOverride struct {
	Mode         *string  `yaml:"executionMode"`
	Stateful     *bool    `yaml:"stateful"`
	IsolatedPool *bool    `yaml:"isolatedPool"`
	MaxWorkers   *int     `yaml:"maxWorkers"`
	TimeoutS     *float64 `yaml:"timeoutS"`
	GPU          *string  `yaml:"gpu"`
	KillTree     *bool    `yaml:"killTree"`
	KillGraceS   *float64 `yaml:"killGraceS"`
}

// allowedOverrideKeys is the full key set an entry may carry. Anything else
// marks the entry malformed.
var allowedOverrideKeys = map[string]bool{
	"name": true, "version": true, "category": true, "algorithmType": true,
	"description": true, "createdTime": true, "author": true,
	"applicationScenarios": true, "extra": true, "logging": true,
	"execution": true,
}

func (o *Override) matches(s *Spec) bool {
	return o.Name == s.Name &&
		o.Version == s.Version &&
		o.Category == s.Category &&
		o.AlgorithmType == string(s.AlgorithmType)
}

// apply writes the entry's non-key fields onto the spec.
func (o *Override) apply(s *Spec) {
	if o.Description != nil {
		s.Description = *o.Description
	}
	if o.CreatedTime != nil {
		s.CreatedTime = *o.CreatedTime
	}
	if o.Author != nil {
		s.Author = *o.Author
	}
	if o.ApplicationScenarios != nil {
		s.ApplicationScenarios = *o.ApplicationScenarios
	}
	if o.Extra != nil {
		if s.Extra == nil {
			s.Extra = map[string]string{}
		}
		for k, v := range o.Extra {
			s.Extra[k] = v
		}
	}
	if o.Logging != nil {
		if o.Logging.Enabled != nil {
			s.Logging.Enabled = *o.Logging.Enabled
		}
		if o.Logging.LogInput != nil {
			s.Logging.LogInput = *o.Logging.LogInput
		}
		if o.Logging.LogOutput != nil {
			s.Logging.LogOutput = *o.Logging.LogOutput
		}
	}
	if o.Execution != nil {
		ex := o.Execution
		if ex.Mode != nil {
			s.Execution.Mode = ExecutionMode(*ex.Mode)
		}
		if ex.Stateful != nil {
			s.Execution.Stateful = *ex.Stateful
		}
		if ex.IsolatedPool != nil {
			s.Execution.IsolatedPool = *ex.IsolatedPool
		}
		if ex.MaxWorkers != nil && *ex.MaxWorkers >= 1 {
			s.Execution.MaxWorkers = *ex.MaxWorkers
		}
		if ex.TimeoutS != nil {
			timeout := *ex.TimeoutS
			s.Execution.TimeoutS = &timeout
		}
		if ex.GPU != nil {
			s.Execution.GPU = *ex.GPU
		}
		if ex.KillTree != nil {
			s.Execution.KillTree = *ex.KillTree
		}
		if ex.KillGraceS != nil && *ex.KillGraceS >= 0 {
			s.Execution.KillGraceS = *ex.KillGraceS
		}
	}
}

// valid checks the entry's own contract: the four match keys present, a
// parseable createdTime when supplied.
func (o *Override) valid() error {
	if o.Name == "" || o.Version == "" || o.Category == "" || o.AlgorithmType == "" {
		return fmt.Errorf("match keys name, version, category, algorithmType are all required")
	}
	if o.CreatedTime != nil {
		if _, err := time.Parse("2006-01-02", *o.CreatedTime); err != nil {
			return fmt.Errorf("createdTime %q is not a valid YYYY-MM-DD date", *o.CreatedTime)
		}
	}
	return nil
}

// LoadOverrides reads every *.algometa.yaml file under dir in lexical order
// and applies each valid entry, in order, to matching registered specs.
// Entries are retained so algorithms registered later receive them too;
// repeated loads append, keeping later matches authoritative. Malformed
// files and entries warn and are skipped.
func (r *Registry) LoadOverrides(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read override dir: %w", err)
	}

	var loaded []Override
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), overrideSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		fileOverrides, warnings, err := parseOverrideFile(path)
		if err != nil {
			r.logger.Warn("skipping malformed override file", "path", path, "error", err)
			continue
		}
		for _, warning := range warnings {
			r.logger.Warn("skipping malformed override entry", "path", path, "error", warning)
		}
		for _, o := range fileOverrides {
			if err := o.valid(); err != nil {
				r.logger.Warn("skipping malformed override entry",
					"path", path, "name", o.Name, "version", o.Version, "error", err)
				continue
			}
			loaded = append(loaded, o)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides = append(r.overrides, loaded...)
	for i := range loaded {
		o := &loaded[i]
		for _, spec := range r.specs {
			if o.matches(spec) {
				o.apply(spec)
				r.logger.Info("override applied",
					"name", spec.Name, "version", spec.Version)
			}
		}
	}

	return nil
}

// parseOverrideFile decodes one override file. Each entry is first decoded
// generically so an unknown key or a type mismatch skips only that entry;
// a file that fails to parse at all is skipped whole by the caller.
func parseOverrideFile(path string) ([]Override, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}

	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse yaml: %w", err)
	}

	var overrides []Override
	var warnings []string
	for i, entry := range raw {
		o, err := decodeOverrideEntry(entry)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		overrides = append(overrides, o)
	}

	return overrides, warnings, nil
}

func decodeOverrideEntry(entry map[string]any) (Override, error) {
	for key := range entry {
		if !allowedOverrideKeys[key] {
			return Override{}, fmt.Errorf("unknown key %q", key)
		}
	}

	// Re-marshal the vetted entry and decode into the typed form.
	buf, err := yaml.Marshal(entry)
	if err != nil {
		return Override{}, err
	}
	var o Override
	if err := yaml.Unmarshal(buf, &o); err != nil {
		return Override{}, err
	}
	return o, nil
}
