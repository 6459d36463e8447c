// Package dag turns a declarative pipeline configuration into a validated
// directed acyclic graph of stages with parallel execution levels.
package dag

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Execution strategies a stage may request.
const (
	StrategyCooperative = "cooperative"
	StrategyThread      = "thread"
	StrategyProcess     = "process"
)

// PipelineConfig is the declarative description of a pipeline.
type PipelineConfig struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Stages      []StageConfig `yaml:"stages" json:"stages" validate:"required,min=1,dive"`
}

// StageConfig describes one stage of a pipeline.
type StageConfig struct {
	Name      string         `yaml:"name" json:"name" validate:"required"`
	Processor string         `yaml:"processor" json:"processor" validate:"required"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive,required"`
	Retry     *RetryPolicy   `yaml:"retry,omitempty" json:"retry,omitempty"`
	Resources ResourceHints  `yaml:"resources,omitempty" json:"resources,omitempty"`
	Timeout   Duration       `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"min=0"`
	Priority  int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Enabled   *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsEnabled reports whether the stage should run. Stages are enabled
// unless explicitly disabled.
func (s StageConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// MaxAttempts returns how many times the stage may be executed. A stage
// without a retry policy runs exactly once.
func (s StageConfig) MaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// ResourceHints describe the expected cost of a stage.
type ResourceHints struct {
	CPU      float64 `yaml:"cpu,omitempty" json:"cpu,omitempty" validate:"min=0"`
	MemoryMB int64   `yaml:"memory_mb,omitempty" json:"memory_mb,omitempty" validate:"min=0"`
	Strategy string  `yaml:"strategy,omitempty" json:"strategy,omitempty" validate:"omitempty,oneof=cooperative thread process"`
	// Weight is the share of pipeline progress this stage represents.
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty" validate:"min=0"`
}

// ProgressWeight returns the progress weight, defaulting to 1.
func (h ResourceHints) ProgressWeight() float64 {
	if h.Weight <= 0 {
		return 1
	}
	return h.Weight
}

// RetryPolicy bounds how often a failed stage is retried. There is no
// implicit default: MaxAttempts > 1 requires an explicit Backoff.
type RetryPolicy struct {
	MaxAttempts    int            `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	Backoff        *BackoffPolicy `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	RetryOnTimeout *bool          `yaml:"retry_on_timeout,omitempty" json:"retry_on_timeout,omitempty"`
}

// ShouldRetryTimeouts reports whether timed out attempts are retried.
func (p *RetryPolicy) ShouldRetryTimeouts() bool {
	return p == nil || p.RetryOnTimeout == nil || *p.RetryOnTimeout
}

// Delay returns the wait before the given retry (1 = first retry).
func (p *RetryPolicy) Delay(retry int) time.Duration {
	if p == nil || p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(retry)
}

// BackoffPolicy is a capped exponential backoff: initial * multiplier^(n-1).
type BackoffPolicy struct {
	Initial    Duration `yaml:"initial" json:"initial"`
	Max        Duration `yaml:"max" json:"max"`
	Multiplier float64  `yaml:"multiplier" json:"multiplier"`
}

// Delay returns the backoff before retry n (1-based).
func (b *BackoffPolicy) Delay(retry int) time.Duration {
	if b == nil || retry < 1 {
		return 0
	}
	backoff := float64(b.Initial) * math.Pow(b.Multiplier, float64(retry-1))
	if b.Max > 0 && backoff > float64(b.Max) {
		backoff = float64(b.Max)
	}
	return time.Duration(backoff)
}

func (p *RetryPolicy) validate(stage string) error {
	if p.MaxAttempts < 1 {
		return &ConfigurationError{Stage: stage, Reason: "retry.max_attempts must be at least 1", Err: ErrInvalidRetryPolicy}
	}
	if p.MaxAttempts == 1 {
		return nil
	}
	b := p.Backoff
	if b == nil {
		return &ConfigurationError{Stage: stage, Reason: "retry.backoff is required when max_attempts > 1", Err: ErrInvalidRetryPolicy}
	}
	if b.Initial <= 0 {
		return &ConfigurationError{Stage: stage, Reason: "retry.backoff.initial must be positive", Err: ErrInvalidRetryPolicy}
	}
	if b.Multiplier < 1 {
		return &ConfigurationError{Stage: stage, Reason: "retry.backoff.multiplier must be >= 1", Err: ErrInvalidRetryPolicy}
	}
	if b.Max < b.Initial {
		return &ConfigurationError{Stage: stage, Reason: "retry.backoff.max must be >= initial", Err: ErrInvalidRetryPolicy}
	}
	return nil
}

// Duration is a time.Duration that reads and writes as "1m30s" in both YAML
// and JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ParseConfig decodes a pipeline configuration. format is "yaml" or "json".
// Unknown fields are rejected.
func ParseConfig(data []byte, format string) (*PipelineConfig, error) {
	var cfg PipelineConfig
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, &ConfigurationError{Reason: "parse json pipeline config", Err: err}
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, &ConfigurationError{Reason: "parse yaml pipeline config", Err: err}
		}
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported config format %q", format)}
	}
	return &cfg, nil
}

// LoadConfig reads a pipeline configuration file, choosing the format from
// its extension.
func LoadConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Reason: "read pipeline config", Err: err}
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseConfig(data, format)
}

// Hash returns a stable fingerprint of the configuration. Checkpoints record
// it so a run is never resumed against a different graph.
func (c *PipelineConfig) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
