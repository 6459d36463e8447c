package processor

import (
	"sort"
)

// Context is the read-only view handed to a processor for one invocation.
// All maps are copied on construction so a processor can never reach into
// the run-scoped state owned by the pipeline manager.
type Context struct {
	runID      string
	stage      string
	documentID string
	source     string
	attempt    int
	metadata   map[string]any
	params     map[string]any
	upstream   map[string]Result
}

// ContextParams carries the fields used to build a Context.
type ContextParams struct {
	RunID      string
	Stage      string
	DocumentID string
	Source     string
	Attempt    int
	Metadata   map[string]any
	Params     map[string]any
	Upstream   map[string]Result
}

// NewContext builds an immutable processor context.
func NewContext(p ContextParams) *Context {
	upstream := make(map[string]Result, len(p.Upstream))
	for k, v := range p.Upstream {
		upstream[k] = v
	}
	attempt := p.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return &Context{
		runID:      p.RunID,
		stage:      p.Stage,
		documentID: p.DocumentID,
		source:     p.Source,
		attempt:    attempt,
		metadata:   copyMap(p.Metadata),
		params:     copyMap(p.Params),
		upstream:   upstream,
	}
}

// RunID returns the pipeline run this invocation belongs to.
func (c *Context) RunID() string { return c.runID }

// Stage returns the name of the stage being executed.
func (c *Context) Stage() string { return c.stage }

// DocumentID returns the identifier of the document being processed.
func (c *Context) DocumentID() string { return c.documentID }

// Source returns the source reference (usually a path or URI).
func (c *Context) Source() string { return c.source }

// Attempt returns the 1-based attempt number.
func (c *Context) Attempt() int { return c.attempt }

// Metadata returns a declared metadata value.
func (c *Context) Metadata(key string) (any, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// MetadataString returns a metadata value as a string, or "" when missing
// or not a string.
func (c *Context) MetadataString(key string) string {
	if v, ok := c.metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetadataKeys returns the metadata keys in sorted order.
func (c *Context) MetadataKeys() []string {
	return sortedKeys(c.metadata)
}

// Param returns a stage parameter from the pipeline configuration.
func (c *Context) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// Upstream returns the result produced by a named upstream stage.
func (c *Context) Upstream(stage string) (Result, bool) {
	r, ok := c.upstream[stage]
	return r, ok
}

// UpstreamNames returns the names of the available upstream results.
func (c *Context) UpstreamNames() []string {
	names := make([]string, 0, len(c.upstream))
	for k := range c.upstream {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot is the serializable form of a Context, used to ship an
// invocation to a worker process.
type Snapshot struct {
	RunID      string            `json:"run_id"`
	Stage      string            `json:"stage"`
	DocumentID string            `json:"document_id"`
	Source     string            `json:"source"`
	Attempt    int               `json:"attempt"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Params     map[string]any    `json:"params,omitempty"`
	Upstream   map[string]Result `json:"upstream,omitempty"`
}

// Snapshot returns a serializable copy of the context.
func (c *Context) Snapshot() Snapshot {
	upstream := make(map[string]Result, len(c.upstream))
	for k, v := range c.upstream {
		upstream[k] = v
	}
	return Snapshot{
		RunID:      c.runID,
		Stage:      c.stage,
		DocumentID: c.documentID,
		Source:     c.source,
		Attempt:    c.attempt,
		Metadata:   copyMap(c.metadata),
		Params:     copyMap(c.params),
		Upstream:   upstream,
	}
}

// FromSnapshot rebuilds a Context from its serialized form.
func FromSnapshot(s Snapshot) *Context {
	return NewContext(ContextParams{
		RunID:      s.RunID,
		Stage:      s.Stage,
		DocumentID: s.DocumentID,
		Source:     s.Source,
		Attempt:    s.Attempt,
		Metadata:   s.Metadata,
		Params:     s.Params,
		Upstream:   s.Upstream,
	})
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
