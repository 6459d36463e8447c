package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Stage is a node of the pipeline graph.
type Stage struct {
	Config     StageConfig
	Index      int
	Level      int
	Dependents []string
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.Config.Name }

// Graph is a validated pipeline DAG. It is immutable after Build.
type Graph struct {
	name   string
	config *PipelineConfig
	stages map[string]*Stage
	order  []string
	levels [][]string
}

// Build validates cfg and returns its execution graph.
//
// Checks run in order: schema, duplicate names, self and dangling
// dependencies, retry policies, cycles. Errors are deterministic for a given
// config.
func Build(cfg *PipelineConfig) (*Graph, error) {
	if cfg == nil || len(cfg.Stages) == 0 {
		return nil, &ConfigurationError{Err: ErrEmptyPipeline}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, schemaError(err)
	}

	stages := make(map[string]*Stage, len(cfg.Stages))
	order := make([]string, 0, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		if _, exists := stages[sc.Name]; exists {
			return nil, &ConfigurationError{Stage: sc.Name, Err: ErrDuplicateStage}
		}
		stages[sc.Name] = &Stage{Config: sc, Index: i}
		order = append(order, sc.Name)
	}

	for _, name := range order {
		s := stages[name]
		seen := make(map[string]bool, len(s.Config.DependsOn))
		for _, dep := range s.Config.DependsOn {
			if dep == name {
				return nil, &ConfigurationError{Stage: name, Err: ErrSelfDependency}
			}
			upstream, ok := stages[dep]
			if !ok {
				return nil, &ConfigurationError{Stage: name, Reason: fmt.Sprintf("depends on %q", dep), Err: ErrUnknownDependency}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			upstream.Dependents = append(upstream.Dependents, name)
		}
		if s.Config.Retry != nil {
			if err := s.Config.Retry.validate(name); err != nil {
				return nil, err
			}
		}
	}

	if err := detectCycles(order, stages); err != nil {
		return nil, &ConfigurationError{Reason: "dependency cycle", Err: err}
	}

	levels := computeLevels(order, stages)

	return &Graph{
		name:   cfg.Name,
		config: cfg,
		stages: stages,
		order:  order,
		levels: levels,
	}, nil
}

func schemaError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return &ConfigurationError{Reason: strings.Join(msgs, "; "), Err: ErrInvalidSchema}
	}
	return &ConfigurationError{Reason: err.Error(), Err: ErrInvalidSchema}
}

// detectCycles walks dependencies depth first, keeping the current path on a
// recursion stack. Stages are visited in config order so the reported cycle
// is stable.
func detectCycles(order []string, stages map[string]*Stage) error {
	visited := make(map[string]bool, len(order))
	onStack := make(map[string]bool, len(order))
	path := make([]string, 0, len(order))

	var dfs func(name string) error
	dfs = func(name string) error {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, dep := range stages[name].Config.DependsOn {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return NewCycleError(cycle)
			}
		}

		path = path[:len(path)-1]
		onStack[name] = false
		return nil
	}

	for _, name := range order {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels assigns level 0 to stages without dependencies and level k
// to stages whose dependencies all sit in levels below k. Within a level,
// stages keep config order.
func computeLevels(order []string, stages map[string]*Stage) [][]string {
	remaining := make(map[string]int, len(order))
	for _, name := range order {
		remaining[name] = len(uniq(stages[name].Config.DependsOn))
	}

	var levels [][]string
	current := make([]string, 0)
	for _, name := range order {
		if remaining[name] == 0 {
			current = append(current, name)
		}
	}

	for level := 0; len(current) > 0; level++ {
		levels = append(levels, current)
		next := make([]string, 0)
		for _, name := range current {
			stages[name].Level = level
			for _, dep := range stages[name].Dependents {
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool {
			return stages[next[i]].Index < stages[next[j]].Index
		})
		current = next
	}
	return levels
}

func uniq(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Name returns the pipeline name.
func (g *Graph) Name() string { return g.name }

// Config returns the configuration the graph was built from.
func (g *Graph) Config() *PipelineConfig { return g.config }

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.order) }

// Levels returns the parallel execution levels. The returned slices are
// copies.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// LevelOf returns the level index of a stage.
func (g *Graph) LevelOf(name string) (int, bool) {
	s, ok := g.stages[name]
	if !ok {
		return 0, false
	}
	return s.Level, true
}

// Stage returns a stage by name.
func (g *Graph) Stage(name string) (*Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// StageNames returns stage names in config order.
func (g *Graph) StageNames() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the direct upstream stages of name.
func (g *Graph) Dependencies(name string) []string {
	s, ok := g.stages[name]
	if !ok {
		return nil
	}
	return uniq(s.Config.DependsOn)
}

// Dependents returns the direct downstream stages of name.
func (g *Graph) Dependents(name string) []string {
	s, ok := g.stages[name]
	if !ok {
		return nil
	}
	return append([]string(nil), s.Dependents...)
}

// Descendants returns every stage transitively depending on name, in
// topological order.
func (g *Graph) Descendants(name string) []string {
	if _, ok := g.stages[name]; !ok {
		return nil
	}
	seen := map[string]bool{}
	stack := append([]string(nil), g.stages[name].Dependents...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.stages[n].Dependents...)
	}
	out := make([]string, 0, len(seen))
	for _, n := range g.TopologicalOrder() {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// TopologicalOrder returns every stage such that each appears after all of
// its dependencies.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, 0, len(g.order))
	for _, l := range g.levels {
		out = append(out, l...)
	}
	return out
}

// CheckProcessors verifies that every stage references a known processor.
func (g *Graph) CheckProcessors(has func(name string) bool) error {
	for _, name := range g.order {
		proc := g.stages[name].Config.Processor
		if !has(proc) {
			return &ConfigurationError{Stage: name, Reason: fmt.Sprintf("processor %q", proc), Err: ErrUnknownProcessor}
		}
	}
	return nil
}
