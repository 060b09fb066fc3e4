package params

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sweepd/sweepd/internal/model"
)

// Stage is one phase of a staged run: a single parameter with its values.
type Stage struct {
	Parameter string         `json:"parameter" yaml:"parameter"`
	Values    []string       `json:"values,omitempty" yaml:"values,omitempty"`
	Generate  map[string]any `json:"generate,omitempty" yaml:"generate,omitempty"`
}

// SweepConfig is the decoded run configuration. Which fields apply depends on
// the run mode: sweep and staged use a single parameter per phase, grid takes
// explicit value lists per parameter.
type SweepConfig struct {
	// Sweep mode: one parameter, values either listed or generated.
	Parameter string         `json:"parameter,omitempty" yaml:"parameter,omitempty"`
	Values    []string       `json:"values,omitempty" yaml:"values,omitempty"`
	Generate  map[string]any `json:"generate,omitempty" yaml:"generate,omitempty"`

	// Grid mode: explicit values per parameter, combined as a cartesian product.
	Parameters map[string][]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Staged mode: ordered phases; only the first stage is materialized at
	// run creation, later stages are narrowed from earlier results.
	Stages []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// SkipCache forces fresh evaluation even when a cached result exists.
	SkipCache bool `json:"skip_cache,omitempty" yaml:"skip_cache,omitempty"`
}

// ParseConfig decodes a run's raw config blob.
func ParseConfig(raw json.RawMessage) (*SweepConfig, error) {
	cfg := &SweepConfig{}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}
	return cfg, nil
}

// Combinations produces the ordered list of parameter-value mappings for a
// run. The generator is consumed exactly once, when the run's tasks are
// created.
func Combinations(reg *Registry, mode string, cfg *SweepConfig) ([]map[string]string, error) {
	switch mode {
	case model.ModeSweep:
		return sweepCombinations(reg, cfg.Parameter, cfg.Values, cfg.Generate)
	case model.ModeGrid:
		return gridCombinations(reg, cfg.Parameters)
	case model.ModeStaged:
		if len(cfg.Stages) == 0 {
			return nil, fmt.Errorf("staged run has no stages")
		}
		first := cfg.Stages[0]
		return sweepCombinations(reg, first.Parameter, first.Values, first.Generate)
	default:
		return nil, fmt.Errorf("unknown run mode %q", mode)
	}
}

func sweepCombinations(reg *Registry, name string, values []string, generate map[string]any) ([]map[string]string, error) {
	if name == "" {
		return nil, fmt.Errorf("sweep requires a parameter name")
	}
	p, err := reg.Resolve(name)
	if err != nil {
		return nil, err
	}

	if len(values) == 0 {
		values, err = p.GenerateValues(generate)
		if err != nil {
			return nil, fmt.Errorf("generate %s values: %w", name, err)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("sweep over %s produced no values", name)
	}

	combos := make([]map[string]string, 0, len(values))
	for _, v := range values {
		if err := p.Validate(v); err != nil {
			return nil, err
		}
		combos = append(combos, map[string]string{name: v})
	}
	return combos, nil
}

// gridCombinations expands the cartesian product of all parameter value
// lists. Parameter names are iterated in sorted order so the combination
// order is deterministic.
func gridCombinations(reg *Registry, parameters map[string][]string) ([]map[string]string, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("grid run has no parameters")
	}

	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, err := reg.Resolve(name)
		if err != nil {
			return nil, err
		}
		if len(parameters[name]) == 0 {
			return nil, fmt.Errorf("grid parameter %s has no values", name)
		}
		for _, v := range parameters[name] {
			if err := p.Validate(v); err != nil {
				return nil, err
			}
		}
	}

	combos := []map[string]string{{}}
	for _, name := range names {
		next := make([]map[string]string, 0, len(combos)*len(parameters[name]))
		for _, combo := range combos {
			for _, v := range parameters[name] {
				expanded := make(map[string]string, len(combo)+1)
				for k, cv := range combo {
					expanded[k] = cv
				}
				expanded[name] = v
				next = append(next, expanded)
			}
		}
		combos = next
	}
	return combos, nil
}
