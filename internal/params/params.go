// Package params provides the parameter subsystem: a closed registry of
// sweepable parameters resolved by name at run configuration time, and the
// generation of ordered parameter-value combinations for a run.
package params

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Field describes one entry in a parameter's configuration schema, used by
// clients to render configuration forms.
type Field struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type"`
	Default     any      `json:"default,omitempty"`
	Min         float64  `json:"min,omitempty"`
	Max         float64  `json:"max,omitempty"`
	Choices     []string `json:"choices,omitempty"`
}

// Field type constants.
const (
	FieldInt    = "int"
	FieldChoice = "choice"
)

// Parameter is one sweepable dimension of the target system. Implementations
// form a closed set registered at startup; names are resolved when a run is
// configured, never at execution time.
type Parameter interface {
	// Name is the internal identifier used in run configs and task params.
	Name() string
	// DisplayName is the human-readable name.
	DisplayName() string
	// Description is help text for configuration UIs.
	Description() string
	// ConfigSchema describes the generation settings this parameter accepts.
	ConfigSchema() []Field
	// GenerateValues produces the ordered value list for the given settings.
	GenerateValues(config map[string]any) ([]string, error)
	// Validate reports whether a single value is acceptable.
	Validate(value string) error
}

// Info pairs a parameter name with its metadata for API listings.
type Info struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Description string  `json:"description"`
	Schema      []Field `json:"schema"`
}

// Registry holds the registered parameters and resolves them by name.
type Registry struct {
	mu     sync.RWMutex
	params map[string]Parameter
}

// NewRegistry creates an empty parameter registry.
func NewRegistry() *Registry {
	return &Registry{params: make(map[string]Parameter)}
}

// DefaultRegistry returns a registry populated with the builtin parameters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&rangeParameter{
		name:        "delta",
		displayName: "Delta",
		description: "Options delta value for put/call leg selection",
		defStart:    5, defEnd: 50, defStep: 1,
		min: 1, max: 100,
	})
	r.Register(&rangeParameter{
		name:        "stop_loss",
		displayName: "Stop Loss",
		description: "Stop loss threshold as a percentage of credit received",
		defStart:    50, defEnd: 200, defStep: 25,
		min: 1, max: 1000,
	})
	r.Register(&rangeParameter{
		name:        "profit_target",
		displayName: "Profit Target",
		description: "Profit target as a percentage of credit received",
		defStart:    10, defEnd: 100, defStep: 10,
		min: 1, max: 500,
	})
	r.Register(&entryTimeParameter{})
	return r
}

// Register adds a parameter to the registry under its name.
func (r *Registry) Register(p Parameter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[p.Name()] = p
}

// Resolve returns the parameter registered under name, or an error when no
// such parameter exists.
func (r *Registry) Resolve(name string) (Parameter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q is not registered", name)
	}
	return p, nil
}

// List returns metadata for all registered parameters, sorted by name for a
// stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.params))
	for _, p := range r.params {
		infos = append(infos, Info{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			Description: p.Description(),
			Schema:      p.ConfigSchema(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// rangeParameter covers the integer start/end/step parameters (delta,
// stop_loss, profit_target).
type rangeParameter struct {
	name        string
	displayName string
	description string

	defStart, defEnd, defStep int
	min, max                  int
}

func (p *rangeParameter) Name() string        { return p.name }
func (p *rangeParameter) DisplayName() string { return p.displayName }
func (p *rangeParameter) Description() string { return p.description }

func (p *rangeParameter) ConfigSchema() []Field {
	return []Field{
		{Name: "start", Label: "Start", Type: FieldInt, Default: p.defStart, Min: float64(p.min), Max: float64(p.max)},
		{Name: "end", Label: "End", Type: FieldInt, Default: p.defEnd, Min: float64(p.min), Max: float64(p.max)},
		{Name: "step", Label: "Step", Type: FieldInt, Default: p.defStep, Min: 1, Max: float64(p.max)},
	}
}

func (p *rangeParameter) GenerateValues(config map[string]any) ([]string, error) {
	start := intSetting(config, "start", p.defStart)
	end := intSetting(config, "end", p.defEnd)
	step := intSetting(config, "step", p.defStep)

	if step <= 0 {
		return nil, fmt.Errorf("%s: step must be positive, got %d", p.name, step)
	}
	if start > end {
		return nil, fmt.Errorf("%s: start %d exceeds end %d", p.name, start, end)
	}

	var values []string
	for v := start; v <= end; v += step {
		values = append(values, strconv.Itoa(v))
	}
	return values, nil
}

func (p *rangeParameter) Validate(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", p.name, value)
	}
	if v < p.min || v > p.max {
		return fmt.Errorf("%s: %d outside range [%d, %d]", p.name, v, p.min, p.max)
	}
	return nil
}

// entryTimeParameter generates HH:MM entry times on a fixed interval.
type entryTimeParameter struct{}

func (p *entryTimeParameter) Name() string        { return "entry_time" }
func (p *entryTimeParameter) DisplayName() string { return "Entry Time" }
func (p *entryTimeParameter) Description() string {
	return "Trade entry time of day (HH:MM, market hours)"
}

func (p *entryTimeParameter) ConfigSchema() []Field {
	return []Field{
		{Name: "start_hour", Label: "Start Hour", Type: FieldInt, Default: 9, Min: 0, Max: 23},
		{Name: "start_minute", Label: "Start Minute", Type: FieldInt, Default: 30, Min: 0, Max: 59},
		{Name: "end_hour", Label: "End Hour", Type: FieldInt, Default: 15, Min: 0, Max: 23},
		{Name: "end_minute", Label: "End Minute", Type: FieldInt, Default: 0, Min: 0, Max: 59},
		{Name: "interval_minutes", Label: "Interval (minutes)", Type: FieldInt, Default: 30, Min: 5, Max: 120},
	}
}

func (p *entryTimeParameter) GenerateValues(config map[string]any) ([]string, error) {
	start := intSetting(config, "start_hour", 9)*60 + intSetting(config, "start_minute", 30)
	end := intSetting(config, "end_hour", 15)*60 + intSetting(config, "end_minute", 0)
	interval := intSetting(config, "interval_minutes", 30)

	if interval <= 0 {
		return nil, fmt.Errorf("entry_time: interval must be positive, got %d", interval)
	}
	if start > end {
		return nil, fmt.Errorf("entry_time: start %02d:%02d is after end %02d:%02d",
			start/60, start%60, end/60, end%60)
	}

	var values []string
	for m := start; m <= end; m += interval {
		values = append(values, fmt.Sprintf("%02d:%02d", m/60, m%60))
	}
	return values, nil
}

func (p *entryTimeParameter) Validate(value string) error {
	var h, m int
	if _, err := fmt.Sscanf(value, "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("entry_time: %q is not HH:MM", value)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("entry_time: %q is not a valid time of day", value)
	}
	return nil
}

// intSetting reads an integer setting from a decoded JSON/YAML config map,
// tolerating the numeric types the decoders produce.
func intSetting(config map[string]any, key string, def int) int {
	v, ok := config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}
