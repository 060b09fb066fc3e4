// Package sweep loads YAML sweep definition files. A definition names the
// target and run mode and carries the parameter configuration plus execution
// options, so a whole run can be described in one reviewable file.
package sweep

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sweepd/sweepd/internal/model"
	"github.com/sweepd/sweepd/internal/params"
)

// Definition is one sweep definition file.
type Definition struct {
	// Target identifies the external test configuration to run against.
	Target struct {
		URL  string `yaml:"url"`
		Name string `yaml:"name,omitempty"`
	} `yaml:"target"`

	// Mode is sweep, grid, or staged.
	Mode string `yaml:"mode"`

	// Config carries the mode-specific parameter configuration.
	Config params.SweepConfig `yaml:"config"`

	// Options tune execution for this run.
	Options struct {
		Workers   int  `yaml:"workers,omitempty"`
		SkipCache bool `yaml:"skip_cache,omitempty"`
	} `yaml:"options,omitempty"`
}

// Load reads and validates a definition from a YAML file.
func Load(path string, reg *params.Registry) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definition: %w", err)
	}
	defer f.Close()
	return Parse(f, reg)
}

// Parse reads and validates a definition from a YAML stream.
func Parse(r io.Reader, reg *params.Registry) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	def := &Definition{}
	if err := dec.Decode(def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(reg); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the definition for completeness, including that its
// parameter configuration actually generates combinations.
func (d *Definition) Validate(reg *params.Registry) error {
	if d.Target.URL == "" {
		return fmt.Errorf("definition missing target url")
	}
	if !model.ValidMode(d.Mode) {
		return fmt.Errorf("invalid run mode %q", d.Mode)
	}
	if d.Options.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}

	cfg := d.Config
	cfg.SkipCache = cfg.SkipCache || d.Options.SkipCache
	if _, err := params.Combinations(reg, d.Mode, &cfg); err != nil {
		return fmt.Errorf("invalid parameter configuration: %w", err)
	}
	return nil
}

// RunConfig returns the definition's parameter configuration as the JSON
// blob stored on the run. The skip_cache option folds into the config.
func (d *Definition) RunConfig() (json.RawMessage, error) {
	cfg := d.Config
	cfg.SkipCache = cfg.SkipCache || d.Options.SkipCache
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode run config: %w", err)
	}
	return raw, nil
}
