// Package registry holds the static, read-only catalogue of the 134
// acquisition channels (spec §4.1, "Channel Registry"). The catalogue
// and the wire-protocol position→index permutation are both declared
// in the single embedded channels.yaml asset, never reconstructed from
// ordering assumptions — resolving the load-bearing Open Question in
// spec §9 about the permutation having a single source of truth.
package registry

import (
	_ "embed"
	"fmt"

	"github.com/nhr-fau/benchmonitor/internal/model"
	"gopkg.in/yaml.v3"
)

//go:embed channels.yaml
var channelsYAML []byte

type yamlChannel struct {
	Index         int      `yaml:"index"`
	Name          string   `yaml:"name"`
	Unit          string   `yaml:"unit"`
	Group         string   `yaml:"group"`
	LowerLimit    *float64 `yaml:"lowerLimit"`
	UpperLimit    *float64 `yaml:"upperLimit"`
	HighPrecision bool     `yaml:"highPrecision"`
}

type yamlDoc struct {
	Channels        []yamlChannel `yaml:"channels"`
	PositionToIndex []int         `yaml:"positionToIndex"`
}

// Registry is the immutable, process-global channel catalogue.
type Registry struct {
	byIndex         []model.ChannelDef // dense, ordered by index
	positionToIndex []int
}

var global *Registry

// Load parses the embedded declarative table, validates its
// invariants and caches it as the process-global registry. It is
// intended to be called once at startup; callers that need a fresh
// instance (e.g. tests) should use Parse directly.
func Load() (*Registry, error) {
	r, err := Parse(channelsYAML)
	if err != nil {
		return nil, err
	}
	global = r
	return r, nil
}

// Global returns the registry loaded by Load. Panics if Load was never
// called, mirroring the teacher's fail-fast singleton-access pattern
// (e.g. repository.GetConnection).
func Global() *Registry {
	if global == nil {
		panic("registry: Load() was not called")
	}
	return global
}

// Parse builds and validates a Registry from raw YAML bytes.
func Parse(raw []byte) (*Registry, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse channels.yaml: %w", err)
	}

	n := len(doc.Channels)
	byIndex := make([]model.ChannelDef, n)
	seen := make([]bool, n)
	for _, c := range doc.Channels {
		if c.Index < 0 || c.Index >= n {
			return nil, fmt.Errorf("registry: index %d out of range [0,%d)", c.Index, n)
		}
		if seen[c.Index] {
			return nil, fmt.Errorf("registry: duplicate index %d", c.Index)
		}
		seen[c.Index] = true
		byIndex[c.Index] = model.ChannelDef{
			Index:         c.Index,
			Name:          c.Name,
			Unit:          c.Unit,
			Group:         model.ChannelGroup(c.Group),
			LowerLimit:    c.LowerLimit,
			UpperLimit:    c.UpperLimit,
			HighPrecision: c.HighPrecision,
		}
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("registry: index %d missing (indices must be dense)", i)
		}
	}

	r := &Registry{byIndex: byIndex, positionToIndex: doc.PositionToIndex}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate asserts that the position→index table has one entry per
// channel and is a bijection over 0..N-1 (spec §4.1: "verify at
// startup that every registry index appears exactly once"). Uniqueness
// and density of the catalogue's own indices are checked by Parse
// before it calls Validate.
func (r *Registry) Validate() error {
	n := len(r.byIndex)
	if len(r.positionToIndex) != n {
		return fmt.Errorf("registry: positionToIndex has %d entries, want %d", len(r.positionToIndex), n)
	}
	seen := make([]bool, n)
	for pos, idx := range r.positionToIndex {
		if idx < 0 || idx >= n {
			return fmt.Errorf("registry: positionToIndex[%d]=%d out of range", pos, idx)
		}
		if seen[idx] {
			return fmt.Errorf("registry: positionToIndex is not a bijection, index %d repeats", idx)
		}
		seen[idx] = true
	}
	return nil
}

// Lookup returns the channel definition for index, if it exists.
func (r *Registry) Lookup(index int) (model.ChannelDef, bool) {
	if index < 0 || index >= len(r.byIndex) {
		return model.ChannelDef{}, false
	}
	return r.byIndex[index], true
}

// All returns every channel definition, ordered by index. The slice is
// shared; callers must not mutate it.
func (r *Registry) All() []model.ChannelDef {
	return r.byIndex
}

// Len returns the number of channels in the catalogue (134 in the
// current deployment).
func (r *Registry) Len() int {
	return len(r.byIndex)
}

// IndexForPosition resolves a wire-protocol position (as it appears in
// a tagged frame, spec §4.2) to its registry index via the fixed
// permutation.
func (r *Registry) IndexForPosition(position int) (int, bool) {
	if position < 0 || position >= len(r.positionToIndex) {
		return 0, false
	}
	return r.positionToIndex[position], true
}
