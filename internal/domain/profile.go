package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ExecutionMode describes how a module receives its workload.
type ExecutionMode string

const (
	// ExecutionModeDirect modules receive a literal domain list.
	ExecutionModeDirect ExecutionMode = "direct"
	// ExecutionModeFetch modules page their input out of the persistence
	// layer using an offset/limit window over upstream discoveries.
	ExecutionModeFetch ExecutionMode = "fetch"
)

// ScalingRange maps a domain-count range onto a base resource allocation.
// MaxDomains == 0 means unbounded above.
type ScalingRange struct {
	MinDomains      int     `yaml:"min_domains" json:"min_domains"`
	MaxDomains      int     `yaml:"max_domains" json:"max_domains"`
	CPU             int     `yaml:"cpu" json:"cpu"`
	MemoryMB        int     `yaml:"memory_mb" json:"memory_mb"`
	DurationMinutes float64 `yaml:"duration_minutes" json:"duration_minutes"`
}

// Contains reports whether count falls in this range.
func (r ScalingRange) Contains(count int) bool {
	if count < r.MinDomains {
		return false
	}
	return r.MaxDomains == 0 || count <= r.MaxDomains
}

// HintSet is the closed set of per-module tuning knobs. It replaces the
// free-form hint map of earlier revisions; unknown keys are rejected at
// load time by strict YAML decoding.
type HintSet struct {
	// MemoryMultiplier scales memory once a batch reaches
	// MemoryMultiplierMinDomains domains. 0 means unset.
	MemoryMultiplier           float64 `yaml:"memory_multiplier" json:"memory_multiplier"`
	MemoryMultiplierMinDomains int     `yaml:"memory_multiplier_min_domains" json:"memory_multiplier_min_domains"`
	// PreferredSources is passed through to the worker unchanged.
	PreferredSources []string `yaml:"preferred_sources" json:"preferred_sources,omitempty"`
	// StreamBlockMillis tunes the worker's stream read blocking.
	StreamBlockMillis int `yaml:"stream_block_millis" json:"stream_block_millis"`
}

// Normalize applies explicit defaults.
func (h HintSet) Normalize() HintSet {
	if h.MemoryMultiplier < 0 {
		h.MemoryMultiplier = 0
	}
	if h.MemoryMultiplier > 0 && h.MemoryMultiplierMinDomains <= 0 {
		h.MemoryMultiplierMinDomains = 1
	}
	if h.StreamBlockMillis <= 0 {
		h.StreamBlockMillis = 5000
	}
	return h
}

func (h HintSet) Validate() error {
	if h.MemoryMultiplier < 0 {
		return errors.New("memory multiplier must be non-negative")
	}
	if h.MemoryMultiplier > 0 && h.MemoryMultiplier < 1 {
		return errors.New("memory multiplier below 1 would shrink allocations")
	}
	if h.MemoryMultiplierMinDomains < 0 {
		return errors.New("memory multiplier threshold must be non-negative")
	}
	return nil
}

// ModuleProfile is the registry's source of truth for one discovery module.
type ModuleProfile struct {
	Name             string         `yaml:"name"`
	Version          string         `yaml:"version"`
	Active           bool           `yaml:"active"`
	SupportsBatching bool           `yaml:"supports_batching"`
	MaxBatchSize     int            `yaml:"max_batch_size"`
	ScalingTable     []ScalingRange `yaml:"scaling_table"`
	PerDomainSeconds float64        `yaml:"per_domain_seconds"`
	Dependencies     []string       `yaml:"dependencies"`
	TemplateRef      string         `yaml:"template_ref"`
	ExecutionMode    ExecutionMode  `yaml:"execution_mode"`
	// Streaming consumers read their producer's result stream live and
	// launch concurrently with it. Non-streaming consumers wait for the
	// producer to finish and page over persisted discoveries.
	Streaming bool    `yaml:"streaming"`
	Hints     HintSet `yaml:"hints"`
}

// Mode resolves the execution-mode convention: a module with declared
// dependencies is implicitly fetch mode unless explicitly overridden.
func (p ModuleProfile) Mode() ExecutionMode {
	if p.ExecutionMode == ExecutionModeDirect || p.ExecutionMode == ExecutionModeFetch {
		return p.ExecutionMode
	}
	if len(p.Dependencies) > 0 {
		return ExecutionModeFetch
	}
	return ExecutionModeDirect
}

func (p ModuleProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("module name is required")
	}
	if p.SupportsBatching && p.MaxBatchSize <= 0 {
		return fmt.Errorf("module %s: max batch size must be positive when batching is supported", p.Name)
	}
	if p.MaxBatchSize < 0 {
		return fmt.Errorf("module %s: max batch size must be non-negative", p.Name)
	}
	for i, r := range p.ScalingTable {
		if r.MinDomains < 0 {
			return fmt.Errorf("module %s: scaling range %d has negative min", p.Name, i)
		}
		if r.MaxDomains != 0 && r.MaxDomains < r.MinDomains {
			return fmt.Errorf("module %s: scaling range %d inverted", p.Name, i)
		}
		if r.CPU <= 0 || r.MemoryMB <= 0 {
			return fmt.Errorf("module %s: scaling range %d has non-positive resources", p.Name, i)
		}
	}
	if mode := p.ExecutionMode; mode != "" && mode != ExecutionModeDirect && mode != ExecutionModeFetch {
		return fmt.Errorf("module %s: unknown execution mode %q", p.Name, mode)
	}
	for _, dep := range p.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("module %s: empty dependency name", p.Name)
		}
	}
	if p.Streaming && len(p.Dependencies) == 0 {
		return fmt.Errorf("module %s: streaming requires a producer dependency", p.Name)
	}
	return p.Hints.Validate()
}
