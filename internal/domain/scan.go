package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ResourceAllocation is the calculator's output. Derived, recomputed on
// demand; only the chosen numbers are copied onto the batch record.
type ResourceAllocation struct {
	CPU               int
	MemoryMB          int
	DurationMinutes   float64
	EstimatedCost     float64
	Rationale         string
	AppliedStrategies []string
}

// ScanRequest is one asset's workload: the domains to scan and the modules
// to run over them.
type ScanRequest struct {
	AssetID      string
	Domains      []string
	Modules      []string
	AssetScanIDs map[string]string
}

func (r ScanRequest) Validate() error {
	if strings.TrimSpace(r.AssetID) == "" {
		return errors.New("asset id is required")
	}
	if len(r.Modules) == 0 {
		return fmt.Errorf("asset %s: at least one module is required", r.AssetID)
	}
	for _, m := range r.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("asset %s: empty module name", r.AssetID)
		}
	}
	for _, d := range r.Domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("asset %s: empty domain", r.AssetID)
		}
	}
	return nil
}

// ExecuteResult is returned to the caller immediately after launch;
// completion is observed through a separate status query.
type ExecuteResult struct {
	ScanJobID            string
	BatchIDs             []string
	EstimatedSavingsPct  float64
	EstimatedDurationMin float64
	Status               ScanStatus
}

// ModuleOutcome is the per-module snapshot included in aggregate results.
type ModuleOutcome struct {
	Module    string
	Status    BatchStatus
	BatchIDs  []string
	Completed int
	Failed    int
}

// ConfigurationError marks a request rejected before launch because a
// module is unknown, inactive, or cannot accept the requested batch shape.
type ConfigurationError struct {
	Module string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if strings.TrimSpace(e.Module) == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: module %s: %s", e.Module, e.Reason)
}
