package runtimeexec

import (
	"context"
	"errors"
	"strings"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

// Executor launches scan units on a container backend and reports on
// them. The orchestration layer never sees backend-specific state.
type Executor interface {
	Kind() string
	Launch(ctx context.Context, spec UnitSpec) (Handle, error)
	Describe(ctx context.Context, handle Handle) (Observation, error)
}

// Role distinguishes how a unit participates in a streaming pair.
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleProducer   Role = "producer"
	RoleConsumer   Role = "consumer"
)

// UnitSpec is the typed launch request for one scan unit. Fields stay
// structured until the backend boundary, where they are serialized into
// the worker's env contract.
type UnitSpec struct {
	Role      Role
	Module    string
	ScanJobID string
	BatchID   string
	AssetID   string

	// Direct-mode workload. Empty for fetch-mode units.
	Domains      []string
	TotalDomains int

	// Fetch-mode window over upstream discoveries.
	FetchOffset int
	FetchLimit  int

	// Streaming wiring, set only for producer/consumer roles.
	StreamKey     string
	ConsumerGroup string

	// AssetScanMap attributes each domain to its originating scan record.
	AssetScanMap map[string]string

	// CPU is in 1024-per-vCPU units, memory in MiB.
	CPU      int
	MemoryMB int

	ImageRef  string
	Namespace string
	UnitName  string

	Priority domain.Priority
	Env      map[string]string
}

func (s UnitSpec) Validate() error {
	if strings.TrimSpace(s.Module) == "" {
		return errors.New("module is required")
	}
	if strings.TrimSpace(s.BatchID) == "" {
		return errors.New("batch id is required")
	}
	if strings.TrimSpace(s.ImageRef) == "" {
		return errors.New("image ref is required")
	}
	switch s.Role {
	case RoleStandalone, RoleProducer, "":
	case RoleConsumer:
		if strings.TrimSpace(s.StreamKey) == "" || strings.TrimSpace(s.ConsumerGroup) == "" {
			return errors.New("consumer units require stream key and consumer group")
		}
	default:
		return errors.New("unknown unit role")
	}
	return nil
}

// Handle identifies a launched unit on its backend.
type Handle struct {
	BatchID         string
	Executor        string
	Namespace       string
	JobName         string
	DockerContainer string
}

// Phase is the backend-neutral lifecycle state of a unit.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseProvisioning Phase = "provisioning"
	PhaseRunning      Phase = "running"
	PhaseSucceeded    Phase = "succeeded"
	PhaseFailed       Phase = "failed"
	PhaseUnknown      Phase = "unknown"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Observation is one point-in-time view of a unit. Healthy stays true
// while the unit is pending, provisioning or running normally; a
// crash-looping container is unhealthy even before the job gives up.
type Observation struct {
	Phase      Phase
	Healthy    bool
	ExitCode   *int
	StopReason string
	Message    string
}
