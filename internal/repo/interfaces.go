package repo

import (
	"context"
	"errors"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// ErrTerminalStatus is returned when an update would move a batch out of a
// terminal status.
var ErrTerminalStatus = errors.New("batch status is terminal")

type BatchFilter struct {
	IDs       []string
	UserID    string
	Module    string
	ScanJobID string
	Status    domain.BatchStatus
	Limit     int
}

// BatchRepository is the authoritative ledger the orchestrator polls.
type BatchRepository interface {
	Create(ctx context.Context, batch domain.BatchJob) error
	Get(ctx context.Context, id string) (domain.BatchJob, error)
	List(ctx context.Context, filter BatchFilter) ([]domain.BatchJob, error)
	// UpdateStatus applies the state machine: transitions out of a
	// terminal status return ErrTerminalStatus.
	UpdateStatus(ctx context.Context, id string, status domain.BatchStatus) error
	UpdateCounters(ctx context.Context, id string, completed, failed int) error
	ListUnfinished(ctx context.Context, limit int) ([]domain.BatchJob, error)
}

// AssignmentRepository manages per-domain attribution inside batches.
type AssignmentRepository interface {
	CreateMany(ctx context.Context, assignments []domain.DomainAssignment) error
	UpdateStatus(ctx context.Context, batchID, dom string, status domain.BatchStatus, resultCount int) error
	ListByBatch(ctx context.Context, batchID string) ([]domain.DomainAssignment, error)
}

// ProfileRepository serves module profiles from the relational store.
type ProfileRepository interface {
	ListActive(ctx context.Context) ([]domain.ModuleProfile, error)
	Get(ctx context.Context, name string) (domain.ModuleProfile, error)
}

// DiscoveryRepository reports upstream discovery counts used to size
// fetch-mode windows.
type DiscoveryRepository interface {
	CountDiscoveries(ctx context.Context, scanJobID, producerModule string) (int, error)
}
