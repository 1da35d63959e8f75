package domain

import "fmt"

// BatchStatus is the per-batch state machine:
// pending -> running -> {completed, failed, timeout, cancelled}.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusTimeout   BatchStatus = "timeout"
	BatchStatusCancelled BatchStatus = "cancelled"
)

func NormalizeBatchStatus(v string) BatchStatus {
	switch BatchStatus(v) {
	case BatchStatusPending, BatchStatusRunning, BatchStatusCompleted,
		BatchStatusFailed, BatchStatusTimeout, BatchStatusCancelled:
		return BatchStatus(v)
	default:
		return ""
	}
}

// Terminal reports whether the batch never transitions further.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusTimeout, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidateTransition rejects movement out of a terminal status and any
// transition skipping the running phase backwards.
func ValidateTransition(from, to BatchStatus) error {
	if NormalizeBatchStatus(string(to)) == "" {
		return fmt.Errorf("unknown batch status %q", to)
	}
	if from == to {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("batch status %q is terminal, cannot move to %q", from, to)
	}
	if from == BatchStatusRunning && to == BatchStatusPending {
		return fmt.Errorf("batch cannot move back from running to pending")
	}
	return nil
}

// ScanStatus is the aggregate outcome the orchestrator reports for one
// scan request across all its batches.
type ScanStatus string

const (
	ScanStatusLaunched       ScanStatus = "launched"
	ScanStatusCompleted      ScanStatus = "completed"
	ScanStatusPartialFailure ScanStatus = "partial_failure"
	ScanStatusTimeout        ScanStatus = "timeout"
	ScanStatusCancelled      ScanStatus = "cancelled"
	ScanStatusFailed         ScanStatus = "failed"
)
