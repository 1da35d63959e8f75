package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BatchType classifies how a batch maps onto target collections.
type BatchType string

const (
	// BatchTypeSingleAsset batches trace every domain to one asset.
	BatchTypeSingleAsset BatchType = "single_asset"
	// BatchTypeMultiAsset batches mix domains from several assets.
	BatchTypeMultiAsset BatchType = "multi_asset"
)

// BatchMetadata carries request-scoped context a batch needs at launch and
// for downstream referential integrity.
type BatchMetadata struct {
	AssetID          string            `json:"asset_id,omitempty"`
	ScanJobID        string            `json:"scan_job_id,omitempty"`
	Strategy         string            `json:"strategy,omitempty"`
	FetchOffset      int               `json:"fetch_offset,omitempty"`
	FetchLimit       int               `json:"fetch_limit,omitempty"`
	ProducerModule   string            `json:"producer_module,omitempty"`
	AssetScanRecords map[string]string `json:"asset_scan_records,omitempty"`
}

// BatchJob is the unit of scheduling: one module, one execution unit, one
// group of domains (or one fetch window).
type BatchJob struct {
	ID                   string
	UserID               string
	BatchType            BatchType
	Module               string
	Status               BatchStatus
	TotalDomains         int
	CompletedDomains     int
	FailedDomains        int
	Domains              []string
	DomainScanMap        map[string]string
	AllocatedCPU         int
	AllocatedMemoryMB    int
	EstimatedDurationMin float64
	EstimatedCost        float64
	Metadata             BatchMetadata
	RetryCount           int
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// FetchMode reports whether this batch reads its workload from the
// persistence layer instead of a literal domain list.
func (b BatchJob) FetchMode() bool {
	return len(b.Domains) == 0 && b.Metadata.FetchLimit > 0
}

func (b BatchJob) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	if strings.TrimSpace(b.Module) == "" {
		return errors.New("batch module is required")
	}
	if b.BatchType != BatchTypeSingleAsset && b.BatchType != BatchTypeMultiAsset {
		return fmt.Errorf("unknown batch type %q", b.BatchType)
	}
	if NormalizeBatchStatus(string(b.Status)) == "" {
		return fmt.Errorf("unknown batch status %q", b.Status)
	}
	if b.TotalDomains < 0 || b.CompletedDomains < 0 || b.FailedDomains < 0 {
		return errors.New("domain counters must be non-negative")
	}
	if b.CompletedDomains+b.FailedDomains > b.TotalDomains {
		return fmt.Errorf("batch %s: completed+failed (%d) exceeds total (%d)",
			b.ID, b.CompletedDomains+b.FailedDomains, b.TotalDomains)
	}
	if len(b.Domains) > 0 && len(b.Domains) != b.TotalDomains {
		return fmt.Errorf("batch %s: %d literal domains but total is %d", b.ID, len(b.Domains), b.TotalDomains)
	}
	if len(b.Domains) == 0 && b.Metadata.FetchLimit <= 0 && b.TotalDomains > 0 {
		return fmt.Errorf("batch %s: no domains and no fetch window", b.ID)
	}
	return nil
}

// DomainAssignment attributes one domain inside a batch to its owning
// asset-scan record; assignment counters roll up into the batch.
type DomainAssignment struct {
	BatchID     string
	Domain      string
	AssetScanID string
	Status      BatchStatus
	ResultCount int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (a DomainAssignment) Validate() error {
	if strings.TrimSpace(a.BatchID) == "" {
		return errors.New("assignment batch id is required")
	}
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("assignment domain is required")
	}
	if NormalizeBatchStatus(string(a.Status)) == "" {
		return fmt.Errorf("unknown assignment status %q", a.Status)
	}
	if a.ResultCount < 0 {
		return errors.New("assignment result count must be non-negative")
	}
	return nil
}
