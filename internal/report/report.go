// Package report archives scan execution reports to the object store.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

// ExecutionReport is the archived summary of one scan job.
type ExecutionReport struct {
	ScanJobID           string                 `json:"scan_job_id"`
	UserID              string                 `json:"user_id"`
	Status              domain.ScanStatus      `json:"status"`
	Modules             []domain.ModuleOutcome `json:"modules"`
	TotalDomains        int                    `json:"total_domains"`
	TotalBatches        int                    `json:"total_batches"`
	EstimatedSavingsPct float64                `json:"estimated_savings_pct"`
	StartedAt           time.Time              `json:"started_at"`
	CompletedAt         time.Time              `json:"completed_at"`
}

// Store is the object-store surface the archiver uses. *minio.Client
// satisfies it.
type Store interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver writes reports under scans/{scan_job_id}/report.json. A nil
// Archiver is a no-op so archival stays optional per deployment.
type Archiver struct {
	store  Store
	bucket string
	logger *slog.Logger
}

func NewArchiver(store Store, bucket string, logger *slog.Logger) *Archiver {
	if store == nil || bucket == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, bucket: bucket, logger: logger}
}

// ObjectKey is the archive path for one scan job's report.
func ObjectKey(scanJobID string) string {
	return fmt.Sprintf("scans/%s/report.json", scanJobID)
}

// Archive stores the report. Failures are returned so the caller can
// log them, but the caller treats archival as best effort.
func (a *Archiver) Archive(ctx context.Context, rep ExecutionReport) error {
	if a == nil {
		return nil
	}
	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode execution report: %w", err)
	}
	key := ObjectKey(rep.ScanJobID)
	_, err = a.store.PutObject(
		ctx,
		a.bucket,
		key,
		bytes.NewReader(payload),
		int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("archive report %s: %w", key, err)
	}
	a.logger.Info("archived execution report",
		slog.String("scan_job_id", rep.ScanJobID),
		slog.String("object", key))
	return nil
}
