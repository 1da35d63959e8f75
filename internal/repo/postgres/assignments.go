package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

const insertAssignmentQuery = `INSERT INTO domain_assignments (
	batch_id,
	domain,
	asset_scan_id,
	status,
	result_count,
	created_at
) VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (batch_id, domain) DO NOTHING`

const updateAssignmentStatusQuery = `UPDATE domain_assignments
	SET status = $3,
	    result_count = $4,
	    completed_at = CASE WHEN $3 IN ('completed','failed','timeout','cancelled') THEN now() ELSE completed_at END
	WHERE batch_id = $1 AND domain = $2`

const listAssignmentsByBatchQuery = `SELECT batch_id, domain, asset_scan_id, status, result_count, created_at, completed_at
	FROM domain_assignments
	WHERE batch_id = $1
	ORDER BY domain ASC`

type AssignmentStore struct {
	db DB
}

func NewAssignmentStore(db DB) *AssignmentStore {
	if db == nil {
		return nil
	}
	return &AssignmentStore{db: db}
}

func (s *AssignmentStore) CreateMany(ctx context.Context, assignments []domain.DomainAssignment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("assignment store not initialized")
	}
	for _, a := range assignments {
		if err := a.Validate(); err != nil {
			return err
		}
		_, err := s.db.ExecContext(
			ctx,
			insertAssignmentQuery,
			strings.TrimSpace(a.BatchID),
			strings.TrimSpace(a.Domain),
			nullIfEmpty(a.AssetScanID),
			string(a.Status),
			a.ResultCount,
			normalizeTime(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert assignment %s/%s: %w", a.BatchID, a.Domain, err)
		}
	}
	return nil
}

func (s *AssignmentStore) UpdateStatus(ctx context.Context, batchID, dom string, status domain.BatchStatus, resultCount int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("assignment store not initialized")
	}
	if domain.NormalizeBatchStatus(string(status)) == "" {
		return fmt.Errorf("unknown assignment status %q", status)
	}
	_, err := s.db.ExecContext(
		ctx,
		updateAssignmentStatusQuery,
		strings.TrimSpace(batchID),
		strings.TrimSpace(dom),
		string(status),
		resultCount,
	)
	if err != nil {
		return fmt.Errorf("update assignment status: %w", err)
	}
	return nil
}

func (s *AssignmentStore) ListByBatch(ctx context.Context, batchID string) ([]domain.DomainAssignment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("assignment store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listAssignmentsByBatchQuery, strings.TrimSpace(batchID))
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DomainAssignment, 0)
	for rows.Next() {
		var (
			a           domain.DomainAssignment
			assetScanID sql.NullString
			status      string
			createdAt   time.Time
			completedAt sql.NullTime
		)
		if err := rows.Scan(&a.BatchID, &a.Domain, &assetScanID, &status, &a.ResultCount, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AssetScanID = assetScanID.String
		a.Status = domain.NormalizeBatchStatus(status)
		a.CreatedAt = createdAt.UTC()
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			a.CompletedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
