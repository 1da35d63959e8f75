package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/repo"
)

const insertBatchQuery = `INSERT INTO batch_jobs (
	id,
	user_id,
	batch_type,
	module,
	status,
	total_domains,
	completed_domains,
	failed_domains,
	domains,
	domain_scan_map,
	allocated_cpu,
	allocated_memory_mb,
	estimated_duration_min,
	estimated_cost,
	metadata,
	retry_count,
	created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

const selectBatchColumns = `id, user_id, batch_type, module, status,
	total_domains, completed_domains, failed_domains,
	domains, domain_scan_map,
	allocated_cpu, allocated_memory_mb, estimated_duration_min, estimated_cost,
	metadata, retry_count, created_at, started_at, completed_at`

const selectBatchQuery = `SELECT ` + selectBatchColumns + ` FROM batch_jobs WHERE id = $1`

const updateBatchStatusQuery = `UPDATE batch_jobs
	SET status = $2,
	    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
	    completed_at = CASE WHEN $2 IN ('completed','failed','timeout','cancelled') THEN now() ELSE completed_at END
	WHERE id = $1
	  AND status NOT IN ('completed','failed','timeout','cancelled')`

const updateBatchCountersQuery = `UPDATE batch_jobs
	SET completed_domains = $2, failed_domains = $3
	WHERE id = $1 AND completed_domains + failed_domains <= total_domains`

const listUnfinishedBatchesQuery = `SELECT ` + selectBatchColumns + ` FROM batch_jobs
	WHERE status NOT IN ('completed','failed','timeout','cancelled')
	ORDER BY created_at ASC
	LIMIT $1`

type BatchStore struct {
	db DB
}

func NewBatchStore(db DB) *BatchStore {
	if db == nil {
		return nil
	}
	return &BatchStore{db: db}
}

func (s *BatchStore) Create(ctx context.Context, batch domain.BatchJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	domainsJSON, err := encodeJSON(batch.Domains)
	if err != nil {
		return fmt.Errorf("encode domains: %w", err)
	}
	scanMapJSON, err := encodeJSON(batch.DomainScanMap)
	if err != nil {
		return fmt.Errorf("encode domain scan map: %w", err)
	}
	metadataJSON, err := encodeJSON(batch.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertBatchQuery,
		strings.TrimSpace(batch.ID),
		strings.TrimSpace(batch.UserID),
		string(batch.BatchType),
		strings.TrimSpace(batch.Module),
		string(batch.Status),
		batch.TotalDomains,
		batch.CompletedDomains,
		batch.FailedDomains,
		domainsJSON,
		scanMapJSON,
		batch.AllocatedCPU,
		batch.AllocatedMemoryMB,
		batch.EstimatedDurationMin,
		batch.EstimatedCost,
		metadataJSON,
		batch.RetryCount,
		normalizeTime(batch.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *BatchStore) Get(ctx context.Context, id string) (domain.BatchJob, error) {
	if s == nil || s.db == nil {
		return domain.BatchJob{}, fmt.Errorf("batch store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectBatchQuery, strings.TrimSpace(id))
	batch, err := scanBatch(row.Scan)
	if err != nil {
		return domain.BatchJob{}, handleNotFound(err)
	}
	return batch, nil
}

func (s *BatchStore) List(ctx context.Context, filter repo.BatchFilter) ([]domain.BatchJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("batch store not initialized")
	}

	where := make([]string, 0, 4)
	args := make([]any, 0, 4)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.IDs) > 0 {
		placeholders := make([]string, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			placeholders = append(placeholders, arg(strings.TrimSpace(id)))
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.Module != "" {
		where = append(where, "module = "+arg(filter.Module))
	}
	if filter.ScanJobID != "" {
		where = append(where, "metadata->>'scan_job_id' = "+arg(filter.ScanJobID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}

	query := `SELECT ` + selectBatchColumns + ` FROM batch_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BatchJob, 0)
	for rows.Next() {
		batch, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BatchStore) UpdateStatus(ctx context.Context, id string, status domain.BatchStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	if domain.NormalizeBatchStatus(string(status)) == "" {
		return fmt.Errorf("unknown batch status %q", status)
	}
	res, err := s.db.ExecContext(ctx, updateBatchStatusQuery, strings.TrimSpace(id), string(status))
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return repo.ErrTerminalStatus
	}
	return nil
}

func (s *BatchStore) UpdateCounters(ctx context.Context, id string, completed, failed int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	if completed < 0 || failed < 0 {
		return fmt.Errorf("counters must be non-negative")
	}
	res, err := s.db.ExecContext(ctx, updateBatchCountersQuery, strings.TrimSpace(id), completed, failed)
	if err != nil {
		return fmt.Errorf("update batch counters: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("batch %s: counters would exceed total", id)
	}
	return nil
}

func (s *BatchStore) ListUnfinished(ctx context.Context, limit int) ([]domain.BatchJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("batch store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listUnfinishedBatchesQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfinished batches: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BatchJob, 0)
	for rows.Next() {
		batch, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanBatch(scan func(dest ...any) error) (domain.BatchJob, error) {
	var (
		batch        domain.BatchJob
		batchType    string
		status       string
		domainsRaw   []byte
		scanMapRaw   []byte
		metadataRaw  []byte
		createdAt    time.Time
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := scan(
		&batch.ID,
		&batch.UserID,
		&batchType,
		&batch.Module,
		&status,
		&batch.TotalDomains,
		&batch.CompletedDomains,
		&batch.FailedDomains,
		&domainsRaw,
		&scanMapRaw,
		&batch.AllocatedCPU,
		&batch.AllocatedMemoryMB,
		&batch.EstimatedDurationMin,
		&batch.EstimatedCost,
		&metadataRaw,
		&batch.RetryCount,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return domain.BatchJob{}, err
	}
	batch.BatchType = domain.BatchType(batchType)
	batch.Status = domain.NormalizeBatchStatus(status)
	if err := decodeJSON(domainsRaw, &batch.Domains); err != nil {
		return domain.BatchJob{}, fmt.Errorf("decode domains: %w", err)
	}
	if err := decodeJSON(scanMapRaw, &batch.DomainScanMap); err != nil {
		return domain.BatchJob{}, fmt.Errorf("decode domain scan map: %w", err)
	}
	if err := decodeJSON(metadataRaw, &batch.Metadata); err != nil {
		return domain.BatchJob{}, fmt.Errorf("decode metadata: %w", err)
	}
	batch.CreatedAt = createdAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		batch.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		batch.CompletedAt = &t
	}
	return batch, nil
}
