package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

const selectProfileColumns = `name, version, active, supports_batching, max_batch_size,
	scaling_table, per_domain_seconds, dependencies, template_ref, execution_mode, streaming, hints`

const listActiveProfilesQuery = `SELECT ` + selectProfileColumns + ` FROM module_profiles
	WHERE active = TRUE
	ORDER BY name ASC`

const selectProfileQuery = `SELECT ` + selectProfileColumns + ` FROM module_profiles WHERE name = $1`

const countDiscoveriesQuery = `SELECT COUNT(*) FROM discoveries
	WHERE scan_job_id = $1 AND module = $2`

type ProfileStore struct {
	db DB
}

func NewProfileStore(db DB) *ProfileStore {
	if db == nil {
		return nil
	}
	return &ProfileStore{db: db}
}

func (s *ProfileStore) ListActive(ctx context.Context) ([]domain.ModuleProfile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("profile store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listActiveProfilesQuery)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ModuleProfile, 0)
	for rows.Next() {
		profile, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProfileStore) Get(ctx context.Context, name string) (domain.ModuleProfile, error) {
	if s == nil || s.db == nil {
		return domain.ModuleProfile{}, fmt.Errorf("profile store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectProfileQuery, strings.TrimSpace(name))
	profile, err := scanProfile(row.Scan)
	if err != nil {
		return domain.ModuleProfile{}, handleNotFound(err)
	}
	return profile, nil
}

func scanProfile(scan func(dest ...any) error) (domain.ModuleProfile, error) {
	var (
		profile    domain.ModuleProfile
		scalingRaw []byte
		depsRaw    []byte
		hintsRaw   []byte
		mode       string
	)
	err := scan(
		&profile.Name,
		&profile.Version,
		&profile.Active,
		&profile.SupportsBatching,
		&profile.MaxBatchSize,
		&scalingRaw,
		&profile.PerDomainSeconds,
		&depsRaw,
		&profile.TemplateRef,
		&mode,
		&profile.Streaming,
		&hintsRaw,
	)
	if err != nil {
		return domain.ModuleProfile{}, err
	}
	profile.ExecutionMode = domain.ExecutionMode(mode)
	if err := decodeJSON(scalingRaw, &profile.ScalingTable); err != nil {
		return domain.ModuleProfile{}, fmt.Errorf("decode scaling table: %w", err)
	}
	if err := decodeJSON(depsRaw, &profile.Dependencies); err != nil {
		return domain.ModuleProfile{}, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := decodeJSON(hintsRaw, &profile.Hints); err != nil {
		return domain.ModuleProfile{}, fmt.Errorf("decode hints: %w", err)
	}
	profile.Hints = profile.Hints.Normalize()
	return profile, nil
}

// DiscoveryStore counts producer discoveries to size fetch-mode windows.
type DiscoveryStore struct {
	db DB
}

func NewDiscoveryStore(db DB) *DiscoveryStore {
	if db == nil {
		return nil
	}
	return &DiscoveryStore{db: db}
}

func (s *DiscoveryStore) CountDiscoveries(ctx context.Context, scanJobID, producerModule string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("discovery store not initialized")
	}
	var count int
	row := s.db.QueryRowContext(ctx, countDiscoveriesQuery, strings.TrimSpace(scanJobID), strings.TrimSpace(producerModule))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count discoveries: %w", err)
	}
	return count, nil
}
