package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

type fakeSource struct {
	profiles []domain.ModuleProfile
	err      error
	loads    int
}

func (f *fakeSource) Load(ctx context.Context) ([]domain.ModuleProfile, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles, nil
}

func testProfiles() []domain.ModuleProfile {
	return []domain.ModuleProfile{
		{
			Name:             "subfinder",
			Active:           true,
			SupportsBatching: true,
			MaxBatchSize:     200,
			ScalingTable:     []domain.ScalingRange{{MinDomains: 1, MaxDomains: 0, CPU: 512, MemoryMB: 1024, DurationMinutes: 10}},
		},
		{
			Name:             "dnsx",
			Active:           true,
			SupportsBatching: true,
			MaxBatchSize:     500,
			Dependencies:     []string{"subfinder"},
			ScalingTable:     []domain.ScalingRange{{MinDomains: 1, MaxDomains: 0, CPU: 256, MemoryMB: 512, DurationMinutes: 5}},
		},
		{
			Name:         "httpx",
			Active:       true,
			ScalingTable: []domain.ScalingRange{{MinDomains: 1, MaxDomains: 0, CPU: 256, MemoryMB: 512, DurationMinutes: 5}},
		},
		{Name: "retired", Active: false},
	}
}

func newTestRegistry(t *testing.T, source Source, ttl time.Duration) *Registry {
	t.Helper()
	r, err := New(source, Config{CacheTTL: ttl})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return r
}

func TestDiscoverFiltersInactive(t *testing.T) {
	r := newTestRegistry(t, &fakeSource{profiles: testProfiles()}, time.Minute)

	profiles, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() err=%v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("expected 3 active profiles, got %d", len(profiles))
	}
	for _, p := range profiles {
		if p.Name == "retired" {
			t.Fatalf("inactive profile leaked through discovery")
		}
	}
}

func TestGetAppliesModeConvention(t *testing.T) {
	r := newTestRegistry(t, &fakeSource{profiles: testProfiles()}, time.Minute)

	dnsx, err := r.Get(context.Background(), "dnsx")
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if dnsx.ExecutionMode != domain.ExecutionModeFetch {
		t.Fatalf("expected fetch mode for dependency-declaring module, got %q", dnsx.ExecutionMode)
	}

	if _, err := r.Get(context.Background(), "nuclei"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
	if _, err := r.Get(context.Background(), "retired"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected inactive module to be not found, got %v", err)
	}
}

func TestCacheTTLAndStaleFallback(t *testing.T) {
	source := &fakeSource{profiles: testProfiles()}
	now := time.Unix(1700000000, 0)
	r := newTestRegistry(t, source, time.Minute).WithClock(func() time.Time { return now })

	if _, err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() err=%v", err)
	}
	if _, err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() err=%v", err)
	}
	if source.loads != 1 {
		t.Fatalf("expected one load within TTL, got %d", source.loads)
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() err=%v", err)
	}
	if source.loads != 2 {
		t.Fatalf("expected reload after TTL, got %d loads", source.loads)
	}

	// A failing reload serves the stale snapshot instead of erroring.
	source.err = errors.New("store down")
	now = now.Add(2 * time.Minute)
	profiles, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("expected stale snapshot, got err=%v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("expected stale profiles, got %d", len(profiles))
	}
}

func TestValidateBatchRequest(t *testing.T) {
	r := newTestRegistry(t, &fakeSource{profiles: testProfiles()}, time.Minute)
	ctx := context.Background()

	v, err := r.ValidateBatchRequest(ctx, "subfinder", 150)
	if err != nil {
		t.Fatalf("ValidateBatchRequest() err=%v", err)
	}
	if !v.Valid || len(v.Errors) != 0 {
		t.Fatalf("expected valid request, got %+v", v)
	}

	v, err = r.ValidateBatchRequest(ctx, "subfinder", 190)
	if err != nil {
		t.Fatalf("ValidateBatchRequest() err=%v", err)
	}
	if !v.Valid || len(v.Warnings) == 0 {
		t.Fatalf("expected warning at 95%% utilization, got %+v", v)
	}

	v, err = r.ValidateBatchRequest(ctx, "subfinder", 201)
	if err != nil {
		t.Fatalf("ValidateBatchRequest() err=%v", err)
	}
	if v.Valid || !containsSubstring(v.Errors, "exceeds max batch size") {
		t.Fatalf("expected size rejection, got %+v", v)
	}

	v, err = r.ValidateBatchRequest(ctx, "httpx", 2)
	if err != nil {
		t.Fatalf("ValidateBatchRequest() err=%v", err)
	}
	if v.Valid || !containsSubstring(v.Errors, "does not support batching") {
		t.Fatalf("expected batching rejection, got %+v", v)
	}

	v, err = r.ValidateBatchRequest(ctx, "nuclei", 10)
	if err != nil {
		t.Fatalf("ValidateBatchRequest() err=%v", err)
	}
	if v.Valid || !containsSubstring(v.Errors, "module not found") {
		t.Fatalf("expected unknown-module rejection, got %+v", v)
	}
}

func TestParseProfilesRejectsUnknownKeys(t *testing.T) {
	good := []byte(`
modules:
  - name: subfinder
    active: true
    supports_batching: true
    max_batch_size: 200
    scaling_table:
      - min_domains: 1
        max_domains: 0
        cpu: 512
        memory_mb: 1024
        duration_minutes: 10
    hints:
      memory_multiplier: 1.5
      memory_multiplier_min_domains: 100
`)
	profiles, err := ParseProfiles(good)
	if err != nil {
		t.Fatalf("ParseProfiles() err=%v", err)
	}
	if len(profiles) != 1 || profiles[0].Name != "subfinder" {
		t.Fatalf("unexpected profiles: %+v", profiles)
	}

	bad := []byte(`
modules:
  - name: subfinder
    hints:
      memory_multipler: 1.5
`)
	if _, err := ParseProfiles(bad); err == nil {
		t.Fatalf("expected unknown hint key to be rejected")
	}
}

func containsSubstring(list []string, substr string) bool {
	for _, s := range list {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
