// Package batch partitions scan requests into cost-efficient batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/registry"
	"github.com/scanhive-labs/scanhive-go/internal/resource"
)

// ErrEmptyWorkload marks a request with zero domains and no fetch-mode
// module: there is nothing to schedule.
var ErrEmptyWorkload = errors.New("no domains and no fetch-mode workload")

// OptimizeRequest is one planning invocation, scoped to a single scan job.
type OptimizeRequest struct {
	Requests []domain.ScanRequest
	// Modules is the resolved execution order; only these are planned.
	Modules   []string
	Priority  domain.Priority
	UserID    string
	ScanJobID string
	// FetchCounts carries, per fetch-mode module, the upstream discovery
	// count its windows are sized against.
	FetchCounts      map[string]int
	CostOptimization bool
}

// Plan is the optimizer's output: persisted-ready batch records plus the
// cost/duration estimates returned to the caller.
type Plan struct {
	Batches              []domain.BatchJob
	Assignments          []domain.DomainAssignment
	EstimatedSavingsPct  float64
	EstimatedDurationMin float64
	TotalDomains         int
}

type Optimizer struct {
	registry   *registry.Registry
	calculator *resource.Calculator
	now        func() time.Time
}

func NewOptimizer(reg *registry.Registry, calc *resource.Calculator) (*Optimizer, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if calc == nil {
		return nil, errors.New("calculator is required")
	}
	return &Optimizer{registry: reg, calculator: calc, now: time.Now}, nil
}

// WithClock replaces the time source, for tests.
func (o *Optimizer) WithClock(now func() time.Time) *Optimizer {
	if now != nil {
		o.now = now
	}
	return o
}

// Optimize builds the batch plan for one scan job. Modules that consume a
// dependency and receive no literal domains are planned as fetch-mode
// windows over their producer's discovery count.
func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) (Plan, error) {
	if len(req.Modules) == 0 {
		return Plan{}, fmt.Errorf("%w: no modules requested", ErrEmptyWorkload)
	}

	plan := Plan{}
	for _, moduleName := range req.Modules {
		profile, err := o.registry.Get(ctx, moduleName)
		if err != nil {
			return Plan{}, err
		}

		domains, scanMap, assetIDs := collectDomains(req.Requests, moduleName)

		if profile.Mode() == domain.ExecutionModeFetch && len(domains) == 0 {
			count := req.FetchCounts[moduleName]
			if count <= 0 {
				continue
			}
			batches := o.fetchModeBatches(profile, req, count)
			plan.Batches = append(plan.Batches, batches...)
			plan.TotalDomains += count
			plan.EstimatedDurationMin += maxDuration(batches)
			continue
		}

		if len(domains) == 0 {
			continue
		}

		var chunks [][]string
		if profile.SupportsBatching {
			chunks = chunkDomains(domains, profile.MaxBatchSize)
		} else {
			// One single-domain batch per domain.
			for _, d := range domains {
				chunks = append(chunks, []string{d})
			}
		}

		moduleBatches := make([]domain.BatchJob, 0, len(chunks))
		for _, chunk := range chunks {
			batch := o.buildBatch(profile, req, chunk, scanMap, assetIDs)
			moduleBatches = append(moduleBatches, batch)
			plan.Assignments = append(plan.Assignments, buildAssignments(batch, o.now())...)
		}
		plan.Batches = append(plan.Batches, moduleBatches...)
		plan.TotalDomains += len(domains)
		plan.EstimatedDurationMin += maxDuration(moduleBatches)
	}

	if len(plan.Batches) == 0 {
		return Plan{}, ErrEmptyWorkload
	}

	plan.EstimatedSavingsPct = estimatePlanSavings(plan)
	return plan, nil
}

func (o *Optimizer) buildBatch(profile domain.ModuleProfile, req OptimizeRequest, chunk []string, scanMap map[string]string, assetIDs map[string]string) domain.BatchJob {
	alloc := o.calculator.Calculate(profile, len(chunk), req.Priority, req.CostOptimization)

	batchType := domain.BatchTypeSingleAsset
	assetID := ""
	seen := map[string]struct{}{}
	for _, d := range chunk {
		id := assetIDs[d]
		seen[id] = struct{}{}
		assetID = id
	}
	if len(seen) > 1 {
		batchType = domain.BatchTypeMultiAsset
		assetID = ""
	}

	chunkScanMap := make(map[string]string, len(chunk))
	for _, d := range chunk {
		if id, ok := scanMap[d]; ok {
			chunkScanMap[d] = id
		}
	}

	return domain.BatchJob{
		ID:                   uuid.NewString(),
		UserID:               req.UserID,
		BatchType:            batchType,
		Module:               profile.Name,
		Status:               domain.BatchStatusPending,
		TotalDomains:         len(chunk),
		Domains:              chunk,
		DomainScanMap:        chunkScanMap,
		AllocatedCPU:         alloc.CPU,
		AllocatedMemoryMB:    alloc.MemoryMB,
		EstimatedDurationMin: alloc.DurationMinutes,
		EstimatedCost:        alloc.EstimatedCost,
		Metadata: domain.BatchMetadata{
			AssetID:          assetID,
			ScanJobID:        req.ScanJobID,
			Strategy:         firstStrategy(alloc),
			AssetScanRecords: chunkScanMap,
		},
		CreatedAt: o.now().UTC(),
	}
}

func (o *Optimizer) fetchModeBatches(profile domain.ModuleProfile, req OptimizeRequest, discoveryCount int) []domain.BatchJob {
	window := profile.MaxBatchSize
	if window <= 0 {
		window = discoveryCount
	}
	producer := ""
	if len(profile.Dependencies) > 0 {
		producer = profile.Dependencies[0]
	}

	batches := make([]domain.BatchJob, 0, (discoveryCount+window-1)/window)
	for offset := 0; offset < discoveryCount; offset += window {
		limit := window
		if offset+limit > discoveryCount {
			limit = discoveryCount - offset
		}
		alloc := o.calculator.Calculate(profile, limit, req.Priority, req.CostOptimization)
		batches = append(batches, domain.BatchJob{
			ID:                   uuid.NewString(),
			UserID:               req.UserID,
			BatchType:            domain.BatchTypeSingleAsset,
			Module:               profile.Name,
			Status:               domain.BatchStatusPending,
			TotalDomains:         limit,
			AllocatedCPU:         alloc.CPU,
			AllocatedMemoryMB:    alloc.MemoryMB,
			EstimatedDurationMin: alloc.DurationMinutes,
			EstimatedCost:        alloc.EstimatedCost,
			Metadata: domain.BatchMetadata{
				ScanJobID:      req.ScanJobID,
				Strategy:       firstStrategy(alloc),
				FetchOffset:    offset,
				FetchLimit:     limit,
				ProducerModule: producer,
			},
			CreatedAt: o.now().UTC(),
		})
	}
	return batches
}

func estimatePlanSavings(plan Plan) float64 {
	if plan.TotalDomains == 0 || len(plan.Batches) == 0 {
		return 0
	}
	maxBatch := 0
	for _, b := range plan.Batches {
		if b.TotalDomains > maxBatch {
			maxBatch = b.TotalDomains
		}
	}
	return EstimateSavingsPct(plan.TotalDomains, len(plan.Batches), maxBatch)
}

func collectDomains(requests []domain.ScanRequest, module string) ([]string, map[string]string, map[string]string) {
	domains := make([]string, 0)
	scanMap := make(map[string]string)
	assetIDs := make(map[string]string)
	seen := make(map[string]struct{})
	for _, req := range requests {
		if !containsModule(req.Modules, module) {
			continue
		}
		for _, d := range req.Domains {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			domains = append(domains, d)
			assetIDs[d] = req.AssetID
			if id, ok := req.AssetScanIDs[d]; ok {
				scanMap[d] = id
			}
		}
	}
	return domains, scanMap, assetIDs
}

func chunkDomains(domains []string, size int) [][]string {
	if size <= 0 {
		return [][]string{domains}
	}
	chunks := make([][]string, 0, (len(domains)+size-1)/size)
	for start := 0; start < len(domains); start += size {
		end := start + size
		if end > len(domains) {
			end = len(domains)
		}
		chunks = append(chunks, domains[start:end])
	}
	return chunks
}

func buildAssignments(batch domain.BatchJob, now time.Time) []domain.DomainAssignment {
	out := make([]domain.DomainAssignment, 0, len(batch.Domains))
	for _, d := range batch.Domains {
		out = append(out, domain.DomainAssignment{
			BatchID:     batch.ID,
			Domain:      d,
			AssetScanID: batch.DomainScanMap[d],
			Status:      domain.BatchStatusPending,
			CreatedAt:   now.UTC(),
		})
	}
	return out
}

func maxDuration(batches []domain.BatchJob) float64 {
	max := 0.0
	for _, b := range batches {
		if b.EstimatedDurationMin > max {
			max = b.EstimatedDurationMin
		}
	}
	return max
}

func firstStrategy(alloc domain.ResourceAllocation) string {
	if len(alloc.AppliedStrategies) == 0 {
		return ""
	}
	return alloc.AppliedStrategies[0]
}

func containsModule(modules []string, name string) bool {
	for _, m := range modules {
		if m == name {
			return true
		}
	}
	return false
}
