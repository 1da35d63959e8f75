// Package resource computes per-batch compute allocations and snaps them
// onto valid backend configuration tiers.
package resource

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/platform/env"
)

type Config struct {
	// Hourly rates: CPU per vCPU (1024 units), memory per GB.
	CPUHourlyRate    float64
	MemoryHourlyRate float64

	MinCPU      int
	MaxCPU      int
	MinMemoryMB int
	MaxMemoryMB int

	// Fallback allocation used when a calculation fails.
	FallbackCPU         int
	FallbackMemoryMB    int
	FallbackDurationMin float64

	HighPriorityBoost   float64
	LowPriorityReduce   float64
	LargeBatchThreshold int
	LargeBatchBonus     float64
	SmallBatchThreshold int
	SmallBatchDiscount  float64
}

func DefaultConfig() Config {
	return Config{
		CPUHourlyRate:       0.04048,
		MemoryHourlyRate:    0.004445,
		MinCPU:              256,
		MaxCPU:              4096,
		MinMemoryMB:         512,
		MaxMemoryMB:         30720,
		FallbackCPU:         1024,
		FallbackMemoryMB:    2048,
		FallbackDurationMin: 60,
		HighPriorityBoost:   0.25,
		LowPriorityReduce:   0.20,
		LargeBatchThreshold: 100,
		LargeBatchBonus:     0.15,
		SmallBatchThreshold: 10,
		SmallBatchDiscount:  0.10,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfg.CPUHourlyRate, err = env.Float64("RESOURCE_CPU_HOURLY_RATE", cfg.CPUHourlyRate); err != nil {
		return Config{}, err
	}
	if cfg.MemoryHourlyRate, err = env.Float64("RESOURCE_MEMORY_HOURLY_RATE", cfg.MemoryHourlyRate); err != nil {
		return Config{}, err
	}
	if cfg.MaxCPU, err = env.Int("RESOURCE_MAX_CPU", cfg.MaxCPU); err != nil {
		return Config{}, err
	}
	if cfg.MaxMemoryMB, err = env.Int("RESOURCE_MAX_MEMORY_MB", cfg.MaxMemoryMB); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type Calculator struct {
	cfg   Config
	tiers []cpuTier
}

func NewCalculator(cfg Config) *Calculator {
	if cfg.CPUHourlyRate <= 0 || cfg.MemoryHourlyRate <= 0 {
		defaults := DefaultConfig()
		if cfg.CPUHourlyRate <= 0 {
			cfg.CPUHourlyRate = defaults.CPUHourlyRate
		}
		if cfg.MemoryHourlyRate <= 0 {
			cfg.MemoryHourlyRate = defaults.MemoryHourlyRate
		}
	}
	return &Calculator{cfg: cfg, tiers: defaultTiers()}
}

// Calculate derives a deterministic allocation for one batch. Failures
// never propagate: a calculation error yields the conservative fallback
// so the batch can still launch.
func (c *Calculator) Calculate(profile domain.ModuleProfile, domainCount int, priority domain.Priority, costOptimization bool) domain.ResourceAllocation {
	alloc, err := c.calculate(profile, domainCount, priority, costOptimization)
	if err != nil {
		return c.fallback(profile, err)
	}
	return alloc
}

func (c *Calculator) calculate(profile domain.ModuleProfile, domainCount int, priority domain.Priority, costOptimization bool) (domain.ResourceAllocation, error) {
	if domainCount <= 0 {
		return domain.ResourceAllocation{}, fmt.Errorf("domain count must be positive, got %d", domainCount)
	}
	if len(profile.ScalingTable) == 0 {
		return domain.ResourceAllocation{}, fmt.Errorf("module %s has no scaling table", profile.Name)
	}

	base, err := matchRange(profile.ScalingTable, domainCount)
	if err != nil {
		return domain.ResourceAllocation{}, err
	}

	cpu := float64(base.CPU)
	memory := float64(base.MemoryMB)
	duration := base.DurationMinutes
	if profile.PerDomainSeconds > 0 {
		perDomain := float64(domainCount) * profile.PerDomainSeconds / 60
		if perDomain > duration {
			duration = perDomain
		}
	}
	strategies := []string{fmt.Sprintf("scaling_range_%d_%d", base.MinDomains, base.MaxDomains)}

	switch priority {
	case domain.PriorityHigh:
		cpu *= 1 + c.cfg.HighPriorityBoost
		memory *= 1 + c.cfg.HighPriorityBoost
		duration *= 1 - c.cfg.LowPriorityReduce
		strategies = append(strategies, "priority_high_boost")
	case domain.PriorityLow:
		cpu *= 1 - c.cfg.LowPriorityReduce
		memory *= 1 - c.cfg.LowPriorityReduce
		duration *= 1 + c.cfg.HighPriorityBoost
		strategies = append(strategies, "priority_low_reduce")
	}

	if domainCount > c.cfg.LargeBatchThreshold {
		cpu *= 1 + c.cfg.LargeBatchBonus
		strategies = append(strategies, "large_batch_efficiency")
	}

	hints := profile.Hints.Normalize()
	if hints.MemoryMultiplier > 0 && domainCount >= hints.MemoryMultiplierMinDomains {
		memory *= hints.MemoryMultiplier
		strategies = append(strategies, "hint_memory_multiplier")
	}

	cpuInt := clampInt(int(math.Ceil(cpu)), c.cfg.MinCPU, c.cfg.MaxCPU)
	memoryInt := clampInt(int(math.Ceil(memory)), c.cfg.MinMemoryMB, c.cfg.MaxMemoryMB)

	snappedCPU, snappedMemory, err := snap(c.tiers, cpuInt, memoryInt)
	if err != nil {
		return domain.ResourceAllocation{}, err
	}
	strategies = append(strategies, "tier_snap")

	cost := c.cost(snappedCPU, snappedMemory, duration)
	if costOptimization && domainCount < c.cfg.SmallBatchThreshold {
		cost *= 1 - c.cfg.SmallBatchDiscount
		strategies = append(strategies, "small_batch_discount")
	}

	return domain.ResourceAllocation{
		CPU:             snappedCPU,
		MemoryMB:        snappedMemory,
		DurationMinutes: roundTo(duration, 2),
		EstimatedCost:   roundTo(cost, 4),
		Rationale: fmt.Sprintf("%d domains matched range [%d,%d]; snapped %d/%dMB -> %d/%dMB",
			domainCount, base.MinDomains, base.MaxDomains, cpuInt, memoryInt, snappedCPU, snappedMemory),
		AppliedStrategies: strategies,
	}, nil
}

func (c *Calculator) fallback(profile domain.ModuleProfile, cause error) domain.ResourceAllocation {
	cpu := c.cfg.FallbackCPU
	memory := c.cfg.FallbackMemoryMB
	duration := c.cfg.FallbackDurationMin
	if cpu <= 0 {
		cpu = 1024
	}
	if memory <= 0 {
		memory = 2048
	}
	if duration <= 0 {
		duration = 60
	}
	snappedCPU, snappedMemory, err := snap(c.tiers, cpu, memory)
	if err != nil {
		snappedCPU, snappedMemory = 1024, 2048
	}
	return domain.ResourceAllocation{
		CPU:               snappedCPU,
		MemoryMB:          snappedMemory,
		DurationMinutes:   duration,
		EstimatedCost:     roundTo(c.cost(snappedCPU, snappedMemory, duration), 4),
		Rationale:         fmt.Sprintf("fallback allocation for module %s: %v", strings.TrimSpace(profile.Name), cause),
		AppliedStrategies: []string{"fallback_conservative"},
	}
}

func (c *Calculator) cost(cpu, memoryMB int, durationMin float64) float64 {
	hours := durationMin / float64(time.Hour/time.Minute)
	vcpu := float64(cpu) / 1024
	memGB := float64(memoryMB) / 1024
	return (vcpu*c.cfg.CPUHourlyRate + memGB*c.cfg.MemoryHourlyRate) * hours
}

func matchRange(table []domain.ScalingRange, count int) (domain.ScalingRange, error) {
	var best domain.ScalingRange
	found := false
	for _, r := range table {
		if r.Contains(count) {
			return r, nil
		}
		// An unbounded range is always the largest and is never displaced.
		if !found || (best.MaxDomains != 0 && (r.MaxDomains == 0 || r.MaxDomains > best.MaxDomains)) {
			best = r
			found = true
		}
	}
	if !found {
		return domain.ScalingRange{}, fmt.Errorf("empty scaling table")
	}
	// Above every bounded range: reuse the largest one.
	return best, nil
}

func clampInt(v, min, max int) int {
	if min > 0 && v < min {
		return min
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
