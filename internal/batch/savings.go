package batch

// Cost-savings caps are presentation heuristics carried over from the
// billing model, not derived quantities. Keep them configurable rather
// than recomputing "correct" values.
var (
	SavingsCapSmallPct  = 50.0
	SavingsCapMediumPct = 65.0
	SavingsCapLargePct  = 80.0

	SavingsSmallMaxDomains  = 20
	SavingsMediumMaxDomains = 100

	// UtilizationBonusMaxPct is the ceiling of the utilization-efficiency
	// term added on top of avoided per-unit overhead.
	UtilizationBonusMaxPct = 10.0
)

// EstimateSavingsPct estimates the relative cost saved by batching
// domainCount domains into batchCount units instead of one unit per
// domain. The estimate is monotone non-decreasing in domainCount at a
// fixed batch count and always within [0, SavingsCapLargePct].
func EstimateSavingsPct(domainCount, batchCount, maxBatchSize int) float64 {
	if domainCount <= 0 || batchCount <= 0 || domainCount <= batchCount {
		return 0
	}

	// Avoided fixed per-unit overhead, as a share of the unbatched cost.
	overheadPct := (1 - float64(batchCount)/float64(domainCount)) * 100

	// Fuller batches waste less of each allocation.
	utilizationPct := 0.0
	if maxBatchSize > 0 {
		utilization := float64(domainCount) / (float64(batchCount) * float64(maxBatchSize))
		if utilization > 1 {
			utilization = 1
		}
		utilizationPct = utilization * UtilizationBonusMaxPct
	}

	pct := overheadPct + utilizationPct

	cap := SavingsCapLargePct
	switch {
	case domainCount <= SavingsSmallMaxDomains:
		cap = SavingsCapSmallPct
	case domainCount <= SavingsMediumMaxDomains:
		cap = SavingsCapMediumPct
	}
	if pct > cap {
		pct = cap
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
