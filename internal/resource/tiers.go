package resource

import "fmt"

// cpuTier is one valid backend configuration: a CPU size and the memory
// sizes the backend accepts alongside it. Values follow the Fargate task
// size matrix (CPU in 1/1024 vCPU units, memory in MB).
type cpuTier struct {
	CPU      int
	MemoryMB []int
}

func defaultTiers() []cpuTier {
	return []cpuTier{
		{CPU: 256, MemoryMB: []int{512, 1024, 2048}},
		{CPU: 512, MemoryMB: []int{1024, 2048, 3072, 4096}},
		{CPU: 1024, MemoryMB: []int{2048, 3072, 4096, 5120, 6144, 7168, 8192}},
		{CPU: 2048, MemoryMB: []int{4096, 5120, 6144, 7168, 8192, 9216, 10240, 11264, 12288, 13312, 14336, 15360, 16384}},
		{CPU: 4096, MemoryMB: []int{8192, 9216, 10240, 11264, 12288, 13312, 14336, 15360, 16384, 17408, 18432, 19456, 20480, 21504, 22528, 23552, 24576, 25600, 26624, 27648, 28672, 29696, 30720}},
	}
}

// snap rounds a (cpu, memory) requirement up to the nearest valid tier.
// It never rounds down on either axis; requirements above the largest
// tier land on the largest tier.
func snap(tiers []cpuTier, cpu, memoryMB int) (int, int, error) {
	if len(tiers) == 0 {
		return 0, 0, fmt.Errorf("no backend tiers configured")
	}
	for _, tier := range tiers {
		if tier.CPU < cpu {
			continue
		}
		for _, mem := range tier.MemoryMB {
			if mem >= memoryMB {
				return tier.CPU, mem, nil
			}
		}
		// This CPU tier cannot hold the memory requirement; try the
		// next one up.
	}
	last := tiers[len(tiers)-1]
	return last.CPU, last.MemoryMB[len(last.MemoryMB)-1], nil
}

// validTier reports whether (cpu, memoryMB) is an exact backend
// configuration.
func validTier(tiers []cpuTier, cpu, memoryMB int) bool {
	for _, tier := range tiers {
		if tier.CPU != cpu {
			continue
		}
		for _, mem := range tier.MemoryMB {
			if mem == memoryMB {
				return true
			}
		}
	}
	return false
}
