package runtimeexec

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// contractEnv serializes a UnitSpec into the scan worker's env contract.
// Workers read these names verbatim; everything outgoing funnels through
// here so the contract lives in one place.
func contractEnv(spec UnitSpec) []envPair {
	total := spec.TotalDomains
	if total == 0 {
		if spec.FetchLimit > 0 {
			total = spec.FetchLimit
		} else {
			total = len(spec.Domains)
		}
	}

	pairs := []envPair{
		{"BATCH_ID", spec.BatchID},
		{"MODULE_TYPE", spec.Module},
		{"SCAN_JOB_ID", spec.ScanJobID},
		{"TOTAL_DOMAINS", strconv.Itoa(total)},
		{"ALLOCATED_CPU", strconv.Itoa(spec.CPU)},
		{"ALLOCATED_MEMORY", strconv.Itoa(spec.MemoryMB)},
	}
	if spec.AssetID != "" {
		pairs = append(pairs, envPair{"ASSET_ID", spec.AssetID})
	}
	if len(spec.Domains) > 0 {
		pairs = append(pairs, envPair{"BATCH_DOMAINS", strings.Join(spec.Domains, ",")})
	}
	if spec.FetchLimit > 0 && len(spec.Domains) == 0 {
		pairs = append(pairs,
			envPair{"FETCH_OFFSET", strconv.Itoa(spec.FetchOffset)},
			envPair{"FETCH_LIMIT", strconv.Itoa(spec.FetchLimit)},
		)
	}
	if spec.StreamKey != "" {
		pairs = append(pairs, envPair{"REDIS_STREAM_KEY", spec.StreamKey})
	}
	if spec.ConsumerGroup != "" {
		pairs = append(pairs, envPair{"CONSUMER_GROUP", spec.ConsumerGroup})
	}
	if spec.Role != "" && spec.Role != RoleStandalone {
		pairs = append(pairs, envPair{"SCAN_ROLE", string(spec.Role)})
	}
	if spec.Priority != "" {
		pairs = append(pairs, envPair{"SCAN_PRIORITY", string(spec.Priority)})
	}
	if len(spec.AssetScanMap) > 0 {
		if encoded, err := json.Marshal(spec.AssetScanMap); err == nil {
			pairs = append(pairs, envPair{"ASSET_SCAN_MAPPING", string(encoded)})
		}
	}

	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			key := strings.TrimSpace(k)
			if key == "" || isReservedEnvKey(key) {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			pairs = append(pairs, envPair{key, spec.Env[key]})
		}
	}
	return pairs
}

type envPair struct {
	Name  string
	Value string
}

func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "BATCH_ID", "MODULE_TYPE", "SCAN_JOB_ID", "ASSET_ID",
		"BATCH_DOMAINS", "TOTAL_DOMAINS",
		"ALLOCATED_CPU", "ALLOCATED_MEMORY",
		"FETCH_OFFSET", "FETCH_LIMIT",
		"REDIS_STREAM_KEY", "CONSUMER_GROUP",
		"SCAN_ROLE", "SCAN_PRIORITY", "ASSET_SCAN_MAPPING":
		return true
	default:
		return false
	}
}
