package pipeline

import (
	"errors"
	"testing"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

func reconProfiles() map[string]domain.ModuleProfile {
	return map[string]domain.ModuleProfile{
		"subfinder": {Name: "subfinder", Active: true, SupportsBatching: true, MaxBatchSize: 200},
		"dnsx":      {Name: "dnsx", Active: true, SupportsBatching: true, MaxBatchSize: 200, Dependencies: []string{"subfinder"}},
		"httpx":     {Name: "httpx", Active: true, SupportsBatching: true, MaxBatchSize: 100, Dependencies: []string{"dnsx"}},
	}
}

func indexOf(list []string, target string) int {
	for i, item := range list {
		if item == target {
			return i
		}
	}
	return -1
}

func TestResolveOrderSingleModuleStaysAlone(t *testing.T) {
	order, err := ResolveOrder([]string{"httpx"}, reconProfiles())
	if err != nil {
		t.Fatalf("ResolveOrder() err=%v", err)
	}
	if len(order) != 1 || order[0] != "httpx" {
		t.Fatalf("order=%v, want [httpx]", order)
	}
}

func TestResolveOrderAutoIncludesBridge(t *testing.T) {
	order, err := ResolveOrder([]string{"subfinder", "httpx"}, reconProfiles())
	if err != nil {
		t.Fatalf("ResolveOrder() err=%v", err)
	}
	if len(order) != 3 {
		t.Fatalf("order=%v, want subfinder, dnsx and httpx", order)
	}
	sub, dns, htt := indexOf(order, "subfinder"), indexOf(order, "dnsx"), indexOf(order, "httpx")
	if dns < 0 {
		t.Fatalf("dnsx not auto-included: %v", order)
	}
	if !(sub < dns && dns < htt) {
		t.Fatalf("dependency order violated: %v", order)
	}
}

func TestResolveOrderNeverPlacesModuleBeforeDependency(t *testing.T) {
	order, err := ResolveOrder([]string{"httpx", "dnsx", "subfinder"}, reconProfiles())
	if err != nil {
		t.Fatalf("ResolveOrder() err=%v", err)
	}
	pos := map[string]int{}
	for i, m := range order {
		pos[m] = i
	}
	profiles := reconProfiles()
	for _, m := range order {
		for _, dep := range profiles[m].Dependencies {
			if depPos, ok := pos[dep]; ok && depPos > pos[m] {
				t.Fatalf("%s scheduled before its dependency %s: %v", m, dep, order)
			}
		}
	}
}

func TestResolveOrderRejectsCycle(t *testing.T) {
	profiles := map[string]domain.ModuleProfile{
		"a": {Name: "a", Active: true, Dependencies: []string{"b"}},
		"b": {Name: "b", Active: true, Dependencies: []string{"a"}},
	}
	_, err := ResolveOrder([]string{"a", "b"}, profiles)
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestResolveOrderUnknownModule(t *testing.T) {
	_, err := ResolveOrder([]string{"nuclei"}, reconProfiles())
	var confErr *domain.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if confErr.Module != "nuclei" {
		t.Fatalf("error names module %q, want nuclei", confErr.Module)
	}
}

func TestResolveOrderIsDeterministic(t *testing.T) {
	first, err := ResolveOrder([]string{"subfinder", "httpx", "dnsx"}, reconProfiles())
	if err != nil {
		t.Fatalf("ResolveOrder() err=%v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := ResolveOrder([]string{"subfinder", "httpx", "dnsx"}, reconProfiles())
		if err != nil {
			t.Fatalf("ResolveOrder() err=%v", err)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("order not stable: %v vs %v", first, again)
			}
		}
	}
}
