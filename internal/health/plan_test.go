package health

import (
	"errors"
	"reflect"
	"testing"
)

func childrenOf(m map[string][]string) func(string) ([]string, error) {
	return func(id string) ([]string, error) { return m[id], nil }
}

func TestPlanWaves_LongestPathLayering(t *testing.T) {
	g := map[string][]string{
		"a": {"b", "d"},
		"b": {"c"},
		"c": {"d"},
	}
	plan, err := PlanWaves("a", childrenOf(g))
	if err != nil {
		t.Fatalf("PlanWaves: %v", err)
	}
	want := [][]string{{"a"}, {"b"}, {"c"}, {"d"}}
	if !reflect.DeepEqual(plan.Waves, want) {
		t.Fatalf("Waves = %v, want %v", plan.Waves, want)
	}
}

func TestPlanWaves_SiblingsShareAWave(t *testing.T) {
	g := map[string][]string{"a": {"z", "b", "m"}}
	plan, err := PlanWaves("a", childrenOf(g))
	if err != nil {
		t.Fatal(err)
	}
	if got := plan.Waves[1]; !reflect.DeepEqual(got, []string{"b", "m", "z"}) {
		t.Fatalf("wave 1 = %v", got)
	}
	if plan.Size() != 4 {
		t.Fatalf("Size = %d", plan.Size())
	}
}

func TestPlanWaves_LookupErrorKeepsJobAsLeaf(t *testing.T) {
	boom := errors.New("boom")
	children := func(id string) ([]string, error) {
		switch id {
		case "a":
			return []string{"b"}, nil
		case "b":
			return nil, boom
		}
		return nil, nil
	}
	plan, err := PlanWaves("a", children)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(plan.Errors["b"], boom) {
		t.Fatalf("Errors = %v", plan.Errors)
	}
	if plan.Size() != 2 {
		t.Fatalf("Size = %d, want 2", plan.Size())
	}
}

func TestPlanWaves_TerminatesOnCycle(t *testing.T) {
	g := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"b"},
	}
	plan, err := PlanWaves("a", childrenOf(g))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(plan.Waves, [][]string{{"a"}}) {
		t.Fatalf("Waves = %v, want only the origin", plan.Waves)
	}

	if _, err := PlanWaves("b", childrenOf(g)); err == nil {
		t.Fatalf("expected an error for an origin on a cycle")
	}
}
