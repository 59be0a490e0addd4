package drill

import (
	"math/rand"
	"testing"

	"matflow/internal/domain"
)

func lineGraph() domain.Snapshot {
	// a -> b -> c -> d, plus b -> a to form a loop.
	nodes := []domain.Node{
		{ID: "a", Label: "Closed Guard"},
		{ID: "b", Label: "Mount"},
		{ID: "c", Label: "Back Control"},
		{ID: "d", Label: "Armbar"},
	}
	edges := []domain.Edge{
		{ID: "ab", SourceID: "a", TargetID: "b", Kind: domain.EdgeKindSweep},
		{ID: "ba", SourceID: "b", TargetID: "a", Kind: domain.EdgeKindEscape},
		{ID: "bc", SourceID: "b", TargetID: "c", Kind: domain.EdgeKindTransition},
		{ID: "cd", SourceID: "c", TargetID: "d", Kind: domain.EdgeKindSubmission},
	}
	return domain.Snapshot{Graph: domain.Graph{ID: "g1"}, Nodes: nodes, Edges: edges}
}

func TestGenerateStopsAtSink(t *testing.T) {
	s := lineGraph()
	item, err := Generate(s, Params{
		StartNodeID: "c",
		MaxLength:   10,
		Rand:        rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(item.Steps) != 1 || item.Steps[0].EdgeID != "cd" {
		t.Fatalf("steps = %+v, want single cd step", item.Steps)
	}
}

func TestGenerateHonorsMaxLength(t *testing.T) {
	s := lineGraph()
	item, err := Generate(s, Params{
		StartNodeID: "a",
		MaxLength:   2,
		Rand:        rand.New(rand.NewSource(7)),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(item.Steps) > 2 {
		t.Fatalf("steps = %d, want <= 2", len(item.Steps))
	}
}

func TestGenerateNeverReusesEdges(t *testing.T) {
	s := lineGraph()
	for seed := int64(0); seed < 50; seed++ {
		item, err := Generate(s, Params{
			StartNodeID: "a",
			MaxLength:   20,
			Rand:        rand.New(rand.NewSource(seed)),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		seen := map[string]bool{}
		for _, step := range item.Steps {
			if seen[step.EdgeID] {
				t.Fatalf("seed %d: edge %s reused", seed, step.EdgeID)
			}
			seen[step.EdgeID] = true
		}
	}
}

func TestGenerateStepsAreConnected(t *testing.T) {
	s := lineGraph()
	item, err := Generate(s, Params{
		StartNodeID: "a",
		MaxLength:   10,
		Rand:        rand.New(rand.NewSource(3)),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	cur := "a"
	for i, step := range item.Steps {
		if step.SourceID != cur {
			t.Fatalf("step %d starts at %s, expected %s", i, step.SourceID, cur)
		}
		cur = step.TargetID
	}
}

func TestDueEdgesPreferred(t *testing.T) {
	// Two edges out of a; only ab is due. It must always be picked first.
	s := lineGraph()
	s.Edges = append(s.Edges, domain.Edge{ID: "ac", SourceID: "a", TargetID: "c", Kind: domain.EdgeKindPass})
	srs := map[string]EdgeSRS{
		"ab": {Due: true, Ease: 2.5},
		"ac": {Due: false, Ease: 2.5},
	}
	for seed := int64(0); seed < 20; seed++ {
		item, err := Generate(s, Params{
			StartNodeID: "a",
			MaxLength:   1,
			SRS:         srs,
			Rand:        rand.New(rand.NewSource(seed)),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if item.Steps[0].EdgeID != "ab" {
			t.Fatalf("seed %d: picked %s, want due edge ab", seed, item.Steps[0].EdgeID)
		}
	}
}

func TestWeakEdgesPreferredWhenNothingDue(t *testing.T) {
	s := lineGraph()
	s.Edges = append(s.Edges, domain.Edge{ID: "ac", SourceID: "a", TargetID: "c", Kind: domain.EdgeKindPass})
	srs := map[string]EdgeSRS{
		"ab": {Ease: 2.5},
		"ac": {Ease: 1.4},
	}
	for seed := int64(0); seed < 20; seed++ {
		item, err := Generate(s, Params{
			StartNodeID:       "a",
			MaxLength:         1,
			WeakEaseThreshold: 1.8,
			SRS:               srs,
			Rand:              rand.New(rand.NewSource(seed)),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if item.Steps[0].EdgeID != "ac" {
			t.Fatalf("seed %d: picked %s, want weak edge ac", seed, item.Steps[0].EdgeID)
		}
	}
}

func TestSameSeedSameDrill(t *testing.T) {
	s := lineGraph()
	gen := func() []Step {
		item, err := Generate(s, Params{
			StartNodeID: "a",
			MaxLength:   10,
			Rand:        rand.New(rand.NewSource(42)),
		})
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return item.Steps
	}
	first := gen()
	second := gen()
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].EdgeID != second[i].EdgeID {
			t.Fatalf("step %d differs: %s vs %s", i, first[i].EdgeID, second[i].EdgeID)
		}
	}
}

func TestUnknownStartNode(t *testing.T) {
	s := lineGraph()
	if _, err := Generate(s, Params{StartNodeID: "nope", MaxLength: 5}); err == nil {
		t.Fatalf("expected error for unknown start")
	}
}
