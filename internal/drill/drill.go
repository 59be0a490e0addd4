// Package drill generates bounded practice sequences by walking a graph
// snapshot, biased toward transitions the scheduler considers weak or due.
package drill

import (
	"fmt"
	"math/rand"

	"matflow/internal/domain"
)

// EdgeSRS is the scheduler's view of one edge at generation time.
type EdgeSRS struct {
	Due  bool
	Ease float64
}

type Params struct {
	StartNodeID       string
	MaxLength         int
	WeakEaseThreshold float64
	// SRS maps edge id to its card state; edges without cards are neutral.
	SRS map[string]EdgeSRS
	// Rand drives edge selection; pass a seeded source for deterministic tests.
	Rand *rand.Rand
}

type Step struct {
	EdgeID      string `json:"edge_id"`
	EdgeKind    string `json:"edge_kind"`
	SourceID    string `json:"source_id"`
	SourceLabel string `json:"source_label"`
	TargetID    string `json:"target_id"`
	TargetLabel string `json:"target_label"`
}

type Item struct {
	GraphID     string `json:"graph_id"`
	StartNodeID string `json:"start_node_id"`
	Steps       []Step `json:"steps"`
}

// Generate walks from the start node. At each position it prefers due
// edges, then weak-ease edges, otherwise any outgoing edge, picking within
// the preferred set at random weighted by the per-edge SRS weight override.
// An edge is never reused within one drill, which keeps short loops from
// dominating. Hitting max length or a sink node are both normal endings.
func Generate(s domain.Snapshot, p Params) (Item, error) {
	nodeIdx := s.NodeIndex()
	if _, ok := nodeIdx[p.StartNodeID]; !ok {
		return Item{}, fmt.Errorf("start node %s not in graph", p.StartNodeID)
	}
	if p.MaxLength < 1 {
		return Item{}, fmt.Errorf("max length must be >= 1")
	}
	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	out := s.OutEdges()
	item := Item{GraphID: s.Graph.ID, StartNodeID: p.StartNodeID}
	visited := make(map[string]bool)
	cur := p.StartNodeID
	for len(item.Steps) < p.MaxLength {
		var candidates []int
		for _, ei := range out[cur] {
			e := s.Edges[ei]
			if visited[e.ID] {
				continue
			}
			if _, ok := nodeIdx[e.TargetID]; !ok {
				continue
			}
			candidates = append(candidates, ei)
		}
		if len(candidates) == 0 {
			break
		}
		pick := choose(s, p, rng, candidates)
		e := s.Edges[pick]
		visited[e.ID] = true
		item.Steps = append(item.Steps, Step{
			EdgeID:      e.ID,
			EdgeKind:    e.Kind,
			SourceID:    e.SourceID,
			SourceLabel: s.Nodes[nodeIdx[e.SourceID]].Label,
			TargetID:    e.TargetID,
			TargetLabel: s.Nodes[nodeIdx[e.TargetID]].Label,
		})
		cur = e.TargetID
	}
	return item, nil
}

func choose(s domain.Snapshot, p Params, rng *rand.Rand, candidates []int) int {
	var due, weak []int
	for _, ei := range candidates {
		st, ok := p.SRS[s.Edges[ei].ID]
		if !ok {
			continue
		}
		if st.Due {
			due = append(due, ei)
		} else if p.WeakEaseThreshold > 0 && st.Ease < p.WeakEaseThreshold {
			weak = append(weak, ei)
		}
	}
	pool := candidates
	if len(due) > 0 {
		pool = due
	} else if len(weak) > 0 {
		pool = weak
	}
	return weightedPick(s, rng, pool)
}

func weightedPick(s domain.Snapshot, rng *rand.Rand, pool []int) int {
	total := 0.0
	for _, ei := range pool {
		total += edgeWeight(s.Edges[ei])
	}
	r := rng.Float64() * total
	for _, ei := range pool {
		r -= edgeWeight(s.Edges[ei])
		if r <= 0 {
			return ei
		}
	}
	return pool[len(pool)-1]
}

func edgeWeight(e domain.Edge) float64 {
	if e.SRSWeight != nil && *e.SRSWeight > 0 {
		return *e.SRSWeight
	}
	return 1.0
}
