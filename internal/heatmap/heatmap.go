// Package heatmap folds sparring-log outcomes into per-unit success scores
// for visualization. Units with no attempts are reported as no-data rather
// than zero, so "never tried" is never confused with "always failed".
package heatmap

import "matflow/internal/domain"

type Cell struct {
	UnitType  string   `json:"unit_type" enum:"node,edge"`
	UnitID    string   `json:"unit_id"`
	Label     string   `json:"label"`
	Attempts  int      `json:"attempts"`
	Successes int      `json:"successes"`
	// Score is successes/attempts in [0,1]; nil means no recorded attempts.
	Score *float64 `json:"score"`
}

type Result struct {
	GraphID string `json:"graph_id"`
	Cells   []Cell `json:"cells"`
}

// Build folds events into one cell per node and edge of the snapshot, in
// creation order. Events for units no longer in the graph are skipped.
func Build(s domain.Snapshot, events []domain.SparringEvent) Result {
	type tally struct {
		attempts  int
		successes int
	}
	counts := make(map[string]tally, len(s.Nodes)+len(s.Edges))
	nodeIdx := s.NodeIndex()
	edgeIdx := s.EdgeIndex()
	for _, ev := range events {
		switch ev.UnitType {
		case domain.UnitNode:
			if _, ok := nodeIdx[ev.UnitID]; !ok {
				continue
			}
		case domain.UnitEdge:
			if _, ok := edgeIdx[ev.UnitID]; !ok {
				continue
			}
		default:
			continue
		}
		key := ev.UnitType + ":" + ev.UnitID
		t := counts[key]
		t.attempts++
		if ev.Success {
			t.successes++
		}
		counts[key] = t
	}

	res := Result{GraphID: s.Graph.ID}
	cell := func(unitType, unitID, label string) Cell {
		t := counts[unitType+":"+unitID]
		c := Cell{
			UnitType:  unitType,
			UnitID:    unitID,
			Label:     label,
			Attempts:  t.attempts,
			Successes: t.successes,
		}
		if t.attempts > 0 {
			score := float64(t.successes) / float64(t.attempts)
			c.Score = &score
		}
		return c
	}
	for _, n := range s.Nodes {
		res.Cells = append(res.Cells, cell(domain.UnitNode, n.ID, n.Label))
	}
	for _, e := range s.Edges {
		res.Cells = append(res.Cells, cell(domain.UnitEdge, e.ID, e.SourceID+" -> "+e.TargetID))
	}
	return res
}
