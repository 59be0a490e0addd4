// Package validate runs structural checks over a graph snapshot. It is a
// pure function of the snapshot: same input, same ordered output, so
// results are diff-friendly and safe to cache by (graph_id, version).
package validate

import (
	"fmt"

	"matflow/internal/domain"
)

// Issue codes.
const (
	CodeDuplicateEdge      = "duplicate_edge"
	CodeUnknownEndpoint    = "unknown_endpoint"
	CodeInvalidSelfLoop    = "invalid_self_loop"
	CodeCycle              = "cycle"
	CodeIsolatedNode       = "isolated_node"
	CodeMissingMedia       = "missing_media"
	CodeVideoReferenceBare = "video_reference_without_media"
)

type Issue struct {
	Code       string   `json:"code"`
	EntityKind string   `json:"entity_kind" enum:"node,edge,graph"`
	EntityID   string   `json:"entity_id,omitempty"`
	NodeIDs    []string `json:"node_ids,omitempty"`
	Message    string   `json:"message"`
}

type Result struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// OK reports whether the graph may be published.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Snapshot checks structure. Errors mean the graph must not be published;
// warnings flag suspicious but usable structure. Cycles are warnings by
// domain decision: BJJ flows legitimately loop back (e.g. to guard), so a
// cycle is never a structural error here.
func Snapshot(s domain.Snapshot) Result {
	var res Result
	nodeIdx := s.NodeIndex()

	// Edge-level errors, in edge creation order.
	seen := make(map[[3]string]string, len(s.Edges))
	for _, e := range s.Edges {
		key := [3]string{e.SourceID, e.TargetID, e.Kind}
		if firstID, dup := seen[key]; dup {
			res.Errors = append(res.Errors, Issue{
				Code:       CodeDuplicateEdge,
				EntityKind: "edge",
				EntityID:   e.ID,
				Message:    fmt.Sprintf("edge duplicates (%s -> %s, %s) first defined by edge %s", e.SourceID, e.TargetID, e.Kind, firstID),
			})
		} else {
			seen[key] = e.ID
		}
		if _, ok := nodeIdx[e.SourceID]; !ok {
			res.Errors = append(res.Errors, Issue{
				Code:       CodeUnknownEndpoint,
				EntityKind: "edge",
				EntityID:   e.ID,
				Message:    fmt.Sprintf("edge source %s does not exist", e.SourceID),
			})
		}
		if _, ok := nodeIdx[e.TargetID]; !ok {
			res.Errors = append(res.Errors, Issue{
				Code:       CodeUnknownEndpoint,
				EntityKind: "edge",
				EntityID:   e.ID,
				Message:    fmt.Sprintf("edge target %s does not exist", e.TargetID),
			})
		}
		if e.SourceID == e.TargetID && e.Kind != domain.EdgeKindTransition {
			res.Errors = append(res.Errors, Issue{
				Code:       CodeInvalidSelfLoop,
				EntityKind: "edge",
				EntityID:   e.ID,
				Message:    fmt.Sprintf("self-loop of kind %s on node %s; only transition self-loops are allowed", e.Kind, e.SourceID),
			})
		}
	}

	res.Warnings = append(res.Warnings, cycleWarnings(s, nodeIdx)...)

	// Node-level warnings, in node creation order.
	inDeg := make(map[string]int, len(s.Nodes))
	outDeg := make(map[string]int, len(s.Nodes))
	for _, e := range s.Edges {
		outDeg[e.SourceID]++
		inDeg[e.TargetID]++
	}
	startID := ""
	if s.Graph.StartNodeID != nil {
		startID = *s.Graph.StartNodeID
	}
	for _, n := range s.Nodes {
		if inDeg[n.ID] == 0 && outDeg[n.ID] == 0 && n.ID != startID {
			res.Warnings = append(res.Warnings, Issue{
				Code:       CodeIsolatedNode,
				EntityKind: "node",
				EntityID:   n.ID,
				Message:    fmt.Sprintf("node %q has no incoming or outgoing edges", n.Label),
			})
		}
		if len(n.Media) == 0 {
			res.Warnings = append(res.Warnings, Issue{
				Code:       CodeMissingMedia,
				EntityKind: "node",
				EntityID:   n.ID,
				Message:    fmt.Sprintf("node %q has no media references", n.Label),
			})
			if n.Kind == domain.NodeKindVideoReference {
				res.Warnings = append(res.Warnings, Issue{
					Code:       CodeVideoReferenceBare,
					EntityKind: "node",
					EntityID:   n.ID,
					Message:    fmt.Sprintf("node %q is a video-reference but carries no media", n.Label),
				})
			}
		}
	}
	for _, e := range s.Edges {
		if len(e.Media) == 0 {
			res.Warnings = append(res.Warnings, Issue{
				Code:       CodeMissingMedia,
				EntityKind: "edge",
				EntityID:   e.ID,
				Message:    fmt.Sprintf("edge %s -> %s (%s) has no media references", e.SourceID, e.TargetID, e.Kind),
			})
		}
	}
	return res
}

// cycleWarnings reports each strongly connected component of size > 1, and
// each self-loop, as a single warning listing the participating nodes in
// creation order. One warning per component, not per edge, keeps densely
// looped subgraphs from spamming the result.
func cycleWarnings(s domain.Snapshot, nodeIdx map[string]int) []Issue {
	adj := make(map[int][]int, len(s.Nodes))
	for _, e := range s.Edges {
		si, ok1 := nodeIdx[e.SourceID]
		ti, ok2 := nodeIdx[e.TargetID]
		if !ok1 || !ok2 {
			continue
		}
		adj[si] = append(adj[si], ti)
	}

	// Tarjan's SCC, iterative to survive deep chains.
	n := len(s.Nodes)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	var comps [][]int
	counter := 0

	type frame struct {
		v, child int
	}
	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}
		frames := []frame{{v: start}}
		index[start] = counter
		low[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true
		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.child < len(adj[f.v]) {
				w := adj[f.v][f.child]
				f.child++
				if index[w] == -1 {
					index[w] = counter
					low[w] = counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w})
				} else if onStack[w] && index[w] < low[f.v] {
					low[f.v] = index[w]
				}
				continue
			}
			if low[f.v] == index[f.v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == f.v {
						break
					}
				}
				if len(comp) > 1 {
					comps = append(comps, comp)
				}
			}
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if low[f.v] < low[parent.v] {
					low[parent.v] = low[f.v]
				}
			}
		}
	}

	selfLoop := make(map[int]bool)
	for _, e := range s.Edges {
		if e.SourceID == e.TargetID {
			if i, ok := nodeIdx[e.SourceID]; ok {
				selfLoop[i] = true
			}
		}
	}

	// Order components, and nodes within each, by creation order.
	inComp := make(map[int]bool)
	var issues []Issue
	emit := func(members []int) {
		sortInts(members)
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, s.Nodes[m].ID)
			inComp[m] = true
		}
		issues = append(issues, Issue{
			Code:       CodeCycle,
			EntityKind: "graph",
			NodeIDs:    ids,
			Message:    fmt.Sprintf("directed cycle through %d node(s)", len(ids)),
		})
	}
	ordered := make([][]int, len(comps))
	copy(ordered, comps)
	sortComps(ordered)
	for _, comp := range ordered {
		emit(comp)
	}
	for i := 0; i < n; i++ {
		if selfLoop[i] && !inComp[i] {
			emit([]int{i})
		}
	}
	return issues
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

func sortComps(comps [][]int) {
	minOf := func(c []int) int {
		m := c[0]
		for _, v := range c[1:] {
			if v < m {
				m = v
			}
		}
		return m
	}
	for i := 1; i < len(comps); i++ {
		for j := i; j > 0 && minOf(comps[j]) < minOf(comps[j-1]); j-- {
			comps[j], comps[j-1] = comps[j-1], comps[j]
		}
	}
}
