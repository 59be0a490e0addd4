package domain

// Node and edge kinds. Kind is immutable after creation; changing the
// semantics of a unit requires delete + recreate so SRS cards keyed to
// kind-specific rules never drift silently.
const (
	NodeKindPosition       = "position"
	NodeKindTechnique      = "technique"
	NodeKindCheckpoint     = "checkpoint"
	NodeKindVideoReference = "video-reference"

	EdgeKindPass       = "pass"
	EdgeKindSweep      = "sweep"
	EdgeKindSubmission = "submission"
	EdgeKindEscape     = "escape"
	EdgeKindTransition = "transition"
)

type Graph struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	GroupID     *string `json:"group_id,omitempty"`
	Title       string  `json:"title"`
	Visibility  string  `json:"visibility" enum:"private,group,public"`
	Belt        string  `json:"belt,omitempty"`
	StartNodeID *string `json:"start_node_id,omitempty"`
	Version     int64   `json:"version"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// MediaRef points at an externally hosted video segment. The core never
// inspects content; resolution to a playable URL is the media store's job.
type MediaRef struct {
	VideoID  string `json:"video_id"`
	StartSec *int   `json:"start_sec,omitempty"`
	EndSec   *int   `json:"end_sec,omitempty"`
	Note     string `json:"note,omitempty"`
}

// NodeStats are practice statistics recorded against a node.
type NodeStats struct {
	Attempts      int     `json:"attempts"`
	SuccessRate   float64 `json:"success_rate"`
	LastPracticed string  `json:"last_practiced,omitempty" format:"date-time"`
}

type Node struct {
	ID         string     `json:"id"`
	GraphID    string     `json:"graph_id"`
	Kind       string     `json:"kind" enum:"position,technique,checkpoint,video-reference"`
	Label      string     `json:"label"`
	Tags       []string   `json:"tags,omitempty"`
	Belt       string     `json:"belt,omitempty"`
	Difficulty int        `json:"difficulty" minimum:"1" maximum:"5"`
	Media      []MediaRef `json:"media,omitempty"`
	Stats      *NodeStats `json:"stats,omitempty"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
	UpdatedAt  string     `json:"updated_at" format:"date-time"`
}

type Edge struct {
	ID            string     `json:"id"`
	GraphID       string     `json:"graph_id"`
	SourceID      string     `json:"source_id"`
	TargetID      string     `json:"target_id"`
	Kind          string     `json:"kind" enum:"pass,sweep,submission,escape,transition"`
	Tags          []string   `json:"tags,omitempty"`
	PointValue    int        `json:"point_value,omitempty"`
	Risk          int        `json:"risk" minimum:"1" maximum:"5"`
	Media         []MediaRef `json:"media,omitempty"`
	SRSWeight     *float64   `json:"srs_weight,omitempty"`
	Preconditions []string   `json:"preconditions,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

// Snapshot is an immutable view of one graph at a specific version. Nodes
// and edges are flat arenas ordered by creation; edges reference node ids
// as plain values, never pointers.
type Snapshot struct {
	Graph Graph  `json:"graph"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeIndex maps node id to position in the Nodes arena.
func (s Snapshot) NodeIndex() map[string]int {
	idx := make(map[string]int, len(s.Nodes))
	for i, n := range s.Nodes {
		idx[n.ID] = i
	}
	return idx
}

// EdgeIndex maps edge id to position in the Edges arena.
func (s Snapshot) EdgeIndex() map[string]int {
	idx := make(map[string]int, len(s.Edges))
	for i, e := range s.Edges {
		idx[e.ID] = i
	}
	return idx
}

// OutEdges groups edge arena positions by source node id, preserving
// creation order within each group.
func (s Snapshot) OutEdges() map[string][]int {
	out := make(map[string][]int, len(s.Nodes))
	for i, e := range s.Edges {
		out[e.SourceID] = append(out[e.SourceID], i)
	}
	return out
}

// Reviewable unit types for SRS cards and sparring events.
const (
	UnitNode = "node"
	UnitEdge = "edge"
)

// Card is one SRS review card. It references its graph unit by id only; a
// structural delete marks it inactive instead of removing review history.
type Card struct {
	ID           string  `json:"id"`
	GraphID      string  `json:"graph_id"`
	UnitType     string  `json:"unit_type" enum:"node,edge"`
	UnitID       string  `json:"unit_id"`
	State        string  `json:"state" enum:"new,learning,review,lapsed"`
	IntervalDays int     `json:"interval_days"`
	EaseFactor   float64 `json:"ease_factor"`
	Reps         int     `json:"reps"`
	Lapses       int     `json:"lapses"`
	LastReviewed string  `json:"last_reviewed,omitempty" format:"date-time"`
	NextDue      string  `json:"next_due,omitempty" format:"date-time"`
	Active       bool    `json:"active"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Key returns the card's stable review key, e.g. "edge:<uuid>".
func (c Card) Key() string { return c.UnitType + ":" + c.UnitID }

type Review struct {
	ID         int64  `json:"id"`
	CardID     string `json:"card_id"`
	Quality    int    `json:"quality" minimum:"1" maximum:"5"`
	ReviewedAt string `json:"reviewed_at" format:"date-time"`
	ActorID    string `json:"actor_id"`
}

// SparringEvent is one entry from the sparring-log collaborator. The core
// only appends and folds; it never rewrites history.
type SparringEvent struct {
	ID         int64  `json:"id"`
	GraphID    string `json:"graph_id"`
	UnitType   string `json:"unit_type" enum:"node,edge"`
	UnitID     string `json:"unit_id"`
	Success    bool   `json:"success"`
	OccurredAt string `json:"occurred_at" format:"date-time"`
	Source     string `json:"source,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GraphID    string `json:"graph_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidNodeKind reports whether k is a recognized node kind.
func ValidNodeKind(k string) bool {
	switch k {
	case NodeKindPosition, NodeKindTechnique, NodeKindCheckpoint, NodeKindVideoReference:
		return true
	}
	return false
}

// ValidEdgeKind reports whether k is a recognized edge kind.
func ValidEdgeKind(k string) bool {
	switch k {
	case EdgeKindPass, EdgeKindSweep, EdgeKindSubmission, EdgeKindEscape, EdgeKindTransition:
		return true
	}
	return false
}

// ValidVisibility reports whether v is a recognized graph visibility.
func ValidVisibility(v string) bool {
	return v == "private" || v == "group" || v == "public"
}
