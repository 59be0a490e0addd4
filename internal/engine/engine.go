package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matflow/internal/config"
	"matflow/internal/domain"
	"matflow/internal/engine/auth"
	"matflow/internal/events"
	"matflow/internal/repo"
	"matflow/internal/validate"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ErrStaleVersion is returned when a mutation carries a version token that
// no longer matches the stored graph version.
var ErrStaleVersion = errors.New("stale version")

// ErrDuplicateReview is returned when a review outcome replays an already
// recorded (card, timestamp) pair.
var ErrDuplicateReview = errors.New("duplicate review")

// ValidationFailedError blocks publish; it carries the validator result so
// callers can show every error, not only the first.
type ValidationFailedError struct {
	Result validate.Result
}

func (e ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed: %d error(s)", len(e.Result.Errors))
}

// bump advances the graph version inside tx, failing with ErrStaleVersion
// when the caller's token lost the race. Every structural mutation goes
// through here; reads of an unchanged graph never bump.
func (e Engine) bump(ctx context.Context, tx *sql.Tx, graphID string, version int64) error {
	ok, err := e.Repo.BumpGraphVersion(ctx, tx, graphID, version, e.nowStr())
	if err != nil {
		return err
	}
	if !ok {
		// Distinguish a missing graph from a stale token.
		if _, gerr := e.Repo.GetGraphTx(ctx, tx, graphID); gerr != nil {
			return gerr
		}
		return ErrStaleVersion
	}
	return nil
}

// editableGraph loads the graph inside tx and checks edit permission.
func (e Engine) editableGraph(ctx context.Context, tx *sql.Tx, graphID string, p auth.Principal) (domain.Graph, error) {
	g, err := e.Repo.GetGraphTx(ctx, tx, graphID)
	if err != nil {
		return domain.Graph{}, err
	}
	if err := auth.RequireEdit(g, p); err != nil {
		return domain.Graph{}, err
	}
	return g, nil
}

// GraphCreateOptions are parameters for creating a graph.
type GraphCreateOptions struct {
	Title      string
	Visibility string
	Belt       string
	GroupID    string
}

func (e Engine) CreateGraph(ctx context.Context, opts GraphCreateOptions, p auth.Principal) (domain.Graph, error) {
	if opts.Title == "" {
		return domain.Graph{}, errors.New("title is required")
	}
	if opts.Visibility == "" {
		opts.Visibility = "private"
	}
	if !domain.ValidVisibility(opts.Visibility) {
		return domain.Graph{}, fmt.Errorf("invalid visibility %q", opts.Visibility)
	}
	if opts.Visibility == "group" && opts.GroupID == "" {
		return domain.Graph{}, errors.New("group visibility requires a group")
	}
	if p.UserID == "" {
		return domain.Graph{}, errors.New("actor is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Graph{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	g := domain.Graph{
		ID:         uuid.NewString(),
		OwnerID:    p.UserID,
		Title:      opts.Title,
		Visibility: opts.Visibility,
		Belt:       opts.Belt,
		Version:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if opts.GroupID != "" {
		g.GroupID = &opts.GroupID
	}
	if err := e.Repo.InsertGraph(ctx, tx, g); err != nil {
		return domain.Graph{}, fmt.Errorf("insert graph: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "graph.create", g.ID, "graph", g.ID, p.UserID, events.EventPayload{"title": g.Title, "visibility": g.Visibility}); err != nil {
		return domain.Graph{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Graph{}, err
	}
	return g, nil
}

// GraphUpdateOptions carries metadata changes. Nil fields are untouched.
type GraphUpdateOptions struct {
	Title       *string
	Visibility  *string
	Belt        *string
	GroupID     *string
	StartNodeID *string
	Version     int64
}

func (e Engine) UpdateGraph(ctx context.Context, graphID string, opts GraphUpdateOptions, p auth.Principal) (domain.Graph, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Graph{}, err
	}
	defer tx.Rollback()

	g, err := e.editableGraph(ctx, tx, graphID, p)
	if err != nil {
		return domain.Graph{}, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Graph{}, errors.New("title is required")
		}
		g.Title = *opts.Title
	}
	if opts.Visibility != nil {
		if !domain.ValidVisibility(*opts.Visibility) {
			return domain.Graph{}, fmt.Errorf("invalid visibility %q", *opts.Visibility)
		}
		g.Visibility = *opts.Visibility
	}
	if opts.Belt != nil {
		g.Belt = *opts.Belt
	}
	if opts.GroupID != nil {
		if *opts.GroupID == "" {
			g.GroupID = nil
		} else {
			g.GroupID = opts.GroupID
		}
	}
	if opts.StartNodeID != nil {
		if *opts.StartNodeID == "" {
			g.StartNodeID = nil
		} else {
			if _, err := e.Repo.GetNodeTx(ctx, tx, graphID, *opts.StartNodeID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return domain.Graph{}, fmt.Errorf("start node %s not in graph", *opts.StartNodeID)
				}
				return domain.Graph{}, err
			}
			g.StartNodeID = opts.StartNodeID
		}
	}
	if g.Visibility == "group" && g.GroupID == nil {
		return domain.Graph{}, errors.New("group visibility requires a group")
	}

	if err := e.bump(ctx, tx, graphID, opts.Version); err != nil {
		return domain.Graph{}, err
	}
	g.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateGraphMeta(ctx, tx, g); err != nil {
		return domain.Graph{}, fmt.Errorf("update graph: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "graph.update", g.ID, "graph", g.ID, p.UserID, events.EventPayload{"title": g.Title, "visibility": g.Visibility}); err != nil {
		return domain.Graph{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Graph{}, err
	}
	g.Version++
	return g, nil
}

func (e Engine) DeleteGraph(ctx context.Context, graphID string, version int64, p auth.Principal) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	g, err := e.editableGraph(ctx, tx, graphID, p)
	if err != nil {
		return err
	}
	if g.Version != version {
		return ErrStaleVersion
	}
	if err := e.Repo.DeactivateGraphCards(ctx, tx, graphID, e.nowStr()); err != nil {
		return fmt.Errorf("deactivate cards: %w", err)
	}
	if err := e.Repo.DeleteGraph(ctx, tx, graphID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "graph.delete", graphID, "graph", graphID, p.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSnapshot returns the graph with its node and edge arenas, enforcing
// view permission.
func (e Engine) GetSnapshot(ctx context.Context, graphID string, p auth.Principal) (domain.Snapshot, error) {
	s, err := e.Repo.Snapshot(ctx, graphID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := auth.RequireView(s.Graph, p); err != nil {
		return domain.Snapshot{}, err
	}
	return s, nil
}

func (e Engine) GetGraph(ctx context.Context, graphID string, p auth.Principal) (domain.Graph, error) {
	g, err := e.Repo.GetGraph(ctx, graphID)
	if err != nil {
		return domain.Graph{}, err
	}
	if err := auth.RequireView(g, p); err != nil {
		return domain.Graph{}, err
	}
	return g, nil
}

func (e Engine) ListGraphs(ctx context.Context, f repo.GraphFilters, p auth.Principal) ([]domain.Graph, error) {
	f.ViewerID = p.UserID
	f.ViewerGroups = p.Groups
	return e.Repo.ListGraphs(ctx, f)
}

// NodeCreateOptions are parameters for adding a node.
type NodeCreateOptions struct {
	Kind       string
	Label      string
	Tags       []string
	Belt       string
	Difficulty int
	Media      []domain.MediaRef
	Version    int64
}

func (e Engine) CreateNode(ctx context.Context, graphID string, opts NodeCreateOptions, p auth.Principal) (domain.Node, domain.Snapshot, error) {
	if opts.Label == "" {
		return domain.Node{}, domain.Snapshot{}, errors.New("label is required")
	}
	if !domain.ValidNodeKind(opts.Kind) {
		return domain.Node{}, domain.Snapshot{}, fmt.Errorf("invalid node kind %q", opts.Kind)
	}
	if opts.Difficulty != 0 && (opts.Difficulty < 1 || opts.Difficulty > 5) {
		return domain.Node{}, domain.Snapshot{}, errors.New("difficulty must be 1-5")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	defer tx.Rollback()

	if _, err := e.editableGraph(ctx, tx, graphID, p); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	if err := e.bump(ctx, tx, graphID, opts.Version); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	now := e.nowStr()
	n := domain.Node{
		ID:         uuid.NewString(),
		GraphID:    graphID,
		Kind:       opts.Kind,
		Label:      opts.Label,
		Tags:       opts.Tags,
		Belt:       opts.Belt,
		Difficulty: opts.Difficulty,
		Media:      opts.Media,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertNode(ctx, tx, n); err != nil {
		return domain.Node{}, domain.Snapshot{}, fmt.Errorf("insert node: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "node.create", graphID, "node", n.ID, p.UserID, events.EventPayload{"kind": n.Kind, "label": n.Label}); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	snap, err := e.Repo.SnapshotTx(ctx, tx, graphID)
	if err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	return n, snap, nil
}

// NodeUpdateOptions carries node changes. Kind is immutable; there is no
// field for it here on purpose.
type NodeUpdateOptions struct {
	Label      *string
	Tags       *[]string
	Belt       *string
	Difficulty *int
	Media      *[]domain.MediaRef
	Stats      *domain.NodeStats
	Version    int64
}

func (e Engine) UpdateNode(ctx context.Context, graphID, nodeID string, opts NodeUpdateOptions, p auth.Principal) (domain.Node, domain.Snapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	defer tx.Rollback()

	if _, err := e.editableGraph(ctx, tx, graphID, p); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	n, err := e.Repo.GetNodeTx(ctx, tx, graphID, nodeID)
	if err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	if opts.Label != nil {
		if *opts.Label == "" {
			return domain.Node{}, domain.Snapshot{}, errors.New("label is required")
		}
		n.Label = *opts.Label
	}
	if opts.Tags != nil {
		n.Tags = *opts.Tags
	}
	if opts.Belt != nil {
		n.Belt = *opts.Belt
	}
	if opts.Difficulty != nil {
		if *opts.Difficulty < 1 || *opts.Difficulty > 5 {
			return domain.Node{}, domain.Snapshot{}, errors.New("difficulty must be 1-5")
		}
		n.Difficulty = *opts.Difficulty
	}
	if opts.Media != nil {
		n.Media = *opts.Media
	}
	if opts.Stats != nil {
		n.Stats = opts.Stats
	}

	if err := e.bump(ctx, tx, graphID, opts.Version); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	n.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateNode(ctx, tx, n); err != nil {
		return domain.Node{}, domain.Snapshot{}, fmt.Errorf("update node: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "node.update", graphID, "node", n.ID, p.UserID, events.EventPayload{"label": n.Label}); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	snap, err := e.Repo.SnapshotTx(ctx, tx, graphID)
	if err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, domain.Snapshot{}, err
	}
	return n, snap, nil
}

// DeleteNode removes the node and every incident edge in one transaction,
// orphaning the SRS cards of everything removed. Review history is kept.
func (e Engine) DeleteNode(ctx context.Context, graphID, nodeID string, version int64, p auth.Principal) (domain.Snapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback()

	g, err := e.editableGraph(ctx, tx, graphID, p)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if _, err := e.Repo.GetNodeTx(ctx, tx, graphID, nodeID); err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.bump(ctx, tx, graphID, version); err != nil {
		return domain.Snapshot{}, err
	}

	edgeIDs, err := e.Repo.DeleteEdgesIncidentTo(ctx, tx, graphID, nodeID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("delete incident edges: %w", err)
	}
	if err := e.Repo.DeleteNode(ctx, tx, graphID, nodeID); err != nil {
		return domain.Snapshot{}, err
	}
	now := e.nowStr()
	if err := e.Repo.DeactivateCards(ctx, tx, graphID, domain.UnitNode, []string{nodeID}, now); err != nil {
		return domain.Snapshot{}, fmt.Errorf("deactivate node cards: %w", err)
	}
	if err := e.Repo.DeactivateCards(ctx, tx, graphID, domain.UnitEdge, edgeIDs, now); err != nil {
		return domain.Snapshot{}, fmt.Errorf("deactivate edge cards: %w", err)
	}
	if g.StartNodeID != nil && *g.StartNodeID == nodeID {
		g.StartNodeID = nil
		g.UpdatedAt = now
		if err := e.Repo.UpdateGraphMeta(ctx, tx, g); err != nil {
			return domain.Snapshot{}, fmt.Errorf("clear start node: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "node.delete", graphID, "node", nodeID, p.UserID, events.EventPayload{"cascade_edges": len(edgeIDs)}); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := e.Repo.SnapshotTx(ctx, tx, graphID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// EdgeCreateOptions are parameters for adding an edge. Parallel edges
// between the same endpoints are allowed; the validator warns, it does not
// reject.
type EdgeCreateOptions struct {
	SourceID      string
	TargetID      string
	Kind          string
	Tags          []string
	PointValue    int
	Risk          int
	Media         []domain.MediaRef
	SRSWeight     *float64
	Preconditions []string
	Version       int64
}

func (e Engine) CreateEdge(ctx context.Context, graphID string, opts EdgeCreateOptions, p auth.Principal) (domain.Edge, domain.Snapshot, error) {
	if !domain.ValidEdgeKind(opts.Kind) {
		return domain.Edge{}, domain.Snapshot{}, fmt.Errorf("invalid edge kind %q", opts.Kind)
	}
	if opts.Risk != 0 && (opts.Risk < 1 || opts.Risk > 5) {
		return domain.Edge{}, domain.Snapshot{}, errors.New("risk must be 1-5")
	}
	if opts.SRSWeight != nil && *opts.SRSWeight <= 0 {
		return domain.Edge{}, domain.Snapshot{}, errors.New("srs weight must be positive")
	}
	if opts.SourceID == opts.TargetID && opts.Kind != domain.EdgeKindTransition {
		return domain.Edge{}, domain.Snapshot{}, fmt.Errorf("self-loop requires kind %s", domain.EdgeKindTransition)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	defer tx.Rollback()

	if _, err := e.editableGraph(ctx, tx, graphID, p); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	for _, nodeID := range []string{opts.SourceID, opts.TargetID} {
		if _, err := e.Repo.GetNodeTx(ctx, tx, graphID, nodeID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Edge{}, domain.Snapshot{}, fmt.Errorf("endpoint %s not in graph", nodeID)
			}
			return domain.Edge{}, domain.Snapshot{}, err
		}
	}
	if err := e.bump(ctx, tx, graphID, opts.Version); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	now := e.nowStr()
	ed := domain.Edge{
		ID:            uuid.NewString(),
		GraphID:       graphID,
		SourceID:      opts.SourceID,
		TargetID:      opts.TargetID,
		Kind:          opts.Kind,
		Tags:          opts.Tags,
		PointValue:    opts.PointValue,
		Risk:          opts.Risk,
		Media:         opts.Media,
		SRSWeight:     opts.SRSWeight,
		Preconditions: opts.Preconditions,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertEdge(ctx, tx, ed); err != nil {
		return domain.Edge{}, domain.Snapshot{}, fmt.Errorf("insert edge: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "edge.create", graphID, "edge", ed.ID, p.UserID, events.EventPayload{"kind": ed.Kind, "source": ed.SourceID, "target": ed.TargetID}); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	snap, err := e.Repo.SnapshotTx(ctx, tx, graphID)
	if err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	return ed, snap, nil
}

// EdgeUpdateOptions carries edge changes. Endpoints and kind are immutable.
type EdgeUpdateOptions struct {
	Tags          *[]string
	PointValue    *int
	Risk          *int
	Media         *[]domain.MediaRef
	SRSWeight     **float64
	Preconditions *[]string
	Version       int64
}

func (e Engine) UpdateEdge(ctx context.Context, graphID, edgeID string, opts EdgeUpdateOptions, p auth.Principal) (domain.Edge, domain.Snapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	defer tx.Rollback()

	if _, err := e.editableGraph(ctx, tx, graphID, p); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	ed, err := e.Repo.GetEdgeTx(ctx, tx, graphID, edgeID)
	if err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	if opts.Tags != nil {
		ed.Tags = *opts.Tags
	}
	if opts.PointValue != nil {
		ed.PointValue = *opts.PointValue
	}
	if opts.Risk != nil {
		if *opts.Risk < 1 || *opts.Risk > 5 {
			return domain.Edge{}, domain.Snapshot{}, errors.New("risk must be 1-5")
		}
		ed.Risk = *opts.Risk
	}
	if opts.Media != nil {
		ed.Media = *opts.Media
	}
	if opts.SRSWeight != nil {
		if *opts.SRSWeight != nil && **opts.SRSWeight <= 0 {
			return domain.Edge{}, domain.Snapshot{}, errors.New("srs weight must be positive")
		}
		ed.SRSWeight = *opts.SRSWeight
	}
	if opts.Preconditions != nil {
		ed.Preconditions = *opts.Preconditions
	}

	if err := e.bump(ctx, tx, graphID, opts.Version); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	ed.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateEdge(ctx, tx, ed); err != nil {
		return domain.Edge{}, domain.Snapshot{}, fmt.Errorf("update edge: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "edge.update", graphID, "edge", ed.ID, p.UserID, nil); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	snap, err := e.Repo.SnapshotTx(ctx, tx, graphID)
	if err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Edge{}, domain.Snapshot{}, err
	}
	return ed, snap, nil
}

func (e Engine) DeleteEdge(ctx context.Context, graphID, edgeID string, version int64, p auth.Principal) (domain.Snapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback()

	if _, err := e.editableGraph(ctx, tx, graphID, p); err != nil {
		return domain.Snapshot{}, err
	}
	if _, err := e.Repo.GetEdgeTx(ctx, tx, graphID, edgeID); err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.bump(ctx, tx, graphID, version); err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.Repo.DeleteEdge(ctx, tx, graphID, edgeID); err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.Repo.DeactivateCards(ctx, tx, graphID, domain.UnitEdge, []string{edgeID}, e.nowStr()); err != nil {
		return domain.Snapshot{}, fmt.Errorf("deactivate edge card: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "edge.delete", graphID, "edge", edgeID, p.UserID, nil); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := e.Repo.SnapshotTx(ctx, tx, graphID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// Validate runs the structural checks without touching the graph.
func (e Engine) Validate(ctx context.Context, graphID string, p auth.Principal) (validate.Result, error) {
	s, err := e.GetSnapshot(ctx, graphID, p)
	if err != nil {
		return validate.Result{}, err
	}
	return validate.Snapshot(s), nil
}

// Publish validates and, when clean of errors, switches the graph to the
// requested visibility. Warnings never block a publish.
func (e Engine) Publish(ctx context.Context, graphID string, version int64, visibility string, p auth.Principal) (domain.Graph, validate.Result, error) {
	if visibility == "" {
		visibility = "public"
	}
	if !domain.ValidVisibility(visibility) {
		return domain.Graph{}, validate.Result{}, fmt.Errorf("invalid visibility %q", visibility)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Graph{}, validate.Result{}, err
	}
	defer tx.Rollback()

	g, err := e.editableGraph(ctx, tx, graphID, p)
	if err != nil {
		return domain.Graph{}, validate.Result{}, err
	}
	if visibility == "group" && g.GroupID == nil {
		return domain.Graph{}, validate.Result{}, errors.New("group visibility requires a group")
	}
	snap, err := e.Repo.SnapshotTx(ctx, tx, graphID)
	if err != nil {
		return domain.Graph{}, validate.Result{}, err
	}
	res := validate.Snapshot(snap)
	if !res.OK() {
		return domain.Graph{}, res, ValidationFailedError{Result: res}
	}
	if err := e.bump(ctx, tx, graphID, version); err != nil {
		return domain.Graph{}, res, err
	}
	g.Visibility = visibility
	g.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateGraphMeta(ctx, tx, g); err != nil {
		return domain.Graph{}, res, fmt.Errorf("publish graph: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "graph.publish", g.ID, "graph", g.ID, p.UserID, events.EventPayload{"visibility": visibility, "warnings": len(res.Warnings)}); err != nil {
		return domain.Graph{}, res, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Graph{}, res, err
	}
	g.Version++
	return g, res, nil
}

// Events returns the audit trail for a graph, newest first.
func (e Engine) GraphEvents(ctx context.Context, graphID string, limit int, cursor int64, p auth.Principal) ([]domain.Event, error) {
	g, err := e.Repo.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireView(g, p); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, graphID, "")
}
