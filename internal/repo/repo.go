package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"matflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const graphCols = `id,owner_id,group_id,title,visibility,COALESCE(belt,''),start_node_id,version,created_at,updated_at`

func scanGraph(scan func(dest ...any) error) (domain.Graph, error) {
	var g domain.Graph
	var groupID, startNode sql.NullString
	err := scan(&g.ID, &g.OwnerID, &groupID, &g.Title, &g.Visibility, &g.Belt, &startNode, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if groupID.Valid {
		g.GroupID = &groupID.String
	}
	if startNode.Valid {
		g.StartNodeID = &startNode.String
	}
	return g, nil
}

func (r Repo) InsertGraph(ctx context.Context, tx *sql.Tx, g domain.Graph) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO graphs(id,owner_id,group_id,title,visibility,belt,start_node_id,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.OwnerID, nullableStringPtr(g.GroupID), g.Title, g.Visibility, nullable(g.Belt), nullableStringPtr(g.StartNodeID), g.Version, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) GetGraph(ctx context.Context, id string) (domain.Graph, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+graphCols+` FROM graphs WHERE id=?`, id)
	return scanGraph(row.Scan)
}

func (r Repo) GetGraphTx(ctx context.Context, tx *sql.Tx, id string) (domain.Graph, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+graphCols+` FROM graphs WHERE id=?`, id)
	return scanGraph(row.Scan)
}

type GraphFilters struct {
	OwnerID    string
	Visibility string
	// Viewer scoping: when ViewerID is set, list returns graphs the viewer
	// owns, public graphs, and group graphs whose group is in ViewerGroups.
	ViewerID     string
	ViewerGroups []string
}

func (r Repo) ListGraphs(ctx context.Context, f GraphFilters) ([]domain.Graph, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Visibility != "" {
		clauses = append(clauses, "visibility=?")
		args = append(args, f.Visibility)
	}
	if f.ViewerID != "" {
		access := []string{"owner_id=?", "visibility='public'"}
		args = append(args, f.ViewerID)
		if len(f.ViewerGroups) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.ViewerGroups)), ",")
			access = append(access, "(visibility='group' AND group_id IN ("+placeholders+"))")
			for _, g := range f.ViewerGroups {
				args = append(args, g)
			}
		}
		clauses = append(clauses, "("+strings.Join(access, " OR ")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+graphCols+` FROM graphs `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Graph
	for rows.Next() {
		g, err := scanGraph(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// BumpGraphVersion is the optimistic-concurrency gate: the UPDATE matches
// only when the caller's token equals the stored version, so a stale token
// bumps nothing. Returns true when the version advanced.
func (r Repo) BumpGraphVersion(ctx context.Context, tx *sql.Tx, graphID string, version int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE graphs SET version=version+1, updated_at=? WHERE id=? AND version=?`, now, graphID, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) UpdateGraphMeta(ctx context.Context, tx *sql.Tx, g domain.Graph) error {
	_, err := tx.ExecContext(ctx, `UPDATE graphs SET title=?, visibility=?, belt=?, group_id=?, start_node_id=?, updated_at=? WHERE id=?`,
		g.Title, g.Visibility, nullable(g.Belt), nullableStringPtr(g.GroupID), nullableStringPtr(g.StartNodeID), g.UpdatedAt, g.ID)
	return err
}

func (r Repo) DeleteGraph(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM graphs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- nodes ---

const nodeCols = `id,graph_id,kind,label,tags_json,COALESCE(belt,''),difficulty,media_json,stats_json,created_at,updated_at`

func scanNode(scan func(dest ...any) error) (domain.Node, error) {
	var n domain.Node
	var tags, media, stats sql.NullString
	err := scan(&n.ID, &n.GraphID, &n.Kind, &n.Label, &tags, &n.Belt, &n.Difficulty, &media, &stats, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Tags = decodeStrings(tags)
	n.Media = decodeMedia(media)
	if stats.Valid && stats.String != "" {
		var st domain.NodeStats
		if err := json.Unmarshal([]byte(stats.String), &st); err == nil {
			n.Stats = &st
		}
	}
	return n, nil
}

func (r Repo) InsertNode(ctx context.Context, tx *sql.Tx, n domain.Node) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO nodes(id,graph_id,kind,label,tags_json,belt,difficulty,media_json,stats_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.GraphID, n.Kind, n.Label, encodeStrings(n.Tags), nullable(n.Belt), n.Difficulty, encodeMedia(n.Media), encodeStats(n.Stats), n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) UpdateNode(ctx context.Context, tx *sql.Tx, n domain.Node) error {
	res, err := tx.ExecContext(ctx, `UPDATE nodes SET label=?, tags_json=?, belt=?, difficulty=?, media_json=?, stats_json=?, updated_at=? WHERE id=? AND graph_id=?`,
		n.Label, encodeStrings(n.Tags), nullable(n.Belt), n.Difficulty, encodeMedia(n.Media), encodeStats(n.Stats), n.UpdatedAt, n.ID, n.GraphID)
	if err != nil {
		return err
	}
	if cnt, _ := res.RowsAffected(); cnt == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetNode(ctx context.Context, graphID, id string) (domain.Node, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE id=? AND graph_id=?`, id, graphID)
	return scanNode(row.Scan)
}

func (r Repo) GetNodeTx(ctx context.Context, tx *sql.Tx, graphID, id string) (domain.Node, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE id=? AND graph_id=?`, id, graphID)
	return scanNode(row.Scan)
}

func (r Repo) DeleteNode(ctx context.Context, tx *sql.Tx, graphID, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id=? AND graph_id=?`, id, graphID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listNodes(ctx context.Context, q queryer, graphID string) ([]domain.Node, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE graph_id=? ORDER BY created_at ASC, id ASC`, graphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// --- edges ---

const edgeCols = `id,graph_id,source_id,target_id,kind,tags_json,point_value,risk,media_json,srs_weight,preconditions_json,created_at,updated_at`

func scanEdge(scan func(dest ...any) error) (domain.Edge, error) {
	var e domain.Edge
	var tags, media, precond sql.NullString
	var weight sql.NullFloat64
	err := scan(&e.ID, &e.GraphID, &e.SourceID, &e.TargetID, &e.Kind, &tags, &e.PointValue, &e.Risk, &media, &weight, &precond, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Tags = decodeStrings(tags)
	e.Media = decodeMedia(media)
	e.Preconditions = decodeStrings(precond)
	if weight.Valid {
		e.SRSWeight = &weight.Float64
	}
	return e, nil
}

func (r Repo) InsertEdge(ctx context.Context, tx *sql.Tx, e domain.Edge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO edges(id,graph_id,source_id,target_id,kind,tags_json,point_value,risk,media_json,srs_weight,preconditions_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.GraphID, e.SourceID, e.TargetID, e.Kind, encodeStrings(e.Tags), e.PointValue, e.Risk, encodeMedia(e.Media), nullableFloatPtr(e.SRSWeight), encodeStrings(e.Preconditions), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEdge(ctx context.Context, tx *sql.Tx, e domain.Edge) error {
	res, err := tx.ExecContext(ctx, `UPDATE edges SET tags_json=?, point_value=?, risk=?, media_json=?, srs_weight=?, preconditions_json=?, updated_at=? WHERE id=? AND graph_id=?`,
		encodeStrings(e.Tags), e.PointValue, e.Risk, encodeMedia(e.Media), nullableFloatPtr(e.SRSWeight), encodeStrings(e.Preconditions), e.UpdatedAt, e.ID, e.GraphID)
	if err != nil {
		return err
	}
	if cnt, _ := res.RowsAffected(); cnt == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEdge(ctx context.Context, graphID, id string) (domain.Edge, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+edgeCols+` FROM edges WHERE id=? AND graph_id=?`, id, graphID)
	return scanEdge(row.Scan)
}

func (r Repo) GetEdgeTx(ctx context.Context, tx *sql.Tx, graphID, id string) (domain.Edge, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+edgeCols+` FROM edges WHERE id=? AND graph_id=?`, id, graphID)
	return scanEdge(row.Scan)
}

func (r Repo) DeleteEdge(ctx context.Context, tx *sql.Tx, graphID, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE id=? AND graph_id=?`, id, graphID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEdgesIncidentTo removes every edge touching the node and returns
// the ids of the removed edges so SRS cards can be orphaned with them.
func (r Repo) DeleteEdgesIncidentTo(ctx context.Context, tx *sql.Tx, graphID, nodeID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM edges WHERE graph_id=? AND (source_id=? OR target_id=?)`, graphID, nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE graph_id=? AND (source_id=? OR target_id=?)`, graphID, nodeID, nodeID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r Repo) listEdges(ctx context.Context, q queryer, graphID string) ([]domain.Edge, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+edgeCols+` FROM edges WHERE graph_id=? ORDER BY created_at ASC, id ASC`, graphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Edge
	for rows.Next() {
		e, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- snapshots ---

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Snapshot loads the graph with its node and edge arenas in creation order.
func (r Repo) Snapshot(ctx context.Context, graphID string) (domain.Snapshot, error) {
	g, err := r.GetGraph(ctx, graphID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return r.snapshotFor(ctx, r.DB, g)
}

// SnapshotTx loads a snapshot inside a mutation transaction so the returned
// state is exactly what the transaction committed.
func (r Repo) SnapshotTx(ctx context.Context, tx *sql.Tx, graphID string) (domain.Snapshot, error) {
	g, err := r.GetGraphTx(ctx, tx, graphID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return r.snapshotFor(ctx, tx, g)
}

func (r Repo) snapshotFor(ctx context.Context, q queryer, g domain.Graph) (domain.Snapshot, error) {
	nodes, err := r.listNodes(ctx, q, g.ID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	edges, err := r.listEdges(ctx, q, g.ID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Graph: g, Nodes: nodes, Edges: edges}, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, graphID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, graphID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, graphID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if graphID != "" {
		clauses = append(clauses, "graph_id=?")
		args = append(args, graphID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,graph_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, graphID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if graphID != "" {
		clauses = append(clauses, "graph_id=?")
		args = append(args, graphID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,graph_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID for a graph, or across
// the workspace when graphID is empty.
func (r Repo) LatestEventID(ctx context.Context, graphID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if graphID != "" {
		query += ` WHERE graph_id=?`
		args = append(args, graphID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var graphID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &graphID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if graphID.Valid {
			e.GraphID = graphID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- JSON column helpers ---

func encodeStrings(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw.String), &out)
	return out
}

func encodeMedia(in []domain.MediaRef) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func decodeMedia(raw sql.NullString) []domain.MediaRef {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []domain.MediaRef
	_ = json.Unmarshal([]byte(raw.String), &out)
	return out
}

func encodeStats(in *domain.NodeStats) any {
	if in == nil {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
