package repo

import (
	"context"
	"database/sql"
	"strings"

	"matflow/internal/domain"
)

// InsertSparringEvent appends one outcome from the sparring-log feed.
func (r Repo) InsertSparringEvent(ctx context.Context, tx *sql.Tx, ev domain.SparringEvent) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO sparring_events(graph_id,unit_type,unit_id,success,occurred_at,source) VALUES (?,?,?,?,?,?)`,
		ev.GraphID, ev.UnitType, ev.UnitID, boolToInt(ev.Success), ev.OccurredAt, nullable(ev.Source))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type SparringFilters struct {
	GraphID  string
	UnitType string
	UnitID   string
	Limit    int
}

func (r Repo) ListSparringEvents(ctx context.Context, f SparringFilters) ([]domain.SparringEvent, error) {
	clauses := []string{"graph_id=?"}
	args := []any{f.GraphID}
	if f.UnitType != "" {
		clauses = append(clauses, "unit_type=?")
		args = append(args, f.UnitType)
	}
	if f.UnitID != "" {
		clauses = append(clauses, "unit_id=?")
		args = append(args, f.UnitID)
	}
	query := `SELECT id,graph_id,unit_type,unit_id,success,occurred_at,COALESCE(source,'') FROM sparring_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SparringEvent
	for rows.Next() {
		var ev domain.SparringEvent
		var success int
		if err := rows.Scan(&ev.ID, &ev.GraphID, &ev.UnitType, &ev.UnitID, &success, &ev.OccurredAt, &ev.Source); err != nil {
			return nil, err
		}
		ev.Success = success == 1
		res = append(res, ev)
	}
	return res, rows.Err()
}
