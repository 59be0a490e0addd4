package repo

import (
	"context"
	"database/sql"

	"matflow/internal/domain"
)

const cardCols = `id,graph_id,unit_type,unit_id,state,interval_days,ease_factor,reps,lapses,last_reviewed,next_due,active,created_at,updated_at`

func scanCard(scan func(dest ...any) error) (domain.Card, error) {
	var c domain.Card
	var lastReviewed, nextDue sql.NullString
	var active int
	err := scan(&c.ID, &c.GraphID, &c.UnitType, &c.UnitID, &c.State, &c.IntervalDays, &c.EaseFactor, &c.Reps, &c.Lapses, &lastReviewed, &nextDue, &active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lastReviewed.Valid {
		c.LastReviewed = lastReviewed.String
	}
	if nextDue.Valid {
		c.NextDue = nextDue.String
	}
	c.Active = active == 1
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO srs_cards(id,graph_id,unit_type,unit_id,state,interval_days,ease_factor,reps,lapses,last_reviewed,next_due,active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.GraphID, c.UnitType, c.UnitID, c.State, c.IntervalDays, c.EaseFactor, c.Reps, c.Lapses, nullable(c.LastReviewed), nullable(c.NextDue), boolToInt(c.Active), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) UpdateCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `UPDATE srs_cards SET state=?, interval_days=?, ease_factor=?, reps=?, lapses=?, last_reviewed=?, next_due=?, active=?, updated_at=? WHERE id=?`,
		c.State, c.IntervalDays, c.EaseFactor, c.Reps, c.Lapses, nullable(c.LastReviewed), nullable(c.NextDue), boolToInt(c.Active), c.UpdatedAt, c.ID)
	return err
}

func (r Repo) GetCardByUnit(ctx context.Context, graphID, unitType, unitID string) (domain.Card, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cardCols+` FROM srs_cards WHERE graph_id=? AND unit_type=? AND unit_id=?`, graphID, unitType, unitID)
	return scanCard(row.Scan)
}

func (r Repo) GetCardByUnitTx(ctx context.Context, tx *sql.Tx, graphID, unitType, unitID string) (domain.Card, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+cardCols+` FROM srs_cards WHERE graph_id=? AND unit_type=? AND unit_id=?`, graphID, unitType, unitID)
	return scanCard(row.Scan)
}

// DeactivateCards orphans the cards keyed to the given units. History is
// kept; the cards just stop appearing in the due-queue.
func (r Repo) DeactivateCards(ctx context.Context, tx *sql.Tx, graphID, unitType string, unitIDs []string, now string) error {
	for _, id := range unitIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE srs_cards SET active=0, updated_at=? WHERE graph_id=? AND unit_type=? AND unit_id=?`, now, graphID, unitType, id); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateGraphCards orphans every card of a graph (graph deletion).
func (r Repo) DeactivateGraphCards(ctx context.Context, tx *sql.Tx, graphID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE srs_cards SET active=0, updated_at=? WHERE graph_id=?`, now, graphID)
	return err
}

// DueCards returns active cards whose unit still exists and whose due date
// has arrived, most overdue first, then weakest ease, then card id. The
// ordering is a scheduler fairness contract, not a presentation choice.
func (r Repo) DueCards(ctx context.Context, graphID, now string) ([]domain.Card, error) {
	query := `SELECT c.id,c.graph_id,c.unit_type,c.unit_id,c.state,c.interval_days,c.ease_factor,c.reps,c.lapses,c.last_reviewed,c.next_due,c.active,c.created_at,c.updated_at FROM srs_cards c
WHERE c.graph_id=? AND c.active=1 AND c.next_due IS NOT NULL AND c.next_due<=?
AND ((c.unit_type='node' AND EXISTS (SELECT 1 FROM nodes n WHERE n.id=c.unit_id AND n.graph_id=c.graph_id))
  OR (c.unit_type='edge' AND EXISTS (SELECT 1 FROM edges e WHERE e.id=c.unit_id AND e.graph_id=c.graph_id)))
ORDER BY c.next_due ASC, c.ease_factor ASC, c.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, graphID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ActiveEdgeCards returns the active cards for edges of a graph, for drill
// generation bias.
func (r Repo) ActiveEdgeCards(ctx context.Context, graphID string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardCols+` FROM srs_cards WHERE graph_id=? AND unit_type='edge' AND active=1`, graphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertReview appends the review history row backing idempotence. The
// UNIQUE(card_id, reviewed_at) constraint turns a replayed outcome into a
// constraint violation the engine maps to DuplicateReview.
func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rev domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(card_id,quality,reviewed_at,actor_id) VALUES (?,?,?,?)`,
		rev.CardID, rev.Quality, rev.ReviewedAt, rev.ActorID)
	return err
}

func (r Repo) ListReviews(ctx context.Context, cardID string, limit int) ([]domain.Review, error) {
	query := `SELECT id,card_id,quality,reviewed_at,actor_id FROM reviews WHERE card_id=? ORDER BY reviewed_at DESC, id DESC`
	args := []any{cardID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rev domain.Review
		if err := rows.Scan(&rev.ID, &rev.CardID, &rev.Quality, &rev.ReviewedAt, &rev.ActorID); err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
