package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"matflow/internal/domain"
	"matflow/internal/drill"
	"matflow/internal/engine/auth"
	"matflow/internal/events"
	"matflow/internal/heatmap"
	"matflow/internal/repo"
	"matflow/internal/srs"

	"github.com/google/uuid"
)

func (e Engine) srsParams() srs.Params {
	p := srs.DefaultParams()
	if e.Config == nil {
		return p
	}
	c := e.Config.SRS
	if c.InitialIntervalDays > 0 {
		p.InitialIntervalDays = c.InitialIntervalDays
	}
	if c.StartingEase > 0 {
		p.StartingEase = c.StartingEase
	}
	if c.MinEase > 0 {
		p.MinEase = c.MinEase
	}
	if c.MaxEase > 0 {
		p.MaxEase = c.MaxEase
	}
	if c.EaseBonus > 0 {
		p.EaseBonus = c.EaseBonus
	}
	if c.EasePenaltyStep > 0 {
		p.EasePenaltyStep = c.EasePenaltyStep
	}
	if c.LapseEaseDrop > 0 {
		p.LapseEaseDrop = c.LapseEaseDrop
	}
	return p
}

func cardState(c domain.Card) srs.State {
	s := srs.State{
		Phase:        c.State,
		IntervalDays: c.IntervalDays,
		Ease:         c.EaseFactor,
		Reps:         c.Reps,
		Lapses:       c.Lapses,
	}
	if c.LastReviewed != "" {
		s.LastReviewed, _ = time.Parse(time.RFC3339, c.LastReviewed)
	}
	if c.NextDue != "" {
		s.NextDue, _ = time.Parse(time.RFC3339, c.NextDue)
	}
	return s
}

func applyState(c domain.Card, s srs.State, now string) domain.Card {
	c.State = s.Phase
	c.IntervalDays = s.IntervalDays
	c.EaseFactor = s.Ease
	c.Reps = s.Reps
	c.Lapses = s.Lapses
	c.LastReviewed = s.LastReviewed.Format(time.RFC3339)
	c.NextDue = s.NextDue.Format(time.RFC3339)
	c.UpdatedAt = now
	return c
}

// ReviewOptions describe one review outcome. ReviewedAt defaults to now;
// replaying the same (unit, reviewed_at) pair fails with ErrDuplicateReview
// instead of double-scheduling.
type ReviewOptions struct {
	UnitType   string
	UnitID     string
	Quality    int
	ReviewedAt time.Time
}

// RecordReview folds one review into the unit's card, creating the card on
// first review. Card mutation and history row commit atomically.
func (e Engine) RecordReview(ctx context.Context, graphID string, opts ReviewOptions, p auth.Principal) (domain.Card, error) {
	if opts.UnitType != domain.UnitNode && opts.UnitType != domain.UnitEdge {
		return domain.Card{}, fmt.Errorf("invalid unit type %q", opts.UnitType)
	}
	if opts.Quality < srs.MinQuality || opts.Quality > srs.MaxQuality {
		return domain.Card{}, fmt.Errorf("quality must be %d-%d", srs.MinQuality, srs.MaxQuality)
	}
	reviewedAt := opts.ReviewedAt
	if reviewedAt.IsZero() {
		reviewedAt = e.now()
	}
	reviewedAt = reviewedAt.UTC().Truncate(time.Second)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGraphTx(ctx, tx, graphID)
	if err != nil {
		return domain.Card{}, err
	}
	if err := auth.RequireView(g, p); err != nil {
		return domain.Card{}, err
	}
	if opts.UnitType == domain.UnitNode {
		if _, err := e.Repo.GetNodeTx(ctx, tx, graphID, opts.UnitID); err != nil {
			return domain.Card{}, err
		}
	} else {
		if _, err := e.Repo.GetEdgeTx(ctx, tx, graphID, opts.UnitID); err != nil {
			return domain.Card{}, err
		}
	}

	params := e.srsParams()
	now := e.nowStr()
	card, err := e.Repo.GetCardByUnitTx(ctx, tx, graphID, opts.UnitType, opts.UnitID)
	created := false
	if errors.Is(err, repo.ErrNotFound) {
		created = true
		st := srs.NewState(params)
		card = domain.Card{
			ID:        uuid.NewString(),
			GraphID:   graphID,
			UnitType:  opts.UnitType,
			UnitID:    opts.UnitID,
			Active:    true,
			CreatedAt: now,
		}
		card = applyState(card, st, now)
		card.LastReviewed = ""
		card.NextDue = ""
		if err := e.Repo.InsertCard(ctx, tx, card); err != nil {
			return domain.Card{}, fmt.Errorf("insert card: %w", err)
		}
	} else if err != nil {
		return domain.Card{}, err
	}

	rev := domain.Review{
		CardID:     card.ID,
		Quality:    opts.Quality,
		ReviewedAt: reviewedAt.Format(time.RFC3339),
		ActorID:    p.UserID,
	}
	if err := e.Repo.InsertReview(ctx, tx, rev); err != nil {
		if isUniqueViolation(err) {
			return domain.Card{}, ErrDuplicateReview
		}
		return domain.Card{}, fmt.Errorf("insert review: %w", err)
	}

	next, err := srs.Apply(params, cardState(card), opts.Quality, reviewedAt)
	if err != nil {
		return domain.Card{}, err
	}
	card = applyState(card, next, now)
	if err := e.Repo.UpdateCard(ctx, tx, card); err != nil {
		return domain.Card{}, fmt.Errorf("update card: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "review.record", graphID, opts.UnitType, opts.UnitID, p.UserID, events.EventPayload{
		"quality":    opts.Quality,
		"state":      card.State,
		"interval":   card.IntervalDays,
		"next_due":   card.NextDue,
		"first_seen": created,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return card, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// DueQueue returns the active cards due at asOf, ordered most overdue
// first with ease as the weakness tiebreaker. Cards whose unit has been
// deleted never appear.
func (e Engine) DueQueue(ctx context.Context, graphID string, asOf time.Time, p auth.Principal) ([]domain.Card, error) {
	g, err := e.Repo.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireView(g, p); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = e.now()
	}
	return e.Repo.DueCards(ctx, graphID, asOf.UTC().Format(time.RFC3339))
}

// ReviewHistory returns the recorded reviews of a unit, newest first.
func (e Engine) ReviewHistory(ctx context.Context, graphID, unitType, unitID string, limit int, p auth.Principal) ([]domain.Review, error) {
	g, err := e.Repo.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireView(g, p); err != nil {
		return nil, err
	}
	switch unitType {
	case domain.UnitNode:
		if _, err := e.Repo.GetNode(ctx, graphID, unitID); err != nil {
			return nil, err
		}
	case domain.UnitEdge:
		if _, err := e.Repo.GetEdge(ctx, graphID, unitID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid unit type %q", unitType)
	}
	card, err := e.Repo.GetCardByUnit(ctx, graphID, unitType, unitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return e.Repo.ListReviews(ctx, card.ID, limit)
}

// DrillOptions select the walk. Seed fixes the random source for
// reproducible drills; zero seeds from the clock.
type DrillOptions struct {
	StartNodeID string
	MaxLength   int
	Seed        int64
}

// Drill generates a practice sequence starting from the requested node,
// biased toward edges that are due or weak.
func (e Engine) Drill(ctx context.Context, graphID string, opts DrillOptions, p auth.Principal) (drill.Item, error) {
	s, err := e.GetSnapshot(ctx, graphID, p)
	if err != nil {
		return drill.Item{}, err
	}
	start := opts.StartNodeID
	if start == "" && s.Graph.StartNodeID != nil {
		start = *s.Graph.StartNodeID
	}
	if start == "" {
		return drill.Item{}, errors.New("start node required: none given and graph has no default")
	}

	maxLen := opts.MaxLength
	threshold := 0.0
	if e.Config != nil {
		if maxLen <= 0 {
			maxLen = e.Config.Drill.DefaultMaxLength
		}
		threshold = e.Config.Drill.WeakEaseThreshold
	}
	if maxLen <= 0 {
		maxLen = 8
	}

	cards, err := e.Repo.ActiveEdgeCards(ctx, graphID)
	if err != nil {
		return drill.Item{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	srsByEdge := make(map[string]drill.EdgeSRS, len(cards))
	for _, c := range cards {
		srsByEdge[c.UnitID] = drill.EdgeSRS{
			Due:  c.NextDue != "" && c.NextDue <= now,
			Ease: c.EaseFactor,
		}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = e.now().UnixNano()
	}
	return drill.Generate(s, drill.Params{
		StartNodeID:       start,
		MaxLength:         maxLen,
		WeakEaseThreshold: threshold,
		SRS:               srsByEdge,
		Rand:              rand.New(rand.NewSource(seed)),
	})
}

// SparringOptions describe one sparring outcome reported by the log.
type SparringOptions struct {
	UnitType   string
	UnitID     string
	Success    bool
	OccurredAt time.Time
	Source     string
}

// RecordSparring appends one sparring outcome. It is non-structural: the
// graph version does not move.
func (e Engine) RecordSparring(ctx context.Context, graphID string, opts SparringOptions, p auth.Principal) (domain.SparringEvent, error) {
	if opts.UnitType != domain.UnitNode && opts.UnitType != domain.UnitEdge {
		return domain.SparringEvent{}, fmt.Errorf("invalid unit type %q", opts.UnitType)
	}
	occurred := opts.OccurredAt
	if occurred.IsZero() {
		occurred = e.now()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SparringEvent{}, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGraphTx(ctx, tx, graphID)
	if err != nil {
		return domain.SparringEvent{}, err
	}
	if err := auth.RequireView(g, p); err != nil {
		return domain.SparringEvent{}, err
	}
	if opts.UnitType == domain.UnitNode {
		if _, err := e.Repo.GetNodeTx(ctx, tx, graphID, opts.UnitID); err != nil {
			return domain.SparringEvent{}, err
		}
	} else {
		if _, err := e.Repo.GetEdgeTx(ctx, tx, graphID, opts.UnitID); err != nil {
			return domain.SparringEvent{}, err
		}
	}

	ev := domain.SparringEvent{
		GraphID:    graphID,
		UnitType:   opts.UnitType,
		UnitID:     opts.UnitID,
		Success:    opts.Success,
		OccurredAt: occurred.UTC().Format(time.RFC3339),
		Source:     opts.Source,
	}
	id, err := e.Repo.InsertSparringEvent(ctx, tx, ev)
	if err != nil {
		return domain.SparringEvent{}, fmt.Errorf("insert sparring event: %w", err)
	}
	ev.ID = id
	if err := e.Events.Append(ctx, tx, "sparring.record", graphID, opts.UnitType, opts.UnitID, p.UserID, events.EventPayload{"success": opts.Success, "source": opts.Source}); err != nil {
		return domain.SparringEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SparringEvent{}, err
	}
	return ev, nil
}

// Heatmap folds every sparring outcome into per-unit success cells.
func (e Engine) Heatmap(ctx context.Context, graphID string, p auth.Principal) (heatmap.Result, error) {
	s, err := e.GetSnapshot(ctx, graphID, p)
	if err != nil {
		return heatmap.Result{}, err
	}
	evs, err := e.Repo.ListSparringEvents(ctx, repo.SparringFilters{GraphID: graphID})
	if err != nil {
		return heatmap.Result{}, err
	}
	return heatmap.Build(s, evs), nil
}
