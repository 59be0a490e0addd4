package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"matflow/internal/config"
	"matflow/internal/db"
	"matflow/internal/domain"
	"matflow/internal/engine"
	"matflow/internal/engine/auth"
	"matflow/internal/migrate"
	"matflow/internal/repo"
)

var owner = auth.Principal{UserID: "tester"}

func approx(got, want float64) bool {
	d := got - want
	return d < 1e-9 && d > -1e-9
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) mustGraph(t *testing.T) domain.Graph {
	t.Helper()
	g, err := env.Engine.CreateGraph(env.Ctx, engine.GraphCreateOptions{Title: "Guard passing"}, owner)
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	return g
}

func (env testEnv) mustNode(t *testing.T, graphID string, version int64, kind, label string) domain.Node {
	t.Helper()
	n, _, err := env.Engine.CreateNode(env.Ctx, graphID, engine.NodeCreateOptions{Kind: kind, Label: label, Version: version}, owner)
	if err != nil {
		t.Fatalf("create node %q: %v", label, err)
	}
	return n
}

func (env testEnv) mustEdge(t *testing.T, graphID string, version int64, source, target, kind string) domain.Edge {
	t.Helper()
	e, _, err := env.Engine.CreateEdge(env.Ctx, graphID, engine.EdgeCreateOptions{SourceID: source, TargetID: target, Kind: kind, Version: version}, owner)
	if err != nil {
		t.Fatalf("create edge %s->%s: %v", source, target, err)
	}
	return e
}

func TestGraphVersionGrowsByOnePerMutation(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	if g.Version != 0 {
		t.Fatalf("new graph version = %d, want 0", g.Version)
	}
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Closed Guard")
	env.mustNode(t, g.ID, 1, domain.NodeKindTechnique, "Armbar")

	got, err := env.Engine.GetGraph(env.Ctx, g.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Fatalf("after two node creates version = %d, want 2", got.Version)
	}

	label := "Closed Guard (bottom)"
	_, _, err = env.Engine.UpdateNode(env.Ctx, g.ID, a.ID, engine.NodeUpdateOptions{Label: &label, Version: 2}, owner)
	if err != nil {
		t.Fatalf("update node: %v", err)
	}
	got, err = env.Engine.GetGraph(env.Ctx, g.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 {
		t.Fatalf("after node update version = %d, want 3", got.Version)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Mount")

	// replaying the same version token must fail
	_, _, err := env.Engine.CreateNode(env.Ctx, g.ID, engine.NodeCreateOptions{Kind: domain.NodeKindPosition, Label: "Back Mount", Version: 0}, owner)
	if !errors.Is(err, engine.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	// and the rejected mutation must leave no trace
	s, err := env.Engine.GetSnapshot(env.Ctx, g.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Nodes) != 1 {
		t.Fatalf("expected 1 node after rejected create, got %d", len(s.Nodes))
	}
	if s.Graph.Version != 1 {
		t.Fatalf("version = %d, want 1", s.Graph.Version)
	}
}

func TestStaleVersionOnMissingGraphIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateNode(env.Ctx, "no-such-graph", engine.NodeCreateOptions{Kind: domain.NodeKindPosition, Label: "x", Version: 0}, owner)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteNodeCascades(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Closed Guard")
	b := env.mustNode(t, g.ID, 1, domain.NodeKindTechnique, "Triangle")
	ab := env.mustEdge(t, g.ID, 2, a.ID, b.ID, domain.EdgeKindSubmission)
	start := a.ID
	if _, err := env.Engine.UpdateGraph(env.Ctx, g.ID, engine.GraphUpdateOptions{StartNodeID: &start, Version: 3}, owner); err != nil {
		t.Fatalf("set start node: %v", err)
	}

	// seed cards on the doomed node and its edge
	if _, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: 4}, owner); err != nil {
		t.Fatalf("review node: %v", err)
	}
	if _, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitEdge, UnitID: ab.ID, Quality: 4}, owner); err != nil {
		t.Fatalf("review edge: %v", err)
	}

	s, err := env.Engine.DeleteNode(env.Ctx, g.ID, a.ID, 4, owner)
	if err != nil {
		t.Fatalf("delete node: %v", err)
	}
	if len(s.Nodes) != 1 || s.Nodes[0].ID != b.ID {
		t.Fatalf("expected only node %s to survive, got %+v", b.ID, s.Nodes)
	}
	if len(s.Edges) != 0 {
		t.Fatalf("expected incident edge removed, got %d edges", len(s.Edges))
	}
	if s.Graph.StartNodeID != nil {
		t.Fatalf("expected start node cleared, got %q", *s.Graph.StartNodeID)
	}

	nodeCard, err := env.Engine.Repo.GetCardByUnit(env.Ctx, g.ID, domain.UnitNode, a.ID)
	if err != nil {
		t.Fatalf("get node card: %v", err)
	}
	if nodeCard.Active {
		t.Fatal("expected node card deactivated")
	}
	edgeCard, err := env.Engine.Repo.GetCardByUnit(env.Ctx, g.ID, domain.UnitEdge, ab.ID)
	if err != nil {
		t.Fatalf("get edge card: %v", err)
	}
	if edgeCard.Active {
		t.Fatal("expected edge card deactivated")
	}
}

func TestSelfLoopOnlyForTransitions(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Half Guard")

	_, _, err := env.Engine.CreateEdge(env.Ctx, g.ID, engine.EdgeCreateOptions{SourceID: a.ID, TargetID: a.ID, Kind: domain.EdgeKindSubmission, Version: 1}, owner)
	if err == nil {
		t.Fatal("expected submission self-loop to be rejected")
	}
	env.mustEdge(t, g.ID, 1, a.ID, a.ID, domain.EdgeKindTransition)
}

func TestEdgeEndpointMustExist(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Side Control")
	_, _, err := env.Engine.CreateEdge(env.Ctx, g.ID, engine.EdgeCreateOptions{SourceID: a.ID, TargetID: "ghost", Kind: domain.EdgeKindPass, Version: 1}, owner)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown target, got %v", err)
	}
}

func TestRecordReviewCreatesCardLazily(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindTechnique, "Kimura")

	card, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: 5}, owner)
	if err != nil {
		t.Fatalf("record review: %v", err)
	}
	if card.State != "review" {
		t.Fatalf("state = %q, want review", card.State)
	}
	if card.IntervalDays != 1 {
		t.Fatalf("interval = %d, want 1", card.IntervalDays)
	}
	if card.EaseFactor != 2.5 {
		t.Fatalf("ease = %v, want 2.5", card.EaseFactor)
	}
	if card.Reps != 1 || card.Lapses != 0 {
		t.Fatalf("reps/lapses = %d/%d, want 1/0", card.Reps, card.Lapses)
	}
	// reviewed at 2024-03-10 15:00 UTC, one day interval from UTC midnight
	if card.NextDue != "2024-03-11T00:00:00Z" {
		t.Fatalf("next due = %q, want 2024-03-11T00:00:00Z", card.NextDue)
	}
}

func TestFailedReviewLapsesReviewCard(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindTechnique, "Berimbolo")

	day := func(d int) time.Time { return time.Date(2024, 3, d, 15, 0, 0, 0, time.UTC) }
	if _, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: 5, ReviewedAt: day(10)}, owner); err != nil {
		t.Fatal(err)
	}
	card, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: 1, ReviewedAt: day(11)}, owner)
	if err != nil {
		t.Fatal(err)
	}
	if card.State != "lapsed" {
		t.Fatalf("state = %q, want lapsed", card.State)
	}
	if card.Lapses != 1 {
		t.Fatalf("lapses = %d, want 1", card.Lapses)
	}
	if card.IntervalDays != 1 {
		t.Fatalf("interval = %d, want 1", card.IntervalDays)
	}
	if !approx(card.EaseFactor, 2.3) {
		t.Fatalf("ease = %v, want 2.3", card.EaseFactor)
	}
}

func TestDuplicateReviewRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindTechnique, "Armbar")

	at := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	first, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: 4, ReviewedAt: at}, owner)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: 2, ReviewedAt: at}, owner)
	if !errors.Is(err, engine.ErrDuplicateReview) {
		t.Fatalf("expected ErrDuplicateReview, got %v", err)
	}

	// the replay must not have touched the card
	card, err := env.Engine.Repo.GetCardByUnit(env.Ctx, g.ID, domain.UnitNode, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if card.Reps != first.Reps || card.State != first.State || card.EaseFactor != first.EaseFactor {
		t.Fatalf("card changed by rejected replay: %+v vs %+v", card, first)
	}
}

func TestQualityOutOfRangeRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindTechnique, "Armbar")
	for _, q := range []int{0, 6} {
		_, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: q}, owner)
		if err == nil {
			t.Fatalf("quality %d: expected error", q)
		}
	}
}

func TestDueQueueOrderingAndExclusions(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindTechnique, "Armbar")
	b := env.mustNode(t, g.ID, 1, domain.NodeKindTechnique, "Triangle")
	c := env.mustNode(t, g.ID, 2, domain.NodeKindTechnique, "Omoplata")

	day := func(d int) time.Time { return time.Date(2024, 3, d, 15, 0, 0, 0, time.UTC) }
	// a due 2024-03-09, b due 2024-03-11, c due 2024-03-09 with weaker ease
	if _, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: a.ID, Quality: 5, ReviewedAt: day(8)}, owner); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: b.ID, Quality: 5, ReviewedAt: day(10)}, owner); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordReview(env.Ctx, g.ID, engine.ReviewOptions{UnitType: domain.UnitNode, UnitID: c.ID, Quality: 3, ReviewedAt: day(8)}, owner); err != nil {
		t.Fatal(err)
	}

	due, err := env.Engine.DueQueue(env.Ctx, g.ID, day(12), owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 due cards, got %d", len(due))
	}
	// same due day: weaker ease first
	if due[0].UnitID != c.ID || due[1].UnitID != a.ID || due[2].UnitID != b.ID {
		t.Fatalf("unexpected order: %s %s %s", due[0].UnitID, due[1].UnitID, due[2].UnitID)
	}

	// not due yet at asOf before any card's due date
	due, err = env.Engine.DueQueue(env.Ctx, g.ID, time.Date(2024, 3, 8, 16, 0, 0, 0, time.UTC), owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %d", len(due))
	}

	// deleting a unit hides its card from the queue
	if _, err := env.Engine.DeleteNode(env.Ctx, g.ID, c.ID, 3, owner); err != nil {
		t.Fatal(err)
	}
	due, err = env.Engine.DueQueue(env.Ctx, g.ID, day(12), owner)
	if err != nil {
		t.Fatal(err)
	}
	for _, card := range due {
		if card.UnitID == c.ID {
			t.Fatal("deleted unit still in due queue")
		}
	}
}

func TestReviewHistoryWithoutCardIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindTechnique, "Armbar")
	hist, err := env.Engine.ReviewHistory(env.Ctx, g.ID, domain.UnitNode, a.ID, 10, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected empty history, got %d", len(hist))
	}
}

func TestPublishBlockedByErrorsNotWarnings(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Closed Guard")
	b := env.mustNode(t, g.ID, 1, domain.NodeKindPosition, "Mount")
	env.mustEdge(t, g.ID, 2, a.ID, b.ID, domain.EdgeKindSweep)
	env.mustEdge(t, g.ID, 3, a.ID, b.ID, domain.EdgeKindSweep)

	_, res, err := env.Engine.Publish(env.Ctx, g.ID, 4, "public", owner)
	var vfe engine.ValidationFailedError
	if !errors.As(err, &vfe) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	if len(vfe.Result.Errors) == 0 {
		t.Fatal("expected validation errors in the failure")
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected errors in the returned result")
	}

	// remove the duplicate; the mutual-cycle warning alone must not block
	s, err := env.Engine.GetSnapshot(env.Ctx, g.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	dup := s.Edges[1].ID
	if _, err := env.Engine.DeleteEdge(env.Ctx, g.ID, dup, 4, owner); err != nil {
		t.Fatal(err)
	}
	env.mustEdge(t, g.ID, 5, b.ID, a.ID, domain.EdgeKindEscape)

	pub, res, err := env.Engine.Publish(env.Ctx, g.ID, 6, "public", owner)
	if err != nil {
		t.Fatalf("publish with warnings only: %v", err)
	}
	if pub.Visibility != "public" {
		t.Fatalf("visibility = %q, want public", pub.Visibility)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected the cycle warning to survive publish")
	}
	if pub.Version != 7 {
		t.Fatalf("version = %d, want 7", pub.Version)
	}
}

func TestPrivateGraphHiddenFromStrangers(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	stranger := auth.Principal{UserID: "someone-else"}

	_, err := env.Engine.GetSnapshot(env.Ctx, g.ID, stranger)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	_, _, err = env.Engine.CreateNode(env.Ctx, g.ID, engine.NodeCreateOptions{Kind: domain.NodeKindPosition, Label: "x", Version: 0}, stranger)
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError on edit, got %v", err)
	}
}

func TestGroupGraphVisibleToMembers(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.CreateGraph(env.Ctx, engine.GraphCreateOptions{Title: "Team flows", Visibility: "group", GroupID: "academy-a"}, owner)
	if err != nil {
		t.Fatal(err)
	}
	member := auth.Principal{UserID: "teammate", Groups: []string{"academy-a"}}
	if _, err := env.Engine.GetSnapshot(env.Ctx, g.ID, member); err != nil {
		t.Fatalf("member view: %v", err)
	}
	outsider := auth.Principal{UserID: "teammate", Groups: []string{"academy-b"}}
	if _, err := env.Engine.GetSnapshot(env.Ctx, g.ID, outsider); err == nil {
		t.Fatal("expected outsider to be forbidden")
	}
}

func TestDrillUsesGraphStartNode(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Closed Guard")
	b := env.mustNode(t, g.ID, 1, domain.NodeKindTechnique, "Armbar")
	env.mustEdge(t, g.ID, 2, a.ID, b.ID, domain.EdgeKindSubmission)
	start := a.ID
	if _, err := env.Engine.UpdateGraph(env.Ctx, g.ID, engine.GraphUpdateOptions{StartNodeID: &start, Version: 3}, owner); err != nil {
		t.Fatal(err)
	}

	item, err := env.Engine.Drill(env.Ctx, g.ID, engine.DrillOptions{Seed: 7}, owner)
	if err != nil {
		t.Fatalf("drill: %v", err)
	}
	if item.StartNodeID != a.ID {
		t.Fatalf("start = %q, want %q", item.StartNodeID, a.ID)
	}
	if len(item.Steps) != 1 || item.Steps[0].TargetID != b.ID {
		t.Fatalf("unexpected steps: %+v", item.Steps)
	}
}

func TestDrillWithoutStartNodeErrors(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Closed Guard")
	_, err := env.Engine.Drill(env.Ctx, g.ID, engine.DrillOptions{}, owner)
	if err == nil || !strings.Contains(err.Error(), "start node") {
		t.Fatalf("expected start node error, got %v", err)
	}
}

func TestSparringFeedsHeatmap(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Closed Guard")
	b := env.mustNode(t, g.ID, 1, domain.NodeKindTechnique, "Armbar")
	ab := env.mustEdge(t, g.ID, 2, a.ID, b.ID, domain.EdgeKindSubmission)

	for _, success := range []bool{true, true, false} {
		if _, err := env.Engine.RecordSparring(env.Ctx, g.ID, engine.SparringOptions{UnitType: domain.UnitEdge, UnitID: ab.ID, Success: success}, owner); err != nil {
			t.Fatalf("record sparring: %v", err)
		}
	}

	// graph version untouched by non-structural writes
	got, err := env.Engine.GetGraph(env.Ctx, g.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 {
		t.Fatalf("version = %d, want 3", got.Version)
	}

	hm, err := env.Engine.Heatmap(env.Ctx, g.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	edgeCell, nodeCell := -1, -1
	for i, cell := range hm.Cells {
		switch cell.UnitID {
		case ab.ID:
			edgeCell = i
		case a.ID:
			nodeCell = i
		}
	}
	if edgeCell < 0 || nodeCell < 0 {
		t.Fatalf("missing cells: %+v", hm.Cells)
	}
	ec := hm.Cells[edgeCell]
	if ec.Attempts != 3 || ec.Successes != 2 {
		t.Fatalf("edge cell = %d/%d, want 2/3", ec.Successes, ec.Attempts)
	}
	if ec.Score == nil || *ec.Score < 0.66 || *ec.Score > 0.67 {
		t.Fatalf("edge score = %v", ec.Score)
	}
	if hm.Cells[nodeCell].Score != nil {
		t.Fatal("untried node should report no data, not zero")
	}
}

func TestDeleteGraphRequiresMatchingVersion(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Mount")

	if err := env.Engine.DeleteGraph(env.Ctx, g.ID, 0, owner); !errors.Is(err, engine.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
	if err := env.Engine.DeleteGraph(env.Ctx, g.ID, 1, owner); err != nil {
		t.Fatalf("delete graph: %v", err)
	}
	if _, err := env.Engine.GetGraph(env.Ctx, g.ID, owner); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAPIKeyRoundtrip(t *testing.T) {
	env := newTestEnv(t)
	key, plaintext, err := env.Engine.CreateAPIKey(env.Ctx, "tester", "laptop")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if !strings.HasPrefix(plaintext, "mfk_") {
		t.Fatalf("unexpected key format %q", plaintext)
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ID != key.ID || got.UserID != "tester" {
		t.Fatalf("lookup mismatch: %+v", got)
	}

	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "intruder"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting another user's key, got %v", err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "tester"); err != nil {
		t.Fatalf("delete own key: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plaintext)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected key gone, got %v", err)
	}
}

func TestGraphEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	g := env.mustGraph(t)
	a := env.mustNode(t, g.ID, 0, domain.NodeKindPosition, "Closed Guard")
	if _, err := env.Engine.DeleteNode(env.Ctx, g.ID, a.ID, 1, owner); err != nil {
		t.Fatal(err)
	}

	evs, err := env.Engine.GraphEvents(env.Ctx, g.ID, 10, 0, owner)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	want := map[string]bool{"graph.create": false, "node.create": false, "node.delete": false}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("missing event %q in %v", typ, types)
		}
	}
}
