package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"matflow/internal/config"
	"matflow/internal/db"
	"matflow/internal/domain"
	"matflow/internal/engine"
	"matflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
		},
		SparringSecret: "hook-secret",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asTester = map[string]string{"X-User-Id": "tester"}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return env
}

func createGraph(t *testing.T, ts *testServer, title string) domain.Graph {
	t.Helper()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/graphs", CreateGraphRequest{Title: title}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create graph: status %d body %s", res.StatusCode, data)
	}
	var g domain.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("decode graph: %v", err)
	}
	return g
}

func addNode(t *testing.T, ts *testServer, graphID string, version int64, kind, label string) domain.Snapshot {
	t.Helper()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/graphs/"+graphID+"/nodes",
		CreateNodeRequest{Kind: kind, Label: label, Version: version}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add node %q: status %d body %s", label, res.StatusCode, data)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func addEdge(t *testing.T, ts *testServer, graphID string, version int64, source, target, kind string) domain.Snapshot {
	t.Helper()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/graphs/"+graphID+"/edges",
		CreateEdgeRequest{SourceID: source, TargetID: target, Kind: kind, Version: version}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add edge: status %d body %s", res.StatusCode, data)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestHealthRequiresNoAuth(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d body %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/graphs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401; body %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q, want unauthorized", env.Error.Code)
	}
}

func TestGraphBuildFlow(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	g := createGraph(t, ts, "Half guard game")
	if g.Version != 0 {
		t.Fatalf("new graph version = %d", g.Version)
	}

	snap := addNode(t, ts, g.ID, 0, "position", "Half Guard")
	a := snap.Nodes[0]
	snap = addNode(t, ts, g.ID, 1, "technique", "Old School Sweep")
	b := snap.Nodes[1]
	snap = addEdge(t, ts, g.ID, 2, a.ID, b.ID, "sweep")

	if snap.Graph.Version != 3 {
		t.Fatalf("version = %d, want 3", snap.Graph.Version)
	}
	if len(snap.Nodes) != 2 || len(snap.Edges) != 1 {
		t.Fatalf("snapshot has %d nodes %d edges", len(snap.Nodes), len(snap.Edges))
	}

	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/graphs", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list graphs: status %d body %s", res.StatusCode, data)
	}
	var graphs []domain.Graph
	if err := json.Unmarshal(data, &graphs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(graphs) != 1 || graphs[0].ID != g.ID {
		t.Fatalf("unexpected graph list: %+v", graphs)
	}
}

func TestStaleVersionConflict(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	g := createGraph(t, ts, "Spider guard")
	addNode(t, ts, g.ID, 0, "position", "Spider Guard")

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/graphs/"+g.ID+"/nodes",
		CreateNodeRequest{Kind: "position", Label: "Lasso", Version: 0}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409; body %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "stale_version" {
		t.Fatalf("code = %q, want stale_version", env.Error.Code)
	}
}

func TestDuplicateReviewConflict(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	g := createGraph(t, ts, "Mount attacks")
	snap := addNode(t, ts, g.ID, 0, "technique", "Cross Collar Choke")
	node := snap.Nodes[0]

	review := RecordReviewRequest{UnitType: "node", UnitID: node.ID, Quality: 4, ReviewedAt: "2024-03-10T15:00:00Z"}
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/graphs/"+g.ID+"/reviews", review, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first review: status %d body %s", res.StatusCode, data)
	}
	var card domain.Card
	if err := json.Unmarshal(data, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Reps != 1 {
		t.Fatalf("reps = %d, want 1", card.Reps)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/graphs/"+g.ID+"/reviews", review, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("replay: status %d, want 409; body %s", res.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "duplicate_review" {
		t.Fatalf("code = %q, want duplicate_review", env.Error.Code)
	}
}

func TestPublishValidationFailure(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	g := createGraph(t, ts, "Broken flow")
	snap := addNode(t, ts, g.ID, 0, "position", "Closed Guard")
	a := snap.Nodes[0]
	snap = addNode(t, ts, g.ID, 1, "position", "Mount")
	b := snap.Nodes[1]
	addEdge(t, ts, g.ID, 2, a.ID, b.ID, "sweep")
	addEdge(t, ts, g.ID, 3, a.ID, b.ID, "sweep")

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/graphs/"+g.ID+"/publish",
		PublishRequest{Visibility: "public", Version: 4}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422; body %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("code = %q, want validation_failed", env.Error.Code)
	}
	if _, ok := env.Error.Details["errors"]; !ok {
		t.Fatalf("expected errors in details, got %v", env.Error.Details)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/graphs/no-such-graph", nil, asTester)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404; body %s", res.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code = %q, want not_found", env.Error.Code)
	}
}

func TestPrivateGraphForbiddenForStranger(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	g := createGraph(t, ts, "Secret game plan")

	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/graphs/"+g.ID, nil, map[string]string{"X-User-Id": "rival"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403; body %s", res.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", env.Error.Code)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/auth/dev/login",
		DevLoginRequest{UserID: "jwt-user", Groups: []string{"academy-a"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: status %d body %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d body %s", res.StatusCode, data)
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if who.UserID != "jwt-user" || len(who.Groups) != 1 || who.Groups[0] != "academy-a" {
		t.Fatalf("unexpected principal: %+v", who)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/apikeys", CreateAPIKeyRequest{Name: "laptop"}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: status %d body %s", res.StatusCode, data)
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("plaintext key missing from create response")
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: status %d body %s", res.StatusCode, data)
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if who.UserID != "tester" {
		t.Fatalf("user = %q, want tester", who.UserID)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "mfk_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key: status %d body %s", res.StatusCode, data)
	}
}

func TestSparringIngestHook(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	g := createGraph(t, ts, "Comp prep")
	snap := addNode(t, ts, g.ID, 0, "technique", "Double Leg")
	node := snap.Nodes[0]

	payload := map[string]any{
		"graph_id":  g.ID,
		"unit_type": "node",
		"unit_id":   node.ID,
		"success":   true,
		"source":    "mat-timer",
	}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/hooks/sparring", payload, map[string]string{"X-Matflow-Secret": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad secret: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/hooks/sparring", payload, map[string]string{"X-Matflow-Secret": "hook-secret"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("hook ingest: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/graphs/"+g.ID+"/heatmap", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heatmap: status %d body %s", res.StatusCode, data)
	}
	var hm struct {
		Cells []struct {
			UnitID   string   `json:"unit_id"`
			Attempts int      `json:"attempts"`
			Score    *float64 `json:"score"`
		} `json:"cells"`
	}
	if err := json.Unmarshal(data, &hm); err != nil {
		t.Fatalf("decode heatmap: %v", err)
	}
	found := false
	for _, cell := range hm.Cells {
		if cell.UnitID == node.ID {
			found = true
			if cell.Attempts != 1 || cell.Score == nil || *cell.Score != 1 {
				t.Fatalf("unexpected cell: %+v", cell)
			}
		}
	}
	if !found {
		t.Fatal("node cell missing from heatmap")
	}
}

func TestDeleteNodeReturnsSnapshot(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()
	g := createGraph(t, ts, "Trim test")
	snap := addNode(t, ts, g.ID, 0, "position", "Turtle")
	node := snap.Nodes[0]

	res, data := doJSON(t, ts.Client(), http.MethodDelete, ts.URL+"/v0/graphs/"+g.ID+"/nodes/"+node.ID+"?version=1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete node: status %d body %s", res.StatusCode, data)
	}
	var out DeleteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode delete response: %v", err)
	}
	if !out.Deleted {
		t.Fatal("expected deleted=true")
	}
	if len(out.Snapshot.Nodes) != 0 {
		t.Fatalf("expected empty snapshot, got %d nodes", len(out.Snapshot.Nodes))
	}
}
