package matflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Matflow HTTP API client.
type Client struct {
	BaseURL     string
	GraphID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, graphID string) *Client {
	return &Client{
		BaseURL: baseURL,
		GraphID: graphID,
		Timeout: 10 * time.Second,
	}
}

// Graph is the API graph model (partial).
type Graph struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Visibility  string `json:"visibility"`
	StartNodeID string `json:"start_node_id,omitempty"`
	Version     int64  `json:"version"`
}

type Node struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

type Edge struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Kind     string `json:"kind"`
}

// Snapshot is one graph version with its nodes and edges.
type Snapshot struct {
	Graph Graph  `json:"graph"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

type Card struct {
	ID           string  `json:"id"`
	UnitType     string  `json:"unit_type"`
	UnitID       string  `json:"unit_id"`
	State        string  `json:"state"`
	IntervalDays int     `json:"interval_days"`
	EaseFactor   float64 `json:"ease_factor"`
	NextDue      string  `json:"next_due,omitempty"`
}

type DrillStep struct {
	EdgeID      string `json:"edge_id"`
	EdgeKind    string `json:"edge_kind"`
	SourceLabel string `json:"source_label"`
	TargetLabel string `json:"target_label"`
}

type Drill struct {
	GraphID     string      `json:"graph_id"`
	StartNodeID string      `json:"start_node_id"`
	Steps       []DrillStep `json:"steps"`
}

type HeatmapCell struct {
	UnitType string   `json:"unit_type"`
	UnitID   string   `json:"unit_id"`
	Label    string   `json:"label"`
	Attempts int      `json:"attempts"`
	Score    *float64 `json:"score"`
}

type Heatmap struct {
	GraphID string        `json:"graph_id"`
	Cells   []HeatmapCell `json:"cells"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetSnapshot fetches the full graph.
func (c *Client) GetSnapshot(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, c.graphPath(""), nil, &resp)
	return resp, err
}

// RecordReview submits a review outcome for a unit.
func (c *Client) RecordReview(ctx context.Context, unitType, unitID string, quality int) (Card, error) {
	body := map[string]any{
		"unit_type": unitType,
		"unit_id":   unitID,
		"quality":   quality,
	}
	var resp Card
	err := c.do(ctx, http.MethodPost, c.graphPath("reviews"), body, &resp)
	return resp, err
}

// Due returns the cards due for review, most overdue first.
func (c *Client) Due(ctx context.Context) ([]Card, error) {
	var resp []Card
	err := c.do(ctx, http.MethodGet, c.graphPath("due"), nil, &resp)
	return resp, err
}

// GenerateDrill requests a drill walk. A non-zero seed makes it
// reproducible.
func (c *Client) GenerateDrill(ctx context.Context, startNodeID string, maxLength int, seed int64) (Drill, error) {
	endpoint := c.graphPath("drill")
	params := url.Values{}
	if startNodeID != "" {
		params.Set("start_node_id", startNodeID)
	}
	if maxLength > 0 {
		params.Set("max_length", fmt.Sprintf("%d", maxLength))
	}
	if seed != 0 {
		params.Set("seed", fmt.Sprintf("%d", seed))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp Drill
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordSparring reports one sparring outcome.
func (c *Client) RecordSparring(ctx context.Context, unitType, unitID string, success bool) error {
	body := map[string]any{
		"unit_type": unitType,
		"unit_id":   unitID,
		"success":   success,
		"source":    "sdk",
	}
	return c.do(ctx, http.MethodPost, c.graphPath("sparring"), body, nil)
}

// GetHeatmap fetches per-unit sparring success rates.
func (c *Client) GetHeatmap(ctx context.Context) (Heatmap, error) {
	var resp Heatmap
	err := c.do(ctx, http.MethodGet, c.graphPath("heatmap"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) graphPath(p string) string {
	graph := url.PathEscape(c.GraphID)
	if p == "" {
		return fmt.Sprintf("v0/graphs/%s", graph)
	}
	return fmt.Sprintf("v0/graphs/%s/%s", graph, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
