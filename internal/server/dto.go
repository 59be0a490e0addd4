package server

import (
	"matflow/internal/domain"
	"matflow/internal/validate"
)

// Request payloads. Domain types carry JSON and schema tags already, so
// responses reuse them directly; only mutation inputs get their own shape.

type CreateGraphRequest struct {
	Title      string `json:"title"`
	Visibility string `json:"visibility,omitempty" enum:"private,group,public"`
	Belt       string `json:"belt,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
}

type UpdateGraphRequest struct {
	Title       *string `json:"title,omitempty"`
	Visibility  *string `json:"visibility,omitempty" enum:"private,group,public"`
	Belt        *string `json:"belt,omitempty"`
	GroupID     *string `json:"group_id,omitempty"`
	StartNodeID *string `json:"start_node_id,omitempty"`
	Version     int64   `json:"version"`
}

type CreateNodeRequest struct {
	Kind       string            `json:"kind" enum:"position,technique,checkpoint,video-reference"`
	Label      string            `json:"label"`
	Tags       []string          `json:"tags,omitempty"`
	Belt       string            `json:"belt,omitempty"`
	Difficulty int               `json:"difficulty,omitempty" minimum:"0" maximum:"5"`
	Media      []domain.MediaRef `json:"media,omitempty"`
	Version    int64             `json:"version"`
}

type UpdateNodeRequest struct {
	Label      *string            `json:"label,omitempty"`
	Tags       *[]string          `json:"tags,omitempty"`
	Belt       *string            `json:"belt,omitempty"`
	Difficulty *int               `json:"difficulty,omitempty"`
	Media      *[]domain.MediaRef `json:"media,omitempty"`
	Stats      *domain.NodeStats  `json:"stats,omitempty"`
	Version    int64              `json:"version"`
}

type CreateEdgeRequest struct {
	SourceID      string            `json:"source_id"`
	TargetID      string            `json:"target_id"`
	Kind          string            `json:"kind" enum:"pass,sweep,submission,escape,transition"`
	Tags          []string          `json:"tags,omitempty"`
	PointValue    int               `json:"point_value,omitempty"`
	Risk          int               `json:"risk,omitempty" minimum:"0" maximum:"5"`
	Media         []domain.MediaRef `json:"media,omitempty"`
	SRSWeight     *float64          `json:"srs_weight,omitempty"`
	Preconditions []string          `json:"preconditions,omitempty"`
	Version       int64             `json:"version"`
}

type UpdateEdgeRequest struct {
	Tags          *[]string          `json:"tags,omitempty"`
	PointValue    *int               `json:"point_value,omitempty"`
	Risk          *int               `json:"risk,omitempty"`
	Media         *[]domain.MediaRef `json:"media,omitempty"`
	SRSWeight     *float64           `json:"srs_weight,omitempty"`
	ClearWeight   bool               `json:"clear_srs_weight,omitempty"`
	Preconditions *[]string          `json:"preconditions,omitempty"`
	Version       int64              `json:"version"`
}

type PublishRequest struct {
	Visibility string `json:"visibility,omitempty" enum:"private,group,public"`
	Version    int64  `json:"version"`
}

type RecordReviewRequest struct {
	UnitType   string `json:"unit_type" enum:"node,edge"`
	UnitID     string `json:"unit_id"`
	Quality    int    `json:"quality" minimum:"1" maximum:"5"`
	ReviewedAt string `json:"reviewed_at,omitempty" format:"date-time"`
}

type RecordSparringRequest struct {
	UnitType   string `json:"unit_type" enum:"node,edge"`
	UnitID     string `json:"unit_id"`
	Success    bool   `json:"success"`
	OccurredAt string `json:"occurred_at,omitempty" format:"date-time"`
	Source     string `json:"source,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type DeleteResponse struct {
	Deleted  bool            `json:"deleted"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

type ValidationResponse struct {
	GraphID  string           `json:"graph_id"`
	Version  int64            `json:"version"`
	OK       bool             `json:"ok"`
	Errors   []validate.Issue `json:"errors"`
	Warnings []validate.Issue `json:"warnings"`
}

type PublishResponse struct {
	Graph    domain.Graph     `json:"graph"`
	Warnings []validate.Issue `json:"warnings"`
}

type APIKeyCreatedResponse struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	// Key is the plaintext secret, shown once at creation.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func validationResponse(graphID string, version int64, res validate.Result) ValidationResponse {
	errs := res.Errors
	if errs == nil {
		errs = []validate.Issue{}
	}
	warns := res.Warnings
	if warns == nil {
		warns = []validate.Issue{}
	}
	return ValidationResponse{
		GraphID:  graphID,
		Version:  version,
		OK:       res.OK(),
		Errors:   errs,
		Warnings: warns,
	}
}
