package server

import (
	"encoding/json"

	"flowline/internal/domain"
	"flowline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string  `json:"id"`
	Name *string `json:"name,omitempty"`
}

type TransitionRequest struct {
	ToStatus string `json:"to_status" enum:"draft,onboarding,active,on_hold,delivered,closed,cancelled"`
	// ExpectedStatus guards against acting on a stale view; the request is
	// rejected when it no longer matches the status of record.
	ExpectedStatus string `json:"expected_status,omitempty" enum:"draft,onboarding,active,on_hold,delivered,closed,cancelled"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"draft,onboarding,active,on_hold,delivered,closed,cancelled"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	ActorID        string `json:"actor_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	OccurredAt     string `json:"occurred_at" format:"date-time"`
	Replayed       bool   `json:"replayed,omitempty"`
}

type StatusResponse struct {
	ProjectID string   `json:"project_id"`
	Status    string   `json:"status"`
	Version   int64    `json:"version"`
	Next      []string `json:"next"`
}

type AttemptResponse struct {
	TransitionID   string `json:"transition_id"`
	AttemptNumber  int    `json:"attempt_number"`
	Outcome        string `json:"outcome" enum:"success,transient_failure,permanent_failure,skipped"`
	ResponseDetail string `json:"response_detail,omitempty"`
	SentAt         string `json:"sent_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"admin,client"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CreatedAPIKeyResponse carries the plaintext secret; it is returned once
// at creation and only the hash is stored.
type CreatedAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		OrgID:     p.OrgID,
		Name:      p.Name,
		Status:    p.Status,
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func transitionResponse(t domain.StatusTransition, replayed bool) TransitionResponse {
	return TransitionResponse{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		FromStatus:     t.FromStatus,
		ToStatus:       t.ToStatus,
		ActorID:        t.ActorID,
		IdempotencyKey: t.IdempotencyKey,
		OccurredAt:     t.OccurredAt,
		Replayed:       replayed,
	}
}

func mapTransitions(items []domain.StatusTransition) []TransitionResponse {
	res := make([]TransitionResponse, 0, len(items))
	for _, t := range items {
		res = append(res, transitionResponse(t, false))
	}
	return res
}

func attemptResponse(a domain.NotificationAttempt) AttemptResponse {
	return AttemptResponse{
		TransitionID:   a.TransitionID,
		AttemptNumber:  a.AttemptNumber,
		Outcome:        a.Outcome,
		ResponseDetail: a.ResponseDetail,
		SentAt:         a.SentAt,
	}
}

func mapAttempts(items []domain.NotificationAttempt) []AttemptResponse {
	res := make([]AttemptResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attemptResponse(a))
	}
	return res
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      k.Role,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, apiKeyResponse(k))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func statusResponse(projectID string, status domain.ProjectStatus, version int64) StatusResponse {
	next := []string{}
	for _, s := range domain.AllowedNext(status) {
		next = append(next, string(s))
	}
	return StatusResponse{
		ProjectID: projectID,
		Status:    string(status),
		Version:   version,
		Next:      next,
	}
}

func transitionResult(res engine.TransitionResult) TransitionResponse {
	return transitionResponse(res.Transition, res.Replayed)
}
