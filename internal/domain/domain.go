package domain

// ProjectStatus is one of the fixed lifecycle states a project moves through.
type ProjectStatus string

const (
	StatusDraft      ProjectStatus = "draft"
	StatusOnboarding ProjectStatus = "onboarding"
	StatusActive     ProjectStatus = "active"
	StatusOnHold     ProjectStatus = "on_hold"
	StatusDelivered  ProjectStatus = "delivered"
	StatusClosed     ProjectStatus = "closed"
	StatusCancelled  ProjectStatus = "cancelled"
)

// Statuses lists every valid project status in lifecycle order.
func Statuses() []ProjectStatus {
	return []ProjectStatus{
		StatusDraft,
		StatusOnboarding,
		StatusActive,
		StatusOnHold,
		StatusDelivered,
		StatusClosed,
		StatusCancelled,
	}
}

// ValidStatus reports whether s is a member of the status set.
func ValidStatus(s ProjectStatus) bool {
	switch s {
	case StatusDraft, StatusOnboarding, StatusActive, StatusOnHold,
		StatusDelivered, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// AllowedNext returns the statuses a project may move to from the given
// status. Terminal statuses return an empty set. The table is total: every
// valid status has an entry.
func AllowedNext(from ProjectStatus) []ProjectStatus {
	switch from {
	case StatusDraft:
		return []ProjectStatus{StatusOnboarding, StatusCancelled}
	case StatusOnboarding:
		return []ProjectStatus{StatusActive, StatusOnHold, StatusCancelled}
	case StatusActive:
		return []ProjectStatus{StatusOnHold, StatusDelivered, StatusCancelled}
	case StatusOnHold:
		return []ProjectStatus{StatusActive, StatusCancelled}
	case StatusDelivered:
		return []ProjectStatus{StatusClosed, StatusActive}
	case StatusClosed, StatusCancelled:
		return nil
	}
	return nil
}

// Actor roles recognized by the role policy.
const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

type Project struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"draft,onboarding,active,on_hold,delivered,closed,cancelled"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// StatusTransition is one accepted status change. Rows are immutable and
// never deleted; they are the audit trail and the idempotency record.
type StatusTransition struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	FromStatus     string `json:"from_status" enum:"draft,onboarding,active,on_hold,delivered,closed,cancelled"`
	ToStatus       string `json:"to_status" enum:"draft,onboarding,active,on_hold,delivered,closed,cancelled"`
	ActorID        string `json:"actor_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	OccurredAt     string `json:"occurred_at" format:"date-time"`
}

// Notification attempt outcomes. Skipped means the integration is not
// configured; it is terminal and distinct from a delivery failure.
const (
	OutcomeSuccess          = "success"
	OutcomeTransientFailure = "transient_failure"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeSkipped          = "skipped"
)

// TerminalOutcome reports whether an outcome ends delivery for a transition.
func TerminalOutcome(outcome string) bool {
	switch outcome {
	case OutcomeSuccess, OutcomePermanentFailure, OutcomeSkipped:
		return true
	}
	return false
}

// NotificationAttempt records a single delivery try for a transition.
type NotificationAttempt struct {
	ID             int64  `json:"id"`
	TransitionID   string `json:"transition_id"`
	AttemptNumber  int    `json:"attempt_number"`
	Outcome        string `json:"outcome" enum:"success,transient_failure,permanent_failure,skipped"`
	ResponseDetail string `json:"response_detail,omitempty"`
	SentAt         string `json:"sent_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
