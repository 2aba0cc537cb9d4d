package engine

import (
	"fmt"

	"flowline/internal/config"
	"flowline/internal/domain"
)

// Rejection reasons returned to callers. These are caller errors: the core
// never retries them.
const (
	ReasonIllegalTransition = "illegal_transition"
	ReasonForbiddenForRole  = "forbidden_for_role"
	ReasonStaleState        = "stale_state"
)

// TransitionError is a reason-coded rejection of a transition request.
type TransitionError struct {
	Reason string
	From   domain.ProjectStatus
	To     domain.ProjectStatus
	Detail string
}

func (e TransitionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s: %s -> %s", e.Reason, e.From, e.To)
}

// ValidateTransition decides whether a status change is legal given the
// project's current status and the requester's role. Pure and deterministic;
// no side effects.
func ValidateTransition(current, requested domain.ProjectStatus, role string, cfg *config.Config) error {
	if !domain.ValidStatus(requested) {
		return TransitionError{Reason: ReasonIllegalTransition, From: current, To: requested,
			Detail: fmt.Sprintf("unknown status %q", requested)}
	}
	if !domain.ValidStatus(current) {
		return TransitionError{Reason: ReasonIllegalTransition, From: current, To: requested,
			Detail: fmt.Sprintf("unknown current status %q", current)}
	}
	allowed := false
	for _, next := range domain.AllowedNext(current) {
		if next == requested {
			allowed = true
			break
		}
	}
	if !allowed {
		return TransitionError{Reason: ReasonIllegalTransition, From: current, To: requested}
	}
	if requested == domain.StatusCancelled && !cfg.RoleMayCancel(role) {
		return TransitionError{Reason: ReasonForbiddenForRole, From: current, To: requested,
			Detail: fmt.Sprintf("role %q may not cancel", role)}
	}
	return nil
}
