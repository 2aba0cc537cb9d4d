package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

// Notifier receives persisted transitions for best-effort delivery. Enqueue
// must not block the caller; delivery outcomes are observable only through
// the attempt log.
type Notifier interface {
	Enqueue(t domain.StatusTransition, projectName string)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project in draft with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if name == "" {
		name = projectID
	}
	org := e.Config.Project.Org
	if org == "" {
		org = "default-org"
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:        projectID,
		OrgID:     org,
		Name:      name,
		Status:    string(domain.StatusDraft),
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TransitionOptions are parameters for requesting a status change.
type TransitionOptions struct {
	ProjectID string
	ToStatus  domain.ProjectStatus
	ActorID   string
	ActorRole string
	// ExpectedStatus is the caller's snapshot of the current status. When
	// set, a mismatch rejects with stale_state before any side effect.
	ExpectedStatus domain.ProjectStatus
	IdempotencyKey string
}

// TransitionResult is the synchronous answer to a transition request.
// Notification delivery is not part of it.
type TransitionResult struct {
	Transition domain.StatusTransition
	Replayed   bool
}

// RequestTransition validates, persists, and hands the transition to the
// notifier. The caller gets success as soon as the ledger append commits;
// delivery to the automation engine proceeds in the background and never
// affects the returned result.
func (e Engine) RequestTransition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	if e.Config == nil {
		return TransitionResult{}, errors.New("config not loaded")
	}
	if opts.ProjectID == "" {
		return TransitionResult{}, errors.New("project is required")
	}
	if opts.ActorID == "" {
		return TransitionResult{}, errors.New("actor is required")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return TransitionResult{}, err
	}
	// Replays are answered before any state check: a retry after the
	// original request committed sees the project already moved, so the
	// stale-state and validation checks would wrongly reject it.
	if opts.IdempotencyKey != "" {
		existing, err := e.Repo.FindTransitionByKey(ctx, p.ID, string(opts.ToStatus), opts.IdempotencyKey)
		if err == nil {
			return TransitionResult{Transition: existing, Replayed: true}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return TransitionResult{}, err
		}
	}
	current := domain.ProjectStatus(p.Status)
	if opts.ExpectedStatus != "" && opts.ExpectedStatus != current {
		return TransitionResult{}, TransitionError{
			Reason: ReasonStaleState,
			From:   opts.ExpectedStatus,
			To:     opts.ToStatus,
			Detail: "current status is " + p.Status,
		}
	}
	if err := ValidateTransition(current, opts.ToStatus, opts.ActorRole, e.Config); err != nil {
		e.recordRejection(ctx, p.ID, current, opts, err)
		return TransitionResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	t := domain.StatusTransition{
		ID:             uuid.New().String(),
		ProjectID:      p.ID,
		FromStatus:     p.Status,
		ToStatus:       string(opts.ToStatus),
		ActorID:        opts.ActorID,
		IdempotencyKey: opts.IdempotencyKey,
		OccurredAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.AppendTransition(ctx, tx, t, p.Version); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.status.changed", p.ID, "transition", t.ID, opts.ActorID, events.EventPayload{
		"from": t.FromStatus,
		"to":   t.ToStatus,
	}); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}

	if e.Notifier != nil {
		e.Notifier.Enqueue(t, p.Name)
	}
	return TransitionResult{Transition: t}, nil
}

// recordRejection audits a denied well-formed request. Best effort: a
// failure to write the audit row does not change the rejection returned to
// the caller.
func (e Engine) recordRejection(ctx context.Context, projectID string, current domain.ProjectStatus, opts TransitionOptions, cause error) {
	var te TransitionError
	if !errors.As(cause, &te) {
		return
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project.transition.rejected", projectID, "project", projectID, opts.ActorID, events.EventPayload{
		"from":   string(current),
		"to":     string(opts.ToStatus),
		"reason": te.Reason,
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

// LatestStatus returns the current status of record and its version.
func (e Engine) LatestStatus(ctx context.Context, projectID string) (domain.ProjectStatus, int64, error) {
	return e.Repo.LatestStatus(ctx, projectID)
}

// History returns the project's accepted transitions in append order.
func (e Engine) History(ctx context.Context, projectID string) ([]domain.StatusTransition, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.History(ctx, projectID)
}

// Attempts returns the delivery audit trail for a transition.
func (e Engine) Attempts(ctx context.Context, transitionID string) ([]domain.NotificationAttempt, error) {
	if _, err := e.Repo.GetTransition(ctx, transitionID); err != nil {
		return nil, err
	}
	return e.Repo.ListAttempts(ctx, transitionID)
}
