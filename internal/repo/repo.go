package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a concurrent writer advanced the project version
	// between the caller's read and this append. The caller should re-read
	// the current status and retry the whole request.
	ErrConflict = errors.New("version conflict")
)

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,status,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,status,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,status,version,created_at,updated_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT id,org_id,name,status,version,created_at,updated_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,status,version,created_at,updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// AppendTransition inserts the ledger row and advances the project's status
// projection in one shot. The UPDATE is guarded by the version the caller
// read; zero rows affected means a concurrent writer won and the append
// fails with ErrConflict, leaving the ledger untouched once the surrounding
// transaction rolls back.
func (r Repo) AppendTransition(ctx context.Context, tx *sql.Tx, t domain.StatusTransition, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		t.ToStatus, t.OccurredAt, t.ProjectID, expectedVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO status_transitions(id,project_id,from_status,to_status,actor_id,idempotency_key,occurred_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.FromStatus, t.ToStatus, t.ActorID, nullable(t.IdempotencyKey), t.OccurredAt)
	return err
}

func scanTransition(scan func(dest ...any) error) (domain.StatusTransition, error) {
	var t domain.StatusTransition
	var key sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.FromStatus, &t.ToStatus, &t.ActorID, &key, &t.OccurredAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if key.Valid {
		t.IdempotencyKey = key.String
	}
	return t, nil
}

const transitionColumns = `id,project_id,from_status,to_status,actor_id,idempotency_key,occurred_at`

func (r Repo) GetTransition(ctx context.Context, id string) (domain.StatusTransition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM status_transitions WHERE id=?`, id)
	return scanTransition(row.Scan)
}

// FindTransitionByKey returns a previously recorded transition matching the
// caller's idempotency key, for replay detection. The lookup deliberately
// omits from_status: by the time a retry arrives the project has already
// moved past the recorded from_status. Races between duplicate first
// requests are caught by the unique index on the full idempotency tuple.
func (r Repo) FindTransitionByKey(ctx context.Context, projectID, toStatus, key string) (domain.StatusTransition, error) {
	if key == "" {
		return domain.StatusTransition{}, ErrNotFound
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM status_transitions WHERE project_id=? AND to_status=? AND idempotency_key=?`,
		projectID, toStatus, key)
	return scanTransition(row.Scan)
}

// History returns a project's accepted transitions in append order. rowid
// is the insertion sequence; occurred_at only has second resolution, so it
// cannot break ties between appends landing in the same second.
func (r Repo) History(ctx context.Context, projectID string) ([]domain.StatusTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transitionColumns+` FROM status_transitions WHERE project_id=? ORDER BY rowid ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusTransition
	for rows.Next() {
		t, err := scanTransition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestStatus reads the current-status projection, maintained atomically
// with every ledger append.
func (r Repo) LatestStatus(ctx context.Context, projectID string) (domain.ProjectStatus, int64, error) {
	var status string
	var version int64
	err := r.DB.QueryRowContext(ctx, `SELECT status,version FROM projects WHERE id=?`, projectID).Scan(&status, &version)
	if err == sql.ErrNoRows {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, err
	}
	return domain.ProjectStatus(status), version, nil
}

// InsertAttempt records one delivery try and returns its row id.
func (r Repo) InsertAttempt(ctx context.Context, a domain.NotificationAttempt) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notification_attempts(transition_id,attempt_number,outcome,response_detail,sent_at) VALUES (?,?,?,?,?)`,
		a.TransitionID, a.AttemptNumber, a.Outcome, nullable(a.ResponseDetail), a.SentAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAttempts returns a transition's delivery audit trail in attempt order.
func (r Repo) ListAttempts(ctx context.Context, transitionID string) ([]domain.NotificationAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transition_id,attempt_number,outcome,COALESCE(response_detail,''),sent_at FROM notification_attempts WHERE transition_id=? ORDER BY attempt_number ASC`, transitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationAttempt
	for rows.Next() {
		var a domain.NotificationAttempt
		if err := rows.Scan(&a.ID, &a.TransitionID, &a.AttemptNumber, &a.Outcome, &a.ResponseDetail, &a.SentAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// NextAttemptNumber returns one past the highest recorded attempt for a
// transition, so numbering stays strictly increasing across restarts.
func (r Repo) NextAttemptNumber(ctx context.Context, transitionID string) (int, error) {
	var max int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt_number),0) FROM notification_attempts WHERE transition_id=?`, transitionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// UnresolvedTransitions returns transitions whose latest attempt is missing
// or non-terminal, oldest first. Used to resume abandoned deliveries on
// startup.
func (r Repo) UnresolvedTransitions(ctx context.Context, limit int) ([]domain.StatusTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + prefixColumns("t", transitionColumns) + ` FROM status_transitions t
WHERE NOT EXISTS (
    SELECT 1 FROM notification_attempts a
    WHERE a.transition_id=t.id AND a.outcome IN (?,?,?)
)
ORDER BY t.rowid ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query,
		domain.OutcomeSuccess, domain.OutcomePermanentFailure, domain.OutcomeSkipped, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusTransition
	for rows.Next() {
		t, err := scanTransition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
