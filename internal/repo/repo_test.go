package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/migrate"
)

func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := Repo{DB: conn}
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertProject(ctx, domain.Project{
		ID: "p1", OrgID: "org", Name: "P1", Status: string(domain.StatusDraft),
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return r, ctx
}

func appendTransition(t *testing.T, r Repo, ctx context.Context, tr domain.StatusTransition, version int64) {
	t.Helper()
	if err := inTx(r, ctx, func(tx *sql.Tx) error {
		return r.AppendTransition(ctx, tx, tr, version)
	}); err != nil {
		t.Fatalf("append %s: %v", tr.ID, err)
	}
}

func inTx(r Repo, ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestAppendAdvancesProjection(t *testing.T) {
	r, ctx := newTestRepo(t)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "t1", ProjectID: "p1",
		FromStatus: "draft", ToStatus: "onboarding",
		ActorID: "a", OccurredAt: "2026-01-01T00:00:00Z",
	}, 0)

	status, version, err := r.LatestStatus(ctx, "p1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if status != domain.StatusOnboarding || version != 1 {
		t.Fatalf("projection = %s v%d", status, version)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	r, ctx := newTestRepo(t)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "t1", ProjectID: "p1",
		FromStatus: "draft", ToStatus: "onboarding",
		ActorID: "a", OccurredAt: "2026-01-01T00:00:00Z",
	}, 0)

	err := inTx(r, ctx, func(tx *sql.Tx) error {
		return r.AppendTransition(ctx, tx, domain.StatusTransition{
			ID: "t2", ProjectID: "p1",
			FromStatus: "draft", ToStatus: "cancelled",
			ActorID: "b", OccurredAt: "2026-01-01T00:00:01Z",
		}, 0)
	})
	if err != ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	// the loser left nothing behind
	history, _ := r.History(ctx, "p1")
	if len(history) != 1 {
		t.Fatalf("history = %d rows, want 1", len(history))
	}
}

func TestIdempotencyKeyUniquePerTuple(t *testing.T) {
	r, ctx := newTestRepo(t)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "t1", ProjectID: "p1",
		FromStatus: "draft", ToStatus: "onboarding",
		ActorID: "a", IdempotencyKey: "k1", OccurredAt: "2026-01-01T00:00:00Z",
	}, 0)

	err := inTx(r, ctx, func(tx *sql.Tx) error {
		return r.AppendTransition(ctx, tx, domain.StatusTransition{
			ID: "t2", ProjectID: "p1",
			FromStatus: "draft", ToStatus: "onboarding",
			ActorID: "a", IdempotencyKey: "k1", OccurredAt: "2026-01-01T00:00:01Z",
		}, 1)
	})
	if err == nil {
		t.Fatal("duplicate idempotency tuple accepted")
	}

	found, err := r.DB.Query(`SELECT id FROM status_transitions`)
	if err != nil {
		t.Fatal(err)
	}
	defer found.Close()
	var n int
	for found.Next() {
		n++
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestFindTransitionByKey(t *testing.T) {
	r, ctx := newTestRepo(t)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "t1", ProjectID: "p1",
		FromStatus: "draft", ToStatus: "onboarding",
		ActorID: "a", IdempotencyKey: "k1", OccurredAt: "2026-01-01T00:00:00Z",
	}, 0)

	got, err := r.FindTransitionByKey(ctx, "p1", "onboarding", "k1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("found %s, want t1", got.ID)
	}
	// an empty key never matches
	if _, err := r.FindTransitionByKey(ctx, "p1", "onboarding", ""); err != ErrNotFound {
		t.Fatalf("empty key err = %v, want ErrNotFound", err)
	}
	if _, err := r.FindTransitionByKey(ctx, "p1", "onboarding", "k2"); err != ErrNotFound {
		t.Fatalf("unknown key err = %v, want ErrNotFound", err)
	}
}

func TestUnresolvedTransitions(t *testing.T) {
	r, ctx := newTestRepo(t)
	// ids sort against insertion order; the scan must stay oldest-first
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "t9", ProjectID: "p1",
		FromStatus: "draft", ToStatus: "onboarding",
		ActorID: "a", OccurredAt: "2026-01-01T00:00:00Z",
	}, 0)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "t1", ProjectID: "p1",
		FromStatus: "onboarding", ToStatus: "active",
		ActorID: "a", OccurredAt: "2026-01-01T00:00:00Z",
	}, 1)

	// t9 has only a transient attempt: still unresolved
	if _, err := r.InsertAttempt(ctx, domain.NotificationAttempt{
		TransitionID: "t9", AttemptNumber: 1,
		Outcome: domain.OutcomeTransientFailure, SentAt: "2026-01-01T00:00:02Z",
	}); err != nil {
		t.Fatalf("insert attempt: %v", err)
	}
	pending, err := r.UnresolvedTransitions(ctx, 0)
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("unresolved = %d, want 2", len(pending))
	}
	if pending[0].ID != "t9" || pending[1].ID != "t1" {
		t.Fatalf("order = %s,%s, want oldest first", pending[0].ID, pending[1].ID)
	}

	// a terminal outcome resolves t9
	if _, err := r.InsertAttempt(ctx, domain.NotificationAttempt{
		TransitionID: "t9", AttemptNumber: 2,
		Outcome: domain.OutcomeSuccess, SentAt: "2026-01-01T00:00:03Z",
	}); err != nil {
		t.Fatalf("insert attempt: %v", err)
	}
	pending, err = r.UnresolvedTransitions(ctx, 0)
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "t1" {
		t.Fatalf("unresolved = %+v, want only t1", pending)
	}
}

func TestNextAttemptNumber(t *testing.T) {
	r, ctx := newTestRepo(t)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "t1", ProjectID: "p1",
		FromStatus: "draft", ToStatus: "onboarding",
		ActorID: "a", OccurredAt: "2026-01-01T00:00:00Z",
	}, 0)

	n, err := r.NextAttemptNumber(ctx, "t1")
	if err != nil || n != 1 {
		t.Fatalf("first = %d, %v", n, err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := r.InsertAttempt(ctx, domain.NotificationAttempt{
			TransitionID: "t1", AttemptNumber: i,
			Outcome: domain.OutcomeTransientFailure, SentAt: "2026-01-01T00:00:01Z",
		}); err != nil {
			t.Fatalf("insert attempt %d: %v", i, err)
		}
	}
	n, err = r.NextAttemptNumber(ctx, "t1")
	if err != nil || n != 3 {
		t.Fatalf("next = %d, %v", n, err)
	}
}

func TestHistoryKeepsAppendOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	// identical second-resolution timestamps and ids that sort against the
	// insertion order: only the insertion sequence can order these correctly
	ts := "2026-01-01T00:00:00Z"
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "zz-first", ProjectID: "p1", FromStatus: "draft", ToStatus: "onboarding",
		ActorID: "a", OccurredAt: ts,
	}, 0)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "mm-second", ProjectID: "p1", FromStatus: "onboarding", ToStatus: "active",
		ActorID: "a", OccurredAt: ts,
	}, 1)
	appendTransition(t, r, ctx, domain.StatusTransition{
		ID: "aa-third", ProjectID: "p1", FromStatus: "active", ToStatus: "on_hold",
		ActorID: "a", OccurredAt: ts,
	}, 2)

	history, err := r.History(ctx, "p1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, want := range []string{"zz-first", "mm-second", "aa-third"} {
		if history[i].ID != want {
			t.Fatalf("history[%d] = %s, want %s", i, history[i].ID, want)
		}
	}
	if history[len(history)-1].ToStatus != "on_hold" {
		t.Fatalf("history tail = %s, want on_hold", history[len(history)-1].ToStatus)
	}
}

func TestEventsAfterCursor(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, typ := range []string{"project.init", "project.status.changed", "project.status.changed"} {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			"2026-01-01T00:00:00Z", typ, "p1", "project", "p1", "a", `{}`); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	latest, err := r.LatestEventID(ctx, "p1")
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if latest != 3 {
		t.Fatalf("latest = %d, want 3", latest)
	}
	if id, _ := r.LatestEventID(ctx, "other"); id != 0 {
		t.Fatalf("latest for unknown project = %d, want 0", id)
	}

	// forward scan from a mid-log cursor, ascending
	batch, err := r.EventsAfter(ctx, 0, 1, "p1")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != 2 || batch[1].ID != 3 {
		t.Fatalf("batch = %+v, want ids 2,3", batch)
	}

	// caught up: nothing past the latest id
	batch, err = r.EventsAfter(ctx, 0, latest, "p1")
	if err != nil {
		t.Fatalf("events after latest: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("batch = %+v, want empty", batch)
	}
}

func TestHashAPIKeyStable(t *testing.T) {
	if HashAPIKey("abc") != HashAPIKey(" abc ") {
		t.Fatal("hash should trim whitespace")
	}
	if HashAPIKey("abc") == HashAPIKey("abd") {
		t.Fatal("distinct keys collide")
	}
}
