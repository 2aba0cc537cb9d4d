package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/repo"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	eventType        = "project.status.changed"
)

// Payload is the normalized event delivered to the automation engine. Its
// shape is stable and independent of the internal storage representation.
type Payload struct {
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ChangedAt  string `json:"changed_at"`
	ChangedBy  string `json:"changed_by"`
}

type task struct {
	transition  domain.StatusTransition
	projectName string
}

// Notifier delivers transition events to the automation endpoint with
// bounded sequential retries per transition. Distinct transitions are
// delivered concurrently by the worker pool; a single transition is owned
// by one worker at a time, so at most one attempt is ever in flight for it.
type Notifier struct {
	repo    repo.Repo
	auto    config.AutomationConfig
	client  *http.Client
	queue   chan task
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Once
	now     func() time.Time
}

// Options tune the worker pool; zero values take defaults.
type Options struct {
	Workers   int
	QueueSize int
	Now       func() time.Time
}

// New builds a notifier from the automation config and starts its workers.
func New(r repo.Repo, auto config.AutomationConfig, opts Options) *Notifier {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	n := &Notifier{
		repo:   r,
		auto:   auto,
		client: &http.Client{Timeout: auto.Timeout()},
		queue:  make(chan task, queueSize),
		done:   make(chan struct{}),
		now:    now,
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Enqueue hands a persisted transition to the delivery pool. It never
// blocks: when the queue is full the transition is left for startup
// reconciliation, which finds it by its missing terminal attempt.
func (n *Notifier) Enqueue(t domain.StatusTransition, projectName string) {
	select {
	case <-n.done:
		return
	default:
	}
	select {
	case n.queue <- task{transition: t, projectName: projectName}:
	default:
		log.Printf("notify: queue full, leaving transition %s for reconciliation", t.ID)
	}
}

// Close stops intake and waits for workers to finish their current
// delivery. Transitions abandoned mid-retry keep no terminal attempt and
// are resumed by Reconcile on next startup.
func (n *Notifier) Close() {
	n.closeMu.Do(func() { close(n.done) })
	n.wg.Wait()
}

// Reconcile re-enqueues every transition without a terminal delivery
// outcome. Called once at startup.
func (n *Notifier) Reconcile(ctx context.Context) error {
	pending, err := n.repo.UnresolvedTransitions(ctx, 0)
	if err != nil {
		return fmt.Errorf("scan unresolved transitions: %w", err)
	}
	for _, t := range pending {
		name := t.ProjectID
		if p, err := n.repo.GetProject(ctx, t.ProjectID); err == nil {
			name = p.Name
		}
		n.Enqueue(t, name)
	}
	if len(pending) > 0 {
		log.Printf("notify: resuming %d unresolved transition(s)", len(pending))
	}
	return nil
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case t := <-n.queue:
			n.Notify(context.Background(), t.transition, t.projectName)
		}
	}
}

// Notify delivers one transition and returns the final outcome. Every
// attempt is recorded in the attempt log regardless of result. An
// unconfigured integration records a single skipped attempt and is not an
// error. Exhausted transient retries degrade to permanent_failure carrying
// the last error detail.
func (n *Notifier) Notify(ctx context.Context, t domain.StatusTransition, projectName string) string {
	if !n.auto.Configured() {
		n.record(ctx, t.ID, 0, domain.OutcomeSkipped, "integration not configured")
		return domain.OutcomeSkipped
	}
	payload := Payload{
		EntityID:   t.ProjectID,
		EntityName: projectName,
		FromStatus: t.FromStatus,
		ToStatus:   t.ToStatus,
		ChangedAt:  t.OccurredAt,
		ChangedBy:  t.ActorID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		n.record(ctx, t.ID, 0, domain.OutcomePermanentFailure, "marshal payload: "+err.Error())
		return domain.OutcomePermanentFailure
	}

	start, err := n.repo.NextAttemptNumber(ctx, t.ID)
	if err != nil {
		log.Printf("notify: attempt counter for %s: %v", t.ID, err)
		start = 1
	}
	maxAttempts := n.auto.Attempts()
	backoff := n.auto.Backoff()
	var outcome, detail string
	for i := 0; i < maxAttempts; i++ {
		outcome, detail = n.post(ctx, data, t)
		last := i == maxAttempts-1
		if outcome == domain.OutcomeTransientFailure && last {
			outcome = domain.OutcomePermanentFailure
			detail = "retries exhausted: " + detail
		}
		n.record(ctx, t.ID, start+i, outcome, detail)
		if outcome != domain.OutcomeTransientFailure {
			break
		}
		select {
		case <-n.done:
			// Shutdown mid-retry: no terminal attempt recorded, resumed
			// by Reconcile.
			return domain.OutcomeTransientFailure
		case <-ctx.Done():
			return domain.OutcomeTransientFailure
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	switch outcome {
	case domain.OutcomeSuccess:
	default:
		log.Printf("notify: delivery for transition %s degraded: %s (%s)", t.ID, outcome, detail)
	}
	return outcome
}

// post performs a single delivery attempt and classifies the result.
// Network errors, timeouts, and 5xx responses are transient; 4xx responses
// are permanent.
func (n *Notifier) post(ctx context.Context, data []byte, t domain.StatusTransition) (string, string) {
	ctx, cancel := context.WithTimeout(ctx, n.auto.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.auto.URL, bytes.NewReader(data))
	if err != nil {
		return domain.OutcomePermanentFailure, "build request: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowline-Event", eventType)
	req.Header.Set("X-Flowline-Delivery", t.ID)
	if strings.TrimSpace(n.auto.Secret) != "" {
		req.Header.Set("X-Flowline-Secret", n.auto.Secret)
	}
	res, err := n.client.Do(req)
	if err != nil {
		return domain.OutcomeTransientFailure, err.Error()
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	detail := fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return domain.OutcomeSuccess, fmt.Sprintf("status %d", res.StatusCode)
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return domain.OutcomePermanentFailure, detail
	default:
		return domain.OutcomeTransientFailure, detail
	}
}

func (n *Notifier) record(ctx context.Context, transitionID string, attemptNumber int, outcome, detail string) {
	if attemptNumber <= 0 {
		next, err := n.repo.NextAttemptNumber(ctx, transitionID)
		if err != nil {
			next = 1
		}
		attemptNumber = next
	}
	_, err := n.repo.InsertAttempt(ctx, domain.NotificationAttempt{
		TransitionID:   transitionID,
		AttemptNumber:  attemptNumber,
		Outcome:        outcome,
		ResponseDetail: detail,
		SentAt:         n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("notify: record attempt for %s: %v", transitionID, err)
	}
}
