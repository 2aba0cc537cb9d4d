package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), "proj-1", "Test Project", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "admin-1", "X-Actor-Role": domain.RoleAdmin}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	var decoded map[string]any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return res.StatusCode, decoded
}

func doJSONList(t *testing.T, client *http.Client, url string, headers map[string]string) (int, []map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	var decoded []map[string]any
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res.StatusCode, decoded
}

func errorCode(body map[string]any) string {
	if env, ok := body["error"].(map[string]any); ok {
		code, _ := env["code"].(string)
		return code
	}
	return ""
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", status, body)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (%v)", status, body)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	status, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "onboarding"}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("transition = %d %v", status, body)
	}
	if body["from_status"] != "draft" || body["to_status"] != "onboarding" {
		t.Fatalf("transition body = %v", body)
	}
	if body["actor_id"] != "admin-1" {
		t.Fatalf("actor = %v", body["actor_id"])
	}

	status, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/status", nil, adminHeaders())
	if status != http.StatusOK || body["status"] != "onboarding" {
		t.Fatalf("status = %d %v", status, body)
	}
	next, _ := body["next"].([]any)
	if len(next) != 3 {
		t.Fatalf("next = %v, want active/on_hold/cancelled", body["next"])
	}

	status, items := doJSONList(t, client, srv.URL+"/v0/projects/proj-1/transitions", adminHeaders())
	if status != http.StatusOK || len(items) != 1 {
		t.Fatalf("history = %d %v", status, items)
	}
}

func TestIllegalTransitionIs422(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "closed"}, adminHeaders())
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%v)", status, body)
	}
	if errorCode(body) != "illegal_transition" {
		t.Fatalf("code = %q, want illegal_transition", errorCode(body))
	}
}

func TestClientCancelIs403(t *testing.T) {
	srv := newTestServer(t)
	headers := map[string]string{"X-Actor-Id": "client-1", "X-Actor-Role": domain.RoleClient}
	status, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "cancelled"}, headers)
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (%v)", status, body)
	}
	if errorCode(body) != "forbidden_for_role" {
		t.Fatalf("code = %q, want forbidden_for_role", errorCode(body))
	}
}

func TestStaleExpectIs409(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	status, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "onboarding"}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("setup transition = %d %v", status, body)
	}
	status, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "cancelled", "expected_status": "draft"}, adminHeaders())
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (%v)", status, body)
	}
	if errorCode(body) != "stale_state" {
		t.Fatalf("code = %q, want stale_state", errorCode(body))
	}
}

func TestIdempotentReplayOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	// the retry resends the exact original request, expected_status included;
	// the project has already moved to onboarding by then
	req := map[string]string{"to_status": "onboarding", "expected_status": "draft", "idempotency_key": "req-1"}
	status, first := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions", req, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("first request = %d %v", status, first)
	}
	status, second := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions", req, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("replay = %d %v", status, second)
	}
	if second["id"] != first["id"] {
		t.Fatalf("replay id %v != original %v", second["id"], first["id"])
	}
	if second["replayed"] != true {
		t.Fatalf("replay flag missing: %v", second)
	}
}

func TestAttemptsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	status, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "onboarding"}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("transition = %d %v", status, body)
	}
	transitionID, _ := body["id"].(string)
	if _, err := srv.Engine.Repo.InsertAttempt(context.Background(), domain.NotificationAttempt{
		TransitionID:  transitionID,
		AttemptNumber: 1,
		Outcome:       domain.OutcomeSkipped,
		SentAt:        time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert attempt: %v", err)
	}
	status, items := doJSONList(t, client, srv.URL+"/v0/projects/proj-1/transitions/"+transitionID+"/attempts", adminHeaders())
	if status != http.StatusOK || len(items) != 1 {
		t.Fatalf("attempts = %d %v", status, items)
	}
	if items[0]["outcome"] != "skipped" {
		t.Fatalf("outcome = %v", items[0]["outcome"])
	}

	status, _ = doJSONList(t, client, srv.URL+"/v0/projects/other/transitions/"+transitionID+"/attempts", adminHeaders())
	if status != http.StatusNotFound {
		t.Fatalf("cross-project attempts = %d, want 404", status)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	claims := jwt.MapClaims{
		"sub":  "jwt-admin",
		"role": domain.RoleAdmin,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	status, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "onboarding"}, headers)
	if status != http.StatusCreated {
		t.Fatalf("jwt transition = %d %v", status, body)
	}
	if body["actor_id"] != "jwt-admin" {
		t.Fatalf("actor = %v", body["actor_id"])
	}

	status, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects",
		nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", status)
	}
}

func TestAPIKeyAuthCarriesRole(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	secret := "k-123456"
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "svc-bot",
		Role:    domain.RoleClient,
		KeyHash: repo.HashAPIKey(secret),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	headers := map[string]string{"X-Api-Key": secret}

	status, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "onboarding"}, headers)
	if status != http.StatusCreated {
		t.Fatalf("api key transition = %d %v", status, body)
	}
	if body["actor_id"] != "svc-bot" {
		t.Fatalf("actor = %v", body["actor_id"])
	}

	// the key's client role cannot cancel
	status, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "cancelled"}, headers)
	if status != http.StatusForbidden {
		t.Fatalf("client key cancel = %d, want 403 (%v)", status, body)
	}
}

func TestCreateAndGetProject(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	status, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects",
		map[string]string{"id": "proj-2", "name": "Second"}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("create = %d %v", status, body)
	}
	if body["status"] != "draft" || body["version"] != float64(0) {
		t.Fatalf("new project = %v", body)
	}
	status, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-2", nil, adminHeaders())
	if status != http.StatusOK || body["name"] != "Second" {
		t.Fatalf("get = %d %v", status, body)
	}
	status, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/nope", nil, adminHeaders())
	if status != http.StatusNotFound {
		t.Fatalf("missing project = %d", status)
	}
}

func TestAPIKeyEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	status, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys",
		map[string]string{"actor_id": "svc-bot", "role": domain.RoleClient, "name": "ci"}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("create key = %d %v", status, body)
	}
	secret, _ := body["key"].(string)
	if secret == "" {
		t.Fatalf("no plaintext key in response: %v", body)
	}

	// the minted key authenticates and carries its client role
	status, tr := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "onboarding"}, map[string]string{"X-Api-Key": secret})
	if status != http.StatusCreated || tr["actor_id"] != "svc-bot" {
		t.Fatalf("minted key transition = %d %v", status, tr)
	}

	status, items := doJSONList(t, client, srv.URL+"/v0/apikeys?actor=svc-bot", adminHeaders())
	if status != http.StatusOK || len(items) != 1 {
		t.Fatalf("list keys = %d %v", status, items)
	}
	if items[0]["actor_id"] != "svc-bot" || items[0]["role"] != domain.RoleClient {
		t.Fatalf("listed key = %v", items[0])
	}
	if _, leaked := items[0]["key"]; leaked {
		t.Fatalf("plaintext key leaked in list: %v", items[0])
	}

	// key management is admin-only
	clientHeaders := map[string]string{"X-Actor-Id": "client-1", "X-Actor-Role": domain.RoleClient}
	status, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys",
		map[string]string{"actor_id": "other"}, clientHeaders)
	if status != http.StatusForbidden {
		t.Fatalf("client create key = %d, want 403 (%v)", status, body)
	}
	status, _ = doJSONList(t, client, srv.URL+"/v0/apikeys", clientHeaders)
	if status != http.StatusForbidden {
		t.Fatalf("client list keys = %d, want 403", status)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions",
		map[string]string{"to_status": "onboarding"}, adminHeaders())
	status, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/events?type=project.status.changed", nil, adminHeaders())
	if status != http.StatusOK {
		t.Fatalf("events = %d %v", status, body)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("events items = %v", body["items"])
	}
}
