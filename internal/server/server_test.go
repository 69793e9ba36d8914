package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/drewdunne/codeloop/internal/agent"
	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/dispatch"
	"github.com/drewdunne/codeloop/internal/event"
	"github.com/drewdunne/codeloop/internal/orchestrator"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/registry"
	"github.com/drewdunne/codeloop/internal/verdict"
	"github.com/drewdunne/codeloop/internal/webhook"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	result   *orchestrator.Result
	code     *agent.CodeResult
	review   *orchestrator.ReviewOutcome
	err      error
	waitedCI []bool
	started  chan struct{}
	release  chan struct{}
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		<-f.release
	}
}

func (f *fakeAPI) ProcessIssue(ctx context.Context, repoRef string, issue, start int) (*orchestrator.Result, error) {
	f.record(fmt.Sprintf("process %s#%d from %d", repoRef, issue, start))
	return f.result, f.err
}

func (f *fakeAPI) RunCodeAgent(ctx context.Context, repoRef string, issue, iteration, pr int) (*agent.CodeResult, error) {
	f.record(fmt.Sprintf("code %s#%d it %d pr %d", repoRef, issue, iteration, pr))
	return f.code, f.err
}

func (f *fakeAPI) RunReviewer(ctx context.Context, repoRef string, pr int, wait bool) (*orchestrator.ReviewOutcome, error) {
	f.record(fmt.Sprintf("review %s#%d", repoRef, pr))
	f.mu.Lock()
	f.waitedCI = append(f.waitedCI, wait)
	f.mu.Unlock()
	return f.review, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNewServer(t *testing.T) {
	srv := New(testConfig())
	if srv == nil {
		t.Fatal("New() returned nil")
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	runs := dispatch.New(dispatch.Config{MaxConcurrent: 1, QueueSize: 1})
	defer runs.Shutdown(context.Background())
	srv := New(testConfig(), WithDispatcher(runs))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET /health Content-Type = %q, want %q", ct, "application/json")
	}

	health := decode[HealthResponse](t, rec)
	if health.Status != "ok" {
		t.Errorf("GET /health status = %q, want ok", health.Status)
	}
	for _, key := range []string{"active_runs", "queued_runs"} {
		if _, ok := health.Checks[key]; !ok {
			t.Errorf("GET /health missing %q in checks", key)
		}
	}
	if _, ok := health.Checks["docker"]; ok {
		t.Error("GET /health reports docker without a docker check")
	}
}

func TestServer_HealthEndpoint_Docker(t *testing.T) {
	tests := []struct {
		name       string
		check      error
		wantStatus string
		wantDocker bool
	}{
		{name: "available", wantStatus: "ok", wantDocker: true},
		{name: "unavailable", check: errors.New("daemon down"), wantStatus: "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(testConfig(), WithDockerCheck(func(context.Context) error { return tt.check }))

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			health := decode[HealthResponse](t, rec)
			if health.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", health.Status, tt.wantStatus)
			}
			if docker, ok := health.Checks["docker"].(bool); !ok || docker != tt.wantDocker {
				t.Errorf("docker check = %v, want %v", health.Checks["docker"], tt.wantDocker)
			}
		})
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := New(testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "codeloop_runs_started_total") {
		t.Error("GET /metrics missing codeloop_runs_started_total")
	}
}

func TestServer_WebhooksRequireSecret(t *testing.T) {
	srv := New(testConfig())

	rec := post(t, srv.Handler(), "/webhook/github", `{}`)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /webhook/github without secret status = %d, want 404", rec.Code)
	}
}

func TestServer_WebhookGitHubEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.GitHub.WebhookSecret = "test-secret"
	srv := New(cfg)

	payload := `{"action":"opened"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", webhook.Sign("test-secret", []byte(payload)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("POST /webhook/github status = %d, want %d, body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestServer_WebhookGitLabEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.GitLab.WebhookSecret = "test-secret"
	srv := New(cfg)

	req := httptest.NewRequest(http.MethodPost, "/webhook/gitlab", strings.NewReader(`{"object_kind":"merge_request"}`))
	req.Header.Set("X-Gitlab-Token", "test-secret")
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("POST /webhook/gitlab status = %d, want %d, body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestServer_WebhookRoutesEvents(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.GitHub.WebhookSecret = "test-secret"

	var routed []*event.Event
	router := event.NewRouter(cfg, func(ctx context.Context, e *event.Event) error {
		routed = append(routed, e)
		return nil
	}, nil)
	srv := New(cfg, WithEventRouter(router))

	send := func(eventType, payload string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(payload))
		req.Header.Set("X-Hub-Signature-256", webhook.Sign("test-secret", []byte(payload)))
		req.Header.Set("X-GitHub-Event", eventType)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("issues", `{"action":"opened","issue":{"number":7,"title":"Add flag"},"repository":{"full_name":"owner/repo"}}`); code != http.StatusOK {
		t.Fatalf("issues status = %d, want 200", code)
	}
	if code := send("push", `{"ref":"refs/heads/main"}`); code != http.StatusOK {
		t.Errorf("ignored event status = %d, want 200", code)
	}
	if code := send("issues", `{"action":"opened","issue":{"number":8}}`); code != http.StatusOK {
		t.Errorf("payload without repository status = %d, want 200", code)
	}
	if code := send("issues", `not json`); code != http.StatusBadRequest {
		t.Errorf("malformed payload status = %d, want 400", code)
	}

	if len(routed) != 1 {
		t.Fatalf("routed %d events, want 1", len(routed))
	}
	if routed[0].Type != event.TypeIssueOpened || routed[0].Number != 7 {
		t.Errorf("routed = %s #%d, want issue_opened #7", routed[0].Type, routed[0].Number)
	}
}

func TestServer_WebhookRetryLater(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.GitHub.WebhookSecret = "test-secret"
	router := event.NewRouter(cfg, func(ctx context.Context, e *event.Event) error {
		return fmt.Errorf("%w: queue full", webhook.ErrRetryLater)
	}, nil)
	srv := New(cfg, WithEventRouter(router))

	payload := `{"action":"opened","issue":{"number":7},"repository":{"full_name":"owner/repo"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", webhook.Sign("test-secret", []byte(payload)))
	req.Header.Set("X-GitHub-Event", "issues")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAPI_ProcessIssue(t *testing.T) {
	api := &fakeAPI{result: &orchestrator.Result{
		Outcome:       orchestrator.Approved,
		Iteration:     2,
		IterationsRun: 2,
		PullRequest:   &provider.PullRequest{Number: 101, URL: "https://example.com/pr/101"},
		Message:       "approved on iteration 2",
	}}
	srv := New(testConfig(), WithAPI(api))

	rec := post(t, srv.Handler(), "/api/process-issue", `{"repo":"owner/repo","issue_number":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}

	resp := decode[map[string]any](t, rec)
	if resp["outcome"] != "approved" {
		t.Errorf("outcome = %v, want approved", resp["outcome"])
	}
	if resp["iterations_used"] != float64(2) || resp["pr_number"] != float64(101) {
		t.Errorf("response = %v, want 2 iterations on #101", resp)
	}
	if len(api.calls) != 1 || api.calls[0] != "process owner/repo#7 from 0" {
		t.Errorf("calls = %v", api.calls)
	}
}

func TestAPI_ProcessIssueAsync(t *testing.T) {
	api := &fakeAPI{result: &orchestrator.Result{Outcome: orchestrator.Approved}}
	runs := dispatch.New(dispatch.Config{MaxConcurrent: 1, QueueSize: 2})
	srv := New(testConfig(), WithAPI(api), WithDispatcher(runs))

	rec := post(t, srv.Handler(), "/api/process-issue", `{"repo":"owner/repo","issue_number":7,"async":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[queuedResponse](t, rec)
	if resp.Key != "github:owner/repo#7" {
		t.Errorf("key = %q, want %q", resp.Key, "github:owner/repo#7")
	}

	if err := runs.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestAPI_ProcessIssueActiveRun(t *testing.T) {
	api := &fakeAPI{
		result:  &orchestrator.Result{Outcome: orchestrator.Approved},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	runs := dispatch.New(dispatch.Config{MaxConcurrent: 2, QueueSize: 2})
	defer runs.Shutdown(context.Background())
	srv := New(testConfig(), WithAPI(api), WithDispatcher(runs))

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- post(t, srv.Handler(), "/api/process-issue", `{"repo":"owner/repo","issue_number":7}`)
	}()
	<-api.started

	// Same issue under a provider-qualified reference.
	rec := post(t, srv.Handler(), "/api/process-issue", `{"repo":"github:owner/repo","issue_number":7}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("second run status = %d, want %d", rec.Code, http.StatusConflict)
	}
	rec = post(t, srv.Handler(), "/api/process-issue", `{"repo":"Owner/Repo","issue_number":7}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("differently cased run status = %d, want %d", rec.Code, http.StatusConflict)
	}

	close(api.release)
	if rec := <-first; rec.Code != http.StatusOK {
		t.Errorf("first run status = %d, want 200", rec.Code)
	}
}

func TestAPI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		api    API
		path   string
		body   string
		status int
	}{
		{name: "no api", path: "/api/process-issue", body: `{"repo":"owner/repo","issue_number":1}`, status: http.StatusServiceUnavailable},
		{name: "bad body", api: &fakeAPI{}, path: "/api/process-issue", body: `{`, status: http.StatusBadRequest},
		{name: "bad repo", api: &fakeAPI{}, path: "/api/process-issue", body: `{"repo":"nope","issue_number":1}`, status: http.StatusBadRequest},
		{name: "invalid request", api: &fakeAPI{err: orchestrator.ErrInvalidRequest}, path: "/api/process-issue", body: `{"repo":"owner/repo","issue_number":0}`, status: http.StatusBadRequest},
		{name: "provider not configured", api: &fakeAPI{err: registry.ErrProviderNotConfigured}, path: "/api/reviewer", body: `{"repo":"gitlab:owner/repo","pr_number":3}`, status: http.StatusBadRequest},
		{name: "not found", api: &fakeAPI{err: fmt.Errorf("fetching issue: %w", provider.ErrNotFound)}, path: "/api/code-agent", body: `{"repo":"owner/repo","issue_number":404}`, status: http.StatusNotFound},
		{name: "internal", api: &fakeAPI{err: errors.New("boom")}, path: "/api/process-issue", body: `{"repo":"owner/repo","issue_number":1}`, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(testConfig(), WithAPI(tt.api))
			rec := post(t, srv.Handler(), tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tt.status, rec.Body.String())
			}
			if resp := decode[errorResponse](t, rec); resp.Error == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestAPI_CodeAgent(t *testing.T) {
	api := &fakeAPI{code: &agent.CodeResult{
		PullRequest: &provider.PullRequest{Number: 101},
		Branch:      "issue-7",
		CommitSHA:   "abc123",
	}}
	srv := New(testConfig(), WithAPI(api))

	rec := post(t, srv.Handler(), "/api/code-agent", `{"repo":"owner/repo","issue_number":7,"iteration_number":2,"pr_number":101}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[codeAgentResponse](t, rec)
	if !resp.Success || resp.PRNumber != 101 || resp.Branch != "issue-7" {
		t.Errorf("response = %+v", resp)
	}
	if api.calls[0] != "code owner/repo#7 it 2 pr 101" {
		t.Errorf("call = %q", api.calls[0])
	}
}

func TestAPI_CodeAgentFailure(t *testing.T) {
	api := &fakeAPI{err: fmt.Errorf("%w: model returned nothing", agent.ErrCodeGeneration)}
	srv := New(testConfig(), WithAPI(api))

	rec := post(t, srv.Handler(), "/api/code-agent", `{"repo":"owner/repo","issue_number":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[codeAgentResponse](t, rec)
	if resp.Success || !strings.Contains(resp.Message, "model returned nothing") {
		t.Errorf("response = %+v, want a failure message", resp)
	}
}

func TestAPI_Reviewer(t *testing.T) {
	v, err := verdict.New(verdict.ChangesRequested, "needs tests",
		verdict.Assessment{IssueCompliance: "partial", CodeQuality: "fine"},
		[]string{"add a test", "handle empty input"}, nil)
	if err != nil {
		t.Fatalf("verdict.New() error = %v", err)
	}
	api := &fakeAPI{review: &orchestrator.ReviewOutcome{
		Verdict: &v,
		CI:      ci.Result{Outcome: ci.Success},
	}}
	srv := New(testConfig(), WithAPI(api))

	rec := post(t, srv.Handler(), "/api/reviewer", `{"repo":"owner/repo","pr_number":12}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[reviewerResponse](t, rec)
	if resp.Disposition != "changes_requested" || resp.ChangesCount != 2 || resp.CIOutcome != "success" {
		t.Errorf("response = %+v", resp)
	}

	post(t, srv.Handler(), "/api/reviewer", `{"repo":"owner/repo","pr_number":12,"wait_for_ci":false}`)
	if len(api.waitedCI) != 2 || !api.waitedCI[0] || api.waitedCI[1] {
		t.Errorf("wait_for_ci = %v, want [true false]", api.waitedCI)
	}
}

func TestAPI_ReviewerFailure(t *testing.T) {
	api := &fakeAPI{err: fmt.Errorf("%w: malformed verdict", agent.ErrReviewFailure)}
	srv := New(testConfig(), WithAPI(api))

	rec := post(t, srv.Handler(), "/api/reviewer", `{"repo":"owner/repo","pr_number":12}`)
	resp := decode[reviewerResponse](t, rec)
	if rec.Code != http.StatusOK || resp.Success {
		t.Errorf("status = %d success = %v, want 200 false", rec.Code, resp.Success)
	}
}

func TestServer_RunKey(t *testing.T) {
	srv := New(testConfig())
	want := dispatch.Key{Kind: "review", Repo: "github:owner/repo", Issue: 3}
	for _, ref := range []string{"owner/repo", "github:Owner/Repo", "https://github.com/OWNER/repo"} {
		got, err := srv.runKey("review", ref, 3)
		if err != nil {
			t.Fatalf("runKey(%q) error = %v", ref, err)
		}
		if got != want {
			t.Errorf("runKey(%q) = %+v, want %+v", ref, got, want)
		}
	}

	gitlab, err := srv.runKey("", "gitlab:Group/Project", 1)
	if err != nil {
		t.Fatalf("runKey() error = %v", err)
	}
	if gitlab.Repo != "gitlab:Group/Project" {
		t.Errorf("gitlab key repo = %q, want case preserved", gitlab.Repo)
	}
}
