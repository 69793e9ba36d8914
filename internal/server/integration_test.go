package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drewdunne/codeloop/internal/agent"
	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/dispatch"
	"github.com/drewdunne/codeloop/internal/event"
	"github.com/drewdunne/codeloop/internal/handler"
	"github.com/drewdunne/codeloop/internal/logging"
	"github.com/drewdunne/codeloop/internal/metrics"
	"github.com/drewdunne/codeloop/internal/orchestrator"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/provider/providertest"
	"github.com/drewdunne/codeloop/internal/registry"
	"github.com/drewdunne/codeloop/internal/verdict"
	"github.com/drewdunne/codeloop/internal/webhook"
)

// stubCode opens one pull request per branch on the fake host.
type stubCode struct {
	host *providertest.Fake
}

func (s *stubCode) Generate(ctx context.Context, req agent.CodeRequest) (*agent.CodeResult, error) {
	pr, err := s.host.CreateOrUpdatePullRequest(ctx, req.Repo.Owner, req.Repo.Name, provider.PullRequestSpec{
		Branch: req.Branch,
		Base:   "main",
		Title:  req.Issue.Title,
		Body:   fmt.Sprintf("Closes #%d", req.Issue.Number),
	})
	if err != nil {
		return nil, err
	}
	return &agent.CodeResult{PullRequest: pr, Branch: req.Branch, CommitSHA: "abc123", Changed: []string{"main.go"}}, nil
}

// stubReviewer approves everything.
type stubReviewer struct{}

func (stubReviewer) Review(ctx context.Context, req agent.ReviewRequest) (*verdict.Verdict, error) {
	v, err := verdict.New(verdict.Approved, "looks good",
		verdict.Assessment{IssueCompliance: "complete", CodeQuality: "good"}, nil, nil)
	return &v, err
}

func (stubReviewer) Publish(ctx context.Context, repo provider.Repo, pr *provider.PullRequest, v *verdict.Verdict, iteration int) error {
	return nil
}

type stubWaiter struct{}

func (stubWaiter) Await(ctx context.Context, owner, repo string, number int, timing ci.Timing) ci.Result {
	return ci.Result{Outcome: ci.Success}
}

// githubHost serves the fake under the name webhook deliveries resolve to.
type githubHost struct {
	*providertest.Fake
}

func (githubHost) Name() string { return "github" }

// TestIntegration_WebhookToRun drives a signed issues webhook through the
// router, handler and dispatcher into a full run on a fake host, then runs
// a second issue through the API.
func TestIntegration_WebhookToRun(t *testing.T) {
	metrics.Reset()

	cfg := config.DefaultConfig()
	cfg.Server = config.ServerConfig{Host: "127.0.0.1", Port: 0}
	cfg.Providers.GitHub.WebhookSecret = "test-secret-github"
	cfg.Logging.Dir = t.TempDir()

	host := providertest.New(
		&provider.Issue{Number: 7, Title: "Add a --verbose flag", State: "open"},
		&provider.Issue{Number: 8, Title: "Document the flag", State: "open"},
	)
	settings := orchestrator.StaticSettings(config.Settings{MaxIterations: 3, BranchPrefix: "issue-", CIEnabled: true})
	service := orchestrator.NewService(registry.NewStatic("github", githubHost{host}), func(p provider.Provider) orchestrator.HostDeps {
		return orchestrator.HostDeps{Code: &stubCode{host: host}, Reviewer: stubReviewer{}, Waiter: stubWaiter{}, Settings: &settings}
	}, nil, orchestrator.WithTranscripts(logging.NewWriter(cfg.Logging.Dir)))

	runs := dispatch.New(dispatch.Config{MaxConcurrent: 2, QueueSize: 4})
	events := handler.New(service, runs)
	router := event.NewRouter(cfg, events.Handle, nil)
	srv := New(cfg, WithAPI(service), WithDispatcher(runs), WithEventRouter(router))
	errCh := start(t, srv)
	baseURL := "http://" + srv.Addr()

	payload := `{"action":"opened","issue":{"number":7,"title":"Add a --verbose flag"},"repository":{"full_name":"owner/repo"}}`
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/webhook/github", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", webhook.Sign("test-secret-github", []byte(payload)))
	req.Header.Set("X-GitHub-Event", "issues")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sending webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for runs.Active()+runs.Queued() > 0 || len(host.PullRequests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("webhook run did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = http.Post(baseURL+"/api/process-issue", "application/json",
		strings.NewReader(`{"repo":"owner/repo","issue_number":8}`))
	if err != nil {
		t.Fatalf("POST /api/process-issue: %v", err)
	}
	var body processIssueResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Outcome != orchestrator.Approved {
		t.Errorf("process-issue = %d %+v, want 200 approved", resp.StatusCode, body)
	}

	if got := len(host.PullRequests()); got != 2 {
		t.Errorf("pull requests = %d, want 2", got)
	}
	if len(host.IssueComments()) == 0 {
		t.Error("no status comment posted on the issues")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	waitStopped(t, errCh)

	if _, err := http.Get(baseURL + "/health"); err == nil {
		t.Error("server still accepting connections after shutdown")
	}
}

// TestIntegration_ServerRecovery tests that the server handles errors gracefully.
func TestIntegration_ServerRecovery(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.Providers.GitHub.WebhookSecret = "test-secret"
	srv := New(cfg)
	errCh := start(t, srv)
	baseURL := "http://" + srv.Addr()

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/webhook/github", strings.NewReader(`{}`))
	req.Header.Set("X-GitHub-Event", "pull_request")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned webhook status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	resp, err = http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	srv.Shutdown(context.Background())
	waitStopped(t, errCh)
}

// TestIntegration_MetricsAccumulation tests that webhook deliveries and
// runs show up in the exposition.
func TestIntegration_MetricsAccumulation(t *testing.T) {
	metrics.Reset()

	cfg := ephemeralConfig()
	cfg.Providers.GitHub.WebhookSecret = "test-secret"
	srv := New(cfg)
	errCh := start(t, srv)
	baseURL := "http://" + srv.Addr()

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"action":"opened","number":%d}`, i)
		req, _ := http.NewRequest(http.MethodPost, baseURL+"/webhook/github", strings.NewReader(payload))
		req.Header.Set("X-Hub-Signature-256", webhook.Sign("test-secret", []byte(payload)))
		req.Header.Set("X-GitHub-Event", "pull_request")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
		resp.Body.Close()
	}

	metrics.RunStarted()
	metrics.RunStarted()
	metrics.RunFinished("approved")
	metrics.RunFinished("iteration_limit_reached")

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}

	for _, want := range []string{
		`codeloop_webhooks_received_total{provider="github"} 3`,
		`codeloop_runs_started_total 2`,
		`codeloop_runs_finished_total{outcome="approved"} 1`,
		`codeloop_runs_finished_total{outcome="iteration_limit_reached"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	srv.Shutdown(context.Background())
	waitStopped(t, errCh)
}

// TestIntegration_Transcripts checks the transcript layout and retention
// cleanup together.
func TestIntegration_Transcripts(t *testing.T) {
	logDir := t.TempDir()
	writer := logging.NewWriter(logDir)

	entries := []logging.Entry{
		{RunID: "run-1", RepoOwner: "org1", RepoName: "repo1", Issue: 1, Kind: "process_issue", Timestamp: time.Now()},
		{RunID: "run-2", RepoOwner: "org1", RepoName: "repo2", Issue: 2, Kind: "code_agent", Timestamp: time.Now()},
		{RunID: "run-3", RepoOwner: "org2", RepoName: "repo1", Issue: 1, Kind: "reviewer", Timestamp: time.Now()},
	}
	var paths []string
	for _, entry := range entries {
		tr, err := writer.Open(entry)
		if err != nil {
			t.Fatalf("Open(%s) error = %v", entry.RunID, err)
		}
		tr.Write([]byte("iteration 1: code_generating\n"))
		if err := tr.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		want := filepath.Join(logDir, entry.RepoOwner, entry.RepoName, fmt.Sprint(entry.Issue))
		if dir := filepath.Dir(tr.Path()); dir != want {
			t.Errorf("transcript directory = %q, want %q", dir, want)
		}
		paths = append(paths, tr.Path())
	}

	old := time.Now().AddDate(0, 0, -2)
	if err := os.Chtimes(paths[0], old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if _, err := logging.NewRetention(logDir, 1, nil).Sweep(); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Error("expired transcript should have been deleted")
	}
	for _, p := range paths[1:] {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("recent transcript %s: %v", p, err)
		}
	}
}
