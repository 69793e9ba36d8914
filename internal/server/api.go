package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/agent"
	"github.com/drewdunne/codeloop/internal/dispatch"
	"github.com/drewdunne/codeloop/internal/orchestrator"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/registry"
)

const maxRequestBytes = 1 << 20

type processIssueRequest struct {
	Repo           string `json:"repo"`
	IssueNumber    int    `json:"issue_number"`
	StartIteration int    `json:"start_iteration"`
	Async          bool   `json:"async"`
}

type processIssueResponse struct {
	Outcome        orchestrator.State `json:"outcome"`
	Iteration      int                `json:"iteration"`
	IterationsUsed int                `json:"iterations_used"`
	PRNumber       int                `json:"pr_number,omitempty"`
	PRURL          string             `json:"pr_url,omitempty"`
	Message        string             `json:"message"`
}

type queuedResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

type codeAgentRequest struct {
	Repo            string `json:"repo"`
	IssueNumber     int    `json:"issue_number"`
	IterationNumber int    `json:"iteration_number"`
	PRNumber        int    `json:"pr_number"`
}

type codeAgentResponse struct {
	Success  bool   `json:"success"`
	PRNumber int    `json:"pr_number,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Message  string `json:"message"`
}

type reviewerRequest struct {
	Repo      string `json:"repo"`
	PRNumber  int    `json:"pr_number"`
	WaitForCI *bool  `json:"wait_for_ci"`
}

type reviewerResponse struct {
	Success      bool   `json:"success"`
	Disposition  string `json:"disposition,omitempty"`
	Summary      string `json:"summary,omitempty"`
	ChangesCount int    `json:"changes_count"`
	CIOutcome    string `json:"ci_outcome,omitempty"`
	Message      string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleProcessIssue(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[processIssueRequest](w, r, s.logger)
	if !ok || !s.requireAPI(w) {
		return
	}
	key, err := s.runKey("", req.Repo, req.IssueNumber)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	log := s.logger.With(zap.String("key", key.String()))

	if req.Async {
		if s.runs == nil {
			writeError(w, http.StatusServiceUnavailable, "async runs are not available", s.logger)
			return
		}
		err := s.runs.Enqueue(key, func(ctx context.Context) {
			res, err := s.api.ProcessIssue(ctx, req.Repo, req.IssueNumber, req.StartIteration)
			if err != nil {
				log.Error("queued run failed", zap.Error(err))
				return
			}
			log.Info("queued run finished", zap.Stringer("outcome", res.Outcome))
		})
		if err != nil {
			s.writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", Key: key.String()}, s.logger)
		return
	}

	var (
		res    *orchestrator.Result
		runErr error
	)
	err = s.admit(r.Context(), key, func(ctx context.Context) {
		res, runErr = s.api.ProcessIssue(ctx, req.Repo, req.IssueNumber, req.StartIteration)
	})
	if err == nil {
		err = runErr
	}
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	resp := processIssueResponse{
		Outcome:        res.Outcome,
		Iteration:      res.Iteration,
		IterationsUsed: res.IterationsRun,
		Message:        res.Message,
	}
	if res.PullRequest != nil {
		resp.PRNumber = res.PullRequest.Number
		resp.PRURL = res.PullRequest.URL
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleCodeAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[codeAgentRequest](w, r, s.logger)
	if !ok || !s.requireAPI(w) {
		return
	}
	key, err := s.runKey("", req.Repo, req.IssueNumber)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	var (
		res    *agent.CodeResult
		runErr error
	)
	err = s.admit(r.Context(), key, func(ctx context.Context) {
		res, runErr = s.api.RunCodeAgent(ctx, req.Repo, req.IssueNumber, req.IterationNumber, req.PRNumber)
	})
	if err == nil {
		err = runErr
	}
	if errors.Is(err, agent.ErrCodeGeneration) {
		writeJSON(w, http.StatusOK, codeAgentResponse{Success: false, Message: err.Error()}, s.logger)
		return
	}
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	resp := codeAgentResponse{
		Success: true,
		Branch:  res.Branch,
		Commit:  res.CommitSHA,
		Message: "pull request updated",
	}
	if res.PullRequest != nil {
		resp.PRNumber = res.PullRequest.Number
	}
	if res.NoChanges {
		resp.Message = "no changes needed"
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleReviewer(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reviewerRequest](w, r, s.logger)
	if !ok || !s.requireAPI(w) {
		return
	}
	key, err := s.runKey("review", req.Repo, req.PRNumber)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	wait := true
	if req.WaitForCI != nil {
		wait = *req.WaitForCI
	}

	var (
		out    *orchestrator.ReviewOutcome
		runErr error
	)
	err = s.admit(r.Context(), key, func(ctx context.Context) {
		out, runErr = s.api.RunReviewer(ctx, req.Repo, req.PRNumber, wait)
	})
	if err == nil {
		err = runErr
	}
	if errors.Is(err, agent.ErrReviewFailure) {
		writeJSON(w, http.StatusOK, reviewerResponse{Success: false, Message: err.Error()}, s.logger)
		return
	}
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, reviewerResponse{
		Success:      true,
		Disposition:  out.Verdict.Disposition.String(),
		Summary:      out.Verdict.Summary,
		ChangesCount: len(out.Verdict.Changes),
		CIOutcome:    string(out.CI.Outcome),
	}, s.logger)
}

// admit runs job under the dispatcher when one is configured, so API runs
// share the concurrency limit and per-issue exclusion with webhook runs.
func (s *Server) admit(ctx context.Context, key dispatch.Key, job dispatch.Job) error {
	if s.runs == nil {
		job(ctx)
		return nil
	}
	return s.runs.Run(ctx, key, job)
}

func (s *Server) requireAPI(w http.ResponseWriter) bool {
	if s.api == nil {
		writeError(w, http.StatusServiceUnavailable, "run API is not configured", s.logger)
		return false
	}
	return true
}

// runKey normalizes the repository so "owner/repo" and "github:owner/repo"
// contend for the same slot.
func (s *Server) runKey(kind, repoRef string, number int) (dispatch.Key, error) {
	repo, err := provider.ParseRepo(repoRef, s.cfg.Providers.Default)
	if err != nil {
		return dispatch.Key{}, err
	}
	return dispatch.Key{Kind: kind, Repo: repo.Key(), Issue: number}, nil
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, provider.ErrInvalidRepo),
		errors.Is(err, registry.ErrProviderNotConfigured):
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
	case errors.Is(err, provider.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), s.logger)
	case errors.Is(err, dispatch.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error(), s.logger)
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error(), s.logger)
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
	}
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, log *zap.Logger) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", log)
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body", log)
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("writing JSON response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string, log *zap.Logger) {
	writeJSON(w, status, errorResponse{Error: message}, log)
}
