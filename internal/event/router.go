package event

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/metrics"
)

// Handler processes a normalized event.
type Handler func(ctx context.Context, event *Event) error

// Router filters and debounces events before handing them on.
type Router struct {
	serverCfg *config.Config
	handler   Handler
	debouncer *Debouncer
	logger    *zap.Logger
}

// NewRouter creates a new event router.
func NewRouter(serverCfg *config.Config, handler Handler, logger *zap.Logger) *Router {
	debounceWindow := time.Duration(serverCfg.Events.DebounceSeconds) * time.Second
	if debounceWindow == 0 {
		debounceWindow = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		serverCfg: serverCfg,
		handler:   handler,
		debouncer: NewDebouncer(debounceWindow),
		logger:    logger,
	}
}

// Route processes an event through the routing pipeline. Filtered and
// debounced events are dropped without error.
func (r *Router) Route(ctx context.Context, event *Event) error {
	log := r.logger.With(zap.String("event", string(event.Type)), zap.String("repo", event.Repo().String()), zap.Int("number", event.Number))

	if !r.isEventEnabled(event.Type) {
		log.Debug("event type disabled")
		return nil
	}

	// Pull requests on loop branches are reviewed by the run that owns them.
	if event.IsPullRequest() && r.isLoopBranch(event.SourceBranch) {
		log.Debug("pull request belongs to a run", zap.String("branch", event.SourceBranch))
		return nil
	}

	if !r.debouncer.ShouldProcess(event) {
		log.Debug("event debounced", zap.String("key", event.Key()))
		return nil
	}

	if err := r.handler(ctx, event); err != nil {
		return err
	}
	metrics.WebhookProcessed(event.Provider)
	return nil
}

func (r *Router) isLoopBranch(branch string) bool {
	prefix := r.serverCfg.Loop.BranchPrefix
	return prefix != "" && strings.HasPrefix(branch, prefix)
}

func (r *Router) isEventEnabled(t Type) bool {
	switch t {
	case TypeIssueOpened:
		return r.serverCfg.Events.IssueOpened
	case TypePROpened:
		return r.serverCfg.Events.PROpened
	case TypePRUpdated:
		return r.serverCfg.Events.PRUpdated
	case TypeMention:
		return r.serverCfg.Events.Mention
	default:
		return false
	}
}
