package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/prompt"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/workspace"
)

const (
	treeDepth    = 3
	docChars     = 5000
	sourceChars  = 3000
	maxKeySource = 10
)

// contextDocs are shown to the model in full (up to docChars) when present.
var contextDocs = []string{
	"README.md",
	"CONTRIBUTING.md",
	"ARCHITECTURE.md",
	"go.mod",
	"pyproject.toml",
	"package.json",
	"requirements.txt",
	"setup.py",
	"Cargo.toml",
	".env.example",
}

// contextSources are likely entry points.
var contextSources = []string{
	"main.go",
	"main.py",
	"app.py",
	"src/main.py",
	"src/app.py",
	"src/index.ts",
	"src/index.js",
	"index.js",
	"api/server.py",
	"src/api/server.py",
}

// ModelGenerator asks a model backend for the complete set of file edits.
type ModelGenerator struct {
	backend     llm.Backend
	prompts     *prompt.Builder
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

// ModelOption configures a ModelGenerator.
type ModelOption func(*ModelGenerator)

// WithSampling sets the completion budget and temperature.
func WithSampling(maxTokens int, temperature float64) ModelOption {
	return func(g *ModelGenerator) {
		g.maxTokens = maxTokens
		g.temperature = temperature
	}
}

// WithModelLogger sets the logger.
func WithModelLogger(l *zap.Logger) ModelOption {
	return func(g *ModelGenerator) {
		g.logger = l
	}
}

// NewModelGenerator creates a generator backed by b.
func NewModelGenerator(b llm.Backend, prompts *prompt.Builder, opts ...ModelOption) *ModelGenerator {
	g := &ModelGenerator{
		backend:     b,
		prompts:     prompts,
		maxTokens:   4000,
		temperature: 0.3,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// modelOutput is the JSON shape the code agent instructions ask for.
type modelOutput struct {
	Plan            string             `json:"plan"`
	Changes         []workspace.Change `json:"changes"`
	CommitMessage   string             `json:"commit_message"`
	NoChangesNeeded bool               `json:"no_changes_needed"`
}

// Generate implements Generator.
func (g *ModelGenerator) Generate(ctx context.Context, tree *workspace.Tree, task Task) (*Generation, error) {
	repoContext := RepoContext(ctx, task.Host, task.Repo, task.Ref, g.logger)

	out, err := g.backend.Complete(ctx, llm.Request{
		System: g.prompts.CodeAgentSystem(task.Extra),
		Prompt: g.prompts.CodeAgent(prompt.CodeInput{
			Repo:        task.Repo.FullName(),
			Issue:       task.Issue,
			Iteration:   task.Iteration,
			Feedback:    task.Feedback,
			RepoContext: repoContext,
		}),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("calling model: %w", err)
	}
	if task.Transcript != nil {
		fmt.Fprintf(task.Transcript, "code agent response (iteration %d):\n%s\n", task.Iteration, out)
	}

	parsed, err := parseModelOutput(out)
	if err != nil {
		return nil, err
	}
	if len(parsed.Changes) == 0 {
		if parsed.NoChangesNeeded {
			return &Generation{Plan: parsed.Plan, CommitMessage: parsed.CommitMessage, NoChangesNeeded: true}, nil
		}
		return nil, ErrNoChanges
	}

	if err := tree.Apply(parsed.Changes); err != nil {
		return nil, fmt.Errorf("applying changes: %w", err)
	}
	g.logger.Info("applied model changes",
		zap.String("repo", task.Repo.FullName()),
		zap.Int("issue", task.Issue.Number),
		zap.Int("changes", len(parsed.Changes)),
	)
	return &Generation{Plan: parsed.Plan, CommitMessage: parsed.CommitMessage}, nil
}

func parseModelOutput(text string) (*modelOutput, error) {
	data, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodeGeneration, err)
	}
	var out modelOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding model output: %v", ErrCodeGeneration, err)
	}
	changes := out.Changes[:0]
	for _, c := range out.Changes {
		c.Operation = workspace.Operation(strings.ToLower(strings.TrimSpace(string(c.Operation))))
		if strings.TrimSpace(c.Path) == "" {
			continue
		}
		changes = append(changes, c)
	}
	out.Changes = changes
	return &out, nil
}

// RepoContext summarizes a repository for the model: its file tree and
// the well-known documents and entry points found in it. Lookup failures
// only shrink the result.
func RepoContext(ctx context.Context, host provider.Provider, repo provider.Repo, ref string, log *zap.Logger) string {
	if log == nil {
		log = zap.NewNop()
	}
	files, err := host.ListTree(ctx, repo.Owner, repo.Name, ref, treeDepth)
	if err != nil {
		log.Warn("listing repository tree", zap.String("repo", repo.FullName()), zap.Error(err))
		return ""
	}
	if len(files) == 0 {
		return ""
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	var sb strings.Builder
	sb.WriteString("### Repository Structure\n```\n")
	sb.WriteString(strings.Join(files, "\n"))
	sb.WriteString("\n```")

	read := func(path string, limit int) (string, bool) {
		data, err := host.ReadFile(ctx, repo.Owner, repo.Name, path, ref)
		if err != nil {
			if !errors.Is(err, provider.ErrNotFound) {
				log.Debug("reading context file", zap.String("path", path), zap.Error(err))
			}
			return "", false
		}
		content := string(data)
		if len(content) > limit {
			content = content[:limit] + "\n... (truncated)"
		}
		return content, true
	}

	for _, path := range contextDocs {
		if !present[path] {
			continue
		}
		if content, ok := read(path, docChars); ok {
			fmt.Fprintf(&sb, "\n\n### %s\n```\n%s\n```", path, content)
		}
	}

	shown := 0
	for _, path := range contextSources {
		if shown == maxKeySource {
			break
		}
		if !present[path] {
			continue
		}
		if content, ok := read(path, sourceChars); ok {
			fmt.Fprintf(&sb, "\n\n### %s\n```\n%s\n```", path, content)
			shown++
		}
	}
	return sb.String()
}
