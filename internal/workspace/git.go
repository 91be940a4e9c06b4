package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/quorum/internal/git"
)

// excluded paths keep runtime files out of agent commits.
var excluded = []string{"/.quorum/worktrees/", "/.quorum/logs/", "/.quorum/state.db*"}

// GitProvider isolates agents in git worktrees, one branch per agent.
type GitProvider struct {
	repo    git.Runner
	root    string
	baseDir string
	runID   string
	logger  zerolog.Logger

	// mu serializes operations on the main working tree.
	mu sync.Mutex
}

var _ Provider = (*GitProvider)(nil)

// GitOption configures a GitProvider.
type GitOption func(*GitProvider)

// WithGitLogger sets the provider logger.
func WithGitLogger(l zerolog.Logger) GitOption {
	return func(p *GitProvider) { p.logger = l }
}

// WithWorktreeDir overrides where worktrees are created.
func WithWorktreeDir(dir string) GitOption {
	return func(p *GitProvider) { p.baseDir = dir }
}

// NewGitProvider creates a provider for the repository containing repoPath.
// Branches are named quorum/<runID>/<agent>.
func NewGitProvider(ctx context.Context, repoPath, runID string, opts ...GitOption) (*GitProvider, error) {
	root, err := git.NewRunner(repoPath).TopLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	p := &GitProvider{
		repo:    git.NewRunner(root),
		root:    root,
		baseDir: filepath.Join(root, ".quorum", "worktrees"),
		runID:   runID,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := os.MkdirAll(p.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	if err := p.ensureExcluded(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Root returns the main working tree.
func (p *GitProvider) Root() string { return p.root }

func (p *GitProvider) ensureExcluded(ctx context.Context) error {
	common, err := p.repo.CommonDir(ctx)
	if err != nil {
		return err
	}
	path := filepath.Join(common, "info", "exclude")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read exclude file: %w", err)
	}
	var missing []string
	for _, pattern := range excluded {
		if !strings.Contains(string(data), pattern) {
			missing = append(missing, pattern)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create info directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		fmt.Fprintln(f)
	}
	for _, m := range missing {
		fmt.Fprintln(f, m)
	}
	return nil
}

// Branch returns the branch used for an agent.
func (p *GitProvider) Branch(agentID string) string {
	return fmt.Sprintf("quorum/%s/%s", p.runID, agentID)
}

// Create implements Provider. An existing agent branch is checked out again
// so work committed before a cancellation is preserved.
func (p *GitProvider) Create(ctx context.Context, base, agentID string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	branch := p.Branch(agentID)
	name := DirName(agentID)
	path := filepath.Join(p.baseDir, name)

	exists, err := p.repo.BranchExists(ctx, branch)
	if err != nil {
		return Handle{}, err
	}
	if exists {
		err = p.repo.WorktreeAdd(ctx, path, branch)
	} else {
		err = p.repo.WorktreeAddNewBranch(ctx, path, branch, base)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("create worktree for %s: %w", agentID, err)
	}
	p.logger.Debug().Str("agent", agentID).Str("path", path).Str("branch", branch).Bool("resumed", exists).Msg("worktree created")
	return Handle{ID: name, AgentID: agentID, Path: path, Branch: branch}, nil
}

// Commit implements Provider.
func (p *GitProvider) Commit(ctx context.Context, h Handle, message string) error {
	wt := git.NewRunner(h.Path)
	if err := wt.AddAll(ctx); err != nil {
		return fmt.Errorf("stage %s: %w", h.ID, err)
	}
	if err := wt.Commit(ctx, message); err != nil {
		return fmt.Errorf("commit %s: %w", h.ID, err)
	}
	return nil
}

// Merge implements Provider. into defaults to the current branch.
func (p *GitProvider) Merge(ctx context.Context, h Handle, into string) (MergeOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if into == "" {
		cur, err := p.repo.CurrentBranch(ctx)
		if err != nil {
			return MergeOutcome{}, err
		}
		into = cur
	}
	if err := p.repo.CheckoutBranch(ctx, into); err != nil {
		return MergeOutcome{}, fmt.Errorf("checkout %s: %w", into, err)
	}

	mergeErr := p.repo.MergeNoFFMessage(ctx, h.Branch, fmt.Sprintf("Merge %s (%s)", h.AgentID, h.Branch))
	if mergeErr == nil {
		return MergeOutcome{Applied: true}, nil
	}

	conflicts, err := p.repo.ConflictedFiles(ctx)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("%v; list conflicts: %w", mergeErr, err)
	}
	if abortErr := p.repo.MergeAbort(ctx); abortErr != nil {
		p.logger.Warn().Err(abortErr).Str("agent", h.AgentID).Msg("merge abort failed")
	}
	if len(conflicts) == 0 {
		return MergeOutcome{}, mergeErr
	}
	return MergeOutcome{Conflict: conflicts}, nil
}

// Release implements Provider. The branch and its commits are kept.
func (p *GitProvider) Release(ctx context.Context, h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.repo.WorktreeRemove(ctx, h.Path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", h.ID, err)
	}
	return p.repo.WorktreePrune(ctx)
}
