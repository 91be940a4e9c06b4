package git

import "context"

// Runner is the git surface used by the worktree provider. Commands run in
// one repository or worktree directory.
type Runner interface {
	TopLevel(ctx context.Context) (string, error)
	CommonDir(ctx context.Context) (string, error)

	CurrentBranch(ctx context.Context) (string, error)
	CheckoutBranch(ctx context.Context, name string) error
	BranchExists(ctx context.Context, name string) (bool, error)

	AddAll(ctx context.Context) error
	Commit(ctx context.Context, message string) error

	// MergeNoFFMessage leaves the index conflicted on failure; callers read
	// ConflictedFiles and then MergeAbort.
	MergeNoFFMessage(ctx context.Context, branch, message string) error
	MergeAbort(ctx context.Context) error
	ConflictedFiles(ctx context.Context) ([]string, error)

	WorktreeAdd(ctx context.Context, path, branch string) error
	WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error
	WorktreeRemove(ctx context.Context, path string) error
	WorktreePrune(ctx context.Context) error
}

var _ Runner = (*ExecRunner)(nil)
