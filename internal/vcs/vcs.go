// Package vcs manages the git fix branch a loop commits its cycles to.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agusx1211/gonogo/internal/debug"
)

const (
	// DefaultPrefix is prepended to every fix branch name.
	DefaultPrefix = "gonogo/fix-"
	// DefaultMaxSuffix bounds the -2, -3, ... suffixes tried on collisions.
	DefaultMaxSuffix = 99
)

// ErrNoOriginalBranch is returned by OriginalBranch when no fix branch was
// created for the repository in this process.
var ErrNoOriginalBranch = errors.New("no original branch recorded")

// NotAGitRepoError reports that the repository path is not a git checkout.
type NotAGitRepoError struct {
	RepoPath string
}

func (e *NotAGitRepoError) Error() string {
	return fmt.Sprintf("%q is not a git repository; run `git init` there or use apply mode 'direct' to apply fixes without branching", e.RepoPath)
}

// DirtyWorkingTreeError reports uncommitted changes in the repository.
type DirtyWorkingTreeError struct {
	RepoPath string
}

func (e *DirtyWorkingTreeError) Error() string {
	return fmt.Sprintf("working tree has uncommitted changes in %q; commit or stash them before starting the fix loop", e.RepoPath)
}

// BranchExhaustedError reports that the base branch name and every numbered
// suffix already exist.
type BranchExhaustedError struct {
	Base      string
	MaxSuffix int
}

func (e *BranchExhaustedError) Error() string {
	return fmt.Sprintf("branch names %s and %s-2 through %s-%d all exist", e.Base, e.Base, e.Base, e.MaxSuffix)
}

// CommitOutcome distinguishes a new commit from a clean tree.
type CommitOutcome int

const (
	Committed CommitOutcome = iota
	NothingToCommit
)

func (o CommitOutcome) String() string {
	if o == NothingToCommit {
		return "nothing_to_commit"
	}
	return "committed"
}

// CommitResult is the result of CommitFixes. Hash is empty for NothingToCommit.
type CommitResult struct {
	Outcome CommitOutcome
	Hash    string
}

// DiffSummary is numeric diff statistics against a base ref.
type DiffSummary struct {
	FilesChanged int      `json:"files_changed"`
	Insertions   int      `json:"insertions"`
	Deletions    int      `json:"deletions"`
	Files        []string `json:"files"`
}

// Options configures a Manager.
type Options struct {
	Prefix    string
	MaxSuffix int
	// CommitMessage formats the commit message for a cycle.
	CommitMessage func(cycle int) string
}

// Manager creates, commits to and removes fix branches. It remembers the
// branch each repository was on before its fix branch was created.
type Manager struct {
	prefix        string
	maxSuffix     int
	commitMessage func(int) string
	log           zerolog.Logger

	mu       sync.Mutex
	original map[string]string
}

// NewManager returns a Manager with defaults applied to unset options.
func NewManager(opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.MaxSuffix < 2 {
		opts.MaxSuffix = DefaultMaxSuffix
	}
	if opts.CommitMessage == nil {
		opts.CommitMessage = func(cycle int) string { return fmt.Sprintf("GoNoGo fix cycle %d", cycle) }
	}
	return &Manager{
		prefix:        opts.Prefix,
		maxSuffix:     opts.MaxSuffix,
		commitMessage: opts.CommitMessage,
		log:           debug.Component("vcs"),
		original:      make(map[string]string),
	}
}

// IsRepo reports whether repoPath is inside a git work tree.
func (m *Manager) IsRepo(ctx context.Context, repoPath string) bool {
	if _, err := os.Stat(repoPath); err != nil {
		return false
	}
	_, err := m.git(ctx, repoPath, "rev-parse", "--git-dir")
	return err == nil
}

// HasUncommittedChanges reports tracked modifications or untracked files.
func (m *Manager) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	if _, err := m.git(ctx, repoPath, "diff", "--quiet", "HEAD"); err != nil {
		if exitCode(err) == 1 {
			return true, nil
		}
		return false, err
	}
	status, err := m.git(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(status) != "", nil
}

// CurrentBranch returns the checked out branch name.
func (m *Manager) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	if !m.IsRepo(ctx, repoPath) {
		return "", &NotAGitRepoError{RepoPath: repoPath}
	}
	out, err := m.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether refs/heads/<branch> exists.
func (m *Manager) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.git(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// BaseBranchName is the unsuffixed fix branch name for a target.
func (m *Manager) BaseBranchName(targetID string) string {
	id := targetID
	if len(id) > 8 {
		id = id[:8]
	}
	return m.prefix + id
}

// CreateFixBranch creates and checks out a fix branch for targetID. The
// dirty check runs before the current branch is recorded, so a rejected
// call leaves no state behind.
func (m *Manager) CreateFixBranch(ctx context.Context, repoPath, targetID string) (string, error) {
	if !m.IsRepo(ctx, repoPath) {
		return "", &NotAGitRepoError{RepoPath: repoPath}
	}
	dirty, err := m.HasUncommittedChanges(ctx, repoPath)
	if err != nil {
		return "", err
	}
	if dirty {
		return "", &DirtyWorkingTreeError{RepoPath: repoPath}
	}

	original, err := m.CurrentBranch(ctx, repoPath)
	if err != nil {
		return "", err
	}

	base := m.BaseBranchName(targetID)
	branch := base
	if m.BranchExists(ctx, repoPath, branch) {
		branch = ""
		for suffix := 2; suffix <= m.maxSuffix; suffix++ {
			candidate := base + "-" + strconv.Itoa(suffix)
			if !m.BranchExists(ctx, repoPath, candidate) {
				branch = candidate
				break
			}
		}
		if branch == "" {
			return "", &BranchExhaustedError{Base: base, MaxSuffix: m.maxSuffix}
		}
		m.log.Info().Str("base", base).Str("branch", branch).Msg("fix branch exists, using suffixed name")
	}

	if _, err := m.git(ctx, repoPath, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("creating branch %s: %w", branch, err)
	}

	m.mu.Lock()
	m.original[repoKey(repoPath)] = original
	m.mu.Unlock()

	m.log.Info().Str("repo", repoPath).Str("branch", branch).Str("original", original).Msg("created fix branch")
	return branch, nil
}

// OriginalBranch returns the branch that was checked out before the fix
// branch was created by this Manager.
func (m *Manager) OriginalBranch(repoPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.original[repoKey(repoPath)]
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrNoOriginalBranch, repoPath)
	}
	return b, nil
}

// CommitFixes stages everything and commits it as the given cycle. A clean
// tree yields NothingToCommit rather than an error.
func (m *Manager) CommitFixes(ctx context.Context, repoPath string, cycle int) (CommitResult, error) {
	if !m.IsRepo(ctx, repoPath) {
		return CommitResult{}, &NotAGitRepoError{RepoPath: repoPath}
	}
	status, err := m.git(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return CommitResult{}, err
	}
	if strings.TrimSpace(status) == "" {
		return CommitResult{Outcome: NothingToCommit}, nil
	}
	if _, err := m.git(ctx, repoPath, "add", "-A"); err != nil {
		return CommitResult{}, fmt.Errorf("staging changes: %w", err)
	}
	if _, err := m.git(ctx, repoPath, "commit", "-m", m.commitMessage(cycle)); err != nil {
		return CommitResult{}, fmt.Errorf("committing cycle %d: %w", cycle, err)
	}
	hash, err := m.git(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Outcome: Committed, Hash: strings.TrimSpace(hash)}, nil
}

// DiffSummary returns numstat totals of the working tree against base.
func (m *Manager) DiffSummary(ctx context.Context, repoPath, base string) (DiffSummary, error) {
	if !m.IsRepo(ctx, repoPath) {
		return DiffSummary{}, &NotAGitRepoError{RepoPath: repoPath}
	}
	out, err := m.git(ctx, repoPath, "diff", "--stat", "--numstat", base)
	if err != nil {
		return DiffSummary{}, err
	}
	return parseNumstat(out), nil
}

// parseNumstat reads "<ins>\t<del>\t<path>" lines; "-" (binary) counts as 0.
// The human --stat lines have no tabs and are skipped.
func parseNumstat(out string) DiffSummary {
	s := DiffSummary{Files: []string{}}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		ins, ok1 := numstatCount(parts[0])
		del, ok2 := numstatCount(parts[1])
		if !ok1 || !ok2 {
			continue
		}
		s.Insertions += ins
		s.Deletions += del
		s.Files = append(s.Files, parts[2])
	}
	s.FilesChanged = len(s.Files)
	return s
}

func numstatCount(field string) (int, bool) {
	field = strings.TrimSpace(field)
	if field == "-" {
		return 0, true
	}
	n, err := strconv.Atoi(field)
	return n, err == nil
}

// SwitchBranch checks out branch.
func (m *Manager) SwitchBranch(ctx context.Context, repoPath, branch string) error {
	if !m.IsRepo(ctx, repoPath) {
		return &NotAGitRepoError{RepoPath: repoPath}
	}
	if _, err := m.git(ctx, repoPath, "checkout", branch); err != nil {
		return fmt.Errorf("switching to %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch force-deletes branch.
func (m *Manager) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	if !m.IsRepo(ctx, repoPath) {
		return &NotAGitRepoError{RepoPath: repoPath}
	}
	if _, err := m.git(ctx, repoPath, "branch", "-D", branch); err != nil {
		return fmt.Errorf("deleting %s: %w", branch, err)
	}
	return nil
}

// Discard returns the repository to returnTo and deletes the fix branch.
// An empty returnTo falls back to the branch recorded by CreateFixBranch.
func (m *Manager) Discard(ctx context.Context, repoPath, fixBranch, returnTo string) error {
	if returnTo == "" {
		b, err := m.OriginalBranch(repoPath)
		if err != nil {
			return err
		}
		returnTo = b
	}
	if err := m.SwitchBranch(ctx, repoPath, returnTo); err != nil {
		return err
	}
	if err := m.DeleteBranch(ctx, repoPath, fixBranch); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.original, repoKey(repoPath))
	m.mu.Unlock()
	return nil
}

func repoKey(repoPath string) string {
	if abs, err := filepath.Abs(repoPath); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(repoPath)
}

// gitError carries the exit status of a failed git invocation.
type gitError struct {
	args   []string
	output string
	err    error
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.args, " "), strings.TrimSpace(e.output), e.err)
}

func (e *gitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// git runs a git command in dir and returns combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	debug.LogKV("vcs", "git exec", "cmd", "git "+strings.Join(args, " "), "dir", dir)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("vcs", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err, "output_len", len(out))
		return string(out), &gitError{args: args, output: string(out), err: err}
	}
	return string(out), nil
}
