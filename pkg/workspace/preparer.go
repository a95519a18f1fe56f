// Package workspace prepares per-attempt git workspaces: base-branch
// detection, local-to-remote sync of task definition files, and snapshot
// clones at the captured revision.
package workspace

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/harnessworks/conductor/pkg/gitops"
	"github.com/harnessworks/conductor/pkg/workload"
)

// syncRepo is the slice of gitops.Repo the preparer needs. Narrowed for
// test fakes.
type syncRepo interface {
	CurrentBranch(ctx context.Context) (string, error)
	ChangedPaths(ctx context.Context) ([]string, error)
	Stage(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, remote, branch string) error
}

// Options configures a Preparer.
type Options struct {
	// Remote is the git remote task files are pushed to. Default "origin".
	Remote string

	// SyncPatterns selects which changed paths count as task-definition
	// files and get synced before submission (doublestar globs).
	SyncPatterns []string

	// PushAttempts bounds sync retries. Backoff starts at PushBackoff and
	// doubles per attempt.
	PushAttempts int
	PushBackoff  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Remote == "" {
		out.Remote = "origin"
	}
	if len(out.SyncPatterns) == 0 {
		out.SyncPatterns = []string{".taskmaster/**"}
	}
	if out.PushAttempts <= 0 {
		out.PushAttempts = 3
	}
	if out.PushBackoff <= 0 {
		out.PushBackoff = time.Second
	}
	return out
}

// Snapshot is the ephemeral per-attempt workspace state. It is discarded
// at job teardown via Discard.
type Snapshot struct {
	// BaseBranch is the branch detected at submission time.
	BaseBranch string

	// Dir is the clone location.
	Dir string

	// HeadCommit is the cloned revision.
	HeadCommit string
}

// Discard removes the snapshot's on-disk clone.
func (s *Snapshot) Discard() {
	if s != nil && s.Dir != "" {
		_ = os.RemoveAll(s.Dir)
	}
}

// Preparer resolves repos, detects the submitter's base branch and syncs
// local task-definition changes to the remote before any job exists.
type Preparer struct {
	repo syncRepo
	opts Options
	log  *zap.Logger
}

// New builds a Preparer over the submitter's docs working copy. repo may be
// nil when the process has no local checkout (server deployments); sync then
// degrades to a logged no-op and the content verifier remains the gate
// against remote divergence.
func New(repo syncRepo, opts Options, log *zap.Logger) *Preparer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Preparer{repo: repo, opts: opts.withDefaults(), log: log}
}

// DetectBaseBranch returns the branch the submitter is on. The result is
// captured once and persisted on the request: it becomes both the clone
// target and, later, the pull request's base branch.
func (p *Preparer) DetectBaseBranch(ctx context.Context) (string, error) {
	if p.repo == nil {
		return "", &workload.Error{Op: "detect base branch", Err: fmt.Errorf("%w: no local repository configured", workload.ErrConfiguration)}
	}
	branch, err := p.repo.CurrentBranch(ctx)
	if err != nil {
		return "", &workload.Error{Op: "detect base branch", Err: fmt.Errorf("%w: %v", workload.ErrConfiguration, err)}
	}
	branch = strings.TrimSpace(branch)
	if branch == "" || branch == "HEAD" {
		return "", &workload.Error{Op: "detect base branch", Err: fmt.Errorf("%w: not on a branch (detached HEAD?)", workload.ErrConfiguration)}
	}
	return branch, nil
}

// EnsureRepoSync stages, commits and pushes uncommitted task-definition
// changes to the detected base branch before job submission. The remote
// job's workspace comes from a clone, not a local copy, so anything left
// unsynced here is invisible to the agent.
//
// The push runs even when no paths need committing: a prior attempt may
// have committed and then failed to push, leaving nothing uncommitted while
// the remote is still stale. Pushing an up-to-date branch is a no-op. A
// push failure fails fast with ErrRepositorySync after bounded retries:
// proceeding on stale remote content is the failure class this component
// exists to prevent.
func (p *Preparer) EnsureRepoSync(ctx context.Context, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return &workload.Error{Op: "sync", Err: fmt.Errorf("%w: base branch is empty", workload.ErrConfiguration)}
	}
	if p.repo == nil {
		p.log.Warn("No local repository configured; skipping pre-submission sync",
			zap.String("branch", branch))
		return nil
	}

	changed, err := p.repo.ChangedPaths(ctx)
	if err != nil {
		return &workload.Error{Op: "sync", Err: fmt.Errorf("%w: %v", workload.ErrRepositorySync, err)}
	}

	matched := p.matchPatterns(changed)
	if len(matched) > 0 {
		p.log.Info("Syncing local task file changes before submission",
			zap.String("branch", branch),
			zap.Strings("paths", matched))

		if err := p.repo.Stage(ctx, matched...); err != nil {
			return &workload.Error{Op: "sync", Err: fmt.Errorf("%w: stage: %v", workload.ErrRepositorySync, err)}
		}
		if err := p.repo.Commit(ctx, "chore: sync task definition files"); err != nil {
			return &workload.Error{Op: "sync", Err: fmt.Errorf("%w: commit: %v", workload.ErrRepositorySync, err)}
		}
	}

	backoff := p.opts.PushBackoff
	var lastErr error
	for attempt := 1; attempt <= p.opts.PushAttempts; attempt++ {
		lastErr = p.repo.Push(ctx, p.opts.Remote, branch)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &workload.Error{Op: "sync", Err: fmt.Errorf("%w: %v", workload.ErrRepositorySync, ctx.Err())}
		}
		if attempt < p.opts.PushAttempts {
			p.log.Warn("Push failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return &workload.Error{Op: "sync", Err: fmt.Errorf("%w: %v", workload.ErrRepositorySync, ctx.Err())}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return &workload.Error{
		Op:  "sync",
		Err: fmt.Errorf("%w: push to %s/%s failed after %d attempts: %v", workload.ErrRepositorySync, p.opts.Remote, branch, p.opts.PushAttempts, lastErr),
	}
}

// Prepare clones url at the captured branch into a fresh directory and
// returns the snapshot. Callers own Discard.
func (p *Preparer) Prepare(ctx context.Context, url, branch string) (*Snapshot, error) {
	if strings.TrimSpace(branch) == "" {
		return nil, &workload.Error{Op: "prepare", Err: fmt.Errorf("%w: clone branch is empty", workload.ErrConfiguration)}
	}

	dir, err := os.MkdirTemp("", "conductor-workspace-*")
	if err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	repo, err := gitops.CloneAt(ctx, url, branch, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &workload.Error{Op: "prepare", Err: fmt.Errorf("%w: clone %s@%s: %v", workload.ErrRepositorySync, url, branch, err)}
	}

	head, err := repo.HeadCommit(ctx)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &workload.Error{Op: "prepare", Err: fmt.Errorf("%w: %v", workload.ErrRepositorySync, err)}
	}

	return &Snapshot{BaseBranch: branch, Dir: dir, HeadCommit: head}, nil
}

func (p *Preparer) matchPatterns(paths []string) []string {
	var matched []string
	for _, path := range paths {
		for _, pattern := range p.opts.SyncPatterns {
			if ok, err := doublestar.Match(pattern, path); err == nil && ok {
				matched = append(matched, path)
				break
			}
		}
	}
	return matched
}
