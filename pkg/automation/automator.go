// Package automation opens the pull request after a docs job succeeds:
// commit the generated changes on a fresh head branch, push it, and open a
// PR whose base is the branch captured at submission time.
package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harnessworks/conductor/pkg/gitops"
	"github.com/harnessworks/conductor/pkg/workload"
)

// PushRepo is the slice of gitops.Repo the automator needs.
type PushRepo interface {
	ChangedPaths(ctx context.Context) ([]string, error)
	Stage(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, remote, branch string) error
	CheckoutNewBranch(ctx context.Context, branch string) error
}

// Options configures an Automator.
type Options struct {
	// Remote the head branch is pushed to. Default "origin".
	Remote string

	// HeadPrefix names generated head branches. Default "docs-task".
	HeadPrefix string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Remote == "" {
		out.Remote = "origin"
	}
	if out.HeadPrefix == "" {
		out.HeadPrefix = "docs-task"
	}
	return out
}

// Automator turns a successful job's workspace changes into a pull request.
type Automator struct {
	prs  gitops.PullRequests
	opts Options
	log  *zap.Logger

	now func() time.Time
}

// New builds an Automator over a pull-request API.
func New(prs gitops.PullRequests, opts Options, log *zap.Logger) *Automator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Automator{prs: prs, opts: opts.withDefaults(), log: log, now: time.Now}
}

// HeadBranch derives the timestamped head branch for an attempt. Timestamps
// keep concurrent attempts from colliding on the same ref.
func (a *Automator) HeadBranch(taskID int) string {
	return fmt.Sprintf("%s-%d-%s", a.opts.HeadPrefix, taskID, a.now().UTC().Format("20060102-150405"))
}

// Run commits the workspace changes, pushes them and opens the pull request.
//
// The PR base is always the persisted base branch from the request, captured
// at submission time. Re-deriving it here would race the submitter switching
// branches while the job ran.
//
// Run is idempotent per head branch: an open PR for the head is adopted
// instead of recreated, so a crash between push and PR creation is safe to
// replay.
func (a *Automator) Run(ctx context.Context, repo PushRepo, w *workload.Workload) (*workload.PullRequestRecord, error) {
	base := strings.TrimSpace(w.Spec.BaseBranch)
	if base == "" {
		return nil, &workload.Error{
			Op:       "automate",
			Workload: w.Name,
			Err:      fmt.Errorf("%w: base branch was never captured at submission", workload.ErrConfiguration),
		}
	}

	owner, repoName, err := gitops.ParseRepoURL(w.Spec.DocsRepository)
	if err != nil {
		return nil, &workload.Error{
			Op:       "automate",
			Workload: w.Name,
			Err:      fmt.Errorf("%w: %v", workload.ErrConfiguration, err),
		}
	}

	head := a.HeadBranch(w.Spec.TaskID)
	record := &workload.PullRequestRecord{
		HeadBranch: head,
		BaseBranch: base,
		Title:      fmt.Sprintf("docs: task %d (%s)", w.Spec.TaskID, w.Spec.Service),
		Body: fmt.Sprintf("Automated documentation update for task %d of service %s (context version %d).",
			w.Spec.TaskID, w.Spec.Service, w.Spec.ContextVersion),
	}

	changed, err := repo.ChangedPaths(ctx)
	if err != nil {
		return nil, a.wrap(w.Name, "inspect workspace", err)
	}
	if len(changed) == 0 {
		a.log.Warn("Job succeeded but produced no changes; skipping pull request",
			zap.String("workload", w.Name))
		return nil, nil
	}

	if err := repo.CheckoutNewBranch(ctx, head); err != nil {
		return nil, a.wrap(w.Name, "create head branch", err)
	}
	if err := repo.Stage(ctx, changed...); err != nil {
		return nil, a.wrap(w.Name, "stage", err)
	}
	if err := repo.Commit(ctx, record.Title); err != nil {
		return nil, a.wrap(w.Name, "commit", err)
	}
	if err := repo.Push(ctx, a.opts.Remote, head); err != nil {
		return nil, a.wrap(w.Name, "push head branch", err)
	}

	if open, err := a.prs.ListOpen(ctx, owner, repoName, head); err == nil && len(open) > 0 {
		record.Number = open[0].Number
		record.URL = open[0].URL
		a.log.Info("Adopted existing open pull request",
			zap.String("workload", w.Name),
			zap.String("head", head),
			zap.Int("number", record.Number))
		return record, nil
	}

	pr, err := a.prs.Create(ctx, owner, repoName, head, base, record.Title, record.Body)
	if err != nil {
		return nil, a.wrap(w.Name, "create pull request", err)
	}
	record.Number = pr.Number
	record.URL = pr.URL

	a.log.Info("Opened pull request",
		zap.String("workload", w.Name),
		zap.String("head", head),
		zap.String("base", base),
		zap.String("url", record.URL))
	return record, nil
}

func (a *Automator) wrap(name, op string, err error) error {
	return &workload.Error{
		Op:       "automate",
		Workload: name,
		Err:      fmt.Errorf("%w: %s: %v", workload.ErrAutomation, op, err),
	}
}
