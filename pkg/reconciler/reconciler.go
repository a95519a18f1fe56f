// Package reconciler drives workloads through their lifecycle with a
// level-triggered control loop: observe the durable record, compare against
// the execution substrate, converge, persist.
//
// Every transition is written with optimistic concurrency; a conflicting
// write means another actor moved first and the pass simply re-observes.
// Re-observing any workload mid-flight is safe: names are deterministic and
// resource creation treats already-exists as success.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harnessworks/conductor/pkg/artifacts"
	"github.com/harnessworks/conductor/pkg/automation"
	"github.com/harnessworks/conductor/pkg/substrate"
	"github.com/harnessworks/conductor/pkg/verify"
	"github.com/harnessworks/conductor/pkg/workload"
	"github.com/harnessworks/conductor/pkg/workspace"
)

// DefaultTasksFile is the task-definition path inside the docs project
// directory.
const DefaultTasksFile = ".taskmaster/tasks/tasks.json"

// Options tunes the control loop.
type Options struct {
	// Interval between observation passes. Default 10s.
	Interval time.Duration

	// MaxConcurrent bounds simultaneous per-workload reconciles. Default 4.
	MaxConcurrent int

	// PollRate caps substrate status polls across all workers. Default
	// 5/s with burst 10.
	PollRate  rate.Limit
	PollBurst int

	// TerminalTTL removes finished workloads and their substrate resources
	// after this long in a terminal phase. Zero disables collection.
	TerminalTTL time.Duration

	// AutomationMaxRetries bounds post-success automation attempts before
	// degrading to Completed-with-warning. Default 3.
	AutomationMaxRetries int

	// Namespace for substrate resources.
	Namespace string

	// Image and Command for execution jobs.
	Image   string
	Command []string

	// JobDeadline bounds job runtime. Zero means unbounded.
	JobDeadline time.Duration

	// TasksFile is the task-definition path relative to the docs project
	// directory. Default DefaultTasksFile.
	TasksFile string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = 10 * time.Second
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 4
	}
	if out.PollRate <= 0 {
		out.PollRate = rate.Limit(5)
	}
	if out.PollBurst <= 0 {
		out.PollBurst = 10
	}
	if out.AutomationMaxRetries <= 0 {
		out.AutomationMaxRetries = 3
	}
	if out.Namespace == "" {
		out.Namespace = "default"
	}
	if out.TasksFile == "" {
		out.TasksFile = DefaultTasksFile
	}
	return out
}

// SourceFactory yields the verification source for a workload, plus a
// cleanup callback.
type SourceFactory func(ctx context.Context, w *workload.Workload) (verify.Source, func(), error)

// RepoFactory yields the automation working copy for a workload, plus a
// cleanup callback.
type RepoFactory func(ctx context.Context, w *workload.Workload) (automation.PushRepo, func(), error)

// Reconciler owns the control loop.
type Reconciler struct {
	store     workload.Store
	provider  substrate.Provider
	preparer  *workspace.Preparer
	verifier  *verify.Verifier
	automator *automation.Automator
	archiver  *artifacts.Archiver

	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	// sources and repos are swappable for tests; defaults clone the docs
	// repository at the captured branch.
	sources SourceFactory
	repos   RepoFactory

	mu       sync.Mutex
	inflight map[string]struct{}
	sem      chan struct{}
	wg       sync.WaitGroup
}

// New builds a Reconciler. preparer, automator and archiver may be nil;
// the corresponding stages then degrade (no pre-sync, automation skipped,
// no archiving).
func New(store workload.Store, provider substrate.Provider, preparer *workspace.Preparer,
	verifier *verify.Verifier, automator *automation.Automator, archiver *artifacts.Archiver,
	opts Options, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	r := &Reconciler{
		store:     store,
		provider:  provider,
		preparer:  preparer,
		verifier:  verifier,
		automator: automator,
		archiver:  archiver,
		opts:      opts,
		log:       log,
		limiter:   rate.NewLimiter(opts.PollRate, opts.PollBurst),
		inflight:  make(map[string]struct{}),
		sem:       make(chan struct{}, opts.MaxConcurrent),
	}
	r.sources = r.defaultSource
	r.repos = r.defaultRepo
	return r
}

// WithSourceFactory overrides how verification sources are resolved.
func (r *Reconciler) WithSourceFactory(f SourceFactory) *Reconciler {
	r.sources = f
	return r
}

// WithRepoFactory overrides how automation working copies are resolved.
func (r *Reconciler) WithRepoFactory(f RepoFactory) *Reconciler {
	r.repos = f
	return r
}

// Run executes observation passes until ctx is cancelled, then waits for
// in-flight reconciles to drain.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("Reconciler started",
		zap.Duration("interval", r.opts.Interval),
		zap.Int("max_concurrent", r.opts.MaxConcurrent))

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			r.log.Info("Reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass observes every workload once and dispatches reconciles for those
// not already in flight.
func (r *Reconciler) Pass(ctx context.Context) {
	workloads, err := r.store.List(ctx)
	if err != nil {
		r.log.Error("List workloads failed", zap.Error(err))
		return
	}
	for _, w := range workloads {
		r.dispatch(ctx, w.Name)
	}
}

// dispatch starts a reconcile worker unless one already owns the workload.
// One worker per workload at a time keeps status writes ordered per resource.
func (r *Reconciler) dispatch(ctx context.Context, name string) {
	r.mu.Lock()
	if _, busy := r.inflight[name]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[name] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, name)
			r.mu.Unlock()
		}()

		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return
		}

		// Re-read inside the worker: the listed snapshot may be stale by
		// the time the semaphore admits us.
		w, err := r.store.Get(ctx, name)
		if err != nil {
			if !workload.IsNotFound(err) {
				r.log.Error("Get workload failed", zap.String("workload", name), zap.Error(err))
			}
			return
		}
		if err := r.Reconcile(ctx, w); err != nil && ctx.Err() == nil {
			r.log.Error("Reconcile failed",
				zap.String("workload", name),
				zap.String("phase", string(w.Status.Phase)),
				zap.Error(err))
		}
	}()
}

// ReconcileByName re-reads and reconciles one workload synchronously.
func (r *Reconciler) ReconcileByName(ctx context.Context, name string) error {
	w, err := r.store.Get(ctx, name)
	if err != nil {
		return err
	}
	return r.Reconcile(ctx, w)
}

// updateStatus applies mutate under optimistic concurrency, re-reading on
// conflict. mutate returning false aborts without writing (another actor
// already moved the workload somewhere mutate no longer applies).
func (r *Reconciler) updateStatus(ctx context.Context, w *workload.Workload, mutate func(*workload.Workload) bool) (*workload.Workload, error) {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		if !mutate(w) {
			return w, nil
		}
		w.Status.LastTransitionTime = time.Now().UTC()
		err := r.store.Update(ctx, w)
		if err == nil {
			return w, nil
		}
		if !workload.IsConflict(err) {
			return nil, err
		}
		w, err = r.store.Get(ctx, w.Name)
		if err != nil {
			return nil, err
		}
	}
	return nil, &workload.Error{Op: "update status", Workload: w.Name, Err: workload.ErrConflict}
}

// defaultSource clones the docs repository at the captured branch and reads
// the pushed remote ref through it.
func (r *Reconciler) defaultSource(ctx context.Context, w *workload.Workload) (verify.Source, func(), error) {
	if r.preparer == nil {
		return nil, nil, fmt.Errorf("no workspace preparer configured")
	}
	branch := cloneBranch(w)
	snap, err := r.preparer.Prepare(ctx, w.Spec.DocsRepository, branch)
	if err != nil {
		return nil, nil, err
	}
	repo := openRepo(snap.Dir)
	return verify.NewRemoteSource(repo, "origin", branch), snap.Discard, nil
}

// defaultRepo clones the docs repository at the captured branch for
// completion automation.
func (r *Reconciler) defaultRepo(ctx context.Context, w *workload.Workload) (automation.PushRepo, func(), error) {
	if r.preparer == nil {
		return nil, nil, fmt.Errorf("no workspace preparer configured")
	}
	snap, err := r.preparer.Prepare(ctx, w.Spec.DocsRepository, cloneBranch(w))
	if err != nil {
		return nil, nil, err
	}
	return openRepo(snap.Dir), snap.Discard, nil
}

// cloneBranch is the branch jobs and automation operate against: the base
// branch captured at submission, falling back to the configured docs branch.
func cloneBranch(w *workload.Workload) string {
	if w.Spec.BaseBranch != "" {
		return w.Spec.BaseBranch
	}
	return w.Spec.DocsBranch
}
