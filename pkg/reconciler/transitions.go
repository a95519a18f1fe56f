package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/harnessworks/conductor/pkg/gitops"
	"github.com/harnessworks/conductor/pkg/naming"
	"github.com/harnessworks/conductor/pkg/substrate"
	"github.com/harnessworks/conductor/pkg/verify"
	"github.com/harnessworks/conductor/pkg/workload"
)

// Label keys stamped onto substrate resources. Version labels drive
// old-attempt cleanup.
const (
	labelApp      = "app"
	labelAppValue = "conductor"
	labelService  = "conductor.dev/service"
	labelTask     = "conductor.dev/task"
	labelVersion  = "conductor.dev/version"
	labelWorkload = "conductor.dev/workload"
)

func openRepo(dir string) *gitops.Repo {
	return gitops.Open(dir)
}

// Reconcile converges one workload a single step toward its desired state.
func (r *Reconciler) Reconcile(ctx context.Context, w *workload.Workload) error {
	if w.Deleting() {
		return r.handleDeleting(ctx, w)
	}

	switch w.Status.Phase {
	case workload.PhasePending:
		return r.handlePending(ctx, w)
	case workload.PhasePreparing:
		return r.handlePreparing(ctx, w)
	case workload.PhaseRunning:
		return r.handleRunning(ctx, w)
	case workload.PhaseCompleted, workload.PhaseFailed:
		return r.handleTerminal(ctx, w)
	default:
		return fmt.Errorf("workload %s has unknown phase %q", w.Name, w.Status.Phase)
	}
}

// handlePending allocates the job and config names into status before any
// external resource exists. A crash after this write still leaves
// cancellation with concrete deletion targets.
func (r *Reconciler) handlePending(ctx context.Context, w *workload.Workload) error {
	jobName := naming.JobName(string(w.Spec.Kind), w.Namespace, w.Name, w.UID, w.Spec.TaskID, w.Spec.ContextVersion)
	configName := naming.ConfigName(w.Spec.Service, w.Spec.TaskID, w.Spec.ContextVersion)

	_, err := r.updateStatus(ctx, w, func(w *workload.Workload) bool {
		if w.Status.Phase != workload.PhasePending || w.Deleting() {
			return false
		}
		w.Status.Phase = workload.PhasePreparing
		w.Status.JobRef = jobName
		w.Status.ConfigRef = configName
		w.Status.Message = "preparing workspace"
		return true
	})
	if err != nil {
		return err
	}
	r.log.Info("Workload accepted",
		zap.String("workload", w.Name),
		zap.String("job", jobName),
		zap.Int("context_version", w.Spec.ContextVersion))
	return nil
}

// handlePreparing runs the pre-flight pipeline: repo sync, content
// verification, config and workspace provisioning, old-attempt cleanup, and
// finally job creation. Order matters: verification must see the synced
// remote, and no job may exist before verification passes.
func (r *Reconciler) handlePreparing(ctx context.Context, w *workload.Workload) error {
	if err := r.prepare(ctx, w); err != nil {
		if workload.IsTerminal(err) {
			return r.fail(ctx, w, err)
		}
		// Transient: stay in Preparing and let the next pass retry.
		r.log.Warn("Preparation incomplete, will retry",
			zap.String("workload", w.Name),
			zap.Error(err))
		return nil
	}

	_, err := r.updateStatus(ctx, w, func(w *workload.Workload) bool {
		if w.Status.Phase != workload.PhasePreparing || w.Deleting() {
			return false
		}
		w.Status.Phase = workload.PhaseRunning
		w.Status.Message = "job running"
		return true
	})
	if err != nil {
		return err
	}
	r.log.Info("Job started",
		zap.String("workload", w.Name),
		zap.String("job", w.Status.JobRef))
	return nil
}

func (r *Reconciler) prepare(ctx context.Context, w *workload.Workload) error {
	branch := cloneBranch(w)

	if r.preparer != nil {
		if err := r.preparer.EnsureRepoSync(ctx, branch); err != nil {
			return err
		}
	}

	if r.verifier != nil {
		src, cleanup, err := r.sources(ctx, w)
		if err != nil {
			return err
		}
		verr := r.verifier.Verify(ctx, src, verify.Expectation{
			Path:   tasksPath(w, r.opts.TasksFile),
			TaskID: w.Spec.TaskID,
			Title:  w.Spec.TaskTitle,
		})
		if cleanup != nil {
			cleanup()
		}
		if verr != nil {
			return verr
		}
	}

	labels := r.labelsFor(w)
	err := r.provider.CreateConfig(ctx, w.Status.ConfigRef, labels, configData(w))
	if err != nil && !substrate.IsAlreadyExists(err) {
		return fmt.Errorf("create config %s: %w", w.Status.ConfigRef, err)
	}

	workspaceName := ""
	if w.Spec.Kind == workload.KindCode {
		workspaceName = naming.WorkspaceName(w.Spec.Service)
		if err := r.provider.EnsureWorkspace(ctx, workspaceName); err != nil {
			return fmt.Errorf("ensure workspace %s: %w", workspaceName, err)
		}
	}

	if err := r.cleanupOldVersions(ctx, w); err != nil {
		r.log.Warn("Old attempt cleanup incomplete",
			zap.String("workload", w.Name),
			zap.Error(err))
	}

	_, err = r.provider.CreateJob(ctx, r.buildJobSpec(w, labels, workspaceName))
	if err != nil && !substrate.IsAlreadyExists(err) {
		return fmt.Errorf("create job %s: %w", w.Status.JobRef, err)
	}
	return nil
}

// handleRunning polls the job and drives completion.
func (r *Reconciler) handleRunning(ctx context.Context, w *workload.Workload) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	state, err := r.provider.JobState(ctx, r.jobRef(w))
	if err != nil {
		if substrate.IsNotFound(err) {
			return r.fail(ctx, w, &workload.Error{
				Op:       "observe",
				Workload: w.Name,
				Err:      fmt.Errorf("%w: job %s disappeared", workload.ErrExecution, w.Status.JobRef),
			})
		}
		// Transient substrate error; observe again next pass.
		r.log.Warn("Job status poll failed",
			zap.String("workload", w.Name),
			zap.Error(err))
		return nil
	}

	switch state {
	case substrate.JobSucceeded:
		return r.complete(ctx, w)
	case substrate.JobFailed:
		return r.fail(ctx, w, &workload.Error{
			Op:       "observe",
			Workload: w.Name,
			Err:      fmt.Errorf("%w: job %s failed", workload.ErrExecution, w.Status.JobRef),
		})
	default:
		return nil
	}
}

// complete finishes a successful workload, running pull-request automation
// for docs workloads first.
func (r *Reconciler) complete(ctx context.Context, w *workload.Workload) error {
	if w.Spec.Kind != workload.KindDocs || r.automator == nil {
		_, err := r.updateStatus(ctx, w, func(w *workload.Workload) bool {
			if w.Status.Phase != workload.PhaseRunning || w.Deleting() {
				return false
			}
			w.Status.Phase = workload.PhaseCompleted
			w.Status.Message = "job succeeded"
			w.Status.AutomationState = workload.AutomationSkipped
			return true
		})
		if err == nil {
			r.log.Info("Workload completed", zap.String("workload", w.Name))
		}
		return err
	}
	return r.runAutomation(ctx, w)
}

// runAutomation opens the pull request after success. Failures are
// recoverable up to the retry budget, then degrade to
// Completed-with-warning: the work itself succeeded and a human can open
// the PR by hand.
func (r *Reconciler) runAutomation(ctx context.Context, w *workload.Workload) error {
	record, aerr := r.automate(ctx, w)
	if aerr == nil {
		_, err := r.updateStatus(ctx, w, func(w *workload.Workload) bool {
			if w.Status.Phase != workload.PhaseRunning || w.Deleting() {
				return false
			}
			w.Status.Phase = workload.PhaseCompleted
			w.Status.AutomationState = workload.AutomationSucceeded
			w.Status.Message = "job succeeded"
			if record != nil {
				w.Status.PullRequestURL = record.URL
				w.Status.Message = "job succeeded, pull request opened"
			}
			return true
		})
		if err == nil {
			r.log.Info("Workload completed",
				zap.String("workload", w.Name),
				zap.String("pull_request", w.Status.PullRequestURL))
		}
		return err
	}

	if workload.IsConfiguration(aerr) {
		// A missing base branch cannot heal by retrying.
		return r.fail(ctx, w, aerr)
	}

	retries := w.Status.AutomationRetries + 1
	if retries >= r.opts.AutomationMaxRetries {
		_, err := r.updateStatus(ctx, w, func(w *workload.Workload) bool {
			if w.Status.Phase != workload.PhaseRunning || w.Deleting() {
				return false
			}
			w.Status.Phase = workload.PhaseCompleted
			w.Status.AutomationState = workload.AutomationFailed
			w.Status.AutomationRetries = retries
			w.Status.Warning = fmt.Sprintf("pull request automation failed after %d attempts: %v", retries, aerr)
			w.Status.Message = "job succeeded, automation degraded"
			return true
		})
		if err == nil {
			r.log.Warn("Automation gave up, completing with warning",
				zap.String("workload", w.Name),
				zap.Int("retries", retries),
				zap.Error(aerr))
		}
		return err
	}

	_, err := r.updateStatus(ctx, w, func(w *workload.Workload) bool {
		if w.Status.Phase != workload.PhaseRunning || w.Deleting() {
			return false
		}
		w.Status.AutomationState = workload.AutomationPending
		w.Status.AutomationRetries = retries
		w.Status.Message = fmt.Sprintf("automation attempt %d failed, retrying", retries)
		return true
	})
	if err == nil {
		r.log.Warn("Automation attempt failed, will retry",
			zap.String("workload", w.Name),
			zap.Int("retries", retries),
			zap.Error(aerr))
	}
	return err
}

func (r *Reconciler) automate(ctx context.Context, w *workload.Workload) (*workload.PullRequestRecord, error) {
	repo, cleanup, err := r.repos(ctx, w)
	if err != nil {
		return nil, &workload.Error{
			Op:       "automate",
			Workload: w.Name,
			Err:      fmt.Errorf("%w: resolve working copy: %v", workload.ErrAutomation, err),
		}
	}
	if cleanup != nil {
		defer cleanup()
	}
	return r.automator.Run(ctx, repo, w)
}

// handleTerminal archives artifacts once and collects expired workloads.
func (r *Reconciler) handleTerminal(ctx context.Context, w *workload.Workload) error {
	if r.archiver != nil && !w.Status.Archived {
		if err := r.archive(ctx, w); err != nil {
			r.log.Warn("Artifact archiving failed, will retry",
				zap.String("workload", w.Name),
				zap.Error(err))
		} else {
			var uerr error
			w, uerr = r.updateStatus(ctx, w, func(w *workload.Workload) bool {
				if w.Status.Archived {
					return false
				}
				w.Status.Archived = true
				return true
			})
			if uerr != nil {
				return uerr
			}
		}
	}

	if r.opts.TerminalTTL > 0 && time.Since(w.Status.LastTransitionTime) > r.opts.TerminalTTL {
		r.log.Info("Collecting expired workload",
			zap.String("workload", w.Name),
			zap.String("phase", string(w.Status.Phase)))
		if err := r.cleanupResources(ctx, w); err != nil {
			return err
		}
		return r.store.Remove(ctx, w.Name)
	}
	return nil
}

func (r *Reconciler) archive(ctx context.Context, w *workload.Workload) error {
	record, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workload record: %w", err)
	}
	return r.archiver.Put(ctx, w.Spec.Service, w.Spec.TaskID, w.Spec.ContextVersion, "workload.json", record)
}

// handleDeleting tears down substrate resources and erases the record.
// Deletion always wins: automation never runs for a tombstoned workload,
// even one whose job already succeeded.
func (r *Reconciler) handleDeleting(ctx context.Context, w *workload.Workload) error {
	if err := r.cleanupResources(ctx, w); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, w.Name); err != nil {
		return err
	}
	r.log.Info("Workload removed", zap.String("workload", w.Name))
	return nil
}

func (r *Reconciler) cleanupResources(ctx context.Context, w *workload.Workload) error {
	if w.Status.JobRef != "" {
		if err := r.provider.DeleteJob(ctx, r.jobRef(w)); err != nil {
			return fmt.Errorf("delete job %s: %w", w.Status.JobRef, err)
		}
	}
	if w.Status.ConfigRef != "" {
		if err := r.provider.DeleteConfig(ctx, w.Status.ConfigRef); err != nil {
			return fmt.Errorf("delete config %s: %w", w.Status.ConfigRef, err)
		}
	}
	return nil
}

// fail moves the workload to Failed with a classified error and tears down
// any partially created resources for the attempt.
func (r *Reconciler) fail(ctx context.Context, w *workload.Workload, cause error) error {
	if err := r.cleanupResources(ctx, w); err != nil {
		r.log.Warn("Cleanup after failure incomplete",
			zap.String("workload", w.Name),
			zap.Error(err))
	}

	_, err := r.updateStatus(ctx, w, func(w *workload.Workload) bool {
		if w.Status.Phase.Terminal() || w.Deleting() {
			return false
		}
		w.Status.Phase = workload.PhaseFailed
		w.Status.LastError = cause.Error()
		w.Status.ErrorKind = workload.Classify(cause)
		w.Status.Message = "attempt failed"
		return true
	})
	if err != nil {
		return err
	}
	r.log.Warn("Workload failed",
		zap.String("workload", w.Name),
		zap.String("error_kind", workload.Classify(cause)),
		zap.Error(cause))
	return nil
}

// cleanupOldVersions deletes jobs of earlier context versions for the same
// task. The current attempt's job is never touched.
func (r *Reconciler) cleanupOldVersions(ctx context.Context, w *workload.Workload) error {
	jobs, err := r.provider.ListJobs(ctx, map[string]string{
		labelService: naming.Sanitize(w.Spec.Service),
		labelTask:    strconv.Itoa(w.Spec.TaskID),
	})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		version, err := strconv.Atoi(job.Labels[labelVersion])
		if err != nil || version >= w.Spec.ContextVersion {
			continue
		}
		if err := r.provider.DeleteJob(ctx, job.Ref); err != nil {
			return err
		}
		r.log.Info("Deleted superseded job",
			zap.String("workload", w.Name),
			zap.String("job", job.Ref.Name),
			zap.Int("version", version))
	}
	return nil
}

func (r *Reconciler) jobRef(w *workload.Workload) substrate.JobRef {
	namespace := w.Namespace
	if namespace == "" {
		namespace = r.opts.Namespace
	}
	return substrate.JobRef{Namespace: namespace, Name: w.Status.JobRef}
}

func (r *Reconciler) labelsFor(w *workload.Workload) map[string]string {
	return map[string]string{
		labelApp:      labelAppValue,
		labelService:  naming.Sanitize(w.Spec.Service),
		labelTask:     strconv.Itoa(w.Spec.TaskID),
		labelVersion:  strconv.Itoa(w.Spec.ContextVersion),
		labelWorkload: naming.Sanitize(w.Name),
	}
}

func (r *Reconciler) buildJobSpec(w *workload.Workload, labels map[string]string, workspaceName string) substrate.JobSpec {
	env := map[string]string{
		"TASK_ID":          strconv.Itoa(w.Spec.TaskID),
		"SERVICE":          w.Spec.Service,
		"CONTEXT_VERSION":  strconv.Itoa(w.Spec.ContextVersion),
		"REPOSITORY_URL":   w.Spec.Repository,
		"DOCS_REPO_URL":    w.Spec.DocsRepository,
		"DOCS_BRANCH":      cloneBranch(w),
		"WORKING_DIR":      w.Spec.WorkingDirectory,
		"CONTINUE_SESSION": strconv.FormatBool(w.Spec.ContinueSession),
		"OVERWRITE_MEMORY": strconv.FormatBool(w.Spec.OverwriteMemory),
	}
	if w.Spec.DocsProjectDirectory != "" {
		env["DOCS_PROJECT_DIR"] = w.Spec.DocsProjectDirectory
	}
	if w.Spec.Model != "" {
		env["MODEL"] = w.Spec.Model
	}
	if w.Spec.GithubUser != "" {
		env["GITHUB_USER"] = w.Spec.GithubUser
	}
	if w.Status.SessionID != "" {
		env["SESSION_ID"] = w.Status.SessionID
	}
	if w.Spec.PromptModification != "" {
		env["PROMPT_MODIFICATION"] = w.Spec.PromptModification
	}
	for k, v := range w.Spec.Env {
		env[k] = v
	}

	secrets := make([]substrate.SecretEnv, 0, len(w.Spec.EnvFromSecrets))
	for _, s := range w.Spec.EnvFromSecrets {
		secrets = append(secrets, substrate.SecretEnv{
			Name:       s.Name,
			SecretName: s.SecretName,
			SecretKey:  s.SecretKey,
		})
	}

	var deadline int64
	if r.opts.JobDeadline > 0 {
		deadline = int64(r.opts.JobDeadline.Seconds())
	}

	return substrate.JobSpec{
		Name:            w.Status.JobRef,
		Namespace:       r.jobRef(w).Namespace,
		Labels:          labels,
		Image:           r.opts.Image,
		Command:         r.opts.Command,
		Env:             env,
		EnvFromSecrets:  secrets,
		ConfigName:      w.Status.ConfigRef,
		WorkspaceName:   workspaceName,
		DeadlineSeconds: deadline,
	}
}

// configData flattens the request's file payloads plus the request record
// itself into the named config.
func configData(w *workload.Workload) map[string]string {
	data := make(map[string]string, len(w.Spec.Files)+1)
	for _, f := range w.Spec.Files {
		data[f.Name] = f.Content
	}
	if _, taken := data["request.json"]; !taken {
		if b, err := json.MarshalIndent(w.Spec, "", "  "); err == nil {
			data["request.json"] = string(b)
		}
	}
	return data
}

// tasksPath joins the docs project directory with the tasks file location.
func tasksPath(w *workload.Workload, tasksFile string) string {
	if w.Spec.DocsProjectDirectory == "" {
		return tasksFile
	}
	return path.Join(w.Spec.DocsProjectDirectory, tasksFile)
}
