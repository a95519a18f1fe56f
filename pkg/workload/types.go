// Package workload defines the declarative workload model: the request
// submitted for one agent task, its reconciled status, and the immutable
// attempt records that track execution history.
package workload

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two workload families.
//
// Code workloads implement a task against a target repository and share a
// per-service persistent workspace across retries. Docs workloads generate
// documentation and trigger pull-request automation on success.
type Kind string

const (
	KindCode Kind = "code"
	KindDocs Kind = "docs"
)

// Phase is the lifecycle phase of a workload.
//
// NOTE: These values are persisted in workload.json and are part of the
// stable on-disk contract.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhasePreparing Phase = "Preparing"
	PhaseRunning   Phase = "Running"
	PhaseCompleted Phase = "Completed"
	PhaseFailed    Phase = "Failed"
)

// Terminal reports whether the phase is a terminal state.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// SecretEnvRef injects an environment variable from a named secret.
type SecretEnvRef struct {
	Name       string `json:"name"`
	SecretName string `json:"secret_name"`
	SecretKey  string `json:"secret_key"`
}

// FilePayload is one named task-context file carried by the request.
// Payloads become the data of the attempt's named config and are mounted
// into the job.
type FilePayload struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Request is the declarative description of one agent job.
//
// The (TaskID, Service, ContextVersion) triple is unique across attempts;
// ContextVersion strictly increases across retries of the same logical task.
type Request struct {
	Kind    Kind   `json:"kind"`
	TaskID  int    `json:"task_id"`
	Service string `json:"service"`

	// Repository is the target repo where implementation work happens.
	Repository string `json:"repository"`

	// DocsRepository holds the task definitions the job clones.
	DocsRepository string `json:"docs_repository"`

	// DocsProjectDirectory is the project directory within the docs repo.
	DocsProjectDirectory string `json:"docs_project_directory,omitempty"`

	// WorkingDirectory within the target repository. Defaults to Service.
	WorkingDirectory string `json:"working_directory,omitempty"`

	Model      string `json:"model,omitempty"`
	GithubUser string `json:"github_user,omitempty"`

	// ContextVersion is assigned by the version allocator at submission and
	// on each retry. Never client-counted.
	ContextVersion int `json:"context_version"`

	// DocsBranch is the docs repo branch the job clones. Defaults to "main".
	DocsBranch string `json:"docs_branch"`

	// BaseBranch is the branch the submitter was on, captured once at
	// submission time. It is both the clone target and the pull request's
	// base branch. Never re-derived from ambient git state later.
	BaseBranch string `json:"base_branch,omitempty"`

	// TaskTitle is the expected first-record title of the task definition,
	// used by content verification. Empty skips the title match.
	TaskTitle string `json:"task_title,omitempty"`

	ContinueSession bool `json:"continue_session"`
	OverwriteMemory bool `json:"overwrite_memory"`

	Env            map[string]string `json:"env,omitempty"`
	EnvFromSecrets []SecretEnvRef    `json:"env_from_secrets,omitempty"`

	Files []FilePayload `json:"files,omitempty"`

	// PromptModification is appended to the agent prompt when set.
	PromptModification string `json:"prompt_modification,omitempty"`
}

// AutomationState tracks post-success pull-request automation.
type AutomationState string

const (
	AutomationNone      AutomationState = ""
	AutomationPending   AutomationState = "pending"
	AutomationSucceeded AutomationState = "succeeded"
	AutomationFailed    AutomationState = "failed"
	AutomationSkipped   AutomationState = "skipped"
)

// Status is the reconciled state of a workload. Only the reconciler
// mutates it.
type Status struct {
	Phase Phase `json:"phase"`

	// JobRef and ConfigRef are allocated on the Pending->Preparing
	// transition, before any external resource exists, so cancellation
	// always has a deletion target even after a crash.
	JobRef    string `json:"job_ref,omitempty"`
	ConfigRef string `json:"config_ref,omitempty"`

	// Attempts starts at 1 and only increases on explicit retry.
	Attempts int `json:"attempts"`

	LastTransitionTime time.Time `json:"last_transition_time"`

	// Message carries a human-readable reason for the current phase.
	Message string `json:"message,omitempty"`

	// Warning is set when the workload completed but a post-success step
	// degraded (Completed-with-warning).
	Warning string `json:"warning,omitempty"`

	// LastError holds the terminal error detail when Failed.
	LastError string `json:"last_error,omitempty"`

	// ErrorKind classifies LastError (configuration, repository_sync,
	// verification, execution, automation).
	ErrorKind string `json:"error_kind,omitempty"`

	// SessionID is the agent session captured for continuation.
	SessionID string `json:"session_id,omitempty"`

	AutomationState   AutomationState `json:"automation_state,omitempty"`
	AutomationRetries int             `json:"automation_retries,omitempty"`

	// PullRequestURL is set when automation opened (or found) the PR.
	PullRequestURL string `json:"pull_request_url,omitempty"`

	// Archived marks that terminal-phase artifacts were uploaded.
	Archived bool `json:"archived,omitempty"`
}

// Workload is the durable record persisted by the store.
type Workload struct {
	Name      string     `json:"name"`
	Namespace string     `json:"namespace"`
	UID       string     `json:"uid"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	Spec   Request `json:"spec"`
	Status Status  `json:"status"`

	// Revision is the store's optimistic concurrency token. Updates must
	// present the revision they read; a mismatch is a conflict.
	Revision int64 `json:"revision"`
}

// Deleting reports whether the workload carries a deletion tombstone and
// is awaiting resource cleanup.
func (w *Workload) Deleting() bool {
	return w.DeletedAt != nil
}

// Attempt is the immutable record of one execution of a logical task.
//
// Attempts are keyed by (TaskID, Service) and survive workload deletion so
// a later retry still observes every prior context version.
type Attempt struct {
	TaskID         int       `json:"task_id"`
	Service        string    `json:"service"`
	ContextVersion int       `json:"context_version"`
	Continued      bool      `json:"continued"`
	Workload       string    `json:"workload"`
	CreatedAt      time.Time `json:"created_at"`
}

// PullRequestRecord describes the PR opened by completion automation.
// It is created once and immutable thereafter.
type PullRequestRecord struct {
	HeadBranch string `json:"head_branch"`

	// BaseBranch must equal the branch captured at submission time.
	BaseBranch string `json:"base_branch"`

	Title  string `json:"title"`
	Body   string `json:"body"`
	Number int    `json:"number,omitempty"`
	URL    string `json:"url,omitempty"`
}

// DefaultName derives the workload resource name for a request.
func DefaultName(r *Request) string {
	service := strings.ReplaceAll(strings.ToLower(r.Service), "_", "-")
	return fmt.Sprintf("%s-%s-task%d", r.Kind, service, r.TaskID)
}
