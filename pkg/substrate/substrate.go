// Package substrate abstracts the execution environment that runs agent
// jobs: job creation and status, named configs, and per-service workspaces.
//
// Names and configs are namespaced, globally addressable strings produced
// by pkg/naming; the provider never invents its own.
package substrate

import (
	"context"
	"errors"
	"fmt"
)

// JobState is the coarse execution state of a job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Sentinel errors for substrate operations.
var (
	// ErrNotFound indicates the job or config does not exist (including
	// external deletion after creation).
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates the resource was created by an earlier
	// reconcile pass. Callers treat it as success for idempotence.
	ErrAlreadyExists = errors.New("resource already exists")
)

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the resource already exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// SecretEnv injects an environment variable from a named secret.
type SecretEnv struct {
	Name       string
	SecretName string
	SecretKey  string
}

// JobSpec describes one execution job.
type JobSpec struct {
	Name      string
	Namespace string
	Labels    map[string]string

	Image   string
	Command []string

	Env            map[string]string
	EnvFromSecrets []SecretEnv

	// ConfigName is the named config mounted at /config.
	ConfigName string

	// WorkspaceName is the shared per-service workspace mounted at
	// /workspace. Empty means no workspace (docs jobs use scratch space).
	WorkspaceName string

	// DeadlineSeconds bounds total job runtime. Zero means no deadline.
	DeadlineSeconds int64
}

// JobRef addresses a created job.
type JobRef struct {
	Namespace string
	Name      string
}

func (r JobRef) String() string {
	if r.Namespace == "" {
		return r.Name
	}
	return fmt.Sprintf("%s/%s", r.Namespace, r.Name)
}

// JobInfo is a listed job with its labels, used for versioned cleanup.
type JobInfo struct {
	Ref    JobRef
	Labels map[string]string
	State  JobState
}

// Provider is the execution substrate interface.
type Provider interface {
	// CreateJob creates the job, returning ErrAlreadyExists when an
	// earlier pass already created it.
	CreateJob(ctx context.Context, spec JobSpec) (JobRef, error)

	// JobState reports the job's current state, or ErrNotFound when the
	// job was deleted externally.
	JobState(ctx context.Context, ref JobRef) (JobState, error)

	// DeleteJob removes the job. Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, ref JobRef) error

	// ListJobs returns jobs matching all the given labels.
	ListJobs(ctx context.Context, labels map[string]string) ([]JobInfo, error)

	// CreateConfig creates a named config holding the attempt's task files.
	CreateConfig(ctx context.Context, name string, labels, data map[string]string) error

	// DeleteConfig removes a named config. Missing configs are not errors.
	DeleteConfig(ctx context.Context, name string) error

	// EnsureWorkspace makes the shared per-service workspace available.
	// Existing workspaces are left untouched.
	EnsureWorkspace(ctx context.Context, name string) error
}
