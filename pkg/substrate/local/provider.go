// Package local implements the execution substrate with plain processes
// and directories. It backs development setups and tests where no cluster
// is available, with the same idempotence contract as the cluster provider.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/harnessworks/conductor/pkg/substrate"
)

// jobRecord is the durable state of one local job.
type jobRecord struct {
	Name            string             `json:"name"`
	Namespace       string             `json:"namespace"`
	Labels          map[string]string  `json:"labels,omitempty"`
	State           substrate.JobState `json:"state"`
	PID             int                `json:"pid,omitempty"`
	ExitCode        *int               `json:"exit_code,omitempty"`
	DeadlineSeconds int64              `json:"deadline_seconds,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
}

// Provider runs jobs as child processes under a state root.
//
// Directory layout:
//
//	<root>/jobs/<namespace>/<name>/{job.json,stdout.log,stderr.log}
//	<root>/configs/<name>/<file>...
//	<root>/workspaces/<name>/
type Provider struct {
	root      string
	namespace string
	log       *zap.Logger

	mu sync.Mutex
}

// New creates a local provider rooted at dir.
func New(dir, namespace string, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Provider{root: dir, namespace: namespace, log: log}
}

func (p *Provider) jobDir(ref substrate.JobRef) string {
	return filepath.Join(p.root, "jobs", ref.Namespace, ref.Name)
}

func (p *Provider) configDir(name string) string {
	return filepath.Join(p.root, "configs", name)
}

func (p *Provider) workspaceDir(name string) string {
	return filepath.Join(p.root, "workspaces", name)
}

// CreateJob implements substrate.Provider.
func (p *Provider) CreateJob(ctx context.Context, spec substrate.JobSpec) (substrate.JobRef, error) {
	namespace := spec.Namespace
	if namespace == "" {
		namespace = p.namespace
	}
	ref := substrate.JobRef{Namespace: namespace, Name: spec.Name}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.jobDir(ref)
	if _, err := os.Stat(filepath.Join(dir, "job.json")); err == nil {
		return ref, substrate.ErrAlreadyExists
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return substrate.JobRef{}, fmt.Errorf("create job dir: %w", err)
	}

	if len(spec.Command) == 0 {
		// Jobs without a command exist only as records. Tests drive their
		// state through the job.json file directly.
		rec := &jobRecord{
			Name:            ref.Name,
			Namespace:       ref.Namespace,
			Labels:          spec.Labels,
			State:           substrate.JobPending,
			DeadlineSeconds: spec.DeadlineSeconds,
			CreatedAt:       time.Now().UTC(),
		}
		if err := p.writeRecord(ref, rec); err != nil {
			return substrate.JobRef{}, err
		}
		return ref, nil
	}

	stdout, err := os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return substrate.JobRef{}, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr.log"))
	if err != nil {
		_ = stdout.Close()
		return substrate.JobRef{}, fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "TASK_CONFIG_DIR="+p.configDir(spec.ConfigName))
	if spec.WorkspaceName != "" {
		ws := p.workspaceDir(spec.WorkspaceName)
		cmd.Env = append(cmd.Env, "WORKSPACE_DIR="+ws)
		cmd.Dir = ws
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return substrate.JobRef{}, fmt.Errorf("start job process: %w", err)
	}

	rec := &jobRecord{
		Name:            ref.Name,
		Namespace:       ref.Namespace,
		Labels:          spec.Labels,
		State:           substrate.JobRunning,
		PID:             cmd.Process.Pid,
		DeadlineSeconds: spec.DeadlineSeconds,
		CreatedAt:       time.Now().UTC(),
	}
	if err := p.writeRecord(ref, rec); err != nil {
		_ = cmd.Process.Kill()
		return substrate.JobRef{}, err
	}

	go p.reap(ref, cmd, stdout, stderr)

	p.log.Info("Started local job",
		zap.String("job", ref.String()),
		zap.Int("pid", cmd.Process.Pid))
	return ref, nil
}

// reap waits for the child and records its outcome.
func (p *Provider) reap(ref substrate.JobRef, cmd *exec.Cmd, stdout, stderr *os.File) {
	err := cmd.Wait()
	_ = stdout.Close()
	_ = stderr.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, rerr := p.readRecord(ref)
	if rerr != nil {
		return
	}
	now := time.Now().UTC()
	rec.FinishedAt = &now
	code := 0
	if err != nil {
		code = 1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}
	rec.ExitCode = &code
	if code == 0 {
		rec.State = substrate.JobSucceeded
	} else {
		rec.State = substrate.JobFailed
	}
	_ = p.writeRecord(ref, rec)
}

// JobState implements substrate.Provider.
func (p *Provider) JobState(ctx context.Context, ref substrate.JobRef) (substrate.JobState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.readRecord(ref)
	if err != nil {
		return "", err
	}

	// A running record whose process is gone with no recorded exit means the
	// parent died before reaping. Treat it as failed rather than waiting on a
	// state that can never change.
	if rec.State == substrate.JobRunning && rec.PID > 0 && !processAlive(rec.PID) && rec.ExitCode == nil {
		rec.State = substrate.JobFailed
		now := time.Now().UTC()
		rec.FinishedAt = &now
		_ = p.writeRecord(ref, rec)
		return rec.State, nil
	}

	// Deadline enforcement, the local counterpart of the cluster's
	// activeDeadlineSeconds. A running job past its deadline is terminated
	// and recorded as failed.
	if rec.State == substrate.JobRunning && rec.DeadlineSeconds > 0 &&
		time.Since(rec.CreatedAt) > time.Duration(rec.DeadlineSeconds)*time.Second {
		if rec.PID > 0 && processAlive(rec.PID) {
			if proc, perr := os.FindProcess(rec.PID); perr == nil {
				_ = proc.Signal(syscall.SIGTERM)
			}
		}
		rec.State = substrate.JobFailed
		now := time.Now().UTC()
		rec.FinishedAt = &now
		_ = p.writeRecord(ref, rec)
		p.log.Warn("Local job exceeded its deadline",
			zap.String("job", ref.String()),
			zap.Int64("deadline_seconds", rec.DeadlineSeconds))
	}
	return rec.State, nil
}

// DeleteJob implements substrate.Provider.
func (p *Provider) DeleteJob(ctx context.Context, ref substrate.JobRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.readRecord(ref)
	if err != nil {
		if substrate.IsNotFound(err) {
			return nil
		}
		return err
	}
	if rec.State == substrate.JobRunning && rec.PID > 0 && processAlive(rec.PID) {
		if proc, perr := os.FindProcess(rec.PID); perr == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}
	return os.RemoveAll(p.jobDir(ref))
}

// ListJobs implements substrate.Provider.
func (p *Provider) ListJobs(ctx context.Context, selector map[string]string) ([]substrate.JobInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []substrate.JobInfo
	namespaces, err := os.ReadDir(filepath.Join(p.root, "jobs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}
	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		jobs, err := os.ReadDir(filepath.Join(p.root, "jobs", ns.Name()))
		if err != nil {
			continue
		}
		for _, j := range jobs {
			if !j.IsDir() {
				continue
			}
			ref := substrate.JobRef{Namespace: ns.Name(), Name: j.Name()}
			rec, err := p.readRecord(ref)
			if err != nil {
				continue
			}
			if !matchLabels(rec.Labels, selector) {
				continue
			}
			out = append(out, substrate.JobInfo{Ref: ref, Labels: rec.Labels, State: rec.State})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Name < out[j].Ref.Name })
	return out, nil
}

// CreateConfig implements substrate.Provider: one file per data entry.
func (p *Provider) CreateConfig(ctx context.Context, name string, labels, data map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.configDir(name)
	if _, err := os.Stat(dir); err == nil {
		return substrate.ErrAlreadyExists
	}

	tmp := dir + ".tmp"
	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	for file, content := range data {
		if strings.Contains(file, string(os.PathSeparator)) {
			_ = os.RemoveAll(tmp)
			return fmt.Errorf("config entry name %q must not contain path separators", file)
		}
		if err := os.WriteFile(filepath.Join(tmp, file), []byte(content), 0o644); err != nil {
			_ = os.RemoveAll(tmp)
			return fmt.Errorf("write config entry %s: %w", file, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		if os.IsExist(err) {
			return substrate.ErrAlreadyExists
		}
		return fmt.Errorf("commit config dir: %w", err)
	}
	return nil
}

// DeleteConfig implements substrate.Provider.
func (p *Provider) DeleteConfig(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return os.RemoveAll(p.configDir(name))
}

// EnsureWorkspace implements substrate.Provider.
func (p *Provider) EnsureWorkspace(ctx context.Context, name string) error {
	return os.MkdirAll(p.workspaceDir(name), 0o755)
}

func (p *Provider) readRecord(ref substrate.JobRef) (*jobRecord, error) {
	b, err := os.ReadFile(filepath.Join(p.jobDir(ref), "job.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, substrate.ErrNotFound
		}
		return nil, err
	}
	var rec jobRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse job.json for %s: %w", ref, err)
	}
	return &rec, nil
}

func (p *Provider) writeRecord(ref substrate.JobRef, rec *jobRecord) error {
	dir := p.jobDir(ref)
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp job file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	return os.Rename(tmpName, filepath.Join(dir, "job.json"))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func matchLabels(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}
