package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harnessworks/conductor/pkg/substrate"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	return New(t.TempDir(), "default", nil)
}

func recordSpec(name string, labels map[string]string) substrate.JobSpec {
	// No command: the job exists only as a record.
	return substrate.JobSpec{Name: name, Labels: labels}
}

func TestCreateJob_RecordOnly(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, recordSpec("job-a", map[string]string{"app": "conductor"}))
	require.NoError(t, err)
	assert.Equal(t, "default/job-a", ref.String())

	state, err := p.JobState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, substrate.JobPending, state)
}

func TestCreateJob_AlreadyExists(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, recordSpec("job-a", nil))
	require.NoError(t, err)

	again, err := p.CreateJob(ctx, recordSpec("job-a", nil))
	require.Error(t, err)
	assert.True(t, substrate.IsAlreadyExists(err))
	assert.Equal(t, ref, again, "the ref is still returned so callers can proceed")
}

func TestJobState_NotFound(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.JobState(context.Background(), substrate.JobRef{Namespace: "default", Name: "ghost"})
	require.Error(t, err)
	assert.True(t, substrate.IsNotFound(err))
}

func TestJobState_DriveThroughRecordFile(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, recordSpec("job-a", nil))
	require.NoError(t, err)

	writeState(t, p, ref, substrate.JobSucceeded)

	state, err := p.JobState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, substrate.JobSucceeded, state)
}

func TestJobState_OrphanedRunningRecordFails(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, recordSpec("job-a", nil))
	require.NoError(t, err)

	// Simulate a crash: the record says running, the pid no longer exists.
	rec := readRecord(t, p, ref)
	rec.State = substrate.JobRunning
	rec.PID = findDeadPID()
	writeRecordFile(t, p, ref, rec)

	state, err := p.JobState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, substrate.JobFailed, state)
}

func TestJobState_DeadlineExpiryFailsRunningJob(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, substrate.JobSpec{Name: "job-a", DeadlineSeconds: 60})
	require.NoError(t, err)

	// A running job created past its deadline must be reported failed, not
	// left running forever.
	rec := readRecord(t, p, ref)
	rec.State = substrate.JobRunning
	rec.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	writeRecordFile(t, p, ref, rec)

	state, err := p.JobState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, substrate.JobFailed, state)

	rec = readRecord(t, p, ref)
	assert.Equal(t, substrate.JobFailed, rec.State)
	require.NotNil(t, rec.FinishedAt)
}

func TestJobState_DeadlineNotYetExpired(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, substrate.JobSpec{Name: "job-a", DeadlineSeconds: 3600})
	require.NoError(t, err)

	writeState(t, p, ref, substrate.JobRunning)

	state, err := p.JobState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, substrate.JobRunning, state)
}

func TestCreateJob_RunsProcess(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, substrate.JobSpec{
		Name:    "job-echo",
		Command: []string{"sh", "-c", "echo done"},
	})
	require.NoError(t, err)

	state := waitForTerminal(t, p, ref)
	assert.Equal(t, substrate.JobSucceeded, state)

	out, err := os.ReadFile(filepath.Join(p.jobDir(ref), "stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "done")
}

func TestCreateJob_FailingProcess(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, substrate.JobSpec{
		Name:    "job-fail",
		Command: []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err)

	state := waitForTerminal(t, p, ref)
	assert.Equal(t, substrate.JobFailed, state)

	rec := readRecord(t, p, ref)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ref, err := p.CreateJob(ctx, recordSpec("job-a", nil))
	require.NoError(t, err)

	require.NoError(t, p.DeleteJob(ctx, ref))
	_, err = p.JobState(ctx, ref)
	assert.True(t, substrate.IsNotFound(err))

	// Deleting a missing job is not an error.
	assert.NoError(t, p.DeleteJob(ctx, ref))
}

func TestListJobs_LabelSelector(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	_, err := p.CreateJob(ctx, recordSpec("job-b", map[string]string{"service": "billing", "version": "2"}))
	require.NoError(t, err)
	_, err = p.CreateJob(ctx, recordSpec("job-a", map[string]string{"service": "billing", "version": "1"}))
	require.NoError(t, err)
	_, err = p.CreateJob(ctx, recordSpec("job-c", map[string]string{"service": "auth", "version": "1"}))
	require.NoError(t, err)

	jobs, err := p.ListJobs(ctx, map[string]string{"service": "billing"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-a", jobs[0].Ref.Name, "results sort by name")
	assert.Equal(t, "job-b", jobs[1].Ref.Name)

	all, err := p.ListJobs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := p.ListJobs(ctx, map[string]string{"service": "missing"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateConfig(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	data := map[string]string{
		"tasks.json":   `{"master":{"tasks":[]}}`,
		"request.json": `{}`,
	}
	require.NoError(t, p.CreateConfig(ctx, "billing-task12-v1-files", nil, data))

	for file, want := range data {
		b, err := os.ReadFile(filepath.Join(p.configDir("billing-task12-v1-files"), file))
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}

	err := p.CreateConfig(ctx, "billing-task12-v1-files", nil, data)
	require.Error(t, err)
	assert.True(t, substrate.IsAlreadyExists(err))
}

func TestCreateConfig_RejectsPathSeparators(t *testing.T) {
	p := newTestProvider(t)

	err := p.CreateConfig(context.Background(), "cfg", nil, map[string]string{
		"../escape": "nope",
	})
	require.Error(t, err)

	// The failed create leaves nothing behind, so a corrected retry works.
	require.NoError(t, p.CreateConfig(context.Background(), "cfg", nil, map[string]string{
		"ok.json": "{}",
	}))
}

func TestDeleteConfig(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.CreateConfig(ctx, "cfg", nil, map[string]string{"a": "1"}))
	require.NoError(t, p.DeleteConfig(ctx, "cfg"))
	require.NoError(t, p.DeleteConfig(ctx, "cfg"))

	// Recreate after delete succeeds.
	assert.NoError(t, p.CreateConfig(ctx, "cfg", nil, map[string]string{"a": "2"}))
}

func TestEnsureWorkspace(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.EnsureWorkspace(ctx, "workspace-billing"))

	// Existing content survives a second ensure.
	marker := filepath.Join(p.workspaceDir("workspace-billing"), "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))
	require.NoError(t, p.EnsureWorkspace(ctx, "workspace-billing"))

	_, err := os.Stat(marker)
	assert.NoError(t, err)
}

func waitForTerminal(t *testing.T, p *Provider, ref substrate.JobRef) substrate.JobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := p.JobState(context.Background(), ref)
		require.NoError(t, err)
		if state == substrate.JobSucceeded || state == substrate.JobFailed {
			return state
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", ref)
	return ""
}

func readRecord(t *testing.T, p *Provider, ref substrate.JobRef) *jobRecord {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(p.jobDir(ref), "job.json"))
	require.NoError(t, err)
	var rec jobRecord
	require.NoError(t, json.Unmarshal(b, &rec))
	return &rec
}

func writeRecordFile(t *testing.T, p *Provider, ref substrate.JobRef, rec *jobRecord) {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(p.jobDir(ref), "job.json"), b, 0o644))
}

func writeState(t *testing.T, p *Provider, ref substrate.JobRef, state substrate.JobState) {
	t.Helper()
	rec := readRecord(t, p, ref)
	rec.State = state
	writeRecordFile(t, p, ref, rec)
}

// findDeadPID returns a pid with no live process behind it.
func findDeadPID() int {
	// Linux pids wrap below the default pid_max; this one is above it.
	return 1 << 22
}
