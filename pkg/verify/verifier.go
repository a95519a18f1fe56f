// Package verify gates job start on task-definition correctness.
//
// The most damaging failure class this system guards against is an agent
// silently fabricating unrelated work because the task file it cloned did
// not match the submitter's project. Verification therefore runs strictly
// after the pre-submission repo sync and strictly before any job resource
// exists, and it reads the pushed ref a remote clone will actually see —
// checking only the local filesystem cannot catch local/remote divergence.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/harnessworks/conductor/pkg/workload"
)

// Source reads a file from the location the remote job will clone.
type Source interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// RemoteRef adapts a gitops repo into a Source over a remote-tracking ref.
type remoteRef struct {
	repo   remoteReader
	remote string
	branch string
}

type remoteReader interface {
	Fetch(ctx context.Context, remote, branch string) error
	ShowRemoteFile(ctx context.Context, remote, branch, path string) ([]byte, error)
}

// NewRemoteSource returns a Source that fetches and reads from the pushed
// remote ref.
func NewRemoteSource(repo remoteReader, remote, branch string) Source {
	return &remoteRef{repo: repo, remote: remote, branch: branch}
}

func (r *remoteRef) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := r.repo.Fetch(ctx, r.remote, r.branch); err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", r.remote, r.branch, err)
	}
	return r.repo.ShowRemoteFile(ctx, r.remote, r.branch, path)
}

// Expectation describes what the task-definition file must contain.
type Expectation struct {
	// Path of the tasks file within the repository.
	Path string

	// TaskID selects the record to fingerprint. When no record carries the
	// id, the file's first record is inspected instead.
	TaskID int

	// Title is the expected first-record title. Empty skips the match and
	// only the known-bad signature check applies.
	Title string
}

// MismatchError carries the expected-vs-found preview so users can
// diagnose stale-remote-data problems without reading logs.
type MismatchError struct {
	Path     string
	Expected string
	Found    string
	Reason   string
}

func (e *MismatchError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("%s: %s: expected first record %q, found %q", e.Path, e.Reason, e.Expected, e.Found)
	}
	return fmt.Sprintf("%s: %s: found %q", e.Path, e.Reason, e.Found)
}

func (e *MismatchError) Unwrap() error {
	return workload.ErrVerification
}

// tasksFile mirrors the task-definition document layout.
type tasksFile struct {
	Master struct {
		Tasks []taskRecord `json:"tasks"`
	} `json:"master"`
}

type taskRecord struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// Verifier checks task-definition files against expectations.
type Verifier struct {
	// KnownBadTitles are first-record titles that identify leftover content
	// from unrelated templates. Any match is an immediate rejection.
	knownBadTitles []string
	log            *zap.Logger
}

// New builds a Verifier. knownBadTitles may be empty.
func New(knownBadTitles []string, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{knownBadTitles: knownBadTitles, log: log}
}

// Verify reads the tasks file from src and checks it against exp.
// All rejections are terminal verification errors: auto-retrying would
// repeat the same mistake.
func (v *Verifier) Verify(ctx context.Context, src Source, exp Expectation) error {
	raw, err := src.ReadFile(ctx, exp.Path)
	if err != nil {
		return &workload.Error{
			Op:  "verify",
			Err: fmt.Errorf("%w: task definition file not readable at %s: %v", workload.ErrVerification, exp.Path, err),
		}
	}

	var doc tasksFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &workload.Error{
			Op:  "verify",
			Err: fmt.Errorf("%w: task definition file at %s is not parseable: %v", workload.ErrVerification, exp.Path, err),
		}
	}
	if len(doc.Master.Tasks) == 0 {
		return &workload.Error{
			Op:  "verify",
			Err: fmt.Errorf("%w: task definition file at %s contains no tasks", workload.ErrVerification, exp.Path),
		}
	}

	record := doc.Master.Tasks[0]
	for _, t := range doc.Master.Tasks {
		if t.ID == exp.TaskID {
			record = t
			break
		}
	}

	// The first identifying record is always logged for inspection.
	v.log.Info("Verified task definition record",
		zap.String("path", exp.Path),
		zap.Int("task_id", record.ID),
		zap.String("title", record.Title))

	for _, bad := range v.knownBadTitles {
		if strings.EqualFold(strings.TrimSpace(record.Title), strings.TrimSpace(bad)) {
			return &workload.Error{Op: "verify", Err: &MismatchError{
				Path:     exp.Path,
				Expected: exp.Title,
				Found:    record.Title,
				Reason:   "task file carries leftover content from an unrelated template",
			}}
		}
	}

	if exp.Title != "" && !strings.EqualFold(strings.TrimSpace(record.Title), strings.TrimSpace(exp.Title)) {
		return &workload.Error{Op: "verify", Err: &MismatchError{
			Path:     exp.Path,
			Expected: exp.Title,
			Found:    record.Title,
			Reason:   "first record does not match the submitted task",
		}}
	}

	return nil
}
