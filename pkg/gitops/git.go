// Package gitops wraps the git CLI and the hosting provider's pull-request
// API behind small interfaces the orchestration layers depend on.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds individual git invocations. Clone and push are the
// only blocking operations in the system; both must stay cancellable.
const DefaultTimeout = 2 * time.Minute

// runner executes a git subcommand in a directory. Abstracted so tests can
// script git behavior without a real repository.
type runner interface {
	run(ctx context.Context, dir string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() != nil {
			return text, ctx.Err()
		}
		return text, fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// Repo operates on one local working copy.
type Repo struct {
	dir     string
	timeout time.Duration
	runner  runner
}

// Open returns a Repo for the working copy at dir.
func Open(dir string) *Repo {
	return &Repo{dir: dir, timeout: DefaultTimeout, runner: execRunner{}}
}

// WithTimeout overrides the per-command timeout.
func (r *Repo) WithTimeout(d time.Duration) *Repo {
	r.timeout = d
	return r
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.runner.run(ctx, r.dir, args...)
}

// Dir returns the working copy path.
func (r *Repo) Dir() string {
	return r.dir
}

// CurrentBranch returns the checked-out branch name.
// A detached HEAD yields "HEAD", which callers must treat as unusable.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedPaths lists paths with uncommitted changes (staged, unstaged and
// untracked), one per entry.
//
// -z gives NUL-separated entries with no path quoting, so names with
// spaces or special characters come through verbatim and can be passed
// straight back to git add.
func (r *Repo) ChangedPaths(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain", "-z")
	if err != nil {
		return nil, err
	}
	var paths []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 3 {
			continue
		}
		// Entry format: XY <path>. Renames and copies carry the new path
		// here and the original path in the next NUL field. The runner
		// trims leading whitespace from command output, which can eat the
		// first entry's leading status character when it is a space; the
		// separator before the path disambiguates.
		pathStart := 3
		if entry[2] != ' ' {
			pathStart = 2
		}
		if len(entry) <= pathStart {
			continue
		}
		paths = append(paths, entry[pathStart:])
		if entry[0] == 'R' || entry[0] == 'C' {
			i++
		}
	}
	return paths, nil
}

// Stage adds the given paths to the index.
func (r *Repo) Stage(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := r.git(ctx, args...)
	return err
}

// Commit records staged changes. Nothing staged is a silent success:
// sync must be idempotent when the remote is already current.
func (r *Repo) Commit(ctx context.Context, message string) error {
	out, err := r.git(ctx, "commit", "-m", message)
	if err != nil && strings.Contains(out, "nothing to commit") {
		return nil
	}
	return err
}

// Push publishes the branch to the remote.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := r.git(ctx, "push", remote, branch)
	return err
}

// Fetch updates the remote-tracking ref for the branch.
func (r *Repo) Fetch(ctx context.Context, remote, branch string) error {
	_, err := r.git(ctx, "fetch", remote, branch)
	return err
}

// ShowRemoteFile returns the content of path at the remote-tracking ref.
// Combined with Fetch this reads what a remote clone will actually see,
// not the local filesystem.
func (r *Repo) ShowRemoteFile(ctx context.Context, remote, branch, path string) ([]byte, error) {
	out, err := r.git(ctx, "show", fmt.Sprintf("%s/%s:%s", remote, branch, path))
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// CheckoutNewBranch creates and switches to branch.
func (r *Repo) CheckoutNewBranch(ctx context.Context, branch string) error {
	_, err := r.git(ctx, "checkout", "-b", branch)
	return err
}

// HeadCommit returns the current HEAD commit hash.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	return r.git(ctx, "rev-parse", "HEAD")
}

// CloneAt clones url at ref into dest and returns the Repo for it.
func CloneAt(ctx context.Context, url, ref, dest string) (*Repo, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var r runner = execRunner{}
	if _, err := r.run(ctx, "", "clone", "--branch", ref, "--single-branch", url, dest); err != nil {
		return nil, err
	}
	return Open(dest), nil
}
