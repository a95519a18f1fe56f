package gitops

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptRunner replays canned responses per git subcommand.
type scriptRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (s *scriptRunner) run(_ context.Context, _ string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	s.calls = append(s.calls, key)
	if err, ok := s.errs[key]; ok {
		return s.responses[key], err
	}
	return s.responses[key], nil
}

func newScriptRepo(responses map[string]string, errs map[string]error) (*Repo, *scriptRunner) {
	runner := &scriptRunner{responses: responses, errs: errs}
	return &Repo{dir: "/tmp/repo", timeout: time.Second, runner: runner}, runner
}

func TestCurrentBranch(t *testing.T) {
	repo, _ := newScriptRepo(map[string]string{
		"rev-parse --abbrev-ref HEAD": "feature/x\n",
	}, nil)

	branch, err := repo.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "feature/x", branch)
}

func TestCurrentBranch_DetachedHead(t *testing.T) {
	repo, _ := newScriptRepo(map[string]string{
		"rev-parse --abbrev-ref HEAD": "HEAD",
	}, nil)

	branch, err := repo.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HEAD", branch, "callers must treat HEAD as unusable")
}

func TestChangedPaths(t *testing.T) {
	repo, _ := newScriptRepo(map[string]string{
		"status --porcelain -z": " M .taskmaster/tasks/tasks.json\x00?? docs/new.md\x00R  renamed.md\x00old.md\x00",
	}, nil)

	paths, err := repo.ChangedPaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{".taskmaster/tasks/tasks.json", "docs/new.md", "renamed.md"}, paths)
}

func TestChangedPaths_SpacesAndSpecialCharacters(t *testing.T) {
	// NUL-separated output carries these names verbatim; the line-oriented
	// porcelain format would have quoted and escaped them.
	repo, _ := newScriptRepo(map[string]string{
		"status --porcelain -z": "?? docs/release notes.md\x00 M .taskmaster/tasks/\"quoted\" task.json\x00",
	}, nil)

	paths, err := repo.ChangedPaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/release notes.md", `.taskmaster/tasks/"quoted" task.json`}, paths)
}

func TestChangedPaths_TrimmedLeadingStatusSpace(t *testing.T) {
	// The exec runner trims leading whitespace, so a first entry with a
	// space status character arrives one byte short.
	repo, _ := newScriptRepo(map[string]string{
		"status --porcelain -z": "M .taskmaster/tasks/tasks.json\x00?? docs/new.md\x00",
	}, nil)

	paths, err := repo.ChangedPaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{".taskmaster/tasks/tasks.json", "docs/new.md"}, paths)
}

func TestChangedPaths_Clean(t *testing.T) {
	repo, _ := newScriptRepo(map[string]string{
		"status --porcelain -z": "",
	}, nil)

	paths, err := repo.ChangedPaths(context.Background())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestStage_NoPathsIsNoop(t *testing.T) {
	repo, runner := newScriptRepo(nil, nil)
	require.NoError(t, repo.Stage(context.Background()))
	assert.Empty(t, runner.calls)
}

func TestCommit_NothingToCommitIsSuccess(t *testing.T) {
	repo, _ := newScriptRepo(map[string]string{
		"commit -m sync": "On branch main\nnothing to commit, working tree clean",
	}, map[string]error{
		"commit -m sync": errors.New("exit status 1"),
	})

	assert.NoError(t, repo.Commit(context.Background(), "sync"))
}

func TestCommit_RealFailure(t *testing.T) {
	repo, _ := newScriptRepo(map[string]string{
		"commit -m sync": "fatal: unable to write index",
	}, map[string]error{
		"commit -m sync": errors.New("exit status 128"),
	})

	assert.Error(t, repo.Commit(context.Background(), "sync"))
}

func TestShowRemoteFile(t *testing.T) {
	repo, runner := newScriptRepo(map[string]string{
		"show origin/main:.taskmaster/tasks/tasks.json": `{"master":{"tasks":[]}}`,
	}, nil)

	b, err := repo.ShowRemoteFile(context.Background(), "origin", "main", ".taskmaster/tasks/tasks.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"master":{"tasks":[]}}`, string(b))
	assert.Equal(t, []string{"show origin/main:.taskmaster/tasks/tasks.json"}, runner.calls)
}

func TestPushAndFetchArgs(t *testing.T) {
	repo, runner := newScriptRepo(nil, nil)

	require.NoError(t, repo.Push(context.Background(), "origin", "feature/x"))
	require.NoError(t, repo.Fetch(context.Background(), "origin", "feature/x"))

	assert.Equal(t, []string{"push origin feature/x", "fetch origin feature/x"}, runner.calls)
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"https://github.com/acme/docs", "acme", "docs", false},
		{"https://github.com/acme/docs.git", "acme", "docs", false},
		{"git@github.com:acme/docs.git", "acme", "docs", false},
		{"acme/docs", "acme", "docs", false},
		{"https://github.com/acme", "", "", true},
		{"nonsense", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			owner, repo, err := ParseRepoURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}
