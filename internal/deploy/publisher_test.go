package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilo-dev/lilo/internal/config"
	"github.com/lilo-dev/lilo/internal/tracing"
)

type fakeCall struct {
	dir  string
	name string
	args []string
}

// line drops the identity -c options so assertions read like the git command.
func (c fakeCall) line() string {
	args := make([]string, 0, len(c.args))
	for i := 0; i < len(c.args); i++ {
		if c.args[i] == "-c" {
			i++
			continue
		}
		args = append(args, c.args[i])
	}
	return c.name + " " + strings.Join(args, " ")
}

type fakeFailure struct {
	result tracing.Result
	err    error
}

type fakeRunner struct {
	calls []fakeCall
	// failures maps a command-line prefix (without identity options) to a failure.
	failures map[string]fakeFailure
}

func (f *fakeRunner) Run(_ context.Context, dir string, name string, args ...string) (tracing.Result, error) {
	call := fakeCall{dir: dir, name: name, args: append([]string(nil), args...)}
	f.calls = append(f.calls, call)
	for prefix, failure := range f.failures {
		if strings.HasPrefix(call.line(), prefix) {
			return failure.result, failure.err
		}
	}
	return tracing.Result{}, nil
}

func (f *fakeRunner) lines() []string {
	out := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		out = append(out, call.line())
	}
	return out
}

func (f *fakeRunner) count(prefix string) int {
	n := 0
	for _, line := range f.lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func newTestPublisher(t *testing.T, runner *fakeRunner, mutate func(*Options)) (*Publisher, string) {
	t.Helper()
	workdir := t.TempDir()
	opts := Options{
		WorkDir:        workdir,
		PushURL:        "https://token@git.example.com/org/app.git",
		CommitterName:  "Lilo",
		CommitterEmail: "lilo@livinglogic.de",
		CommitMessage:  "Lilo Auto-Deploy",
		SessionFile:    ".claude_session_id",
		StrictHistory:  true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	publisher, err := newPublisher(opts, runner, nil)
	require.NoError(t, err)
	publisher.adoptHistory = func(string, string) error { return nil }
	scratch := t.TempDir()
	publisher.scratchDir = func() (string, error) { return scratch, nil }
	return publisher, workdir
}

func cloneFailure(stderr string) fakeFailure {
	return fakeFailure{
		result: tracing.Result{ExitCode: 128, Stderr: stderr},
		err:    errors.New("exit status 128"),
	}
}

func TestDeployAdoptsExistingHistoryWithoutInit(t *testing.T) {
	runner := &fakeRunner{}
	publisher, _ := newTestPublisher(t, runner, nil)
	adopted := false
	publisher.adoptHistory = func(src, dst string) error {
		adopted = true
		assert.True(t, strings.HasSuffix(src, filepath.Join("repo", ".git")))
		assert.True(t, strings.HasSuffix(dst, ".git"))
		return nil
	}

	result := publisher.Deploy(context.Background())

	require.True(t, result.Success, result.Text())
	assert.True(t, adopted)
	assert.Zero(t, runner.count("git init"))
	assert.Zero(t, runner.count("git remote add"))
	assert.Equal(t, 1, runner.count("git clone https://token@git.example.com/org/app.git"))
}

func TestDeployInitializesWhenRemoteHasNoHistory(t *testing.T) {
	runner := &fakeRunner{failures: map[string]fakeFailure{
		"git clone": cloneFailure("fatal: repository 'https://git.example.com/org/app.git/' not found"),
	}}
	publisher, _ := newTestPublisher(t, runner, nil)

	result := publisher.Deploy(context.Background())

	require.True(t, result.Success, result.Text())
	assert.Equal(t, []string{
		"git clone https://token@git.example.com/org/app.git " + runner.calls[0].args[len(runner.calls[0].args)-1],
		"git init",
		"git checkout -b main",
		"git remote add origin https://token@git.example.com/org/app.git",
		"git add -A",
		"git rm -r --cached --ignore-unmatch -q -- .claude/debug",
		"git commit -m Lilo Auto-Deploy --allow-empty",
		"git push origin HEAD:main",
	}, runner.lines())
	assert.Equal(t, 1, runner.count("git remote add"))
}

func TestDeployCommitAllowsEmpty(t *testing.T) {
	runner := &fakeRunner{}
	publisher, _ := newTestPublisher(t, runner, nil)

	require.True(t, publisher.Deploy(context.Background()).Success)

	commits := 0
	for _, call := range runner.calls {
		if strings.HasPrefix(call.line(), "git commit") {
			commits++
			assert.Contains(t, call.args, "--allow-empty")
		}
	}
	assert.Equal(t, 1, commits)
}

func TestDeployForceAddsAgentDirExcludingDebug(t *testing.T) {
	runner := &fakeRunner{}
	publisher, workdir := newTestPublisher(t, runner, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, ".claude", "debug"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, ".claude_session_id"), []byte("s"), 0o644))

	require.True(t, publisher.Deploy(context.Background()).Success)

	var staging []string
	for _, line := range runner.lines() {
		if strings.HasPrefix(line, "git add") || strings.HasPrefix(line, "git rm") {
			staging = append(staging, line)
		}
	}
	assert.Equal(t, []string{
		"git add -A",
		"git add -f -- .claude .claude_session_id :(exclude).claude/debug",
		"git rm -r --cached --ignore-unmatch -q -- .claude/debug",
	}, staging, "the plain add carries no pathspec so ignored agent dirs cannot fail it")
}

func TestDeploySkipsForceAddWhenNothingExists(t *testing.T) {
	runner := &fakeRunner{}
	publisher, _ := newTestPublisher(t, runner, nil)

	require.True(t, publisher.Deploy(context.Background()).Success)
	assert.Zero(t, runner.count("git add -f"))
	assert.Equal(t, 1, runner.count("git rm -r --cached --ignore-unmatch -q -- .claude/debug"))
}

func TestDeployAppliesCommitterIdentityToEveryCommand(t *testing.T) {
	runner := &fakeRunner{}
	publisher, _ := newTestPublisher(t, runner, nil)

	require.True(t, publisher.Deploy(context.Background()).Success)
	for _, call := range runner.calls {
		require.GreaterOrEqual(t, len(call.args), 4)
		assert.Equal(t, []string{"-c", "user.name=Lilo", "-c", "user.email=lilo@livinglogic.de"}, call.args[:4])
	}
}

func TestDeployStopsAtFirstFailingStep(t *testing.T) {
	runner := &fakeRunner{failures: map[string]fakeFailure{
		"git commit": {
			result: tracing.Result{ExitCode: 1, Stderr: "fatal: unable to write new index file"},
			err:    errors.New("exit status 1"),
		},
	}}
	publisher, _ := newTestPublisher(t, runner, nil)

	result := publisher.Deploy(context.Background())

	require.False(t, result.Success)
	assert.Zero(t, runner.count("git push"))
	assert.Equal(t, "Deployment Failed: Git Error (git commit -m Lilo Auto-Deploy --allow-empty): fatal: unable to write new index file", result.Text())

	var gitErr *GitError
	require.ErrorAs(t, result.Err, &gitErr)
	assert.Equal(t, 1, gitErr.ExitCode)
}

func TestDeployStrictHistoryAbortsOnAuthFailure(t *testing.T) {
	runner := &fakeRunner{failures: map[string]fakeFailure{
		"git clone": cloneFailure("fatal: Authentication failed for 'https://git.example.com/org/app.git/'"),
	}}
	publisher, _ := newTestPublisher(t, runner, nil)

	result := publisher.Deploy(context.Background())

	require.False(t, result.Success)
	assert.Zero(t, runner.count("git init"))
	assert.Contains(t, result.Text(), "Authentication failed")
}

func TestDeployLenientHistoryTreatsAnyCloneFailureAsNewRepo(t *testing.T) {
	runner := &fakeRunner{failures: map[string]fakeFailure{
		"git clone": cloneFailure("fatal: unable to access 'https://git.example.com/': Could not resolve host: git.example.com"),
	}}
	publisher, _ := newTestPublisher(t, runner, func(opts *Options) { opts.StrictHistory = false })

	result := publisher.Deploy(context.Background())

	require.True(t, result.Success, result.Text())
	assert.Equal(t, 1, runner.count("git init"))
}

func TestDeployRequiresPushURL(t *testing.T) {
	runner := &fakeRunner{}
	publisher, _ := newTestPublisher(t, runner, func(opts *Options) { opts.PushURL = "" })

	result := publisher.Deploy(context.Background())

	require.False(t, result.Success)
	assert.ErrorIs(t, result.Err, config.ErrNoPushURL)
	assert.Empty(t, runner.calls)
}

func TestDeployReportsElapsed(t *testing.T) {
	runner := &fakeRunner{}
	publisher, _ := newTestPublisher(t, runner, nil)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(2340 * time.Millisecond)}
	publisher.now = func() time.Time {
		next := ticks[0]
		if len(ticks) > 1 {
			ticks = ticks[1:]
		}
		return next
	}

	result := publisher.Deploy(context.Background())

	require.True(t, result.Success)
	assert.Equal(t, 2340*time.Millisecond, result.Elapsed)
	assert.Equal(t, "Deployment successful! (2.3s)", result.Text())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		WorkDir:     "/srv/app",
		SessionFile: ".claude_session_id",
		Git: config.GitConfig{
			PushURL:       "https://example.com/r.git",
			Branch:        "main",
			StrictHistory: true,
		},
	}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "/srv/app", opts.WorkDir)
	assert.Equal(t, "https://example.com/r.git", opts.PushURL)
	assert.True(t, opts.StrictHistory)
	assert.Equal(t, Options{}, OptionsFromConfig(nil))
}

func TestIsUnreachableRemote(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "not found", err: &GitError{ExitCode: 128, Stderr: "remote: Repository not found.\nfatal: repository 'x' not found"}, want: false},
		{name: "empty remote", err: &GitError{ExitCode: 128, Stderr: "fatal: Remote branch main not found in upstream origin"}, want: false},
		{name: "auth", err: &GitError{ExitCode: 128, Stderr: "fatal: Authentication failed for 'x'"}, want: true},
		{name: "dns", err: &GitError{ExitCode: 128, Stderr: "fatal: unable to access 'x': Could not resolve host: x"}, want: true},
		{name: "forbidden", err: &GitError{ExitCode: 128, Stderr: "fatal: unable to access 'x': The requested URL returned error: 403"}, want: true},
		{name: "killed", err: &GitError{ExitCode: -1}, want: true},
		{name: "canceled", err: context.Canceled, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnreachableRemote(tt.err))
		})
	}
}

func TestGitErrorFallsBackToUnderlyingError(t *testing.T) {
	err := &GitError{Command: "git push origin HEAD:main", Err: errors.New("exit status 1")}
	assert.Equal(t, "Git Error (git push origin HEAD:main): exit status 1", err.Error())
}
