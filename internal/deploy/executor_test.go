package deploy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

func TestRun_Success(t *testing.T) {
	executor := NewExecutor(Config{Command: shell("echo Already up to date."), Timeout: 5 * time.Second})

	outcome := executor.Run(context.Background(), t.TempDir())

	assert.True(t, outcome.Succeeded)
	assert.Equal(t, "Already up to date.\n", outcome.Output)
	assert.Empty(t, outcome.Revision)
}

func TestRun_NonZeroExitReportsStderr(t *testing.T) {
	executor := NewExecutor(Config{Command: shell("echo partial; echo 'fatal: not a git repository' >&2; exit 128"), Timeout: 5 * time.Second})

	outcome := executor.Run(context.Background(), t.TempDir())

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "fatal: not a git repository\n", outcome.Output)
}

func TestRun_MissingPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	executor := NewExecutor(Config{Command: shell("true")})

	outcome := executor.Run(context.Background(), missing)

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "Repo path "+missing+" does not exist", outcome.Output)
}

func TestRun_PathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	executor := NewExecutor(Config{Command: shell("true")})

	outcome := executor.Run(context.Background(), file)

	assert.False(t, outcome.Succeeded)
	assert.Contains(t, outcome.Output, file)
}

func TestRun_CommandNotFound(t *testing.T) {
	executor := NewExecutor(Config{Command: []string{"gh-deploy-no-such-binary"}})

	outcome := executor.Run(context.Background(), t.TempDir())

	assert.False(t, outcome.Succeeded)
	assert.Contains(t, outcome.Output, "gh-deploy-no-such-binary")
}

func TestRun_DefaultsToGitPull(t *testing.T) {
	executor := NewExecutor(Config{Remote: "origin", Branch: "main"})

	assert.Equal(t, []string{"git", "pull", "origin", "main"}, executor.command)
	assert.Equal(t, DefaultTimeout, executor.timeout)
}

func TestRun_SerializesSamePath(t *testing.T) {
	dir := t.TempDir()
	// mkdir is atomic: a second concurrent run would fail to create the marker.
	executor := NewExecutor(Config{
		Command: shell("mkdir .deploy-running || exit 9; sleep 0.05; rmdir .deploy-running"),
		Timeout: 10 * time.Second,
	})

	const runs = 8
	outcomes := make([]Outcome, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = executor.Run(context.Background(), dir)
		}()
	}
	wg.Wait()

	for i, outcome := range outcomes {
		assert.True(t, outcome.Succeeded, "run %d: %q", i, outcome.Output)
	}
}

func TestRun_SerializesEquivalentPaths(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "repo")
	require.NoError(t, os.Mkdir(sub, 0o755))
	executor := NewExecutor(Config{
		Command: shell("mkdir .deploy-running || exit 9; sleep 0.05; rmdir .deploy-running"),
		Timeout: 10 * time.Second,
	})

	var wg sync.WaitGroup
	results := make(chan Outcome, 2)
	for _, path := range []string{sub, filepath.Join(dir, ".", "repo", "..", "repo") + "/"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- executor.Run(context.Background(), path)
		}()
	}
	wg.Wait()
	close(results)

	for outcome := range results {
		assert.True(t, outcome.Succeeded, outcome.Output)
	}
}

func TestPathLocks_IndependentKeys(t *testing.T) {
	locks := newPathLocks()
	unlockA := locks.lock("/srv/a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlock := locks.lock("/srv/b")
		unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different path blocked")
	}
}

func TestPathLocks_SameKeyBlocks(t *testing.T) {
	locks := newPathLocks()
	unlock := locks.lock("/srv/a")

	acquired := make(chan struct{})
	go func() {
		u := locks.lock("/srv/a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same path did not block")
	case <-time.After(100 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not released")
	}
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "alice", Email: "alice@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestRun_ReportsHeadRevision(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	head := commitFile(t, repo, dir, "README.md", "hello\n")

	outcome := NewExecutor(Config{Command: shell("true")}).Run(context.Background(), dir)

	require.True(t, outcome.Succeeded)
	assert.Equal(t, head, outcome.Revision)
}

func TestRun_GitPullFastForward(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	upstreamDir := t.TempDir()
	upstream, err := git.PlainInit(upstreamDir, false)
	require.NoError(t, err)
	commitFile(t, upstream, upstreamDir, "app.txt", "v1\n")

	checkout := filepath.Join(t.TempDir(), "checkout")
	out, err := exec.Command("git", "clone", "--quiet", upstreamDir, checkout).CombinedOutput()
	require.NoError(t, err, string(out))

	head, err := upstream.Head()
	require.NoError(t, err)
	latest := commitFile(t, upstream, upstreamDir, "app.txt", "v2\n")

	executor := NewExecutor(Config{Remote: "origin", Branch: head.Name().Short(), Timeout: 30 * time.Second})
	outcome := executor.Run(context.Background(), checkout)

	require.True(t, outcome.Succeeded, outcome.Output)
	assert.Equal(t, latest, outcome.Revision)
	content, err := os.ReadFile(filepath.Join(checkout, "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(content))
}
