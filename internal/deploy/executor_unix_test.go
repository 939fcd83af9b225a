//go:build unix

package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	// The background sleep is a grandchild; it must die with the group.
	executor := NewExecutor(Config{
		Command: shell("sleep 30 & echo $! > child.pid; wait"),
		Timeout: 300 * time.Millisecond,
	})

	started := time.Now()
	outcome := executor.Run(context.Background(), dir)
	elapsed := time.Since(started)

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, "Deploy timed out after 0.3 seconds", outcome.Output)
	assert.Less(t, elapsed, 3*time.Second)

	raw, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 2*time.Second, 20*time.Millisecond, "process %d still running after timeout", pid)
}

// processGone treats zombies as gone: an orphan is reaped by whatever init the
// test runs under, which may be slow or absent in containers.
func processGone(pid int) bool {
	if syscall.Kill(pid, 0) == syscall.ESRCH {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	s := string(stat)
	i := strings.LastIndexByte(s, ')')
	return i >= 0 && i+2 < len(s) && s[i+2] == 'Z'
}
