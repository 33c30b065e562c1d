// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix && !windows

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKillReachesWholeGroup(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}

	// A shell that forks a child: both must die with the group.
	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "process should lead its own group")

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	_ = cmd.Wait()

	// Signal 0 checks existence without delivering anything.
	require.Eventually(t, func() bool {
		proc, _ := os.FindProcess(pid)
		return proc.Signal(syscall.Signal(0)) != nil
	}, 2*time.Second, 50*time.Millisecond, "group leader still alive")
}

func TestKillExitedProcessIsNil(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	// ESRCH is success: the process is already gone.
	require.NoError(t, Kill(cmd, syscall.SIGTERM))
}

func TestKillNilProcess(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
	require.NoError(t, Kill(&exec.Cmd{}, syscall.SIGTERM))
}
