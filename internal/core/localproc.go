package core

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// localProcess wraps a locally spawned launcher process. For most
// backends the local process merely submits the kernel to the cluster
// and exits; it is retained only until the remote side confirms
// startup so that early spawn failures can be detected quickly.
type localProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exit    int
	logFile *os.File
}

// startLocalProcess spawns cmd with the given environment. When
// logPath is non-empty, stdout and stderr are appended to that file.
func startLocalProcess(cmd []string, env map[string]string, logPath string) (*localProcess, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty launch command")
	}

	c := exec.Command(cmd[0], cmd[1:]...)
	c.Env = append(os.Environ(), flattenEnv(env)...)
	// The launcher leads its own process group so termination signals
	// reach whatever it forks.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	lp := &localProcess{cmd: c, done: make(chan struct{})}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open kernel log %s: %w", logPath, err)
		}
		lp.logFile = f
		c.Stdout = f
		c.Stderr = f
	}

	if err := c.Start(); err != nil {
		lp.close()
		return nil, err
	}

	go func() {
		defer close(lp.done)
		if err := c.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				lp.exit = exitErr.ExitCode()
				return
			}
			lp.exit = -1
			return
		}
		lp.exit = 0
	}()

	return lp, nil
}

func (lp *localProcess) pid() int {
	if lp.cmd.Process != nil {
		return lp.cmd.Process.Pid
	}
	return 0
}

// poll returns (exitCode, true) once the process has exited.
func (lp *localProcess) poll() (int, bool) {
	select {
	case <-lp.done:
		return lp.exit, true
	default:
		return 0, false
	}
}

func (lp *localProcess) wait() int {
	<-lp.done
	return lp.exit
}

func (lp *localProcess) kill() {
	if lp.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-lp.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = lp.cmd.Process.Kill()
	}
}

// signal delivers signum to the launcher's process group, falling back
// to the process itself.
func (lp *localProcess) signal(signum int) error {
	if err := syscall.Kill(-lp.cmd.Process.Pid, syscall.Signal(signum)); err == nil {
		return nil
	}
	return lp.cmd.Process.Signal(syscall.Signal(signum))
}

func (lp *localProcess) close() {
	if lp.logFile != nil {
		_ = lp.logFile.Close()
		lp.logFile = nil
	}
}

// flattenEnv renders the env map as KEY=VALUE pairs in sorted order so
// spawn behavior is deterministic.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
