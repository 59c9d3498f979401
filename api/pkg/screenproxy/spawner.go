package screenproxy

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Handle is a running proxy process.
type Handle interface {
	PID() int
	Alive() bool
	Terminate() error
	Kill() error
	Wait(timeout time.Duration) error
}

// Spawner launches one WebSocket-to-raw-socket bridge process.
type Spawner interface {
	Spawn(boundPort int, targetHost string, targetPort int) (Handle, error)
}

type execSpawner struct {
	binary string
}

func (s *execSpawner) Spawn(boundPort int, targetHost string, targetPort int) (Handle, error) {
	cmd := exec.Command(s.binary,
		strconv.Itoa(boundPort),
		fmt.Sprintf("%s:%d", targetHost, targetPort),
	)
	// own process group, so stop can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", s.binary, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		h.done <- cmd.Wait()
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan error
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Alive() bool {
	proc, err := process.NewProcess(int32(h.PID()))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

func (h *execHandle) Terminate() error {
	return syscall.Kill(-h.PID(), syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	return syscall.Kill(-h.PID(), syscall.SIGKILL)
}

func (h *execHandle) Wait(timeout time.Duration) error {
	select {
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("process %d did not exit within %s", h.PID(), timeout)
	}
}
