package provider

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"grimm.is/outpost/internal/messaging"
	"grimm.is/outpost/internal/protocol"
)

// EnvMessages names the environment variable carrying the unit's message
// socket path.
const EnvMessages = messaging.EnvSocket

// outputWaitDelay bounds how long output is drained after the unit exits
// while a leftover child still holds its pipes.
const outputWaitDelay = 2 * time.Second

// Unit maps an entry point inside the execution context to a host command.
type Unit struct {
	Command []string
	Env     map[string]string
	Tty     bool
}

// process is one running unit. Its whole process group is killed on
// destroy.
type process struct {
	cmd  *exec.Cmd
	tty  *os.File
	wg   sync.WaitGroup
	done chan struct{}
}

// outputWriter turns process output into runtime events.
type outputWriter struct {
	b     *batch
	index int
	kind  protocol.EventKind
}

func (w *outputWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		data := make([]byte, len(p))
		copy(data, p)
		w.b.emit(protocol.RuntimeEvent{Index: w.index, Kind: w.kind, Output: data})
	}
	return len(p), nil
}

// startUnit launches unit with args in dir. Output goes to b as events of
// command index. A tty unit has stdout and stderr merged.
func startUnit(unit Unit, args []string, dir string, env []string, tty bool, b *batch, index int) (*process, error) {
	if len(unit.Command) == 0 {
		return nil, errors.New("unit has no command")
	}
	argv := append(append([]string{}, unit.Command[1:]...), args...)
	cmd := exec.Command(unit.Command[0], argv...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	for k, v := range unit.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	stdout := &outputWriter{b: b, index: index, kind: protocol.EventStdout}

	if tty || unit.Tty {
		// pty.Start puts the unit in its own session, which is also a
		// process group.
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("pty start: %w", err)
		}
		p.tty = f
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_, _ = io.Copy(stdout, f)
		}()
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Stdout = stdout
		cmd.Stderr = &outputWriter{b: b, index: index, kind: protocol.EventStderr}
		cmd.WaitDelay = outputWaitDelay
		if err := cmd.Start(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// wait blocks until the unit exits and its output is drained, returning
// the exit code.
func (p *process) wait() int {
	defer close(p.done)
	err := p.cmd.Wait()
	if p.tty != nil {
		p.wg.Wait()
		p.tty.Close()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal.
		return 128 + int(exitErr.Sys().(syscall.WaitStatus).Signal())
	}
	return 1
}

// kill sends SIGKILL to the unit's process group.
func (p *process) kill() {
	if p.cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
}
