// Package ptydriver spawns a child process under a PTY and moves bytes
// between the child and the owning session. It does no parsing of its own —
// that's the emulator's job (spec §4.2: "the driver does no parsing — it is
// a raw byte pipe").
package ptydriver

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"termd/internal/proto"
)

// DefaultWriteTimeout bounds how long a Write waits for the child to drain
// its stdin before giving up, grounded on virtualterminal.VT.WritePTY's
// hang-detection timeout.
const DefaultWriteTimeout = 5 * time.Second

// OutputHandler receives raw bytes read from the PTY master, in read order.
type OutputHandler func([]byte)

// ExitHandler is invoked exactly once, when the child process terminates.
type ExitHandler func(err error)

// Driver owns one child process's PTY master fd and process handle.
type Driver struct {
	writeTimeout time.Duration

	mu     sync.Mutex
	ptm    *os.File
	cmd    *exec.Cmd
	closed bool
}

// New constructs an unstarted Driver. writeTimeout <= 0 uses DefaultWriteTimeout.
func New(writeTimeout time.Duration) *Driver {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Driver{writeTimeout: writeTimeout}
}

// Spawn starts command under a new PTY sized rows x cols, in its own process
// group so the session can signal the whole group (e.g. Ctrl+C) rather than
// just the leader (spec §4.2: "runs the child in a new process group").
// command/args are already split (the caller does shlex splitting, grounded
// on the teacher's bridge/exec.go use of google/shlex); env holds overrides
// merged over the daemon's own environment; cwd may be empty.
//
// Failure to spawn maps to proto.CodeSessionCreateFailed.
func (d *Driver) Spawn(command string, args []string, env map[string]string, cwd string, rows, cols int) error {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), env)
	}

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return proto.Wrap(proto.CodeSessionCreateFailed, "spawn pty", err)
	}

	d.mu.Lock()
	d.ptm = ptm
	d.cmd = cmd
	d.mu.Unlock()
	return nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, e := range base {
		key := e
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			key = e[:idx]
		}
		if _, shadowed := overrides[key]; !shadowed {
			out = append(out, e)
		}
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// Run blocks reading PTY output until the child exits or the master fd
// closes, invoking onOutput for each chunk read and onExit exactly once at
// the end with the child's wait error (nil on a clean exit). Grounded on
// virtualterminal.VT.PipeOutput's read loop, generalized to hand raw bytes
// to a caller-supplied sink instead of writing straight into a *VT.
func (d *Driver) Run(onOutput OutputHandler, onExit ExitHandler) {
	d.mu.Lock()
	ptm, cmd := d.ptm, d.cmd
	d.mu.Unlock()

	buf := make([]byte, 4096)
	for {
		n, err := ptm.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	if onExit != nil {
		onExit(waitErr)
	}
}

// Write sends bytes to the child's stdin, giving up after the configured
// write timeout if the child isn't draining its PTY buffer (a hung child).
// Grounded on VT.WritePTY. A timeout or a closed/broken pipe both map to
// proto.CodeInputSendFailed (spec §4.2 failure semantics).
func (d *Driver) Write(p []byte) (int, error) {
	d.mu.Lock()
	ptm, closed := d.ptm, d.closed
	d.mu.Unlock()
	if closed || ptm == nil {
		return 0, proto.NewError(proto.CodeInputSendFailed, "pty closed")
	}

	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := ptm.Write(p)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(d.writeTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.n, proto.Wrap(proto.CodeInputSendFailed, "write pty", r.err)
		}
		return r.n, nil
	case <-timer.C:
		return 0, proto.NewError(proto.CodeInputSendFailed, "pty write timed out, child may be hung")
	}
}

// Resize updates the PTY window size. Errors here are tolerated by callers
// (a resize race with child exit is not a failure condition per spec).
func (d *Driver) Resize(rows, cols int) error {
	d.mu.Lock()
	ptm := d.ptm
	d.mu.Unlock()
	if ptm == nil {
		return errors.New("pty not started")
	}
	return pty.Setsize(ptm, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Signal delivers sig to the whole process group, so Ctrl+C-equivalent
// signals reach children the shell forked too (spec §4.2: "signals ...
// deliverable").
func (d *Driver) Signal(sig syscall.Signal) error {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errors.New("process not started")
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

// Close marks the driver closed so no further writes are accepted, kills the
// child process group if it's still alive, and closes the master fd. Safe to
// call multiple times.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.cmd != nil && d.cmd.Process != nil {
		syscall.Kill(-d.cmd.Process.Pid, syscall.SIGKILL)
	}
	if d.ptm != nil {
		return d.ptm.Close()
	}
	return nil
}

// PID returns the child process id, or 0 if not started.
func (d *Driver) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}

// ExitStatus extracts a POSIX exit code from a cmd.Wait() error, grounded on
// the same *exec.ExitError unwrap the teacher performs when reporting child
// exit. Returns 0 and true for a nil (clean exit) error.
func ExitStatus(err error) (code int, ok bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
