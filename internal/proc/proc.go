// Package proc spawns client commands in their own process groups and
// streams their output. The controller half (this file) owns lifecycle and
// signalling; the drainer half (drain.go) owns deadlock-free output reads.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const defaultGraceTimeout = 5 * time.Second

// State is the lifecycle state of a spawned process.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateExited    State = "exited"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is a sink state.
func (s State) Terminal() bool {
	switch s {
	case StateExited, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// SignalKind is a control request forwarded to a running process group.
type SignalKind string

const (
	SignalPause  SignalKind = "pause"
	SignalResume SignalKind = "resume"
	SignalCancel SignalKind = "cancel"
)

var (
	// ErrProcessNotFound means the process group no longer exists. The
	// existence check runs before every signal so a recycled pid can never
	// be signalled by accident.
	ErrProcessNotFound = errors.New("process group no longer exists")

	// ErrDeadlineExceeded is returned by Wait when the configured deadline
	// elapses before the process exits.
	ErrDeadlineExceeded = errors.New("process deadline exceeded")

	// ErrInvalidTransition means the requested signal is not legal in the
	// process's current state (e.g. resume while running).
	ErrInvalidTransition = errors.New("invalid state for control request")
)

// SpawnError wraps a failure to start the command at all.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "spawn: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// Command describes one execution request.
type Command struct {
	// Line is passed to `sh -c`.
	Line string
	Dir  string
	Env  map[string]string
	// Deadline is the wall-clock budget; zero means no deadline.
	Deadline time.Duration
	// Grace is how long ForceCleanup waits between SIGTERM and SIGKILL.
	// Zero means the default (5s).
	Grace time.Duration
}

// Handle is the controller for one spawned process group. It is owned by a
// single session for its whole lifetime; only that session signals or reaps
// it.
type Handle struct {
	cmd   *exec.Cmd
	pgid  int
	grace time.Duration

	stdout *os.File // read end; the write end is closed after Start
	stderr *os.File

	startedAt time.Time
	deadline  time.Duration

	mu              sync.Mutex
	state           State
	cancelRequested bool
	deadlineHit     bool

	done     chan struct{} // closed once the leader is reaped
	exitCode int

	cleanupOnce sync.Once
}

// Start spawns the command in a fresh process group with stdin disabled and
// returns immediately. The caller must eventually call ForceCleanup (usually
// via defer) on every exit path; it is a no-op once the group is reaped.
func Start(c Command) (*Handle, error) {
	cmd := exec.Command("sh", "-c", c.Line)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	// New process group so pause/resume/cancel reach descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Never wait on input that will never arrive.
	cmd.Stdin = nil

	// Plain os.Pipe instead of StdoutPipe: exec.Cmd.Wait must not race with
	// reads on pipes it manages, and we reap concurrently with draining.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	grace := c.Grace
	if grace <= 0 {
		grace = defaultGraceTimeout
	}

	h := &Handle{
		cmd:       cmd,
		grace:     grace,
		stdout:    stdoutR,
		stderr:    stderrR,
		deadline:  c.Deadline,
		state:     StateCreated,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Err: err}
	}

	// The child inherited the write ends; drop ours so readers see EOF once
	// every process in the group is gone.
	stdoutW.Close()
	stderrW.Close()

	// Setpgid makes the leader's pid the group id by construction. Recorded
	// before any signal can be sent.
	h.pgid = cmd.Process.Pid
	h.setState(StateRunning)

	go h.reap()

	return h, nil
}

// reap waits for the leader to exit and resolves the terminal state.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exitCode = code
	switch {
	case h.deadlineHit:
		h.state = StateTimedOut
	case h.cancelRequested:
		h.state = StateCancelled
	default:
		h.state = StateExited
	}
	h.mu.Unlock()

	close(h.done)
}

// PID returns the leader pid (which is also the process group id).
func (h *Handle) PID() int { return h.pgid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Deadline returns the configured wall-clock budget (zero if none).
func (h *Handle) Deadline() time.Duration { return h.deadline }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Stdout returns the primary output channel read end.
func (h *Handle) Stdout() *os.File { return h.stdout }

// Stderr returns the error output channel read end.
func (h *Handle) Stderr() *os.File { return h.stderr }

// Signal forwards a control request to the whole process group. Pause is
// only legal while running, resume only while paused; cancel is legal in
// either. ErrProcessNotFound is reported (never fatal) when the group is
// already gone.
func (h *Handle) Signal(kind SignalKind) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return fmt.Errorf("%w: process already %s", ErrInvalidTransition, h.state)
	}

	var sig unix.Signal
	switch kind {
	case SignalPause:
		if h.state != StateRunning {
			return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, h.state)
		}
		sig = unix.SIGSTOP
	case SignalResume:
		if h.state != StatePaused {
			return fmt.Errorf("%w: resume while %s", ErrInvalidTransition, h.state)
		}
		sig = unix.SIGCONT
	case SignalCancel:
		sig = unix.SIGTERM
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}

	// Defensive existence check: signal 0 probes the group without touching
	// it, so a reused pid can never be hit.
	if err := unix.Kill(-h.pgid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessNotFound
		}
		return fmt.Errorf("probe process group %d: %w", h.pgid, err)
	}

	if kind == SignalCancel && h.state == StatePaused {
		// A stopped process never handles SIGTERM; wake the group first.
		_ = unix.Kill(-h.pgid, unix.SIGCONT)
	}

	if err := unix.Kill(-h.pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessNotFound
		}
		return fmt.Errorf("signal process group %d: %w", h.pgid, err)
	}

	switch kind {
	case SignalPause:
		h.state = StatePaused
	case SignalResume:
		h.state = StateRunning
	case SignalCancel:
		h.cancelRequested = true
		// Escalate without blocking the caller: a process that ignores
		// SIGTERM is still gone within the grace-plus-kill window.
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				_ = unix.Kill(-h.pgid, unix.SIGKILL)
			}
		}()
	}
	return nil
}

// Done is closed when the leader has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits or the configured deadline elapses.
// On deadline it returns ErrDeadlineExceeded without reaping; the caller's
// deferred ForceCleanup handles that. A zero deadline waits indefinitely.
func (h *Handle) Wait() (int, error) {
	var expired <-chan time.Time
	if h.deadline > 0 {
		t := time.NewTimer(h.deadline)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-h.done:
		h.mu.Lock()
		code := h.exitCode
		h.mu.Unlock()
		return code, nil
	case <-expired:
		h.mu.Lock()
		h.deadlineHit = true
		h.mu.Unlock()
		return 0, ErrDeadlineExceeded
	}
}

// ExitCode returns the exit code after the process has been reaped.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// ForceCleanup is the guaranteed release path: SIGTERM the group, wait the
// grace period, SIGKILL whatever survived, then wait for the reap. It is
// safe to call from any state, including terminal ones, and from defer on
// every exit path out of an execution. The pipe read ends are left open:
// killed writers close their ends, and the drainer still gets to deliver
// whatever was buffered before the kill.
func (h *Handle) ForceCleanup() {
	h.cleanupOnce.Do(func() {
		select {
		case <-h.done:
			return // already reaped
		default:
		}
		// A stopped group never acts on SIGTERM; resume it first.
		_ = unix.Kill(-h.pgid, unix.SIGCONT)
		_ = unix.Kill(-h.pgid, unix.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(h.grace):
			_ = unix.Kill(-h.pgid, unix.SIGKILL)
			<-h.done
		}
	})
}

// CloseOutputs force-unblocks drain readers still parked on the pipes. Only
// needed when a descendant escaped the process group (its own setsid) and is
// keeping a write end open; call it after draining has had its chance.
func (h *Handle) CloseOutputs() {
	h.stdout.Close()
	h.stderr.Close()
}

// Alive reports whether the process group still exists in the OS process
// table. Used by tests and the registry's status view.
func (h *Handle) Alive() bool {
	err := unix.Kill(-h.pgid, 0)
	return err == nil
}
