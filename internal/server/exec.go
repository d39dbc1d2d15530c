package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cmdbridge/internal/proc"
	"cmdbridge/internal/protocol"
	"cmdbridge/internal/registry"
)

// drainLinger bounds how long we wait for the pipes to hit EOF after the
// process group is gone. Only an orphan that escaped the group (its own
// setsid) can keep them open longer.
const drainLinger = 2 * time.Second

// handleExecute validates the request and launches the execution in its own
// goroutine so the read pump keeps servicing control requests.
func (s *Server) handleExecute(c *client, msg *protocol.Message) {
	var p protocol.ExecutePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	if s.reg.Process(c.sess.ID) != nil {
		c.sendError(protocol.ErrAlreadyRunning, "a process is already running in this session")
		return
	}

	go s.runExecute(c.sess.ID, p)
}

// handleControl forwards a control request to the session's running process
// group. Misuse (no process, unknown kind, illegal transition) is reported
// to the client; the connection stays open.
func (s *Server) handleControl(c *client, msg *protocol.Message) {
	var p protocol.ControlPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	if !protocol.KnownControlKind(p.Kind) {
		c.sendError(protocol.ErrUnknownControlKind, "unknown control kind: "+p.Kind)
		return
	}

	h := s.reg.Process(c.sess.ID)
	if h == nil {
		c.sendError(protocol.ErrNoActiveProcess, "no process is running in this session")
		return
	}

	if err := h.Signal(proc.SignalKind(p.Kind)); err != nil {
		switch {
		case errors.Is(err, proc.ErrProcessNotFound):
			// Logged and reported, never fatal to the session.
			s.log.Warn("signal to vanished process group",
				"session_id", c.sess.ID, "pgid", h.PID(), "kind", p.Kind)
			c.sendError(protocol.ErrProcessNotFound, err.Error())
		case errors.Is(err, proc.ErrInvalidTransition):
			c.sendError(protocol.ErrInvalidControlState, err.Error())
		default:
			c.sendError(protocol.ErrInvalidControlState, err.Error())
		}
		return
	}

	ack, _ := protocol.NewMessage(protocol.TypeControlAck, protocol.ControlAckPayload{
		SessionID: c.sess.ID,
		Kind:      p.Kind,
	})
	_ = s.reg.Deliver(c.sess.ID, ack)
}

// runExecute is one complete execution: deadline computation, spawn, drain,
// terminal report. It is session-scoped, not connection-scoped: it keeps
// running (and queueing output) if the client disconnects mid-flight.
func (s *Server) runExecute(sessionID string, p protocol.ExecutePayload) {
	deadline := s.effectiveDeadline(p)

	h, err := proc.Start(proc.Command{
		Line:     p.Command,
		Dir:      p.WorkingDir,
		Deadline: deadline,
		Grace:    s.cfg.KillGraceTimeout.Std(),
	})
	if err != nil {
		s.log.Warn("spawn failed", "session_id", sessionID, "err", err)
		s.deliverError(sessionID, protocol.ErrSpawnFailed, err.Error())
		return
	}

	if err := s.reg.AttachProcess(sessionID, h); err != nil {
		// Lost a race with another execute, or the session vanished.
		h.ForceCleanup()
		code := protocol.ErrAlreadyRunning
		if errors.Is(err, registry.ErrSessionNotFound) {
			code = protocol.ErrSessionNotFound
		}
		s.deliverError(sessionID, code, err.Error())
		return
	}

	// The one guaranteed release path: no exit from this function leaves a
	// live process group or a stale registry entry behind.
	defer func() {
		h.ForceCleanup()
		s.reg.DetachProcess(sessionID)
		s.watch.Unwatch(sessionID)
	}()

	s.fireHook(func(ctx context.Context) { s.hook.BeforeExecute(ctx, sessionID, p.Command) })

	if p.WorkingDir != "" {
		if err := s.watch.Watch(sessionID, p.WorkingDir); err != nil {
			s.log.Debug("workdir watch failed", "session_id", sessionID, "err", err)
		}
	}

	s.log.Info("execution started",
		"session_id", sessionID,
		"pgid", h.PID(),
		"deadline", deadline)

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()

	d := proc.NewDrainer(s.cfg.StreamChunkSize, s.cfg.OutputByteCap)
	chunks := d.Drain(drainCtx, h)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		errLines := proc.NewLineAssembler(s.cfg.MaxLineLength)
		for ch := range chunks {
			if ch.Stream == proc.StreamStderr {
				for _, line := range errLines.Feed(ch.Data) {
					s.log.Debug("stderr", "session_id", sessionID, "line", line)
				}
			}
			out, err := protocol.NewMessage(protocol.TypeOutput, protocol.OutputPayload{
				SessionID:    sessionID,
				Stream:       ch.Stream,
				Data:         ch.Data,
				Seq:          ch.Seq,
				Summary:      ch.Summary,
				OmittedBytes: ch.Omitted,
			})
			if err != nil {
				continue
			}
			_ = s.reg.Deliver(sessionID, out)
		}
	}()

	exitCode, waitErr := h.Wait()
	if errors.Is(waitErr, proc.ErrDeadlineExceeded) {
		// Same terminal transition as explicit cancel, different cause.
		h.ForceCleanup()
		exitCode = h.ExitCode()
	}

	// Let the drainers deliver everything buffered before the kill; only an
	// escaped descendant holding the pipes makes us force them shut.
	select {
	case <-forwardDone:
	case <-time.After(drainLinger):
		h.CloseOutputs()
		<-forwardDone
	}

	status := protocol.StatusExited
	switch h.State() {
	case proc.StateCancelled:
		status = protocol.StatusCancelled
	case proc.StateTimedOut:
		status = protocol.StatusTimedOut
	}

	terminal, _ := protocol.NewMessage(protocol.TypeTerminated, protocol.TerminatedPayload{
		SessionID:    sessionID,
		Status:       status,
		ExitCode:     exitCode,
		Truncated:    d.Truncated(),
		OmittedBytes: d.OmittedBytes(),
	})
	_ = s.reg.Deliver(sessionID, terminal)

	s.fireHook(func(ctx context.Context) { s.hook.AfterExecute(ctx, sessionID, p.Command, status) })

	s.log.Info("execution finished",
		"session_id", sessionID,
		"status", status,
		"exit_code", exitCode,
		"bytes", d.TotalBytes(),
		"truncated", d.Truncated())
}

// effectiveDeadline combines the advisor's estimate (or the client's
// explicit override) with the load multiplier. A low-confidence estimate
// falls back to the configured default, never to an error.
func (s *Server) effectiveDeadline(p protocol.ExecutePayload) time.Duration {
	base := s.cfg.DefaultExecTimeout.Std()

	estCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if est := s.advisor.Estimate(estCtx, p.Command); est.Confidence >= 0.5 && est.Duration > 0 {
		base = est.Duration
	}

	if p.TimeoutSeconds > 0 {
		base = time.Duration(p.TimeoutSeconds * float64(time.Second))
	}

	mult := s.sampler.LoadMultiplier()
	if mult < 1.0 {
		mult = 1.0
	}
	return time.Duration(float64(base) * mult)
}

// fireHook runs a hook call in the background with panic isolation; hook
// failures never abort or delay the execution they surround.
func (s *Server) fireHook(fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Warn("execution hook panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

// deliverError routes a structured error to the session (live or queued).
func (s *Server) deliverError(sessionID, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	_ = s.reg.Deliver(sessionID, msg)
}
