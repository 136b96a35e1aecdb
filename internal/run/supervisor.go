package run

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/comhuhuan/agentize/internal/model"
)

// CommandBuilder resolves a run request to the external argv to spawn.
type CommandBuilder interface {
	Build(req model.RunRequest) ([]string, error)
}

// EventFunc receives run lifecycle events. For one session it is never
// invoked concurrently: the start event is delivered synchronously from
// Run, the rest from a single pump goroutine.
type EventFunc func(Event)

type activeRun struct {
	ref    Ref
	handle *processHandle
}

// Supervisor admits and tracks external runs. At most one run per
// session may be active; admission is first-writer-wins.
type Supervisor struct {
	builder CommandBuilder
	tracer  trace.Tracer

	mu     sync.Mutex
	active map[string]*activeRun
}

func NewSupervisor(builder CommandBuilder) *Supervisor {
	return &Supervisor{
		builder: builder,
		tracer:  otel.Tracer("agentize/run"),
		active:  make(map[string]*activeRun),
	}
}

// IsRunning reports whether any run is active for the session.
func (s *Supervisor) IsRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// IsRunningType reports whether a run of the given command type is
// active for the session.
func (s *Supervisor) IsRunningType(sessionID string, commandType model.CommandType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[sessionID]
	return ok && run.ref.CommandType == commandType
}

// Run admits and starts a run. It returns false without side effects
// when the session already has an active run or the command cannot be
// spawned. On success the start event has been delivered before Run
// returns and the session is marked active until the exit event.
func (s *Supervisor) Run(req model.RunRequest, onEvent EventFunc) bool {
	argv, err := s.builder.Build(req)
	if err != nil {
		return false
	}

	s.mu.Lock()
	if _, exists := s.active[req.SessionID]; exists {
		s.mu.Unlock()
		return false
	}
	// Reserve the slot before spawning so a concurrent Run for the same
	// session loses admission even while the spawn is in flight.
	ref := Ref{SessionID: req.SessionID, RunID: req.RunID, CommandType: req.CommandType}
	placeholder := &activeRun{ref: ref}
	s.active[req.SessionID] = placeholder
	s.mu.Unlock()

	handle, err := spawn(argv, req.WorkDir)
	if err != nil {
		s.release(req.SessionID)
		return false
	}

	s.mu.Lock()
	placeholder.handle = handle
	s.mu.Unlock()

	onEvent(StartEvent{Ref: ref, Command: argv, PID: handle.pid()})
	go s.pump(ref, handle, onEvent)
	return true
}

// Stop terminates the active run for the session, if any. The exit
// event with the killed sentinel is delivered by the run's own pump.
func (s *Supervisor) Stop(sessionID string) {
	s.mu.Lock()
	run, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok || run.handle == nil {
		return
	}
	run.handle.terminate()
}

func (s *Supervisor) pump(ref Ref, handle *processHandle, onEvent EventFunc) {
	_, span := s.tracer.Start(context.Background(), "run."+string(ref.CommandType),
		trace.WithAttributes(
			attribute.String("session.id", ref.SessionID),
			attribute.String("run.id", ref.RunID),
		))

	for line := range handle.lines {
		if line.stderr {
			onEvent(StderrEvent{Ref: ref, Line: line.text})
		} else {
			onEvent(StdoutEvent{Ref: ref, Line: line.text})
		}
	}
	code := handle.wait()

	s.release(ref.SessionID)
	span.SetAttributes(attribute.Int("run.exit_code", code))
	span.End()
	onEvent(ExitEvent{Ref: ref, ExitCode: code})
}

func (s *Supervisor) release(sessionID string) {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
}
