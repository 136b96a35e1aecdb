package run

import "github.com/comhuhuan/agentize/internal/model"

// Event is the closed set of run lifecycle notifications delivered to
// the supervisor callback. Events for one session are delivered in
// order: Start, any number of Stdout/Stderr, then exactly one Exit.
type Event interface {
	Session() string
	isEvent()
}

// Ref identifies the run an event belongs to.
type Ref struct {
	SessionID   string
	RunID       string
	CommandType model.CommandType
}

func (r Ref) Session() string { return r.SessionID }

// StartEvent carries the resolved command line and the child pid so
// downstream state can record what was actually spawned and stop it
// from another process.
type StartEvent struct {
	Ref
	Command []string
	PID     int
}

type StdoutEvent struct {
	Ref
	Line string
}

type StderrEvent struct {
	Ref
	Line string
}

// ExitEvent carries the process exit code, or ExitCodeKilled when the
// run was terminated or the code is unreportable.
type ExitEvent struct {
	Ref
	ExitCode int
}

// ExitCodeKilled is the sentinel exit code for terminated runs.
const ExitCodeKilled = -1

func (StartEvent) isEvent()  {}
func (StdoutEvent) isEvent() {}
func (StderrEvent) isEvent() {}
func (ExitEvent) isEvent()   {}
