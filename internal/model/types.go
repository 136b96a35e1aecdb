package model

import "time"

// RunStatus is the outcome of one stage run as persisted on the session.
type RunStatus string

const (
	StatusIdle    RunStatus = "idle"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusError   RunStatus = "error"
)

// Settled reports whether the status is terminal for a run that has started.
func (s RunStatus) Settled() bool {
	return s == StatusSuccess || s == StatusError
}

// Phase is the coarse lifecycle cursor for a session's overall workflow.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhasePlanning      Phase = "planning"
	PhasePlanCompleted Phase = "plan-completed"
	PhaseRefining      Phase = "refining"
	PhaseImplementing  Phase = "implementing"
	PhaseCompleted     Phase = "completed"
)

type IssueState string

const (
	IssueOpen    IssueState = "open"
	IssueClosed  IssueState = "closed"
	IssueUnknown IssueState = "unknown"
)

// ActionMode records which action is exclusively in flight for a session.
type ActionMode string

const (
	ModeDefault   ActionMode = "default"
	ModeImplement ActionMode = "implement"
	ModeRefine    ActionMode = "refine"
	ModeRerun     ActionMode = "rerun"
)

type CommandType string

const (
	CommandPlan   CommandType = "plan"
	CommandRefine CommandType = "refine"
	CommandImpl   CommandType = "impl"
)

type WidgetType string

const (
	WidgetText     WidgetType = "text"
	WidgetTerminal WidgetType = "terminal"
	WidgetProgress WidgetType = "progress"
	WidgetButtons  WidgetType = "buttons"
	WidgetInput    WidgetType = "input"
	WidgetStatus   WidgetType = "status"
)

// Widget roles used to address the singleton widgets of a session.
const (
	RolePrompt      = "prompt"
	RoleActions     = "actions"
	RolePlan        = "plan"
	RoleImpl        = "impl"
	RoleRefine      = "refine"
	RoleRefineFocus = "refine-focus"
)

type ButtonDef struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// ProgressEvent is one recorded stage transition replayable by the UI.
type ProgressEvent struct {
	Stage string    `json:"stage"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// WidgetMeta is the metadata bag attached to a widget. Which fields are
// populated depends on the widget type.
type WidgetMeta struct {
	Role       string          `json:"role,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	TerminalID string          `json:"terminal_id,omitempty"`
	Buttons    []ButtonDef     `json:"buttons,omitempty"`
	Collapsed  bool            `json:"collapsed,omitempty"`
	Progress   []ProgressEvent `json:"progress,omitempty"`
}

// Widget is one persisted unit of the session timeline. Widgets are
// append-only in creation order; only terminal, buttons, and progress
// widgets are mutated in place after creation.
type Widget struct {
	WidgetID  string
	SessionID string
	Type      WidgetType
	Title     string
	Lines     []string
	Meta      WidgetMeta
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RefineRun struct {
	RunID     string
	SessionID string
	Focus     string
	Status    RunStatus
	Logs      []string
	Collapsed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Rerun is the stored minimal argument set needed to exactly replay the
// most recently failed run. Prompt carries the plan prompt or the refine
// focus depending on CommandType.
type Rerun struct {
	CommandType  CommandType `json:"command_type"`
	Prompt       string      `json:"prompt,omitempty"`
	IssueNumber  string      `json:"issue_number,omitempty"`
	LastExitCode int         `json:"last_exit_code"`
	CapturedAt   time.Time   `json:"captured_at"`
}

type Session struct {
	SessionID   string
	Prompt      string
	Status      RunStatus
	Phase       Phase
	ImplStatus  RunStatus
	IssueNumber string
	IssueState  IssueState
	PlanPath    string
	PRURL       string
	ActionMode  ActionMode
	RunPID      int
	Collapsed   bool
	Rerun       *Rerun
	RefineRuns  []RefineRun
	Widgets     []Widget
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AnyRunning reports whether any run of any kind is active on the session.
func (s Session) AnyRunning() bool {
	if s.Status == StatusRunning || s.ImplStatus == StatusRunning {
		return true
	}
	for _, r := range s.RefineRuns {
		if r.Status == StatusRunning {
			return true
		}
	}
	return false
}

// FindWidget returns the first widget matching the predicate, or nil.
func (s Session) FindWidget(match func(Widget) bool) *Widget {
	for i := range s.Widgets {
		if match(s.Widgets[i]) {
			return &s.Widgets[i]
		}
	}
	return nil
}

// TerminalByRole returns the terminal widget for a non-refine role.
func (s Session) TerminalByRole(role string) *Widget {
	return s.FindWidget(func(w Widget) bool {
		return w.Type == WidgetTerminal && w.Meta.Role == role
	})
}

// TerminalByRunID returns the refine terminal widget owned by runID.
func (s Session) TerminalByRunID(runID string) *Widget {
	return s.FindWidget(func(w Widget) bool {
		return w.Type == WidgetTerminal && w.Meta.RunID == runID
	})
}

// RefineRunByID returns the refine run record owned by runID, or nil.
func (s Session) RefineRunByID(runID string) *RefineRun {
	for i := range s.RefineRuns {
		if s.RefineRuns[i].RunID == runID {
			return &s.RefineRuns[i]
		}
	}
	return nil
}

// SessionPatch is a partial update applied by UpdateSession. Nil fields
// are left untouched. SetRerun and ClearRerun are mutually exclusive.
type SessionPatch struct {
	Prompt      *string
	Status      *RunStatus
	Phase       *Phase
	ImplStatus  *RunStatus
	IssueNumber *string
	IssueState  *IssueState
	PlanPath    *string
	PRURL       *string
	ActionMode  *ActionMode
	RunPID      *int
	SetRerun    *Rerun
	ClearRerun  bool
}

// RunRequest describes one execution of an external stage command.
type RunRequest struct {
	SessionID         string
	CommandType       CommandType
	Prompt            string
	IssueNumber       string
	RefineIssueNumber string
	WorkDir           string
	RunID             string
}
