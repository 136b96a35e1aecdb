// Package projector translates run events into store mutations and
// outbound deltas. It owns all session state transitions: dispatch
// methods validate and admit, event handlers mutate.
package projector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comhuhuan/agentize/internal/db"
	"github.com/comhuhuan/agentize/internal/extract"
	"github.com/comhuhuan/agentize/internal/model"
	"github.com/comhuhuan/agentize/internal/notify"
	"github.com/comhuhuan/agentize/internal/policy"
	"github.com/comhuhuan/agentize/internal/run"
)

var (
	ErrRunActive      = errors.New("a run is already active for this session")
	ErrNotAvailable   = errors.New("action not available in current state")
	ErrDispatchFailed = errors.New("run could not be started")
)

// maxProgressEntries caps the stored progress tuples per widget.
const maxProgressEntries = 200

// stderrPrefix visually tags stderr lines in terminal widgets.
const stderrPrefix = "! "

// Supervisor is the slice of the run supervisor the projector needs.
type Supervisor interface {
	IsRunning(sessionID string) bool
	IsRunningType(sessionID string, commandType model.CommandType) bool
	Run(req model.RunRequest, onEvent run.EventFunc) bool
	Stop(sessionID string)
}

// IssueStates resolves an issue number to its tracker state.
type IssueStates interface {
	State(ctx context.Context, issueNumber string) model.IssueState
}

type Projector struct {
	store   *db.Store
	sup     Supervisor
	states  IssueStates
	hub     *notify.Hub
	workDir string

	// errFn receives event-handler failures, which have no caller to
	// return to.
	errFn func(error)

	// mu serializes every state mutation, reintroducing the source of
	// truth a single event loop would give for free.
	mu sync.Mutex
}

// SetErrorHandler installs the sink for event-handler failures. Call
// before any run is dispatched.
func (p *Projector) SetErrorHandler(fn func(error)) {
	p.errFn = fn
}

func New(store *db.Store, sup Supervisor, states IssueStates, hub *notify.Hub, workDir string) *Projector {
	if hub == nil {
		hub = notify.NewHub()
	}
	return &Projector{store: store, sup: sup, states: states, hub: hub, workDir: workDir}
}

// CreateSession persists a new session with its prompt and actions
// widgets and returns it.
func (p *Projector) CreateSession(ctx context.Context, prompt string) (model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, err := p.store.CreateSession(ctx, model.Session{
		SessionID: uuid.NewString(),
		Prompt:    prompt,
	})
	if err != nil {
		return model.Session{}, err
	}
	session, err = p.store.AddWidget(ctx, model.Widget{
		WidgetID:  uuid.NewString(),
		SessionID: session.SessionID,
		Type:      model.WidgetText,
		Title:     "Prompt",
		Lines:     []string{prompt},
		Meta:      model.WidgetMeta{Role: model.RolePrompt},
	})
	if err != nil {
		return model.Session{}, err
	}
	session, err = p.store.AddWidget(ctx, model.Widget{
		WidgetID:  uuid.NewString(),
		SessionID: session.SessionID,
		Type:      model.WidgetButtons,
		Title:     "Actions",
		Meta:      model.WidgetMeta{Role: model.RoleActions, Buttons: policy.Buttons(session)},
	})
	if err != nil {
		return model.Session{}, err
	}
	p.hub.PublishSessionFields(notify.SessionFields{Session: session})
	return session, nil
}

// StartPlan dispatches the plan run for the session.
func (p *Projector) StartPlan(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if session.AnyRunning() || p.sup.IsRunning(sessionID) {
		p.mu.Unlock()
		return ErrRunActive
	}
	if _, err := p.store.UpdateSession(ctx, sessionID, model.SessionPatch{ActionMode: ptr(model.ModeDefault)}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	return p.dispatch(ctx, model.RunRequest{
		SessionID:   sessionID,
		CommandType: model.CommandPlan,
		Prompt:      session.Prompt,
		WorkDir:     p.workDir,
		RunID:       uuid.NewString(),
	})
}

// StartImplement dispatches the implementation run. It requires a
// successful plan, a known issue, and that the issue is not closed.
func (p *Projector) StartImplement(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	switch {
	case session.AnyRunning() || p.sup.IsRunning(sessionID):
		p.mu.Unlock()
		return ErrRunActive
	case session.Status != model.StatusSuccess:
		p.mu.Unlock()
		return fmt.Errorf("%w: plan has not succeeded", ErrNotAvailable)
	case session.IssueNumber == "":
		p.mu.Unlock()
		return fmt.Errorf("%w: no issue number", ErrNotAvailable)
	case session.IssueState == model.IssueClosed:
		p.mu.Unlock()
		return fmt.Errorf("%w: issue is closed", ErrNotAvailable)
	}
	if _, err := p.store.UpdateSession(ctx, sessionID, model.SessionPatch{ActionMode: ptr(model.ModeImplement)}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	return p.dispatch(ctx, model.RunRequest{
		SessionID:   sessionID,
		CommandType: model.CommandImpl,
		IssueNumber: session.IssueNumber,
		WorkDir:     p.workDir,
		RunID:       uuid.NewString(),
	})
}

// StartRefine dispatches a refine run with its own run record and
// terminal widget.
func (p *Projector) StartRefine(ctx context.Context, sessionID, focus string) error {
	if strings.TrimSpace(focus) == "" {
		return fmt.Errorf("%w: empty refine focus", ErrNotAvailable)
	}
	p.mu.Lock()
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	switch {
	case session.AnyRunning() || p.sup.IsRunning(sessionID):
		p.mu.Unlock()
		return ErrRunActive
	case p.sup.IsRunningType(sessionID, model.CommandRefine):
		p.mu.Unlock()
		return ErrRunActive
	case !session.Status.Settled():
		p.mu.Unlock()
		return fmt.Errorf("%w: plan has not settled", ErrNotAvailable)
	}
	runID := uuid.NewString()
	if err := p.prepareRefine(ctx, session, runID, focus); err != nil {
		p.mu.Unlock()
		return err
	}
	if _, err := p.store.UpdateSession(ctx, sessionID, model.SessionPatch{ActionMode: ptr(model.ModeRefine)}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	return p.dispatch(ctx, model.RunRequest{
		SessionID:         sessionID,
		CommandType:       model.CommandRefine,
		Prompt:            focus,
		IssueNumber:       session.IssueNumber,
		RefineIssueNumber: session.IssueNumber,
		WorkDir:           p.workDir,
		RunID:             runID,
	})
}

// Rerun replays the stored descriptor exactly. The request is derived
// from persisted state, never from caller-supplied text.
func (p *Projector) Rerun(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	switch {
	case session.AnyRunning() || p.sup.IsRunning(sessionID):
		p.mu.Unlock()
		return ErrRunActive
	case session.Rerun == nil:
		p.mu.Unlock()
		return fmt.Errorf("%w: no rerun descriptor", ErrNotAvailable)
	case session.Rerun.LastExitCode == 0:
		p.mu.Unlock()
		return fmt.Errorf("%w: last run succeeded", ErrNotAvailable)
	}
	desc := *session.Rerun
	req := model.RunRequest{
		SessionID:   sessionID,
		CommandType: desc.CommandType,
		WorkDir:     p.workDir,
		RunID:       uuid.NewString(),
	}
	switch desc.CommandType {
	case model.CommandPlan:
		req.Prompt = desc.Prompt
	case model.CommandImpl:
		req.IssueNumber = desc.IssueNumber
	case model.CommandRefine:
		req.Prompt = desc.Prompt
		req.IssueNumber = desc.IssueNumber
		req.RefineIssueNumber = desc.IssueNumber
		if err := p.prepareRefine(ctx, session, req.RunID, desc.Prompt); err != nil {
			p.mu.Unlock()
			return err
		}
	default:
		p.mu.Unlock()
		return fmt.Errorf("%w: bad rerun descriptor", ErrNotAvailable)
	}
	if _, err := p.store.UpdateSession(ctx, sessionID, model.SessionPatch{ActionMode: ptr(model.ModeRerun)}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	return p.dispatch(ctx, req)
}

// Stop forcefully terminates the session's active run. Terminal state
// lands through the run's own exit event.
func (p *Projector) Stop(sessionID string) {
	p.sup.Stop(sessionID)
}

// ToggleCollapse flips the session collapse flag.
func (p *Projector) ToggleCollapse(ctx context.Context, sessionID string) (model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, err := p.store.ToggleSessionCollapse(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	p.hub.PublishSessionFields(notify.SessionFields{Session: session})
	return session, nil
}

// RefreshIssueState queries the tracker and caches the result on the
// session. A lookup failure leaves the state at unknown, which never
// blocks Implement.
func (p *Projector) RefreshIssueState(ctx context.Context, sessionID string) (model.IssueState, error) {
	p.mu.Lock()
	session, err := p.store.GetSession(ctx, sessionID)
	p.mu.Unlock()
	if err != nil {
		return model.IssueUnknown, err
	}
	if session.IssueNumber == "" {
		return model.IssueUnknown, nil
	}
	state := p.states.State(ctx, session.IssueNumber)

	p.mu.Lock()
	defer p.mu.Unlock()
	if state == session.IssueState {
		return state, nil
	}
	session, err = p.store.UpdateSession(ctx, sessionID, model.SessionPatch{IssueState: ptr(state)})
	if err != nil {
		return model.IssueUnknown, err
	}
	p.refreshButtons(ctx, session)
	p.hub.PublishSessionFields(notify.SessionFields{Session: session})
	return state, nil
}

// dispatch hands the request to the supervisor. Refusal covers both a
// lost admission race and a spawn failure; either way the attempted
// action mode is rolled back so the session is not stuck mid-action.
func (p *Projector) dispatch(ctx context.Context, req model.RunRequest) error {
	if !p.sup.Run(req, p.HandleEvent) {
		p.mu.Lock()
		_, _ = p.store.UpdateSession(ctx, req.SessionID, model.SessionPatch{ActionMode: ptr(model.ModeDefault)})
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDispatchFailed, req.CommandType)
	}
	return nil
}

// prepareRefine creates the refine run record and its terminal widget.
// Caller holds mu.
func (p *Projector) prepareRefine(ctx context.Context, session model.Session, runID, focus string) error {
	if _, err := p.store.AddRefineRun(ctx, model.RefineRun{
		RunID:     runID,
		SessionID: session.SessionID,
		Focus:     focus,
		Status:    model.StatusIdle,
	}); err != nil {
		return err
	}
	_, err := p.store.AddWidget(ctx, model.Widget{
		WidgetID:  uuid.NewString(),
		SessionID: session.SessionID,
		Type:      model.WidgetTerminal,
		Title:     "Refine: " + focus,
		Meta:      model.WidgetMeta{Role: model.RoleRefine, RunID: runID},
	})
	return err
}

// HandleEvent is the single entry point for run events. Safe for the
// supervisor to call from its pump goroutines.
func (p *Projector) HandleEvent(ev run.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := context.Background()

	var err error
	switch v := ev.(type) {
	case run.StartEvent:
		err = p.handleStart(ctx, v)
	case run.StdoutEvent:
		err = p.handleOutput(ctx, v.Ref, v.Line, false)
	case run.StderrEvent:
		err = p.handleOutput(ctx, v.Ref, v.Line, true)
	case run.ExitEvent:
		err = p.handleExit(ctx, v)
	}
	if err != nil && p.errFn != nil {
		p.errFn(err)
	}
}

func (p *Projector) handleStart(ctx context.Context, ev run.StartEvent) error {
	session, err := p.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return err
	}

	patch := model.SessionPatch{RunPID: ptr(ev.PID)}
	switch ev.CommandType {
	case model.CommandPlan:
		patch.Status = ptr(model.StatusRunning)
		patch.Phase = ptr(model.PhasePlanning)
	case model.CommandImpl:
		patch.ImplStatus = ptr(model.StatusRunning)
		patch.Phase = ptr(model.PhaseImplementing)
	case model.CommandRefine:
		patch.Phase = ptr(model.PhaseRefining)
		if _, err := p.store.UpdateRefineRunStatus(ctx, ev.SessionID, ev.RunID, model.StatusRunning); err != nil {
			return err
		}
	}
	session, err = p.store.UpdateSession(ctx, ev.SessionID, patch)
	if err != nil {
		return err
	}

	session, widget, err := p.ensureTerminal(ctx, session, ev.Ref)
	if err != nil {
		return err
	}
	cmdLine := "$ " + strings.Join(ev.Command, " ")
	session, err = p.appendTerminal(ctx, session, ev.Ref, widget, []string{cmdLine})
	if err != nil {
		return err
	}
	if ev.CommandType == model.CommandPlan {
		if session, err = p.ensureProgress(ctx, session, widget.WidgetID); err != nil {
			return err
		}
	}
	p.refreshButtons(ctx, session)
	p.hub.PublishSessionFields(notify.SessionFields{Session: session})
	return nil
}

func (p *Projector) handleOutput(ctx context.Context, ref run.Ref, line string, stderr bool) error {
	session, err := p.store.GetSession(ctx, ref.SessionID)
	if err != nil {
		return err
	}

	display := line
	if stderr {
		display = stderrPrefix + line
	}
	widget := p.terminalFor(session, ref)
	if widget != nil {
		if session, err = p.appendTerminal(ctx, session, ref, widget, []string{display}); err != nil {
			return err
		}
	}

	changed := false
	patch := model.SessionPatch{}
	if issue, ok := extract.IssueNumber(line); ok && issue != session.IssueNumber {
		patch.IssueNumber = ptr(issue)
		changed = true
	}
	if path, ok := extract.PlanPath(line); ok && path != session.PlanPath {
		patch.PlanPath = ptr(path)
		changed = true
	}
	if url, ok := extract.PRURL(line); ok && url != session.PRURL {
		patch.PRURL = ptr(url)
		changed = true
	}
	if changed {
		session, err = p.store.UpdateSession(ctx, ref.SessionID, patch)
		if err != nil {
			return err
		}
		p.refreshButtons(ctx, session)
		p.hub.PublishSessionFields(notify.SessionFields{Session: session})
	}

	if stderr {
		if stage, ok := extract.ProgressStage(line); ok {
			if err := p.recordProgress(ctx, session, model.ProgressEvent{
				Stage: stage.Stage,
				Text:  stage.Text,
				At:    time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Projector) handleExit(ctx context.Context, ev run.ExitEvent) error {
	session, err := p.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	status := model.StatusSuccess
	if ev.ExitCode != 0 {
		status = model.StatusError
	}

	patch := model.SessionPatch{ActionMode: ptr(model.ModeDefault), RunPID: ptr(0)}
	switch ev.CommandType {
	case model.CommandPlan:
		patch.Status = ptr(status)
		if status == model.StatusSuccess {
			patch.Phase = ptr(model.PhasePlanCompleted)
		}
	case model.CommandImpl:
		patch.ImplStatus = ptr(status)
		if status == model.StatusSuccess {
			patch.Phase = ptr(model.PhaseCompleted)
		} else {
			patch.Phase = ptr(model.PhasePlanCompleted)
		}
	case model.CommandRefine:
		patch.Phase = ptr(model.PhasePlanCompleted)
		if _, err := p.store.UpdateRefineRunStatus(ctx, ev.SessionID, ev.RunID, status); err != nil {
			return err
		}
	}
	applyRerun(&patch, session, ev)

	session, err = p.store.UpdateSession(ctx, ev.SessionID, patch)
	if err != nil {
		return err
	}

	if widget := p.terminalFor(session, ev.Ref); widget != nil {
		exitLine := fmt.Sprintf("Exit code: %d", ev.ExitCode)
		if session, err = p.appendTerminal(ctx, session, ev.Ref, widget, []string{exitLine}); err != nil {
			return err
		}
	}
	if err := p.recordProgress(ctx, session, model.ProgressEvent{
		Stage: "exit",
		Text:  fmt.Sprintf("Exit code: %d", ev.ExitCode),
		At:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	p.refreshButtons(ctx, session)
	p.hub.PublishSessionFields(notify.SessionFields{Session: session})
	return nil
}

// applyRerun computes the rerun descriptor update for an exit. Failed
// runs store enough to replay; a failed plan with a known issue
// escalates to a refine retry since replanning would only race the
// stale first attempt. Success keeps an existing descriptor but zeroes
// its exit code.
func applyRerun(patch *model.SessionPatch, session model.Session, ev run.ExitEvent) {
	if ev.ExitCode == 0 {
		if session.Rerun != nil {
			kept := *session.Rerun
			kept.LastExitCode = 0
			patch.SetRerun = &kept
		}
		return
	}

	desc := model.Rerun{
		CommandType:  ev.CommandType,
		LastExitCode: ev.ExitCode,
		CapturedAt:   time.Now().UTC(),
	}
	switch ev.CommandType {
	case model.CommandPlan:
		if session.IssueNumber != "" {
			desc.CommandType = model.CommandRefine
			desc.Prompt = session.Prompt
			desc.IssueNumber = session.IssueNumber
		} else {
			desc.Prompt = session.Prompt
		}
	case model.CommandImpl:
		desc.IssueNumber = session.IssueNumber
	case model.CommandRefine:
		desc.IssueNumber = session.IssueNumber
		if refineRun := session.RefineRunByID(ev.RunID); refineRun != nil {
			desc.Prompt = refineRun.Focus
		}
	}
	patch.SetRerun = &desc
}

// terminalFor resolves the terminal widget an event routes to: refine
// runs by run id, plan and impl by role.
func (p *Projector) terminalFor(session model.Session, ref run.Ref) *model.Widget {
	if ref.CommandType == model.CommandRefine {
		return session.TerminalByRunID(ref.RunID)
	}
	role := model.RolePlan
	if ref.CommandType == model.CommandImpl {
		role = model.RoleImpl
	}
	return session.TerminalByRole(role)
}

func (p *Projector) ensureTerminal(ctx context.Context, session model.Session, ref run.Ref) (model.Session, *model.Widget, error) {
	if w := p.terminalFor(session, ref); w != nil {
		return session, w, nil
	}
	meta := model.WidgetMeta{}
	title := "Plan"
	switch ref.CommandType {
	case model.CommandPlan:
		meta.Role = model.RolePlan
	case model.CommandImpl:
		meta.Role = model.RoleImpl
		title = "Implement"
	case model.CommandRefine:
		meta.Role = model.RoleRefine
		meta.RunID = ref.RunID
		title = "Refine"
	}
	session, err := p.store.AddWidget(ctx, model.Widget{
		WidgetID:  uuid.NewString(),
		SessionID: session.SessionID,
		Type:      model.WidgetTerminal,
		Title:     title,
		Meta:      meta,
	})
	if err != nil {
		return model.Session{}, nil, err
	}
	return session, p.terminalFor(session, ref), nil
}

// appendTerminal appends lines to the run's terminal widget and, for
// refine runs, mirrors them into the run's own log.
func (p *Projector) appendTerminal(ctx context.Context, session model.Session, ref run.Ref, widget *model.Widget, lines []string) (model.Session, error) {
	session, err := p.store.AppendWidgetLines(ctx, session.SessionID, widget.WidgetID, lines)
	if err != nil {
		return model.Session{}, err
	}
	p.hub.PublishWidgetLines(notify.WidgetLines{
		SessionID: session.SessionID,
		WidgetID:  widget.WidgetID,
		Lines:     lines,
	})
	if ref.CommandType == model.CommandRefine {
		session, err = p.store.AppendRefineRunLogs(ctx, session.SessionID, ref.RunID, lines)
		if err != nil {
			return model.Session{}, err
		}
	}
	return session, nil
}

// ensureProgress creates the progress widget bound to the terminal
// widget whose run it narrates. A progress widget always references an
// existing terminal widget id.
func (p *Projector) ensureProgress(ctx context.Context, session model.Session, terminalWidgetID string) (model.Session, error) {
	if w := session.FindWidget(func(w model.Widget) bool { return w.Type == model.WidgetProgress }); w != nil {
		return session, nil
	}
	return p.store.AddWidget(ctx, model.Widget{
		WidgetID:  uuid.NewString(),
		SessionID: session.SessionID,
		Type:      model.WidgetProgress,
		Title:     "Progress",
		Meta:      model.WidgetMeta{TerminalID: terminalWidgetID},
	})
}

func (p *Projector) recordProgress(ctx context.Context, session model.Session, event model.ProgressEvent) error {
	widget := session.FindWidget(func(w model.Widget) bool { return w.Type == model.WidgetProgress })
	if widget == nil {
		return nil
	}
	meta := widget.Meta
	meta.Progress = append(meta.Progress, event)
	if len(meta.Progress) > maxProgressEntries {
		meta.Progress = meta.Progress[len(meta.Progress)-maxProgressEntries:]
	}
	if _, err := p.store.UpdateWidgetMetadata(ctx, session.SessionID, widget.WidgetID, meta); err != nil {
		return err
	}
	p.hub.PublishWidgetMeta(notify.WidgetMeta{
		SessionID: session.SessionID,
		WidgetID:  widget.WidgetID,
		Meta:      meta,
	})
	return nil
}

// refreshButtons recomputes the actions widget from current state.
// Caller holds mu.
func (p *Projector) refreshButtons(ctx context.Context, session model.Session) {
	widget := session.FindWidget(func(w model.Widget) bool {
		return w.Type == model.WidgetButtons && w.Meta.Role == model.RoleActions
	})
	if widget == nil {
		return
	}
	meta := widget.Meta
	meta.Buttons = policy.Buttons(session)
	if _, err := p.store.UpdateWidgetMetadata(ctx, session.SessionID, widget.WidgetID, meta); err != nil {
		return
	}
	p.hub.PublishWidgetMeta(notify.WidgetMeta{
		SessionID: session.SessionID,
		WidgetID:  widget.WidgetID,
		Meta:      meta,
	})
}

func ptr[T any](v T) *T {
	return &v
}
