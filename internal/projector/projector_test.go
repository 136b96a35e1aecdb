package projector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/comhuhuan/agentize/internal/model"
	"github.com/comhuhuan/agentize/internal/notify"
	"github.com/comhuhuan/agentize/internal/policy"
	"github.com/comhuhuan/agentize/internal/run"
	"github.com/comhuhuan/agentize/internal/testutil"
)

const fakePID = 4242

type fakeSupervisor struct {
	requests []model.RunRequest
	running  map[string]model.CommandType
	onEvent  run.EventFunc
	ref      run.Ref
	refuse   bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: map[string]model.CommandType{}}
}

func (f *fakeSupervisor) IsRunning(sessionID string) bool {
	_, ok := f.running[sessionID]
	return ok
}

func (f *fakeSupervisor) IsRunningType(sessionID string, commandType model.CommandType) bool {
	return f.running[sessionID] == commandType
}

func (f *fakeSupervisor) Run(req model.RunRequest, onEvent run.EventFunc) bool {
	if f.refuse {
		return false
	}
	if _, ok := f.running[req.SessionID]; ok {
		return false
	}
	f.requests = append(f.requests, req)
	f.running[req.SessionID] = req.CommandType
	f.onEvent = onEvent
	f.ref = run.Ref{SessionID: req.SessionID, RunID: req.RunID, CommandType: req.CommandType}
	onEvent(run.StartEvent{Ref: f.ref, Command: []string{"plan-agent", string(req.CommandType)}, PID: fakePID})
	return true
}

func (f *fakeSupervisor) Stop(sessionID string) {
	if _, ok := f.running[sessionID]; !ok {
		return
	}
	f.exit(run.ExitCodeKilled)
}

func (f *fakeSupervisor) stdout(line string) {
	f.onEvent(run.StdoutEvent{Ref: f.ref, Line: line})
}

func (f *fakeSupervisor) stderr(line string) {
	f.onEvent(run.StderrEvent{Ref: f.ref, Line: line})
}

func (f *fakeSupervisor) exit(code int) {
	delete(f.running, f.ref.SessionID)
	f.onEvent(run.ExitEvent{Ref: f.ref, ExitCode: code})
}

type stubStates struct {
	state model.IssueState
}

func (s stubStates) State(context.Context, string) model.IssueState {
	return s.state
}

type countingSubscriber struct {
	fields int
	lines  int
	metas  int
}

func (c *countingSubscriber) OnWidgetLines(notify.WidgetLines)     { c.lines++ }
func (c *countingSubscriber) OnWidgetMeta(notify.WidgetMeta)       { c.metas++ }
func (c *countingSubscriber) OnSessionFields(notify.SessionFields) { c.fields++ }

func newTestProjector(t *testing.T, states IssueStates) (*Projector, *fakeSupervisor, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	sup := newFakeSupervisor()
	if states == nil {
		states = stubStates{state: model.IssueUnknown}
	}
	p := New(store, sup, states, notify.NewHub(), t.TempDir())
	p.SetErrorHandler(func(err error) {
		t.Errorf("event handler error: %v", err)
	})
	return p, sup, ctx
}

func mustSession(t *testing.T, p *Projector, ctx context.Context, sessionID string) model.Session {
	t.Helper()
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return session
}

func TestPlanRunCapturesIssueAndPlanPath(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, err := p.CreateSession(ctx, "add caching")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := p.StartPlan(ctx, session.SessionID); err != nil {
		t.Fatalf("start plan: %v", err)
	}

	mid := mustSession(t, p, ctx, session.SessionID)
	if mid.Status != model.StatusRunning || mid.Phase != model.PhasePlanning {
		t.Fatalf("mid-run session = status %q phase %q", mid.Status, mid.Phase)
	}

	sup.stdout("Created placeholder issue #77")
	sup.stdout("Saved plan locally at: /tmp/plan-77.md")
	sup.exit(0)

	got := mustSession(t, p, ctx, session.SessionID)
	if got.Status != model.StatusSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if got.Phase != model.PhasePlanCompleted {
		t.Errorf("phase = %q, want plan-completed", got.Phase)
	}
	if got.IssueNumber != "77" {
		t.Errorf("issue = %q, want 77", got.IssueNumber)
	}
	if got.PlanPath != "/tmp/plan-77.md" {
		t.Errorf("plan path = %q", got.PlanPath)
	}
	if got.Rerun != nil {
		t.Errorf("rerun descriptor set after clean first run: %+v", got.Rerun)
	}

	terminal := got.TerminalByRole(model.RolePlan)
	if terminal == nil {
		t.Fatalf("no plan terminal widget")
	}
	if len(terminal.Lines) != 4 || terminal.Lines[0] != "$ plan-agent plan" || terminal.Lines[3] != "Exit code: 0" {
		t.Fatalf("terminal lines = %v", terminal.Lines)
	}
}

func TestIssueExtractionIsIdempotent(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	if err := p.StartPlan(ctx, session.SessionID); err != nil {
		t.Fatalf("start plan: %v", err)
	}

	counter := &countingSubscriber{}
	p.hub.Subscribe(counter)

	sup.stdout("Created placeholder issue #77")
	first := counter.fields
	if first != 1 {
		t.Fatalf("fields notifications after first issue line = %d, want 1", first)
	}
	sup.stdout("Created placeholder issue #77")
	if counter.fields != first {
		t.Fatalf("repeated issue line produced another notification")
	}

	got := mustSession(t, p, ctx, session.SessionID)
	if got.IssueNumber != "77" {
		t.Fatalf("issue = %q", got.IssueNumber)
	}
}

func TestFailedImplementStoresRerunDescriptor(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.stdout("Created placeholder issue #77")
	sup.exit(0)

	if err := p.StartImplement(ctx, session.SessionID); err != nil {
		t.Fatalf("start implement: %v", err)
	}
	sup.exit(1)

	got := mustSession(t, p, ctx, session.SessionID)
	if got.ImplStatus != model.StatusError {
		t.Errorf("impl status = %q", got.ImplStatus)
	}
	if got.Rerun == nil {
		t.Fatalf("no rerun descriptor after failed impl")
	}
	if got.Rerun.CommandType != model.CommandImpl || got.Rerun.IssueNumber != "77" || got.Rerun.LastExitCode != 1 {
		t.Fatalf("rerun = %+v", got.Rerun)
	}
}

func TestRerunReplaysStoredImplRequest(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.stdout("Created placeholder issue #77")
	sup.exit(0)
	p.StartImplement(ctx, session.SessionID)
	sup.exit(1)

	if err := p.Rerun(ctx, session.SessionID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	req := sup.requests[len(sup.requests)-1]
	if req.CommandType != model.CommandImpl || req.IssueNumber != "77" {
		t.Fatalf("rerun request = %+v", req)
	}

	sup.exit(0)
	got := mustSession(t, p, ctx, session.SessionID)
	if got.ImplStatus != model.StatusSuccess || got.Phase != model.PhaseCompleted {
		t.Fatalf("after rerun: impl %q phase %q", got.ImplStatus, got.Phase)
	}
	if got.Rerun == nil || got.Rerun.LastExitCode != 0 {
		t.Fatalf("rerun record after success = %+v", got.Rerun)
	}
	if err := p.Rerun(ctx, session.SessionID); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("rerun after success = %v, want not available", err)
	}
}

func TestFailedPlanWithIssueEscalatesToRefine(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.stdout("Created placeholder issue #77")
	sup.exit(2)

	got := mustSession(t, p, ctx, session.SessionID)
	if got.Status != model.StatusError {
		t.Errorf("status = %q", got.Status)
	}
	if got.Rerun == nil {
		t.Fatalf("no rerun descriptor")
	}
	if got.Rerun.CommandType != model.CommandRefine || got.Rerun.Prompt != "add caching" || got.Rerun.IssueNumber != "77" {
		t.Fatalf("escalated rerun = %+v", got.Rerun)
	}

	if err := p.Rerun(ctx, session.SessionID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	req := sup.requests[len(sup.requests)-1]
	if req.CommandType != model.CommandRefine || req.Prompt != "add caching" || req.RefineIssueNumber != "77" {
		t.Fatalf("escalated request = %+v", req)
	}
}

func TestFailedPlanWithoutIssueRerunsPlan(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.exit(1)

	got := mustSession(t, p, ctx, session.SessionID)
	if got.Rerun == nil || got.Rerun.CommandType != model.CommandPlan || got.Rerun.Prompt != "add caching" {
		t.Fatalf("rerun = %+v", got.Rerun)
	}
}

func TestClosedIssueDisablesImplement(t *testing.T) {
	p, sup, ctx := newTestProjector(t, stubStates{state: model.IssueClosed})
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.stdout("Created placeholder issue #77")
	sup.exit(0)

	state, err := p.RefreshIssueState(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("refresh issue state: %v", err)
	}
	if state != model.IssueClosed {
		t.Fatalf("state = %q", state)
	}

	if err := p.StartImplement(ctx, session.SessionID); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("implement on closed issue = %v, want not available", err)
	}

	got := mustSession(t, p, ctx, session.SessionID)
	actions := got.FindWidget(func(w model.Widget) bool { return w.Meta.Role == model.RoleActions })
	if actions == nil {
		t.Fatalf("no actions widget")
	}
	for _, b := range actions.Meta.Buttons {
		if b.ID == policy.ButtonImplement && b.Enabled {
			t.Fatalf("implement button enabled on closed issue")
		}
	}
}

func TestStopProducesErrorStatus(t *testing.T) {
	p, _, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)

	p.Stop(session.SessionID)

	got := mustSession(t, p, ctx, session.SessionID)
	if got.Status != model.StatusError {
		t.Errorf("status after stop = %q, want error", got.Status)
	}
	terminal := got.TerminalByRole(model.RolePlan)
	if terminal == nil {
		t.Fatalf("no plan terminal")
	}
	last := terminal.Lines[len(terminal.Lines)-1]
	if last != "Exit code: -1" {
		t.Errorf("last terminal line = %q", last)
	}
}

func TestRefineRunRoutesOutputToItsOwnRecord(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.stdout("Created placeholder issue #77")
	sup.exit(0)

	if err := p.StartRefine(ctx, session.SessionID, "tighten error paths"); err != nil {
		t.Fatalf("start refine: %v", err)
	}
	req := sup.requests[len(sup.requests)-1]
	if req.CommandType != model.CommandRefine || req.Prompt != "tighten error paths" {
		t.Fatalf("refine request = %+v", req)
	}

	sup.stdout("refining section 2")
	sup.stderr("warning: large diff")
	sup.exit(0)

	got := mustSession(t, p, ctx, session.SessionID)
	if len(got.RefineRuns) != 1 {
		t.Fatalf("refine runs = %d", len(got.RefineRuns))
	}
	refineRun := got.RefineRuns[0]
	if refineRun.Status != model.StatusSuccess || refineRun.Focus != "tighten error paths" {
		t.Fatalf("refine run = %+v", refineRun)
	}
	found := false
	for _, line := range refineRun.Logs {
		if line == "! warning: large diff" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stderr line missing from refine logs: %v", refineRun.Logs)
	}
	if got.Phase != model.PhasePlanCompleted {
		t.Fatalf("phase after refine = %q", got.Phase)
	}
	if got.TerminalByRunID(refineRun.RunID) == nil {
		t.Fatalf("no terminal widget for refine run")
	}
}

func TestFailedRefineStoresFocusInDescriptor(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.stdout("Created placeholder issue #77")
	sup.exit(0)
	p.StartRefine(ctx, session.SessionID, "tighten error paths")
	sup.exit(3)

	got := mustSession(t, p, ctx, session.SessionID)
	if got.Rerun == nil {
		t.Fatalf("no rerun descriptor")
	}
	if got.Rerun.CommandType != model.CommandRefine || got.Rerun.Prompt != "tighten error paths" || got.Rerun.IssueNumber != "77" {
		t.Fatalf("rerun = %+v", got.Rerun)
	}
}

func TestDispatchRejectedWhileRunActive(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)

	if err := p.StartPlan(ctx, session.SessionID); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second plan = %v, want run active", err)
	}
	if err := p.StartRefine(ctx, session.SessionID, "focus"); !errors.Is(err, ErrRunActive) {
		t.Fatalf("refine during plan = %v, want run active", err)
	}
	spawns := len(sup.requests)
	if spawns != 1 {
		t.Fatalf("spawned %d processes, want 1", spawns)
	}
}

func TestProgressStageRecordedFromStderr(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)

	sup.stderr("Stage 2/5: Running planner (openai:gpt-4.1)")
	sup.stdout("Stage 3/5: Running reviewer (x:y)")
	sup.exit(0)

	got := mustSession(t, p, ctx, session.SessionID)
	progress := got.FindWidget(func(w model.Widget) bool { return w.Type == model.WidgetProgress })
	if progress == nil {
		t.Fatalf("no progress widget")
	}
	if len(progress.Meta.Progress) != 2 {
		t.Fatalf("progress entries = %+v, want stage + exit", progress.Meta.Progress)
	}
	if progress.Meta.Progress[0].Stage != "2" {
		t.Errorf("first entry = %+v", progress.Meta.Progress[0])
	}
	if progress.Meta.Progress[1].Stage != "exit" {
		t.Errorf("second entry = %+v", progress.Meta.Progress[1])
	}
}

func TestProgressWidgetReferencesPlanTerminal(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.exit(0)

	got := mustSession(t, p, ctx, session.SessionID)
	terminal := got.TerminalByRole(model.RolePlan)
	if terminal == nil {
		t.Fatalf("no plan terminal widget")
	}
	progress := got.FindWidget(func(w model.Widget) bool { return w.Type == model.WidgetProgress })
	if progress == nil {
		t.Fatalf("no progress widget")
	}
	if progress.Meta.TerminalID != terminal.WidgetID {
		t.Fatalf("progress terminal id = %q, want %q", progress.Meta.TerminalID, terminal.WidgetID)
	}
}

func TestRunPidPersistedForTheLifeOfTheRun(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)

	mid := mustSession(t, p, ctx, session.SessionID)
	if mid.RunPID != fakePID {
		t.Fatalf("run pid while running = %d, want %d", mid.RunPID, fakePID)
	}

	sup.exit(0)
	got := mustSession(t, p, ctx, session.SessionID)
	if got.RunPID != 0 {
		t.Fatalf("run pid after exit = %d, want 0", got.RunPID)
	}
}

func TestProgressEntriesCappedAtLimit(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)

	for i := 1; i <= 210; i++ {
		sup.stderr(fmt.Sprintf("Stage %d/300: Running step (x:y)", i))
	}
	sup.exit(0)

	got := mustSession(t, p, ctx, session.SessionID)
	progress := got.FindWidget(func(w model.Widget) bool { return w.Type == model.WidgetProgress })
	if progress == nil {
		t.Fatalf("no progress widget")
	}
	entries := progress.Meta.Progress
	if len(entries) != maxProgressEntries {
		t.Fatalf("progress entries = %d, want %d", len(entries), maxProgressEntries)
	}
	if entries[0].Stage != "12" {
		t.Errorf("oldest kept entry = %+v, want stage 12", entries[0])
	}
	if entries[len(entries)-1].Stage != "exit" {
		t.Errorf("last entry = %+v, want exit", entries[len(entries)-1])
	}
}

func TestDispatchFailureResetsActionMode(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)
	sup.stdout("Created placeholder issue #77")
	sup.exit(0)

	sup.refuse = true
	err := p.StartImplement(ctx, session.SessionID)
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("implement with refused spawn = %v, want dispatch failed", err)
	}
	if errors.Is(err, ErrRunActive) {
		t.Fatalf("refused spawn reported as active run")
	}

	got := mustSession(t, p, ctx, session.SessionID)
	if got.ActionMode != model.ModeDefault {
		t.Errorf("action mode after refused spawn = %q, want default", got.ActionMode)
	}
	if got.ImplStatus != model.StatusIdle {
		t.Errorf("impl status after refused spawn = %q, want idle", got.ImplStatus)
	}

	sup.refuse = false
	if err := p.StartImplement(ctx, session.SessionID); err != nil {
		t.Fatalf("implement after recovery: %v", err)
	}
	sup.exit(0)
}

func TestRunningCollapsesButtons(t *testing.T) {
	p, sup, ctx := newTestProjector(t, nil)
	session, _ := p.CreateSession(ctx, "add caching")
	p.StartPlan(ctx, session.SessionID)

	got := mustSession(t, p, ctx, session.SessionID)
	actions := got.FindWidget(func(w model.Widget) bool { return w.Meta.Role == model.RoleActions })
	if actions == nil {
		t.Fatalf("no actions widget")
	}
	if len(actions.Meta.Buttons) != 1 || actions.Meta.Buttons[0].Enabled {
		t.Fatalf("buttons while running = %+v", actions.Meta.Buttons)
	}
	sup.exit(0)
}
