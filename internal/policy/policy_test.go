package policy

import (
	"testing"

	"github.com/comhuhuan/agentize/internal/model"
)

func buttonByID(t *testing.T, buttons []model.ButtonDef, id string) model.ButtonDef {
	t.Helper()
	for _, b := range buttons {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("button %q not present in %v", id, buttons)
	return model.ButtonDef{}
}

func hasButton(buttons []model.ButtonDef, id string) bool {
	for _, b := range buttons {
		if b.ID == id {
			return true
		}
	}
	return false
}

func TestButtonsFreshSession(t *testing.T) {
	buttons := Buttons(model.Session{
		Status:     model.StatusIdle,
		ImplStatus: model.StatusIdle,
		IssueState: model.IssueUnknown,
		Phase:      model.PhaseIdle,
	})
	for _, id := range []string{ButtonViewPlan, ButtonViewIssue, ButtonImplement, ButtonRefine, ButtonRerun} {
		if b := buttonByID(t, buttons, id); b.Enabled {
			t.Errorf("%s enabled on fresh session", id)
		}
	}
	if hasButton(buttons, ButtonViewPR) {
		t.Errorf("view-pr shown without a pull request")
	}
}

func TestButtonsAfterSuccessfulPlan(t *testing.T) {
	s := model.Session{
		Status:      model.StatusSuccess,
		Phase:       model.PhasePlanCompleted,
		ImplStatus:  model.StatusIdle,
		IssueNumber: "77",
		IssueState:  model.IssueOpen,
		PlanPath:    "/tmp/plan.md",
	}
	buttons := Buttons(s)
	for _, id := range []string{ButtonViewPlan, ButtonViewIssue, ButtonImplement, ButtonRefine} {
		if b := buttonByID(t, buttons, id); !b.Enabled {
			t.Errorf("%s disabled after successful plan: %q", id, b.Reason)
		}
	}
	if b := buttonByID(t, buttons, ButtonRerun); b.Enabled {
		t.Errorf("rerun enabled without a descriptor")
	}
}

func TestButtonsRunningCollapsesToSingleButton(t *testing.T) {
	s := model.Session{
		Status:     model.StatusSuccess,
		ImplStatus: model.StatusRunning,
		ActionMode: model.ModeImplement,
		PlanPath:   "/tmp/plan.md",
	}
	buttons := Buttons(s)
	if len(buttons) != 1 {
		t.Fatalf("got %d buttons while running, want 1: %v", len(buttons), buttons)
	}
	if buttons[0].ID != ButtonImplement || buttons[0].Enabled || buttons[0].Label != "Running…" {
		t.Fatalf("running button = %+v", buttons[0])
	}
}

func TestButtonsRunningPlanUsesPlanButton(t *testing.T) {
	buttons := Buttons(model.Session{
		Status:     model.StatusRunning,
		ActionMode: model.ModeDefault,
	})
	if len(buttons) != 1 || buttons[0].ID != "plan" {
		t.Fatalf("buttons = %v", buttons)
	}
}

func TestButtonsRunningRefineRunCollapses(t *testing.T) {
	buttons := Buttons(model.Session{
		Status:     model.StatusSuccess,
		ActionMode: model.ModeRefine,
		RefineRuns: []model.RefineRun{{RunID: "r1", Status: model.StatusRunning}},
	})
	if len(buttons) != 1 || buttons[0].ID != ButtonRefine {
		t.Fatalf("buttons = %v", buttons)
	}
}

func TestButtonsClosedIssueDisablesImplement(t *testing.T) {
	s := model.Session{
		Status:      model.StatusSuccess,
		IssueNumber: "77",
		IssueState:  model.IssueClosed,
		PlanPath:    "/tmp/plan.md",
	}
	b := buttonByID(t, Buttons(s), ButtonImplement)
	if b.Enabled {
		t.Fatalf("implement enabled on closed issue")
	}
	if b.Reason != "issue is closed" {
		t.Fatalf("reason = %q", b.Reason)
	}
}

func TestButtonsUnknownIssueStateDoesNotBlockImplement(t *testing.T) {
	s := model.Session{
		Status:      model.StatusSuccess,
		IssueNumber: "77",
		IssueState:  model.IssueUnknown,
	}
	if b := buttonByID(t, Buttons(s), ButtonImplement); !b.Enabled {
		t.Fatalf("implement disabled on unknown issue state: %q", b.Reason)
	}
}

func TestButtonsRerunRequiresFailedDescriptor(t *testing.T) {
	s := model.Session{
		Status: model.StatusError,
		Rerun:  &model.Rerun{CommandType: model.CommandImpl, IssueNumber: "77", LastExitCode: 1},
	}
	if b := buttonByID(t, Buttons(s), ButtonRerun); !b.Enabled {
		t.Fatalf("rerun disabled with failed descriptor: %q", b.Reason)
	}

	s.Rerun.LastExitCode = 0
	if b := buttonByID(t, Buttons(s), ButtonRerun); b.Enabled {
		t.Fatalf("rerun enabled after success")
	}
}

func TestButtonsViewPRShownAfterSuccessfulImpl(t *testing.T) {
	s := model.Session{
		Status:     model.StatusSuccess,
		ImplStatus: model.StatusSuccess,
		PRURL:      "https://github.com/acme/app/pull/88",
	}
	if b := buttonByID(t, Buttons(s), ButtonViewPR); !b.Enabled {
		t.Fatalf("view-pr disabled: %q", b.Reason)
	}

	s.PRURL = ""
	if hasButton(Buttons(s), ButtonViewPR) {
		t.Fatalf("view-pr shown without URL")
	}
}
