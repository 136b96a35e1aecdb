// Package policy derives the available session actions from session
// state. Pure functions, no side effects.
package policy

import "github.com/comhuhuan/agentize/internal/model"

// Button ids rendered into the session's actions widget.
const (
	ButtonViewPlan  = "view-plan"
	ButtonViewIssue = "view-issue"
	ButtonImplement = "implement"
	ButtonRefine    = "refine"
	ButtonRerun     = "rerun"
	ButtonViewPR    = "view-pr"
)

// Buttons derives the action set for the session. While any run is in
// flight, only the active action's button is shown, disabled and
// labeled Running. Otherwise the full set is recomputed from phase,
// stored artifacts, and the rerun descriptor.
func Buttons(s model.Session) []model.ButtonDef {
	if s.AnyRunning() {
		return []model.ButtonDef{{
			ID:      activeButton(s),
			Label:   "Running…",
			Enabled: false,
			Reason:  "run in progress",
		}}
	}

	planSettled := s.Status.Settled()
	out := make([]model.ButtonDef, 0, 6)

	viewPlan := model.ButtonDef{ID: ButtonViewPlan, Label: "View Plan"}
	switch {
	case s.PlanPath == "":
		viewPlan.Reason = "no plan document"
	case !planSettled:
		viewPlan.Reason = "plan not finished"
	default:
		viewPlan.Enabled = true
	}
	out = append(out, viewPlan)

	viewIssue := model.ButtonDef{ID: ButtonViewIssue, Label: "View Issue"}
	if s.IssueNumber == "" {
		viewIssue.Reason = "no issue"
	} else {
		viewIssue.Enabled = true
	}
	out = append(out, viewIssue)

	implement := model.ButtonDef{ID: ButtonImplement, Label: "Implement"}
	switch {
	case s.Status != model.StatusSuccess:
		implement.Reason = "plan has not succeeded"
	case s.ImplStatus == model.StatusRunning:
		implement.Reason = "implementation running"
	case s.IssueState == model.IssueClosed:
		implement.Reason = "issue is closed"
	default:
		implement.Enabled = true
	}
	out = append(out, implement)

	refine := model.ButtonDef{ID: ButtonRefine, Label: "Refine"}
	if !planSettled {
		refine.Reason = "plan has not settled"
	} else {
		refine.Enabled = true
	}
	out = append(out, refine)

	rerun := model.ButtonDef{ID: ButtonRerun, Label: "Rerun"}
	switch {
	case s.Rerun == nil:
		rerun.Reason = "nothing to rerun"
	case s.Rerun.LastExitCode == 0:
		rerun.Reason = "last run succeeded"
	default:
		rerun.Enabled = true
	}
	out = append(out, rerun)

	if s.ImplStatus == model.StatusSuccess && s.PRURL != "" {
		out = append(out, model.ButtonDef{ID: ButtonViewPR, Label: "View PR", Enabled: true})
	}
	return out
}

func activeButton(s model.Session) string {
	switch s.ActionMode {
	case model.ModeImplement:
		return ButtonImplement
	case model.ModeRefine:
		return ButtonRefine
	case model.ModeRerun:
		return ButtonRerun
	default:
		return "plan"
	}
}
