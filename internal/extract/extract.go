// Package extract holds the pure line scrapers applied to run output.
// Each function maps one text line to an optional structured value and
// has no side effects.
package extract

import "regexp"

var (
	issuePhraseRe = regexp.MustCompile(`placeholder issue #(\d+)`)
	issueURLRe    = regexp.MustCompile(`https?://\S+/issues/(\d+)\b`)
	planLocalRe   = regexp.MustCompile(`plan locally at:\s*(\S+)`)
	planDumpRe    = regexp.MustCompile(`dumped to:\s*(\S+)`)
	prURLRe       = regexp.MustCompile(`https?://\S+/pull/\d+\b`)
	stageRe       = regexp.MustCompile(`Stage (\d+(?:-\d+)?)/5: Running (\S+) \(([^)]+)\)`)
)

// IssueNumber scrapes an issue number from a line. It matches either
// the explicit "placeholder issue #N" phrase or a tracker URL ending
// in /issues/N.
func IssueNumber(line string) (string, bool) {
	if m := issuePhraseRe.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := issueURLRe.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}

// PlanPath scrapes the plan document path from a line. It matches
// "plan locally at: PATH" or "dumped to: PATH".
func PlanPath(line string) (string, bool) {
	if m := planLocalRe.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := planDumpRe.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}

// PRURL scrapes a pull-request URL of the form .../pull/N.
func PRURL(line string) (string, bool) {
	if m := prURLRe.FindString(line); m != "" {
		return m, true
	}
	return "", false
}

// Stage is one detected progress transition.
type Stage struct {
	Stage string
	Name  string
	Text  string
}

// ProgressStage matches the "Stage i[-j]/5: Running <name> (<provider>:
// <model>[, ...])" shape emitted on stderr.
func ProgressStage(line string) (Stage, bool) {
	m := stageRe.FindStringSubmatch(line)
	if m == nil {
		return Stage{}, false
	}
	return Stage{Stage: m[1], Name: m[2], Text: m[0]}, true
}
