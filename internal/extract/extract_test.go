package extract

import "testing"

func TestIssueNumber(t *testing.T) {
	cases := []struct {
		line string
		want string
		ok   bool
	}{
		{"Created placeholder issue #77", "77", true},
		{"see https://github.com/acme/app/issues/1234 for details", "1234", true},
		{"issue #77 was not a placeholder", "", false},
		{"https://github.com/acme/app/issues/12abc", "", false},
		{"plain progress line", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := IssueNumber(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Errorf("IssueNumber(%q) = (%q, %v), want (%q, %v)", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPlanPath(t *testing.T) {
	cases := []struct {
		line string
		want string
		ok   bool
	}{
		{"Saved plan locally at: /tmp/plan-77.md", "/tmp/plan-77.md", true},
		{"Plan dumped to: docs/plans/caching.md", "docs/plans/caching.md", true},
		{"plan stored elsewhere", "", false},
	}
	for _, tc := range cases {
		got, ok := PlanPath(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Errorf("PlanPath(%q) = (%q, %v), want (%q, %v)", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPRURL(t *testing.T) {
	got, ok := PRURL("Opened https://github.com/acme/app/pull/88 for review")
	if !ok || got != "https://github.com/acme/app/pull/88" {
		t.Fatalf("PRURL = (%q, %v)", got, ok)
	}
	if _, ok := PRURL("no pull request here"); ok {
		t.Fatalf("unexpected PR match")
	}
}

func TestProgressStage(t *testing.T) {
	stage, ok := ProgressStage("Stage 2/5: Running planner (openai:gpt-4.1)")
	if !ok {
		t.Fatalf("expected stage match")
	}
	if stage.Stage != "2" || stage.Name != "planner" {
		t.Fatalf("stage = %+v", stage)
	}

	stage, ok = ProgressStage("Stage 3-4/5: Running reviewer (anthropic:claude, fallback:gpt)")
	if !ok || stage.Stage != "3-4" {
		t.Fatalf("ranged stage = %+v, ok=%v", stage, ok)
	}

	if _, ok := ProgressStage("Stage 9/9: Running other (x:y)"); ok {
		t.Fatalf("matched wrong denominator")
	}
	if _, ok := ProgressStage("Running planner without stage prefix"); ok {
		t.Fatalf("matched without stage prefix")
	}
}
