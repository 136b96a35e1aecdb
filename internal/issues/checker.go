// Package issues queries the tracker for an issue's open/closed state.
package issues

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/comhuhuan/agentize/internal/model"
)

type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Checker resolves issue state through a configured tracker command.
// Any failure degrades to unknown rather than an error: an unreachable
// tracker must never block actions.
type Checker struct {
	command []string
	runner  Runner
	workDir string
}

func NewChecker(command []string, workDir string, runner Runner) *Checker {
	if runner == nil {
		runner = OSRunner{}
	}
	return &Checker{command: command, runner: runner, workDir: workDir}
}

// State runs the tracker command with {issue} expanded and maps its
// output to open, closed, or unknown.
func (c *Checker) State(ctx context.Context, issueNumber string) model.IssueState {
	if issueNumber == "" || len(c.command) == 0 {
		return model.IssueUnknown
	}
	argv := make([]string, len(c.command))
	for i, arg := range c.command {
		argv[i] = strings.ReplaceAll(arg, "{issue}", issueNumber)
	}
	out, err := c.runner.Run(ctx, c.workDir, argv[0], argv[1:]...)
	if err != nil {
		return model.IssueUnknown
	}
	return parseState(out)
}

func parseState(out []byte) model.IssueState {
	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &payload); err == nil && payload.State != "" {
		return mapState(payload.State)
	}
	return mapState(strings.TrimSpace(string(out)))
}

func mapState(raw string) model.IssueState {
	switch strings.ToLower(raw) {
	case "open":
		return model.IssueOpen
	case "closed":
		return model.IssueClosed
	default:
		return model.IssueUnknown
	}
}
