// Package provider resolves run requests to the argv of the configured
// external stage command.
package provider

import (
	"fmt"
	"strings"

	"github.com/comhuhuan/agentize/internal/config"
	"github.com/comhuhuan/agentize/internal/model"
)

// Registry holds the per-provider stage command templates. It
// implements run.CommandBuilder.
type Registry struct {
	providers map[string]config.StageCommands
	active    string
}

func NewRegistry(cfg config.Config) (*Registry, error) {
	if _, ok := cfg.Providers[cfg.Provider]; !ok {
		return nil, fmt.Errorf("provider %q not configured", cfg.Provider)
	}
	return &Registry{providers: cfg.Providers, active: cfg.Provider}, nil
}

// Build expands the active provider's template for the requested stage.
// Placeholders: {prompt} for plan, {issue} and {focus} for refine,
// {issue} for impl.
func (r *Registry) Build(req model.RunRequest) ([]string, error) {
	cmds := r.providers[r.active]
	var template []string
	values := map[string]string{}

	switch req.CommandType {
	case model.CommandPlan:
		if req.Prompt == "" {
			return nil, fmt.Errorf("plan requires a prompt")
		}
		template = cmds.Plan
		values["{prompt}"] = req.Prompt
	case model.CommandRefine:
		issue := req.RefineIssueNumber
		if issue == "" {
			issue = req.IssueNumber
		}
		if issue == "" {
			return nil, fmt.Errorf("refine requires an issue number")
		}
		if req.Prompt == "" {
			return nil, fmt.Errorf("refine requires a focus")
		}
		template = cmds.Refine
		values["{issue}"] = issue
		values["{focus}"] = req.Prompt
	case model.CommandImpl:
		if req.IssueNumber == "" {
			return nil, fmt.Errorf("impl requires an issue number")
		}
		template = cmds.Impl
		values["{issue}"] = req.IssueNumber
	default:
		return nil, fmt.Errorf("unknown command type %q", req.CommandType)
	}
	if len(template) == 0 {
		return nil, fmt.Errorf("provider %q has no %s command", r.active, req.CommandType)
	}
	return expand(template, values), nil
}

func expand(template []string, values map[string]string) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		for placeholder, value := range values {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}
		out[i] = arg
	}
	return out
}
