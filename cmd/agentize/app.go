package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/joho/godotenv"

	"github.com/comhuhuan/agentize/internal/config"
	"github.com/comhuhuan/agentize/internal/db"
	"github.com/comhuhuan/agentize/internal/issues"
	"github.com/comhuhuan/agentize/internal/model"
	"github.com/comhuhuan/agentize/internal/notify"
	"github.com/comhuhuan/agentize/internal/projector"
	"github.com/comhuhuan/agentize/internal/provider"
	"github.com/comhuhuan/agentize/internal/run"
	"github.com/comhuhuan/agentize/internal/telemetry"
)

// app wires the store, supervisor, and projector for one CLI command.
type app struct {
	cfg      config.Config
	store    *db.Store
	proj     *projector.Projector
	hub      *notify.Hub
	shutdown func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "agentize",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	registry, err := provider.NewRegistry(cfg)
	if err != nil {
		_ = store.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	hub := notify.NewHub()
	checker := issues.NewChecker(cfg.IssueCommand, cfg.WorkDir, nil)
	proj := projector.New(store, run.NewSupervisor(registry), checker, hub, cfg.WorkDir)
	proj.SetErrorHandler(func(err error) {
		slog.Error("event handling failed", "error", err)
	})

	return &app{cfg: cfg, store: store, proj: proj, hub: hub, shutdown: shutdown}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
	if err := a.shutdown(ctx); err != nil {
		slog.Error("shutdown telemetry", "error", err)
	}
}

// consoleSubscriber streams one session's terminal output to stdout and
// signals completion when the session settles after having run.
type consoleSubscriber struct {
	sessionID string
	done      chan struct{}

	mu         sync.Mutex
	sawRunning bool
	closed     bool
}

func newConsoleSubscriber(sessionID string) *consoleSubscriber {
	return &consoleSubscriber{sessionID: sessionID, done: make(chan struct{})}
}

func (c *consoleSubscriber) OnWidgetLines(delta notify.WidgetLines) {
	if delta.SessionID != c.sessionID {
		return
	}
	for _, line := range delta.Lines {
		fmt.Fprintln(os.Stdout, line)
	}
}

func (c *consoleSubscriber) OnWidgetMeta(notify.WidgetMeta) {}

func (c *consoleSubscriber) OnSessionFields(delta notify.SessionFields) {
	if delta.Session.SessionID != c.sessionID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta.Session.AnyRunning() {
		c.sawRunning = true
		return
	}
	if c.sawRunning && !c.closed {
		c.closed = true
		close(c.done)
	}
}

// await blocks until the session's run settles or the context ends.
func (c *consoleSubscriber) await(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printSessionSummary(session model.Session) {
	fmt.Printf("session:  %s\n", session.SessionID)
	fmt.Printf("prompt:   %s\n", session.Prompt)
	fmt.Printf("phase:    %s\n", session.Phase)
	fmt.Printf("status:   plan=%s impl=%s\n", session.Status, session.ImplStatus)
	if session.IssueNumber != "" {
		fmt.Printf("issue:    #%s (%s)\n", session.IssueNumber, session.IssueState)
	}
	if session.PlanPath != "" {
		fmt.Printf("plan doc: %s\n", session.PlanPath)
	}
	if session.PRURL != "" {
		fmt.Printf("pr:       %s\n", session.PRURL)
	}
	if session.Rerun != nil && session.Rerun.LastExitCode != 0 {
		fmt.Printf("rerun:    %s available (last exit %d)\n", session.Rerun.CommandType, session.Rerun.LastExitCode)
	}
}
