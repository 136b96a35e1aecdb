package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage stored sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		sessions, err := a.store.ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range sessions {
			issue := "-"
			if s.IssueNumber != "" {
				issue = "#" + s.IssueNumber
			}
			fmt.Printf("%s  %-14s  plan=%-7s impl=%-7s issue=%-6s  %s\n",
				s.SessionID, s.Phase, s.Status, s.ImplStatus, issue, s.Prompt)
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with its widgets and refine runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		session, err := a.store.GetSession(ctx, args[0])
		if err != nil {
			return err
		}
		printSessionSummary(session)
		for _, w := range session.Widgets {
			fmt.Printf("\n[%s] %s (%s)\n", w.Type, w.Title, w.WidgetID)
			for _, line := range w.Lines {
				fmt.Printf("  %s\n", line)
			}
		}
		for _, r := range session.RefineRuns {
			fmt.Printf("\nrefine %s (%s): %s\n", r.RunID, r.Status, r.Focus)
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and everything attached to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if err := a.store.DeleteSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

var purgeOlderThan time.Duration

var sessionPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete settled sessions not updated recently",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		n, err := a.store.PurgeSessions(ctx, time.Now().Add(-purgeOlderThan))
		if err != nil {
			return err
		}
		fmt.Printf("purged %d sessions\n", n)
		return nil
	},
}

func init() {
	sessionPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "purge sessions idle for at least this long")
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionDeleteCmd, sessionPurgeCmd)
	rootCmd.AddCommand(sessionCmd)
}
