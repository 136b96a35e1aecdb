package main

import (
	"github.com/spf13/cobra"
)

var refreshIssue bool

var implementCmd = &cobra.Command{
	Use:   "implement <session-id>",
	Short: "Run the implementation stage for a planned session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		sessionID := args[0]
		if refreshIssue {
			if _, err := a.proj.RefreshIssueState(ctx, sessionID); err != nil {
				return err
			}
		}

		sub := newConsoleSubscriber(sessionID)
		a.hub.Subscribe(sub)
		if err := a.proj.StartImplement(ctx, sessionID); err != nil {
			return err
		}
		if err := sub.await(ctx); err != nil {
			return err
		}

		session, err := a.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		printSessionSummary(session)
		return nil
	},
}

func init() {
	implementCmd.Flags().BoolVar(&refreshIssue, "refresh-issue", true, "query the tracker for issue state before starting")
	rootCmd.AddCommand(implementCmd)
}
