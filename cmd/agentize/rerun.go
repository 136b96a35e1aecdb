package main

import (
	"github.com/spf13/cobra"
)

var rerunCmd = &cobra.Command{
	Use:   "rerun <session-id>",
	Short: "Replay the session's last failed run with its original inputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		sessionID := args[0]
		sub := newConsoleSubscriber(sessionID)
		a.hub.Subscribe(sub)
		if err := a.proj.Rerun(ctx, sessionID); err != nil {
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
	rootCmd.AddCommand(rerunCmd)
}
