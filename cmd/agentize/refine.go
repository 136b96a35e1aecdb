package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var refineCmd = &cobra.Command{
	Use:   "refine <session-id> <focus>",
	Short: "Run a refine pass over a settled plan",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		sessionID := args[0]
		focus := strings.Join(args[1:], " ")

		sub := newConsoleSubscriber(sessionID)
		a.hub.Subscribe(sub)
		if err := a.proj.StartRefine(ctx, sessionID, focus); err != nil {
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
	rootCmd.AddCommand(refineCmd)
}
