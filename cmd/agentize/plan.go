package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan <prompt>",
	Short: "Create a session and run the planning stage",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		prompt := strings.Join(args, " ")
		session, err := a.proj.CreateSession(ctx, prompt)
		if err != nil {
			return err
		}
		fmt.Printf("session %s\n", session.SessionID)

		sub := newConsoleSubscriber(session.SessionID)
		a.hub.Subscribe(sub)
		if err := a.proj.StartPlan(ctx, session.SessionID); err != nil {
			return err
		}
		if err := sub.await(ctx); err != nil {
			return err
		}

		session, err = a.store.GetSession(ctx, session.SessionID)
		if err != nil {
			return err
		}
		printSessionSummary(session)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}
