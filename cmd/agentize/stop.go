package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Terminate the session's active run",
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
		if !session.AnyRunning() {
			fmt.Println("no active run for this session")
			return nil
		}

		// The run belongs to the invocation that started it; this
		// process only knows the persisted pid.
		if session.RunPID <= 0 {
			return fmt.Errorf("session is marked running but no pid was recorded")
		}
		proc, err := os.FindProcess(session.RunPID)
		if err != nil {
			return fmt.Errorf("find pid %d: %w", session.RunPID, err)
		}
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("kill pid %d: %w", session.RunPID, err)
		}
		fmt.Printf("killed pid %d; the owning invocation records the exit\n", session.RunPID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
