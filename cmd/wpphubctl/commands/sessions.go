package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <user_id>",
		Short: "Connect a user, replacing any live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			reply, err := api.Connect(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(reply)
			}
			fmt.Printf("%s: %s\n", reply.UserID, paint(reply.Status))
			return nil
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <user_id>",
		Short: "Log a user out and delete their credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			reply, err := api.Disconnect(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(reply)
			}
			fmt.Printf("%s: %s\n", reply.UserID, paint(reply.Status))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <user_id>",
		Short: "Show a user's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			snap, err := api.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(snap)
			}
			fmt.Printf("User:     %s\n", snap.UserID)
			fmt.Printf("Status:   %s\n", paint(string(snap.Status)))
			if snap.Address != "" {
				fmt.Printf("Address:  %s\n", snap.Address)
			}
			if snap.Attempts > 0 {
				fmt.Printf("Attempts: %d\n", snap.Attempts)
			}
			if !snap.Since.IsZero() {
				fmt.Printf("Since:    %s\n", snap.Since.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the daemon's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			snaps, err := api.List(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(snaps)
			}
			if len(snaps) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%-32s %-28s %s\n", s.UserID, paint(string(s.Status)), s.Address)
			}
			return nil
		},
	}
}
