package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <user_id> <to> <text>",
		Short: "Send a text message from a connected user's account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			id, err := api.Send(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(map[string]string{"id": id})
			}
			fmt.Printf("sent %s\n", id)
			return nil
		},
	}
}
