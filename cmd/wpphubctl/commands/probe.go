package commands

import (
	"errors"
	"fmt"

	"github.com/matheus3301/wpphub/internal/client"
	"github.com/matheus3301/wpphub/internal/health"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "probe [user_id]",
		Short: "Check the daemon, or one user's session, over the health socket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				socket = cfg.Health.Socket
			}
			if socket == "" {
				return errors.New("health socket disabled in config")
			}
			service := ""
			if len(args) == 1 {
				service = health.SessionService(args[0])
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			st, err := client.Probe(ctx, socket, service)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(map[string]string{"service": service, "status": st})
			}
			fmt.Println(paint(st))
			if st != "SERVING" {
				return errors.New("not serving: " + st)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "health socket path (default from config)")
	return cmd
}
