package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wpphub/internal/client"
	"github.com/matheus3301/wpphub/internal/qr"
	"github.com/spf13/cobra"
)

func qrCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "qr <user_id>",
		Short: "Print the pending pairing code as a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline := time.Now().Add(wait)
			for {
				ctx, cancel := requestContext(cmd)
				code, err := api.PairingCode(ctx, args[0])
				cancel()
				if errors.Is(err, client.ErrNoPairingCode) && time.Now().Before(deadline) {
					time.Sleep(time.Second)
					continue
				}
				if err != nil {
					return err
				}
				if jsonOut {
					return outputJSON(map[string]string{"user_id": args[0], "code": code})
				}
				art, err := qr.Terminal(code)
				if err != nil {
					return err
				}
				fmt.Printf("\n  Scan with WhatsApp > Linked devices:\n\n%s\n", art)
				return nil
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep polling this long for a code to appear")
	return cmd
}
