// Package commands implements wpphubctl.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/matheus3301/wpphub/internal/client"
	"github.com/matheus3301/wpphub/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	addr       string
	jsonOut    bool
	timeout    time.Duration

	cfg *config.Config
	api *client.Client
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "wpphubctl",
		Short:         "Operate a running wpphubd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadOrDefault(config.Resolve(configPath))
			if err != nil {
				return err
			}
			base := addr
			if base == "" {
				base = "http://" + cfg.HTTP.Listen
			}
			api = client.New(base, timeout)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $WPPHUB_CONFIG or ~/.wpphub/config.toml)")
	root.PersistentFlags().StringVar(&addr, "addr", "", "control API base URL (default from config)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(connectCmd(), disconnectCmd(), statusCmd(), listCmd(), qrCmd(), sendCmd(), probeCmd())

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
	}
	return err
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// paint colors a session state for terminal output.
func paint(state string) string {
	switch state {
	case "connected", "SERVING":
		return color.GreenString(state)
	case "connecting", "awaiting_pairing":
		return color.YellowString(state)
	default:
		return color.RedString(state)
	}
}
