package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/wpphub/internal/config"
	"github.com/matheus3301/wpphub/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file (default $WPPHUB_CONFIG or ~/.wpphub/config.toml)")
	flag.Parse()

	path := config.Resolve(*configFlag)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)
	app.Run()
}
