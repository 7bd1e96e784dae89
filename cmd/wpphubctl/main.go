package main

import (
	"os"

	"github.com/matheus3301/wpphub/cmd/wpphubctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
