package main

import (
	"os"

	"github.com/disco-paas/disco/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
