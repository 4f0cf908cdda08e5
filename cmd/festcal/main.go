package main

import (
	"context"
	"fmt"
	"os"

	"festcal/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "festcal:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
