package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/habitcore/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		// ExitErrors were already reported in the selected format.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
