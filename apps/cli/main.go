package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/vitalis-health/vitalis-saas/apps/cli/cmd/clinic"
	"github.com/vitalis-health/vitalis-saas/apps/cli/root"
)

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var exitErr *clinic.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
