package main

import (
	"os"

	scifloapp "github.com/warptools/sciflo/app"
	"github.com/warptools/sciflo/pkg/workunit"
)

func main() {
	// work units re-execute this binary; such a child never reaches the CLI
	workunit.RunChildIfRequested()

	scifloapp.App.Reader = os.Stdin
	scifloapp.App.Writer = os.Stdout
	scifloapp.App.ErrWriter = os.Stderr
	if err := scifloapp.App.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
