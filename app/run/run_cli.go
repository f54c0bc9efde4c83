package runcli

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, runCmdDef)
}

var runCmdDef = &cli.Command{
	Name:      "run",
	Usage:     "Run a workflow document to completion",
	ArgsUsage: "DOCUMENT",
	Description: `Resolves the document, runs every work unit it needs, and prints the global outputs.
The exit status is non-zero unless the workflow finished with status done.
An interrupt cancels the workflow: running units get SIGINT, the rest are not reached.`,
	Action: util.ChainCmdMiddleware(cmdRun,
		util.CmdMiddlewareLogging,
		util.CmdMiddlewareInterrupt,
		util.CmdMiddlewareTracingConfig,
		util.CmdMiddlewareTracingSpan,
	),
	Flags: append(util.ArgFlags(),
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Run at most `N` units at once (overrides the configuration)",
		},
		&cli.StringFlag{
			Name:  "workdir",
			Usage: "Create workflow and unit directories under `DIR` (overrides the configuration)",
		},
	),
}

func cmdRun(c *cli.Context) error {
	ctx := c.Context
	log := logging.Ctx(ctx)
	doc, err := util.ReadDocument(c)
	if err != nil {
		return err
	}
	args, err := util.ReadArgs(c)
	if err != nil {
		return err
	}
	cfg, err := util.ExecConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("workdir") {
		cfg.WorkDir = c.String("workdir")
	}

	start := time.Now()
	res, err := executor.New(cfg).Execute(ctx, doc, args)
	if err != nil {
		return err
	}
	log.Debug("", "workflow %s finished in %s", res.WorkflowID, time.Since(start).Round(time.Millisecond))

	if c.Bool("json") {
		if err := util.PrintJSON(c, res); err != nil {
			return err
		}
	} else {
		printResult(c, res)
	}
	if res.Status != sfapi.WorkflowDone {
		var cause error = sfapi.RecordFromError(sfapi.ErrorCancelled(res.WorkflowID))
		if res.Exception != nil {
			cause = res.Exception
		}
		return sfapi.ErrorWorkflowFailed(res.WorkflowID, cause)
	}
	return nil
}

func printResult(c *cli.Context, res *sfapi.WorkflowResult) {
	w := c.App.Writer
	fmt.Fprintf(w, "workflow %s: %s\n", res.WorkflowID, res.Status)
	for _, o := range res.Outputs {
		switch {
		case o.URL != "":
			fmt.Fprintf(w, "  %s = %s\n", o.Tag, o.URL)
		case o.Error != nil && o.NotReached:
			fmt.Fprintf(w, "  %s not reached\n", o.Tag)
		case o.Error != nil:
			fmt.Fprintf(w, "  %s failed: %s\n", o.Tag, o.Error)
		default:
			fmt.Fprintf(w, "  %s = %v\n", o.Tag, o.Value)
		}
	}
	fmt.Fprintf(w, "state: %s\n", res.StateFile)
}
