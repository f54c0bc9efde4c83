package healthcheckcli

import (
	"github.com/serum-errors/go-serum"
	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/healthcheck"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, healthcheckCmdDef)
}

var healthcheckCmdDef = &cli.Command{
	Name:  "healthcheck",
	Usage: "Check for potential errors in system configuration",
	Description: `Checks the work directory, the result cache, and the job queue,
looks for the programs that executable operators commonly call,
and runs a one-process workflow end to end.`,
	Action: util.ChainCmdMiddleware(cmdHealth,
		util.CmdMiddlewareLogging,
		util.CmdMiddlewareTracingConfig,
		util.CmdMiddlewareTracingSpan,
	),
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "bin",
			Usage: "Also look for the executable `NAME` on PATH; may be repeated",
		},
	},
}

func cmdHealth(c *cli.Context) error {
	ctx := c.Context
	log := logging.Ctx(ctx)
	cfg, err := util.ExecConfig(c)
	if err != nil {
		return err
	}
	runners := []healthcheck.Runner{
		&healthcheck.KernelInfo{},
		&healthcheck.WorkDirCheck{Dir: cfg.WorkDir},
		&healthcheck.CacheCheck{Cache: cfg.Cache, Dir: cfg.WorkDir},
		&healthcheck.QueueCheck{URL: cfg.QueueURL},
	}
	for _, name := range append([]string{"sh"}, c.StringSlice("bin")...) {
		runners = append(runners, &healthcheck.BinCheck{Name: name})
	}
	runners = append(runners, &healthcheck.ExecutionCheck{Config: cfg})

	hc := &healthcheck.HealthCheck{Runners: runners}
	hc.Run(ctx)
	log.Debug("", "runners=%d, results=%d", len(hc.Runners), len(hc.Results))
	if err := hc.Fprint(c.App.Writer); err != nil {
		return err
	}
	if hc.Failed() {
		return serum.Errorf(sfapi.ECodeConfig, "one or more health checks failed")
	}
	return nil
}
