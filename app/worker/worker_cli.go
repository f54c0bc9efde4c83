package workercli

import (
	"github.com/serum-errors/go-serum"
	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/config"
	"github.com/warptools/sciflo/pkg/jobqueue"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, workerCmdDef)
}

var workerCmdDef = &cli.Command{
	Name:  "worker",
	Usage: "Run jobs from an AMQP job queue",
	Description: `Consumes the jobs that map and parallel bindings submit, runs each with its registered handler,
and answers on the job's reply queue. Runs until interrupted.`,
	Action: util.ChainCmdMiddleware(cmdWorker,
		util.CmdMiddlewareLogging,
		util.CmdMiddlewareInterrupt,
		util.CmdMiddlewareTracingConfig,
		util.CmdMiddlewareTracingSpan,
	),
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "queue",
			Usage: "Consume jobs from queue `NAME`",
			Value: "sciflo",
		},
		&cli.StringFlag{
			Name:  "url",
			Usage: "AMQP `ADDRESS` (defaults to the configured job queue)",
		},
	},
}

func cmdWorker(c *cli.Context) error {
	url := c.String("url")
	if url == "" {
		cfg, err := util.ExecConfig(c)
		if err != nil {
			return err
		}
		url = cfg.QueueURL
	}
	if url == "" {
		return serum.Errorf(sfapi.ECodeConfig, "no job queue configured; set --url or %s", config.EnvScifloJobQueueURL)
	}
	return jobqueue.ServeAMQP(c.Context, url, c.String("queue"))
}
